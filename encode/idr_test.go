package encode

import "testing"

func TestIDRSchedulerCoalesces(t *testing.T) {
	t.Parallel()

	var s IDRScheduler
	if s.CheckAndClear() {
		t.Error("fresh scheduler reports pending IDR")
	}

	// Any mix of events before the next frame collapses to one IDR.
	s.OnStreamStart()
	s.OnPacketLoss()
	s.InsertIDR()
	s.InsertIDR()

	if !s.CheckAndClear() {
		t.Error("pending IDR not reported")
	}
	if s.CheckAndClear() {
		t.Error("IDR reported twice for one batch of events")
	}
}

func TestIDRSchedulerEventSources(t *testing.T) {
	t.Parallel()

	events := []struct {
		name string
		fire func(*IDRScheduler)
	}{
		{"stream start", (*IDRScheduler).OnStreamStart},
		{"packet loss", (*IDRScheduler).OnPacketLoss},
		{"explicit insert", (*IDRScheduler).InsertIDR},
	}
	for _, ev := range events {
		ev := ev
		t.Run(ev.name, func(t *testing.T) {
			t.Parallel()
			var s IDRScheduler
			ev.fire(&s)
			if !s.CheckAndClear() {
				t.Errorf("%s did not arm the scheduler", ev.name)
			}
		})
	}
}
