package encode

import "sync/atomic"

// IDRScheduler collects the events that demand an independently decodable
// frame: stream start, reported packet loss, and explicit requests from
// the session layer. Any number of pending events coalesce into a single
// forced IDR on the next submit. The periodic keyframe cadence is the
// encoder's own (max keyframe interval); this scheduler only handles the
// on-demand path.
type IDRScheduler struct {
	pending atomic.Bool
}

// OnStreamStart flags that a client just attached and needs a sync point.
func (s *IDRScheduler) OnStreamStart() {
	s.pending.Store(true)
}

// OnPacketLoss flags that the downstream reported loss and the decoder
// needs a recovery point.
func (s *IDRScheduler) OnPacketLoss() {
	s.pending.Store(true)
}

// InsertIDR flags an explicit keyframe request.
func (s *IDRScheduler) InsertIDR() {
	s.pending.Store(true)
}

// CheckAndClear atomically reports whether an IDR must be forced for the
// next frame and resets the flag.
func (s *IDRScheduler) CheckAndClear() bool {
	return s.pending.Swap(false)
}
