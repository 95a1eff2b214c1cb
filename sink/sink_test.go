package sink

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	codec      string
	data       []byte
	timestamp  uint64
	isKeyframe bool
}

func TestQueueDeliversInOrder(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var got []recorded
	q := NewQueue(func(codec string, data []byte, ts uint64, key bool) {
		mu.Lock()
		got = append(got, recorded{codec, data, ts, key})
		mu.Unlock()
	}, 8, nil)

	for i := uint64(0); i < 5; i++ {
		q.Enqueue(CodecHEVC, []byte{byte(i)}, i*100, i == 0)
	}
	q.Close()

	require.Len(t, got, 5)
	for i, r := range got {
		assert.Equal(t, CodecHEVC, r.codec)
		assert.Equal(t, []byte{byte(i)}, r.data)
		assert.Equal(t, uint64(i)*100, r.timestamp)
		assert.Equal(t, i == 0, r.isKeyframe)
	}
	assert.Equal(t, uint64(5), q.Emitted())
	assert.Zero(t, q.Dropped())
}

func TestQueueShedsOldestWhenFull(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	var mu sync.Mutex
	var got []uint64
	q := NewQueue(func(_ string, _ []byte, ts uint64, _ bool) {
		<-block
		mu.Lock()
		got = append(got, ts)
		mu.Unlock()
	}, 2, nil)

	// First unit occupies the worker; the next two fill the queue; the
	// following ones must displace the oldest queued units without
	// blocking this goroutine.
	for i := uint64(0); i < 6; i++ {
		q.Enqueue(CodecHEVC, nil, i, false)
	}
	assert.NotZero(t, q.Dropped())

	close(block)
	q.Close()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, got)
	// The newest unit always survives.
	assert.Equal(t, uint64(5), got[len(got)-1])
}

func TestQueueCloseIdempotent(t *testing.T) {
	t.Parallel()

	q := NewQueue(func(string, []byte, uint64, bool) {}, 0, nil)
	q.Enqueue(CodecHEVC, nil, 1, false)
	done := make(chan struct{})
	go func() {
		q.Close()
		q.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
}
