// Package sink carries packed access units from the encoder's completion
// threads to the downstream network packetiser. The hand-off is a
// bounded single-consumer queue: completion callbacks enqueue and return
// immediately, one worker goroutine owns the actual sink call.
package sink

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// CodecHEVC is the codec tag passed to EmitFunc for HEVC streams.
const CodecHEVC = "hevc"

// EmitFunc delivers one Annex-B access unit to the network sink.
type EmitFunc func(codec string, annexB []byte, targetTimestampNS uint64, isKeyframe bool)

// DefaultDepth is the default queue depth: enough to ride out a brief
// sink stall without holding more than a handful of access units.
const DefaultDepth = 32

type item struct {
	codec      string
	data       []byte
	timestamp  uint64
	isKeyframe bool
}

// Queue is the SPSC hand-off between encoder callbacks and the sink.
// Enqueue never blocks: when the sink cannot keep up the oldest queued
// unit is dropped, keeping latency bounded on this streaming datapath.
type Queue struct {
	log  *slog.Logger
	emit EmitFunc
	ch   chan item

	emitted atomic.Uint64
	dropped atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

// NewQueue starts the worker goroutine delivering to emit. depth <= 0
// selects DefaultDepth.
func NewQueue(emit EmitFunc, depth int, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	if depth <= 0 {
		depth = DefaultDepth
	}
	q := &Queue{
		log:  log.With("component", "sink-queue"),
		emit: emit,
		ch:   make(chan item, depth),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue) run() {
	defer close(q.done)
	for it := range q.ch {
		q.emit(it.codec, it.data, it.timestamp, it.isKeyframe)
		q.emitted.Add(1)
	}
}

// Enqueue hands one access unit to the worker. Safe to call from any
// goroutine; never blocks. The data slice is handed off as-is and must
// not be reused by the caller. Callers must drain the encoder before
// Close: enqueueing after Close is a programming error.
func (q *Queue) Enqueue(codec string, data []byte, targetTimestampNS uint64, isKeyframe bool) {
	it := item{codec: codec, data: data, timestamp: targetTimestampNS, isKeyframe: isKeyframe}
	for {
		select {
		case q.ch <- it:
			return
		default:
		}
		// Queue full: shed the oldest unit and retry.
		select {
		case old := <-q.ch:
			dropped := q.dropped.Add(1)
			if dropped%100 == 1 {
				q.log.Warn("sink behind, dropping access unit",
					"timestamp", old.timestamp, "dropped", dropped)
			}
		default:
		}
	}
}

// Emitted returns the number of units delivered to the sink.
func (q *Queue) Emitted() uint64 { return q.emitted.Load() }

// Dropped returns the number of units shed because the sink fell behind.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

// Close stops accepting units and waits for the worker to drain what is
// already queued. Idempotent.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.ch) })
	<-q.done
}
