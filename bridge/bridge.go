// Package bridge wires a frame transport to the encode pipeline: frames
// come in from the shared-memory ring or the TCP bytestream, go through
// the encoder driver, and the completed samples are packed to Annex-B
// and handed to the network sink.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/zsiec/beam/bitstream"
	"github.com/zsiec/beam/encode"
	"github.com/zsiec/beam/media"
	"github.com/zsiec/beam/posehistory"
	"github.com/zsiec/beam/shm"
	"github.com/zsiec/beam/sink"
)

// Source delivers reassembled frames from a transport. Next blocks until
// a frame is available or the context ends; the release callback returns
// the frame's backing storage to the transport and must be called exactly
// once, after the encoder has accepted the frame.
type Source interface {
	Next(ctx context.Context) (*media.Frame, func(), error)
	Close() error
}

// statsLogInterval is how many frames pass between progress log lines.
const statsLogInterval = 300

// Stats is a point-in-time snapshot of the bridge's counters.
type Stats struct {
	FramesReceived uint64
	FramesEncoded  uint64
	FramesDropped  uint64
	UnitsEmitted   uint64
	UnitsDropped   uint64
	LastPTSNS      uint64
}

// Bridge runs the consumer side of the transport: one goroutine pulls
// frames from the source and feeds the encoder, the encoder's completion
// threads pack samples, and the sink queue serializes delivery to the
// network sink.
type Bridge struct {
	log    *slog.Logger
	source Source
	driver *encode.Driver
	packer *bitstream.Packer
	queue  *sink.Queue
	poses  *posehistory.History

	received atomic.Uint64
	lastPTS  atomic.Uint64
}

// New assembles a bridge. poses may be nil when no pose history is
// available; frames are processed either way. emit receives the packed
// access units.
func New(source Source, factory encode.SessionFactory, bitrate int, poses *posehistory.History, emit sink.EmitFunc, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	b := &Bridge{
		log:    log.With("component", "bridge"),
		source: source,
		packer: bitstream.NewPacker(log),
		poses:  poses,
	}
	b.queue = sink.NewQueue(emit, 0, log)
	b.driver = encode.NewDriver(factory, bitrate, nil, b.onSample, log)
	return b
}

// Scheduler exposes the IDR scheduler for the keyframe control path
// (stream start, packet loss, explicit inserts).
func (b *Bridge) Scheduler() *encode.IDRScheduler {
	return b.driver.Scheduler()
}

// onSample is the encoder completion callback. It runs on whatever
// thread the host encoder uses, so it only packs and enqueues.
func (b *Bridge) onSample(sample *encode.Sample, fctx encode.FrameContext, err error) {
	if err != nil {
		b.log.Error("encode completion failed", "frame", fctx.FrameNumber, "error", err)
		return
	}
	data, keyframe := b.packer.Pack(sample)
	if len(data) == 0 {
		return
	}
	b.lastPTS.Store(sample.PTS.NS())
	b.queue.Enqueue(sink.CodecHEVC, data, fctx.TargetTimestampNS, keyframe)
}

// Run pulls frames until the context is cancelled or the transport shuts
// down, then drains the encoder and flushes the sink queue. The encoder
// session is created lazily from the first frame's dimensions and fully
// recreated if they ever change.
func (b *Bridge) Run(ctx context.Context) error {
	defer func() {
		if err := b.driver.Drain(); err != nil {
			b.log.Warn("encoder drain failed", "error", err)
		}
		b.queue.Close()
	}()

	for {
		frame, release, err := b.source.Next(ctx)
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil
		case errors.Is(err, shm.ErrShutdown):
			b.log.Info("transport shut down")
			return nil
		default:
			return err
		}

		b.handleFrame(frame)
		release()

		if n := b.received.Load(); n%statsLogInterval == 0 {
			b.log.Info("progress",
				"received", n,
				"encoded", b.driver.Submitted(),
				"encode_drops", b.driver.Dropped(),
				"emitted", b.queue.Emitted(),
				"sink_drops", b.queue.Dropped())
		}
	}
}

func (b *Bridge) handleFrame(frame *media.Frame) {
	b.received.Add(1)

	// The pose history, when available, knows the tracking timestamp the
	// renderer worked from; prefer it over the transport's timing.
	if b.poses != nil {
		if match := b.poses.BestMatch(frame.Pose); match != nil {
			frame.TargetTimestampNS = match.TargetTimestampNS
		}
	}

	if !b.ensureSession(frame) {
		return
	}
	if err := b.driver.Submit(frame); err != nil {
		b.log.Error("submit failed, dropping frame", "frame", frame.FrameNumber, "error", err)
	}
}

// ensureSession lazily starts the encoder for the frame's dimensions and
// recreates it when a producer reconnects with a different mode.
func (b *Bridge) ensureSession(frame *media.Frame) bool {
	w, h := int(frame.Width), int(frame.Height)

	if b.driver.State() == encode.StateRunning {
		if b.driver.Width() == w && b.driver.Height() == h {
			return true
		}
		b.log.Info("frame size changed, recreating session",
			"old_width", b.driver.Width(), "old_height", b.driver.Height(),
			"width", w, "height", h)
		if err := b.driver.Drain(); err != nil {
			b.log.Warn("drain before recreate failed", "error", err)
		}
	}

	if err := b.driver.Start(w, h); err != nil {
		b.log.Error("session start failed, dropping frame", "error", err)
		return false
	}
	// A new session always opens on a sync point.
	b.driver.Scheduler().OnStreamStart()
	return true
}

// Stats returns a snapshot of the bridge counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		FramesReceived: b.received.Load(),
		FramesEncoded:  b.driver.Submitted(),
		FramesDropped:  b.driver.Dropped(),
		UnitsEmitted:   b.queue.Emitted(),
		UnitsDropped:   b.queue.Dropped(),
		LastPTSNS:      b.lastPTS.Load(),
	}
}
