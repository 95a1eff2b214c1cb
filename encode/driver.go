package encode

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/beam/media"
)

// Driver states. Submits are only legal in Running; a drain flushes all
// in-flight compressions before the driver reaches Stopped.
const (
	StateUninitialised int32 = iota
	StatePreparing
	StateRunning
	StateDraining
	StateStopped
)

// ErrNotRunning is returned by Submit outside the Running state.
var ErrNotRunning = errors.New("encode: driver not running")

// Repeated session failures inside errorWindow escalate from per-frame
// drops to a full session teardown and recreate.
const (
	errorWindow    = 2 * time.Second
	errorThreshold = 3
)

// Driver owns one compression session and the submit path into it:
// stride normalization into a recycled staging buffer, 1/90 time base
// stamping, and the forced-IDR decision combining the scheduler with the
// producer's per-frame flag.
type Driver struct {
	log       *slog.Logger
	factory   SessionFactory
	scheduler *IDRScheduler
	complete  CompletionFunc

	bitrate int
	cfg     Config
	session Session
	state   atomic.Int32

	staging []byte

	windowStart  time.Time
	windowErrors int

	submitted atomic.Uint64
	dropped   atomic.Uint64
}

// NewDriver creates a driver that builds sessions with factory and routes
// completed samples to complete. A zero bitrate selects the default.
func NewDriver(factory SessionFactory, bitrate int, scheduler *IDRScheduler, complete CompletionFunc, log *slog.Logger) *Driver {
	if log == nil {
		log = slog.Default()
	}
	if bitrate <= 0 {
		bitrate = DefaultBitrateBps
	}
	if scheduler == nil {
		scheduler = &IDRScheduler{}
	}
	return &Driver{
		log:       log.With("component", "encoder"),
		factory:   factory,
		scheduler: scheduler,
		complete:  complete,
		bitrate:   bitrate,
	}
}

// Scheduler returns the IDR scheduler feeding this driver.
func (d *Driver) Scheduler() *IDRScheduler {
	return d.scheduler
}

// State returns the current driver state.
func (d *Driver) State() int32 {
	return d.state.Load()
}

// Start creates and prepares a compression session for width x height.
// Legal from Uninitialised or Stopped; re-init is a full
// teardown/recreate, never a reconfigure.
func (d *Driver) Start(width, height int) error {
	switch d.state.Load() {
	case StateUninitialised, StateStopped:
	default:
		return fmt.Errorf("encode: Start in state %d", d.state.Load())
	}
	d.state.Store(StatePreparing)

	cfg := Config{
		Width:                width,
		Height:               height,
		Codec:                CodecHEVC,
		Realtime:             true,
		AllowFrameReordering: false,
		BitrateBps:           d.bitrate,
		MaxKeyframeInterval:  DefaultMaxKeyframeInterval,
	}
	session, err := d.factory(cfg, d.complete)
	if err != nil {
		d.state.Store(StateStopped)
		return fmt.Errorf("encode: create session %dx%d: %w", width, height, err)
	}

	d.cfg = cfg
	d.session = session
	d.staging = make([]byte, width*height*media.BytesPerPixel)
	d.state.Store(StateRunning)
	d.log.Info("session running",
		"width", width, "height", height,
		"codec", cfg.Codec, "bitrate", cfg.BitrateBps,
		"keyframe_interval", cfg.MaxKeyframeInterval)
	return nil
}

// Submit hands one frame to the session. The frame's pixels are copied
// stride-aware into the recycled staging buffer, so the caller may reuse
// or unmap them as soon as Submit returns. pts advances in the 1/90 time
// base with the frame number; an IDR is forced when either the scheduler
// has a pending event or the producer flagged the frame.
//
// A session error drops the frame and is counted; crossing the error
// threshold inside the window tears the session down and recreates it.
func (d *Driver) Submit(frame *media.Frame) error {
	if d.state.Load() != StateRunning {
		return ErrNotRunning
	}
	if int(frame.Width) != d.cfg.Width || int(frame.Height) != d.cfg.Height {
		return fmt.Errorf("encode: frame %dx%d does not match session %dx%d",
			frame.Width, frame.Height, d.cfg.Width, d.cfg.Height)
	}

	d.stage(frame)

	forceIDR := d.scheduler.CheckAndClear() || frame.IsIDR
	fctx := FrameContext{
		FrameNumber:       frame.FrameNumber,
		TargetTimestampNS: frame.TargetTimestampNS,
		ForcedIDR:         forceIDR,
	}
	pts := Time{Value: int64(frame.FrameNumber), Scale: TimeScale}
	duration := Time{Value: 1, Scale: TimeScale}

	stride := d.cfg.Width * media.BytesPerPixel
	err := d.session.Encode(d.staging, d.cfg.Width, d.cfg.Height, stride, pts, duration, forceIDR, fctx)
	if err != nil {
		if forceIDR {
			// The pending IDR was consumed but never encoded; re-arm it.
			d.scheduler.InsertIDR()
		}
		d.dropped.Add(1)
		d.log.Error("encode failed, frame dropped", "frame", frame.FrameNumber, "error", err)
		d.noteError()
		return nil
	}

	d.submitted.Add(1)
	return nil
}

// stage copies the frame into the session-sized staging buffer,
// collapsing any source row padding.
func (d *Driver) stage(frame *media.Frame) {
	rowBytes := d.cfg.Width * media.BytesPerPixel
	if frame.TightStride() {
		copy(d.staging, frame.Pixels[:d.cfg.Height*rowBytes])
		return
	}
	srcStride := int(frame.Stride)
	for y := 0; y < d.cfg.Height; y++ {
		copy(d.staging[y*rowBytes:(y+1)*rowBytes], frame.Pixels[y*srcStride:y*srcStride+rowBytes])
	}
}

// noteError tracks session failures and recreates the session once the
// threshold is crossed inside the window.
func (d *Driver) noteError() {
	now := time.Now()
	if now.Sub(d.windowStart) > errorWindow {
		d.windowStart = now
		d.windowErrors = 0
	}
	d.windowErrors++
	if d.windowErrors < errorThreshold {
		return
	}
	d.windowErrors = 0

	d.log.Warn("repeated encode errors, recreating session")
	width, height := d.cfg.Width, d.cfg.Height
	d.teardown()
	if err := d.Start(width, height); err != nil {
		d.log.Error("session recreate failed", "error", err)
	} else {
		// A fresh session starts a new GOP; make that explicit.
		d.scheduler.InsertIDR()
	}
}

// teardown destroys the current session without draining.
func (d *Driver) teardown() {
	if d.session != nil {
		if err := d.session.Destroy(); err != nil {
			d.log.Warn("session destroy failed", "error", err)
		}
		d.session = nil
	}
	d.state.Store(StateStopped)
}

// Drain flushes all in-flight compressions, releases the session, and
// leaves the driver Stopped. Idempotent.
func (d *Driver) Drain() error {
	if !d.state.CompareAndSwap(StateRunning, StateDraining) {
		return nil
	}
	var err error
	if d.session != nil {
		if derr := d.session.Drain(); derr != nil {
			err = fmt.Errorf("encode: drain session: %w", derr)
			d.log.Warn("session drain failed", "error", derr)
		}
		if derr := d.session.Destroy(); derr != nil && err == nil {
			err = fmt.Errorf("encode: destroy session: %w", derr)
		}
		d.session = nil
	}
	d.state.Store(StateStopped)
	d.log.Info("session stopped",
		"submitted", d.submitted.Load(), "dropped", d.dropped.Load())
	return err
}

// Width returns the session width, 0 before the first Start.
func (d *Driver) Width() int { return d.cfg.Width }

// Height returns the session height, 0 before the first Start.
func (d *Driver) Height() int { return d.cfg.Height }

// Submitted returns the number of frames accepted by the session.
func (d *Driver) Submitted() uint64 {
	return d.submitted.Load()
}

// Dropped returns the number of frames dropped on session errors.
func (d *Driver) Dropped() uint64 {
	return d.dropped.Load()
}
