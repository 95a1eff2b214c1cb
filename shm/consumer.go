package shm

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"time"

	"github.com/zsiec/beam/media"
)

// cfgPollInterval is the cadence at which WaitForProducer re-checks the
// cfg_set flag.
const cfgPollInterval = 100 * time.Millisecond

// ErrNoFrame is returned by NextReadySlot when no READY slot appeared
// within the caller's timeout.
var ErrNoFrame = errors.New("shm: no frame ready")

// Config is the stream configuration the producer locked into the region.
type Config struct {
	Width  uint32
	Height uint32
	Format uint32
}

// Consumer drains READY slots from the ring and returns them to EMPTY
// once the encoder has accepted the frame. The consumer side owns the
// region lifecycle: it creates the backing file, raises the shutdown flag,
// and unlinks the file on Close.
type Consumer struct {
	log    *slog.Logger
	region *Region

	lastFrame    uint64
	haveConsumed bool
}

// NewConsumer creates the region file at path and waits for a producer.
func NewConsumer(path string, log *slog.Logger) (*Consumer, error) {
	if log == nil {
		log = slog.Default()
	}
	region, err := Create(path)
	if err != nil {
		return nil, err
	}
	log = log.With("component", "shm-consumer")
	log.Info("region created", "path", path, "size", TotalSize())
	return &Consumer{log: log, region: region}, nil
}

// Region exposes the underlying mapping, for stats snapshots.
func (c *Consumer) Region() *Region {
	return c.region
}

// WaitForProducer blocks until the producer has written the stream
// configuration, the context is cancelled, or the region is shut down.
func (c *Consumer) WaitForProducer(ctx context.Context) (Config, error) {
	hdr := c.region.Header()
	ticker := time.NewTicker(cfgPollInterval)
	defer ticker.Stop()

	for {
		if hdr.Shutdown.Load() != 0 {
			return Config{}, ErrShutdown
		}
		if hdr.CfgSet.Load() == 1 {
			cfg := Config{Width: hdr.CfgWidth, Height: hdr.CfgHeight, Format: hdr.CfgFormat}
			c.log.Info("producer connected", "width", cfg.Width, "height", cfg.Height, "format", cfg.Format)
			return cfg, nil
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// NextReadySlot claims the next READY slot, transitioning it to ENCODING,
// and returns its index plus a frame view whose Pixels alias the mapped
// slab. The view stays valid until Complete is called for the index.
//
// Selection scans from the read cursor through all slots; when several are
// READY the lowest frame number wins. A READY slot older than the last
// consumed frame is stale: it is returned straight to EMPTY and counted as
// dropped. The wait spins with escalating backoff up to timeout and never
// busy-spins unbounded.
func (c *Consumer) NextReadySlot(timeout time.Duration) (int, *media.Frame, error) {
	hdr := c.region.Header()
	deadline := time.Now().Add(timeout)
	backoff := 50 * time.Microsecond

	for {
		if hdr.Shutdown.Load() != 0 {
			return -1, nil, ErrShutdown
		}

		if idx := c.claimOldestReady(hdr); idx >= 0 {
			slot := c.region.Slot(idx)

			if c.haveConsumed && slot.FrameNumber < c.lastFrame {
				// Stale entry published out of order; skip it.
				c.log.Debug("skipping stale slot", "slot", idx,
					"frame", slot.FrameNumber, "last", c.lastFrame)
				slot.State.Store(SlotEmpty)
				hdr.FramesDropped.Add(1)
				continue
			}

			c.lastFrame = slot.FrameNumber
			c.haveConsumed = true

			frame := &media.Frame{
				FrameNumber:       slot.FrameNumber,
				ImageIndex:        uint32(idx),
				Width:             slot.Width,
				Height:            slot.Height,
				Stride:            slot.Stride,
				IsIDR:             slot.IsIDR != 0,
				TargetTimestampNS: slot.TimestampNS,
				Pose:              slot.Pose,
				Pixels:            c.region.Pixels(idx)[:int(slot.Height)*int(slot.Stride)],
			}
			return idx, frame, nil
		}

		if time.Now().After(deadline) {
			return -1, nil, ErrNoFrame
		}
		if backoff < 100*time.Microsecond {
			runtime.Gosched()
		} else {
			time.Sleep(backoff)
		}
		if backoff < time.Millisecond {
			backoff *= 2
		}
	}
}

// claimOldestReady scans every slot starting at the read cursor and CASes
// the READY slot with the lowest frame number to ENCODING. Returns -1 when
// nothing is READY.
func (c *Consumer) claimOldestReady(hdr *Header) int {
	seq := hdr.ReadSequence.Load()

	for {
		best := -1
		var bestFrame uint64
		for attempt := uint64(0); attempt < media.NumBuffers; attempt++ {
			idx := int((seq + attempt) % media.NumBuffers)
			slot := c.region.Slot(idx)
			if slot.State.Load() != SlotReady {
				continue
			}
			if best < 0 || slot.FrameNumber < bestFrame {
				best = idx
				bestFrame = slot.FrameNumber
			}
		}
		if best < 0 {
			return -1
		}
		if c.region.Slot(best).State.CompareAndSwap(SlotReady, SlotEncoding) {
			return best
		}
		// Lost the race for the chosen slot; rescan.
	}
}

// Next adapts the ring to the bridge's frame source: it polls
// NextReadySlot in short slices so cancellation is observed promptly and
// returns the frame together with a release callback that completes the
// slot.
func (c *Consumer) Next(ctx context.Context) (*media.Frame, func(), error) {
	for {
		idx, frame, err := c.NextReadySlot(20 * time.Millisecond)
		switch {
		case err == nil:
			return frame, func() { c.Complete(idx) }, nil
		case errors.Is(err, ErrNoFrame):
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
		default:
			return nil, nil, err
		}
	}
}

// Complete returns slot idx to EMPTY after the encoder has accepted the
// frame (synchronously, before any completion callback runs) and advances
// the read cursor.
func (c *Consumer) Complete(idx int) {
	hdr := c.region.Header()
	c.region.Slot(idx).State.Store(SlotEmpty)
	hdr.ReadSequence.Add(1)
	hdr.FramesEncoded.Add(1)
}

// Close raises the shutdown flag so the producer drains, then unmaps and
// unlinks the region file. Idempotent.
func (c *Consumer) Close() error {
	if c.region == nil {
		return nil
	}
	if c.region.hdr != nil {
		c.region.Header().Shutdown.Store(1)
	}
	err := c.region.Close()
	c.region = nil
	return err
}
