package shm

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zsiec/beam/media"
)

// readyPollInterval is how often the producer re-checks the initialized
// flag while waiting for the consumer to finish creating the region.
const readyPollInterval = 10 * time.Millisecond

// ErrConfigMismatch is returned when Init is called after the region
// configuration was already locked in with different values.
var ErrConfigMismatch = errors.New("shm: region already configured with different parameters")

// Producer publishes frames into the shared ring. Submit never blocks on
// I/O: it claims a free slot with a bounded number of CAS attempts, stages
// the pixels, and releases the slot READY; when no slot is free the frame
// is dropped and counted.
type Producer struct {
	log    *slog.Logger
	region *Region

	width  uint32
	height uint32

	submitted uint64
}

// OpenProducer maps the region at path and waits up to timeout for the
// consumer to finish initializing it. A magic or version mismatch is
// fatal: the producer refuses to run against a region it does not
// understand.
func OpenProducer(path string, timeout time.Duration, log *slog.Logger) (*Producer, error) {
	if log == nil {
		log = slog.Default()
	}

	region, err := Open(path)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	for region.Header().Initialized.Load() == 0 {
		if time.Now().After(deadline) {
			region.Close()
			return nil, fmt.Errorf("shm: consumer not ready after %v", timeout)
		}
		time.Sleep(readyPollInterval)
	}

	return &Producer{
		log:    log.With("component", "shm-producer"),
		region: region,
	}, nil
}

// Init publishes the stream configuration. The cfg_* fields are
// write-once: the first Init locks them in for the rest of the session,
// and a second Init with different values fails.
func (p *Producer) Init(width, height, format uint32) error {
	if width == 0 || width > media.MaxWidth || height == 0 || height > media.MaxHeight {
		return fmt.Errorf("shm: frame size %dx%d outside 1x1..%dx%d", width, height, media.MaxWidth, media.MaxHeight)
	}

	hdr := p.region.Header()
	if hdr.CfgSet.Load() == 1 {
		if hdr.CfgWidth != width || hdr.CfgHeight != height || hdr.CfgFormat != format {
			return ErrConfigMismatch
		}
		p.width, p.height = width, height
		return nil
	}

	hdr.CfgWidth = width
	hdr.CfgHeight = height
	hdr.CfgFormat = format
	hdr.CfgSet.Store(1)

	p.width, p.height = width, height
	p.log.Info("region configured", "width", width, "height", height, "format", format)
	return nil
}

// Submit publishes one frame into the ring. It is wait-free: at most
// NumBuffers CAS attempts, one bounded memcpy, no I/O. When every slot is
// busy the frame is silently dropped and frames_dropped advances — the
// consumer can fall behind by at most NumBuffers-1 frames before the
// newest frame starts winning the race for the next free slot.
func (p *Producer) Submit(frame *media.Frame) error {
	hdr := p.region.Header()
	if hdr.Shutdown.Load() != 0 {
		return ErrShutdown
	}
	if hdr.CfgSet.Load() == 0 {
		return errors.New("shm: Submit before Init")
	}
	if frame.Width != p.width || frame.Height != p.height {
		return fmt.Errorf("shm: frame %dx%d does not match configured %dx%d",
			frame.Width, frame.Height, p.width, p.height)
	}

	idx := p.claimSlot(hdr)
	if idx < 0 {
		drops := hdr.FramesDropped.Add(1)
		if drops%100 == 1 {
			p.log.Warn("dropping frame, no free slot",
				"frame", frame.FrameNumber, "dropped", drops)
		}
		return nil
	}

	p.stagePixels(idx, frame)

	slot := p.region.Slot(idx)
	slot.Width = frame.Width
	slot.Height = frame.Height
	slot.Stride = frame.Width * media.BytesPerPixel
	slot.TimestampNS = frame.TargetTimestampNS
	slot.FrameNumber = frame.FrameNumber
	if frame.IsIDR {
		slot.IsIDR = 1
	} else {
		slot.IsIDR = 0
	}
	slot.Pose = frame.Pose

	// Release store: everything written above becomes visible to the
	// consumer's acquire load of the state word.
	slot.State.Store(SlotReady)
	hdr.WriteSequence.Add(1)
	hdr.FramesWritten.Add(1)

	p.submitted++
	if p.submitted%90 == 0 {
		p.log.Debug("ring progress",
			"submitted", p.submitted,
			"written", hdr.FramesWritten.Load(),
			"encoded", hdr.FramesEncoded.Load(),
			"dropped", hdr.FramesDropped.Load())
	}
	return nil
}

// claimSlot probes at most NumBuffers slots starting at the write cursor,
// returning the index of the slot it transitioned EMPTY→WRITING, or -1.
func (p *Producer) claimSlot(hdr *Header) int {
	seq := hdr.WriteSequence.Load()
	for attempt := uint64(0); attempt < media.NumBuffers; attempt++ {
		idx := int((seq + attempt) % media.NumBuffers)
		if p.region.Slot(idx).State.CompareAndSwap(SlotEmpty, SlotWriting) {
			return idx
		}
	}
	return -1
}

// stagePixels copies the frame into slot idx's slab, normalizing to a
// tight stride. Source stride may carry row padding from the GPU readback.
func (p *Producer) stagePixels(idx int, frame *media.Frame) {
	dst := p.region.Pixels(idx)
	rowBytes := int(frame.Width) * media.BytesPerPixel

	if frame.TightStride() {
		copy(dst, frame.Pixels[:int(frame.Height)*rowBytes])
		return
	}
	srcStride := int(frame.Stride)
	for y := 0; y < int(frame.Height); y++ {
		copy(dst[y*rowBytes:(y+1)*rowBytes], frame.Pixels[y*srcStride:y*srcStride+rowBytes])
	}
}

// Shutdown releases the producer's mapping. Lifecycle of the region file
// belongs to the consumer, so no shutdown flag is raised and nothing is
// unlinked here. Idempotent.
func (p *Producer) Shutdown() error {
	if p.region == nil {
		return nil
	}
	err := p.region.Close()
	p.region = nil
	return err
}
