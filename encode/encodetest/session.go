// Package encodetest provides an in-process Session stand-in that
// synthesizes HEVC-shaped samples: length-prefixed NAL units with
// parameter sets on keyframes and the not-sync attachment wired the way
// the host encode API delivers it. It backs the unit and integration
// tests and the daemon's loopback smoke mode.
package encodetest

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"
	"sync/atomic"

	"github.com/zsiec/beam/encode"
)

// Canonical parameter sets emitted on keyframes, first bytes carrying the
// HEVC NAL types for VPS (32), SPS (33), and PPS (34).
var (
	VPS = []byte{0x40, 0x01, 0x0C, 0x01}
	SPS = []byte{0x42, 0x01, 0x01, 0x01}
	PPS = []byte{0x44, 0x01, 0xC0, 0x62}
)

// ErrDestroyed is returned by Encode after Destroy.
var ErrDestroyed = errors.New("encodetest: session destroyed")

// Session is a scripted encode.Session. Completions run on their own
// goroutine, mirroring the host encoder's arbitrary callback threads; set
// Synchronous for deterministic single-threaded tests.
type Session struct {
	Cfg encode.Config

	// Synchronous makes Encode invoke the completion inline.
	Synchronous bool

	complete encode.CompletionFunc

	mu        sync.Mutex
	destroyed bool
	failNext  int

	inflight sync.WaitGroup

	frames    atomic.Uint64
	keyframes atomic.Uint64
	forced    atomic.Uint64
}

// Factory is an encode.SessionFactory producing asynchronous sessions.
// The created session is also delivered on out (cap ≥ 1) when non-nil so
// tests can script failures.
func Factory(out chan<- *Session) encode.SessionFactory {
	return factory(out, false)
}

// SyncFactory builds sessions whose completions run inline in Encode.
func SyncFactory(out chan<- *Session) encode.SessionFactory {
	return factory(out, true)
}

func factory(out chan<- *Session, synchronous bool) encode.SessionFactory {
	return func(cfg encode.Config, complete encode.CompletionFunc) (encode.Session, error) {
		if cfg.Width <= 0 || cfg.Height <= 0 {
			return nil, fmt.Errorf("encodetest: bad session size %dx%d", cfg.Width, cfg.Height)
		}
		s := &Session{Cfg: cfg, Synchronous: synchronous, complete: complete}
		if out != nil {
			select {
			case out <- s:
			default:
			}
		}
		return s, nil
	}
}

// FailNext makes the next n Encode calls return an error.
func (s *Session) FailNext(n int) {
	s.mu.Lock()
	s.failNext = n
	s.mu.Unlock()
}

// Encode synthesizes a sample for the frame and hands it to the
// completion callback. The slice NAL's payload carries the frame number
// and a CRC of the pixel bytes so tests can match output to input.
func (s *Session) Encode(pixels []byte, width, height, stride int, pts, duration encode.Time, forceKeyframe bool, fctx encode.FrameContext) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	if s.failNext > 0 {
		s.failNext--
		s.mu.Unlock()
		return errors.New("encodetest: injected encode failure")
	}
	s.mu.Unlock()

	if len(pixels) < height*stride {
		return fmt.Errorf("encodetest: %d pixel bytes, need %d", len(pixels), height*stride)
	}

	n := s.frames.Add(1) - 1
	interval := s.Cfg.MaxKeyframeInterval
	if interval <= 0 {
		interval = encode.DefaultMaxKeyframeInterval
	}
	keyframe := forceKeyframe || n%uint64(interval) == 0
	if forceKeyframe {
		s.forced.Add(1)
	}
	if keyframe {
		s.keyframes.Add(1)
	}

	sample := &encode.Sample{
		Data: sliceNAL(n, keyframe, crc32.ChecksumIEEE(pixels[:height*stride])),
		PTS:  pts,
	}
	if keyframe {
		sample.ParameterSets = [][]byte{VPS, SPS, PPS}
	} else {
		notSync := true
		sample.NotSync = &notSync
	}

	if s.Synchronous {
		s.complete(sample, fctx, nil)
		return nil
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		s.complete(sample, fctx, nil)
	}()
	return nil
}

// sliceNAL builds one length-prefixed NAL unit: a 2-byte HEVC NAL header
// (IDR_W_RADL or TRAIL_R) followed by the frame number and pixel CRC. An
// emulation-prevention 0x03 follows every 00 00 pair so no start code can
// appear inside the unit.
func sliceNAL(frame uint64, keyframe bool, pixelCRC uint32) []byte {
	nal := make([]byte, 2, 14)
	if keyframe {
		nal[0] = 19 << 1 // IDR_W_RADL
	} else {
		nal[0] = 1 << 1 // TRAIL_R
	}
	nal[1] = 0x01
	nal = binary.BigEndian.AppendUint64(nal, frame)
	nal = binary.BigEndian.AppendUint32(nal, pixelCRC)
	nal = bytes.ReplaceAll(nal, []byte{0, 0}, []byte{0, 0, 3})

	out := binary.BigEndian.AppendUint32(nil, uint32(len(nal)))
	return append(out, nal...)
}

// ParseSliceNAL recovers the frame number and pixel CRC from a synthetic
// slice NAL (without its length prefix), dropping its emulation-prevention
// bytes first.
func ParseSliceNAL(nal []byte) (frame uint64, pixelCRC uint32, err error) {
	nal = bytes.ReplaceAll(nal, []byte{0, 0, 3}, []byte{0, 0})
	if len(nal) != 14 {
		return 0, 0, fmt.Errorf("encodetest: slice NAL is %d bytes, want 14", len(nal))
	}
	return binary.BigEndian.Uint64(nal[2:10]), binary.BigEndian.Uint32(nal[10:14]), nil
}

// Drain blocks until every asynchronous completion has run.
func (s *Session) Drain() error {
	s.inflight.Wait()
	return nil
}

// Destroy marks the session dead. In-flight completions are waited out so
// no callback runs after Destroy returns.
func (s *Session) Destroy() error {
	s.mu.Lock()
	s.destroyed = true
	s.mu.Unlock()
	s.inflight.Wait()
	return nil
}

// Frames returns how many frames the session accepted.
func (s *Session) Frames() uint64 { return s.frames.Load() }

// Keyframes returns how many samples were sync samples.
func (s *Session) Keyframes() uint64 { return s.keyframes.Load() }

// Forced returns how many submits arrived with forceKeyframe set.
func (s *Session) Forced() uint64 { return s.forced.Load() }
