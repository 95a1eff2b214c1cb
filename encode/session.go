// Package encode drives a real-time hardware compression session. The
// host encode API is consumed through the Session interface; the driver
// owns exactly one session at a time, normalizes frame pixels into the
// session's layout, and enforces the keyframe policy.
package encode

// Codec identifies the elementary stream a session produces.
type Codec string

// CodecHEVC is the only codec this core configures.
const CodecHEVC Codec = "hevc"

// Default session tuning for low-latency XR streaming: 10 Mb/s, a forced
// sync point at most every 180 frames (2 seconds at 90 fps), reordering
// off so output stays monotone.
const (
	DefaultBitrateBps          = 10_000_000
	DefaultMaxKeyframeInterval = 180
	TimeScale                  = 90
)

// Config describes the compression session the driver asks the host
// encode API to create.
type Config struct {
	Width                int
	Height               int
	Codec                Codec
	Realtime             bool
	AllowFrameReordering bool
	BitrateBps           int
	MaxKeyframeInterval  int
}

// Time is a rational timestamp in a fixed time base, mirroring the host
// API's sample timing.
type Time struct {
	Value int64
	Scale int32
}

// NS converts the timestamp to nanoseconds.
func (t Time) NS() uint64 {
	if t.Scale == 0 {
		return 0
	}
	return uint64(t.Value) * 1_000_000_000 / uint64(t.Scale)
}

// FrameContext is the per-submit user context threaded through the host
// API and handed back with the completed sample, keeping concurrent
// sessions isolated from each other.
type FrameContext struct {
	FrameNumber       uint64
	TargetTimestampNS uint64
	ForcedIDR         bool
}

// Sample is one completed encode as delivered by the session's
// asynchronous callback. Data holds NAL units with 4-byte big-endian
// length prefixes; ParameterSets carries VPS, SPS, PPS in that order.
// NotSync mirrors the host API's sync-sample attachment: nil means the
// attachment is absent, which counts as a keyframe.
type Sample struct {
	Data          []byte
	ParameterSets [][]byte
	NotSync       *bool
	PTS           Time
}

// IsKeyframe reports whether the sample is a sync sample: keyframe iff
// the not-sync attachment is absent or false.
func (s *Sample) IsKeyframe() bool {
	return s.NotSync == nil || !*s.NotSync
}

// CompletionFunc receives completed samples. The host encoder invokes it
// from its own threads, possibly out of submit order; implementations
// must be safe to call from any goroutine and should do no substantial
// work beyond the bitstream hand-off.
type CompletionFunc func(sample *Sample, fctx FrameContext, err error)

// Session is the host encode capability consumed by the driver: a
// hardware compression session configured once at creation.
type Session interface {
	// Encode submits one BGRA frame. Pixels are tightly packed at the
	// given stride; the call may block when the session's internal queue
	// is full, but completion is always asynchronous.
	Encode(pixels []byte, width, height, stride int, pts, duration Time, forceKeyframe bool, fctx FrameContext) error
	// Drain flushes all in-flight compressions, blocking until every
	// completion callback has run.
	Drain() error
	// Destroy releases the session. No callbacks run after it returns.
	Destroy() error
}

// SessionFactory creates a compression session routing completions to the
// given callback.
type SessionFactory func(cfg Config, complete CompletionFunc) (Session, error)
