// Package media defines the core frame types that flow through the beam
// transport, from the producer-side readback through encode and packing.
package media

// Ring geometry shared by the producer and consumer. Sized for 4K stereo
// at 32-bit BGRA; three slots so the producer never waits on the encoder.
const (
	MaxWidth      = 4096
	MaxHeight     = 2048
	BytesPerPixel = 4 // BGRA
	MaxFrameSize  = MaxWidth * MaxHeight * BytesPerPixel
	NumBuffers    = 3
)

// Pose is a 3x4 row-major transform matrix supplied by the renderer for
// each frame, carried through the transport unchanged so the consumer can
// query the pose history for reprojection.
type Pose [3][4]float32

// Frame represents a single rendered picture staged in CPU memory, ready
// for transport to the host encoder. Pixels are 32-bit BGRA, Stride bytes
// per row; Stride may exceed Width*4 on the source side.
type Frame struct {
	FrameNumber       uint64
	ImageIndex        uint32
	Width             uint32
	Height            uint32
	Stride            uint32
	IsIDR             bool
	TargetTimestampNS uint64
	Pose              Pose
	Pixels            []byte
}

// PixelBytes returns the number of payload bytes the frame carries
// (Height rows of Stride bytes).
func (f *Frame) PixelBytes() int {
	return int(f.Height) * int(f.Stride)
}

// TightStride reports whether the frame's rows are packed with no padding.
func (f *Frame) TightStride() bool {
	return f.Stride == f.Width*BytesPerPixel
}
