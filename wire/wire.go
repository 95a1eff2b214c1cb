// Package wire defines the byte-exact headers exchanged between the frame
// producer and the host consumer over the TCP bytestream: packed,
// little-endian, no alignment holes. The shared memory ring has its own
// slot layout (package shm) and takes only Magic and Version from here. Any deviation is a wire incompatibility with the producer side,
// which builds the same structures with #pragma pack(1).
package wire

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/zsiec/beam/media"
)

const (
	// InitHeaderSize is the packed size of InitHeader on the wire.
	InitHeaderSize = 40
	// FrameHeaderSize is the packed size of FrameHeader on the wire.
	FrameHeaderSize = 81

	// Magic identifies a beam shared-memory region ("ALVR" big-endian).
	Magic = 0x414C5652
	// Version is the only region layout revision this package understands.
	Version = 1

	// DefaultTCPPort is the fixed loopback port for the TCP transport.
	DefaultTCPPort = 9944
)

// MaxDataSize bounds FrameHeader.DataSize. Anything larger than the
// biggest frame the ring can carry is a protocol violation.
const MaxDataSize = media.MaxFrameSize

// InitHeader is sent exactly once per TCP connection, before any frame.
// Format is an opaque producer-side pixel-format tag; the consumer logs it
// but the payload is always 32-bit BGRA.
type InitHeader struct {
	NumImages  uint32
	DeviceUUID uuid.UUID
	Width      uint32
	Height     uint32
	Format     uint32
	MemIndex   uint32
	SourcePID  uint32
}

// Encode appends the packed header to dst and returns the extended slice.
func (h *InitHeader) Encode(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, h.NumImages)
	dst = append(dst, h.DeviceUUID[:]...)
	dst = binary.LittleEndian.AppendUint32(dst, h.Width)
	dst = binary.LittleEndian.AppendUint32(dst, h.Height)
	dst = binary.LittleEndian.AppendUint32(dst, h.Format)
	dst = binary.LittleEndian.AppendUint32(dst, h.MemIndex)
	dst = binary.LittleEndian.AppendUint32(dst, h.SourcePID)
	return dst
}

// DecodeInitHeader parses a packed InitHeader from buf.
func DecodeInitHeader(buf []byte) (InitHeader, error) {
	var h InitHeader
	if len(buf) < InitHeaderSize {
		return h, fmt.Errorf("wire: init header %d bytes, expected %d", len(buf), InitHeaderSize)
	}
	h.NumImages = binary.LittleEndian.Uint32(buf[0:4])
	copy(h.DeviceUUID[:], buf[4:20])
	h.Width = binary.LittleEndian.Uint32(buf[20:24])
	h.Height = binary.LittleEndian.Uint32(buf[24:28])
	h.Format = binary.LittleEndian.Uint32(buf[28:32])
	h.MemIndex = binary.LittleEndian.Uint32(buf[32:36])
	h.SourcePID = binary.LittleEndian.Uint32(buf[36:40])
	return h, nil
}

// FrameHeader precedes every frame on the TCP bytestream, immediately
// followed by DataSize pixel bytes. FrameNumber is 32-bit on the wire; the
// consumer widens it into the logical 64-bit frame counter.
//
// SemaphoreValue is opaque at this layer. The legacy GPU-sharing path used
// it as a timeline-semaphore value while the bytestream path reuses it for
// timing; the consumer decides the policy per session.
type FrameHeader struct {
	ImageIndex     uint32
	FrameNumber    uint32
	SemaphoreValue uint64
	Pose           media.Pose
	Width          uint32
	Height         uint32
	Stride         uint32
	IsIDR          bool
	DataSize       uint32
}

// Encode appends the packed header to dst and returns the extended slice.
func (h *FrameHeader) Encode(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, h.ImageIndex)
	dst = binary.LittleEndian.AppendUint32(dst, h.FrameNumber)
	dst = binary.LittleEndian.AppendUint64(dst, h.SemaphoreValue)
	dst = appendPose(dst, h.Pose)
	dst = binary.LittleEndian.AppendUint32(dst, h.Width)
	dst = binary.LittleEndian.AppendUint32(dst, h.Height)
	dst = binary.LittleEndian.AppendUint32(dst, h.Stride)
	if h.IsIDR {
		dst = append(dst, 1)
	} else {
		dst = append(dst, 0)
	}
	dst = binary.LittleEndian.AppendUint32(dst, h.DataSize)
	return dst
}

// DecodeFrameHeader parses a packed FrameHeader from buf.
func DecodeFrameHeader(buf []byte) (FrameHeader, error) {
	var h FrameHeader
	if len(buf) < FrameHeaderSize {
		return h, fmt.Errorf("wire: frame header %d bytes, expected %d", len(buf), FrameHeaderSize)
	}
	h.ImageIndex = binary.LittleEndian.Uint32(buf[0:4])
	h.FrameNumber = binary.LittleEndian.Uint32(buf[4:8])
	h.SemaphoreValue = binary.LittleEndian.Uint64(buf[8:16])
	h.Pose = decodePose(buf[16:64])
	h.Width = binary.LittleEndian.Uint32(buf[64:68])
	h.Height = binary.LittleEndian.Uint32(buf[68:72])
	h.Stride = binary.LittleEndian.Uint32(buf[72:76])
	h.IsIDR = buf[76] != 0
	h.DataSize = binary.LittleEndian.Uint32(buf[77:81])
	return h, nil
}

// Validate checks the header for values no well-behaved producer emits.
func (h *FrameHeader) Validate() error {
	if h.Width == 0 || h.Height == 0 {
		return fmt.Errorf("wire: zero frame dimensions %dx%d", h.Width, h.Height)
	}
	if h.Width > media.MaxWidth || h.Height > media.MaxHeight {
		return fmt.Errorf("wire: frame %dx%d exceeds %dx%d", h.Width, h.Height, media.MaxWidth, media.MaxHeight)
	}
	if h.Stride < h.Width*media.BytesPerPixel {
		return fmt.Errorf("wire: stride %d below row width %d", h.Stride, h.Width*media.BytesPerPixel)
	}
	if h.DataSize == 0 || h.DataSize > MaxDataSize {
		return fmt.Errorf("wire: data size %d outside (0, %d]", h.DataSize, MaxDataSize)
	}
	if uint64(h.DataSize) < uint64(h.Height)*uint64(h.Stride) {
		return fmt.Errorf("wire: data size %d shorter than %d rows of %d bytes", h.DataSize, h.Height, h.Stride)
	}
	return nil
}

func appendPose(dst []byte, p media.Pose) []byte {
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(p[r][c]))
		}
	}
	return dst
}

func decodePose(buf []byte) media.Pose {
	var p media.Pose
	off := 0
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			p[r][c] = math.Float32frombits(binary.LittleEndian.Uint32(buf[off : off+4]))
			off += 4
		}
	}
	return p
}
