package wire

import (
	"bytes"
	"testing"

	"github.com/google/uuid"

	"github.com/zsiec/beam/media"
)

func TestHeaderSizes(t *testing.T) {
	t.Parallel()

	var ih InitHeader
	if got := len(ih.Encode(nil)); got != InitHeaderSize {
		t.Errorf("InitHeader encodes to %d bytes, want %d", got, InitHeaderSize)
	}

	var fh FrameHeader
	if got := len(fh.Encode(nil)); got != FrameHeaderSize {
		t.Errorf("FrameHeader encodes to %d bytes, want %d", got, FrameHeaderSize)
	}
}

func TestInitHeaderRoundTrip(t *testing.T) {
	t.Parallel()

	in := InitHeader{
		NumImages:  3,
		DeviceUUID: uuid.MustParse("d9b63a4f-1e0a-4c2f-9f7e-6a0d5b8c1234"),
		Width:      1920,
		Height:     1080,
		Format:     87,
		MemIndex:   2,
		SourcePID:  4242,
	}

	out, err := DecodeInitHeader(in.Encode(nil))
	if err != nil {
		t.Fatalf("DecodeInitHeader: %v", err)
	}
	if out != in {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", out, in)
	}
}

func TestInitHeaderLayout(t *testing.T) {
	t.Parallel()

	// Field offsets must match the producer's packed C layout exactly.
	h := InitHeader{NumImages: 0x04030201, Width: 0x14131211, SourcePID: 0x28272625}
	for i := range h.DeviceUUID {
		h.DeviceUUID[i] = byte(0xA0 + i)
	}

	buf := h.Encode(nil)
	if !bytes.Equal(buf[0:4], []byte{0x01, 0x02, 0x03, 0x04}) {
		t.Errorf("num_images bytes = % X", buf[0:4])
	}
	if !bytes.Equal(buf[4:20], h.DeviceUUID[:]) {
		t.Errorf("device_uuid bytes = % X", buf[4:20])
	}
	if !bytes.Equal(buf[20:24], []byte{0x11, 0x12, 0x13, 0x14}) {
		t.Errorf("width bytes = % X", buf[20:24])
	}
	if !bytes.Equal(buf[36:40], []byte{0x25, 0x26, 0x27, 0x28}) {
		t.Errorf("source_pid bytes = % X", buf[36:40])
	}
}

func TestFrameHeaderRoundTrip(t *testing.T) {
	t.Parallel()

	in := FrameHeader{
		ImageIndex:     2,
		FrameNumber:    90,
		SemaphoreValue: 0x1122334455667788,
		Pose: media.Pose{
			{1, 0, 0, 0.25},
			{0, 1, 0, 1.5},
			{0, 0, 1, -0.75},
		},
		Width:    1920,
		Height:   1080,
		Stride:   7680,
		IsIDR:    true,
		DataSize: 8294400,
	}

	out, err := DecodeFrameHeader(in.Encode(nil))
	if err != nil {
		t.Fatalf("DecodeFrameHeader: %v", err)
	}
	if out != in {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", out, in)
	}
}

func TestFrameHeaderValidate(t *testing.T) {
	t.Parallel()

	valid := FrameHeader{Width: 1920, Height: 1080, Stride: 7680, DataSize: 8294400}

	tests := []struct {
		name    string
		mutate  func(*FrameHeader)
		wantErr bool
	}{
		{"valid", func(h *FrameHeader) {}, false},
		{"zero width", func(h *FrameHeader) { h.Width = 0 }, true},
		{"zero height", func(h *FrameHeader) { h.Height = 0 }, true},
		{"oversize width", func(h *FrameHeader) { h.Width = media.MaxWidth + 1 }, true},
		{"oversize height", func(h *FrameHeader) { h.Height = media.MaxHeight + 1 }, true},
		{"stride below row", func(h *FrameHeader) { h.Stride = h.Width*4 - 1 }, true},
		{"zero data size", func(h *FrameHeader) { h.DataSize = 0 }, true},
		{"data size over max", func(h *FrameHeader) { h.DataSize = MaxDataSize + 1 }, true},
		{"data size short of rows", func(h *FrameHeader) { h.DataSize = h.Height*h.Stride - 1 }, true},
		{"padded stride", func(h *FrameHeader) { h.Stride = 8192; h.DataSize = 8192 * 1080 }, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := valid
			tt.mutate(&h)
			err := h.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDecodeShortBuffers(t *testing.T) {
	t.Parallel()

	if _, err := DecodeInitHeader(make([]byte, InitHeaderSize-1)); err == nil {
		t.Error("DecodeInitHeader accepted short buffer")
	}
	if _, err := DecodeFrameHeader(make([]byte, FrameHeaderSize-1)); err == nil {
		t.Error("DecodeFrameHeader accepted short buffer")
	}
}
