package bitstream

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/beam/encode"
)

func lengthPrefixed(nals ...[]byte) []byte {
	var out []byte
	for _, nal := range nals {
		out = binary.BigEndian.AppendUint32(out, uint32(len(nal)))
		out = append(out, nal...)
	}
	return out
}

func boolPtr(b bool) *bool { return &b }

func TestPackKeyframePrependsParameterSets(t *testing.T) {
	t.Parallel()

	vps := []byte{0x40, 0x01, 0x0C}
	sps := []byte{0x42, 0x01, 0x02}
	pps := []byte{0x44, 0x01}
	slice := []byte{0x26, 0x01, 0xAF, 0xFB, 0x80}

	sample := &encode.Sample{
		Data:          lengthPrefixed(slice),
		ParameterSets: [][]byte{vps, sps, pps},
		NotSync:       boolPtr(false),
	}

	data, keyframe := NewPacker(nil).Pack(sample)
	require.True(t, keyframe)

	var want []byte
	for _, nal := range [][]byte{vps, sps, pps, slice} {
		want = append(want, 0x00, 0x00, 0x00, 0x01)
		want = append(want, nal...)
	}
	assert.Equal(t, want, data, "keyframe output must be VPS, SPS, PPS, then the slice")
}

func TestPackKeyframeWhenAttachmentAbsent(t *testing.T) {
	t.Parallel()

	// Absent not-sync attachment counts as a keyframe.
	sample := &encode.Sample{
		Data:          lengthPrefixed([]byte{0x26, 0x01}),
		ParameterSets: [][]byte{{0x40, 0x01}},
	}
	_, keyframe := NewPacker(nil).Pack(sample)
	assert.True(t, keyframe)
}

func TestPackNonKeyframeOmitsParameterSets(t *testing.T) {
	t.Parallel()

	slice := []byte{0x02, 0x01, 0x11, 0x22}
	sample := &encode.Sample{
		Data:          lengthPrefixed(slice),
		ParameterSets: [][]byte{{0x40, 0x01}, {0x42, 0x01}, {0x44, 0x01}},
		NotSync:       boolPtr(true),
	}

	data, keyframe := NewPacker(nil).Pack(sample)
	require.False(t, keyframe)
	assert.Equal(t, append([]byte{0x00, 0x00, 0x00, 0x01}, slice...), data,
		"non-keyframes must not carry parameter sets")
}

func TestPackMultipleNALUnits(t *testing.T) {
	t.Parallel()

	sei := []byte{0x4E, 0x01, 0x05}
	slice := []byte{0x02, 0x01, 0x99}
	sample := &encode.Sample{
		Data:    lengthPrefixed(sei, slice),
		NotSync: boolPtr(true),
	}

	data, _ := NewPacker(nil).Pack(sample)

	count := bytes.Count(data, []byte{0x00, 0x00, 0x00, 0x01})
	assert.Equal(t, 2, count, "every NAL unit gets its own start code")
	assert.True(t, bytes.HasPrefix(data, []byte{0x00, 0x00, 0x00, 0x01, 0x4E}))
}

func TestPackTruncatesMalformedTail(t *testing.T) {
	t.Parallel()

	good := []byte{0x02, 0x01, 0x42}
	payload := lengthPrefixed(good)
	// A unit claiming more bytes than remain must be dropped cleanly.
	payload = binary.BigEndian.AppendUint32(payload, 1000)
	payload = append(payload, 0xDE, 0xAD)

	data, _ := NewPacker(nil).Pack(&encode.Sample{Data: payload, NotSync: boolPtr(true)})
	assert.Equal(t, append([]byte{0x00, 0x00, 0x00, 0x01}, good...), data)
}

func TestPackSkipsZeroLengthUnits(t *testing.T) {
	t.Parallel()

	slice := []byte{0x02, 0x01}
	payload := lengthPrefixed(nil, slice)

	data, _ := NewPacker(nil).Pack(&encode.Sample{Data: payload, NotSync: boolPtr(true)})
	assert.Equal(t, append([]byte{0x00, 0x00, 0x00, 0x01}, slice...), data)
}

func TestPackEmptySample(t *testing.T) {
	t.Parallel()

	data, keyframe := NewPacker(nil).Pack(&encode.Sample{NotSync: boolPtr(true)})
	assert.False(t, keyframe)
	assert.Empty(t, data)
}
