// Package bitstream converts the encoder's length-prefixed output into a
// start-code-delimited Annex-B elementary stream, prepending parameter
// sets on keyframes so the stream is decodable from any sync point.
package bitstream

import (
	"encoding/binary"
	"log/slog"

	"github.com/zsiec/beam/encode"
)

// startCode is the 4-byte Annex-B NAL unit delimiter.
var startCode = []byte{0x00, 0x00, 0x00, 0x01}

// lengthPrefixSize is the big-endian length prefix on each NAL unit in
// the encoder's native output.
const lengthPrefixSize = 4

// Packer rewrites encoder samples into Annex-B form. It treats each
// sample independently — no reordering, no NAL header inspection — so it
// is safe to call from the encoder's completion threads in any order.
type Packer struct {
	log *slog.Logger
}

// NewPacker creates a Packer.
func NewPacker(log *slog.Logger) *Packer {
	if log == nil {
		log = slog.Default()
	}
	return &Packer{log: log.With("component", "packer")}
}

// Pack converts one sample. On keyframes the parameter sets are emitted
// first, each behind its own start code, in the order the format
// description lists them (VPS, SPS, PPS). A length prefix that overruns
// the payload truncates the output at the last whole unit; the tail is
// dropped with a warning rather than poisoning the stream.
func (p *Packer) Pack(sample *encode.Sample) (data []byte, isKeyframe bool) {
	isKeyframe = sample.IsKeyframe()

	size := len(sample.Data)
	if isKeyframe {
		for _, ps := range sample.ParameterSets {
			size += len(startCode) + len(ps)
		}
	}
	data = make([]byte, 0, size)

	if isKeyframe {
		for _, ps := range sample.ParameterSets {
			data = append(data, startCode...)
			data = append(data, ps...)
		}
	}

	payload := sample.Data
	for len(payload) >= lengthPrefixSize {
		nalLen := int(binary.BigEndian.Uint32(payload[:lengthPrefixSize]))
		payload = payload[lengthPrefixSize:]
		if nalLen > len(payload) {
			p.log.Warn("NAL length overruns sample, truncating",
				"nal_len", nalLen, "remaining", len(payload))
			return data, isKeyframe
		}
		if nalLen == 0 {
			continue
		}
		data = append(data, startCode...)
		data = append(data, payload[:nalLen]...)
		payload = payload[nalLen:]
	}
	if len(payload) != 0 {
		p.log.Warn("trailing bytes after last NAL unit, truncating", "remaining", len(payload))
	}
	return data, isKeyframe
}
