package bitstream

// H.265/HEVC NAL unit type constants as defined in ITU-T H.265 Table 7-1,
// the subset the transport needs for keyframe and parameter-set checks.
const (
	HEVCNALBlaWLP   = 16
	HEVCNALIDRWRadl = 19
	HEVCNALIDRNlp   = 20
	HEVCNALCraNut   = 21
	HEVCNALVPS      = 32
	HEVCNALSPS      = 33
	HEVCNALPPS      = 34
)

// HEVCNALType extracts the NAL unit type from the first byte of an HEVC
// 2-byte NAL header: forbidden(1) | type(6) | layerID_high(1).
func HEVCNALType(firstByte byte) byte {
	return (firstByte >> 1) & 0x3F
}

// IsHEVCKeyframe returns true if the NAL type represents an HEVC random
// access point (BLA, IDR, or CRA).
func IsHEVCKeyframe(nalType byte) bool {
	return nalType >= HEVCNALBlaWLP && nalType <= HEVCNALCraNut
}

// NALUnit is one unit extracted from an Annex-B stream.
type NALUnit struct {
	Type byte   // 6-bit HEVC NAL type
	Data []byte // raw NAL data including the 2-byte header, without start code
}

// ParseAnnexB scans an Annex-B byte stream — such as the packer's output —
// back into NAL units. Both 3-byte (0x000001) and 4-byte (0x00000001)
// start codes are recognized.
func ParseAnnexB(data []byte) []NALUnit {
	n := len(data)
	if n < 4 {
		return nil
	}

	type scPos struct {
		scStart   int
		dataStart int
	}

	var positions []scPos
	i := 0
	for i < n-2 {
		if data[i] == 0 && data[i+1] == 0 {
			if i < n-3 && data[i+2] == 0 && data[i+3] == 1 {
				positions = append(positions, scPos{scStart: i, dataStart: i + 4})
				i += 4
				continue
			}
			if data[i+2] == 1 {
				positions = append(positions, scPos{scStart: i, dataStart: i + 3})
				i += 3
				continue
			}
		}
		i++
	}

	var units []NALUnit
	for idx, pos := range positions {
		if pos.dataStart >= n {
			continue
		}
		end := n
		if idx+1 < len(positions) {
			end = positions[idx+1].scStart
		}
		if pos.dataStart >= end {
			continue
		}

		nalData := data[pos.dataStart:end]
		if len(nalData) < 2 {
			continue
		}

		units = append(units, NALUnit{
			Type: HEVCNALType(nalData[0]),
			Data: nalData,
		})
	}

	return units
}
