package bitstream

import (
	"bytes"
	"testing"

	"github.com/zsiec/beam/encode"
)

func samplePayload(slice []byte) *encode.Sample {
	return &encode.Sample{
		Data:          lengthPrefixed(slice),
		ParameterSets: [][]byte{{0x40, 0x01}, {0x42, 0x01}, {0x44, 0x01}},
	}
}

func TestHEVCNALType(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		firstByte byte
		want      byte
	}{
		{"VPS (32)", 0x40, HEVCNALVPS},
		{"SPS (33)", 0x42, HEVCNALSPS},
		{"PPS (34)", 0x44, HEVCNALPPS},
		{"IDR_W_RADL (19)", 0x26, HEVCNALIDRWRadl},
		{"IDR_N_LP (20)", 0x28, HEVCNALIDRNlp},
		{"CRA (21)", 0x2A, HEVCNALCraNut},
		{"TRAIL_R (1)", 0x02, 1},
		{"TRAIL_N (0)", 0x00, 0},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := HEVCNALType(tt.firstByte); got != tt.want {
				t.Errorf("HEVCNALType(0x%02X) = %d, want %d", tt.firstByte, got, tt.want)
			}
		})
	}
}

func TestIsHEVCKeyframe(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		nalType byte
		want    bool
	}{
		{"BLA_W_LP", HEVCNALBlaWLP, true},
		{"IDR_W_RADL", HEVCNALIDRWRadl, true},
		{"IDR_N_LP", HEVCNALIDRNlp, true},
		{"CRA", HEVCNALCraNut, true},
		{"TRAIL_R", 1, false},
		{"VPS", HEVCNALVPS, false},
		{"SPS", HEVCNALSPS, false},
		{"PPS", HEVCNALPPS, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IsHEVCKeyframe(tt.nalType); got != tt.want {
				t.Errorf("IsHEVCKeyframe(%d) = %v, want %v", tt.nalType, got, tt.want)
			}
		})
	}
}

func TestParseAnnexB(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		in        []byte
		wantTypes []byte
	}{
		{"empty", nil, nil},
		{"too short", []byte{0, 0, 1}, nil},
		{"single 4-byte start", []byte{0, 0, 0, 1, 0x40, 0x01}, []byte{HEVCNALVPS}},
		{"single 3-byte start", []byte{0, 0, 1, 0x42, 0x01}, []byte{HEVCNALSPS}},
		{
			"parameter sets then slice",
			[]byte{
				0, 0, 0, 1, 0x40, 0x01,
				0, 0, 0, 1, 0x42, 0x01,
				0, 0, 0, 1, 0x44, 0x01,
				0, 0, 0, 1, 0x26, 0x01, 0xAF,
			},
			[]byte{HEVCNALVPS, HEVCNALSPS, HEVCNALPPS, HEVCNALIDRWRadl},
		},
		{"garbage before first start code", []byte{0xFF, 0xEE, 0, 0, 1, 0x02, 0x01}, []byte{1}},
		{"truncated header skipped", []byte{0, 0, 0, 1, 0x40}, nil},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			units := ParseAnnexB(tt.in)
			if len(units) != len(tt.wantTypes) {
				t.Fatalf("got %d units, want %d", len(units), len(tt.wantTypes))
			}
			for i, u := range units {
				if u.Type != tt.wantTypes[i] {
					t.Errorf("unit %d type = %d, want %d", i, u.Type, tt.wantTypes[i])
				}
			}
		})
	}
}

func TestPackThenParseRoundTrip(t *testing.T) {
	t.Parallel()

	slice := []byte{0x26, 0x01, 0xAF, 0xFB}
	sample := samplePayload(slice)
	data, _ := NewPacker(nil).Pack(sample)

	units := ParseAnnexB(data)
	if len(units) != 4 {
		t.Fatalf("got %d units, want 4", len(units))
	}
	if !IsHEVCKeyframe(units[3].Type) {
		t.Errorf("slice type %d is not a keyframe type", units[3].Type)
	}
	if !bytes.Equal(units[3].Data, slice) {
		t.Errorf("slice bytes = % X, want % X", units[3].Data, slice)
	}
}
