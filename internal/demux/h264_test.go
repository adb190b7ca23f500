package demux

import (
	"testing"

	"github.com/zsiec/streampush/internal/timebase"
	"github.com/zsiec/streampush/internal/tstest"
)

func nalTypes(units []NALUnit) []byte {
	out := make([]byte, len(units))
	for i, u := range units {
		out[i] = u.Type
	}
	return out
}

func TestParseAnnexB(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		data     []byte
		types    []byte
		firstLen int
	}{
		{
			name: "four-byte start codes",
			data: []byte{
				0x00, 0x00, 0x00, 0x01, 0x67, 0x42, 0xE0, 0x1E,
				0x00, 0x00, 0x00, 0x01, 0x68, 0xCE, 0x38, 0x80,
				0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84, 0x00, 0xFF, 0xFE,
			},
			types:    []byte{NALTypeSPS, NALTypePPS, NALTypeIDR},
			firstLen: 4,
		},
		{
			name: "mixed start codes",
			data: []byte{
				0x00, 0x00, 0x00, 0x01, 0x67, 0x42,
				0x00, 0x00, 0x01, 0x68, 0xCE,
				0x00, 0x00, 0x00, 0x01, 0x06, 0xFF, 0xFE,
				0x00, 0x00, 0x01, 0x65, 0x88,
			},
			types:    []byte{NALTypeSPS, NALTypePPS, NALTypeSEI, NALTypeIDR},
			firstLen: 2,
		},
		{
			name: "zero before start code belongs to it",
			data: []byte{
				0x00, 0x00, 0x00, 0x01, 0x06, 0xAA, 0xBB, 0x00,
				0x00, 0x00, 0x01, 0x41, 0x9A,
			},
			types:    []byte{NALTypeSEI, NALTypeSlice},
			firstLen: 3,
		},
		{
			name:     "single slice",
			data:     tstest.AnnexB(tstest.Slice),
			types:    []byte{NALTypeSlice},
			firstLen: len(tstest.Slice),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			units := ParseAnnexB(tt.data)
			if got := nalTypes(units); string(got) != string(tt.types) {
				t.Fatalf("types: got %v, want %v", got, tt.types)
			}
			if len(units[0].Data) != tt.firstLen {
				t.Errorf("first unit length: got %d, want %d", len(units[0].Data), tt.firstLen)
			}
		})
	}
}

func TestParseAnnexBInvalid(t *testing.T) {
	t.Parallel()
	for _, data := range [][]byte{nil, {0x00, 0x01}, {0x65, 0x88, 0x84, 0x00}} {
		if units := ParseAnnexB(data); units != nil {
			t.Errorf("ParseAnnexB(%x): got %d units, want nil", data, len(units))
		}
	}
}

func TestNALTypePredicates(t *testing.T) {
	t.Parallel()
	tests := []struct {
		typ            byte
		key, vcl, s, p bool
	}{
		{NALTypeSlice, false, true, false, false},
		{NALTypeIDR, true, true, false, false},
		{NALTypeSEI, false, false, false, false},
		{NALTypeSPS, false, false, true, false},
		{NALTypePPS, false, false, false, true},
		{NALTypeAUD, false, false, false, false},
	}
	for _, tt := range tests {
		if IsKeyframe(tt.typ) != tt.key || IsVCL(tt.typ) != tt.vcl || IsSPS(tt.typ) != tt.s || IsPPS(tt.typ) != tt.p {
			t.Errorf("type %d: got key=%v vcl=%v sps=%v pps=%v", tt.typ, IsKeyframe(tt.typ), IsVCL(tt.typ), IsSPS(tt.typ), IsPPS(tt.typ))
		}
	}
}

func TestParseSPSEncoderOutput(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name          string
		sps           []byte
		width, height int
		codec         string
	}{
		{
			name: "high 720p",
			sps: []byte{
				0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
				0x05, 0xbb, 0xff, 0x00, 0x03, 0x00, 0x04, 0x6a,
				0x02, 0x02, 0x02, 0x80, 0x00, 0x01, 0xf4, 0x80,
				0x00, 0x5d, 0xc0, 0x07, 0x8c, 0x18, 0xcb,
			},
			width: 1280, height: 720, codec: "avc1.64001F",
		},
		{
			name: "main 256x192",
			sps: []byte{
				0x67, 0x4d, 0x40, 0x1f, 0xb9, 0x08, 0x08, 0x0c,
				0xd8, 0x0b, 0x50, 0x10, 0x10, 0x14, 0x00, 0x00,
				0x0f, 0xa4, 0x00, 0x02, 0xee, 0x03, 0x81, 0x80,
				0x04, 0x93, 0xc0, 0x02, 0x49, 0xe8, 0xa0, 0xc0,
				0x3a, 0x8e, 0x18, 0xc9,
			},
			width: 256, height: 192, codec: "avc1.4D401F",
		},
		{
			name: "high 720p with HRD and pic_struct",
			sps: []byte{
				0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
				0x05, 0xbb, 0x01, 0x6a, 0x04, 0x04, 0x0a, 0x80,
				0x00, 0x00, 0x03, 0x00, 0x80, 0x00, 0x00, 0x1e,
				0x30, 0x20, 0x00, 0x16, 0xe3, 0x60, 0x00, 0x2d,
				0xc6, 0xd2, 0x49, 0x80, 0x7c, 0x60, 0xc6, 0x58,
			},
			width: 1280, height: 720, codec: "avc1.64001F",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			info, err := ParseSPS(tt.sps)
			if err != nil {
				t.Fatalf("ParseSPS: %v", err)
			}
			if info.Width != tt.width || info.Height != tt.height {
				t.Errorf("size: got %dx%d, want %dx%d", info.Width, info.Height, tt.width, tt.height)
			}
			if got := info.CodecString(); got != tt.codec {
				t.Errorf("codec string: got %s, want %s", got, tt.codec)
			}
		})
	}
}

func TestParseSPSRejectsShortInput(t *testing.T) {
	t.Parallel()
	for _, data := range [][]byte{nil, {}, {0x67, 0x64, 0x00}} {
		if _, err := ParseSPS(data); err == nil {
			t.Errorf("ParseSPS(%x): expected error", data)
		}
	}
}

func TestParseSPSFrameRateAndRange(t *testing.T) {
	t.Parallel()
	info, err := ParseSPS(tstest.SPS(77, false, 0))
	if err != nil {
		t.Fatalf("ParseSPS: %v", err)
	}
	if info.Width != 1920 || info.Height != 1080 {
		t.Errorf("size: got %dx%d, want 1920x1080", info.Width, info.Height)
	}
	if !info.TimingPresent || info.NumUnitsInTick != 1001 || info.TimeScale != 60000 {
		t.Errorf("timing: got present=%v units=%d scale=%d", info.TimingPresent, info.NumUnitsInTick, info.TimeScale)
	}
	if got := info.FrameRate(); got != timebase.New(30000, 1001) {
		t.Errorf("frame rate: got %v, want 30000/1001", got)
	}
	if !info.FullRange {
		t.Error("expected full range video signal")
	}
	if info.BitstreamRestriction || info.ReorderDepth() != 0 {
		t.Errorf("reorder: got restriction=%v depth=%d, want none", info.BitstreamRestriction, info.ReorderDepth())
	}
}

func TestParseSPSReorderDepth(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		profile byte
		reorder uint64
		want    int
	}{
		{"main with two reordered frames", 77, 2, 2},
		{"main without reordering", 77, 0, 0},
		{"baseline never reorders", 66, 2, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			info, err := ParseSPS(tstest.SPS(tt.profile, true, tt.reorder))
			if err != nil {
				t.Fatalf("ParseSPS: %v", err)
			}
			if !info.BitstreamRestriction || info.MaxDecFrameBuffering != 4 {
				t.Errorf("restriction: got %v, max_dec_frame_buffering %d, want true and 4", info.BitstreamRestriction, info.MaxDecFrameBuffering)
			}
			if got := info.ReorderDepth(); got != tt.want {
				t.Errorf("reorder depth: got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSPSFrameRateMissing(t *testing.T) {
	t.Parallel()
	if got := (SPSInfo{}).FrameRate(); got.Valid() {
		t.Errorf("frame rate without timing: got %v, want invalid", got)
	}
}
