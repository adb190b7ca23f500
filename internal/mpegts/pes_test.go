package mpegts

import (
	"bytes"
	"testing"

	"github.com/zsiec/streampush/internal/tstest"
)

func pesBytes(streamID byte, length int, flags byte, hdr, data []byte) []byte {
	b := []byte{0x00, 0x00, 0x01, streamID, byte(length >> 8), byte(length), 0x80, flags, byte(len(hdr))}
	b = append(b, hdr...)
	return append(b, data...)
}

func TestParsePES(t *testing.T) {
	t.Parallel()
	payload := []byte{0x00, 0x00, 0x00, 0x01, 0x09, 0xF0}
	ptsOnly := tstest.EncodeTimestamp(0x2, 8589934591)
	both := append(tstest.EncodeTimestamp(0x3, 183003), tstest.EncodeTimestamp(0x1, 180000)...)

	tests := []struct {
		name     string
		raw      []byte
		pts, dts int64
		data     []byte
	}{
		{
			name: "unbounded video with pts",
			raw:  pesBytes(0xE0, 0, 0x80, ptsOnly, payload),
			pts:  8589934591, dts: NoTimestamp, data: payload,
		},
		{
			name: "pts and dts",
			raw:  pesBytes(0xE0, 0, 0xC0, both, payload),
			pts:  183003, dts: 180000, data: payload,
		},
		{
			name: "declared length trims trailing bytes",
			raw:  append(pesBytes(0xC0, 3+5+2, 0x80, ptsOnly, []byte{0xAA, 0xBB}), 0xFF, 0xFF),
			pts:  8589934591, dts: NoTimestamp, data: []byte{0xAA, 0xBB},
		},
		{
			name: "no timestamps",
			raw:  pesBytes(0xC0, 0, 0x00, nil, []byte{1}),
			pts:  NoTimestamp, dts: NoTimestamp, data: []byte{1},
		},
		{
			name: "padding stream has no optional header",
			raw:  []byte{0x00, 0x00, 0x01, 0xBE, 0x00, 0x02, 0xFF, 0xFF},
			pts:  NoTimestamp, dts: NoTimestamp, data: []byte{0xFF, 0xFF},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pes, err := parsePES(tt.raw)
			if err != nil {
				t.Fatalf("parsePES: %v", err)
			}
			if pes.PTS != tt.pts || pes.DTS != tt.dts {
				t.Errorf("timestamps: got %d/%d, want %d/%d", pes.PTS, pes.DTS, tt.pts, tt.dts)
			}
			if !bytes.Equal(pes.Data, tt.data) {
				t.Errorf("data: got % X, want % X", pes.Data, tt.data)
			}
		})
	}
}

func TestParsePESErrors(t *testing.T) {
	t.Parallel()
	for name, raw := range map[string][]byte{
		"short":            {0x00, 0x00, 0x01},
		"no start code":    {0x00, 0x01, 0x01, 0xE0, 0x00, 0x00, 0x80, 0x80, 0x00},
		"truncated header": {0x00, 0x00, 0x01, 0xE0, 0x00, 0x00, 0x80},
	} {
		if _, err := parsePES(raw); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
