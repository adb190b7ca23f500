package sample

import (
	"bytes"
	"encoding/binary"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/image/bmp"
)

func patternImage(w, h int) *Image {
	img := NewImage(w, h)
	for i := range img.Pix {
		img.Pix[i] = byte(i*7 + 3)
	}
	return img
}

func TestEncodeBMPLayout(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := EncodeBMP(&buf, patternImage(3, 2)); err != nil {
		t.Fatalf("EncodeBMP: %v", err)
	}
	b := buf.Bytes()
	le := binary.LittleEndian

	// 3 pixels * 3 bytes = 9, padded to 12.
	wantSize := 54 + 12*2
	if len(b) != wantSize {
		t.Fatalf("size: got %d, want %d", len(b), wantSize)
	}
	checks := []struct {
		name string
		got  uint32
		want uint32
	}{
		{"file size", le.Uint32(b[2:]), uint32(wantSize)},
		{"reserved", le.Uint32(b[6:]), 0},
		{"offset", le.Uint32(b[10:]), 54},
		{"info size", le.Uint32(b[14:]), 40},
		{"width", le.Uint32(b[18:]), 3},
		{"height", le.Uint32(b[22:]), 2},
		{"planes", uint32(le.Uint16(b[26:])), 1},
		{"bpp", uint32(le.Uint16(b[28:])), 24},
		{"compression", le.Uint32(b[30:]), 0},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s: got %d, want %d", c.name, c.got, c.want)
		}
	}
	if string(b[:2]) != "BM" {
		t.Errorf("magic: got %q", b[:2])
	}
	for off := 34; off < 54; off++ {
		if b[off] != 0 {
			t.Fatalf("trailing info header byte %d: got %d, want 0", off, b[off])
		}
	}
	// First stored row is the bottom image row.
	img := patternImage(3, 2)
	if !bytes.Equal(b[54:63], img.Pix[9:18]) {
		t.Error("first stored row should be the bottom row")
	}
}

func TestBMPRoundTrip(t *testing.T) {
	t.Parallel()
	for _, size := range [][2]int{{1, 1}, {3, 2}, {4, 4}, {5, 3}, {16, 9}} {
		img := patternImage(size[0], size[1])
		var buf bytes.Buffer
		if err := EncodeBMP(&buf, img); err != nil {
			t.Fatalf("%dx%d encode: %v", size[0], size[1], err)
		}
		got, err := DecodeBMP(&buf)
		if err != nil {
			t.Fatalf("%dx%d decode: %v", size[0], size[1], err)
		}
		if got.Width != img.Width || got.Height != img.Height || !bytes.Equal(got.Pix, img.Pix) {
			t.Errorf("%dx%d: round trip changed pixels", size[0], size[1])
		}
	}
}

func TestBMPReadableByImageBMP(t *testing.T) {
	t.Parallel()
	img := patternImage(5, 3)
	var buf bytes.Buffer
	if err := EncodeBMP(&buf, img); err != nil {
		t.Fatalf("EncodeBMP: %v", err)
	}
	decoded, err := bmp.Decode(&buf)
	if err != nil {
		t.Fatalf("bmp.Decode: %v", err)
	}
	if b := decoded.Bounds(); b.Dx() != 5 || b.Dy() != 3 {
		t.Fatalf("bounds: got %v, want 5x3", b)
	}
	for y := range 3 {
		for x := range 5 {
			i := (y*5 + x) * 3
			want := color.RGBA{R: img.Pix[i+2], G: img.Pix[i+1], B: img.Pix[i], A: 0xFF}
			if got := color.RGBAModel.Convert(decoded.At(x, y)).(color.RGBA); got != want {
				t.Fatalf("pixel (%d,%d): got %v, want %v", x, y, got, want)
			}
		}
	}
}

func TestDecodeBMPRejects(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	_ = EncodeBMP(&buf, patternImage(2, 2))
	good := buf.Bytes()

	tests := []struct {
		name   string
		mutate func([]byte)
	}{
		{"magic", func(b []byte) { b[0] = 'X' }},
		{"bpp", func(b []byte) { binary.LittleEndian.PutUint16(b[28:], 32) }},
		{"compression", func(b []byte) { binary.LittleEndian.PutUint32(b[30:], 1) }},
	}
	for _, tt := range tests {
		b := append([]byte(nil), good...)
		tt.mutate(b)
		if _, err := DecodeBMP(bytes.NewReader(b)); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
	if _, err := DecodeBMP(bytes.NewReader(good[:60])); err == nil {
		t.Error("truncated: expected error")
	}
}

func TestWriteFileReplaces(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "sample.bmp")
	if err := WriteFile(path, patternImage(2, 2)); err != nil {
		t.Fatalf("first write: %v", err)
	}
	want := patternImage(7, 5)
	if err := WriteFile(path, want); err != nil {
		t.Fatalf("second write: %v", err)
	}
	got, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got.Width != 7 || !bytes.Equal(got.Pix, want.Pix) {
		t.Error("file should hold the latest image")
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("directory entries: got %d, want 1 (temp file left behind)", len(entries))
	}
}
