package sample

import (
	"errors"
	"testing"

	"github.com/zsiec/streampush/internal/media"
)

func TestToBGRLevels(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		format  media.PixelFormat
		y, u, v byte
		want    [3]byte // B, G, R
	}{
		{"full range gray", media.PixelFormatYUVJ420P, 128, 128, 128, [3]byte{128, 128, 128}},
		{"full range black", media.PixelFormatYUVJ420P, 0, 128, 128, [3]byte{0, 0, 0}},
		{"limited black", media.PixelFormatYUV420P, 16, 128, 128, [3]byte{0, 0, 0}},
		{"limited white", media.PixelFormatYUV420P, 235, 128, 128, [3]byte{255, 255, 255}},
		{"full range red", media.PixelFormatYUVJ420P, 76, 85, 255, [3]byte{0, 0, 254}},
	}
	for _, tt := range tests {
		img, err := ToBGR(pictureFrame(6, 4, tt.format, tt.y, tt.u, tt.v), 0)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if img.Width != 6 || img.Height != 4 {
			t.Fatalf("%s: size %dx%d", tt.name, img.Width, img.Height)
		}
		for i := 0; i < len(img.Pix); i += 3 {
			got := [3]byte{img.Pix[i], img.Pix[i+1], img.Pix[i+2]}
			if !near(got, tt.want, 1) {
				t.Fatalf("%s: pixel %d: got %v, want %v", tt.name, i/3, got, tt.want)
			}
		}
	}
}

func near(a, b [3]byte, tol int) bool {
	for i := range a {
		d := int(a[i]) - int(b[i])
		if d < -tol || d > tol {
			return false
		}
	}
	return true
}

func TestToBGRCropsAlignedClone(t *testing.T) {
	t.Parallel()
	f := pictureFrame(10, 6, media.PixelFormatYUVJ420P, 200, 128, 128).CloneAligned(16)
	img, err := ToBGR(f, 0)
	if err != nil {
		t.Fatalf("ToBGR: %v", err)
	}
	if img.Width != 10 || img.Height != 6 {
		t.Errorf("size: got %dx%d, want visible 10x6", img.Width, img.Height)
	}
	for i, b := range img.Pix {
		if b != 200 {
			t.Fatalf("byte %d: got %d, want 200 (padding leaked into the image)", i, b)
		}
	}
}

func TestToBGRDownscale(t *testing.T) {
	t.Parallel()
	img, err := ToBGR(pictureFrame(64, 32, media.PixelFormatYUVJ420P, 90, 128, 128), 16)
	if err != nil {
		t.Fatalf("ToBGR: %v", err)
	}
	if img.Width != 16 || img.Height != 8 {
		t.Errorf("size: got %dx%d, want 16x8", img.Width, img.Height)
	}
	if !near([3]byte{img.Pix[0], img.Pix[1], img.Pix[2]}, [3]byte{90, 90, 90}, 1) {
		t.Errorf("uniform image changed color: %v", img.Pix[:3])
	}
}

func TestToBGRErrors(t *testing.T) {
	t.Parallel()
	if _, err := ToBGR(&media.Frame{Kind: media.KindVideo, Width: 4, Height: 4}, 0); !errors.Is(err, ErrNoPicture) {
		t.Errorf("timing-only frame: got %v, want ErrNoPicture", err)
	}
	f := pictureFrame(4, 4, media.PixelFormatYUVJ420P, 0, 0, 0)
	f.Format = media.PixelFormatNone
	if _, err := ToBGR(f, 0); err == nil {
		t.Error("unknown format should fail")
	}
	f = pictureFrame(4, 4, media.PixelFormatYUVJ420P, 0, 0, 0)
	f.Planes[0] = f.Planes[0][:5]
	if _, err := ToBGR(f, 0); err == nil {
		t.Error("short luma plane should fail")
	}
}
