package sample

import (
	"errors"
	"fmt"
	"image"

	"golang.org/x/image/draw"

	"github.com/zsiec/streampush/internal/media"
)

// ErrNoPicture is returned for frames that carry timing but no planes.
var ErrNoPicture = errors.New("frame has no picture data")

// Fixed-point (16.16) BT.601 coefficients.
type yuvCoeffs struct {
	yOffset, yScale int32
	rv, gu, gv, bu  int32
}

var (
	// Full-range (JPEG) levels.
	fullRange = yuvCoeffs{yOffset: 0, yScale: 65536, rv: 91881, gu: 22554, gv: 46802, bu: 116130}
	// Limited-range (16-235) levels.
	limitedRange = yuvCoeffs{yOffset: 16, yScale: 76309, rv: 104597, gu: 25675, gv: 53279, bu: 132201}
)

func clamp8(v int32) byte {
	v >>= 16
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	default:
		return byte(v)
	}
}

// ToBGR converts a planar 4:2:0 frame to a packed BGR image of the frame's
// visible size. When maxWidth is positive and narrower than the frame, the
// image is downscaled with Catmull-Rom, keeping the aspect ratio.
func ToBGR(f *media.Frame, maxWidth int) (*Image, error) {
	if !f.HasPicture() {
		return nil, ErrNoPicture
	}
	var k yuvCoeffs
	switch f.Format {
	case media.PixelFormatYUVJ420P:
		k = fullRange
	case media.PixelFormatYUV420P:
		k = limitedRange
	default:
		return nil, fmt.Errorf("unsupported pixel format %s", f.Format)
	}
	if len(f.Planes) < 3 || len(f.Strides) < 3 || f.Width <= 0 || f.Height <= 0 {
		return nil, fmt.Errorf("malformed %dx%d frame with %d planes", f.Width, f.Height, len(f.Planes))
	}
	if need := (f.Height-1)*f.Strides[0] + f.Width; len(f.Planes[0]) < need {
		return nil, fmt.Errorf("luma plane: %d bytes, need %d", len(f.Planes[0]), need)
	}
	ch, cw := (f.Height+1)/2, (f.Width+1)/2
	for i := 1; i < 3; i++ {
		if need := (ch-1)*f.Strides[i] + cw; len(f.Planes[i]) < need {
			return nil, fmt.Errorf("chroma plane %d: %d bytes, need %d", i, len(f.Planes[i]), need)
		}
	}

	img := NewImage(f.Width, f.Height)
	yp, up, vp := f.Planes[0], f.Planes[1], f.Planes[2]
	for y := 0; y < f.Height; y++ {
		yRow := y * f.Strides[0]
		cRowU := (y / 2) * f.Strides[1]
		cRowV := (y / 2) * f.Strides[2]
		out := img.Pix[y*f.Width*3:]
		for x := 0; x < f.Width; x++ {
			yy := (int32(yp[yRow+x]) - k.yOffset) * k.yScale
			u := int32(up[cRowU+x/2]) - 128
			v := int32(vp[cRowV+x/2]) - 128
			out[x*3+0] = clamp8(yy + k.bu*u + 32768)
			out[x*3+1] = clamp8(yy - k.gu*u - k.gv*v + 32768)
			out[x*3+2] = clamp8(yy + k.rv*v + 32768)
		}
	}

	if maxWidth > 0 && f.Width > maxWidth {
		h := max(f.Height*maxWidth/f.Width, 1)
		return Scale(img, maxWidth, h), nil
	}
	return img, nil
}

// Scale resizes img to w x h with Catmull-Rom interpolation.
func Scale(img *Image, w, h int) *Image {
	src := image.NewRGBA(image.Rect(0, 0, img.Width, img.Height))
	for i, j := 0, 0; i < len(img.Pix); i, j = i+3, j+4 {
		src.Pix[j+0] = img.Pix[i+2]
		src.Pix[j+1] = img.Pix[i+1]
		src.Pix[j+2] = img.Pix[i+0]
		src.Pix[j+3] = 0xFF
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	out := NewImage(w, h)
	for i, j := 0, 0; i < len(out.Pix); i, j = i+3, j+4 {
		out.Pix[i+0] = dst.Pix[j+2]
		out.Pix[i+1] = dst.Pix[j+1]
		out.Pix[i+2] = dst.Pix[j+0]
	}
	return out
}
