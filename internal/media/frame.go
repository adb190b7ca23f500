package media

// PixelFormat identifies the plane layout of a decoded picture.
type PixelFormat int

// Pixel formats.
const (
	PixelFormatNone PixelFormat = iota
	// PixelFormatYUV420P is planar 4:2:0 with limited-range luma.
	PixelFormatYUV420P
	// PixelFormatYUVJ420P is planar 4:2:0 with full-range (JPEG) levels.
	PixelFormatYUVJ420P
)

func (f PixelFormat) String() string {
	switch f {
	case PixelFormatYUV420P:
		return "yuv420p"
	case PixelFormatYUVJ420P:
		return "yuvj420p"
	default:
		return "none"
	}
}

// Frame is one decoded picture or block of audio samples. A frame handed
// out by a decoder is only valid until the next call into that decoder;
// keep it longer by cloning.
//
// PTS is in the stream timebase as produced by the decoder and in the
// global timebase once the decode pump has assigned it. Duration stays
// in the stream timebase.
type Frame struct {
	Kind     Kind
	PTS      int64
	Duration int64

	// Video.
	Width       int
	Height      int
	CodedWidth  int
	CodedHeight int
	Format      PixelFormat
	Planes      [][]byte
	Strides     []int
	Keyframe    bool

	// Audio.
	NbSamples  int
	SampleRate int
	Channels   int
}

// HasPicture reports whether the frame carries plane data.
func (f *Frame) HasPicture() bool {
	return len(f.Planes) > 0 && f.Planes[0] != nil
}

// Clone creates a deep copy of the frame.
func (f *Frame) Clone() *Frame {
	c := *f
	c.Strides = append([]int(nil), f.Strides...)
	c.Planes = make([][]byte, len(f.Planes))
	for i, plane := range f.Planes {
		if plane != nil {
			c.Planes[i] = make([]byte, len(plane))
			copy(c.Planes[i], plane)
		}
	}
	return &c
}

// CloneAligned deep-copies a 4:2:0 picture into a fresh allocation whose
// coded dimensions are rounded up to align and whose row strides are
// rounded up to twice align. Width and Height keep the visible size.
// Frames in any other layout are cloned as-is.
func (f *Frame) CloneAligned(align int) *Frame {
	if !f.HasPicture() || len(f.Planes) < 3 || len(f.Strides) < 3 || align <= 0 {
		return f.Clone()
	}
	if f.Format != PixelFormatYUV420P && f.Format != PixelFormatYUVJ420P {
		return f.Clone()
	}

	c := *f
	c.CodedWidth = alignUp(f.Width, align)
	c.CodedHeight = alignUp(f.Height, align)
	c.Planes = make([][]byte, 3)
	c.Strides = make([]int, 3)

	for i := 0; i < 3; i++ {
		w, h := c.CodedWidth, c.CodedHeight
		vw, vh := f.Width, f.Height
		if i > 0 {
			w, h = w/2, h/2
			vw, vh = (vw+1)/2, (vh+1)/2
		}
		stride := alignUp(w, align*2)
		dst := make([]byte, stride*h)
		src, srcStride := f.Planes[i], f.Strides[i]
		for y := 0; y < vh; y++ {
			off := y * srcStride
			if off >= len(src) {
				break
			}
			end := off + vw
			if end > len(src) {
				end = len(src)
			}
			copy(dst[y*stride:], src[off:end])
		}
		c.Planes[i] = dst
		c.Strides[i] = stride
	}
	return &c
}

// Release drops the plane references so the buffers can be collected.
func (f *Frame) Release() {
	f.Planes = nil
	f.Strides = nil
}

func alignUp(v, a int) int {
	return (v + a - 1) / a * a
}
