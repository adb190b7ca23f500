//go:build astiav

package codec

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/asticode/go-astiav"

	"github.com/zsiec/streampush/internal/media"
	"github.com/zsiec/streampush/internal/timebase"
)

func init() {
	Register(Backend{
		Name:       "ffmpeg",
		NewDecoder: newFFmpegDecoder,
		NewEncoder: newFFmpegEncoder,
	})
}

func codecID(c media.Codec) (astiav.CodecID, error) {
	switch c {
	case media.CodecH264:
		return astiav.CodecIDH264, nil
	case media.CodecAAC:
		return astiav.CodecIDAac, nil
	default:
		return 0, ErrUnsupported
	}
}

func toRational(r timebase.Rational) astiav.Rational {
	return astiav.NewRational(int(r.Num), int(r.Den))
}

func fromRational(r astiav.Rational) timebase.Rational {
	return timebase.Rational{Num: int64(r.Num()), Den: int64(r.Den())}
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, astiav.ErrEagain):
		return ErrAgain
	case errors.Is(err, astiav.ErrEof):
		return ErrEOF
	default:
		return err
	}
}

// ffmpegDecoder wraps an FFmpeg decoder. Frames are copied out of the
// codec-owned buffer so the returned media.Frame does not alias C memory.
type ffmpegDecoder struct {
	log   *slog.Logger
	kind  media.Kind
	tb    timebase.Rational
	ctx   *astiav.CodecContext
	pkt   *astiav.Packet
	frame *astiav.Frame
	rate  timebase.Rational
}

func newFFmpegDecoder(p Params, log *slog.Logger) (Decoder, error) {
	id, err := codecID(p.Codec)
	if err != nil {
		return nil, err
	}
	c := astiav.FindDecoder(id)
	if c == nil {
		return nil, fmt.Errorf("no FFmpeg decoder for %s: %w", p.Codec, ErrUnsupported)
	}
	cc := astiav.AllocCodecContext(c)
	if cc == nil {
		return nil, errors.New("alloc codec context")
	}
	tb := p.TimeBase
	if !tb.Valid() {
		tb = timebase.MPEGTS
	}
	cc.SetTimeBase(toRational(tb))
	cc.SetPacketTimeBase(toRational(tb))
	if p.Kind == media.KindVideo {
		cc.SetWidth(p.Width)
		cc.SetHeight(p.Height)
		if p.FrameRate.Valid() {
			cc.SetFramerate(toRational(p.FrameRate))
		}
	}
	cc.SetThreadCount(1)

	opts := astiav.NewDictionary()
	defer opts.Free()
	if err := cc.Open(c, opts); err != nil {
		cc.Free()
		return nil, fmt.Errorf("open FFmpeg decoder: %w", err)
	}
	return &ffmpegDecoder{
		log:   log,
		kind:  p.Kind,
		tb:    tb,
		ctx:   cc,
		pkt:   astiav.AllocPacket(),
		frame: astiav.AllocFrame(),
		rate:  p.FrameRate,
	}, nil
}

func (d *ffmpegDecoder) SendPacket(pkt *media.Packet) error {
	if pkt == nil {
		return mapErr(d.ctx.SendPacket(nil))
	}
	d.pkt.Unref()
	if err := d.pkt.FromData(pkt.Data); err != nil {
		return fmt.Errorf("packet from data: %w", err)
	}
	d.pkt.SetPts(pkt.PTS)
	d.pkt.SetDts(pkt.DTS)
	d.pkt.SetDuration(pkt.Duration)
	return mapErr(d.ctx.SendPacket(d.pkt))
}

func (d *ffmpegDecoder) ReceiveFrame() (*media.Frame, error) {
	d.frame.Unref()
	if err := d.ctx.ReceiveFrame(d.frame); err != nil {
		return nil, mapErr(err)
	}
	buf, err := d.frame.Data().Bytes(1)
	if err != nil {
		return nil, fmt.Errorf("copy frame data: %w", err)
	}
	pts := d.frame.Pts()
	if pts == astiav.NoPtsValue {
		pts = timebase.NoPTS
	}
	if d.kind == media.KindAudio {
		return d.audioFrame(buf, pts), nil
	}
	return d.videoFrame(buf, pts), nil
}

func (d *ffmpegDecoder) videoFrame(buf []byte, pts int64) *media.Frame {
	w, h := d.frame.Width(), d.frame.Height()
	cw, ch := (w+1)/2, (h+1)/2
	format := media.PixelFormatYUV420P
	switch d.frame.PixelFormat() {
	case astiav.PixelFormatYuvj420P:
		format = media.PixelFormatYUVJ420P
	case astiav.PixelFormatYuv420P:
	default:
		d.log.Debug("unexpected decoder pixel format", "format", d.frame.PixelFormat().String())
		return &media.Frame{Kind: media.KindVideo, PTS: pts, Width: w, Height: h, Format: media.PixelFormatNone}
	}
	ySize, cSize := w*h, cw*ch
	if len(buf) < ySize+2*cSize {
		return &media.Frame{Kind: media.KindVideo, PTS: pts, Width: w, Height: h, Format: media.PixelFormatNone}
	}
	return &media.Frame{
		Kind:        media.KindVideo,
		PTS:         pts,
		Width:       w,
		Height:      h,
		CodedWidth:  w,
		CodedHeight: h,
		Format:      format,
		Planes:      [][]byte{buf[:ySize], buf[ySize : ySize+cSize], buf[ySize+cSize : ySize+2*cSize]},
		Strides:     []int{w, cw, cw},
		Keyframe:    d.frame.PictureType() == astiav.PictureTypeI,
	}
}

// audioFrame splits the copied buffer into one plane per channel. The AAC
// decoder produces planar float samples.
func (d *ffmpegDecoder) audioFrame(buf []byte, pts int64) *media.Frame {
	channels := d.frame.ChannelLayout().Channels()
	f := &media.Frame{
		Kind:       media.KindAudio,
		PTS:        pts,
		NbSamples:  d.frame.NbSamples(),
		SampleRate: d.frame.SampleRate(),
		Channels:   channels,
	}
	if channels > 0 && len(buf)%channels == 0 {
		n := len(buf) / channels
		for i := range channels {
			f.Planes = append(f.Planes, buf[i*n:(i+1)*n])
			f.Strides = append(f.Strides, n)
		}
	}
	return f
}

func (d *ffmpegDecoder) FrameRate() timebase.Rational {
	if fr := fromRational(d.ctx.Framerate()); fr.Valid() {
		return fr
	}
	return d.rate
}

func (d *ffmpegDecoder) Delay() int { return d.ctx.HasBFrames() }

func (d *ffmpegDecoder) Close() error {
	d.frame.Free()
	d.pkt.Free()
	d.ctx.Free()
	return nil
}

// ffmpegEncoder wraps libx264 or the native FFmpeg AAC encoder.
type ffmpegEncoder struct {
	log   *slog.Logger
	kind  media.Kind
	ctx   *astiav.CodecContext
	frame *astiav.Frame
	pkt   *astiav.Packet
	tb    timebase.Rational
}

func newFFmpegEncoder(p Params, log *slog.Logger) (Encoder, error) {
	id, err := codecID(p.Codec)
	if err != nil {
		return nil, err
	}
	c := astiav.FindEncoder(id)
	if c == nil {
		return nil, fmt.Errorf("no FFmpeg encoder for %s: %w", p.Codec, ErrUnsupported)
	}
	cc := astiav.AllocCodecContext(c)
	if cc == nil {
		return nil, errors.New("alloc codec context")
	}

	tb := p.TimeBase
	opts := astiav.NewDictionary()
	defer opts.Free()
	switch p.Kind {
	case media.KindVideo:
		if !tb.Valid() {
			tb = timebase.MPEGTS
		}
		cc.SetWidth(p.Width)
		cc.SetHeight(p.Height)
		cc.SetPixelFormat(astiav.PixelFormatYuv420P)
		if p.FrameRate.Valid() {
			cc.SetFramerate(toRational(p.FrameRate))
		}
		if p.GOPSize > 0 {
			cc.SetGopSize(p.GOPSize)
		}
		_ = opts.Set("preset", "veryfast", 0)
		_ = opts.Set("tune", "zerolatency", 0)
	case media.KindAudio:
		if p.SampleRate <= 0 {
			cc.Free()
			return nil, fmt.Errorf("audio encoder sample rate %d", p.SampleRate)
		}
		tb = timebase.New(1, int64(p.SampleRate))
		cc.SetSampleRate(p.SampleRate)
		cc.SetSampleFormat(astiav.SampleFormatFltp)
		if p.Channels == 1 {
			cc.SetChannelLayout(astiav.ChannelLayoutMono)
		} else {
			cc.SetChannelLayout(astiav.ChannelLayoutStereo)
		}
	default:
		cc.Free()
		return nil, ErrUnsupported
	}
	cc.SetTimeBase(toRational(tb))
	if p.Bitrate > 0 {
		cc.SetBitRate(p.Bitrate)
	}

	if err := cc.Open(c, opts); err != nil {
		cc.Free()
		return nil, fmt.Errorf("open FFmpeg encoder: %w", err)
	}
	return &ffmpegEncoder{
		log:   log,
		kind:  p.Kind,
		ctx:   cc,
		frame: astiav.AllocFrame(),
		pkt:   astiav.AllocPacket(),
		tb:    fromRational(cc.TimeBase()),
	}, nil
}

func (e *ffmpegEncoder) SendFrame(f *media.Frame) error {
	if f == nil {
		return mapErr(e.ctx.SendFrame(nil))
	}
	if !f.HasPicture() && e.kind == media.KindVideo {
		return errors.New("video frame has no picture data")
	}

	e.frame.Unref()
	if e.kind == media.KindVideo {
		e.frame.SetWidth(f.Width)
		e.frame.SetHeight(f.Height)
		e.frame.SetPixelFormat(astiav.PixelFormatYuv420P)
	} else {
		e.frame.SetNbSamples(f.NbSamples)
		e.frame.SetSampleRate(f.SampleRate)
		e.frame.SetSampleFormat(e.ctx.SampleFormat())
		e.frame.SetChannelLayout(e.ctx.ChannelLayout())
	}
	if err := e.frame.AllocBuffer(0); err != nil {
		return fmt.Errorf("alloc frame buffer: %w", err)
	}
	if err := e.frame.Data().SetBytes(packPlanes(f), 1); err != nil {
		return fmt.Errorf("fill frame: %w", err)
	}
	e.frame.SetPts(f.PTS)
	return mapErr(e.ctx.SendFrame(e.frame))
}

// packPlanes concatenates the visible region of each plane.
func packPlanes(f *media.Frame) []byte {
	if f.Kind == media.KindAudio {
		var out []byte
		for _, p := range f.Planes {
			out = append(out, p...)
		}
		return out
	}
	cw, ch := (f.Width+1)/2, (f.Height+1)/2
	dims := [3][2]int{{f.Width, f.Height}, {cw, ch}, {cw, ch}}
	out := make([]byte, 0, f.Width*f.Height+2*cw*ch)
	for i, d := range dims {
		for y := range d[1] {
			row := y * f.Strides[i]
			out = append(out, f.Planes[i][row:row+d[0]]...)
		}
	}
	return out
}

func (e *ffmpegEncoder) ReceivePacket() (*media.Packet, error) {
	e.pkt.Unref()
	if err := e.ctx.ReceivePacket(e.pkt); err != nil {
		return nil, mapErr(err)
	}
	out := media.NewPacket()
	out.Data = append([]byte(nil), e.pkt.Data()...)
	out.PTS = e.pkt.Pts()
	out.DTS = e.pkt.Dts()
	out.Duration = e.pkt.Duration()
	if e.pkt.Flags().Has(astiav.PacketFlagKey) {
		out.Flags |= media.FlagKeyframe
	}
	return out, nil
}

func (e *ffmpegEncoder) TimeBase() timebase.Rational { return e.tb }

func (e *ffmpegEncoder) Close() error {
	e.frame.Free()
	e.pkt.Free()
	e.ctx.Free()
	return nil
}
