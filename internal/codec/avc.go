package codec

import (
	"log/slog"

	"github.com/zsiec/streampush/internal/demux"
	"github.com/zsiec/streampush/internal/media"
	"github.com/zsiec/streampush/internal/timebase"
)

// maxReorderDepth is the H.264 DPB limit.
const maxReorderDepth = 16

// AVCDecoder is the native H.264 decoder. It does not reconstruct
// pictures: every access unit with a coded slice becomes a timing-only
// frame, released in presentation order through a reorder buffer that is
// sized from the SPS and grows when out-of-order output is detected.
type AVCDecoder struct {
	log *slog.Logger

	width     int
	height    int
	format    media.PixelFormat
	frameRate timebase.Rational
	sps       []byte

	depth    int
	pending  []*media.Frame
	ready    []*media.Frame
	lastOut  int64
	draining bool
}

// NewAVCDecoder creates a native H.264 decoder for the stream p.
func NewAVCDecoder(p Params, log *slog.Logger) *AVCDecoder {
	if log == nil {
		log = slog.Default()
	}
	d := &AVCDecoder{
		log:       log,
		width:     p.Width,
		height:    p.Height,
		format:    media.PixelFormatYUV420P,
		frameRate: p.FrameRate,
		depth:     min(max(p.ReorderDepth, 0), maxReorderDepth),
		lastOut:   timebase.NoPTS,
	}
	if p.FullRange {
		d.format = media.PixelFormatYUVJ420P
	}
	if len(p.SPS) > 0 {
		d.applySPS(p.SPS)
	}
	return d
}

func (d *AVCDecoder) applySPS(sps []byte) {
	if string(sps) == string(d.sps) {
		return
	}
	info, err := demux.ParseSPS(sps)
	if err != nil {
		d.log.Warn("ignoring unparseable SPS", "error", err)
		return
	}
	d.sps = append(d.sps[:0], sps...)
	d.width, d.height = info.Width, info.Height
	d.format = media.PixelFormatYUV420P
	if info.FullRange {
		d.format = media.PixelFormatYUVJ420P
	}
	if fr := info.FrameRate(); fr.Valid() {
		d.frameRate = fr
	}
	if depth := info.ReorderDepth(); depth > d.depth {
		d.depth = min(depth, maxReorderDepth)
	}
}

// SendPacket parses one Annex B access unit. Access units without a
// coded slice produce no frame.
func (d *AVCDecoder) SendPacket(pkt *media.Packet) error {
	if pkt == nil {
		d.draining = true
		for len(d.pending) > 0 {
			d.release()
		}
		return nil
	}
	if d.draining {
		return ErrEOF
	}

	picture, key := false, false
	for _, nalu := range demux.ParseAnnexB(pkt.Data) {
		switch {
		case demux.IsSPS(nalu.Type):
			d.applySPS(nalu.Data)
		case demux.IsVCL(nalu.Type):
			picture = true
			key = key || demux.IsKeyframe(nalu.Type)
		}
	}
	if !picture {
		return nil
	}

	pts := pkt.PTS
	if pts == timebase.NoPTS {
		pts = pkt.DTS
	}
	d.insert(&media.Frame{
		Kind:     media.KindVideo,
		PTS:      pts,
		Duration: pkt.Duration,
		Width:    d.width,
		Height:   d.height,
		Format:   d.format,
		Keyframe: key,
	})
	for len(d.pending) > d.depth {
		d.release()
	}
	return nil
}

// insert keeps pending sorted by PTS; frames without one go last.
func (d *AVCDecoder) insert(f *media.Frame) {
	i := len(d.pending)
	if f.PTS != timebase.NoPTS {
		for i > 0 && (d.pending[i-1].PTS == timebase.NoPTS || d.pending[i-1].PTS > f.PTS) {
			i--
		}
	}
	d.pending = append(d.pending, nil)
	copy(d.pending[i+1:], d.pending[i:])
	d.pending[i] = f
}

func (d *AVCDecoder) release() {
	f := d.pending[0]
	d.pending = d.pending[1:]
	if f.PTS != timebase.NoPTS && d.lastOut != timebase.NoPTS && f.PTS < d.lastOut && d.depth < maxReorderDepth {
		d.depth++
		d.log.Debug("frame released out of order, increasing reorder depth", "depth", d.depth)
	}
	if f.PTS != timebase.NoPTS {
		d.lastOut = f.PTS
	}
	d.ready = append(d.ready, f)
}

// ReceiveFrame returns the next frame in presentation order.
func (d *AVCDecoder) ReceiveFrame() (*media.Frame, error) {
	if len(d.ready) == 0 {
		if d.draining {
			return nil, ErrEOF
		}
		return nil, ErrAgain
	}
	f := d.ready[0]
	d.ready[0] = nil
	d.ready = d.ready[1:]
	return f, nil
}

// FrameRate returns the rate declared by the SPS VUI, or the rate the
// decoder was opened with.
func (d *AVCDecoder) FrameRate() timebase.Rational { return d.frameRate }

// Delay returns the current reorder depth.
func (d *AVCDecoder) Delay() int { return d.depth }

// Close releases buffered frames.
func (d *AVCDecoder) Close() error {
	d.pending, d.ready = nil, nil
	return nil
}
