package codec

import (
	"fmt"
	"log/slog"

	"github.com/zsiec/streampush/internal/demux"
	"github.com/zsiec/streampush/internal/media"
	"github.com/zsiec/streampush/internal/timebase"
)

// AACDecoder is the native AAC decoder. It splits ADTS packets into one
// frame per raw data block carrying sample counts and timing but no PCM.
type AACDecoder struct {
	log      *slog.Logger
	tb       timebase.Rational
	ready    []*media.Frame
	draining bool
}

// NewAACDecoder creates a native AAC decoder for the stream p.
func NewAACDecoder(p Params, log *slog.Logger) *AACDecoder {
	if log == nil {
		log = slog.Default()
	}
	tb := p.TimeBase
	if !tb.Valid() {
		tb = timebase.MPEGTS
	}
	return &AACDecoder{log: log, tb: tb}
}

// SendPacket splits an ADTS packet into frames. The first frame takes the
// packet PTS; later ones are offset by the samples before them.
func (d *AACDecoder) SendPacket(pkt *media.Packet) error {
	if pkt == nil {
		d.draining = true
		return nil
	}
	if d.draining {
		return ErrEOF
	}

	frames, err := demux.ParseADTS(pkt.Data)
	if err != nil {
		return fmt.Errorf("parse ADTS: %w", err)
	}
	if len(frames) == 0 {
		return fmt.Errorf("no ADTS frame in %d byte packet", len(pkt.Data))
	}

	for i, aac := range frames {
		sampleTB := timebase.New(1, int64(aac.SampleRate))
		pts := pkt.PTS
		if pts != timebase.NoPTS {
			pts += timebase.Rescale(int64(i*demux.AACSamplesPerFrame), sampleTB, d.tb)
		}
		d.ready = append(d.ready, &media.Frame{
			Kind:       media.KindAudio,
			PTS:        pts,
			Duration:   timebase.Rescale(demux.AACSamplesPerFrame, sampleTB, d.tb),
			NbSamples:  demux.AACSamplesPerFrame,
			SampleRate: aac.SampleRate,
			Channels:   aac.Channels,
		})
	}
	return nil
}

// ReceiveFrame returns the next buffered frame.
func (d *AACDecoder) ReceiveFrame() (*media.Frame, error) {
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

// FrameRate is always unknown for audio.
func (d *AACDecoder) FrameRate() timebase.Rational { return timebase.Rational{} }

// Delay is always 0; AAC frames are not reordered.
func (d *AACDecoder) Delay() int { return 0 }

// Close drops buffered frames.
func (d *AACDecoder) Close() error {
	d.ready = nil
	return nil
}
