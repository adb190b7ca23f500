// Package decode drives a stream's decoder for one demuxed packet at a
// time and keeps the stream's timestamp state in step with what the
// decoder produces.
package decode

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/zsiec/streampush/internal/codec"
	"github.com/zsiec/streampush/internal/fault"
	"github.com/zsiec/streampush/internal/media"
	"github.com/zsiec/streampush/internal/stream"
	"github.com/zsiec/streampush/internal/timebase"
	"github.com/zsiec/streampush/internal/timing"
)

// EmitFunc receives every decoded frame while it is still valid. trigger
// is the packet whose decode produced the frame, or nil while flushing.
// The frame's PTS is in the global timebase.
type EmitFunc func(ist *stream.InputStream, f *media.Frame, trigger *media.Packet)

// Pump runs the decode loop. It holds no per-stream state; everything
// lives on the InputStream.
type Pump struct {
	log *slog.Logger
}

// NewPump creates a Pump. If log is nil, slog.Default() is used.
func NewPump(log *slog.Logger) *Pump {
	if log == nil {
		log = slog.Default()
	}
	return &Pump{log: log.With("component", "decode")}
}

// Process decodes pkt and every frame it releases, calling emit for each.
// It returns the number of frames produced. Errors are classified with
// fault; the caller drops the packet and continues unless the error is
// fatal.
func (p *Pump) Process(ist *stream.InputStream, pkt *media.Packet, emit EmitFunc) (int, error) {
	if pkt == nil {
		return p.Flush(ist, emit)
	}
	if len(pkt.Data) == 0 {
		p.log.Debug("skipping empty packet", "stream", ist.Index)
		return 0, nil
	}
	return p.run(ist, pkt, emit)
}

// Flush drains the decoder at end of stream.
func (p *Pump) Flush(ist *stream.InputStream, emit EmitFunc) (int, error) {
	return p.run(ist, nil, emit)
}

func (p *Pump) run(ist *stream.InputStream, pkt *media.Packet, emit EmitFunc) (int, error) {
	if ist.Decoder == nil || !ist.DecodingNeeded {
		return 0, nil
	}

	frames := 0
	for repeating := false; ; repeating = true {
		ist.Timing.BeginDecode()

		var (
			f   *media.Frame
			err error
		)
		switch ist.Kind {
		case media.KindVideo:
			f, err = p.decodeVideo(ist, pkt, repeating)
		case media.KindAudio:
			f, err = p.decodeAudio(ist, pkt, repeating)
		default:
			return frames, nil
		}

		switch {
		case errors.Is(err, codec.ErrAgain), errors.Is(err, codec.ErrEOF):
			return frames, nil
		case err != nil:
			ist.RecordDecodeError()
			var fe *fault.Error
			if errors.As(err, &fe) {
				return frames, err
			}
			return frames, fault.Recoverable(fmt.Sprintf("decode stream %d", ist.Index), err)
		}

		frames++
		ist.RecordFrame()
		if emit != nil {
			emit(ist, f, pkt)
		}
	}
}

// decode sends the packet on the first iteration and then receives one
// frame. A nil packet on the first iteration starts draining.
func decode(dec codec.Decoder, pkt *media.Packet, repeating bool) (*media.Frame, error) {
	if !repeating {
		if err := dec.SendPacket(pkt); err != nil && !errors.Is(err, codec.ErrEOF) {
			return nil, err
		}
	}
	return dec.ReceiveFrame()
}

func (p *Pump) decodeVideo(ist *stream.InputStream, pkt *media.Packet, repeating bool) (*media.Frame, error) {
	var send *media.Packet
	if pkt != nil && !repeating {
		c := *pkt
		c.DTS = timebase.Rescale(ist.Timing.DTS, timebase.Global, ist.TimeBase)
		send = &c
	}

	f, err := decode(ist.Decoder, send, repeating)
	gotFrame := err == nil

	if !repeating || pkt == nil || gotFrame {
		ist.Timing.AdvanceDTS(p.frameDuration(ist, pkt))
	}
	if !gotFrame {
		return nil, err
	}

	if f.PTS != timebase.NoPTS {
		f.PTS = timebase.Rescale(f.PTS, ist.TimeBase, timebase.Global)
		ist.Timing.SetPresentation(f.PTS)
	} else {
		f.PTS = ist.Timing.PTS
	}
	if f.Duration > 0 {
		ist.Timing.AdvancePTS(timebase.Rescale(f.Duration, ist.TimeBase, timebase.Global))
	} else {
		ist.Timing.AdvancePTS(p.frameDuration(ist, pkt))
	}
	return f, nil
}

// frameDuration is the video DTS step in the global timebase: the packet
// duration, else the stream's frame rate hint, else the decoder's rate.
func (p *Pump) frameDuration(ist *stream.InputStream, pkt *media.Packet) int64 {
	if pkt != nil && pkt.Duration != 0 {
		return timebase.Rescale(pkt.Duration, ist.TimeBase, timebase.Global)
	}
	if ist.AvgFrameRate.Valid() {
		return timing.FrameDuration(ist.AvgFrameRate)
	}
	return timing.FrameDuration(ist.Decoder.FrameRate())
}

func (p *Pump) decodeAudio(ist *stream.InputStream, pkt *media.Packet, repeating bool) (*media.Frame, error) {
	var send *media.Packet
	if !repeating {
		send = pkt
	}
	f, err := decode(ist.Decoder, send, repeating)
	if err != nil {
		return nil, err
	}
	if f.SampleRate <= 0 {
		return nil, fault.New(fmt.Sprintf("decode stream %d", ist.Index), fault.KindInvalidParams,
			fmt.Errorf("sample rate %d: %w", f.SampleRate, fault.ErrInvalidStreamParameters))
	}

	step := timebase.Global.Den * int64(f.NbSamples) / int64(f.SampleRate)
	ist.Timing.AdvanceBoth(step)
	ist.Timing.NbSamples = int64(f.NbSamples)

	switch {
	case f.PTS != timebase.NoPTS:
		f.PTS = timebase.Rescale(f.PTS, ist.TimeBase, timebase.Global)
	case send != nil && send.PTS != timebase.NoPTS:
		f.PTS = timebase.Rescale(send.PTS, ist.TimeBase, timebase.Global)
	default:
		f.PTS = ist.Timing.DTS
	}
	return f, nil
}
