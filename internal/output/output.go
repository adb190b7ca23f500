// Package output forwards packets to the muxer, either copied from the
// source or produced by an encoder, re-basing their timestamps on the way.
package output

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/zsiec/streampush/internal/codec"
	"github.com/zsiec/streampush/internal/fault"
	"github.com/zsiec/streampush/internal/media"
	"github.com/zsiec/streampush/internal/metrics"
	"github.com/zsiec/streampush/internal/stream"
	"github.com/zsiec/streampush/internal/timebase"
)

// PacketWriter is the muxer side of the output pump. Packets arrive with
// StreamIndex set to the muxer's stream index and timestamps in that
// stream's timebase.
type PacketWriter interface {
	WritePacket(pkt *media.Packet) error
}

// Config controls encoder timestamp handling.
type Config struct {
	// EncoderTimestamps keeps the PTS chosen by the encoder. When false,
	// every encoded packet takes the DTS of the source packet that
	// triggered the encode.
	EncoderTimestamps bool
}

// Pump writes output packets to a PacketWriter.
type Pump struct {
	log *slog.Logger
	mux PacketWriter
	cfg Config
}

// NewPump creates a Pump writing to mux. If log is nil, slog.Default() is
// used.
func NewPump(mux PacketWriter, cfg Config, log *slog.Logger) *Pump {
	if log == nil {
		log = slog.Default()
	}
	return &Pump{log: log.With("component", "output"), mux: mux, cfg: cfg}
}

// StreamCopy forwards pkt from ist to ost without decoding. A packet
// without a DTS takes the tracked DTS of the input stream.
func (p *Pump) StreamCopy(ist *stream.InputStream, ost *stream.OutputStream, pkt *media.Packet) error {
	muxTB := ost.MuxTimeBase()
	out := &media.Packet{
		Data:     pkt.Data,
		PTS:      timebase.Rescale(pkt.PTS, ist.TimeBase, muxTB),
		Duration: timebase.Rescale(pkt.Duration, ist.TimeBase, muxTB),
		Flags:    pkt.Flags,
		SideData: pkt.SideData,
	}
	if pkt.DTS == timebase.NoPTS {
		out.DTS = timebase.Rescale(ist.Timing.DTS, timebase.Global, muxTB)
	} else {
		out.DTS = timebase.Rescale(pkt.DTS, ist.TimeBase, muxTB)
	}
	return p.write(ost, out)
}

// Encode sends f to the output's encoder and writes every packet it
// releases. trigger is the source packet whose decode produced f; it is
// nil while flushing.
func (p *Pump) Encode(ist *stream.InputStream, ost *stream.OutputStream, f *media.Frame, trigger *media.Packet) error {
	if ost.Encoder == nil {
		return fault.Fatal("encode", fmt.Errorf("output %d has no encoder", ost.Index))
	}
	in := *f
	in.PTS = timebase.Rescale(f.PTS, timebase.Global, ost.Encoder.TimeBase())
	if err := ost.Encoder.SendFrame(&in); err != nil && !errors.Is(err, codec.ErrAgain) {
		return fault.Recoverable(fmt.Sprintf("encode output %d", ost.Index), err)
	}
	ost.FrameNumber++
	return p.drain(ist, ost, trigger)
}

// FlushEncoder drains the output's encoder at end of stream.
func (p *Pump) FlushEncoder(ist *stream.InputStream, ost *stream.OutputStream) error {
	if ost.Encoder == nil {
		return nil
	}
	if err := ost.Encoder.SendFrame(nil); err != nil && !errors.Is(err, codec.ErrEOF) {
		return fault.Recoverable(fmt.Sprintf("flush output %d", ost.Index), err)
	}
	return p.drain(ist, ost, nil)
}

func (p *Pump) drain(ist *stream.InputStream, ost *stream.OutputStream, trigger *media.Packet) error {
	encTB := ost.Encoder.TimeBase()
	for {
		pkt, err := ost.Encoder.ReceivePacket()
		if errors.Is(err, codec.ErrAgain) || errors.Is(err, codec.ErrEOF) {
			return nil
		}
		if err != nil {
			return fault.Recoverable(fmt.Sprintf("encode output %d", ost.Index), err)
		}
		if !p.cfg.EncoderTimestamps && trigger != nil {
			pkt.PTS = trigger.DTS
		}
		muxTB := ost.MuxTimeBase()
		pkt.PTS = timebase.Rescale(pkt.PTS, encTB, muxTB)
		pkt.DTS = timebase.Rescale(pkt.DTS, encTB, muxTB)
		pkt.Duration = timebase.Rescale(pkt.Duration, encTB, muxTB)
		if err := p.write(ost, pkt); err != nil {
			return err
		}
	}
}

// write moves pkt from the mux timebase into the muxer stream's timebase
// and hands it to the muxer.
func (p *Pump) write(ost *stream.OutputStream, pkt *media.Packet) error {
	muxTB := ost.MuxTimeBase()
	pkt.PTS = timebase.Rescale(pkt.PTS, muxTB, ost.StreamTimeBase)
	pkt.DTS = timebase.Rescale(pkt.DTS, muxTB, ost.StreamTimeBase)
	pkt.Duration = timebase.Rescale(pkt.Duration, muxTB, ost.StreamTimeBase)
	pkt.StreamIndex = ost.MuxIndex

	if pkt.DTS != timebase.NoPTS && ost.LastMuxDTS != timebase.NoPTS && pkt.DTS < ost.LastMuxDTS {
		ost.RecordNonMonotonic()
		p.log.Debug("non-monotonic DTS", "output", ost.Index, "dts", pkt.DTS, "last", ost.LastMuxDTS)
	}
	ost.LastMuxDTS = pkt.DTS

	if err := p.mux.WritePacket(pkt); err != nil {
		return fault.Fatal(fmt.Sprintf("write output %d", ost.Index), err)
	}
	ost.RecordWrite(len(pkt.Data))
	metrics.PacketWritten(ost.Kind.String(), ost.Mode.String(), len(pkt.Data))
	return nil
}
