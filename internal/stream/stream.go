package stream

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/zsiec/streampush/internal/codec"
	"github.com/zsiec/streampush/internal/media"
	"github.com/zsiec/streampush/internal/timebase"
	"github.com/zsiec/streampush/internal/timing"
)

// ErrMuxTimeBaseSet is returned when an output's mux timebase is set twice.
var ErrMuxTimeBaseSet = errors.New("mux timebase already set")

// InputStream describes one demuxed elementary stream and carries its
// timestamp state. Only the primary loop touches Timing and Decoder.
type InputStream struct {
	Index    int
	Kind     media.Kind
	Codec    media.Codec
	TimeBase timebase.Rational

	// AvgFrameRate is the container's frame-rate hint; ForcedFrameRate
	// snaps stream-copy predictions to a fixed grid when valid.
	AvgFrameRate    timebase.Rational
	ForcedFrameRate timebase.Rational
	Width           int
	Height          int

	SampleRate int
	Channels   int
	// FrameSize is the number of samples per audio frame.
	FrameSize int

	Decoder        codec.Decoder
	DecodingNeeded bool
	Timing         timing.State

	packets      atomic.Int64
	bytes        atomic.Int64
	frames       atomic.Int64
	decodeErrors atomic.Int64
	lastDTS      atomic.Int64
}

func (s *InputStream) reset() {
	s.Timing = timing.NewState()
	s.lastDTS.Store(timebase.NoPTS)
}

// TimingParams returns what the timestamp state machine needs to know
// about this stream.
func (s *InputStream) TimingParams() timing.Params {
	p := timing.Params{
		Kind:      s.Kind,
		TimeBase:  s.TimeBase,
		FrameRate: s.AvgFrameRate,
	}
	if s.Decoder != nil {
		p.Delay = s.Decoder.Delay()
	}
	return p
}

// CopyParams returns the stream-copy prediction inputs for pkt.
func (s *InputStream) CopyParams(pkt *media.Packet) timing.CopyParams {
	return timing.CopyParams{
		Kind:            s.Kind,
		TimeBase:        s.TimeBase,
		ForcedFrameRate: s.ForcedFrameRate,
		FrameRate:       s.AvgFrameRate,
		PacketDuration:  pkt.Duration,
		FrameSize:       s.FrameSize,
		SampleRate:      s.SampleRate,
	}
}

// RecordPacket counts one demuxed packet of n bytes and remembers the
// tracked DTS for diagnostics.
func (s *InputStream) RecordPacket(n int) {
	s.packets.Add(1)
	s.bytes.Add(int64(n))
	s.lastDTS.Store(s.Timing.DTS)
}

// RecordFrame counts one decoded frame.
func (s *InputStream) RecordFrame() { s.frames.Add(1) }

// RecordDecodeError counts one packet dropped by the decoder.
func (s *InputStream) RecordDecodeError() { s.decodeErrors.Add(1) }

// InputStats is a snapshot of an input stream's counters.
type InputStats struct {
	Index        int    `json:"index"`
	Kind         string `json:"kind"`
	Codec        string `json:"codec"`
	Packets      int64  `json:"packets"`
	Bytes        int64  `json:"bytes"`
	Frames       int64  `json:"frames"`
	DecodeErrors int64  `json:"decodeErrors"`
	LastDTS      int64  `json:"lastDts"`
}

// Stats returns a snapshot of the stream's counters.
func (s *InputStream) Stats() InputStats {
	return InputStats{
		Index:        s.Index,
		Kind:         s.Kind.String(),
		Codec:        string(s.Codec),
		Packets:      s.packets.Load(),
		Bytes:        s.bytes.Load(),
		Frames:       s.frames.Load(),
		DecodeErrors: s.decodeErrors.Load(),
		LastDTS:      s.lastDTS.Load(),
	}
}

// Mode selects how an output stream is produced from its source.
type Mode int

// Output modes.
const (
	ModeCopy Mode = iota
	ModeEncode
)

func (m Mode) String() string {
	if m == ModeEncode {
		return "encode"
	}
	return "copy"
}

// ParseMode parses "copy" or "encode".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "copy", "":
		return ModeCopy, nil
	case "encode":
		return ModeEncode, nil
	default:
		return ModeCopy, fmt.Errorf("unknown output mode %q", s)
	}
}

// OutputStream describes one muxed stream. MuxIndex is the muxer's stream
// index; StreamTimeBase is the timebase the muxer writes in.
type OutputStream struct {
	Index          int
	Kind           media.Kind
	SourceIndex    int
	Mode           Mode
	Encoder        codec.Encoder
	MuxIndex       int
	StreamTimeBase timebase.Rational

	LastMuxDTS  int64
	FrameNumber int64

	muxTB    timebase.Rational
	muxTBSet bool

	packets atomic.Int64
	bytes   atomic.Int64
	nonMono atomic.Int64
}

func (o *OutputStream) reset() {
	o.LastMuxDTS = timebase.NoPTS
}

// SetMuxTimeBase fixes the timebase packets are expressed in before the
// final rescale to StreamTimeBase. It can only be set once.
func (o *OutputStream) SetMuxTimeBase(tb timebase.Rational) error {
	if o.muxTBSet {
		return fmt.Errorf("output %d: %w", o.Index, ErrMuxTimeBaseSet)
	}
	if !tb.Valid() {
		return fmt.Errorf("output %d: invalid mux timebase %s", o.Index, tb)
	}
	o.muxTB, o.muxTBSet = tb, true
	return nil
}

// MuxTimeBase returns the timebase set by SetMuxTimeBase.
func (o *OutputStream) MuxTimeBase() timebase.Rational { return o.muxTB }

// RecordWrite counts one packet of n bytes handed to the muxer.
func (o *OutputStream) RecordWrite(n int) {
	o.packets.Add(1)
	o.bytes.Add(int64(n))
}

// RecordNonMonotonic counts a packet whose DTS went backwards.
func (o *OutputStream) RecordNonMonotonic() { o.nonMono.Add(1) }

// OutputStats is a snapshot of an output stream's counters.
type OutputStats struct {
	Index        int    `json:"index"`
	Source       int    `json:"source"`
	Mode         string `json:"mode"`
	Packets      int64  `json:"packets"`
	Bytes        int64  `json:"bytes"`
	NonMonotonic int64  `json:"nonMonotonic"`
}

// Stats returns a snapshot of the stream's counters.
func (o *OutputStream) Stats() OutputStats {
	return OutputStats{
		Index:        o.Index,
		Source:       o.SourceIndex,
		Mode:         o.Mode.String(),
		Packets:      o.packets.Load(),
		Bytes:        o.bytes.Load(),
		NonMonotonic: o.nonMono.Load(),
	}
}
