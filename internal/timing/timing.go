// Package timing tracks the decode and presentation clock of one input
// stream in the global microsecond timebase.
//
// A State starts uninitialized and becomes steady on the first packet
// carrying a presentation timestamp. From then on DTS and PTS hold the
// time of the unit being processed and NextDTS and NextPTS predict the
// next one. timebase.NoPTS marks an unknown prediction; it is never
// combined arithmetically with a real value.
package timing

import (
	"fmt"
	"math"

	"github.com/zsiec/streampush/internal/media"
	"github.com/zsiec/streampush/internal/timebase"
)

// Params describes the stream a packet belongs to.
type Params struct {
	Kind     media.Kind
	TimeBase timebase.Rational
	// FrameRate is the container's average frame rate hint. It may be
	// invalid when unknown.
	FrameRate timebase.Rational
	// Delay is the number of frames the decoder holds back for
	// reordering.
	Delay int
}

// CopyParams carries what the stream-copy predictor needs about the
// current packet and its stream.
type CopyParams struct {
	Kind            media.Kind
	TimeBase        timebase.Rational
	ForcedFrameRate timebase.Rational
	FrameRate       timebase.Rational
	// PacketDuration is in TimeBase units; 0 when unknown.
	PacketDuration int64
	// FrameSize is the number of audio samples per packet.
	FrameSize  int
	SampleRate int
}

// State is the timestamp state of one input stream. The zero value is not
// ready for use; call NewState.
type State struct {
	DTS     int64
	PTS     int64
	NextDTS int64
	NextPTS int64

	SawFirstTimestamp bool

	// MinPTS and MaxPTS bound every packet PTS seen, in the stream
	// timebase.
	MinPTS int64
	MaxPTS int64

	// NbSamples counts decoded audio samples.
	NbSamples int64
}

// NewState returns an uninitialized State.
func NewState() State {
	return State{
		DTS:     timebase.NoPTS,
		PTS:     timebase.NoPTS,
		NextDTS: timebase.NoPTS,
		NextPTS: timebase.NoPTS,
		MinPTS:  math.MaxInt64,
		MaxPTS:  math.MinInt64,
	}
}

// Steady reports whether a timestamped packet has been seen.
func (s *State) Steady() bool {
	return s.SawFirstTimestamp
}

// OnPacket updates the state for a packet read from the source, before it
// is decoded or copied. Packet timestamps are in p.TimeBase.
func (s *State) OnPacket(pkt *media.Packet, p Params) {
	if pkt.PTS != timebase.NoPTS {
		s.MaxPTS = max(s.MaxPTS, pkt.PTS)
		s.MinPTS = min(s.MinPTS, pkt.PTS)
	}

	if !s.SawFirstTimestamp {
		s.DTS = initialDTS(p)
		s.PTS = 0
		if pkt.PTS != timebase.NoPTS {
			s.DTS += timebase.Rescale(pkt.PTS, p.TimeBase, timebase.Global)
			s.PTS = s.DTS
			s.SawFirstTimestamp = true
		}
	}

	if s.NextDTS == timebase.NoPTS {
		s.NextDTS = s.DTS
	}
	if s.NextPTS == timebase.NoPTS {
		s.NextPTS = s.PTS
	}

	if pkt.DTS != timebase.NoPTS {
		s.DTS = timebase.Rescale(pkt.DTS, p.TimeBase, timebase.Global)
		s.NextDTS = s.DTS
		if p.Kind != media.KindVideo {
			s.PTS = s.DTS
			s.NextPTS = s.DTS
		}
	}
}

// initialDTS starts the decode clock early by the decoder's reorder delay
// so the first presented frame lands on the first packet's PTS.
func initialDTS(p Params) int64 {
	if !p.FrameRate.Valid() || p.Delay <= 0 {
		return 0
	}
	return -int64(p.Delay) * timebase.Global.Den * p.FrameRate.Den / p.FrameRate.Num
}

// BeginDecode moves the predicted timestamps into the current ones before
// a decode call.
func (s *State) BeginDecode() {
	s.PTS = s.NextPTS
	s.DTS = s.NextDTS
}

// AdvanceDTS adds d to NextDTS. When the current DTS is unknown or d is 0
// the prediction becomes unknown instead.
func (s *State) AdvanceDTS(d int64) {
	if s.DTS != timebase.NoPTS && s.NextDTS != timebase.NoPTS && d != 0 {
		s.NextDTS += d
		return
	}
	s.NextDTS = timebase.NoPTS
}

// AdvancePTS adds d to NextPTS when it is known.
func (s *State) AdvancePTS(d int64) {
	if s.NextPTS != timebase.NoPTS {
		s.NextPTS += d
	}
}

// AdvanceBoth adds d to both predictions where they are known.
func (s *State) AdvanceBoth(d int64) {
	s.AdvancePTS(d)
	if s.NextDTS != timebase.NoPTS {
		s.NextDTS += d
	}
}

// SetPresentation sets PTS and NextPTS to ts when ts is known.
func (s *State) SetPresentation(ts int64) {
	if ts == timebase.NoPTS {
		return
	}
	s.PTS = ts
	s.NextPTS = ts
}

// PredictCopy advances the clock of a stream that is forwarded without
// decoding. The current DTS becomes the previous prediction and the next
// one is derived from the forced frame rate grid, the packet duration or
// the frame rate hint, in that order. Audio advances by one frame of
// samples.
func (s *State) PredictCopy(p CopyParams) {
	s.DTS = s.NextDTS
	if s.NextDTS != timebase.NoPTS {
		switch p.Kind {
		case media.KindAudio:
			if p.SampleRate > 0 {
				s.NextDTS += timebase.Global.Den * int64(p.FrameSize) / int64(p.SampleRate)
			}
		case media.KindVideo:
			switch {
			case p.ForcedFrameRate.Valid():
				grid := p.ForcedFrameRate.Invert()
				n := timebase.Rescale(s.NextDTS, timebase.Global, grid)
				s.NextDTS = timebase.Rescale(n+1, grid, timebase.Global)
			case p.PacketDuration != 0:
				s.NextDTS += timebase.Rescale(p.PacketDuration, p.TimeBase, timebase.Global)
			case p.FrameRate.Valid():
				s.NextDTS += FrameDuration(p.FrameRate)
			}
		}
	}
	s.PTS = s.DTS
	s.NextPTS = s.NextDTS
}

// FrameDuration returns one frame at rate in global timebase units,
// truncated. It returns 0 for an invalid rate.
func FrameDuration(rate timebase.Rational) int64 {
	if !rate.Valid() {
		return 0
	}
	return timebase.Global.Den * rate.Den / rate.Num
}

func (s *State) String() string {
	return fmt.Sprintf("dts=%s pts=%s next_dts=%s next_pts=%s", fmtTS(s.DTS), fmtTS(s.PTS), fmtTS(s.NextDTS), fmtTS(s.NextPTS))
}

func fmtTS(v int64) string {
	if v == timebase.NoPTS {
		return "unset"
	}
	return fmt.Sprintf("%d", v)
}
