package decode

import (
	"errors"
	"testing"

	"github.com/zsiec/streampush/internal/codec"
	"github.com/zsiec/streampush/internal/fault"
	"github.com/zsiec/streampush/internal/media"
	"github.com/zsiec/streampush/internal/stream"
	"github.com/zsiec/streampush/internal/timebase"
)

// scriptDecoder releases perPacket frames for every packet and holds
// hold frames back until it is flushed.
type scriptDecoder struct {
	perPacket  int
	hold       int
	sampleRate int
	sendErr    error
	rate       timebase.Rational

	sent    []*media.Packet
	ready   []*media.Frame
	held    []*media.Frame
	flushed bool
}

func (d *scriptDecoder) frame(kind media.Kind, pts int64) *media.Frame {
	if kind == media.KindAudio {
		return &media.Frame{Kind: kind, PTS: pts, NbSamples: 1024, SampleRate: d.sampleRate, Channels: 2}
	}
	return &media.Frame{Kind: kind, PTS: pts, Duration: 3000, Width: 16, Height: 16}
}

func (d *scriptDecoder) SendPacket(pkt *media.Packet) error {
	if pkt == nil {
		d.flushed = true
		d.ready = append(d.ready, d.held...)
		d.held = nil
		return nil
	}
	if d.sendErr != nil {
		return d.sendErr
	}
	d.sent = append(d.sent, pkt)
	kind := media.KindVideo
	if d.sampleRate != 0 || pkt.StreamIndex == 1 {
		kind = media.KindAudio
	}
	for i := 0; i < d.perPacket+d.hold; i++ {
		f := d.frame(kind, pkt.PTS+int64(i)*3000)
		if i < d.perPacket {
			d.ready = append(d.ready, f)
		} else {
			d.held = append(d.held, f)
		}
	}
	return nil
}

func (d *scriptDecoder) ReceiveFrame() (*media.Frame, error) {
	if len(d.ready) == 0 {
		if d.flushed {
			return nil, codec.ErrEOF
		}
		return nil, codec.ErrAgain
	}
	f := d.ready[0]
	d.ready = d.ready[1:]
	return f, nil
}

func (d *scriptDecoder) FrameRate() timebase.Rational { return d.rate }
func (d *scriptDecoder) Delay() int                   { return 0 }
func (d *scriptDecoder) Close() error                 { return nil }

func newInput(t *testing.T, kind media.Kind, dec codec.Decoder) *stream.InputStream {
	t.Helper()
	r := stream.NewRegistry(nil)
	ist := r.AddInput(&stream.InputStream{
		Kind:           kind,
		TimeBase:       timebase.MPEGTS,
		AvgFrameRate:   timebase.New(30, 1),
		Decoder:        dec,
		DecodingNeeded: true,
	})
	return ist
}

func tsPacket(pts, dts, dur int64) *media.Packet {
	p := media.NewPacket()
	p.Data = []byte{0, 0, 0, 1, 0x65}
	p.PTS, p.DTS, p.Duration = pts, dts, dur
	return p
}

type collector struct {
	frames   []*media.Frame
	triggers []*media.Packet
}

func (c *collector) emit(_ *stream.InputStream, f *media.Frame, trigger *media.Packet) {
	c.frames = append(c.frames, f)
	c.triggers = append(c.triggers, trigger)
}

func TestProcessVideoFrameCounts(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		perPacket   int
		wantNextDTS int64
		wantNextPTS int64
	}{
		{"no output", 0, 1_033_333, 1_000_000},
		{"one frame", 1, 1_033_333, 1_033_333},
		{"three frames", 3, 1_099_999, 1_100_000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dec := &scriptDecoder{perPacket: tt.perPacket}
			ist := newInput(t, media.KindVideo, dec)
			pkt := tsPacket(90000, 90000, 3000)
			ist.Timing.OnPacket(pkt, ist.TimingParams())

			var c collector
			n, err := NewPump(nil).Process(ist, pkt, c.emit)
			if err != nil {
				t.Fatalf("Process: %v", err)
			}
			if n != tt.perPacket || len(c.frames) != tt.perPacket {
				t.Fatalf("frames: got %d (emitted %d), want %d", n, len(c.frames), tt.perPacket)
			}
			if len(dec.sent) != 1 {
				t.Fatalf("packets sent: got %d, want 1", len(dec.sent))
			}
			if ist.Timing.NextDTS != tt.wantNextDTS {
				t.Errorf("next dts: got %d, want %d", ist.Timing.NextDTS, tt.wantNextDTS)
			}
			if ist.Timing.NextPTS != tt.wantNextPTS {
				t.Errorf("next pts: got %d, want %d", ist.Timing.NextPTS, tt.wantNextPTS)
			}
			for i, f := range c.frames {
				want := timebase.Rescale(90000+int64(i)*3000, timebase.MPEGTS, timebase.Global)
				if f.PTS != want {
					t.Errorf("frame %d pts: got %d, want %d", i, f.PTS, want)
				}
				if c.triggers[i] != pkt {
					t.Errorf("frame %d: trigger is not the source packet", i)
				}
			}
			if got := ist.Stats().Frames; got != int64(tt.perPacket) {
				t.Errorf("frame counter: got %d, want %d", got, tt.perPacket)
			}
		})
	}
}

func TestProcessReplacesPacketDTS(t *testing.T) {
	t.Parallel()
	dec := &scriptDecoder{perPacket: 1}
	ist := newInput(t, media.KindVideo, dec)
	pkt := tsPacket(9000, timebase.NoPTS, 3000)
	ist.Timing.OnPacket(pkt, ist.TimingParams())

	if _, err := NewPump(nil).Process(ist, pkt, nil); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got := dec.sent[0].DTS; got != 9000 {
		t.Errorf("decoder dts: got %d, want 9000", got)
	}
	if pkt.DTS != timebase.NoPTS {
		t.Error("source packet must not be modified")
	}
}

func TestProcessSkipsEmptyPacket(t *testing.T) {
	t.Parallel()
	dec := &scriptDecoder{perPacket: 1}
	ist := newInput(t, media.KindVideo, dec)
	pkt := media.NewPacket()

	n, err := NewPump(nil).Process(ist, pkt, nil)
	if n != 0 || err != nil {
		t.Errorf("Process: got %d, %v, want 0, nil", n, err)
	}
	if len(dec.sent) != 0 {
		t.Error("empty packet must not reach the decoder")
	}
}

func TestProcessNotDecoding(t *testing.T) {
	t.Parallel()
	dec := &scriptDecoder{perPacket: 1}
	ist := newInput(t, media.KindVideo, dec)
	ist.DecodingNeeded = false
	if n, _ := NewPump(nil).Process(ist, tsPacket(0, 0, 3000), nil); n != 0 || len(dec.sent) != 0 {
		t.Errorf("stream without decoding produced %d frames", n)
	}
}

func TestFlushDrainsHeldFrames(t *testing.T) {
	t.Parallel()
	dec := &scriptDecoder{hold: 2}
	ist := newInput(t, media.KindVideo, dec)
	pkt := tsPacket(0, 0, 3000)
	ist.Timing.OnPacket(pkt, ist.TimingParams())
	pump := NewPump(nil)

	if n, err := pump.Process(ist, pkt, nil); n != 0 || err != nil {
		t.Fatalf("Process: got %d, %v", n, err)
	}
	var c collector
	n, err := pump.Flush(ist, c.emit)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if n != 2 {
		t.Fatalf("flushed frames: got %d, want 2", n)
	}
	for _, trig := range c.triggers {
		if trig != nil {
			t.Error("flushed frames have no trigger packet")
		}
	}
	// One step for the packet, then one per flush iteration (two frames
	// and the final empty receive).
	if want := int64(4 * 33_333); ist.Timing.NextDTS != want {
		t.Errorf("next dts: got %d, want %d", ist.Timing.NextDTS, want)
	}
}

func TestProcessDecoderError(t *testing.T) {
	t.Parallel()
	dec := &scriptDecoder{sendErr: errors.New("corrupt slice")}
	ist := newInput(t, media.KindVideo, dec)
	pkt := tsPacket(0, 0, 3000)
	ist.Timing.OnPacket(pkt, ist.TimingParams())

	_, err := NewPump(nil).Process(ist, pkt, nil)
	if fault.KindOf(err) != fault.KindRecoverable {
		t.Errorf("kind: got %v, want recoverable (%v)", fault.KindOf(err), err)
	}
	if ist.Stats().DecodeErrors != 1 {
		t.Errorf("decode errors: got %d, want 1", ist.Stats().DecodeErrors)
	}
}

func TestProcessAudio(t *testing.T) {
	t.Parallel()
	dec := &scriptDecoder{perPacket: 2, sampleRate: 48000}
	ist := newInput(t, media.KindAudio, dec)
	pkt := tsPacket(90000, 90000, 3840)
	pkt.StreamIndex = 1
	ist.Timing.OnPacket(pkt, ist.TimingParams())

	var c collector
	n, err := NewPump(nil).Process(ist, pkt, c.emit)
	if err != nil || n != 2 {
		t.Fatalf("Process: got %d, %v", n, err)
	}
	if want := int64(1_000_000 + 2*21_333); ist.Timing.NextDTS != want || ist.Timing.NextPTS != want {
		t.Errorf("next: dts=%d pts=%d, want %d", ist.Timing.NextDTS, ist.Timing.NextPTS, want)
	}
	if c.frames[0].PTS != 1_000_000 || c.frames[1].PTS != 1_033_333 {
		t.Errorf("frame pts: got %d, %d", c.frames[0].PTS, c.frames[1].PTS)
	}
	if ist.Timing.NbSamples != 1024 {
		t.Errorf("nb samples: got %d, want 1024", ist.Timing.NbSamples)
	}
}

func TestProcessAudioInvalidSampleRate(t *testing.T) {
	t.Parallel()
	dec := &scriptDecoder{perPacket: 1}
	ist := newInput(t, media.KindAudio, dec)
	pkt := tsPacket(0, 0, 0)
	pkt.StreamIndex = 1
	ist.Timing.OnPacket(pkt, ist.TimingParams())

	_, err := NewPump(nil).Process(ist, pkt, nil)
	if !errors.Is(err, fault.ErrInvalidStreamParameters) {
		t.Fatalf("error: got %v, want ErrInvalidStreamParameters", err)
	}
	if fault.KindOf(err) != fault.KindInvalidParams {
		t.Errorf("kind: got %v, want invalid-params", fault.KindOf(err))
	}
}

func TestFrameDurationFallsBackToDecoderRate(t *testing.T) {
	t.Parallel()
	dec := &scriptDecoder{perPacket: 1, rate: timebase.New(25, 1)}
	ist := newInput(t, media.KindVideo, dec)
	ist.AvgFrameRate = timebase.Rational{}
	pkt := tsPacket(0, 0, 0)
	ist.Timing.OnPacket(pkt, ist.TimingParams())

	if _, err := NewPump(nil).Process(ist, pkt, nil); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if ist.Timing.NextDTS != 40_000 {
		t.Errorf("next dts: got %d, want 40000", ist.Timing.NextDTS)
	}
}
