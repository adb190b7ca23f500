package demux

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/zsiec/streampush/internal/fault"
	"github.com/zsiec/streampush/internal/media"
	"github.com/zsiec/streampush/internal/timebase"
	"github.com/zsiec/streampush/internal/tstest"
)

var (
	testPPS   = tstest.PPS
	testIDR   = tstest.IDR
	testSlice = tstest.Slice
)

func readAll(t *testing.T, d *Demuxer) map[int][]*media.Packet {
	t.Helper()
	out := make(map[int][]*media.Packet)
	for {
		pkt, err := d.ReadPacket(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("ReadPacket: %v", err)
		}
		out[pkt.StreamIndex] = append(out[pkt.StreamIndex], pkt)
	}
}

func TestDemuxerProbeAndRead(t *testing.T) {
	t.Parallel()
	b := tstest.NewBuilder()
	b.Program(map[uint16]byte{0x100: streamTypeH264, 0x101: streamTypeAAC, 0x102: streamTypeH265},
		[]uint16{0x101, 0x102, 0x100})

	sps := tstest.SPS(77, false, 0)
	twoFrames := append(tstest.ADTS(1, 3, 2, []byte{1, 2, 3}), tstest.ADTS(1, 3, 2, []byte{4, 5})...)
	b.PES(0x100, 0xE0, 93003, 90000, tstest.AnnexB(sps, testPPS, testIDR), true)
	b.PES(0x101, 0xC0, 90000, -1, twoFrames, false)
	b.PES(0x100, 0xE0, 96006, -1, tstest.AnnexB(testSlice), false)
	b.PES(0x101, 0xC0, 93840, -1, tstest.ADTS(1, 3, 2, []byte{6}), false)

	d := NewDemuxer(b.Reader(), nil)
	streams, err := d.Probe(context.Background(), 0)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if len(streams) != 2 {
		t.Fatalf("streams: got %d, want 2", len(streams))
	}

	v, a := streams[0], streams[1]
	if v.Kind != media.KindVideo || v.PID != 0x100 || v.Index != 0 {
		t.Errorf("video stream: got kind=%v pid=0x%X index=%d", v.Kind, v.PID, v.Index)
	}
	if v.Width != 1920 || v.Height != 1080 {
		t.Errorf("video size: got %dx%d, want 1920x1080", v.Width, v.Height)
	}
	if v.FrameRate != timebase.New(30000, 1001) {
		t.Errorf("frame rate: got %v, want 30000/1001", v.FrameRate)
	}
	if !bytes.Equal(v.SPS, sps) || !bytes.Equal(v.PPS, testPPS) {
		t.Error("parameter sets not captured")
	}
	if v.TimeBase != timebase.MPEGTS {
		t.Errorf("time base: got %v, want 1/90000", v.TimeBase)
	}
	if a.Kind != media.KindAudio || a.Index != 1 || a.SampleRate != 48000 || a.Channels != 2 || a.ObjectType != 2 {
		t.Errorf("audio stream: got %+v", a)
	}

	pkts := readAll(t, d)
	video, audio := pkts[0], pkts[1]
	if len(video) != 2 || len(audio) != 2 {
		t.Fatalf("packets: got %d video %d audio, want 2 and 2", len(video), len(audio))
	}
	if !video[0].IsKeyframe() || video[1].IsKeyframe() {
		t.Errorf("keyframe flags: got %v %v, want true false", video[0].IsKeyframe(), video[1].IsKeyframe())
	}
	if video[0].PTS != 93003 || video[0].DTS != 90000 {
		t.Errorf("first video ts: got pts=%d dts=%d, want 93003/90000", video[0].PTS, video[0].DTS)
	}
	if video[1].DTS != video[1].PTS {
		t.Errorf("missing dts should equal pts: got %d/%d", video[1].PTS, video[1].DTS)
	}
	if audio[0].Duration != 3840 {
		t.Errorf("two-frame audio duration: got %d, want 3840", audio[0].Duration)
	}
	if audio[1].Duration != 1920 {
		t.Errorf("one-frame audio duration: got %d, want 1920", audio[1].Duration)
	}
	if got := d.Stats(); got.VideoPackets != 2 || got.AudioPackets != 2 {
		t.Errorf("stats: got %+v", got)
	}
}

func TestDemuxerTimestampWrap(t *testing.T) {
	t.Parallel()
	b := tstest.NewBuilder()
	b.Program(map[uint16]byte{0x100: streamTypeH264}, []uint16{0x100})
	b.PES(0x100, 0xE0, tsWrap-3003, -1, tstest.AnnexB(tstest.SPS(77, false, 0), testPPS, testIDR), true)
	b.PES(0x100, 0xE0, 0, -1, tstest.AnnexB(testSlice), false)
	b.PES(0x100, 0xE0, 3003, -1, tstest.AnnexB(testSlice), false)

	d := NewDemuxer(b.Reader(), nil)
	if _, err := d.Probe(context.Background(), 0); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	video := readAll(t, d)[0]
	want := []int64{tsWrap - 3003, tsWrap, tsWrap + 3003}
	if len(video) != len(want) {
		t.Fatalf("packets: got %d, want %d", len(video), len(want))
	}
	for i, p := range video {
		if p.PTS != want[i] {
			t.Errorf("packet %d pts: got %d, want %d", i, p.PTS, want[i])
		}
	}
}

func TestDemuxerNoStreams(t *testing.T) {
	t.Parallel()
	b := tstest.NewBuilder()
	b.Program(map[uint16]byte{0x100: 0x06}, []uint16{0x100})

	_, err := NewDemuxer(b.Reader(), nil).Probe(context.Background(), 0)
	if !errors.Is(err, fault.ErrNoStreams) {
		t.Fatalf("Probe error: got %v, want ErrNoStreams", err)
	}
	if !fault.IsFatal(err) {
		t.Error("missing streams should be fatal")
	}
}

// captionSEI builds an SEI NAL carrying one A/53 cc_data triplet for CC1.
func captionSEI(c1, c2 byte) []byte {
	payload := []byte{0xB5, 0x00, 0x31, 'G', 'A', '9', '4', 0x03, 0x41, 0xFF, 0xFC, c1, c2, 0xFF}
	sei := []byte{0x06, 0x04, byte(len(payload))}
	sei = append(sei, payload...)
	return append(sei, 0x80)
}

func TestDemuxerCaptionSideData(t *testing.T) {
	t.Parallel()
	b := tstest.NewBuilder()
	b.Program(map[uint16]byte{0x100: streamTypeH264}, []uint16{0x100})
	b.PES(0x100, 0xE0, 90000, -1, tstest.AnnexB(tstest.SPS(77, false, 0), testPPS, captionSEI(0xC8, 0x49), testIDR), true)
	b.PES(0x100, 0xE0, 93003, -1, tstest.AnnexB(testSlice), false)

	d := NewDemuxer(b.Reader(), nil)
	video := readAll(t, d)[0]
	if len(video) != 2 {
		t.Fatalf("packets: got %d, want 2", len(video))
	}

	cc, ok := video[0].GetSideData(media.SideDataA53CC)
	if !ok {
		t.Fatal("caption side data missing")
	}
	if len(cc) == 0 || len(cc)%3 != 0 || cc[0] != ccMarkerField1 {
		t.Errorf("cc_data: got % X, want whole triplets starting with 0xFC", cc)
	}
	if _, ok := video[1].GetSideData(media.SideDataA53CC); ok {
		t.Error("unexpected side data on packet without SEI")
	}
	if got := d.Stats().Captions; got != 1 {
		t.Errorf("caption packets: got %d, want 1", got)
	}
}

func TestDemuxerReadWithoutProbe(t *testing.T) {
	t.Parallel()
	b := tstest.NewBuilder()
	b.Program(map[uint16]byte{0x101: streamTypeAAC}, []uint16{0x101})
	b.PES(0x101, 0xC0, 1000, -1, tstest.ADTS(1, 4, 1, []byte{9}), false)
	b.PES(0x101, 0xC0, 3090, -1, []byte{0x00, 0x01, 0x02}, false)

	d := NewDemuxer(b.Reader(), nil)
	audio := readAll(t, d)[0]
	if len(audio) != 1 {
		t.Fatalf("packets: got %d, want 1 (garbage PES dropped)", len(audio))
	}
	if audio[0].PTS != 1000 || audio[0].DTS != 1000 {
		t.Errorf("audio ts: got pts=%d dts=%d, want 1000/1000", audio[0].PTS, audio[0].DTS)
	}
	if got := d.Stats().BadAudio; got != 1 {
		t.Errorf("bad audio: got %d, want 1", got)
	}
	if s := d.Streams(); len(s) != 1 || !s[0].Configured() || s[0].SampleRate != 44100 {
		t.Errorf("streams: got %+v", s)
	}
}
