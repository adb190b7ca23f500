package demux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/zsiec/streampush/internal/fault"
	"github.com/zsiec/streampush/internal/media"
	"github.com/zsiec/streampush/internal/mpegts"
	"github.com/zsiec/streampush/internal/timebase"
)

const (
	streamTypeH264 = 0x1B
	streamTypeH265 = 0x24
	streamTypeAAC  = 0x0F
)

// DefaultProbePackets bounds how many demuxed units Probe reads while
// waiting for codec configuration.
const DefaultProbePackets = 2048

// StreamInfo describes one elementary stream found in the PMT. Video
// streams always take index 0; audio tracks follow in PMT order.
type StreamInfo struct {
	Index    int
	PID      uint16
	Kind     media.Kind
	Codec    media.Codec
	TimeBase timebase.Rational

	// Video, filled from the first SPS.
	Width        int
	Height       int
	FrameRate    timebase.Rational
	ReorderDepth int
	FullRange    bool
	SPS          []byte
	PPS          []byte

	// Audio, filled from the first ADTS header.
	ObjectType int
	SampleRate int
	Channels   int

	configured bool
}

// Configured reports whether the codec configuration has been seen.
func (s *StreamInfo) Configured() bool {
	return s.configured
}

// Stats counts what the demuxer has produced.
type Stats struct {
	TS           mpegts.Stats
	VideoPackets int64
	AudioPackets int64
	Captions     int64
	BadAudio     int64
}

// Demuxer turns an MPEG-TS byte stream into media packets for the first
// H.264 video stream and every AAC audio stream of the first program.
// Timestamps are unwrapped onto a continuous 90 kHz timeline. It is not
// safe for concurrent use.
type Demuxer struct {
	log      *slog.Logger
	ts       *mpegts.Reader
	streams  []*StreamInfo
	byPID    map[uint16]*StreamInfo
	clocks   map[uint16]*unwrapper
	captions *captionExtractor
	pending  []*media.Packet
	pmtDone  bool
	stats    Stats
}

// NewDemuxer creates a Demuxer that reads MPEG-TS packets from r.
// If log is nil, slog.Default() is used.
func NewDemuxer(r io.Reader, log *slog.Logger, opts ...mpegts.Option) *Demuxer {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "demux")
	return &Demuxer{
		log:      log,
		ts:       mpegts.NewReader(r, opts...),
		byPID:    make(map[uint16]*StreamInfo),
		clocks:   make(map[uint16]*unwrapper),
		captions: newCaptionExtractor(log),
	}
}

// Streams returns the streams discovered so far, ordered by index.
func (d *Demuxer) Streams() []*StreamInfo {
	return d.streams
}

// Stats returns a copy of the demuxer counters.
func (d *Demuxer) Stats() Stats {
	s := d.stats
	s.TS = d.ts.Stats()
	return s
}

// Probe reads until the PMT has been parsed and every stream it lists has
// its codec configuration, or until maxPackets packets have been read.
// Packets read while probing are returned again by ReadPacket. Returns
// fault.ErrNoStreams when no supported stream was found.
func (d *Demuxer) Probe(ctx context.Context, maxPackets int) ([]*StreamInfo, error) {
	if maxPackets <= 0 {
		maxPackets = DefaultProbePackets
	}
	for n := 0; n < maxPackets && !d.probeComplete(); n++ {
		pkt, err := d.next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		d.pending = append(d.pending, pkt)
	}

	if len(d.streams) == 0 {
		return nil, fault.Fatal("probe", fault.ErrNoStreams)
	}
	for _, s := range d.streams {
		if !s.configured {
			d.log.Warn("stream configuration not found while probing", "index", s.Index, "pid", s.PID, "codec", s.Codec)
		}
	}
	return d.streams, nil
}

func (d *Demuxer) probeComplete() bool {
	if !d.pmtDone {
		return false
	}
	for _, s := range d.streams {
		if !s.configured {
			return false
		}
	}
	return true
}

// ReadPacket returns the next media packet. Timestamps are in
// timebase.MPEGTS units. Returns io.EOF at the end of the input.
func (d *Demuxer) ReadPacket(ctx context.Context) (*media.Packet, error) {
	if len(d.pending) > 0 {
		pkt := d.pending[0]
		d.pending[0] = nil
		d.pending = d.pending[1:]
		return pkt, nil
	}
	return d.next(ctx)
}

func (d *Demuxer) next(ctx context.Context) (*media.Packet, error) {
	for {
		unit, err := d.ts.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil, err
			}
			return nil, fmt.Errorf("read transport stream: %w", err)
		}

		if unit.PMT != nil {
			d.handlePMT(unit.PMT)
			continue
		}
		if unit.PES == nil || len(unit.PES.Data) == 0 {
			continue
		}

		info, ok := d.byPID[unit.PID]
		if !ok {
			continue
		}

		var pkt *media.Packet
		switch info.Kind {
		case media.KindVideo:
			pkt = d.videoPacket(info, unit)
		case media.KindAudio:
			pkt = d.audioPacket(info, unit)
		}
		if pkt != nil {
			return pkt, nil
		}
	}
}

func (d *Demuxer) handlePMT(pmt *mpegts.Program) {
	if d.pmtDone {
		return
	}
	d.pmtDone = true

	var video *StreamInfo
	var audio []*StreamInfo
	for _, es := range pmt.Streams {
		switch es.Type {
		case streamTypeH264:
			if video == nil {
				video = &StreamInfo{PID: es.PID, Kind: media.KindVideo, Codec: media.CodecH264}
				d.log.Info("found video PID", "pid", es.PID, "codec", "H.264")
			}
		case streamTypeH265:
			d.log.Warn("ignoring unsupported video stream", "pid", es.PID, "codec", "H.265")
		case streamTypeAAC:
			audio = append(audio, &StreamInfo{PID: es.PID, Kind: media.KindAudio, Codec: media.CodecAAC})
			d.log.Info("found audio PID", "pid", es.PID, "trackIndex", len(audio)-1)
		default:
			d.log.Debug("ignoring elementary stream", "pid", es.PID, "streamType", es.Type)
		}
	}

	if video != nil {
		d.addStream(video)
	}
	for _, a := range audio {
		d.addStream(a)
	}
}

func (d *Demuxer) addStream(s *StreamInfo) {
	s.Index = len(d.streams)
	s.TimeBase = timebase.MPEGTS
	d.streams = append(d.streams, s)
	d.byPID[s.PID] = s
	d.clocks[s.PID] = &unwrapper{}
}

// timestamps returns the unwrapped PTS and DTS of a PES. A missing DTS
// equals the PTS.
func (d *Demuxer) timestamps(pid uint16, pes *mpegts.PES) (pts, dts int64) {
	pts, dts = timebase.NoPTS, timebase.NoPTS
	clock := d.clocks[pid]
	if pes.DTS != mpegts.NoTimestamp {
		dts = clock.unwrap(pes.DTS)
	}
	if pes.PTS != mpegts.NoTimestamp {
		pts = clock.unwrap(pes.PTS)
		if pes.DTS == mpegts.NoTimestamp {
			dts = pts
		}
	}
	return pts, dts
}

func (d *Demuxer) videoPacket(info *StreamInfo, unit *mpegts.Unit) *media.Packet {
	pes := unit.PES
	pkt := media.NewPacket()
	pkt.StreamIndex = info.Index
	pkt.Data = pes.Data
	pkt.PTS, pkt.DTS = d.timestamps(info.PID, pes)
	if unit.RandomAccess {
		pkt.Flags |= media.FlagKeyframe
	}

	d.captions.nextFrame()
	var cc []byte
	for _, nalu := range ParseAnnexB(pes.Data) {
		switch {
		case IsSPS(nalu.Type):
			d.updateSPS(info, nalu.Data)
			pkt.Flags |= media.FlagKeyframe
		case IsPPS(nalu.Type):
			if string(info.PPS) != string(nalu.Data) {
				info.PPS = append([]byte(nil), nalu.Data...)
			}
		case IsKeyframe(nalu.Type):
			pkt.Flags |= media.FlagKeyframe
		case nalu.Type == NALTypeSEI:
			cc = append(cc, d.captions.extract(nalu.Data, pkt.PTS)...)
		}
	}
	if len(cc) > 0 {
		pkt.AddSideData(media.SideDataA53CC, cc)
		d.stats.Captions++
	}

	d.stats.VideoPackets++
	return pkt
}

func (d *Demuxer) updateSPS(info *StreamInfo, sps []byte) {
	if string(info.SPS) == string(sps) {
		return
	}
	parsed, err := ParseSPS(sps)
	if err != nil {
		d.log.Warn("failed to parse SPS", "pid", info.PID, "error", err)
		return
	}
	if info.configured && (parsed.Width != info.Width || parsed.Height != info.Height) {
		d.log.Info("video resolution changed", "from", fmt.Sprintf("%dx%d", info.Width, info.Height),
			"to", fmt.Sprintf("%dx%d", parsed.Width, parsed.Height))
	}
	info.SPS = append([]byte(nil), sps...)
	info.Width = parsed.Width
	info.Height = parsed.Height
	info.FrameRate = parsed.FrameRate()
	info.ReorderDepth = parsed.ReorderDepth()
	info.FullRange = parsed.FullRange
	if !info.configured {
		d.log.Info("video configuration", "codec", parsed.CodecString(), "width", info.Width, "height", info.Height,
			"frameRate", info.FrameRate, "reorderDepth", info.ReorderDepth)
	}
	info.configured = true
}

func (d *Demuxer) audioPacket(info *StreamInfo, unit *mpegts.Unit) *media.Packet {
	pes := unit.PES
	frames, err := ParseADTS(pes.Data)
	if err != nil || len(frames) == 0 {
		d.stats.BadAudio++
		d.log.Warn("failed to parse ADTS", "pid", info.PID, "error", err)
		return nil
	}

	first := frames[0]
	if !info.configured {
		info.ObjectType = first.ObjectType
		info.SampleRate = first.SampleRate
		info.Channels = first.Channels
		info.configured = true
		d.log.Info("audio configuration", "pid", info.PID, "objectType", info.ObjectType,
			"sampleRate", info.SampleRate, "channels", info.Channels)
	}

	pkt := media.NewPacket()
	pkt.StreamIndex = info.Index
	pkt.Data = pes.Data
	pkt.PTS, pkt.DTS = d.timestamps(info.PID, pes)
	pkt.Flags |= media.FlagKeyframe
	pkt.Duration = int64(len(frames)) * AACSamplesPerFrame * timebase.MPEGTS.Den / int64(first.SampleRate)

	d.stats.AudioPackets++
	return pkt
}
