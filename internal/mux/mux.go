// Package mux writes the output streams as FLV, either to a file or
// published to an RTMP server. Packets arrive in the millisecond timebase
// FLV uses; H.264 access units are converted from Annex B to
// length-prefixed form and ADTS headers are stripped from AAC frames, with
// the matching sequence headers emitted ahead of the first media tag.
package mux

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	flvtag "github.com/yutopp/go-flv/tag"

	"github.com/zsiec/streampush/internal/demux"
	"github.com/zsiec/streampush/internal/media"
	"github.com/zsiec/streampush/internal/timebase"
)

var (
	// ErrHeaderWritten is returned by AddStream after WriteHeader.
	ErrHeaderWritten = errors.New("mux: header already written")
	// ErrNotStarted is returned by WritePacket before WriteHeader.
	ErrNotStarted = errors.New("mux: header not written")
	// ErrUnsupportedCodec is returned for codecs FLV cannot carry here.
	ErrUnsupportedCodec = errors.New("mux: codec not supported in FLV")
	// ErrDuplicateStream is returned when a second stream of a kind is added.
	ErrDuplicateStream = errors.New("mux: FLV carries one stream per kind")
	// ErrClosed is returned after WriteTrailer or Close.
	ErrClosed = errors.New("mux: closed")
)

// TimeBase is the timebase of every FLV stream.
var TimeBase = timebase.Millisecond

// StreamParams describes one output stream. SPS and PPS (without start
// codes) and the audio fields are optional; when absent the sequence
// header is built from the first packet that carries them.
type StreamParams struct {
	Kind  media.Kind
	Codec media.Codec

	SPS []byte
	PPS []byte

	ObjectType int
	SampleRate int
	Channels   int
}

// Stats reports what the muxer has written.
type Stats struct {
	Tags    uint64
	Bytes   uint64
	Dropped uint64
}

// tagWriter is the FLV sink: a file encoder or an RTMP stream.
type tagWriter interface {
	Begin(audio, video bool) error
	WriteTag(tag *flvtag.FlvTag) error
	Close() error
}

type outStream struct {
	params StreamParams

	sps, pps   []byte
	asc        []byte
	configSent bool
	dirty      bool
	sawKey     bool
	lastTS     uint32
}

// Muxer writes FLV tags for up to one video and one audio stream. It is
// driven from a single goroutine; Stats may be called concurrently.
type Muxer struct {
	log     *slog.Logger
	w       tagWriter
	streams []*outStream
	started bool
	closed  bool

	tags    atomic.Uint64
	bytes   atomic.Uint64
	dropped atomic.Uint64
}

// Open creates a muxer for dest: an rtmp:// URL is published to, anything
// else is an FLV file path, with an optional file:// prefix.
func Open(dest string, log *slog.Logger) (*Muxer, error) {
	if log == nil {
		log = slog.Default()
	}
	if strings.HasPrefix(strings.ToLower(dest), "rtmp://") {
		w, err := dialRTMP(dest, log)
		if err != nil {
			return nil, err
		}
		return newMuxer(w, log), nil
	}
	w, err := createFile(strings.TrimPrefix(dest, "file://"))
	if err != nil {
		return nil, err
	}
	return newMuxer(w, log), nil
}

func newMuxer(w tagWriter, log *slog.Logger) *Muxer {
	if log == nil {
		log = slog.Default()
	}
	return &Muxer{log: log.With("component", "flv-muxer"), w: w}
}

// AddStream registers a stream and returns its index and timebase.
func (m *Muxer) AddStream(p StreamParams) (int, timebase.Rational, error) {
	if m.started {
		return 0, timebase.Rational{}, ErrHeaderWritten
	}
	switch {
	case p.Kind == media.KindVideo && p.Codec == media.CodecH264:
	case p.Kind == media.KindAudio && p.Codec == media.CodecAAC:
	default:
		return 0, timebase.Rational{}, fmt.Errorf("%s %s: %w", p.Kind, p.Codec, ErrUnsupportedCodec)
	}
	for _, s := range m.streams {
		if s.params.Kind == p.Kind {
			return 0, timebase.Rational{}, fmt.Errorf("second %s stream: %w", p.Kind, ErrDuplicateStream)
		}
	}

	s := &outStream{params: p}
	if p.Kind == media.KindVideo {
		s.sps, s.pps = p.SPS, p.PPS
	} else if p.SampleRate > 0 && p.Channels > 0 {
		asc, err := audioSpecificConfig(mpeg4audio.AudioSpecificConfig{
			Type:         mpeg4audio.ObjectType(p.ObjectType),
			SampleRate:   p.SampleRate,
			ChannelCount: p.Channels,
		})
		if err != nil {
			return 0, timebase.Rational{}, err
		}
		s.asc = asc
	}
	m.streams = append(m.streams, s)
	return len(m.streams) - 1, TimeBase, nil
}

// WriteHeader starts the FLV stream and writes the sequence headers that
// are already known.
func (m *Muxer) WriteHeader() error {
	if m.closed {
		return ErrClosed
	}
	if m.started {
		return ErrHeaderWritten
	}
	var audio, video bool
	for _, s := range m.streams {
		audio = audio || s.params.Kind == media.KindAudio
		video = video || s.params.Kind == media.KindVideo
	}
	if err := m.w.Begin(audio, video); err != nil {
		return fmt.Errorf("begin FLV stream: %w", err)
	}
	m.started = true

	for _, s := range m.streams {
		switch s.params.Kind {
		case media.KindVideo:
			if cfg := avcDecoderConfig(s.sps, s.pps); cfg != nil {
				if err := m.writeVideoConfig(s, cfg, 0); err != nil {
					return err
				}
			}
		case media.KindAudio:
			if s.asc != nil {
				if err := m.writeAudioConfig(s, 0); err != nil {
					return err
				}
			}
		}
	}
	m.log.Info("FLV header written", "audio", audio, "video", video)
	return nil
}

// WritePacket writes one packet whose timestamps are in TimeBase.
// Packets that cannot be written yet (no codec configuration, no keyframe)
// are dropped and counted, not reported as errors.
func (m *Muxer) WritePacket(pkt *media.Packet) error {
	if m.closed {
		return ErrClosed
	}
	if !m.started {
		return ErrNotStarted
	}
	if pkt.StreamIndex < 0 || pkt.StreamIndex >= len(m.streams) {
		return fmt.Errorf("mux: unknown stream %d", pkt.StreamIndex)
	}
	s := m.streams[pkt.StreamIndex]
	if s.params.Kind == media.KindVideo {
		return m.writeVideo(s, pkt)
	}
	return m.writeAudio(s, pkt)
}

func (s *outStream) timestamps(pkt *media.Packet) (uint32, int32) {
	dts := pkt.DTS
	if dts == timebase.NoPTS {
		dts = pkt.PTS
	}
	if dts == timebase.NoPTS {
		return s.lastTS, 0
	}
	s.lastTS = uint32(max(dts, 0))

	var cts int32
	if pkt.PTS != timebase.NoPTS && pkt.DTS != timebase.NoPTS {
		cts = int32(pkt.PTS - pkt.DTS)
	}
	return s.lastTS, cts
}

func (m *Muxer) drop(s *outStream, reason string, args ...any) {
	m.dropped.Add(1)
	m.log.Debug("dropping packet", append([]any{"kind", s.params.Kind, "reason", reason}, args...)...)
}

func (m *Muxer) writeVideo(s *outStream, pkt *media.Packet) error {
	ts, cts := s.timestamps(pkt)

	var au h264.AnnexB
	if err := au.Unmarshal(pkt.Data); err != nil {
		m.drop(s, "unparseable access unit", "error", err)
		return nil
	}

	key := pkt.Flags&media.FlagKeyframe != 0
	nalus := make([][]byte, 0, len(au))
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeSPS:
			if !bytes.Equal(nalu, s.sps) {
				s.sps = append([]byte(nil), nalu...)
				s.dirty = true
			}
			continue
		case h264.NALUTypePPS:
			if !bytes.Equal(nalu, s.pps) {
				s.pps = append([]byte(nil), nalu...)
				s.dirty = true
			}
			continue
		case h264.NALUTypeAccessUnitDelimiter:
			continue
		case h264.NALUTypeIDR:
			key = true
		}
		nalus = append(nalus, nalu)
	}

	if !s.configSent || s.dirty {
		cfg := avcDecoderConfig(s.sps, s.pps)
		if cfg == nil {
			m.drop(s, "waiting for SPS and PPS")
			return nil
		}
		if err := m.writeVideoConfig(s, cfg, ts); err != nil {
			return err
		}
	}
	if !s.sawKey && !key {
		m.drop(s, "waiting for keyframe")
		return nil
	}
	s.sawKey = true
	if len(nalus) == 0 {
		return nil
	}

	payload, err := h264.AVCC(nalus).Marshal()
	if err != nil {
		m.drop(s, "AVCC conversion", "error", err)
		return nil
	}
	frameType := flvtag.FrameTypeInterFrame
	if key {
		frameType = flvtag.FrameTypeKeyFrame
	}
	return m.writeTag(flvtag.TagTypeVideo, ts, len(payload), &flvtag.VideoData{
		FrameType:       frameType,
		CodecID:         flvtag.CodecIDAVC,
		AVCPacketType:   flvtag.AVCPacketTypeNALU,
		CompositionTime: cts,
		Data:            bytes.NewReader(payload),
	})
}

func (m *Muxer) writeVideoConfig(s *outStream, cfg []byte, ts uint32) error {
	if err := m.writeTag(flvtag.TagTypeVideo, ts, len(cfg), &flvtag.VideoData{
		FrameType:     flvtag.FrameTypeKeyFrame,
		CodecID:       flvtag.CodecIDAVC,
		AVCPacketType: flvtag.AVCPacketTypeSequenceHeader,
		Data:          bytes.NewReader(cfg),
	}); err != nil {
		return err
	}
	s.configSent, s.dirty = true, false
	m.log.Debug("AVC sequence header written", "bytes", len(cfg))
	return nil
}

func isADTS(data []byte) bool {
	return len(data) >= 7 && data[0] == 0xFF && data[1]&0xF0 == 0xF0
}

func (m *Muxer) writeAudio(s *outStream, pkt *media.Packet) error {
	ts, _ := s.timestamps(pkt)

	if !isADTS(pkt.Data) {
		if s.asc == nil {
			m.drop(s, "no audio configuration")
			return nil
		}
		if !s.configSent {
			if err := m.writeAudioConfig(s, ts); err != nil {
				return err
			}
		}
		return m.writeAudioFrame(ts, pkt.Data)
	}

	frames, err := demux.ParseADTS(pkt.Data)
	if err != nil || len(frames) == 0 {
		m.drop(s, "unparseable ADTS", "error", err)
		return nil
	}
	if s.asc == nil {
		asc, err := audioSpecificConfig(frames[0].Config())
		if err != nil {
			m.drop(s, "unusable ADTS header", "error", err)
			return nil
		}
		s.asc = asc
	}
	if !s.configSent {
		if err := m.writeAudioConfig(s, ts); err != nil {
			return err
		}
	}
	for i, f := range frames {
		offset := int64(i * demux.AACSamplesPerFrame * 1000 / f.SampleRate)
		if err := m.writeAudioFrame(ts+uint32(offset), f.Payload()); err != nil {
			return err
		}
	}
	return nil
}

func (m *Muxer) writeAudioConfig(s *outStream, ts uint32) error {
	if err := m.writeTag(flvtag.TagTypeAudio, ts, len(s.asc), aacData(flvtag.AACPacketTypeSequenceHeader, s.asc)); err != nil {
		return err
	}
	s.configSent = true
	m.log.Debug("AAC sequence header written", "config", fmt.Sprintf("%x", s.asc))
	return nil
}

func (m *Muxer) writeAudioFrame(ts uint32, payload []byte) error {
	return m.writeTag(flvtag.TagTypeAudio, ts, len(payload), aacData(flvtag.AACPacketTypeRaw, payload))
}

// aacData fills the fixed FLV AAC header fields: 44 kHz, 16 bit, stereo.
// Decoders take the real values from the AudioSpecificConfig.
func aacData(typ flvtag.AACPacketType, payload []byte) *flvtag.AudioData {
	return &flvtag.AudioData{
		SoundFormat:   flvtag.SoundFormatAAC,
		SoundRate:     flvtag.SoundRate44kHz,
		SoundSize:     flvtag.SoundSize16Bit,
		SoundType:     flvtag.SoundTypeStereo,
		AACPacketType: typ,
		Data:          bytes.NewReader(payload),
	}
}

func (m *Muxer) writeTag(typ flvtag.TagType, ts uint32, n int, data any) error {
	if err := m.w.WriteTag(&flvtag.FlvTag{TagType: typ, Timestamp: ts, Data: data}); err != nil {
		return fmt.Errorf("write FLV tag: %w", err)
	}
	m.tags.Add(1)
	m.bytes.Add(uint64(n))
	return nil
}

// WriteTrailer ends the video stream with an end-of-sequence tag and
// closes the sink.
func (m *Muxer) WriteTrailer() error {
	if m.closed {
		return ErrClosed
	}
	var errs []error
	if m.started {
		for _, s := range m.streams {
			if s.params.Kind != media.KindVideo || !s.configSent {
				continue
			}
			errs = append(errs, m.writeTag(flvtag.TagTypeVideo, s.lastTS, 0, &flvtag.VideoData{
				FrameType:     flvtag.FrameTypeKeyFrame,
				CodecID:       flvtag.CodecIDAVC,
				AVCPacketType: flvtag.AVCPacketTypeEOS,
				Data:          bytes.NewReader(nil),
			}))
		}
	}
	errs = append(errs, m.Close())
	st := m.Stats()
	m.log.Info("FLV trailer written", "tags", st.Tags, "bytes", st.Bytes, "dropped", st.Dropped)
	return errors.Join(errs...)
}

// Close releases the sink without writing a trailer. It is safe to call
// more than once.
func (m *Muxer) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	return m.w.Close()
}

// Stats returns the tag, byte and drop counters.
func (m *Muxer) Stats() Stats {
	return Stats{
		Tags:    m.tags.Load(),
		Bytes:   m.bytes.Load(),
		Dropped: m.dropped.Load(),
	}
}
