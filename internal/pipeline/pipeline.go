// Package pipeline runs the primary loop of a push session. It reads
// demuxed packets, keeps each input stream's clock, drives decoders and
// encoders, and forwards packets to the muxer, while decoded video frames
// are offered to the sampler.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/streampush/internal/codec"
	"github.com/zsiec/streampush/internal/decode"
	"github.com/zsiec/streampush/internal/demux"
	"github.com/zsiec/streampush/internal/fault"
	"github.com/zsiec/streampush/internal/media"
	"github.com/zsiec/streampush/internal/metrics"
	"github.com/zsiec/streampush/internal/mux"
	"github.com/zsiec/streampush/internal/output"
	"github.com/zsiec/streampush/internal/stream"
	"github.com/zsiec/streampush/internal/timebase"
)

// DefaultMaxIterations bounds the primary loop when no limit is configured.
const DefaultMaxIterations = 20000

var (
	// ErrNotSetUp is returned by Run before a successful Setup.
	ErrNotSetUp = errors.New("pipeline: not set up")
	// ErrAlreadySetUp is returned by a second Setup call.
	ErrAlreadySetUp = errors.New("pipeline: already set up")
)

// Source yields demuxed packets. ReadPacket returns io.EOF at the end of
// the input. *demux.Demuxer satisfies it.
type Source interface {
	ReadPacket(ctx context.Context) (*media.Packet, error)
}

// Muxer is the destination side of the pipeline. *mux.Muxer satisfies it.
type Muxer interface {
	AddStream(p mux.StreamParams) (int, timebase.Rational, error)
	WriteHeader() error
	WritePacket(pkt *media.Packet) error
	WriteTrailer() error
}

// FrameSampler receives every decoded video frame. The frame is only
// valid for the duration of the call. *sample.Sampler satisfies it.
type FrameSampler interface {
	Offer(f *media.Frame) error
}

// Config controls stream mapping and the loop bound.
type Config struct {
	// MaxIterations stops the loop after this many packets; 0 is
	// unbounded.
	MaxIterations int

	VideoSource int
	AudioSource int
	VideoMode   stream.Mode
	AudioMode   stream.Mode

	// EncoderTimestamps keeps the PTS chosen by encoders.
	EncoderTimestamps bool

	// ForcedFrameRate snaps the predicted DTS of stream-copied video to
	// this rate's grid when valid.
	ForcedFrameRate timebase.Rational

	// Backend names the codec backend; empty selects "auto".
	Backend      string
	VideoBitrate int64
	AudioBitrate int64
	GOPSize      int
}

// DefaultConfig maps input 0 to the video output and input 1 to the audio
// output, both stream-copied.
func DefaultConfig() Config {
	return Config{
		MaxIterations: DefaultMaxIterations,
		VideoSource:   0,
		AudioSource:   1,
		VideoMode:     stream.ModeCopy,
		AudioMode:     stream.ModeCopy,
	}
}

// Stats is a snapshot of the pipeline counters.
type Stats struct {
	Iterations  int64           `json:"iterations"`
	Unmapped    int64           `json:"unmapped"`
	Dropped     int64           `json:"dropped"`
	SampleDrops int64           `json:"sampleDrops"`
	UptimeMs    int64           `json:"uptimeMs"`
	Streams     stream.Snapshot `json:"streams"`
}

// Pipeline owns the stream registry of one session. Setup and Run are
// called from one goroutine; Stats may be called from any.
type Pipeline struct {
	log      *slog.Logger
	base     *slog.Logger // unscoped, for components that add their own
	cfg      Config
	src      Source
	mux      Muxer
	sampler  FrameSampler
	registry *stream.Registry
	decoder  *decode.Pump
	output   *output.Pump
	ready    bool

	// emitErr holds the first fatal error raised inside the decode
	// callback; Process has no way to return it.
	emitErr error

	started     atomic.Int64
	iterations  atomic.Int64
	unmapped    atomic.Int64
	dropped     atomic.Int64
	sampleDrops atomic.Int64
}

// New creates a Pipeline reading from src and writing to m. sampler may be
// nil to disable sampling. If log is nil, slog.Default() is used.
func New(src Source, m Muxer, sampler FrameSampler, cfg Config, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		log:      log.With("component", "pipeline"),
		base:     log,
		cfg:      cfg,
		src:      src,
		mux:      m,
		sampler:  sampler,
		registry: stream.NewRegistry(log),
		decoder:  decode.NewPump(log),
		output:   output.NewPump(m, output.Config{EncoderTimestamps: cfg.EncoderTimestamps}, log),
	}
}

// Registry returns the pipeline's stream registry.
func (p *Pipeline) Registry() *stream.Registry { return p.registry }

type outputPlan struct {
	kind media.Kind
	src  int
	mode stream.Mode
}

// plan picks the outputs that can be built from streams. A configured
// source that is missing or of the wrong kind is skipped.
func (p *Pipeline) plan(streams []*demux.StreamInfo) []outputPlan {
	var plans []outputPlan
	for _, want := range []outputPlan{
		{kind: media.KindVideo, src: p.cfg.VideoSource, mode: p.cfg.VideoMode},
		{kind: media.KindAudio, src: p.cfg.AudioSource, mode: p.cfg.AudioMode},
	} {
		if want.src < 0 || want.src >= len(streams) {
			p.log.Warn("output source not found", "kind", want.kind, "source", want.src, "streams", len(streams))
			continue
		}
		if got := streams[want.src].Kind; got != want.kind {
			p.log.Warn("output source has the wrong kind", "kind", want.kind, "source", want.src, "source_kind", got)
			continue
		}
		plans = append(plans, want)
	}
	return plans
}

// Setup registers the probed streams, opens the decoders and encoders
// they need and adds the output streams to the muxer. Errors are fatal.
func (p *Pipeline) Setup(streams []*demux.StreamInfo) error {
	if p.ready {
		return ErrAlreadySetUp
	}
	if len(streams) == 0 {
		return fault.Fatal("setup", fault.ErrNoStreams)
	}
	plans := p.plan(streams)
	if len(plans) == 0 {
		return fault.Fatal("setup", fmt.Errorf("no output can be mapped: %w", fault.ErrNoStreams))
	}

	encodes := make(map[int]bool)
	for _, pl := range plans {
		if pl.mode == stream.ModeEncode {
			encodes[pl.src] = true
		}
	}

	for i, info := range streams {
		in := inputFromInfo(info)
		if info.Kind == media.KindVideo {
			in.ForcedFrameRate = p.cfg.ForcedFrameRate
		}
		in.DecodingNeeded = encodes[i] || (info.Kind == media.KindVideo && p.sampler != nil)
		ist := p.registry.AddInput(in)
		if ist.Index != i {
			return fault.Fatal("setup", fmt.Errorf("input %d registered as %d", i, ist.Index))
		}
		if !ist.DecodingNeeded {
			continue
		}
		dec, err := codec.OpenDecoder(p.cfg.Backend, codecParams(info), p.base)
		if err != nil {
			return fault.Fatal(fmt.Sprintf("open decoder for input %d", i), err)
		}
		ist.Decoder = dec
	}

	for _, pl := range plans {
		if err := p.addOutput(streams[pl.src], pl); err != nil {
			return err
		}
	}
	p.ready = true
	return nil
}

func (p *Pipeline) addOutput(info *demux.StreamInfo, pl outputPlan) error {
	ist, _ := p.registry.Input(pl.src)
	ost, err := p.registry.AddOutput(&stream.OutputStream{Kind: pl.kind, SourceIndex: pl.src, Mode: pl.mode})
	if err != nil {
		return fault.Fatal("add output", err)
	}
	op := fmt.Sprintf("output %d", ost.Index)

	params := mux.StreamParams{
		Kind:       info.Kind,
		Codec:      info.Codec,
		SPS:        info.SPS,
		PPS:        info.PPS,
		ObjectType: info.ObjectType,
		SampleRate: info.SampleRate,
		Channels:   info.Channels,
	}
	muxTB := ist.TimeBase

	if pl.mode == stream.ModeEncode {
		ep := codecParams(info)
		if info.Kind == media.KindVideo {
			ep.Bitrate = p.cfg.VideoBitrate
			ep.GOPSize = p.cfg.GOPSize
		} else {
			ep.Bitrate = p.cfg.AudioBitrate
		}
		enc, err := codec.OpenEncoder(p.cfg.Backend, ep, p.base)
		if err != nil {
			return fault.Fatal("open encoder for "+op, err)
		}
		ost.Encoder = enc
		muxTB = enc.TimeBase()
		// The encoder's parameter sets arrive in-band.
		params.SPS, params.PPS = nil, nil
		if info.Kind == media.KindAudio {
			params.ObjectType = 0
		}
	}

	idx, streamTB, err := p.mux.AddStream(params)
	if err != nil {
		return fault.Fatal("mux "+op, err)
	}
	ost.MuxIndex = idx
	ost.StreamTimeBase = streamTB
	if err := ost.SetMuxTimeBase(muxTB); err != nil {
		return fault.Fatal(op, err)
	}
	p.log.Info("output mapped",
		"output", ost.Index,
		"source", ost.SourceIndex,
		"mode", ost.Mode,
		"mux_time_base", muxTB,
		"stream_time_base", streamTB)
	return nil
}

func inputFromInfo(info *demux.StreamInfo) *stream.InputStream {
	in := &stream.InputStream{
		Kind:         info.Kind,
		Codec:        info.Codec,
		TimeBase:     info.TimeBase,
		AvgFrameRate: info.FrameRate,
		Width:        info.Width,
		Height:       info.Height,
		SampleRate:   info.SampleRate,
		Channels:     info.Channels,
	}
	if info.Kind == media.KindAudio {
		in.FrameSize = demux.AACSamplesPerFrame
	}
	return in
}

func codecParams(info *demux.StreamInfo) codec.Params {
	return codec.Params{
		Kind:         info.Kind,
		Codec:        info.Codec,
		TimeBase:     info.TimeBase,
		FrameRate:    info.FrameRate,
		Width:        info.Width,
		Height:       info.Height,
		ReorderDepth: info.ReorderDepth,
		FullRange:    info.FullRange,
		SPS:          info.SPS,
		PPS:          info.PPS,
		ObjectType:   info.ObjectType,
		SampleRate:   info.SampleRate,
		Channels:     info.Channels,
	}
}

// Run writes the header, processes packets until the iteration limit, the
// end of the input, cancellation of ctx or a fatal error, then flushes
// decoders and encoders and writes the trailer. Cancellation is a normal
// stop.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.ready {
		return ErrNotSetUp
	}
	defer func() {
		if err := p.registry.Close(); err != nil {
			p.log.Warn("closing codecs", "error", err)
		}
	}()

	if err := p.mux.WriteHeader(); err != nil {
		return fault.Fatal("write header", err)
	}
	p.started.Store(time.Now().UnixNano())
	p.log.Info("pipeline started", "max_iterations", p.cfg.MaxIterations, "outputs", len(p.registry.Outputs()))

	runErr := p.loop(ctx)
	flushErr := p.flush()
	var trailerErr error
	if err := p.mux.WriteTrailer(); err != nil {
		trailerErr = fault.Fatal("write trailer", err)
	}

	p.log.Info("pipeline stopped",
		"iterations", p.iterations.Load(),
		"dropped", p.dropped.Load(),
		"sample_drops", p.sampleDrops.Load(),
		"error", runErr)
	return errors.Join(runErr, flushErr, trailerErr)
}

func (p *Pipeline) loop(ctx context.Context) error {
	for p.cfg.MaxIterations == 0 || p.iterations.Load() < int64(p.cfg.MaxIterations) {
		if ctx.Err() != nil {
			p.log.Info("pipeline cancelled")
			return nil
		}
		pkt, err := p.src.ReadPacket(ctx)
		switch {
		case errors.Is(err, io.EOF):
			p.log.Info("end of input")
			return nil
		case ctx.Err() != nil:
			p.log.Info("pipeline cancelled")
			return nil
		case err != nil:
			return fault.Fatal("read packet", err)
		}
		p.iterations.Add(1)
		if err := p.process(pkt); err != nil {
			return err
		}
	}
	p.log.Info("iteration limit reached", "max_iterations", p.cfg.MaxIterations)
	return nil
}

// process runs one packet through timing, decode and stream copy.
func (p *Pipeline) process(pkt *media.Packet) error {
	ist, ok := p.registry.Input(pkt.StreamIndex)
	if !ok {
		if p.unmapped.Add(1) == 1 {
			p.log.Warn("packet for unmapped stream", "stream", pkt.StreamIndex)
		}
		return nil
	}
	ist.Timing.OnPacket(pkt, ist.TimingParams())
	ist.RecordPacket(len(pkt.Data))
	metrics.PacketRead(ist.Kind.String())

	if ist.DecodingNeeded {
		_, err := p.decoder.Process(ist, pkt, p.emit)
		if err == nil {
			err = p.takeEmitErr()
		}
		if skip, err := p.classify(ist, err); err != nil || skip {
			return err
		}
	} else {
		ist.Timing.PredictCopy(ist.CopyParams(pkt))
	}

	for _, ost := range p.registry.OutputsFor(ist.Index) {
		if ost.Mode != stream.ModeCopy {
			continue
		}
		if err := p.output.StreamCopy(ist, ost, pkt); err != nil {
			return err
		}
	}
	return nil
}

// classify decides what a decode-side error means for the current
// packet. Recoverable and transient errors drop the packet's decode
// output but still let it be copied. Invalid stream parameters and
// resource errors drop the packet. Anything else stops the pipeline.
func (p *Pipeline) classify(ist *stream.InputStream, err error) (skip bool, fatal error) {
	if err == nil {
		return false, nil
	}
	switch fault.KindOf(err) {
	case fault.KindRecoverable, fault.KindTransient:
		p.dropped.Add(1)
		metrics.DecodeError(ist.Kind.String())
		p.log.Warn("dropping packet", "stream", ist.Index, "error", err)
		return false, nil
	case fault.KindInvalidParams:
		p.dropped.Add(1)
		metrics.DecodeError(ist.Kind.String())
		p.log.Warn("dropping packet with invalid stream parameters", "stream", ist.Index, "error", err)
		return true, nil
	case fault.KindResource:
		p.dropped.Add(1)
		p.log.Warn("aborting iteration", "stream", ist.Index, "error", err)
		return true, nil
	default:
		return false, err
	}
}

// emit receives every decoded frame. Video frames go to the sampler and
// any frame feeding an encode-mode output goes to its encoder.
func (p *Pipeline) emit(ist *stream.InputStream, f *media.Frame, trigger *media.Packet) {
	metrics.FrameDecoded(ist.Kind.String())
	if ist.Kind == media.KindVideo && p.sampler != nil {
		if err := p.sampler.Offer(f); err != nil {
			p.sampleDrops.Add(1)
			p.log.Debug("sample dropped", "error", err)
		}
	}
	for _, ost := range p.registry.OutputsFor(ist.Index) {
		if ost.Mode != stream.ModeEncode {
			continue
		}
		if err := p.output.Encode(ist, ost, f, trigger); err != nil {
			p.recordEmitErr(ost, err)
		}
	}
}

func (p *Pipeline) recordEmitErr(ost *stream.OutputStream, err error) {
	if fault.IsFatal(err) {
		if p.emitErr == nil {
			p.emitErr = err
		}
		return
	}
	p.dropped.Add(1)
	p.log.Warn("dropping encoded frame", "output", ost.Index, "error", err)
}

func (p *Pipeline) takeEmitErr() error {
	err := p.emitErr
	p.emitErr = nil
	return err
}

// flush drains every decoder, then every encoder.
func (p *Pipeline) flush() error {
	var errs []error
	for _, ist := range p.registry.Inputs() {
		if !ist.DecodingNeeded || ist.Decoder == nil {
			continue
		}
		_, err := p.decoder.Flush(ist, p.emit)
		if err == nil {
			err = p.takeEmitErr()
		}
		if _, err := p.classify(ist, err); err != nil {
			errs = append(errs, err)
		}
	}
	for _, ost := range p.registry.Outputs() {
		if ost.Mode != stream.ModeEncode {
			continue
		}
		ist, _ := p.registry.Input(ost.SourceIndex)
		if err := p.output.FlushEncoder(ist, ost); err != nil {
			if fault.IsFatal(err) {
				errs = append(errs, err)
				continue
			}
			p.log.Warn("flushing encoder", "output", ost.Index, "error", err)
		}
	}
	return errors.Join(errs...)
}

// Stats returns a snapshot of the pipeline and stream counters.
func (p *Pipeline) Stats() Stats {
	s := Stats{
		Iterations:  p.iterations.Load(),
		Unmapped:    p.unmapped.Load(),
		Dropped:     p.dropped.Load(),
		SampleDrops: p.sampleDrops.Load(),
		Streams:     p.registry.Snapshot(),
	}
	if ns := p.started.Load(); ns != 0 {
		s.UptimeMs = time.Since(time.Unix(0, ns)).Milliseconds()
	}
	return s
}
