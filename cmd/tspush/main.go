// Command tspush sends an MPEG-TS file to an SRT, UDP or TCP listener at
// real-time pace. It is the companion publisher for testing streampush
// with a srt://:port source.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/streampush/internal/ingest"
	"github.com/zsiec/streampush/internal/logging"
)

const (
	defaultDuration = 60 * time.Second
	retryDelay      = time.Second
	logInterval     = 10 * time.Second
)

type options struct {
	loop         bool
	retry        bool
	duration     time.Duration
	chunkPackets int
	logLevel     string
	logFormat    string
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		slog.Error("tspush failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := options{loop: true, retry: true, chunkPackets: 7, logLevel: "info", logFormat: "text"}
	cmd := &cobra.Command{
		Use:           "tspush [flags] <file.ts> <destination-url>",
		Short:         "Send an MPEG-TS file to srt://, udp:// or tcp:// at real-time pace",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.chunkPackets <= 0 {
				return fmt.Errorf("chunk-packets must be positive, got %d", opts.chunkPackets)
			}
			logging.Initialize(logging.Config{Level: opts.logLevel, Format: opts.logFormat})
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, &opts, args[0], args[1])
		},
	}
	f := cmd.Flags()
	f.BoolVar(&opts.loop, "loop", opts.loop, "Restart from the beginning at the end of the file, shifting timestamps")
	f.BoolVar(&opts.retry, "retry", opts.retry, "Reconnect after connection failures")
	f.DurationVar(&opts.duration, "duration", 0, "File duration used for pacing (default: from the video PTS range)")
	f.IntVar(&opts.chunkPackets, "chunk-packets", opts.chunkPackets, "TS packets per write")
	f.StringVar(&opts.logLevel, "log-level", opts.logLevel, "Log level (debug, info, warn, error)")
	f.StringVar(&opts.logFormat, "log-format", opts.logFormat, "Log format (text, json)")
	return cmd
}

func run(ctx context.Context, opts *options, path, dest string) error {
	log := logging.For("tspush")

	target, err := ingest.ParseURL(dest)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	if len(data) < tsPacketSize || data[0] != tsSyncByte {
		return fmt.Errorf("%s is not an MPEG-TS file", path)
	}
	if len(data)%tsPacketSize != 0 {
		log.Warn("file size is not a multiple of the TS packet size", "bytes", len(data))
	}

	tl := scanTimestamps(data)
	duration := selectDuration(opts.duration, tl)
	if opts.duration <= 0 && tl.span() <= 0 {
		log.Warn("no video timestamps found, pacing with the default duration", "duration", duration)
	}
	p := &pusher{
		log:   log,
		data:  data,
		tl:    tl,
		rate:  float64(len(data)) / duration.Seconds(),
		chunk: opts.chunkPackets * tsPacketSize,
		loop:  opts.loop,
	}
	log.Info("pushing file",
		"file", path,
		"packets", len(data)/tsPacketSize,
		"duration", duration,
		"rate_bps", int64(p.rate*8),
		"destination", dest)

	for {
		w, err := dial(target, log)
		if err == nil {
			err = p.push(ctx, w)
			w.Close()
			if err == nil {
				return nil
			}
		}
		if ctx.Err() != nil {
			log.Info("stopped", "bytes_sent", p.sent, "loops", p.loops)
			return nil
		}
		if !opts.retry {
			return err
		}
		log.Warn("connection failed, retrying", "error", err, "delay", retryDelay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(retryDelay):
		}
	}
}

// selectDuration prefers an explicit duration, then the span of the video
// timestamps, then defaultDuration.
func selectDuration(override time.Duration, tl timeline) time.Duration {
	if override > 0 {
		return override
	}
	if span := tl.span(); span > 0 {
		return time.Duration(span) * time.Second / 90000
	}
	return defaultDuration
}

// dial opens the destination for writing. SRT destinations are dialed in
// caller mode with the URL's streamid and max_delay.
func dial(t ingest.Target, log *slog.Logger) (io.WriteCloser, error) {
	switch t.Scheme {
	case "srt":
		if t.Options.Listen {
			return nil, errors.New("srt destination must name a host to dial")
		}
		cfg := srtgo.DefaultConfig()
		cfg.StreamID = t.Options.StreamID
		if t.Options.MaxDelay > 0 {
			cfg.Latency = t.Options.MaxDelay
		}
		log.Info("connecting", "address", t.Address, "stream_id", cfg.StreamID)
		c, err := srtgo.Dial(t.Address, cfg)
		if err != nil {
			return nil, fmt.Errorf("SRT dial %s: %w", t.Address, err)
		}
		return srtSink{c}, nil
	case "udp", "tcp":
		c, err := net.DialTimeout(t.Scheme, t.Address, 10*time.Second)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("destination scheme %q: %w", t.Scheme, ingest.ErrUnsupportedScheme)
	}
}

type srtSink struct {
	c *srtgo.Conn
}

func (s srtSink) Write(p []byte) (int, error) { return s.c.Write(p) }

func (s srtSink) Close() error {
	s.c.Close()
	return nil
}

// pusher writes the file in fixed-size chunks, pacing against the time
// the connection started so that loop boundaries do not burst.
type pusher struct {
	log   *slog.Logger
	data  []byte
	tl    timeline
	rate  float64
	chunk int
	loop  bool

	sent  int64
	loops int
}

func (p *pusher) push(ctx context.Context, w io.Writer) error {
	pace := pacer{start: time.Now(), rate: p.rate}
	lastLog := pace.start
	for {
		for i := 0; i < len(p.data); i += p.chunk {
			end := min(i+p.chunk, len(p.data))
			n, err := w.Write(p.data[i:end])
			p.sent += int64(n)
			pace.sent += int64(n)
			if err != nil {
				return err
			}
			if err := pace.wait(ctx); err != nil {
				return err
			}
			if now := time.Now(); now.Sub(lastLog) >= logInterval {
				p.log.Info("progress",
					"loop", p.loops+1,
					"offset_pct", 100*i/len(p.data),
					"bytes_sent", p.sent,
					"rate_bps", int64(float64(pace.sent)*8/now.Sub(pace.start).Seconds()))
				lastLog = now
			}
		}
		p.loops++
		if !p.loop {
			p.log.Info("file sent", "bytes_sent", p.sent)
			return nil
		}
		if span := p.tl.span(); span > 0 {
			addTimestampOffset(p.data, p.tl.fields, span)
		}
		p.log.Debug("loop complete", "loops", p.loops, "bytes_sent", p.sent)
	}
}

// pacer sleeps until the wall clock catches up with the bytes sent at the
// target rate.
type pacer struct {
	start time.Time
	rate  float64
	sent  int64
}

func (p *pacer) delay(now time.Time) time.Duration {
	if p.rate <= 0 {
		return 0
	}
	due := p.start.Add(time.Duration(float64(p.sent) / p.rate * float64(time.Second)))
	return max(due.Sub(now), 0)
}

func (p *pacer) wait(ctx context.Context) error {
	d := p.delay(time.Now())
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
