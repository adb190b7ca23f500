package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/streampush/internal/config"
	"github.com/zsiec/streampush/internal/demux"
	"github.com/zsiec/streampush/internal/ingest"
	_ "github.com/zsiec/streampush/internal/ingest/srt"
	"github.com/zsiec/streampush/internal/logging"
	"github.com/zsiec/streampush/internal/metrics"
	"github.com/zsiec/streampush/internal/mux"
	"github.com/zsiec/streampush/internal/pipeline"
	"github.com/zsiec/streampush/internal/sample"
	"github.com/zsiec/streampush/internal/stream"
	"github.com/zsiec/streampush/internal/timebase"
)

var version = "dev"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		slog.Error("streampush failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := config.Default()
	cmd := &cobra.Command{
		Use:           "streampush [flags] <source-url> <destination-url>",
		Short:         "Push an MPEG-TS stream to an FLV file or RTMP server",
		Long:          "streampush reads MPEG-TS from srt://, udp://, tcp://, a file or stdin (-) and writes FLV to a file or publishes it to rtmp://host/app/key, sampling decoded video frames to a bitmap on the side.",
		Args:          cobra.ExactArgs(2),
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Load(&opts, cmd.Flags()); err != nil {
				return err
			}
			if err := opts.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			logging.Initialize(opts.Logging())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, &opts, args[0], args[1])
		},
	}
	config.BindFlags(cmd.Flags(), &opts)
	return cmd
}

func pipelineConfig(opts *config.Options) pipeline.Config {
	// Modes and the forced rate were checked by Validate.
	videoMode, _ := stream.ParseMode(opts.PipelineVideoMode)
	audioMode, _ := stream.ParseMode(opts.PipelineAudioMode)
	var forced timebase.Rational
	if opts.PipelineForcedFrameRate != "" {
		forced, _ = timebase.Parse(opts.PipelineForcedFrameRate)
	}
	return pipeline.Config{
		MaxIterations:     opts.PipelineMaxIterations,
		VideoSource:       opts.PipelineVideoSource,
		AudioSource:       opts.PipelineAudioSource,
		VideoMode:         videoMode,
		AudioMode:         audioMode,
		EncoderTimestamps: opts.PipelineEncoderTimestamps,
		ForcedFrameRate:   forced,
		Backend:           opts.CodecBackend,
		VideoBitrate:      int64(opts.EncodeVideoBitrate),
		AudioBitrate:      int64(opts.EncodeAudioBitrate),
		GOPSize:           opts.EncodeGOPSize,
	}
}

func run(ctx context.Context, opts *config.Options, srcURL, dstURL string) error {
	log := logging.For("pipeline")
	log.Info("streampush starting", "version", version, "source", srcURL, "destination", dstURL)

	src, err := ingest.Open(ctx, srcURL, logging.For("ingest"))
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer src.Close()
	// Unblock a pending read when the session is cancelled.
	stopClose := context.AfterFunc(ctx, func() { _ = src.Close() })
	defer stopClose()

	dmx := demux.NewDemuxer(src, log)
	streams, err := dmx.Probe(ctx, opts.PipelineProbePackets)
	if err != nil {
		return fmt.Errorf("probe source: %w", err)
	}

	m, err := mux.Open(dstURL, logging.For("mux"))
	if err != nil {
		return fmt.Errorf("open destination: %w", err)
	}
	defer m.Close()

	var (
		queue   *sample.Queue
		worker  *sample.Worker
		sampler pipeline.FrameSampler
	)
	if opts.SampleEnabled {
		sampleLog := logging.For("sample")
		queue = sample.NewQueue(opts.SampleQueueSize)
		sampler = sample.NewSampler(queue, opts.SampleEvery, sampleLog)
		worker = sample.NewWorker(queue, sample.WorkerConfig{
			Path:     opts.SamplePath,
			MaxWidth: opts.SampleMaxWidth,
		}, sampleLog)
	}

	p := pipeline.New(dmx, m, sampler, pipelineConfig(opts), log)
	if err := p.Setup(streams); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})

	g.Go(func() error {
		defer close(done)
		if queue != nil {
			defer queue.Close()
		}
		return p.Run(gctx)
	})

	if worker != nil {
		g.Go(func() error {
			return worker.Run(gctx)
		})
	}

	if opts.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              opts.MetricsAddr,
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info("metrics server listening", "addr", opts.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			select {
			case <-gctx.Done():
			case <-done:
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	st := p.Stats()
	log.Info("streampush finished",
		"iterations", st.Iterations,
		"dropped", st.Dropped,
		"sample_drops", st.SampleDrops,
		"uptime_ms", st.UptimeMs,
		"ingest", src.Stats(),
		"demux", dmx.Stats(),
		"mux", m.Stats())
	if worker != nil {
		log.Info("sampling finished", "worker", worker.Stats())
	}
	return err
}
