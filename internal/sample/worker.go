package sample

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/zsiec/streampush/internal/fault"
	"github.com/zsiec/streampush/internal/media"
	"github.com/zsiec/streampush/internal/metrics"
)

// DefaultPath is where the worker writes the latest sample.
const DefaultPath = "test.bmp"

// WorkerConfig configures the sampling worker.
type WorkerConfig struct {
	// Path is the bitmap file overwritten with every sample.
	Path string
	// MaxWidth downscales wider frames; 0 keeps the decoded size.
	MaxWidth int
}

// Worker is the single consumer of a Queue. It converts each frame to BGR
// and overwrites the sample file.
type Worker struct {
	log   *slog.Logger
	queue *Queue
	cfg   WorkerConfig

	written  atomic.Int64
	failed   atomic.Int64
	skipped  atomic.Int64
	recvErrs atomic.Int64
}

// NewWorker creates a Worker draining q. If log is nil, slog.Default()
// is used.
func NewWorker(q *Queue, cfg WorkerConfig, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	return &Worker{
		log:   log.With("component", "sample-worker", "path", cfg.Path),
		queue: q,
		cfg:   cfg,
	}
}

// Run receives frames until ctx is done or the queue is closed and
// drained. Per-frame failures are logged and never stop the loop.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("sample worker started")
	defer w.log.Info("sample worker stopped",
		"written", w.written.Load(),
		"failed", w.failed.Load(),
		"drop_reports", w.recvErrs.Load())

	for {
		f, err := w.queue.Recv(ctx)
		switch {
		case errors.Is(err, ErrQueueClosed):
			return nil
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, fault.ErrQueueFull):
			w.recvErrs.Add(1)
			w.log.Warn("samples dropped under backpressure", "error", err)
			continue
		case err != nil:
			w.recvErrs.Add(1)
			w.log.Error("sample receive failed", "error", err)
			continue
		}
		metrics.SetQueueDepth(w.queue.Len())
		w.handle(f)
	}
}

func (w *Worker) handle(f *media.Frame) {
	defer f.Release()

	img, err := ToBGR(f, w.cfg.MaxWidth)
	if errors.Is(err, ErrNoPicture) {
		w.skipped.Add(1)
		w.log.Debug("skipping frame without picture data", "pts", f.PTS)
		return
	}
	if err != nil {
		w.failed.Add(1)
		metrics.Sample(metrics.SampleFailed)
		w.log.Error("sample conversion failed", "error", err, "format", f.Format, "width", f.Width, "height", f.Height)
		return
	}
	if err := WriteFile(w.cfg.Path, img); err != nil {
		w.failed.Add(1)
		metrics.Sample(metrics.SampleFailed)
		w.log.Error("sample write failed", "error", err)
		return
	}
	w.written.Add(1)
	metrics.Sample(metrics.SampleWritten)
	w.log.Debug("sample written", "pts", f.PTS, "width", img.Width, "height", img.Height)
}

// WorkerStats are the worker's counters.
type WorkerStats struct {
	Written     int64 `json:"written"`
	Failed      int64 `json:"failed"`
	Skipped     int64 `json:"skipped"`
	DropReports int64 `json:"dropReports"`
}

// Stats returns the worker's counters. Safe for concurrent use.
func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		Written:     w.written.Load(),
		Failed:      w.failed.Load(),
		Skipped:     w.skipped.Load(),
		DropReports: w.recvErrs.Load(),
	}
}
