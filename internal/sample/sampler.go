package sample

import (
	"log/slog"
	"sync/atomic"

	"github.com/zsiec/streampush/internal/fault"
	"github.com/zsiec/streampush/internal/media"
	"github.com/zsiec/streampush/internal/metrics"
)

// DefaultEvery is the default decimation factor: every second frame is
// sampled.
const DefaultEvery = 2

// cloneAlign is the dimension alignment of sampled frame copies.
const cloneAlign = 16

// Sampler selects every Nth video frame and hands a private copy of it
// to the queue. Offer is called from the decode path only.
type Sampler struct {
	log   *slog.Logger
	queue *Queue
	every int
	count int

	accepted atomic.Int64
	dropped  atomic.Int64
}

// NewSampler creates a Sampler feeding q. An every of 0 or less selects
// DefaultEvery. If log is nil, slog.Default() is used.
func NewSampler(q *Queue, every int, log *slog.Logger) *Sampler {
	if log == nil {
		log = slog.Default()
	}
	if every <= 0 {
		every = DefaultEvery
	}
	return &Sampler{
		log:   log.With("component", "sampler"),
		queue: q,
		every: every,
	}
}

// Offer considers f for sampling. f is only read; the queued frame is a
// copy. When the queue is full the copy is released, the queue's error is
// set and a fault.KindResource error is returned for the caller to log.
func (s *Sampler) Offer(f *media.Frame) error {
	if f == nil || f.Kind != media.KindVideo {
		return nil
	}
	s.count++
	if s.count%s.every != 0 {
		return nil
	}

	clone := f.CloneAligned(cloneAlign)
	if err := s.queue.TrySend(clone); err != nil {
		clone.Release()
		s.queue.SetErr(err)
		s.dropped.Add(1)
		metrics.Sample(metrics.SampleDropped)
		return fault.Resource("sample frame", err)
	}
	s.accepted.Add(1)
	metrics.Sample(metrics.SampleAccepted)
	metrics.SetQueueDepth(s.queue.Len())
	return nil
}

// Stats returns how many frames were queued and dropped.
func (s *Sampler) Stats() (accepted, dropped int64) {
	return s.accepted.Load(), s.dropped.Load()
}
