// Package sample decimates decoded video frames and hands them to a
// background worker that exports them as bitmaps. The decode path never
// blocks on the worker: frames that do not fit in the queue are dropped.
package sample

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/zsiec/streampush/internal/fault"
	"github.com/zsiec/streampush/internal/media"
)

// DefaultQueueSize is the number of frames the queue holds before
// dropping.
const DefaultQueueSize = 1000

// ErrQueueClosed is returned by TrySend after Close, and by Recv once the
// queue is closed and drained.
var ErrQueueClosed = errors.New("sample queue closed")

// Queue is a fixed-capacity FIFO of frames with a non-blocking send and a
// blocking receive. A producer that drops a frame records the reason with
// SetErr; the consumer sees it once from Recv after the retained frames.
type Queue struct {
	ch     chan *media.Frame
	notify chan struct{}

	mu     sync.RWMutex
	closed bool

	errMu sync.Mutex
	err   error
}

// NewQueue creates a queue that holds up to size frames. A size of 0 or
// less selects DefaultQueueSize.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{
		ch:     make(chan *media.Frame, size),
		notify: make(chan struct{}, 1),
	}
}

// TrySend enqueues f without blocking. It returns an error wrapping
// fault.ErrQueueFull when the queue is at capacity; ownership of f stays
// with the caller in that case.
func (q *Queue) TrySend(f *media.Frame) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- f:
		return nil
	default:
		return fmt.Errorf("%d frames queued: %w", cap(q.ch), fault.ErrQueueFull)
	}
}

// SetErr records err for the consumer. The error stays set until Recv
// reports it.
func (q *Queue) SetErr(err error) {
	q.errMu.Lock()
	q.err = err
	q.errMu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Err returns the pending error, if any, without clearing it.
func (q *Queue) Err() error {
	q.errMu.Lock()
	defer q.errMu.Unlock()
	return q.err
}

func (q *Queue) takeErr() error {
	q.errMu.Lock()
	defer q.errMu.Unlock()
	err := q.err
	q.err = nil
	return err
}

// Len returns the number of queued frames.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return cap(q.ch) }

// Recv blocks until a frame is available, an error has been recorded, the
// queue is closed and drained, or ctx is done. Queued frames are delivered
// before a recorded error.
func (q *Queue) Recv(ctx context.Context) (*media.Frame, error) {
	for {
		select {
		case f, ok := <-q.ch:
			if !ok {
				return nil, ErrQueueClosed
			}
			return f, nil
		default:
		}
		if err := q.takeErr(); err != nil {
			return nil, err
		}

		select {
		case f, ok := <-q.ch:
			if !ok {
				return nil, ErrQueueClosed
			}
			return f, nil
		case <-q.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close stops further sends. Frames already queued can still be received.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}
