// Package fault classifies pipeline errors so each stage can decide
// whether to abort, skip the current packet, or drop and continue.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the handling class of an error.
type Kind int

// Error kinds, ordered from least to most severe handling.
const (
	// KindTransient is handled locally, typically by retrying later.
	KindTransient Kind = iota + 1
	// KindResource is an allocation or capacity failure. On the sampling
	// path it drops the sample; on the main path it aborts the iteration.
	KindResource
	// KindRecoverable affects a single packet; the packet is dropped and
	// the loop continues.
	KindRecoverable
	// KindInvalidParams is a stream that cannot be processed as
	// described. It is surfaced and not retried.
	KindInvalidParams
	// KindFatal aborts the pipeline.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindResource:
		return "resource"
	case KindRecoverable:
		return "recoverable"
	case KindInvalidParams:
		return "invalid-params"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Sentinel errors shared across packages. Use errors.Is to test for them.
var (
	ErrInvalidStreamParameters = errors.New("invalid stream parameters")
	ErrNoStreams               = errors.New("no decodable streams")
	ErrQueueFull               = errors.New("sample queue full")
)

// Error attaches an operation name and handling class to an underlying
// error.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with op and kind. A nil err returns nil.
func New(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// Fatal wraps err as KindFatal.
func Fatal(op string, err error) error { return New(op, KindFatal, err) }

// Recoverable wraps err as KindRecoverable.
func Recoverable(op string, err error) error { return New(op, KindRecoverable, err) }

// Resource wraps err as KindResource.
func Resource(op string, err error) error { return New(op, KindResource, err) }

// KindOf returns the kind of the outermost *Error in err's chain.
// ErrInvalidStreamParameters without a wrapper reports
// KindInvalidParams; anything else unclassified is KindFatal.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, ErrInvalidStreamParameters) {
		return KindInvalidParams
	}
	return KindFatal
}

// IsFatal reports whether err should stop the pipeline.
func IsFatal(err error) bool {
	return err != nil && KindOf(err) == KindFatal
}
