// Package stream holds the input and output stream descriptors of one
// pipeline run and the registry that owns them.
package stream

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrUnknownSource is returned when an output names an input that is not
// registered.
var ErrUnknownSource = errors.New("unknown source stream")

// Registry owns the input and output streams of one pipeline. It is
// populated during setup and then read by the primary loop. Snapshot may
// be called from any goroutine.
type Registry struct {
	log     *slog.Logger
	mu      sync.RWMutex
	inputs  []*InputStream
	outputs []*OutputStream
}

// NewRegistry creates an empty registry. If log is nil, slog.Default() is used.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{log: log.With("component", "stream-registry")}
}

// AddInput registers in, assigning the next input index and resetting its
// timestamp state.
func (r *Registry) AddInput(in *InputStream) *InputStream {
	r.mu.Lock()
	defer r.mu.Unlock()

	in.Index = len(r.inputs)
	in.reset()
	r.inputs = append(r.inputs, in)
	r.log.Info("input stream added",
		"index", in.Index,
		"kind", in.Kind,
		"codec", in.Codec,
		"time_base", in.TimeBase,
		"decoding", in.DecodingNeeded)
	return in
}

// AddOutput registers out, assigning the next output index. The source
// input must already be registered; several outputs may share one source.
func (r *Registry) AddOutput(out *OutputStream) (*OutputStream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if out.SourceIndex < 0 || out.SourceIndex >= len(r.inputs) {
		return nil, fmt.Errorf("output source %d (have %d inputs): %w", out.SourceIndex, len(r.inputs), ErrUnknownSource)
	}
	src := r.inputs[out.SourceIndex]
	if out.Kind != src.Kind {
		return nil, fmt.Errorf("output kind %s does not match source %d kind %s", out.Kind, src.Index, src.Kind)
	}

	out.Index = len(r.outputs)
	out.reset()
	r.outputs = append(r.outputs, out)
	r.log.Info("output stream added",
		"index", out.Index,
		"source", out.SourceIndex,
		"kind", out.Kind,
		"mode", out.Mode)
	return out, nil
}

// Input returns the input stream with index i.
func (r *Registry) Input(i int) (*InputStream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i < 0 || i >= len(r.inputs) {
		return nil, false
	}
	return r.inputs[i], true
}

// Inputs returns all input streams in index order.
func (r *Registry) Inputs() []*InputStream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*InputStream(nil), r.inputs...)
}

// Output returns the output stream with index i.
func (r *Registry) Output(i int) (*OutputStream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i < 0 || i >= len(r.outputs) {
		return nil, false
	}
	return r.outputs[i], true
}

// Outputs returns all output streams in index order.
func (r *Registry) Outputs() []*OutputStream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*OutputStream(nil), r.outputs...)
}

// OutputsFor returns the output streams fed by input src.
func (r *Registry) OutputsFor(src int) []*OutputStream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var outs []*OutputStream
	for _, o := range r.outputs {
		if o.SourceIndex == src {
			outs = append(outs, o)
		}
	}
	return outs
}

// Snapshot is a point-in-time copy of the registry's counters.
type Snapshot struct {
	Inputs  []InputStats  `json:"inputs"`
	Outputs []OutputStats `json:"outputs"`
}

// Snapshot returns the counters of every stream.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Snapshot{
		Inputs:  make([]InputStats, len(r.inputs)),
		Outputs: make([]OutputStats, len(r.outputs)),
	}
	for i, in := range r.inputs {
		s.Inputs[i] = in.Stats()
	}
	for i, o := range r.outputs {
		s.Outputs[i] = o.Stats()
	}
	return s
}

// Close closes every decoder and encoder owned by the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, in := range r.inputs {
		if in.Decoder != nil {
			errs = append(errs, in.Decoder.Close())
			in.Decoder = nil
		}
	}
	for _, o := range r.outputs {
		if o.Encoder != nil {
			errs = append(errs, o.Encoder.Close())
			o.Encoder = nil
		}
	}
	return errors.Join(errs...)
}
