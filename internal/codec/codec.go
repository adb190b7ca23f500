// Package codec defines the decode and encode capabilities the pipeline
// drives, and a small registry of backends that provide them.
//
// The native backend is pure Go. It parses H.264 access units and ADTS
// frames into timing-only frames, which is enough to drive the timestamp
// machinery and the stream-copy path. Building with the astiav tag adds an
// FFmpeg backend that produces real pictures and can encode.
package codec

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zsiec/streampush/internal/media"
	"github.com/zsiec/streampush/internal/timebase"
)

var (
	// ErrAgain means no output is available until more input is sent.
	ErrAgain = errors.New("codec: no output available")
	// ErrEOF means the codec has been flushed and fully drained.
	ErrEOF = errors.New("codec: end of stream")
	// ErrUnsupported means no backend can handle the requested codec.
	ErrUnsupported = errors.New("codec: unsupported")
)

// Decoder turns packets into frames. SendPacket(nil) starts draining.
// A frame returned by ReceiveFrame is valid until the next ReceiveFrame
// call; callers that keep it must clone it.
type Decoder interface {
	SendPacket(pkt *media.Packet) error
	ReceiveFrame() (*media.Frame, error)
	// FrameRate is the decoder's own idea of the frame rate, or the zero
	// Rational when unknown.
	FrameRate() timebase.Rational
	// Delay is the number of frames currently held back for reordering.
	Delay() int
	Close() error
}

// Encoder turns frames into packets. SendFrame(nil) starts draining.
type Encoder interface {
	SendFrame(f *media.Frame) error
	ReceivePacket() (*media.Packet, error)
	// TimeBase is the timebase of the packets the encoder emits.
	TimeBase() timebase.Rational
	Close() error
}

// Params describes the stream a decoder or encoder is opened for.
type Params struct {
	Kind     media.Kind
	Codec    media.Codec
	TimeBase timebase.Rational

	FrameRate    timebase.Rational
	Width        int
	Height       int
	ReorderDepth int
	FullRange    bool
	SPS          []byte
	PPS          []byte

	ObjectType int
	SampleRate int
	Channels   int

	// Bitrate and GOPSize only apply to encoders; 0 selects the backend
	// default.
	Bitrate int64
	GOPSize int
}

// Backend opens decoders and encoders. Either constructor may be nil when
// the backend does not provide that capability.
type Backend struct {
	Name       string
	NewDecoder func(p Params, log *slog.Logger) (Decoder, error)
	NewEncoder func(p Params, log *slog.Logger) (Encoder, error)
}

var (
	backendsMu sync.RWMutex
	backends   = []Backend{nativeBackend}
)

// Register adds a backend ahead of the ones already registered, so it is
// preferred by the "auto" selection.
func Register(b Backend) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends = append([]Backend{b}, backends...)
}

// Backends returns the names of the registered backends in preference
// order.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, len(backends))
	for i, b := range backends {
		names[i] = b.Name
	}
	return names
}

func candidates(name string) ([]Backend, error) {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	if name == "" || name == "auto" {
		return append([]Backend(nil), backends...), nil
	}
	var have []string
	for _, b := range backends {
		if b.Name == name {
			return []Backend{b}, nil
		}
		have = append(have, b.Name)
	}
	return nil, fmt.Errorf("codec backend %q not available (have %v): %w", name, have, ErrUnsupported)
}

// OpenDecoder opens a decoder for p using the named backend, or the first
// backend that accepts p when name is "auto" or empty.
func OpenDecoder(name string, p Params, log *slog.Logger) (Decoder, error) {
	if log == nil {
		log = slog.Default()
	}
	list, err := candidates(name)
	if err != nil {
		return nil, err
	}
	var errs []error
	for _, b := range list {
		if b.NewDecoder == nil {
			continue
		}
		dec, err := b.NewDecoder(p, log.With("component", "decoder", "backend", b.Name, "codec", p.Codec))
		if err == nil {
			return dec, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", b.Name, err))
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("no decoder for %s: %w", p.Codec, ErrUnsupported)
	}
	return nil, fmt.Errorf("open %s decoder: %w", p.Codec, errors.Join(errs...))
}

// OpenEncoder opens an encoder for p, selecting the backend like
// OpenDecoder.
func OpenEncoder(name string, p Params, log *slog.Logger) (Encoder, error) {
	if log == nil {
		log = slog.Default()
	}
	list, err := candidates(name)
	if err != nil {
		return nil, err
	}
	var errs []error
	for _, b := range list {
		if b.NewEncoder == nil {
			continue
		}
		enc, err := b.NewEncoder(p, log.With("component", "encoder", "backend", b.Name, "codec", p.Codec))
		if err == nil {
			return enc, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", b.Name, err))
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("no encoder for %s (build with -tags astiav): %w", p.Codec, ErrUnsupported)
	}
	return nil, fmt.Errorf("open %s encoder: %w", p.Codec, errors.Join(errs...))
}

var nativeBackend = Backend{
	Name: "native",
	NewDecoder: func(p Params, log *slog.Logger) (Decoder, error) {
		switch p.Codec {
		case media.CodecH264:
			return NewAVCDecoder(p, log), nil
		case media.CodecAAC:
			return NewAACDecoder(p, log), nil
		default:
			return nil, ErrUnsupported
		}
	},
}
