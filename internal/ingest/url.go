package ingest

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrUnsupportedScheme is returned for source URLs no opener handles.
var ErrUnsupportedScheme = errors.New("ingest: unsupported source scheme")

// Options are the source URL query options.
type Options struct {
	// BufferSize is the socket receive buffer for udp and the read buffer
	// size otherwise, in bytes. 0 keeps the defaults.
	BufferSize int
	// SocketTimeout fails a read after this long without data. 0 waits
	// forever.
	SocketTimeout time.Duration
	// MaxDelay is the SRT latency.
	MaxDelay time.Duration
	// Transport "tcp" reads a udp:// URL over TCP instead.
	Transport string
	// StreamID is the SRT stream id.
	StreamID string
	// Listen accepts one incoming connection instead of dialing.
	Listen bool
}

// Target is a parsed source URL.
type Target struct {
	Raw     string
	Scheme  string
	Address string
	Path    string
	Options Options
}

// ParseURL parses a source: "-" is stdin, a string without a scheme is a
// file path, otherwise scheme://host:port?options.
func ParseURL(raw string) (Target, error) {
	if raw == "" {
		return Target{}, errors.New("ingest: empty source URL")
	}
	if raw == "-" {
		return Target{Raw: raw, Scheme: "stdin"}, nil
	}
	if !strings.Contains(raw, "://") {
		return Target{Raw: raw, Scheme: "file", Path: raw}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, fmt.Errorf("parse source URL: %w", err)
	}
	t := Target{Raw: raw, Scheme: strings.ToLower(u.Scheme)}
	if t.Scheme == "file" {
		t.Path = strings.TrimPrefix(raw, u.Scheme+"://")
		if i := strings.IndexByte(t.Path, '?'); i >= 0 {
			t.Path = t.Path[:i]
		}
		if t.Path == "" {
			return Target{}, fmt.Errorf("source URL %q: missing path", raw)
		}
		return t, nil
	}

	t.Address = u.Host
	if u.Port() == "" {
		return Target{}, fmt.Errorf("source URL %q: missing port", raw)
	}
	opts, err := parseOptions(u.Query())
	if err != nil {
		return Target{}, fmt.Errorf("source URL %q: %w", raw, err)
	}
	t.Options = opts
	if t.Scheme == "srt" && u.Hostname() == "" {
		t.Options.Listen = true
	}
	return t, nil
}

func parseOptions(q url.Values) (Options, error) {
	var o Options
	var err error
	if o.BufferSize, err = intOption(q, "buffer_size"); err != nil {
		return o, err
	}
	us, err := intOption(q, "socket_timeout")
	if err != nil {
		return o, err
	}
	o.SocketTimeout = time.Duration(us) * time.Microsecond
	if us, err = intOption(q, "max_delay"); err != nil {
		return o, err
	}
	o.MaxDelay = time.Duration(us) * time.Microsecond

	switch tr := strings.ToLower(q.Get("transport")); tr {
	case "", "udp", "tcp":
		o.Transport = tr
	default:
		return o, fmt.Errorf("transport %q: want udp or tcp", tr)
	}
	o.StreamID = q.Get("streamid")

	switch mode := strings.ToLower(q.Get("mode")); mode {
	case "", "caller":
	case "listener":
		o.Listen = true
	default:
		return o, fmt.Errorf("mode %q: want caller or listener", mode)
	}
	if v := q.Get("listen"); v != "" {
		listen, err := strconv.ParseBool(v)
		if err != nil {
			return o, fmt.Errorf("listen %q: %w", v, err)
		}
		o.Listen = o.Listen || listen
	}
	return o, nil
}

func intOption(q url.Values, key string) (int, error) {
	v := q.Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s %q: want a non-negative integer", key, v)
	}
	return n, nil
}
