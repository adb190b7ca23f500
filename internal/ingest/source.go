package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"
)

// ErrIdleTimeout is returned by Read when the source sent nothing for the
// configured socket timeout.
var ErrIdleTimeout = errors.New("ingest: source idle")

const (
	dialTimeout = 10 * time.Second
	maxDatagram = 64 * 1024
)

// Opener opens the byte stream for a parsed source URL. The returned
// reader may implement RemoteAddr() net.Addr and SetReadDeadline.
type Opener func(ctx context.Context, t Target, log *slog.Logger) (io.ReadCloser, error)

var (
	openersMu sync.RWMutex
	openers   = map[string]Opener{
		"file":  openFile,
		"stdin": openStdin,
		"udp":   openUDP,
		"tcp":   openTCP,
	}
)

// RegisterScheme installs the opener for a URL scheme, replacing any
// existing one.
func RegisterScheme(scheme string, fn Opener) {
	openersMu.Lock()
	defer openersMu.Unlock()
	openers[scheme] = fn
}

func opener(scheme string) (Opener, bool) {
	openersMu.RLock()
	defer openersMu.RUnlock()
	fn, ok := openers[scheme]
	return fn, ok
}

type deadlineSetter interface {
	SetReadDeadline(t time.Time) error
}

type remoteAddresser interface {
	RemoteAddr() net.Addr
}

// Source is an open MPEG-TS byte stream with read statistics.
type Source struct {
	log      *slog.Logger
	target   Target
	rc       io.ReadCloser
	r        io.Reader
	deadline deadlineSetter
	count    *counters

	closeOnce sync.Once
	closeErr  error
}

// Open parses raw and opens the source. It blocks until the connection is
// established, which for listener modes means until a peer connects.
func Open(ctx context.Context, raw string, log *slog.Logger) (*Source, error) {
	if log == nil {
		log = slog.Default()
	}
	t, err := ParseURL(raw)
	if err != nil {
		return nil, err
	}
	fn, ok := opener(t.Scheme)
	if !ok {
		return nil, fmt.Errorf("%q: %w", t.Scheme, ErrUnsupportedScheme)
	}
	log = log.With("component", "ingest", "scheme", t.Scheme)

	rc, err := fn(ctx, t, log)
	if err != nil {
		return nil, fmt.Errorf("open %s source: %w", t.Scheme, err)
	}

	s := &Source{
		log:    log,
		target: t,
		rc:     rc,
		r:      rc,
		count:  newCounters(time.Now()),
	}
	if d, ok := rc.(deadlineSetter); ok && t.Options.SocketTimeout > 0 {
		s.deadline = d
	}
	if n := t.Options.BufferSize; n > 0 && t.Scheme != "udp" {
		s.r = bufio.NewReaderSize(rc, n)
	}
	s.notePeer()
	log.Info("source opened", "address", t.Address, "path", t.Path, "remote", s.Stats().RemoteAddr)
	return s, nil
}

// Read reads from the source, applying the idle timeout.
func (s *Source) Read(p []byte) (int, error) {
	if s.deadline != nil {
		_ = s.deadline.SetReadDeadline(time.Now().Add(s.target.Options.SocketTimeout))
	}
	n, err := s.r.Read(p)
	if n > 0 {
		s.count.add(n)
	}
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return n, fmt.Errorf("%w: no data for %s", ErrIdleTimeout, s.target.Options.SocketTimeout)
		}
	}
	return n, err
}

// Close closes the underlying connection or file. It is safe to call more
// than once and from another goroutine to unblock Read.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.rc.Close()
		st := s.Stats()
		s.log.Info("source closed", "bytes", st.BytesReceived, "reads", st.ReadCount, "uptime_ms", st.UptimeMs)
	})
	return s.closeErr
}

// Target returns the parsed source URL.
func (s *Source) Target() Target { return s.target }

// Stats returns the source read statistics.
func (s *Source) Stats() Stats {
	s.notePeer()
	return s.count.snapshot(time.Now())
}

func (s *Source) notePeer() {
	if ra, ok := s.rc.(remoteAddresser); ok {
		s.count.notePeer(ra.RemoteAddr())
	}
}

func openFile(_ context.Context, t Target, _ *slog.Logger) (io.ReadCloser, error) {
	return os.Open(t.Path)
}

func openStdin(context.Context, Target, *slog.Logger) (io.ReadCloser, error) {
	return io.NopCloser(os.Stdin), nil
}

func openTCP(ctx context.Context, t Target, log *slog.Logger) (io.ReadCloser, error) {
	if !t.Options.Listen {
		d := net.Dialer{Timeout: dialTimeout}
		return d.DialContext(ctx, "tcp", t.Address)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", t.Address)
	if err != nil {
		return nil, err
	}
	defer ln.Close()
	log.Info("waiting for TCP publisher", "addr", ln.Addr().String())

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return conn, nil
}

func openUDP(ctx context.Context, t Target, log *slog.Logger) (io.ReadCloser, error) {
	if t.Options.Transport == "tcp" {
		return openTCP(ctx, t, log)
	}
	addr, err := net.ResolveUDPAddr("udp", t.Address)
	if err != nil {
		return nil, err
	}
	var conn *net.UDPConn
	if addr.IP != nil && addr.IP.IsMulticast() {
		conn, err = net.ListenMulticastUDP("udp", nil, addr)
	} else {
		conn, err = net.ListenUDP("udp", addr)
	}
	if err != nil {
		return nil, err
	}
	if n := t.Options.BufferSize; n > 0 {
		if err := conn.SetReadBuffer(n); err != nil {
			log.Warn("could not set UDP receive buffer", "bytes", n, "error", err)
		}
	}
	return newDatagramReader(conn), nil
}

// datagramReader turns a UDP socket into a byte stream. Each datagram is
// read whole so a short caller buffer does not truncate it.
type datagramReader struct {
	conn *net.UDPConn
	buf  []byte
	pend []byte

	mu   sync.Mutex
	peer net.Addr
}

func newDatagramReader(conn *net.UDPConn) *datagramReader {
	return &datagramReader{conn: conn, buf: make([]byte, maxDatagram)}
}

func (r *datagramReader) Read(p []byte) (int, error) {
	for len(r.pend) == 0 {
		n, addr, err := r.conn.ReadFromUDP(r.buf)
		if err != nil {
			return 0, err
		}
		r.mu.Lock()
		r.peer = addr
		r.mu.Unlock()
		r.pend = r.buf[:n]
	}
	n := copy(p, r.pend)
	r.pend = r.pend[n:]
	return n, nil
}

// RemoteAddr is the sender of the most recent datagram.
func (r *datagramReader) RemoteAddr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peer
}

func (r *datagramReader) SetReadDeadline(t time.Time) error {
	return r.conn.SetReadDeadline(t)
}

func (r *datagramReader) Close() error { return r.conn.Close() }
