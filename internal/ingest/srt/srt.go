package srt

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/streampush/internal/ingest"
)

// srtLatency is the SRT latency used when the URL sets no max_delay.
const srtLatency = 120 * time.Millisecond

// dialTimeout bounds the caller-mode handshake.
const dialTimeout = 10 * time.Second

func init() {
	ingest.RegisterScheme("srt", Open)
}

// Open dials or listens according to t.Options.Listen and returns the
// connection as a byte stream.
func Open(ctx context.Context, t ingest.Target, log *slog.Logger) (io.ReadCloser, error) {
	if log == nil {
		log = slog.Default()
	}
	latency := srtLatency
	if t.Options.MaxDelay > 0 {
		latency = t.Options.MaxDelay
	}
	if t.Options.Listen {
		return listen(ctx, t.Address, latency, log.With("mode", "listener"))
	}
	return call(ctx, t.Address, t.Options.StreamID, latency, log.With("mode", "caller"))
}

// conn adapts an SRT connection to the reader the ingest package expects.
type conn struct {
	c *srtgo.Conn
}

func (c conn) Read(p []byte) (int, error) { return c.c.Read(p) }

func (c conn) RemoteAddr() net.Addr { return c.c.RemoteAddr() }

func (c conn) Close() error {
	c.c.Close()
	return nil
}

// call dials the remote SRT listener with a timeout. srtgo.Dial does not
// take a context, so the dial runs in a goroutine and a connection that
// arrives after the caller gave up is closed.
func call(ctx context.Context, addr, streamID string, latency time.Duration, log *slog.Logger) (io.ReadCloser, error) {
	log.Info("dialing", "address", addr, "stream_id", streamID)

	cfg := srtgo.DefaultConfig()
	cfg.Latency = latency
	cfg.StreamID = streamID

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		c, err := srtgo.Dial(addr, cfg)
		ch <- dialResult{c, err}
	}()

	timer := time.NewTimer(dialTimeout)
	defer timer.Stop()

	abandon := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("SRT dial failed: %w", res.err)
		}
		log.Info("connected", "address", addr)
		return conn{res.conn}, nil
	case <-timer.C:
		abandon()
		return nil, fmt.Errorf("SRT dial timed out after %s", dialTimeout)
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	}
}

// listen accepts the first publisher and closes the listener. Connections
// with an empty stream id are accepted; the stream key is only logged.
func listen(ctx context.Context, addr string, latency time.Duration, log *slog.Logger) (io.ReadCloser, error) {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = latency
	l, err := srtgo.Listen(addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("SRT listen on %s: %w", addr, err)
	}
	defer l.Close()
	log.Info("waiting for SRT publisher", "addr", addr)

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	c, err := l.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("SRT accept: %w", err)
	}
	log.Info("publish", "stream_key", publishKey(c.StreamID()), "remote", c.RemoteAddr())
	return conn{c}, nil
}

// publishKey names a publisher from its stream id. The SRT access control
// form "#!::r=name,m=publish" yields the resource name; otherwise a leading
// "/" and "live/" are stripped.
func publishKey(streamID string) string {
	if kv, ok := strings.CutPrefix(streamID, "#!::"); ok {
		for field := range strings.SplitSeq(kv, ",") {
			if v, ok := strings.CutPrefix(field, "r="); ok && v != "" {
				return v
			}
		}
		return "default"
	}
	key := strings.TrimPrefix(strings.TrimPrefix(streamID, "/"), "live/")
	if key == "" {
		return "default"
	}
	return key
}
