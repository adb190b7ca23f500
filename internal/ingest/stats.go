// Package ingest opens the MPEG-TS source a push session reads from and
// keeps connection-level statistics for it. Sources are addressed by URL;
// udp, tcp, file and stdin are built in, and other schemes (srt) register
// an Opener from their own package.
package ingest

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/zsiec/streampush/internal/metrics"
)

// Stats is a snapshot of a source's read counters.
type Stats struct {
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr"`
}

type counters struct {
	opened time.Time
	bytes  atomic.Int64
	reads  atomic.Int64
	peer   atomic.Pointer[string]
}

func newCounters(now time.Time) *counters {
	return &counters{opened: now}
}

func (c *counters) add(n int) {
	c.bytes.Add(int64(n))
	c.reads.Add(1)
	metrics.AddIngestBytes(n)
}

// notePeer records the peer address if addr is known.
func (c *counters) notePeer(addr net.Addr) {
	if addr == nil {
		return
	}
	s := addr.String()
	c.peer.Store(&s)
}

func (c *counters) snapshot(now time.Time) Stats {
	st := Stats{
		BytesReceived: c.bytes.Load(),
		ReadCount:     c.reads.Load(),
		ConnectedAt:   c.opened.UnixMilli(),
		UptimeMs:      now.Sub(c.opened).Milliseconds(),
	}
	if p := c.peer.Load(); p != nil {
		st.RemoteAddr = *p
	}
	return st
}
