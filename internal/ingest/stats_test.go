package ingest

import (
	"net"
	"sync"
	"testing"
	"time"
)

func TestCountersSnapshot(t *testing.T) {
	t.Parallel()
	opened := time.UnixMilli(1_700_000_000_000)
	c := newCounters(opened)
	c.add(100)
	c.add(88)

	st := c.snapshot(opened.Add(1500 * time.Millisecond))
	if st.BytesReceived != 188 || st.ReadCount != 2 {
		t.Errorf("counters: got %d bytes in %d reads, want 188 in 2", st.BytesReceived, st.ReadCount)
	}
	if st.ConnectedAt != opened.UnixMilli() || st.UptimeMs != 1500 {
		t.Errorf("times: got connected=%d uptime=%d, want %d and 1500", st.ConnectedAt, st.UptimeMs, opened.UnixMilli())
	}
	if st.RemoteAddr != "" {
		t.Errorf("remote: got %q before any peer, want empty", st.RemoteAddr)
	}
}

func TestCountersPeer(t *testing.T) {
	t.Parallel()
	c := newCounters(time.Now())
	c.notePeer(nil)
	if got := c.snapshot(time.Now()).RemoteAddr; got != "" {
		t.Errorf("remote after nil peer: got %q, want empty", got)
	}
	c.notePeer(&net.UDPAddr{IP: net.IPv4(192, 168, 1, 1), Port: 5000})
	if got := c.snapshot(time.Now()).RemoteAddr; got != "192.168.1.1:5000" {
		t.Errorf("remote: got %q, want 192.168.1.1:5000", got)
	}
}

func TestCountersConcurrent(t *testing.T) {
	t.Parallel()
	c := newCounters(time.Now())
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.add(188)
			_ = c.snapshot(time.Now())
		}()
	}
	wg.Wait()
	if got := c.snapshot(time.Now()).BytesReceived; got != 50*188 {
		t.Errorf("bytes: got %d, want %d", got, 50*188)
	}
}
