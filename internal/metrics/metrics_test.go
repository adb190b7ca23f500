package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(packetsWritten.WithLabelValues("video", "copy"))
	beforeBytes := testutil.ToFloat64(bytesWritten.WithLabelValues("video"))

	PacketWritten("video", "copy", 100)
	PacketWritten("video", "copy", 50)

	if got := testutil.ToFloat64(packetsWritten.WithLabelValues("video", "copy")) - before; got != 2 {
		t.Errorf("packets written: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(bytesWritten.WithLabelValues("video")) - beforeBytes; got != 150 {
		t.Errorf("bytes written: got %v, want 150", got)
	}
}

func TestSampleOutcomes(t *testing.T) {
	before := testutil.ToFloat64(samples.WithLabelValues(SampleDropped))
	Sample(SampleDropped)
	if got := testutil.ToFloat64(samples.WithLabelValues(SampleDropped)) - before; got != 1 {
		t.Errorf("dropped: got %v, want 1", got)
	}

	SetQueueDepth(7)
	if got := testutil.ToFloat64(queueDepth); got != 7 {
		t.Errorf("queue depth: got %v, want 7", got)
	}
}

func TestHandler(t *testing.T) {
	PacketRead("audio")
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "streampush_pipeline_packets_read_total") {
		t.Error("expected streampush metrics in response")
	}
}
