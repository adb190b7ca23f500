// Package metrics provides Prometheus metrics for the push pipeline and
// the sampling worker.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "streampush"

var (
	ingestBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "bytes_total",
		Help:      "Bytes read from the source",
	})

	packetsRead = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "packets_read_total",
		Help:      "Demuxed packets read, by stream kind",
	}, []string{"kind"})

	packetsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "packets_written_total",
		Help:      "Packets handed to the muxer, by stream kind and output mode",
	}, []string{"kind", "mode"})

	bytesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "bytes_written_total",
		Help:      "Payload bytes handed to the muxer, by stream kind",
	}, []string{"kind"})

	framesDecoded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "decode",
		Name:      "frames_total",
		Help:      "Frames produced by decoders, by stream kind",
	}, []string{"kind"})

	decodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "decode",
		Name:      "errors_total",
		Help:      "Packets dropped after a decode error, by stream kind",
	}, []string{"kind"})

	samples = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sample",
		Name:      "frames_total",
		Help:      "Sampled frames by outcome (accepted, dropped, written, failed)",
	}, []string{"outcome"})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sample",
		Name:      "queue_depth",
		Help:      "Frames waiting in the sample queue",
	})
)

// Sample outcomes.
const (
	SampleAccepted = "accepted"
	SampleDropped  = "dropped"
	SampleWritten  = "written"
	SampleFailed   = "failed"
)

// AddIngestBytes counts n bytes read from the source.
func AddIngestBytes(n int) {
	ingestBytes.Add(float64(n))
}

// PacketRead counts one demuxed packet of the given stream kind.
func PacketRead(kind string) {
	packetsRead.WithLabelValues(kind).Inc()
}

// PacketWritten counts one muxed packet of n bytes.
func PacketWritten(kind, mode string, n int) {
	packetsWritten.WithLabelValues(kind, mode).Inc()
	bytesWritten.WithLabelValues(kind).Add(float64(n))
}

// FrameDecoded counts one decoded frame.
func FrameDecoded(kind string) {
	framesDecoded.WithLabelValues(kind).Inc()
}

// DecodeError counts one packet dropped by a decoder.
func DecodeError(kind string) {
	decodeErrors.WithLabelValues(kind).Inc()
}

// Sample counts one sampled frame with the given outcome.
func Sample(outcome string) {
	samples.WithLabelValues(outcome).Inc()
}

// SetQueueDepth records the number of frames waiting in the sample queue.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
