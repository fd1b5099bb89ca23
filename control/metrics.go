// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Prometheus metrics for the transport core.

package control

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricsEnabled atomic.Bool

func init() {
	metricsEnabled.Store(true)
}

// EnableMetrics toggles recording; collectors stay registered either way.
func EnableMetrics(on bool) {
	metricsEnabled.Store(on)
}

// MetricsEnabled reports whether recording is on.
func MetricsEnabled() bool {
	return metricsEnabled.Load()
}

var (
	// DatagramsTotal counts datagrams by handle kind and direction.
	DatagramsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vox_datagrams_total",
			Help: "Total number of datagrams moved by UDP handles",
		},
		[]string{"direction"},
	)

	// BytesTotal counts payload bytes by direction.
	BytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vox_bytes_total",
			Help: "Total number of datagram payload bytes moved by UDP handles",
		},
		[]string{"direction"},
	)

	// SendQueueDepth tracks queued send requests across all handles.
	SendQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vox_send_queue_depth",
			Help: "Number of send requests waiting in UDP send queues",
		},
	)

	// WouldBlockTotal counts sends deferred by backpressure.
	WouldBlockTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vox_send_would_block_total",
			Help: "Total number of sends deferred because the socket would block",
		},
	)

	// HandshakesTotal counts finished DTLS handshakes by result.
	HandshakesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vox_dtls_handshakes_total",
			Help: "Total number of finished DTLS handshakes",
		},
		[]string{"result"},
	)

	// RecordsReadTotal counts decrypted DTLS application records.
	RecordsReadTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vox_dtls_records_read_total",
			Help: "Total number of application records delivered by DTLS handles",
		},
	)

	// MultipartPartsTotal counts parsed multipart parts.
	MultipartPartsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vox_multipart_parts_total",
			Help: "Total number of completed multipart parts",
		},
	)

	// MultipartErrorsTotal counts parser failures by reason.
	MultipartErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vox_multipart_errors_total",
			Help: "Total number of multipart parser errors",
		},
		[]string{"reason"},
	)

	// PollErrorsTotal counts fatal backend poll failures.
	PollErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vox_backend_poll_errors_total",
			Help: "Total number of backend poll failures",
		},
		[]string{"backend"},
	)
)

// AddDatagram records one datagram of n bytes; direction is "in" or "out".
func AddDatagram(direction string, n int) {
	if !metricsEnabled.Load() {
		return
	}
	DatagramsTotal.WithLabelValues(direction).Inc()
	BytesTotal.WithLabelValues(direction).Add(float64(n))
}

// AddQueueDepth adjusts the send queue gauge by delta.
func AddQueueDepth(delta int) {
	if !metricsEnabled.Load() {
		return
	}
	SendQueueDepth.Add(float64(delta))
}

// IncWouldBlock records a deferred send.
func IncWouldBlock() {
	if metricsEnabled.Load() {
		WouldBlockTotal.Inc()
	}
}

// IncHandshake records a handshake result ("ok" or "error").
func IncHandshake(result string) {
	if metricsEnabled.Load() {
		HandshakesTotal.WithLabelValues(result).Inc()
	}
}

// IncRecordsRead records one delivered DTLS record.
func IncRecordsRead() {
	if metricsEnabled.Load() {
		RecordsReadTotal.Inc()
	}
}

// IncMultipartPart records one completed part.
func IncMultipartPart() {
	if metricsEnabled.Load() {
		MultipartPartsTotal.Inc()
	}
}

// IncMultipartError records a parser failure.
func IncMultipartError(reason string) {
	if metricsEnabled.Load() {
		MultipartErrorsTotal.WithLabelValues(reason).Inc()
	}
}

// IncPollError records a backend poll failure.
func IncPollError(backend string) {
	if metricsEnabled.Load() {
		PollErrorsTotal.WithLabelValues(backend).Inc()
	}
}
