// Package metrics provides Prometheus metrics for the agent.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	envelopesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fileagent_envelopes_received_total",
			Help: "Inbound envelopes by kind",
		},
		[]string{"type"},
	)

	envelopesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fileagent_envelopes_sent_total",
			Help: "Outbound envelopes by kind",
		},
		[]string{"type"},
	)

	decodeErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fileagent_decode_errors_total",
			Help: "Inbound frames that failed to decode",
		},
	)

	reconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fileagent_reconnect_attempts_total",
			Help: "Scheduled reconnection attempts",
		},
	)

	handshakes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fileagent_handshakes_total",
			Help: "Handshake acknowledgments by result",
		},
		[]string{"result"},
	)

	connectionStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fileagent_connection_status",
			Help: "1 for the current connection status, 0 otherwise",
		},
		[]string{"status"},
	)

	requests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fileagent_requests_total",
			Help: "Handled requests by kind and outcome",
		},
		[]string{"type", "result"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fileagent_request_duration_seconds",
			Help:    "Request handling duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	uploadBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fileagent_upload_bytes_total",
			Help: "Bytes uploaded by method",
		},
		[]string{"method"},
	)

	uploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fileagent_uploads_total",
			Help: "Uploads by method and outcome",
		},
		[]string{"method", "result"},
	)

	heartbeatFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fileagent_heartbeat_failures_total",
			Help: "Heartbeats that could not be collected or sent",
		},
	)
)

var statuses = []string{"disconnected", "connecting", "connected", "reconnecting", "failed"}

// RecordReceived counts an inbound envelope.
func RecordReceived(kind string) {
	envelopesReceived.WithLabelValues(kind).Inc()
}

// RecordSent counts an outbound envelope.
func RecordSent(kind string) {
	envelopesSent.WithLabelValues(kind).Inc()
}

// RecordDecodeError counts an undecodable frame.
func RecordDecodeError() {
	decodeErrors.Inc()
}

// RecordReconnectAttempt counts a scheduled reconnect.
func RecordReconnectAttempt() {
	reconnectAttempts.Inc()
}

// RecordHandshake counts a handshake acknowledgment.
func RecordHandshake(success bool) {
	result := "rejected"
	if success {
		result = "accepted"
	}
	handshakes.WithLabelValues(result).Inc()
}

// SetStatus marks status as the current connection status.
func SetStatus(status string) {
	for _, s := range statuses {
		v := 0.0
		if s == status {
			v = 1
		}
		connectionStatus.WithLabelValues(s).Set(v)
	}
}

// RecordRequest counts a handled request and its duration.
func RecordRequest(kind, result string, d time.Duration) {
	requests.WithLabelValues(kind, result).Inc()
	requestDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// AddUploadBytes adds transferred bytes for an upload method.
func AddUploadBytes(method string, n int64) {
	uploadBytes.WithLabelValues(method).Add(float64(n))
}

// RecordUpload counts a finished upload.
func RecordUpload(method string, success bool) {
	result := "error"
	if success {
		result = "success"
	}
	uploads.WithLabelValues(method, result).Inc()
}

// RecordHeartbeatFailure counts a swallowed heartbeat failure.
func RecordHeartbeatFailure() {
	heartbeatFailures.Inc()
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
