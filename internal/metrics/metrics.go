package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	envelopesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nimkit_logprobs_envelopes_total",
		Help: "Response envelopes normalized, grouped by the probe location that matched",
	}, []string{"mode", "shape"})

	tokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nimkit_logprobs_tokens_total",
		Help: "Tokens emitted by the logprobs normalizer",
	}, []string{"mode"})

	normalizeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nimkit_logprobs_normalize_duration_seconds",
		Help:    "Time spent normalizing a response or stream",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	}, []string{"mode"})

	toggleWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nimkit_nvidia_toggle_writes_total",
		Help: "NVIDIA API toggle writes grouped by requested value and outcome",
	}, []string{"enabled", "status"})

	requestsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nimkit_inference_requests_recorded_total",
		Help: "Inference requests written to history grouped by request type and status",
	}, []string{"request_type", "status"})
)

// ObserveNormalize records one normalization. shape is empty when no payload
// was found.
func ObserveNormalize(mode, shape string, tokens int, duration time.Duration) {
	if mode == "" {
		mode = "unknown"
	}
	if shape == "" {
		shape = "none"
	}
	envelopesTotal.WithLabelValues(mode, shape).Inc()
	tokensTotal.WithLabelValues(mode).Add(float64(tokens))
	normalizeDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// ObserveToggleWrite records an attempt to change the NVIDIA API toggle.
func ObserveToggleWrite(enabled, success bool) {
	status := "success"
	if !success {
		status = "failed"
	}
	value := "false"
	if enabled {
		value = "true"
	}
	toggleWrites.WithLabelValues(value, status).Inc()
}

// ObserveRequestRecorded counts an inference request written to history.
func ObserveRequestRecorded(requestType, status string) {
	if requestType == "" {
		requestType = "unknown"
	}
	if status == "" {
		status = "unknown"
	}
	requestsRecorded.WithLabelValues(requestType, status).Inc()
}
