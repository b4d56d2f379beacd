// Package metrics exposes Prometheus instrumentation for loading and
// running models. Collectors register on the default registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ParamsPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rwkv_params_placed_total",
		Help: "Parameters placed by the loading pipeline",
	}, []string{"device", "dtype"})

	PinFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rwkv_pin_failures_total",
		Help: "Streamed weights that could not be pinned and fell back to pageable memory",
	})

	DeviceResidentBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rwkv_device_resident_bytes",
		Help: "Bytes of placed weights resident per device",
	}, []string{"device"})

	LoadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rwkv_load_duration_seconds",
		Help:    "Time to place a parameter set",
		Buckets: prometheus.DefBuckets,
	}, []string{"mode"})

	ForwardTokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rwkv_forward_tokens_total",
		Help: "Tokens consumed by forward calls",
	})

	ForwardDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rwkv_forward_duration_seconds",
		Help:    "Latency of forward calls",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"mode"})

	StreamedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rwkv_streamed_bytes_total",
		Help: "Weight bytes transferred on demand for streamed layers",
	})

	NonFiniteOutputs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rwkv_nonfinite_outputs_total",
		Help: "Forward calls whose scores contained NaN or Inf",
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rwkv_active_sessions",
		Help: "Sessions currently held by the API server",
	})
)

// ForwardMode labels a forward call by its code path.
func ForwardMode(tokens int) string {
	if tokens == 1 {
		return "token"
	}
	return "sequence"
}

// ObserveForward records one forward call.
func ObserveForward(tokens int, d time.Duration) {
	ForwardTokens.Add(float64(tokens))
	ForwardDuration.WithLabelValues(ForwardMode(tokens)).Observe(d.Seconds())
}
