package manager

import "github.com/prometheus/client_golang/prometheus"

var (
	loadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "model",
			Name:      "loads_total",
			Help:      "Model load attempts by result",
		},
		[]string{"variant", "result"},
	)

	generationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "model",
			Name:      "generations_total",
			Help:      "Generation requests by result",
		},
		[]string{"variant", "result"},
	)

	generationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "inferd",
			Subsystem: "model",
			Name:      "generation_duration_seconds",
			Help:      "Duration of successful generations in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"variant"},
	)

	generationsInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "inferd",
			Subsystem: "model",
			Name:      "generations_inflight",
			Help:      "Generation requests admitted and not yet finished",
		},
	)
)

func init() {
	prometheus.MustRegister(loadsTotal, generationsTotal, generationDuration, generationsInflight)
}

// resultLabel classifies a generation outcome.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsTooBusy(err):
		return "busy"
	case IsTimeout(err):
		return "timeout"
	case IsNotLoaded(err):
		return "not_loaded"
	default:
		return "error"
	}
}
