// Package metrics exposes the Prometheus instrumentation for the
// check-in pipeline. Collectors register on the default registry and
// are served by the /metrics handler in the API process.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"ams/internal/ledger"
	"ams/internal/model"
)

// Recorder implements the engine's metrics hook.
type Recorder struct {
	checkins       *prometheus.CounterVec
	rejections     *prometheus.CounterVec
	matcherLatency prometheus.Histogram
}

// New registers the collectors on the default registry. Call once per
// process.
func New() *Recorder {
	return &Recorder{
		checkins: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ams",
			Name:      "checkin_events_total",
			Help:      "Completed attendance transitions by channel and action.",
		}, []string{"method", "action"}),
		rejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ams",
			Name:      "checkin_rejections_total",
			Help:      "Rejected check-in events by channel and error code.",
		}, []string{"method", "code"}),
		matcherLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ams",
			Name:      "face_matcher_duration_seconds",
			Help:      "Processing time reported by the face recognition service.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}
}

func (r *Recorder) CheckIn(method model.Method, action ledger.Action) {
	r.checkins.WithLabelValues(string(method), string(action)).Inc()
}

func (r *Recorder) Rejection(method model.Method, code string) {
	r.rejections.WithLabelValues(string(method), code).Inc()
}

func (r *Recorder) MatcherLatency(ms int64) {
	if ms <= 0 {
		return
	}
	r.matcherLatency.Observe(float64(ms) / 1000)
}
