package authrefresh

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeSuccess  = "success"
	outcomeFailure  = "failure"
	outcomeRejected = "rejected"
)

type Metrics struct {
	refreshes *prometheus.CounterVec
	queued    prometheus.Counter
	replays   prometheus.Counter
}

// NewMetrics builds the coordinator counters and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		refreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relaycart_auth_refresh_total",
			Help: "Refresh exchanges by outcome",
		}, []string{"outcome"}),
		queued: factory.NewCounter(prometheus.CounterOpts{
			Name: "relaycart_auth_refresh_queued_total",
			Help: "Requests that waited on an in-flight refresh exchange",
		}),
		replays: factory.NewCounter(prometheus.CounterOpts{
			Name: "relaycart_auth_replays_total",
			Help: "Requests replayed with a refreshed credential",
		}),
	}
}
