// Package metrics exposes the pool core's operation counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PaymentsConfirmed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "juntas_payments_confirmed_total",
		Help: "Member self-confirmations recorded.",
	})

	PaymentsVerified = promauto.NewCounter(prometheus.CounterOpts{
		Name: "juntas_payments_verified_total",
		Help: "Admin verifications recorded.",
	})

	PayoutsReleased = promauto.NewCounter(prometheus.CounterOpts{
		Name: "juntas_payouts_released_total",
		Help: "Payouts released, in-turn and early.",
	})

	RoundsAdvanced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "juntas_rounds_advanced_total",
		Help: "Round rotations completed.",
	})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "juntas_events_dropped_total",
		Help: "Domain events dropped because the log buffer was full.",
	})
)

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
