// Package metrics exposes the agent's prometheus instrumentation on the
// default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transactions counts completed outbound transactions by method and
	// the status code of the answer that ended the exchange (for INVITE
	// this can be a provisional 100 or 180).
	Transactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "govoip",
		Name:      "transactions_total",
		Help:      "Completed outbound SIP transactions.",
	}, []string{"method", "status"})

	// Registrations counts REGISTER outcomes.
	Registrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "govoip",
		Name:      "registrations_total",
		Help:      "REGISTER transaction outcomes.",
	}, []string{"outcome"})

	// Registered is 1 while the agent holds an active registration.
	Registered = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "govoip",
		Name:      "registered",
		Help:      "Whether the agent currently holds a registration.",
	})

	// ParseFailures counts inbound messages the parser rejected.
	ParseFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "govoip",
		Name:      "parse_failures_total",
		Help:      "Inbound messages that failed SIP parsing.",
	})
)
