package push

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	registrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "push_registrations_total",
		Help: "Registration attempts by outcome.",
	}, []string{"result"})

	intentsDispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "push_intents_dispatched_total",
		Help: "Decoded intents fanned out to subscribers, by event kind.",
	}, []string{"event"})

	subscriberFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "push_subscriber_failures_total",
		Help: "Subscriber callbacks that panicked during fan-out.",
	})
)
