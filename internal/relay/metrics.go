package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tacit_relay",
		Name:      "active_connections",
		Help:      "Currently open websocket connections.",
	})

	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tacit_relay",
		Name:      "messages_total",
		Help:      "Inbound envelopes processed, by message type.",
	}, []string{"type"})

	droppedRoutesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tacit_relay",
		Name:      "dropped_routes_total",
		Help:      "Routed envelopes dropped because the recipient was offline.",
	})

	rateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tacit_relay",
		Name:      "rate_limited_total",
		Help:      "Messages rejected by the per-identifier rate limiter.",
	})

	rejectedAuthTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tacit_relay",
		Name:      "rejected_auth_total",
		Help:      "Envelopes dropped for unresolvable senders or bad signatures.",
	})

	matchesNotifiedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tacit_relay",
		Name:      "matches_notified_total",
		Help:      "Match notifications pushed to agents (two per matched pair).",
	})

	intentsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tacit_relay",
		Name:      "intents_active",
		Help:      "Intents currently indexed and unexpired.",
	})
)
