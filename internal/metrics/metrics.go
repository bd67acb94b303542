package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatrelay_connections_active",
			Help: "Number of chat connections currently in the active phase",
		},
	)

	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_connections_total",
			Help: "Total admission attempts by outcome",
		},
		[]string{"outcome"}, // outcome: accepted, denied_inbox, denied_auth, denied_duplicate, upstream_unavailable
	)

	// Relay metrics
	MessagesRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_messages_relayed_total",
			Help: "Chat events moved through the relay",
		},
		[]string{"direction"}, // direction: inbound, outbound
	)

	ProtocolViolations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_protocol_violations_total",
			Help: "Malformed client payloads ignored by the inbound duty cycle",
		},
	)

	// Authorization metrics
	AuthzFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_authz_failures_total",
			Help: "Failed authorization checks by reason",
		},
		[]string{"reason"}, // reason: denied, unreachable
	)
)

// Admission outcomes.
const (
	OutcomeAccepted            = "accepted"
	OutcomeDeniedInbox         = "denied_inbox"
	OutcomeDeniedAuth          = "denied_auth"
	OutcomeDeniedDuplicate     = "denied_duplicate"
	OutcomeUpstreamUnavailable = "upstream_unavailable"
)
