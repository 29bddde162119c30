package network

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	connectionsAccepted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "echotrace_connections_accepted_total",
			Help: "Number of TCP connections accepted by servers",
		},
	)
	handshakeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echotrace_handshake_failures_total",
			Help: "Number of failed session handshakes",
		},
		[]string{"side"},
	)
	activeConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "echotrace_active_connections",
			Help: "Number of established sessions",
		},
		[]string{"side"},
	)
	eventsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echotrace_events_received_total",
			Help: "Number of application events received",
		},
		[]string{"kind"},
	)
	decodeFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "echotrace_decode_failures_total",
			Help: "Number of received lines that failed to decode or decrypt",
		},
	)
	listenerPanics = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "echotrace_listener_panics_total",
			Help: "Number of listener callbacks that panicked",
		},
	)
)

func init() {
	prometheus.MustRegister(connectionsAccepted)
	prometheus.MustRegister(handshakeFailures)
	prometheus.MustRegister(activeConnections)
	prometheus.MustRegister(eventsReceived)
	prometheus.MustRegister(decodeFailures)
	prometheus.MustRegister(listenerPanics)
}
