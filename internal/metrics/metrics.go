// Package metrics holds the process-wide prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RouterDropped counts envelopes a router neither handled nor relayed.
	RouterDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "talkilla",
		Name:      "router_dropped_total",
		Help:      "Envelopes dropped by an event router, by endpoint and reason.",
	}, []string{"endpoint", "reason"})

	PortPostFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "talkilla",
		Name:      "port_post_failures_total",
		Help:      "Envelopes that could not be queued or written to a port.",
	}, []string{"reason"})

	OpenPorts = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "talkilla",
		Name:      "ports_open",
		Help:      "Ports currently registered with the worker.",
	})

	PollRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "talkilla",
		Name:      "signaling_poll_requests_total",
		Help:      "Long-poll requests issued to the signaling server, by outcome.",
	}, []string{"outcome"})

	RelayQueueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "talkilla",
		Name:      "relay_queue_dropped_total",
		Help:      "Events discarded by the relay because a user's queue was full.",
	})
)
