// Package stats is the statistics collaborator named in spec.md §1 as
// out of scope for the core's algorithms but required as an ambient
// dependency: publishes, timeout re-publishes, successes, failures
// (mismatch, retry exhaustion, persistence failure), disable-PDP
// events and heartbeat losses each increment a Prometheus counter. A
// timeout that finds the message still queued increments none. This
// follows the teacher's
// promauto-registered counters (services/notifications/notifications.go).
package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pap_pdp_requests_published_total",
		Help: "Number of PDP requests handed to the publisher, by message kind.",
	}, []string{"kind"})

	RequestsRetried = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pap_pdp_requests_retried_total",
		Help: "Number of PDP requests re-published after a timeout, by message kind.",
	}, []string{"kind"})

	RequestsSucceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pap_pdp_requests_succeeded_total",
		Help: "Number of PDP requests that received a matching response, by message kind.",
	}, []string{"kind"})

	RequestsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pap_pdp_requests_failed_total",
		Help: "Number of PDP requests that ended in mismatch or retry exhaustion, by reason.",
	}, []string{"reason"})

	PdpsDisabled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pap_pdp_disabled_total",
		Help: "Number of PDPs pushed through disable-PDP recovery.",
	})

	HeartbeatsLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pap_pdp_heartbeats_lost_total",
		Help: "Number of PDPs removed from tracking after missing their heartbeat threshold.",
	})
)
