// Copyright 2025-2026 Mukhammad-develop

package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "addresser",
		Name:      "messages_forwarded_total",
		Help:      "Messages delivered to target feeds.",
	}, []string{"worker"})
	metricFiltered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "addresser",
		Name:      "messages_filtered_total",
		Help:      "Messages dropped by the keyword filter.",
	}, []string{"worker"})
	metricDeliveryFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "addresser",
		Name:      "delivery_failures_total",
		Help:      "Deliveries that exhausted their retry budget.",
	}, []string{"worker"})
	metricFloodWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "addresser",
		Name:      "flood_waits_total",
		Help:      "Rate-limit pauses imposed by the remote service.",
	}, []string{"worker"})
	metricDeletionsSynced = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "addresser",
		Name:      "deletions_synced_total",
		Help:      "Source deletions propagated to target feeds.",
	}, []string{"worker"})
	metricBackfilled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "addresser",
		Name:      "backfill_messages_total",
		Help:      "Messages replayed by the backfill orchestrator.",
	}, []string{"worker"})
	metricWorkerRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "addresser",
		Name:      "worker_restarts_total",
		Help:      "Supervisor-driven worker restarts after a crash.",
	}, []string{"worker"})
	metricRunningWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "addresser",
		Name:      "running_workers",
		Help:      "Workers currently running under the supervisor.",
	})
)
