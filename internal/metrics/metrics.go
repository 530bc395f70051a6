/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics registers the operator's Prometheus collectors with the
// controller-runtime metrics registry, so they are served from the manager's
// metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	WebhookEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "headwind_webhook_events_total",
		Help: "Webhook requests received, by endpoint and result.",
	}, []string{"endpoint", "result"})

	EventChannelDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "headwind_event_channel_drops_total",
		Help: "Events dropped because the event channel was full.",
	})

	UpdatesApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "headwind_updates_applied_total",
		Help: "Updates successfully applied, by workload kind.",
	}, []string{"kind"})

	UpdatesFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "headwind_updates_failed_total",
		Help: "Update applications that failed after retries, by workload kind.",
	}, []string{"kind"})

	UpdatesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "headwind_updates_rejected_total",
		Help: "Updates rejected, by reason (policy decision or approval API).",
	}, []string{"reason"})

	UpdatesSkippedInterval = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "headwind_updates_skipped_interval_total",
		Help: "Updates skipped because the minimum update interval had not elapsed.",
	})

	UpdateRequestsPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "headwind_update_requests_pending",
		Help: "UpdateRequests currently in the Pending phase.",
	})

	WatchedWorkloads = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "headwind_watched_workloads",
		Help: "Workloads with a non-none update policy, by kind.",
	}, []string{"kind"})

	PollingCycles = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "headwind_polling_cycles_total",
		Help: "Completed polling cycles.",
	})

	PollingImagesChecked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "headwind_polling_images_checked_total",
		Help: "Image repositories checked by the poller.",
	})

	PollingChartsChecked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "headwind_polling_charts_checked_total",
		Help: "Helm charts checked by the poller.",
	})

	PollingNewTags = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "headwind_polling_new_tags_total",
		Help: "New tags or digests discovered by the poller.",
	})

	PollingErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "headwind_polling_errors_total",
		Help: "Registry errors during polling, by error class.",
	}, []string{"class"})

	RollbacksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "headwind_rollbacks_total",
		Help: "Rollbacks performed, by trigger (automatic or manual).",
	}, []string{"trigger"})

	RollbacksFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "headwind_rollbacks_failed_total",
		Help: "Rollback attempts that failed.",
	})

	HealthChecksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "headwind_health_checks_total",
		Help: "Health evaluations performed by the rollback monitor.",
	})

	HealthCheckFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "headwind_health_check_failures_total",
		Help: "Health evaluations that found the workload unhealthy.",
	})

	NotificationsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "headwind_notifications_sent_total",
		Help: "Notifications delivered, by provider.",
	}, []string{"provider"})

	NotificationsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "headwind_notifications_failed_total",
		Help: "Notifications that failed after retries, by provider.",
	}, []string{"provider"})

	ReconcileDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "headwind_event_reconcile_duration_seconds",
		Help:    "Time spent handling a single update event, by workload kind.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})
)

func init() {
	metrics.Registry.MustRegister(
		WebhookEventsTotal,
		EventChannelDrops,
		UpdatesApplied,
		UpdatesFailed,
		UpdatesRejected,
		UpdatesSkippedInterval,
		UpdateRequestsPending,
		WatchedWorkloads,
		PollingCycles,
		PollingImagesChecked,
		PollingChartsChecked,
		PollingNewTags,
		PollingErrors,
		RollbacksTotal,
		RollbacksFailed,
		HealthChecksTotal,
		HealthCheckFailures,
		NotificationsSent,
		NotificationsFailed,
		ReconcileDuration,
	)
}
