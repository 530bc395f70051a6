package constants

import "time"

const (
	// Annotation prefix shared by every annotation the operator reads or writes.
	AnnotationPrefix = "headwind.sh/"

	// Annotations read from workloads.
	PolicyAnnotation             = AnnotationPrefix + "policy"
	PatternAnnotation            = AnnotationPrefix + "pattern"
	RequireApprovalAnnotation    = AnnotationPrefix + "require-approval"
	MinUpdateIntervalAnnotation  = AnnotationPrefix + "min-update-interval"
	ImagesAnnotation             = AnnotationPrefix + "images"
	EventSourceAnnotation        = AnnotationPrefix + "event-source"
	PollingIntervalAnnotation    = AnnotationPrefix + "polling-interval"
	AutoRollbackAnnotation       = AnnotationPrefix + "auto-rollback"
	RollbackTimeoutAnnotation    = AnnotationPrefix + "rollback-timeout"
	HealthCheckRetriesAnnotation = AnnotationPrefix + "health-check-retries"

	// Annotations written by the operator.
	LastUpdateAnnotation    = AnnotationPrefix + "last-update"
	UpdateHistoryAnnotation = AnnotationPrefix + "update-history"

	// Signature header checked on the generic registry webhook.
	SignatureHeader = "X-Headwind-Signature"

	// Defaults for annotation-derived policy values.
	DefaultMinUpdateInterval  = 300 * time.Second
	DefaultRollbackTimeout    = 300 * time.Second
	DefaultHealthCheckRetries = 3

	// History entries kept per container on a workload.
	MaxHistoryEntriesPerContainer = 10

	// Approver recorded on history entries written by the rollback loop.
	AutoRollbackApprover = "auto-rollback"

	// Event channel capacity; overflow drops the oldest event.
	EventChannelCapacity = 1024

	// Poller worker pool size per cycle.
	PollerWorkers = 16

	// Deadlines from the concurrency model.
	WebhookHandlerTimeout  = 5 * time.Second
	RegistryCallTimeout    = 10 * time.Second
	ClusterPatchTimeout    = 15 * time.Second
	ApprovalApplyTimeout   = 30 * time.Second
	HealthCheckInterval    = 10 * time.Second
	ConflictRetryAttempts  = 5
	ReconcileRetryAttempts = 5

	// HTTP listen addresses.
	WebhookListenAddr  = ":8080"
	ApprovalListenAddr = ":8081"
	MetricsListenAddr  = ":9090"
)
