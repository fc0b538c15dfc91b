package config

// Default* constants mirror the fallback values named in spec.md section 6.
const (
	DefaultPort = "8000"

	DefaultCacheResyncSeconds = 300
	DefaultFuzzyMatchThreshold         = 0.90
	DefaultFuzzyMatchAutopickThreshold = 0.95
	DefaultFuzzyMatchMargin            = 0.05

	DefaultRateLimitRPS      = 5.0
	DefaultRateLimitBurst    = 10.0
	DefaultRetryMaxAttempts  = 3
	DefaultRetryBaseDelayMs  = 200

	DefaultDBFilename = "hue-gateway.db"
	PreferredDBDir     = "/data"

	// IdempotencyCleanupIntervalSeconds is the housekeeping task period (spec 4.8).
	IdempotencyCleanupIntervalSeconds = 60
	// IdempotencyHardCapRows bounds the idempotency table regardless of TTL (spec 4.8, 9 open question 3).
	IdempotencyHardCapRows = 5000

	// BootstrapReconcileIntervalSeconds is the bootstrap loop period (spec 5.2).
	BootstrapReconcileIntervalSeconds = 2

	// EventBusRingCapacity and SubscriberQueueCapacity are the spec 4.6 defaults.
	EventBusRingCapacity      = 500
	SubscriberQueueCapacity   = 200

	// SSEKeepaliveIntervalSeconds is the spec section 6 keepalive cadence.
	SSEKeepaliveIntervalSeconds = 15

	// SSEIngestMinBackoffSeconds / SSEIngestMaxBackoffSeconds bound the ingest retry loop (spec 4.5).
	SSEIngestMinBackoffSeconds = 1
	SSEIngestMaxBackoffSeconds = 30
)
