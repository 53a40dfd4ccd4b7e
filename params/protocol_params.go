package params

import "time"

const (
	DefaultConfirmationDepth uint64 = 12 // Confirmations before a gateway event is final.
	DefaultThreshold         uint64 = 2  // Signatures needed when a gateway config leaves it unset.

	DefaultPollInterval  = 3 * time.Second  // Watcher polling period.
	DefaultStallInterval = 30 * time.Second // Watcher polling period after retry exhaustion.
	DefaultMaxRange      = 1024             // Maximum heights fetched in one Events call.
	DefaultDedupCache    = 16384            // Emitted event keys remembered per chain.

	DefaultAttestationTTL = 10 * time.Minute // Pending sets without progress expire after this.
	DefaultRetention      = 24 * time.Hour   // Terminal sets are kept this long for audit.
	DefaultSweepInterval  = 5 * time.Second  // Aggregator expiry/GC period.

	DefaultReorgWindow   uint64 = 256 // Heights whose block hash is tracked per chain.
	DefaultReorgInterval        = 3 * time.Second

	DefaultRetryBase        = 500 * time.Millisecond
	DefaultRetryMax         = 30 * time.Second
	DefaultRetryMaxAttempts = 5

	DefaultSubmitWorkers  = 4
	DefaultConfirmTimeout = 2 * time.Minute
	DefaultConfirmPoll    = 2 * time.Second

	DefaultMonitorRefresh = 5 * time.Second

	// Observers with at least this many consecutive read errors are unreachable.
	UnreachableErrorCount = 3
	// Observers rejecting more than this share of validated events are degraded.
	DegradedRejectionRatio = 0.5
	// Rejection ratios are only scored after this many validations.
	MinScoredValidations = 10
)
