// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldComponent  = "component"
	FieldEvent      = "event"
	FieldResourceID = "resource_id"
	FieldWaiterID   = "waiter_id"

	// Resource governance fields
	FieldMetric    = "metric"
	FieldValue     = "value"
	FieldThreshold = "threshold"
	FieldSeverity  = "severity"
	FieldPriority  = "priority"

	// Capacity fields
	FieldActive        = "active"
	FieldIdle          = "idle"
	FieldWaiting       = "waiting"
	FieldQueueLength   = "queue_length"
	FieldMaxConcurrent = "max_concurrent"
	FieldCacheSize     = "cache_size"
	FieldTargetSize    = "target_size"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Prediction fields
	FieldConfidence    = "confidence"
	FieldEstimatedLoad = "estimated_load"
)
