// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by spans across the governor.
const (
	TaskPriorityKey = "task.priority"
	TaskOutcomeKey  = "task.outcome"
	TaskQueuedMSKey = "task.queued_ms"

	PoolActiveKey  = "pool.active"
	PoolIdleKey    = "pool.idle"
	PoolWaitingKey = "pool.waiting"

	CacheHitKey    = "cache.hit"
	CachePolicyKey = "cache.policy"

	GovernorConfidenceKey = "governor.confidence"
	GovernorLoadKey       = "governor.estimated_load"

	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// TaskAttributes builds span attributes for an admitted task.
func TaskAttributes(priority, outcome string, queuedMS int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(TaskPriorityKey, priority),
		attribute.String(TaskOutcomeKey, outcome),
		attribute.Int64(TaskQueuedMSKey, queuedMS),
	}
}

// PoolAttributes builds span attributes for pool operations.
func PoolAttributes(active, idle, waiting int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(PoolActiveKey, active),
		attribute.Int(PoolIdleKey, idle),
		attribute.Int(PoolWaitingKey, waiting),
	}
}

// ErrorAttributes marks a span as failed.
func ErrorAttributes(errType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errType),
	}
}
