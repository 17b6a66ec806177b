package subsync

import "time"

// Metrics defines the interface for tracking reconciliation outcomes and storage performance.
type Metrics interface {
	// RecordEvent records the outcome of one inbound event.
	// kind is "unknown" when the event could not be classified.
	RecordEvent(kind, outcome string)

	// RecordEventDuration records how long an event took from verification to commit.
	RecordEventDuration(kind string, duration time.Duration)

	// RecordPlanChange records a subscription moving between plans.
	RecordPlanChange(fromPlan, toPlan string)

	// RecordStorageOperation records the duration and status of a repository operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordEvent(kind, outcome string)                                           {}
func (n *NoopMetrics) RecordEventDuration(kind string, duration time.Duration)                    {}
func (n *NoopMetrics) RecordPlanChange(fromPlan, toPlan string)                                   {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                               {}
