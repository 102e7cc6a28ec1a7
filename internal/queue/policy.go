package queue

import (
	"time"

	"github.com/dustfold/sweeper/internal/core/domain"
)

// RetryPolicy describes how a queue handles failed attempts.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Backoff returns the delay before the given retry attempt. Exponential
// doubling from the base, capped.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// defaultPolicies maps each queue to its retry behavior. Price jobs
// retry quickly and give up early; execution jobs are more patient.
// Tracking jobs get a single attempt because the orchestrator re-drives
// stale tracking externally.
var defaultPolicies = map[string]RetryPolicy{
	domain.QueuePrices:    {MaxAttempts: 3, BaseBackoff: time.Second, MaxBackoff: 10 * time.Second},
	domain.QueueExecution: {MaxAttempts: 5, BaseBackoff: 2 * time.Second, MaxBackoff: time.Minute},
	domain.QueueTracking:  {MaxAttempts: 1, BaseBackoff: time.Second, MaxBackoff: time.Second},
}

func policyFor(queue string) RetryPolicy {
	if p, ok := defaultPolicies[queue]; ok {
		return p
	}
	return RetryPolicy{MaxAttempts: 3, BaseBackoff: time.Second, MaxBackoff: 30 * time.Second}
}

// FinalAttempt reports whether the job has no retry budget left under
// its queue's policy. Handlers consult this to record a durable outcome
// instead of letting the work die silently with the job.
func FinalAttempt(job *domain.Job) bool {
	return job.Attempts >= policyFor(job.Queue).MaxAttempts
}
