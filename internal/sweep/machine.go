package sweep

import (
	"fmt"

	"github.com/dustfold/sweeper/internal/core/domain"
)

// transitions is the full set of legal status moves. Cancellation is
// only reachable before submission; once funds may be in flight the
// sweep runs to a settled terminal state.
var transitions = map[domain.SweepStatus]map[domain.SweepStatus]bool{
	domain.SweepStatusPending: {
		domain.SweepStatusQuoting:   true,
		domain.SweepStatusFailed:    true,
		domain.SweepStatusCancelled: true,
	},
	domain.SweepStatusQuoting: {
		domain.SweepStatusSigning:   true,
		domain.SweepStatusFailed:    true,
		domain.SweepStatusCancelled: true,
	},
	domain.SweepStatusSigning: {
		domain.SweepStatusSubmitted: true,
		domain.SweepStatusFailed:    true,
		domain.SweepStatusCancelled: true,
	},
	domain.SweepStatusSubmitted: {
		domain.SweepStatusConfirmed: true,
		domain.SweepStatusFailed:    true,
	},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to domain.SweepStatus) bool {
	return transitions[from][to]
}

// InvalidTransitionError reports a rejected status move.
type InvalidTransitionError struct {
	From, To domain.SweepStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid sweep transition %s -> %s", e.From, e.To)
}
