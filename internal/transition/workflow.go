package transition

import (
	"github.com/shopfront-labs/fulfillment/internal/domain"
)

// WorkflowRules maps each workflow status to the statuses reachable from
// it. A status with no entry (or an empty slice) is terminal. The table is
// injectable so the graph is deployment policy rather than a hard rule.
type WorkflowRules map[domain.WorkflowStatus][]domain.WorkflowStatus

// DefaultWorkflowRules is the fulfillment pipeline: the forward path
// new → approved → … → delivered, hold/resume from mid-pipeline statuses,
// cancellation from any non-terminal status, returns once goods have left
// the warehouse, and trash as a soft-delete from anywhere.
var DefaultWorkflowRules = WorkflowRules{
	domain.WorkflowNew: {
		domain.WorkflowApproved, domain.WorkflowOnHold,
		domain.WorkflowCancelled, domain.WorkflowTrash,
	},
	domain.WorkflowApproved: {
		domain.WorkflowProcessing, domain.WorkflowOnHold,
		domain.WorkflowCancelled, domain.WorkflowTrash,
	},
	domain.WorkflowProcessing: {
		domain.WorkflowPackaging, domain.WorkflowOnHold,
		domain.WorkflowCancelled, domain.WorkflowTrash,
	},
	domain.WorkflowPackaging: {
		domain.WorkflowShipped, domain.WorkflowOnHold,
		domain.WorkflowCancelled, domain.WorkflowTrash,
	},
	domain.WorkflowShipped: {
		domain.WorkflowOutForDelivery, domain.WorkflowOnHold,
		domain.WorkflowReturned, domain.WorkflowCancelled, domain.WorkflowTrash,
	},
	domain.WorkflowOutForDelivery: {
		domain.WorkflowDelivered, domain.WorkflowReturned,
		domain.WorkflowCancelled, domain.WorkflowTrash,
	},
	domain.WorkflowOnHold: {
		domain.WorkflowProcessing, domain.WorkflowCancelled, domain.WorkflowTrash,
	},
	domain.WorkflowDelivered: {},
	domain.WorkflowReturned:  {},
	domain.WorkflowCancelled: {},
	domain.WorkflowTrash:     {},
}

type Workflow struct {
	rules WorkflowRules
}

func NewWorkflow(rules WorkflowRules) *Workflow {
	if rules == nil {
		rules = DefaultWorkflowRules
	}
	return &Workflow{rules: rules}
}

// Validate accepts or rejects a requested transition. Terminal statuses
// reject everything with TerminalState; otherwise an unreachable target is
// an InvalidTransition naming both ends.
func (w *Workflow) Validate(current, target domain.WorkflowStatus) error {
	reachable, known := w.rules[current]
	if !known {
		return domain.Errorf(domain.KindInvalidTransition, "unknown workflow status %q", current)
	}
	if len(reachable) == 0 {
		return domain.Errorf(domain.KindTerminalState, "order is %s, no further workflow transitions", current)
	}
	for _, s := range reachable {
		if s == target {
			return nil
		}
	}
	return domain.Errorf(domain.KindInvalidTransition, "cannot move order from %s to %s", current, target)
}

// IsTerminal reports whether the status accepts no outgoing transitions.
func (w *Workflow) IsTerminal(status domain.WorkflowStatus) bool {
	reachable, known := w.rules[status]
	return known && len(reachable) == 0
}
