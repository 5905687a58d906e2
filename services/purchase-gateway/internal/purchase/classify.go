package purchase

import (
	"github.com/menulens/menulens/libs/plan"
	"github.com/menulens/menulens/services/purchase-gateway/internal/backend"
)

// Decision is the classification of a plan selection against the current
// subscription record. Classification is pure: it depends only on the stored
// plan type, its status, and the selected tier, never on network state.
type Decision string

const (
	// DecisionAlreadyFree: selecting free while nothing paid is in effect.
	DecisionAlreadyFree Decision = "already_free"
	// DecisionCancelViaStore: selecting free while a paid subscription is
	// active. Store-managed cancellation is outside this engine's control,
	// so the flow terminates with instructions instead of a purchase.
	DecisionCancelViaStore Decision = "cancel_via_store"
	// DecisionAlreadyActive: re-selecting the currently active paid tier.
	DecisionAlreadyActive Decision = "already_active"
	// DecisionConfirmSwitch: replacing one active paid tier with the other.
	// Requires explicit acknowledgement because of the double-billing risk.
	DecisionConfirmSwitch Decision = "confirm_switch"
	// DecisionPurchase: a plain new purchase.
	DecisionPurchase Decision = "purchase"
)

// Classify decides what a plan selection means given the current record.
// A non-active record counts as free here: an expired pro subscriber picking
// pro again is a new purchase, not a no-op.
func Classify(current backend.PlanInfo, selected plan.Type) Decision {
	activePaid := current.Status == backend.StatusActive && current.PlanType.Paid()

	if selected == plan.Free {
		if activePaid {
			return DecisionCancelViaStore
		}
		return DecisionAlreadyFree
	}

	if activePaid {
		if selected == current.PlanType {
			return DecisionAlreadyActive
		}
		return DecisionConfirmSwitch
	}
	return DecisionPurchase
}
