package purchase

import (
	"testing"

	"github.com/menulens/menulens/libs/plan"
	"github.com/menulens/menulens/services/purchase-gateway/internal/backend"
)

func TestClassify_ActiveCurrentPlans(t *testing.T) {
	cases := []struct {
		current  plan.Type
		selected plan.Type
		want     Decision
	}{
		{plan.Free, plan.Free, DecisionAlreadyFree},
		{plan.Free, plan.Pro, DecisionPurchase},
		{plan.Free, plan.Ultimate, DecisionPurchase},
		{plan.Pro, plan.Free, DecisionCancelViaStore},
		{plan.Pro, plan.Pro, DecisionAlreadyActive},
		{plan.Pro, plan.Ultimate, DecisionConfirmSwitch},
		{plan.Ultimate, plan.Free, DecisionCancelViaStore},
		{plan.Ultimate, plan.Pro, DecisionConfirmSwitch},
		{plan.Ultimate, plan.Ultimate, DecisionAlreadyActive},
	}
	for _, tc := range cases {
		current := backend.PlanInfo{PlanType: tc.current, Status: backend.StatusActive}
		if got := Classify(current, tc.selected); got != tc.want {
			t.Fatalf("Classify(active %s -> %s) = %s, want %s", tc.current, tc.selected, got, tc.want)
		}
	}
}

// A lapsed subscription counts as free: repurchasing the same tier is a new
// purchase, and selecting free is a no-op rather than a store cancellation.
func TestClassify_LapsedCurrentPlans(t *testing.T) {
	for _, status := range []string{backend.StatusExpired, backend.StatusCancelled} {
		current := backend.PlanInfo{PlanType: plan.Pro, Status: status}
		if got := Classify(current, plan.Pro); got != DecisionPurchase {
			t.Fatalf("Classify(%s pro -> pro) = %s, want purchase", status, got)
		}
		if got := Classify(current, plan.Ultimate); got != DecisionPurchase {
			t.Fatalf("Classify(%s pro -> ultimate) = %s, want purchase", status, got)
		}
		if got := Classify(current, plan.Free); got != DecisionAlreadyFree {
			t.Fatalf("Classify(%s pro -> free) = %s, want already_free", status, got)
		}
	}
}

func TestClassify_EmptyRecord(t *testing.T) {
	if got := Classify(backend.PlanInfo{}, plan.Pro); got != DecisionPurchase {
		t.Fatalf("empty record must classify as purchase, got %s", got)
	}
}
