package plan

import "testing"

func TestProductToPlan_CanonicalProducts(t *testing.T) {
	cases := map[string]Type{
		ProductProMonthly:      Pro,
		ProductProYearly:       Pro,
		ProductUltimateMonthly: Ultimate,
		ProductUltimateYearly:  Ultimate,
	}
	for product, want := range cases {
		if got := ProductToPlan(product); got != want {
			t.Fatalf("ProductToPlan(%q) = %q, want %q", product, got, want)
		}
	}
	// Billing period must not affect the tier.
	if ProductToPlan(ProductProMonthly) != ProductToPlan(ProductProYearly) {
		t.Fatal("monthly and yearly pro variants map to different tiers")
	}
	if ProductToPlan(ProductUltimateMonthly) != ProductToPlan(ProductUltimateYearly) {
		t.Fatal("monthly and yearly ultimate variants map to different tiers")
	}
}

// Unknown products are guessed by substring instead of rejected. This keeps
// the client usable through catalog drift, but it can also mask a
// misconfigured catalog: a hit on this path deserves investigation.
func TestProductToPlan_UnknownFallsBackToHeuristic(t *testing.T) {
	if got := ProductToPlan("ultimate_lifetime"); got != Ultimate {
		t.Fatalf("expected heuristic ultimate, got %q", got)
	}
	if got := ProductToPlan("pro_weekly"); got != Pro {
		t.Fatalf("expected heuristic pro, got %q", got)
	}
	if got := ProductToPlan("mystery_sku"); got != Free {
		t.Fatalf("expected free for unrecognized sku, got %q", got)
	}
}

func TestDefaultProduct(t *testing.T) {
	if got := DefaultProduct(Pro, Monthly); got != ProductProMonthly {
		t.Fatalf("unexpected product: %s", got)
	}
	if got := DefaultProduct(Ultimate, Yearly); got != ProductUltimateYearly {
		t.Fatalf("unexpected product: %s", got)
	}
	if got := DefaultProduct(Free, Monthly); got != "" {
		t.Fatalf("free must not have a product, got %s", got)
	}
}

func TestEntitlementID(t *testing.T) {
	if got := EntitlementID(Pro); got != EntitlementPro {
		t.Fatalf("unexpected entitlement: %s", got)
	}
	if got := EntitlementID(Ultimate); got != EntitlementUltimate {
		t.Fatalf("unexpected entitlement: %s", got)
	}
	if got := EntitlementID(Free); got != "" {
		t.Fatalf("free must not have an entitlement, got %s", got)
	}
}

func TestTierOrdering(t *testing.T) {
	if !(Free.Rank() < Pro.Rank() && Pro.Rank() < Ultimate.Rank()) {
		t.Fatal("tier ordering broken")
	}
	if Free.Paid() || !Pro.Paid() || !Ultimate.Paid() {
		t.Fatal("paid flags broken")
	}
}

func TestLimitsForTier(t *testing.T) {
	free := LimitsForTier(Free)
	if free.MenuBulk != 1 || free.MenuStep != 3 || free.OCR != 5 {
		t.Fatalf("unexpected free limits: %+v", free)
	}
	pro := LimitsForTier(Pro)
	ultimate := LimitsForTier(Ultimate)
	if pro.MenuBulk <= free.MenuBulk || ultimate.MenuBulk <= pro.MenuBulk {
		t.Fatal("limits must grow with tier")
	}
	// Unknown tiers collapse to free limits.
	if LimitsForTier(Type("enterprise")) != free {
		t.Fatal("unknown tier must get free limits")
	}
}
