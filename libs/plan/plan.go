package plan

import "strings"

// Type is the subscription tier. Tiers are totally ordered by feature level:
// free < pro < ultimate.
type Type string

const (
	Free     Type = "free"
	Pro      Type = "pro"
	Ultimate Type = "ultimate"
)

// BillingPeriod selects the monthly or yearly product variant of a tier.
type BillingPeriod string

const (
	Monthly BillingPeriod = "monthly"
	Yearly  BillingPeriod = "yearly"
)

// Canonical store product identifiers. Monthly and yearly variants of the
// same tier are interchangeable at the entitlement level.
const (
	ProductProMonthly      = "pro_monthly"
	ProductProYearly       = "pro_yearly"
	ProductUltimateMonthly = "ultimate_monthly"
	ProductUltimateYearly  = "ultimate_yearly"
)

// Store entitlement identifiers granted by the paid products.
const (
	EntitlementPro      = "pro"
	EntitlementUltimate = "ultimate"
)

// Rank returns the ordering position of a tier. Unknown tiers rank as free.
func (t Type) Rank() int {
	switch t {
	case Pro:
		return 1
	case Ultimate:
		return 2
	default:
		return 0
	}
}

// Paid reports whether the tier is a paid tier.
func (t Type) Paid() bool {
	return t == Pro || t == Ultimate
}

var productToPlan = map[string]Type{
	ProductProMonthly:      Pro,
	ProductProYearly:       Pro,
	ProductUltimateMonthly: Ultimate,
	ProductUltimateYearly:  Ultimate,
}

// ProductToPlan maps a store product id to its tier. Unknown product ids fall
// back to a substring guess instead of failing, so the client keeps working
// when the store catalog and the backend drift apart. The guess is confined
// here; callers must not duplicate it.
func ProductToPlan(productID string) Type {
	if t, ok := productToPlan[productID]; ok {
		return t
	}
	return GuessPlanForProduct(productID)
}

// GuessPlanForProduct is the heuristic fallback for product ids that are not
// in the canonical table. Treat a hit on this path as a catalog configuration
// problem worth investigating, not as normal operation.
func GuessPlanForProduct(productID string) Type {
	id := strings.ToLower(productID)
	switch {
	case strings.Contains(id, "ultimate"):
		return Ultimate
	case strings.Contains(id, "pro"):
		return Pro
	default:
		return Free
	}
}

// DefaultProduct returns the product id for a tier/period combination.
// Free has no product; it returns "".
func DefaultProduct(t Type, period BillingPeriod) string {
	switch t {
	case Pro:
		if period == Yearly {
			return ProductProYearly
		}
		return ProductProMonthly
	case Ultimate:
		if period == Yearly {
			return ProductUltimateYearly
		}
		return ProductUltimateMonthly
	default:
		return ""
	}
}

// ProductVariants returns both billing-period product ids for a paid tier,
// monthly first. Used when scanning a customer's active subscriptions for
// whichever variant they actually hold.
func ProductVariants(t Type) []string {
	switch t {
	case Pro:
		return []string{ProductProMonthly, ProductProYearly}
	case Ultimate:
		return []string{ProductUltimateMonthly, ProductUltimateYearly}
	default:
		return nil
	}
}

// EntitlementID maps a tier to the store entitlement identifier that proves
// it. Free has no entitlement.
func EntitlementID(t Type) string {
	switch t {
	case Pro:
		return EntitlementPro
	case Ultimate:
		return EntitlementUltimate
	default:
		return ""
	}
}

// Limits are the per-feature daily allowances for a tier.
// Keep this small and stable: both services rely on these values.
type Limits struct {
	Tier     Type  `json:"tier"`
	MenuBulk int32 `json:"menu_bulk"`
	MenuStep int32 `json:"menu_step"`
	OCR      int32 `json:"ocr"`
}

func LimitsForTier(t Type) Limits {
	switch t {
	case Pro:
		return Limits{
			Tier:     Pro,
			MenuBulk: 10,
			MenuStep: 50,
			OCR:      100,
		}
	case Ultimate:
		return Limits{
			Tier:     Ultimate,
			MenuBulk: 100,
			MenuStep: 500,
			OCR:      1000,
		}
	default:
		return Limits{
			Tier:     Free,
			MenuBulk: 1,
			MenuStep: 3,
			OCR:      5,
		}
	}
}
