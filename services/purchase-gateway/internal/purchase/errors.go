package purchase

import (
	"errors"
	"fmt"
	"strings"

	"github.com/menulens/menulens/services/purchase-gateway/internal/store"
)

var (
	// ErrPurchaseInFlight rejects a second purchase attempt while one is
	// still running for the session. Attempts are rejected, never queued.
	ErrPurchaseInFlight = errors.New("another purchase is already in progress")

	// ErrAlreadyFree is the benign refusal when free is selected and no paid
	// subscription is in effect.
	ErrAlreadyFree = errors.New("the free plan is already active")

	// ErrAlreadySubscribed is the refusal when the selected paid tier is the
	// one currently active.
	ErrAlreadySubscribed = errors.New("this plan is already active")

	// ErrStoreNotLoaded is the hard failure for a production host whose
	// purchase SDK never loaded. No silent fallback here: masking a real
	// integration fault with mock purchases would be worse than failing.
	ErrStoreNotLoaded = errors.New("purchase service unavailable, restart the app and try again")

	// ErrMissingProof means the store completed a purchase but exposed no
	// transaction token or receipt to forward to the backend. The purchase
	// is failed loudly rather than synthesizing a stand-in proof.
	ErrMissingProof = errors.New("store did not expose a purchase proof token")
)

// ProductNotFoundError lists every available catalog entry so an operator can
// see at a glance which identifier mapping is broken.
type ProductNotFoundError struct {
	ProductID string
	Available []store.Package
}

func (e *ProductNotFoundError) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("product %q not found: offering is empty", e.ProductID)
	}
	entries := make([]string, 0, len(e.Available))
	for _, p := range e.Available {
		entries = append(entries, p.ProductID+"/"+p.Identifier)
	}
	return fmt.Sprintf("product %q not found in offering, available: %s", e.ProductID, strings.Join(entries, ", "))
}
