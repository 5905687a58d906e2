package purchase

import (
	"fmt"
	"time"

	"github.com/menulens/menulens/services/purchase-gateway/internal/backend"
	"github.com/menulens/menulens/services/purchase-gateway/internal/store"
)

// Host platforms for proof construction.
const (
	PlatformAndroid = "android"
	PlatformIOS     = "ios"
)

// BuildProof assembles the backend update payload from a completed store
// purchase. Android transactions prove themselves with a purchase token plus
// the package name; iOS with receipt data. A purchase whose proof the SDK did
// not expose fails with ErrMissingProof instead of sending a fabricated
// token.
func BuildProof(platform, packageName, productID string, info store.CustomerInfo) (backend.UpdateRequest, error) {
	req := backend.UpdateRequest{
		ProductID: productID,
		Platform:  platform,
	}
	switch platform {
	case PlatformAndroid:
		if info.PurchaseToken == "" {
			return backend.UpdateRequest{}, ErrMissingProof
		}
		req.PurchaseToken = info.PurchaseToken
		req.PackageName = packageName
	case PlatformIOS:
		if info.ReceiptData == "" {
			return backend.UpdateRequest{}, ErrMissingProof
		}
		req.ReceiptData = info.ReceiptData
	default:
		return backend.UpdateRequest{}, fmt.Errorf("unsupported platform %q", platform)
	}
	return req, nil
}

// buildMockProof is the sandbox-only synthetic proof. The platform is
// suffixed so the backend can tell a test purchase from a real one and reject
// mock tokens on production platforms.
func buildMockProof(platform, packageName, productID string, now time.Time) backend.UpdateRequest {
	ts := now.Unix()
	req := backend.UpdateRequest{
		ProductID: productID,
		Platform:  platform + "_sandbox",
	}
	if platform == PlatformAndroid {
		req.PurchaseToken = fmt.Sprintf("mock_token_%d", ts)
		req.PackageName = packageName
	} else {
		req.ReceiptData = fmt.Sprintf("mock_receipt_%d", ts)
	}
	return req
}
