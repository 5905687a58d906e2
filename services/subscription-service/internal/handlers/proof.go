package handlers

import (
	"errors"
	"strings"
)

// Purchase proofs arrive from the gateway after a store purchase. Android
// proofs are a Play purchase token plus the application id; iOS proofs are
// the App Store receipt. The *_sandbox platforms carry generated mock proofs
// and are only entitled to them: a mock proof on a production platform is
// rejected unless the deployment explicitly allows it.
const (
	platformAndroid        = "android"
	platformIOS            = "ios"
	platformAndroidSandbox = "android_sandbox"
	platformIOSSandbox     = "ios_sandbox"

	mockTokenPrefix   = "mock_token_"
	mockReceiptPrefix = "mock_receipt_"
)

var (
	errUnknownPlatform = errors.New("unknown platform")
	errMissingProof    = errors.New("purchase proof is required")
	errMockProof       = errors.New("mock proof not accepted on production platform")
)

type proof struct {
	Platform      string
	PurchaseToken string
	ReceiptData   string
	PackageName   string
}

func validateProof(p proof, allowMock bool) error {
	switch p.Platform {
	case platformAndroid, platformAndroidSandbox:
		if strings.TrimSpace(p.PurchaseToken) == "" || strings.TrimSpace(p.PackageName) == "" {
			return errMissingProof
		}
		if strings.HasPrefix(p.PurchaseToken, mockTokenPrefix) && p.Platform != platformAndroidSandbox && !allowMock {
			return errMockProof
		}
	case platformIOS, platformIOSSandbox:
		if strings.TrimSpace(p.ReceiptData) == "" {
			return errMissingProof
		}
		if strings.HasPrefix(p.ReceiptData, mockReceiptPrefix) && p.Platform != platformIOSSandbox && !allowMock {
			return errMockProof
		}
	default:
		return errUnknownPlatform
	}
	return nil
}
