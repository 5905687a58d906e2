package handlers

import (
	"errors"
	"testing"
)

func TestValidateProof(t *testing.T) {
	cases := []struct {
		name      string
		p         proof
		allowMock bool
		want      error
	}{
		{
			name: "android with token and package",
			p:    proof{Platform: "android", PurchaseToken: "gp-token", PackageName: "com.menulens.app"},
		},
		{
			name: "android missing token",
			p:    proof{Platform: "android", PackageName: "com.menulens.app"},
			want: errMissingProof,
		},
		{
			name: "android missing package name",
			p:    proof{Platform: "android", PurchaseToken: "gp-token"},
			want: errMissingProof,
		},
		{
			name: "ios with receipt",
			p:    proof{Platform: "ios", ReceiptData: "base64-receipt"},
		},
		{
			name: "ios missing receipt",
			p:    proof{Platform: "ios"},
			want: errMissingProof,
		},
		{
			name: "mock token on production android",
			p:    proof{Platform: "android", PurchaseToken: "mock_token_1700000000", PackageName: "com.menulens.app"},
			want: errMockProof,
		},
		{
			name:      "mock token on production android when allowed",
			p:         proof{Platform: "android", PurchaseToken: "mock_token_1700000000", PackageName: "com.menulens.app"},
			allowMock: true,
		},
		{
			name: "mock token on android sandbox",
			p:    proof{Platform: "android_sandbox", PurchaseToken: "mock_token_1700000000", PackageName: "com.menulens.app"},
		},
		{
			name: "mock receipt on production ios",
			p:    proof{Platform: "ios", ReceiptData: "mock_receipt_1700000000"},
			want: errMockProof,
		},
		{
			name: "mock receipt on ios sandbox",
			p:    proof{Platform: "ios_sandbox", ReceiptData: "mock_receipt_1700000000"},
		},
		{
			name: "sandbox still requires proof",
			p:    proof{Platform: "android_sandbox"},
			want: errMissingProof,
		},
		{
			name: "unknown platform",
			p:    proof{Platform: "windows", PurchaseToken: "tok"},
			want: errUnknownPlatform,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateProof(tc.p, tc.allowMock)
			if tc.want == nil {
				if err != nil {
					t.Fatalf("validateProof: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("validateProof = %v, want %v", err, tc.want)
			}
		})
	}
}
