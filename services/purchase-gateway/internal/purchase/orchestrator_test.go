package purchase

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/menulens/menulens/libs/plan"
	"github.com/menulens/menulens/services/purchase-gateway/internal/backend"
	"github.com/menulens/menulens/services/purchase-gateway/internal/store"
)

type stubSDK struct {
	offering     *store.Offering
	purchaseErr  error
	purchased    []purchaseCall
	customerInfo store.CustomerInfo
	infoCalls    int
}

type purchaseCall struct {
	pkg     store.Package
	upgrade *store.UpgradeInfo
}

func (s *stubSDK) Configure(_ context.Context, _ string) error { return nil }

func (s *stubSDK) Offerings(_ context.Context) (*store.Offering, error) {
	if s.offering == nil {
		return nil, store.ErrNoProductsRegistered
	}
	return s.offering, nil
}

func (s *stubSDK) Purchase(_ context.Context, pkg store.Package, upgrade *store.UpgradeInfo) (store.CustomerInfo, error) {
	s.purchased = append(s.purchased, purchaseCall{pkg: pkg, upgrade: upgrade})
	if s.purchaseErr != nil {
		return store.CustomerInfo{}, s.purchaseErr
	}
	return s.customerInfo, nil
}

func (s *stubSDK) CustomerInfo(_ context.Context) (store.CustomerInfo, error) {
	s.infoCalls++
	return s.customerInfo, nil
}

type stubConfirmer struct {
	approveSwitch bool
	approveMock   bool
	switchCalls   int
	mockCalls     int
}

func (c *stubConfirmer) ConfirmSwitch(_ context.Context, _, _ plan.Type) (bool, error) {
	c.switchCalls++
	return c.approveSwitch, nil
}

func (c *stubConfirmer) ConfirmMock(_ context.Context) (bool, error) {
	c.mockCalls++
	return c.approveMock, nil
}

type backendRecorder struct {
	mu       sync.Mutex
	requests []backend.UpdateRequest
}

func (b *backendRecorder) serve(w http.ResponseWriter, r *http.Request) {
	var req backend.UpdateRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	req.UserID = r.Header.Get("X-User-Id")
	b.mu.Lock()
	b.requests = append(b.requests, req)
	b.mu.Unlock()

	derived := plan.ProductToPlan(req.ProductID)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"plan":    map[string]any{"plan_type": derived, "subscription_status": "active"},
	})
}

func (b *backendRecorder) calls() []backend.UpdateRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]backend.UpdateRequest(nil), b.requests...)
}

func newTestOrchestrator(t *testing.T, sdk store.SDK, sandbox bool, confirm *stubConfirmer) (*Orchestrator, *backendRecorder) {
	t.Helper()
	rec := &backendRecorder{}
	srv := httptest.NewServer(http.HandlerFunc(rec.serve))
	t.Cleanup(srv.Close)

	storeClient := store.NewClient(sdk, sandbox, nil)
	backendClient := backend.NewClient(backend.Config{BaseURL: srv.URL})
	o := NewOrchestrator(storeClient, backendClient, confirm, nil, Config{
		Platform:    PlatformAndroid,
		PackageName: "com.menulens.app",
	})
	return o, rec
}

func defaultOffering() *store.Offering {
	return &store.Offering{
		Identifier: "default",
		Packages: []store.Package{
			{Identifier: "monthly", ProductID: plan.ProductProMonthly},
			{Identifier: "yearly", ProductID: plan.ProductProYearly},
			{Identifier: "ultimate_monthly", ProductID: plan.ProductUltimateMonthly + ":store-internal-id"},
			{Identifier: "ultimate_yearly", ProductID: plan.ProductUltimateYearly},
		},
	}
}

func TestPurchase_FreeSelectedWithActivePaidPlan(t *testing.T) {
	sdk := &stubSDK{offering: defaultOffering()}
	o, rec := newTestOrchestrator(t, sdk, false, &stubConfirmer{})

	res, err := o.Purchase(context.Background(), Request{
		UserID:   "u1",
		Selected: plan.Free,
		Current:  backend.PlanInfo{PlanType: plan.Pro, Status: backend.StatusActive},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeCancelViaStore {
		t.Fatalf("expected cancel_via_store, got %s", res.Outcome)
	}
	// Informational terminal state: neither the store nor the backend is hit.
	if len(sdk.purchased) != 0 || sdk.infoCalls != 0 {
		t.Fatal("store must not be called")
	}
	if len(rec.calls()) != 0 {
		t.Fatal("backend must not be called")
	}
}

func TestPurchase_AlreadyFreeAndAlreadyActive(t *testing.T) {
	sdk := &stubSDK{offering: defaultOffering()}
	o, _ := newTestOrchestrator(t, sdk, false, &stubConfirmer{})

	_, err := o.Purchase(context.Background(), Request{UserID: "u1", Selected: plan.Free})
	if !errors.Is(err, ErrAlreadyFree) {
		t.Fatalf("expected ErrAlreadyFree, got %v", err)
	}

	_, err = o.Purchase(context.Background(), Request{
		UserID:   "u1",
		Selected: plan.Pro,
		Current:  backend.PlanInfo{PlanType: plan.Pro, Status: backend.StatusActive},
	})
	if !errors.Is(err, ErrAlreadySubscribed) {
		t.Fatalf("expected ErrAlreadySubscribed, got %v", err)
	}
}

func TestPurchase_UpgradeBuildsUpgradeInfoFromActiveSubscription(t *testing.T) {
	sdk := &stubSDK{
		offering: defaultOffering(),
		customerInfo: store.CustomerInfo{
			OriginalAppUserID:   "u1",
			ActiveSubscriptions: []string{plan.ProductProYearly},
			Entitlements:        map[string]store.Entitlement{"ultimate": {ProductID: plan.ProductUltimateMonthly}},
			PurchaseToken:       "gp-token-123",
		},
	}
	confirm := &stubConfirmer{approveSwitch: true}
	o, rec := newTestOrchestrator(t, sdk, false, confirm)

	res, err := o.Purchase(context.Background(), Request{
		UserID:   "u1",
		Selected: plan.Ultimate,
		Period:   plan.Monthly,
		Current:  backend.PlanInfo{PlanType: plan.Pro, Status: backend.StatusActive},
	})
	if err != nil {
		t.Fatalf("purchase failed: %v", err)
	}
	if res.Outcome != OutcomeSucceeded {
		t.Fatalf("expected success, got %s", res.Outcome)
	}
	if confirm.switchCalls != 1 {
		t.Fatalf("expected one switch confirmation, got %d", confirm.switchCalls)
	}
	if len(sdk.purchased) != 1 {
		t.Fatalf("expected one store purchase, got %d", len(sdk.purchased))
	}
	call := sdk.purchased[0]
	if call.upgrade == nil {
		t.Fatal("expected upgrade info")
	}
	// The old product id must be the variant the customer actually holds.
	if call.upgrade.OldProductID != plan.ProductProYearly {
		t.Fatalf("old product = %s, want %s", call.upgrade.OldProductID, plan.ProductProYearly)
	}
	if call.upgrade.ProrationMode != store.ProrationImmediateWithCharge {
		t.Fatalf("unexpected proration mode %s", call.upgrade.ProrationMode)
	}
	// The ultimate monthly package is found through the prefix convention.
	if call.pkg.Identifier != "ultimate_monthly" {
		t.Fatalf("unexpected package %+v", call.pkg)
	}

	calls := rec.calls()
	if len(calls) != 1 {
		t.Fatalf("expected one backend sync, got %d", len(calls))
	}
	if calls[0].ProductID != plan.ProductUltimateMonthly || calls[0].PurchaseToken != "gp-token-123" {
		t.Fatalf("unexpected proof: %+v", calls[0])
	}
	if calls[0].PackageName != "com.menulens.app" {
		t.Fatalf("android proof must include package name: %+v", calls[0])
	}
	if res.Plan == nil || res.Plan.PlanType != plan.Ultimate {
		t.Fatalf("result must carry the backend plan: %+v", res.Plan)
	}
}

func TestPurchase_SwitchDeclinedIsCancelled(t *testing.T) {
	sdk := &stubSDK{offering: defaultOffering()}
	o, rec := newTestOrchestrator(t, sdk, false, &stubConfirmer{approveSwitch: false})

	res, err := o.Purchase(context.Background(), Request{
		UserID:   "u1",
		Selected: plan.Ultimate,
		Current:  backend.PlanInfo{PlanType: plan.Pro, Status: backend.StatusActive},
	})
	if err != nil {
		t.Fatalf("decline must not be an error: %v", err)
	}
	if res.Outcome != OutcomeCancelled {
		t.Fatalf("expected cancelled, got %s", res.Outcome)
	}
	if len(sdk.purchased) != 0 || len(rec.calls()) != 0 {
		t.Fatal("declined switch must have no side effects")
	}
}

func TestPurchase_UserCancelledStoreDialog(t *testing.T) {
	sdk := &stubSDK{offering: defaultOffering(), purchaseErr: store.ErrUserCancelled}
	o, rec := newTestOrchestrator(t, sdk, false, &stubConfirmer{})

	res, err := o.Purchase(context.Background(), Request{UserID: "u1", Selected: plan.Pro, Period: plan.Monthly})
	if err != nil {
		t.Fatalf("cancellation must not surface an error: %v", err)
	}
	if res.Outcome != OutcomeCancelled {
		t.Fatalf("expected cancelled, got %s", res.Outcome)
	}
	if len(rec.calls()) != 0 {
		t.Fatal("cancelled purchase must not reach the backend")
	}
}

func TestPurchase_SDKUnavailableProductionHost(t *testing.T) {
	o, rec := newTestOrchestrator(t, nil, false, &stubConfirmer{approveMock: true})

	_, err := o.Purchase(context.Background(), Request{UserID: "u1", Selected: plan.Pro, Period: plan.Monthly})
	if !errors.Is(err, ErrStoreNotLoaded) {
		t.Fatalf("expected ErrStoreNotLoaded, got %v", err)
	}
	if len(rec.calls()) != 0 {
		t.Fatal("production host must never silently mock")
	}
}

func TestPurchase_SDKUnavailableSandboxRunsMockPath(t *testing.T) {
	confirm := &stubConfirmer{approveMock: true}
	o, rec := newTestOrchestrator(t, nil, true, confirm)

	res, err := o.Purchase(context.Background(), Request{UserID: "u1", Selected: plan.Pro, Period: plan.Yearly})
	if err != nil {
		t.Fatalf("mock purchase failed: %v", err)
	}
	if res.Outcome != OutcomeSucceeded || !res.Mock {
		t.Fatalf("expected mock success, got %+v", res)
	}
	if confirm.mockCalls != 1 {
		t.Fatal("mock path requires explicit confirmation")
	}
	calls := rec.calls()
	if len(calls) != 1 {
		t.Fatalf("expected one backend call, got %d", len(calls))
	}
	proof := calls[0]
	if proof.Platform != "android_sandbox" {
		t.Fatalf("mock proof must be marked sandbox, got %q", proof.Platform)
	}
	if proof.ProductID != plan.ProductProYearly {
		t.Fatalf("unexpected product: %s", proof.ProductID)
	}
	if !strings.HasPrefix(proof.PurchaseToken, "mock_token_") {
		t.Fatalf("unexpected mock token: %q", proof.PurchaseToken)
	}
}

func TestPurchase_MockDeclined(t *testing.T) {
	o, rec := newTestOrchestrator(t, nil, true, &stubConfirmer{approveMock: false})

	res, err := o.Purchase(context.Background(), Request{UserID: "u1", Selected: plan.Pro, Period: plan.Monthly})
	if err != nil {
		t.Fatalf("declined mock must not error: %v", err)
	}
	if res.Outcome != OutcomeCancelled {
		t.Fatalf("expected cancelled, got %s", res.Outcome)
	}
	if len(rec.calls()) != 0 {
		t.Fatal("declined mock must not reach the backend")
	}
}

func TestPurchase_MissingProofFailsHard(t *testing.T) {
	// Purchase succeeds but the SDK exposes no transaction token. The
	// attempt must fail rather than fabricate a proof.
	sdk := &stubSDK{
		offering:     defaultOffering(),
		customerInfo: store.CustomerInfo{OriginalAppUserID: "u1"},
	}
	o, rec := newTestOrchestrator(t, sdk, false, &stubConfirmer{})

	_, err := o.Purchase(context.Background(), Request{UserID: "u1", Selected: plan.Pro, Period: plan.Monthly})
	if !errors.Is(err, ErrMissingProof) {
		t.Fatalf("expected ErrMissingProof, got %v", err)
	}
	if len(rec.calls()) != 0 {
		t.Fatal("no proof means no backend sync")
	}
}

func TestPurchase_ProductNotFoundListsCatalog(t *testing.T) {
	sdk := &stubSDK{offering: &store.Offering{
		Identifier: "default",
		Packages:   []store.Package{{Identifier: "legacy", ProductID: "legacy_product"}},
	}}
	o, _ := newTestOrchestrator(t, sdk, false, &stubConfirmer{})

	_, err := o.Purchase(context.Background(), Request{UserID: "u1", Selected: plan.Pro, Period: plan.Monthly})
	var notFound *ProductNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected ProductNotFoundError, got %v", err)
	}
	if notFound.ProductID != plan.ProductProMonthly || len(notFound.Available) != 1 {
		t.Fatalf("diagnostic incomplete: %+v", notFound)
	}
}

func TestPurchase_ConcurrentAttemptRejected(t *testing.T) {
	block := make(chan struct{})
	sdk := &blockingSDK{stubSDK: stubSDK{offering: defaultOffering()}, release: block, entered: make(chan struct{})}
	o, _ := newTestOrchestrator(t, sdk, false, &stubConfirmer{})

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := o.Purchase(context.Background(), Request{UserID: "u1", Selected: plan.Pro, Period: plan.Monthly})
		done <- err
	}()
	<-started
	<-sdk.entered

	_, err := o.Purchase(context.Background(), Request{UserID: "u1", Selected: plan.Pro, Period: plan.Monthly})
	if !errors.Is(err, ErrPurchaseInFlight) {
		t.Fatalf("expected ErrPurchaseInFlight, got %v", err)
	}

	close(block)
	if err := <-done; err == nil || !errors.Is(err, ErrMissingProof) {
		// The blocked purchase finishes without a proof token; the point of
		// this test is only the guard.
		t.Fatalf("unexpected first-purchase result: %v", err)
	}

	// Guard must be released after the attempt ends.
	_, err = o.Purchase(context.Background(), Request{
		UserID:   "u1",
		Selected: plan.Pro,
		Period:   plan.Monthly,
		Current:  backend.PlanInfo{PlanType: plan.Pro, Status: backend.StatusActive},
	})
	if !errors.Is(err, ErrAlreadySubscribed) {
		t.Fatalf("guard not released: %v", err)
	}
}

type blockingSDK struct {
	stubSDK
	release <-chan struct{}
	entered chan struct{}
	once    sync.Once
}

func (s *blockingSDK) Purchase(ctx context.Context, pkg store.Package, upgrade *store.UpgradeInfo) (store.CustomerInfo, error) {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return s.stubSDK.Purchase(ctx, pkg, upgrade)
}
