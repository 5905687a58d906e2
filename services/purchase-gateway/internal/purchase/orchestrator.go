package purchase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/menulens/menulens/libs/plan"
	"github.com/menulens/menulens/services/purchase-gateway/internal/backend"
	"github.com/menulens/menulens/services/purchase-gateway/internal/store"
)

// Outcome is the terminal state of a purchase attempt.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeCancelled: the user backed out (store dialog or confirmation).
	// Not an error; nothing is surfaced.
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeCancelViaStore: informational terminal state for downgrades to
	// free while a paid subscription is active.
	OutcomeCancelViaStore Outcome = "cancel_via_store"
)

type Result struct {
	Outcome Outcome
	Plan    *backend.PlanInfo
	Message string
	Mock    bool
}

// Confirmer presents confirmation effects to the user. It is separate from
// Classify so the decision logic stays testable without any UI harness.
type Confirmer interface {
	// ConfirmSwitch asks before replacing one active paid tier with another.
	ConfirmSwitch(ctx context.Context, from, to plan.Type) (bool, error)
	// ConfirmMock asks before a sandbox test purchase ("this is a test, not
	// a real purchase").
	ConfirmMock(ctx context.Context) (bool, error)
}

// Orchestrator sequences a purchase attempt: classification, confirmation,
// store purchase (or sandbox mock), entitlement verification, backend sync.
// One attempt runs at a time; everything is injected, nothing is global.
type Orchestrator struct {
	store       *store.Client
	backend     *backend.Client
	confirm     Confirmer
	logger      *slog.Logger
	platform    string
	packageName string
	callTimeout time.Duration
	now         func() time.Time

	inFlight atomic.Bool
}

type Config struct {
	Platform    string // "android" or "ios"
	PackageName string // android application id, included in android proofs
	CallTimeout time.Duration
}

func NewOrchestrator(storeClient *store.Client, backendClient *backend.Client, confirm Confirmer, logger *slog.Logger, cfg Config) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Orchestrator{
		store:       storeClient,
		backend:     backendClient,
		confirm:     confirm,
		logger:      logger,
		platform:    cfg.Platform,
		packageName: cfg.PackageName,
		callTimeout: timeout,
		now:         time.Now,
	}
}

type Request struct {
	UserID   string
	Selected plan.Type
	Period   plan.BillingPeriod
	Current  backend.PlanInfo
}

// Purchase runs one attempt end to end. A second call while one is in flight
// fails immediately with ErrPurchaseInFlight. On any returned error the
// attempt is fully unwound: no guard left set, no partial backend state.
func (o *Orchestrator) Purchase(ctx context.Context, req Request) (Result, error) {
	if !o.inFlight.CompareAndSwap(false, true) {
		return Result{}, ErrPurchaseInFlight
	}
	defer o.inFlight.Store(false)

	decision := Classify(req.Current, req.Selected)
	o.logger.Info("plan selection classified",
		"user_id", req.UserID,
		"selected", req.Selected,
		"current", req.Current.PlanType,
		"current_status", req.Current.Status,
		"decision", decision,
	)

	switch decision {
	case DecisionAlreadyFree:
		return Result{}, ErrAlreadyFree
	case DecisionAlreadyActive:
		return Result{}, ErrAlreadySubscribed
	case DecisionCancelViaStore:
		// No store or backend call: the platform store owns cancellation.
		return Result{
			Outcome: OutcomeCancelViaStore,
			Message: "to switch to the free plan, cancel your subscription in the app store settings",
		}, nil
	case DecisionConfirmSwitch:
		ok, err := o.confirm.ConfirmSwitch(ctx, req.Current.PlanType, req.Selected)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			return Result{Outcome: OutcomeCancelled}, nil
		}
		return o.executePurchase(ctx, req, true)
	default:
		return o.executePurchase(ctx, req, false)
	}
}

func (o *Orchestrator) executePurchase(ctx context.Context, req Request, paidSwitch bool) (Result, error) {
	if !o.store.Available() {
		if o.store.SandboxHost() {
			o.logger.Warn("store sdk unavailable in sandbox host, offering mock purchase", "user_id", req.UserID)
			return o.mockPurchase(ctx, req)
		}
		return Result{}, ErrStoreNotLoaded
	}

	productID := plan.DefaultProduct(req.Selected, req.Period)
	if productID == "" {
		return Result{}, fmt.Errorf("no product for plan %q", req.Selected)
	}

	offering := o.load(ctx)
	if offering == nil {
		offering = o.retry(ctx)
	}

	pkg := o.store.FindPackage(productID)
	if pkg == nil {
		if offering.OnlyPlaceholders() && o.store.SandboxHost() {
			o.logger.Warn("offering holds only placeholder packages in sandbox host, offering mock purchase", "product_id", productID)
			return o.mockPurchase(ctx, req)
		}
		var available []store.Package
		if offering != nil {
			available = offering.Packages
		}
		return Result{}, &ProductNotFoundError{ProductID: productID, Available: available}
	}

	var upgrade *store.UpgradeInfo
	if paidSwitch {
		upgrade = o.buildUpgradeInfo(ctx, req.Current.PlanType)
	}

	purchaseCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
	info, err := o.store.Purchase(purchaseCtx, *pkg, upgrade)
	cancel()
	if err != nil {
		if errors.Is(err, store.ErrUserCancelled) {
			// Short-circuit with no side effects: no backend call is made
			// for an abandoned store dialog.
			return Result{Outcome: OutcomeCancelled}, nil
		}
		if o.store.SandboxHost() {
			o.logger.Warn("store purchase failed in sandbox host, offering mock purchase", "err", err)
			return o.mockPurchase(ctx, req)
		}
		return Result{}, err
	}

	// Purchase results may not yet reflect entitlement activation; re-fetch
	// before verifying.
	infoCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
	refreshed, err := o.store.CustomerInfo(infoCtx)
	cancel()
	if err != nil {
		o.logger.Warn("customer info refresh failed after purchase, using purchase result", "err", err)
	} else {
		info = refreshed
	}

	entitlementID := plan.EntitlementID(req.Selected)
	if _, ok := info.Entitlements[entitlementID]; !ok {
		// Missing entitlement configuration is a catalog issue, not proof of
		// a failed purchase. Proceed with the proof we have.
		o.logger.Warn("purchased entitlement not active in customer info",
			"entitlement_id", entitlementID,
			"active_subscriptions", info.ActiveSubscriptions,
		)
	}

	proof, err := BuildProof(o.platform, o.packageName, productID, info)
	if err != nil {
		return Result{}, err
	}
	proof.UserID = req.UserID
	return o.syncBackend(ctx, proof, false)
}

// buildUpgradeInfo looks up which billing-period variant of the old tier the
// customer actually holds. Not finding one is degraded but non-fatal: the
// purchase proceeds as a plain purchase.
func (o *Orchestrator) buildUpgradeInfo(ctx context.Context, oldPlan plan.Type) *store.UpgradeInfo {
	infoCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()
	info, err := o.store.CustomerInfo(infoCtx)
	if err != nil {
		o.logger.Warn("customer info fetch failed, proceeding without upgrade info", "err", err)
		return nil
	}
	for _, variant := range plan.ProductVariants(oldPlan) {
		for _, active := range info.ActiveSubscriptions {
			if active == variant || strings.HasPrefix(active, variant+":") {
				return &store.UpgradeInfo{
					OldProductID:  variant,
					ProrationMode: store.ProrationImmediateWithCharge,
				}
			}
		}
	}
	o.logger.Warn("no active subscription found for old tier, proceeding as plain purchase", "old_plan", oldPlan)
	return nil
}

// mockPurchase is the sandbox fallback: an explicitly confirmed test
// purchase that bypasses the store entirely. Unreachable outside a sandbox
// host by construction.
func (o *Orchestrator) mockPurchase(ctx context.Context, req Request) (Result, error) {
	ok, err := o.confirm.ConfirmMock(ctx)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{Outcome: OutcomeCancelled}, nil
	}

	productID := plan.DefaultProduct(req.Selected, req.Period)
	if productID == "" {
		return Result{}, fmt.Errorf("no product for plan %q", req.Selected)
	}
	proof := buildMockProof(o.platform, o.packageName, productID, o.now())
	proof.UserID = req.UserID
	o.logger.Info("executing mock purchase", "user_id", req.UserID, "product_id", productID)
	return o.syncBackend(ctx, proof, true)
}

func (o *Orchestrator) syncBackend(ctx context.Context, proof backend.UpdateRequest, mock bool) (Result, error) {
	syncCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()
	newPlan, err := o.backend.UpdateSubscription(syncCtx, proof)
	if err != nil {
		return Result{}, err
	}
	o.logger.Info("subscription synced",
		"user_id", proof.UserID,
		"product_id", proof.ProductID,
		"plan", newPlan.PlanType,
		"mock", mock,
	)
	return Result{Outcome: OutcomeSucceeded, Plan: &newPlan, Mock: mock}, nil
}

func (o *Orchestrator) load(ctx context.Context) *store.Offering {
	loadCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()
	return o.store.LoadOfferings(loadCtx)
}

func (o *Orchestrator) retry(ctx context.Context) *store.Offering {
	retryCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()
	return o.store.RetryLoadOfferings(retryCtx)
}
