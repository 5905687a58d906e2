package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/menulens/menulens/libs/plan"
	"github.com/menulens/menulens/services/subscription-service/internal/storage"
	"github.com/menulens/menulens/services/subscription-service/internal/subscriptions"
)

// Store is the storage surface the HTTP handlers need. *storage.Repository
// satisfies it; tests substitute an in-memory implementation.
type Store interface {
	subscriptions.Store
	Begin(ctx context.Context) (pgx.Tx, error)
	GetSubscription(ctx context.Context, userID string) (storage.Subscription, error)
	GetUsage(ctx context.Context, userID string, day time.Time) (storage.UsageCounters, error)
	IncrementUsage(ctx context.Context, tx pgx.Tx, userID string, day time.Time, feature string, limit int32) (int32, error)
	InsertProviderEvent(ctx context.Context, tx pgx.Tx, evt storage.ProviderEvent) error
	InsertAuditEvent(ctx context.Context, tx pgx.Tx, evt storage.AuditEvent) error
	UpsertCheckoutSession(ctx context.Context, tx pgx.Tx, s storage.CheckoutSession) error
	MarkCheckoutSessionCompleted(ctx context.Context, tx pgx.Tx, stripeSessionID string, completedAt time.Time, stripeCustomerID, stripeSubscriptionID string) error
	MarkCheckoutSessionExpired(ctx context.Context, tx pgx.Tx, stripeSessionID string, expiredAt time.Time) error
	AckCheckoutReturn(ctx context.Context, tx pgx.Tx, stripeSessionID string, token string, result string, seenAt time.Time) error
	GetCheckoutSession(ctx context.Context, stripeSessionID string) (storage.CheckoutSession, error)
}

type Handler struct {
	repo                   Store
	outboxRepo             subscriptions.EventSink
	subSvc                 *subscriptions.Service
	logger                 *slog.Logger
	stripeWebhookSecret    string
	stripeWebhookTolerance time.Duration
	stripeSecretKey        string
	stripePrices           map[string]string
	checkoutSuccessURL     string
	checkoutCancelURL      string
	allowMockProof         bool
	loc                    *time.Location
	now                    func() time.Time
}

type Config struct {
	StripeWebhookSecret           string
	StripeWebhookToleranceSeconds int
	StripeSecretKey               string
	// Stripe price ids keyed by product id (pro_monthly, pro_yearly,
	// ultimate_monthly, ultimate_yearly).
	StripePrices       map[string]string
	CheckoutSuccessURL string
	CheckoutCancelURL  string
	AllowMockProof     bool
	ResetLocation      *time.Location
}

func New(repo Store, outboxRepo subscriptions.EventSink, logger *slog.Logger, cfg Config) *Handler {
	tolSeconds := cfg.StripeWebhookToleranceSeconds
	if tolSeconds <= 0 {
		tolSeconds = 300
	}
	loc := cfg.ResetLocation
	if loc == nil {
		loc = time.UTC
	}
	prices := make(map[string]string, len(cfg.StripePrices))
	for product, price := range cfg.StripePrices {
		if strings.TrimSpace(price) != "" {
			prices[product] = strings.TrimSpace(price)
		}
	}
	return &Handler{
		repo:                   repo,
		outboxRepo:             outboxRepo,
		subSvc:                 subscriptions.New(repo, outboxRepo),
		logger:                 logger,
		stripeWebhookSecret:    strings.TrimSpace(cfg.StripeWebhookSecret),
		stripeWebhookTolerance: time.Duration(tolSeconds) * time.Second,
		stripeSecretKey:        strings.TrimSpace(cfg.StripeSecretKey),
		stripePrices:           prices,
		checkoutSuccessURL:     strings.TrimSpace(cfg.CheckoutSuccessURL),
		checkoutCancelURL:      strings.TrimSpace(cfg.CheckoutCancelURL),
		allowMockProof:         cfg.AllowMockProof,
		loc:                    loc,
		now:                    time.Now,
	}
}

func (h *Handler) userID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-User-Id"))
}

// GetPlan returns the authoritative subscription record. A user with no row
// yet reads as free, not as an error.
func (h *Handler) GetPlan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := h.userID(r)
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "user id is required"})
		return
	}

	sub, err := h.repo.GetSubscription(r.Context(), userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeJSON(w, http.StatusOK, map[string]any{
				"plan_type":           plan.Free,
				"subscription_status": "none",
			})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to load subscription"})
		return
	}
	writeJSON(w, http.StatusOK, planResponse(sub))
}

// GetUsage returns today's counters in the flat shape the mobile clients
// already parse: bare counts plus the next reset instant, no limits attached.
// Limit math lives with the caller, which knows the effective plan.
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := h.userID(r)
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "user id is required"})
		return
	}

	usage, err := h.repo.GetUsage(r.Context(), userID, h.usageDay())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to load usage"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"menu_bulk_count": usage.MenuBulkCount,
		"menu_step_count": usage.MenuStepCount,
		"ocr_count":       usage.OCRCount,
		"reset_at":        h.nextReset().Format(time.RFC3339),
	})
}

type updateRequest struct {
	ProductID     string `json:"product_id"`
	Platform      string `json:"platform"`
	PurchaseToken string `json:"purchase_token,omitempty"`
	ReceiptData   string `json:"receipt_data,omitempty"`
	PackageName   string `json:"package_name,omitempty"`
}

// UpdateSubscription applies a purchase proof. The tier is always derived
// from the product id server-side; a client-claimed plan type is never part
// of the contract. Replaying the same proof is idempotent.
func (h *Handler) UpdateSubscription(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := h.userID(r)
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "user id is required"})
		return
	}

	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json body"})
		return
	}
	req.ProductID = strings.TrimSpace(req.ProductID)
	req.Platform = strings.TrimSpace(strings.ToLower(req.Platform))
	if req.ProductID == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": "product_id is required"})
		return
	}

	if err := validateProof(proof{
		Platform:      req.Platform,
		PurchaseToken: req.PurchaseToken,
		ReceiptData:   req.ReceiptData,
		PackageName:   req.PackageName,
	}, h.allowMockProof); err != nil {
		h.logger.Warn("subscription update rejected",
			"user_id", userID,
			"product_id", req.ProductID,
			"platform", req.Platform,
			"reason", err.Error(),
		)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": err.Error()})
		return
	}

	provider := "store"
	if req.Platform == platformAndroidSandbox || req.Platform == platformIOSSandbox {
		provider = "mock"
	}

	now := h.now().UTC()
	payloadRaw, _ := json.Marshal(req)

	tx, err := h.repo.Begin(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "db error"})
		return
	}
	defer func() { _ = tx.Rollback(r.Context()) }()

	// The proof itself is the idempotency key: a replayed sync of the same
	// token is acknowledged, not re-applied.
	proofID := req.PurchaseToken
	if proofID == "" {
		proofID = req.ReceiptData
	}
	if err := h.repo.InsertProviderEvent(r.Context(), tx, storage.ProviderEvent{
		Provider:        provider,
		ProviderEventID: proofID,
		EventType:       "subscription.proof",
		Payload:         payloadRaw,
	}); err != nil {
		if errors.Is(err, storage.ErrDuplicateProviderEvent) {
			_ = tx.Rollback(r.Context())
			sub, getErr := h.repo.GetSubscription(r.Context(), userID)
			if getErr != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to load subscription"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "plan": planResponse(sub)})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to record provider event"})
		return
	}

	if err := h.recordAudit(r.Context(), tx, r, "subscription.proof.applied", "gateway", userID, map[string]any{
		"provider":   provider,
		"product_id": req.ProductID,
		"platform":   req.Platform,
	}); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to record audit event"})
		return
	}

	if err := h.subSvc.ApplyActivated(r.Context(), tx, subscriptions.Activation{
		UserID:     userID,
		ProductID:  req.ProductID,
		Platform:   req.Platform,
		Provider:   provider,
		OccurredAt: now,
	}); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to apply activation"})
		return
	}

	if err := tx.Commit(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to commit"})
		return
	}

	sub, err := h.repo.GetSubscription(r.Context(), userID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to load subscription"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "plan": planResponse(sub)})
}

type incrementRequest struct {
	Feature string `json:"feature"`
}

// IncrementUsage bumps one feature counter against the effective plan's
// allowance. The limit check happens here, against the record on file, never
// against client-supplied numbers.
func (h *Handler) IncrementUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := h.userID(r)
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "user id is required"})
		return
	}

	var req incrementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json body"})
		return
	}
	req.Feature = strings.TrimSpace(strings.ToLower(req.Feature))

	limits := plan.LimitsForTier(h.effectiveTier(r.Context(), userID))
	var limit int32
	switch req.Feature {
	case storage.FeatureMenuBulk:
		limit = limits.MenuBulk
	case storage.FeatureMenuStep:
		limit = limits.MenuStep
	case storage.FeatureOCR:
		limit = limits.OCR
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unknown feature"})
		return
	}

	tx, err := h.repo.Begin(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "db error"})
		return
	}
	defer func() { _ = tx.Rollback(r.Context()) }()

	count, err := h.repo.IncrementUsage(r.Context(), tx, userID, h.usageDay(), req.Feature, limit)
	if err != nil {
		if errors.Is(err, storage.ErrUsageLimitReached) {
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":   "usage limit reached",
				"feature": req.Feature,
				"limit":   limit,
			})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to record usage"})
		return
	}
	if err := tx.Commit(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to commit"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"feature": req.Feature,
		"count":   count,
		"limit":   limit,
	})
}

// effectiveTier is the tier that governs limits right now: the recorded
// plan only when the subscription is active, free otherwise.
func (h *Handler) effectiveTier(ctx context.Context, userID string) plan.Type {
	sub, err := h.repo.GetSubscription(ctx, userID)
	if err != nil {
		return plan.Free
	}
	if sub.Status != "active" {
		return plan.Free
	}
	return plan.Type(sub.PlanType)
}

func (h *Handler) usageDay() time.Time {
	y, m, d := h.now().In(h.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (h *Handler) nextReset() time.Time {
	local := h.now().In(h.loc)
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, h.loc).AddDate(0, 0, 1).UTC()
}

func planResponse(sub storage.Subscription) map[string]any {
	resp := map[string]any{
		"plan_type":           sub.PlanType,
		"subscription_status": sub.Status,
	}
	if sub.ProductID != "" {
		resp["product_id"] = sub.ProductID
	}
	if sub.StripeSubscriptionID != "" {
		resp["subscription_id"] = sub.StripeSubscriptionID
	}
	if sub.Platform != "" {
		resp["platform"] = sub.Platform
	}
	if sub.PurchasedAt != nil {
		resp["purchased_at"] = sub.PurchasedAt.UTC().Format(time.RFC3339)
	}
	if sub.ExpiresAt != nil {
		resp["expires_at"] = sub.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) recordAudit(ctx context.Context, tx pgx.Tx, r *http.Request, eventType string, actorType string, userID string, metadata map[string]any) error {
	if actorType == "" {
		actorType = "system"
	}
	actorID := strings.TrimSpace(r.Header.Get("X-User-Id"))
	if metadata == nil {
		metadata = map[string]any{}
	}
	if reqID := strings.TrimSpace(r.Header.Get("X-Request-Id")); reqID != "" {
		metadata["request_id"] = reqID
	}
	raw, _ := json.Marshal(metadata)
	return h.repo.InsertAuditEvent(ctx, tx, storage.AuditEvent{
		EventType: eventType,
		ActorType: actorType,
		ActorID:   actorID,
		UserID:    userID,
		Metadata:  raw,
	})
}
