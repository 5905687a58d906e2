package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/menulens/menulens/libs/plan"
	"github.com/menulens/menulens/services/purchase-gateway/internal/backend"
	"github.com/menulens/menulens/services/purchase-gateway/internal/purchase"
	"github.com/menulens/menulens/services/purchase-gateway/internal/usage"
)

type Handler struct {
	orchestrator *purchase.Orchestrator
	backend      *backend.Client
	accountant   *usage.Accountant
	logger       *slog.Logger
}

func New(orchestrator *purchase.Orchestrator, backendClient *backend.Client, accountant *usage.Accountant, logger *slog.Logger) *Handler {
	return &Handler{
		orchestrator: orchestrator,
		backend:      backendClient,
		accountant:   accountant,
		logger:       logger,
	}
}

// GetSubscription returns the authoritative plan record together with the
// normalized usage counters for display.
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := strings.TrimSpace(r.Header.Get("X-User-Id"))
	if userID == "" {
		http.Error(w, "missing user context", http.StatusBadRequest)
		return
	}

	info, err := h.backend.GetPlan(r.Context(), userID)
	if err != nil {
		h.writeBackendError(w, err)
		return
	}
	rawUsage, err := h.backend.GetUsage(r.Context(), userID)
	if err != nil {
		// Plan without usage still renders; degrade to empty counters.
		h.logger.Warn("usage fetch failed, normalizing empty payload", "err", err, "user_id", userID)
		rawUsage = nil
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"plan":           info,
		"effective_plan": info.Effective(),
		"usage":          h.accountant.Normalize(rawUsage, info),
	})
}

type purchaseRequest struct {
	Plan          string `json:"plan"`
	BillingPeriod string `json:"billing_period"`
	ConfirmSwitch bool   `json:"confirm_switch"`
	ConfirmMock   bool   `json:"confirm_mock"`
}

// Purchase drives one purchase attempt. Confirmations arrive as request
// flags: when a step needs an acknowledgement the client has not given, the
// response is 409 with the confirmation kind, and the client retries with
// the flag set.
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := strings.TrimSpace(r.Header.Get("X-User-Id"))
	if userID == "" {
		http.Error(w, "missing user context", http.StatusBadRequest)
		return
	}

	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	selected := plan.Type(strings.TrimSpace(strings.ToLower(req.Plan)))
	if selected != plan.Free && !selected.Paid() {
		http.Error(w, "unknown plan", http.StatusBadRequest)
		return
	}
	period := plan.BillingPeriod(strings.TrimSpace(strings.ToLower(req.BillingPeriod)))
	if period == "" {
		period = plan.Monthly
	}

	current, err := h.backend.GetPlan(r.Context(), userID)
	if err != nil {
		h.writeBackendError(w, err)
		return
	}

	ctx := withConfirmations(r.Context(), req.ConfirmSwitch, req.ConfirmMock)
	res, err := h.orchestrator.Purchase(ctx, purchase.Request{
		UserID:   userID,
		Selected: selected,
		Period:   period,
		Current:  current,
	})
	if err != nil {
		h.writePurchaseError(w, userID, err)
		return
	}

	switch res.Outcome {
	case purchase.OutcomeCancelled:
		writeJSON(w, http.StatusOK, map[string]any{"status": "cancelled"})
	case purchase.OutcomeCancelViaStore:
		writeJSON(w, http.StatusOK, map[string]any{"status": "cancel_via_store", "message": res.Message})
	default:
		h.writeSuccess(w, r.Context(), userID, res)
	}
}

// writeSuccess reloads the full subscription view after a sync so the client
// renders fresh authoritative state, not the purchase-time snapshot.
func (h *Handler) writeSuccess(w http.ResponseWriter, ctx context.Context, userID string, res purchase.Result) {
	info := backend.PlanInfo{}
	if res.Plan != nil {
		info = *res.Plan
	}
	if reloaded, err := h.backend.GetPlan(ctx, userID); err == nil {
		info = reloaded
	}
	rawUsage, err := h.backend.GetUsage(ctx, userID)
	if err != nil {
		rawUsage = nil
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"mock":   res.Mock,
		"plan":   info,
		"usage":  h.accountant.Normalize(rawUsage, info),
	})
}

func (h *Handler) writePurchaseError(w http.ResponseWriter, userID string, err error) {
	var confirmErr *ConfirmationRequiredError
	var notFound *purchase.ProductNotFoundError
	var rejection *backend.RejectionError
	switch {
	case errors.As(err, &confirmErr):
		writeJSON(w, http.StatusConflict, map[string]any{
			"status":                "confirmation_required",
			"requires_confirmation": confirmErr.Kind,
		})
	case errors.Is(err, purchase.ErrPurchaseInFlight):
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": err.Error()})
	case errors.Is(err, purchase.ErrAlreadyFree), errors.Is(err, purchase.ErrAlreadySubscribed):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
	case errors.Is(err, purchase.ErrStoreNotLoaded):
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
	case errors.As(err, &notFound):
		// Full catalog diagnostic goes to the operator, not the user.
		h.logger.Error("purchase product not found", "user_id", userID, "detail", notFound.Error())
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":  "selected plan is not available for purchase right now",
			"detail": notFound.Error(),
		})
	case errors.As(err, &rejection):
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": rejection.Message})
	case errors.Is(err, backend.ErrNetwork):
		writeJSON(w, http.StatusGatewayTimeout, map[string]any{"error": "subscription service unreachable, try again"})
	default:
		h.logger.Error("purchase failed", "user_id", userID, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
	}
}

func (h *Handler) writeBackendError(w http.ResponseWriter, err error) {
	var rejection *backend.RejectionError
	if errors.As(err, &rejection) {
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": rejection.Message})
		return
	}
	writeJSON(w, http.StatusGatewayTimeout, map[string]any{"error": "subscription service unreachable, try again"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
