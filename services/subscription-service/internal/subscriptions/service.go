package subscriptions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/menulens/menulens/libs/plan"
	"github.com/menulens/menulens/services/subscription-service/internal/outbox"
	"github.com/menulens/menulens/services/subscription-service/internal/storage"
)

// Store is the subscription storage surface the service needs.
// *storage.Repository satisfies it.
type Store interface {
	GetSubscriptionForUpdate(ctx context.Context, tx pgx.Tx, userID string) (storage.Subscription, bool, error)
	UpsertSubscription(ctx context.Context, tx pgx.Tx, s storage.Subscription) error
}

// EventSink receives entitlement-change events inside the same transaction.
// *outbox.Repository satisfies it.
type EventSink interface {
	Insert(ctx context.Context, tx pgx.Tx, evt outbox.Event) error
}

// Service encapsulates subscription state transitions and the side effects (outbox events).
// Keeping this out of HTTP handlers makes it reusable for webhook + reconciliation flows.
type Service struct {
	repo       Store
	outboxRepo EventSink
}

func New(repo Store, outboxRepo EventSink) *Service {
	return &Service{repo: repo, outboxRepo: outboxRepo}
}

// Activation describes one confirmed paid subscription, whatever the source:
// a store proof sync, a Stripe webhook, or reconciliation.
type Activation struct {
	UserID               string
	ProductID            string
	Platform             string
	Provider             string
	StripeCustomerID     string
	StripeSubscriptionID string
	OccurredAt           time.Time
	ExpiresAt            *time.Time
}

func (s *Service) ApplyActivated(ctx context.Context, tx pgx.Tx, act Activation) error {
	tier := plan.ProductToPlan(act.ProductID)

	existing, ok, err := s.repo.GetSubscriptionForUpdate(ctx, tx, act.UserID)
	if err != nil {
		return err
	}

	purchasedAt := act.OccurredAt.UTC()
	if err := s.repo.UpsertSubscription(ctx, tx, storage.Subscription{
		UserID:               act.UserID,
		ProductID:            act.ProductID,
		PlanType:             string(tier),
		Status:               "active",
		Platform:             act.Platform,
		Provider:             act.Provider,
		StripeCustomerID:     act.StripeCustomerID,
		StripeSubscriptionID: act.StripeSubscriptionID,
		PurchasedAt:          &purchasedAt,
		ExpiresAt:            act.ExpiresAt,
	}); err != nil {
		return err
	}

	// Only emit when the effective entitlement changes (tier/status). Product
	// renewals on the same tier shouldn't fan out.
	if ok && existing.Status == "active" && existing.PlanType == string(tier) {
		return nil
	}

	limits := plan.LimitsForTier(tier)
	payload, err := json.Marshal(map[string]any{
		"user_id":         act.UserID,
		"plan_type":       limits.Tier,
		"product_id":      act.ProductID,
		"menu_bulk_limit": limits.MenuBulk,
		"menu_step_limit": limits.MenuStep,
		"ocr_limit":       limits.OCR,
		"activated_at":    act.OccurredAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	return s.outboxRepo.Insert(ctx, tx, outbox.Event{
		AggregateType: "subscription",
		AggregateID:   act.UserID,
		EventType:     "subscriptions.subscription.activated.v1",
		Payload:       payload,
	})
}

func (s *Service) ApplyCanceled(ctx context.Context, tx pgx.Tx, userID string, canceledAt time.Time, provider string, stripeCustomerID string, stripeSubscriptionID string, expiresAt *time.Time) error {
	existing, ok, err := s.repo.GetSubscriptionForUpdate(ctx, tx, userID)
	if err != nil {
		return err
	}

	// Keep the last product on the record: a cancelled record still shows
	// what the user had, only the status stops being active.
	productID := ""
	platform := ""
	if ok {
		productID = existing.ProductID
		platform = existing.Platform
	}
	if err := s.repo.UpsertSubscription(ctx, tx, storage.Subscription{
		UserID:               userID,
		ProductID:            productID,
		PlanType:             string(plan.Free),
		Status:               "cancelled",
		Platform:             platform,
		Provider:             provider,
		StripeCustomerID:     stripeCustomerID,
		StripeSubscriptionID: stripeSubscriptionID,
		PurchasedAt:          existingPurchasedAt(existing, ok),
		ExpiresAt:            expiresAt,
	}); err != nil {
		return err
	}

	// Only emit when the effective entitlement changes (tier/status).
	if ok && existing.Status == "cancelled" && existing.PlanType == string(plan.Free) {
		return nil
	}

	limits := plan.LimitsForTier(plan.Free)
	payload, err := json.Marshal(map[string]any{
		"user_id":         userID,
		"plan_type":       limits.Tier,
		"menu_bulk_limit": limits.MenuBulk,
		"menu_step_limit": limits.MenuStep,
		"ocr_limit":       limits.OCR,
		"canceled_at":     canceledAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	return s.outboxRepo.Insert(ctx, tx, outbox.Event{
		AggregateType: "subscription",
		AggregateID:   userID,
		EventType:     "subscriptions.subscription.canceled.v1",
		Payload:       payload,
	})
}

func existingPurchasedAt(s storage.Subscription, ok bool) *time.Time {
	if !ok {
		return nil
	}
	return s.PurchasedAt
}
