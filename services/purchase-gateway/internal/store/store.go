package store

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Sentinel conditions surfaced by the client. The orchestrator keys its
// fallback decisions off these, so SDK implementations must wrap their raw
// errors accordingly.
var (
	ErrUserCancelled        = errors.New("purchase cancelled by user")
	ErrStoreUnavailable     = errors.New("store sdk unavailable")
	ErrNoProductsRegistered = errors.New("no products registered in store")
)

// ProrationImmediateWithCharge applies a tier switch immediately and charges
// the prorated difference for the remainder of the period.
const ProrationImmediateWithCharge = "IMMEDIATE_AND_CHARGE_PRORATED_PRICE"

type Package struct {
	Identifier string `json:"identifier"`
	ProductID  string `json:"product_id"`
}

type Offering struct {
	Identifier string    `json:"identifier"`
	Packages   []Package `json:"packages"`
}

type Entitlement struct {
	ProductID string     `json:"product_id"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// CustomerInfo is the store's view of a subscriber. PurchaseToken and
// ReceiptData carry the platform proof when the SDK exposes it; they may be
// empty on SDK versions that do not surface raw transaction data.
type CustomerInfo struct {
	OriginalAppUserID   string                 `json:"original_app_user_id"`
	ActiveSubscriptions []string               `json:"active_subscriptions"`
	Entitlements        map[string]Entitlement `json:"entitlements"`
	PurchaseToken       string                 `json:"purchase_token,omitempty"`
	ReceiptData         string                 `json:"receipt_data,omitempty"`
}

// UpgradeInfo is attached to a purchase that replaces an active paid
// subscription with another paid tier.
type UpgradeInfo struct {
	OldProductID  string `json:"old_product_id"`
	ProrationMode string `json:"proration_mode"`
}

// SDK is the narrow surface of the native purchase SDK the client depends on.
type SDK interface {
	Configure(ctx context.Context, apiKey string) error
	Offerings(ctx context.Context) (*Offering, error)
	Purchase(ctx context.Context, pkg Package, upgrade *UpgradeInfo) (CustomerInfo, error)
	CustomerInfo(ctx context.Context) (CustomerInfo, error)
}

// Client is the single point of contact with the purchase SDK. A nil SDK
// models the module failing to load; every method then degrades instead of
// panicking. The offering cache is shared read-only state across purchase
// attempts and is only refreshed through RetryLoadOfferings.
type Client struct {
	sdk     SDK
	sandbox bool
	logger  *slog.Logger

	mu       sync.Mutex
	offering *Offering
	loaded   bool
}

func NewClient(sdk SDK, sandbox bool, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{sdk: sdk, sandbox: sandbox, logger: logger}
}

// Available reports whether the underlying SDK loaded at all.
func (c *Client) Available() bool { return c.sdk != nil }

// SandboxHost reports whether the process runs in a restricted test host
// where native purchase APIs cannot function. The mock purchase path is only
// reachable when this is true.
func (c *Client) SandboxHost() bool { return c.sandbox }

// Initialize configures the SDK. Configuration failures (unsupported test
// store, missing key) are logged and reported as false, never propagated:
// the caller decides whether to fall back, not to crash.
func (c *Client) Initialize(ctx context.Context, apiKey string) bool {
	if c.sdk == nil {
		c.logger.Warn("store sdk not loaded, skipping configure")
		return false
	}
	if strings.TrimSpace(apiKey) == "" {
		c.logger.Warn("store api key missing, skipping configure")
		return false
	}
	if err := c.sdk.Configure(ctx, apiKey); err != nil {
		c.logger.Warn("store sdk configure failed", "err", err)
		return false
	}
	return true
}

// LoadOfferings returns the cached current offering, fetching it on first
// use. A store with no registered products is a warning, not an error: the
// app may legitimately not use the offering system.
func (c *Client) LoadOfferings(ctx context.Context) *Offering {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return c.offering
	}
	return c.loadLocked(ctx)
}

// RetryLoadOfferings forces one additional fetch. Used only when a purchase
// is about to proceed and the cache is still empty.
func (c *Client) RetryLoadOfferings(ctx context.Context) *Offering {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadLocked(ctx)
}

func (c *Client) loadLocked(ctx context.Context) *Offering {
	c.loaded = true
	if c.sdk == nil {
		c.offering = nil
		return nil
	}
	offering, err := c.sdk.Offerings(ctx)
	if err != nil {
		if errors.Is(err, ErrNoProductsRegistered) {
			c.logger.Warn("store has no products registered, treating offering as empty")
		} else {
			c.logger.Warn("offering load failed", "err", err)
		}
		c.offering = nil
		return nil
	}
	c.offering = offering
	return offering
}

// FindPackage locates a purchasable package for a product id. Three match
// strategies are required because store catalog imports rewrite identifiers:
// package identifier, exact product id, and the catalog-import convention
// where the store's internal id is prefixed with "<productID>:".
func (c *Client) FindPackage(productID string) *Package {
	c.mu.Lock()
	offering := c.offering
	c.mu.Unlock()
	if offering == nil {
		return nil
	}
	for i := range offering.Packages {
		p := &offering.Packages[i]
		if p.Identifier == productID {
			return p
		}
		if p.ProductID == productID {
			return p
		}
		if strings.HasPrefix(p.ProductID, productID+":") {
			return p
		}
	}
	return nil
}

// Purchase executes the store purchase dialog for a package. A user-closed
// dialog surfaces as ErrUserCancelled; SDK/module faults surface as
// ErrStoreUnavailable. Anything else is a real purchase failure.
func (c *Client) Purchase(ctx context.Context, pkg Package, upgrade *UpgradeInfo) (CustomerInfo, error) {
	if c.sdk == nil {
		return CustomerInfo{}, ErrStoreUnavailable
	}
	info, err := c.sdk.Purchase(ctx, pkg, upgrade)
	if err != nil {
		return CustomerInfo{}, err
	}
	return info, nil
}

// CustomerInfo fetches the subscriber record. Called again after a purchase
// because purchase results may not yet reflect entitlement activation.
func (c *Client) CustomerInfo(ctx context.Context) (CustomerInfo, error) {
	if c.sdk == nil {
		return CustomerInfo{}, ErrStoreUnavailable
	}
	return c.sdk.CustomerInfo(ctx)
}

// OnlyPlaceholders reports whether the offering holds nothing purchasable:
// preview templates the store ships before any real product is attached.
func (o *Offering) OnlyPlaceholders() bool {
	if o == nil || len(o.Packages) == 0 {
		return true
	}
	for _, p := range o.Packages {
		if !placeholderPackage(p) {
			return false
		}
	}
	return true
}

func placeholderPackage(p Package) bool {
	id := strings.ToLower(p.ProductID)
	return id == "" || strings.HasPrefix(id, "preview_") || strings.HasPrefix(id, "placeholder")
}
