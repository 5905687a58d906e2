package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/menulens/menulens/libs/plan"
)

// Subscription lifecycle states as reported by the backend record.
const (
	StatusActive    = "active"
	StatusExpired   = "expired"
	StatusCancelled = "cancelled"
)

// PlanInfo is the authoritative subscription record. The backend is its sole
// writer; the gateway only reads and re-normalizes it.
type PlanInfo struct {
	PlanType       plan.Type  `json:"plan_type"`
	Status         string     `json:"subscription_status"`
	SubscriptionID string     `json:"subscription_id,omitempty"`
	Platform       string     `json:"platform,omitempty"`
	PurchasedAt    *time.Time `json:"purchased_at,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// Effective collapses the record to the tier that actually governs feature
// limits: anything not active is free no matter what plan_type says.
func (p PlanInfo) Effective() plan.Type {
	if p.Status == StatusActive {
		return p.PlanType
	}
	return plan.Free
}

// UpdateRequest is the purchase proof sent to the backend. The backend
// derives the tier from ProductID; a client-supplied plan type is never
// trusted.
type UpdateRequest struct {
	UserID        string `json:"-"`
	ProductID     string `json:"product_id"`
	Platform      string `json:"platform"`
	PurchaseToken string `json:"purchase_token,omitempty"`
	ReceiptData   string `json:"receipt_data,omitempty"`
	PackageName   string `json:"package_name,omitempty"`
}

// ErrNetwork wraps transport-level failures (unreachable backend, timeout).
// Rejections carry the backend's own message via RejectionError instead.
var ErrNetwork = errors.New("backend unreachable")

// RejectionError is a response the backend produced on purpose: validation
// failure, rejected proof, internal error with a message. Its text is safe to
// surface to the user verbatim.
type RejectionError struct {
	Message string
}

func (e *RejectionError) Error() string { return e.Message }

type Client struct {
	baseURL    string
	httpClient *http.Client
}

type Config struct {
	BaseURL string
	Timeout time.Duration
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) GetPlan(ctx context.Context, userID string) (PlanInfo, error) {
	var out PlanInfo
	if err := c.do(ctx, http.MethodGet, "/api/v1/subscription/plan", userID, nil, &out); err != nil {
		return PlanInfo{}, err
	}
	return out, nil
}

// GetUsage returns the raw usage payload. Its shape is not guaranteed
// canonical; normalization is the accountant's job, not the transport's.
func (c *Client) GetUsage(ctx context.Context, userID string) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/api/v1/subscription/usage", userID, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type updateResponse struct {
	Success bool     `json:"success"`
	Plan    PlanInfo `json:"plan"`
	Error   string   `json:"error,omitempty"`
}

// UpdateSubscription posts the purchase proof and returns the authoritative
// plan record the backend derived from it.
func (c *Client) UpdateSubscription(ctx context.Context, req UpdateRequest) (PlanInfo, error) {
	var out updateResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/subscription/update", req.UserID, req, &out); err != nil {
		return PlanInfo{}, err
	}
	if !out.Success {
		msg := strings.TrimSpace(out.Error)
		if msg == "" {
			msg = "subscription update rejected"
		}
		return PlanInfo{}, &RejectionError{Message: msg}
	}
	return out.Plan, nil
}

func (c *Client) do(ctx context.Context, method, path, userID string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("X-User-Id", userID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	if resp.StatusCode >= 400 {
		msg := backendMessage(raw)
		if msg == "" {
			msg = fmt.Sprintf("backend responded %d", resp.StatusCode)
		}
		return &RejectionError{Message: msg}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func backendMessage(raw []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && strings.TrimSpace(body.Error) != "" {
		return strings.TrimSpace(body.Error)
	}
	return strings.TrimSpace(string(raw))
}
