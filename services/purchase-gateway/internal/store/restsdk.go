package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// RestSDK speaks the store provider's subscriber REST API. It exists so the
// gateway can run the same purchase flow server-side that the mobile SDK runs
// on device; tests and restricted hosts swap in a fake SDK instead.
type RestSDK struct {
	baseURL    string
	appUserID  string
	apiKey     string
	httpClient *http.Client
}

type RestSDKConfig struct {
	BaseURL   string
	AppUserID string
	Timeout   time.Duration
}

func NewRestSDK(cfg RestSDKConfig) *RestSDK {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RestSDK{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		appUserID:  strings.TrimSpace(cfg.AppUserID),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (s *RestSDK) Configure(_ context.Context, apiKey string) error {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return fmt.Errorf("store api key is required")
	}
	if strings.HasPrefix(apiKey, "test_") {
		return fmt.Errorf("unsupported test store key")
	}
	s.apiKey = apiKey
	return nil
}

func (s *RestSDK) Offerings(ctx context.Context) (*Offering, error) {
	var resp struct {
		Current *Offering `json:"current"`
	}
	if err := s.do(ctx, http.MethodGet, "/v1/offerings", nil, &resp); err != nil {
		return nil, err
	}
	if resp.Current == nil || len(resp.Current.Packages) == 0 {
		return nil, ErrNoProductsRegistered
	}
	return resp.Current, nil
}

func (s *RestSDK) Purchase(ctx context.Context, pkg Package, upgrade *UpgradeInfo) (CustomerInfo, error) {
	body := map[string]any{
		"app_user_id":        s.appUserID,
		"package_identifier": pkg.Identifier,
		"product_id":         pkg.ProductID,
	}
	if upgrade != nil {
		body["upgrade"] = upgrade
	}
	var resp struct {
		CustomerInfo CustomerInfo `json:"customer_info"`
	}
	if err := s.do(ctx, http.MethodPost, "/v1/purchases", body, &resp); err != nil {
		return CustomerInfo{}, err
	}
	return resp.CustomerInfo, nil
}

func (s *RestSDK) CustomerInfo(ctx context.Context) (CustomerInfo, error) {
	var resp struct {
		Subscriber CustomerInfo `json:"subscriber"`
	}
	if err := s.do(ctx, http.MethodGet, "/v1/subscribers/"+s.appUserID, nil, &resp); err != nil {
		return CustomerInfo{}, err
	}
	return resp.Subscriber, nil
}

func (s *RestSDK) do(ctx context.Context, method, path string, body any, out any) error {
	if s.apiKey == "" {
		return ErrStoreUnavailable
	}
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusConflict:
		// The store reports an abandoned purchase dialog as a conflict.
		return ErrUserCancelled
	case resp.StatusCode == http.StatusNotFound && path == "/v1/offerings":
		return ErrNoProductsRegistered
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: store responded %d", ErrStoreUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("store rejected %s %s: %d %s", method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}
