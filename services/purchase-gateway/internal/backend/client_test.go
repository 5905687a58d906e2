package backend

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/menulens/menulens/libs/plan"
)

func TestClient_GetPlan(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/subscription/plan" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-User-Id") != "user-1" {
			t.Fatalf("missing user header")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"plan_type":"pro","subscription_status":"active","platform":"android"}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	info, err := c.GetPlan(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("GetPlan: %v", err)
	}
	if info.PlanType != plan.Pro || info.Status != StatusActive {
		t.Fatalf("unexpected plan info: %+v", info)
	}
	if info.Effective() != plan.Pro {
		t.Fatalf("active pro must be effective pro")
	}
}

func TestPlanInfo_EffectiveCollapsesToFree(t *testing.T) {
	info := PlanInfo{PlanType: plan.Ultimate, Status: StatusExpired}
	if info.Effective() != plan.Free {
		t.Fatal("non-active subscription must be effectively free")
	}
}

func TestClient_UpdateSubscription_Rejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"success":false,"error":"mock proof not allowed on production platform"}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	_, err := c.UpdateSubscription(context.Background(), UpdateRequest{UserID: "u", ProductID: "pro_monthly", Platform: "android"})
	var rej *RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("expected RejectionError, got %v", err)
	}
	if rej.Message != "mock proof not allowed on production platform" {
		t.Fatalf("rejection must carry the backend message, got %q", rej.Message)
	}
}

func TestClient_UpdateSubscription_SuccessFalseBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":false,"error":"receipt already consumed"}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	_, err := c.UpdateSubscription(context.Background(), UpdateRequest{UserID: "u", ProductID: "pro_monthly", Platform: "ios"})
	var rej *RejectionError
	if !errors.As(err, &rej) || rej.Message != "receipt already consumed" {
		t.Fatalf("expected rejection with backend message, got %v", err)
	}
}

func TestClient_TimeoutMapsToNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	_, err := c.GetUsage(context.Background(), "u")
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
}
