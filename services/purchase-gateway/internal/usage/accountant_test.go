package usage

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/menulens/menulens/libs/plan"
	"github.com/menulens/menulens/services/purchase-gateway/internal/backend"
)

func testAccountant(t *testing.T) *Accountant {
	t.Helper()
	a := NewAccountant(time.UTC)
	a.now = func() time.Time { return time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC) }
	return a
}

func activePro() backend.PlanInfo {
	return backend.PlanInfo{PlanType: plan.Pro, Status: backend.StatusActive}
}

func checkBounds(t *testing.T, info LimitInfo) {
	t.Helper()
	for name, c := range map[string]Counter{"menu_bulk": info.MenuBulk, "menu_step": info.MenuStep, "ocr": info.OCR} {
		if c.Current < 0 || c.Current > c.Limit {
			t.Fatalf("%s out of bounds: %+v", name, c)
		}
	}
}

func TestNormalize_MissingPayload(t *testing.T) {
	a := testAccountant(t)
	info := a.Normalize(nil, activePro())
	limits := plan.LimitsForTier(plan.Pro)
	if info.MenuBulk != (Counter{Current: 0, Limit: limits.MenuBulk}) {
		t.Fatalf("unexpected menu_bulk: %+v", info.MenuBulk)
	}
	want := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	if !info.ResetAt.Equal(want) {
		t.Fatalf("reset_at = %s, want next midnight %s", info.ResetAt, want)
	}
	checkBounds(t, info)
}

func TestNormalize_CanonicalActivePassesThrough(t *testing.T) {
	a := testAccountant(t)
	raw := json.RawMessage(`{
		"menu_bulk": {"current": 4, "limit": 10},
		"menu_step": {"current": 12, "limit": 50},
		"ocr": {"current": 99, "limit": 100},
		"reset_at": "2026-03-15T00:00:00Z"
	}`)
	info := a.Normalize(raw, activePro())
	if info.MenuBulk.Current != 4 || info.MenuBulk.Limit != 10 {
		t.Fatalf("canonical active payload must pass through, got %+v", info.MenuBulk)
	}
	checkBounds(t, info)
}

func TestNormalize_LapsedSubscriberClampedToFree(t *testing.T) {
	a := testAccountant(t)
	raw := json.RawMessage(`{
		"menu_bulk": {"current": 7, "limit": 10},
		"menu_step": {"current": 40, "limit": 50},
		"ocr": {"current": 2, "limit": 100}
	}`)
	lapsed := backend.PlanInfo{PlanType: plan.Pro, Status: backend.StatusExpired}
	info := a.Normalize(raw, lapsed)
	free := plan.LimitsForTier(plan.Free)
	if info.MenuBulk.Limit != free.MenuBulk || info.MenuStep.Limit != free.MenuStep || info.OCR.Limit != free.OCR {
		t.Fatalf("lapsed subscriber must see free limits: %+v", info)
	}
	// Stale over-limit counts are clamped, not displayed.
	if info.MenuBulk.Current != free.MenuBulk {
		t.Fatalf("expected clamped current %d, got %d", free.MenuBulk, info.MenuBulk.Current)
	}
	checkBounds(t, info)
}

func TestNormalize_FlatShape(t *testing.T) {
	a := testAccountant(t)
	raw := json.RawMessage(`{"menu_bulk_count": 5, "menu_step_count": 1}`)
	free := backend.PlanInfo{PlanType: plan.Free, Status: backend.StatusActive}
	info := a.Normalize(raw, free)
	// Free menu_bulk limit is 1; the flat count of 5 must clamp down to it.
	if info.MenuBulk != (Counter{Current: 1, Limit: 1}) {
		t.Fatalf("unexpected menu_bulk: %+v", info.MenuBulk)
	}
	if info.MenuStep.Current != 1 {
		t.Fatalf("unexpected menu_step: %+v", info.MenuStep)
	}
	if info.OCR.Current != 0 {
		t.Fatalf("missing ocr count must default to zero: %+v", info.OCR)
	}
	checkBounds(t, info)
}

func TestNormalize_FlatShapeFallsBackToNestedField(t *testing.T) {
	a := testAccountant(t)
	// Partial nested payload: not canonical (menu_step/ocr missing), but the
	// nested menu_bulk counter is still the better source than zero.
	raw := json.RawMessage(`{"menu_bulk": {"current": 3, "limit": 10}, "ocr_count": 2}`)
	info := a.Normalize(raw, activePro())
	if info.MenuBulk.Current != 3 {
		t.Fatalf("nested fallback failed: %+v", info.MenuBulk)
	}
	if info.OCR.Current != 2 {
		t.Fatalf("flat ocr count lost: %+v", info.OCR)
	}
	checkBounds(t, info)
}

func TestNormalize_MalformedInputsStayBounded(t *testing.T) {
	a := testAccountant(t)
	payloads := []string{
		`{}`,
		`null`,
		`{"menu_bulk_count": -3}`,
		`{"menu_bulk": {"current": -1, "limit": -5}, "menu_step": {"current": 2, "limit": 1}, "ocr": {"current": 0, "limit": 0}}`,
		`"not an object"`,
		`{"menu_bulk_count": 2147483647}`,
	}
	infos := []backend.PlanInfo{activePro(), {PlanType: plan.Ultimate, Status: backend.StatusCancelled}, {}}
	for _, p := range payloads {
		for _, pi := range infos {
			checkBounds(t, a.Normalize(json.RawMessage(p), pi))
		}
	}
}

func TestNormalize_ResetAtFromPayload(t *testing.T) {
	a := testAccountant(t)
	raw := json.RawMessage(`{"menu_bulk_count": 0, "reset_at": "2026-04-01T00:00:00Z"}`)
	info := a.Normalize(raw, activePro())
	if !info.ResetAt.Equal(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("reset_at from payload lost: %s", info.ResetAt)
	}
}

func TestNextReset_RespectsLocation(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*3600)
	a := NewAccountant(loc)
	a.now = func() time.Time { return time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC) } // 05:00 next day in UTC+9
	info := a.Normalize(nil, backend.PlanInfo{})
	// Next midnight in UTC+9 is 2026-03-16T00:00+09:00 = 2026-03-15T15:00Z.
	want := time.Date(2026, 3, 15, 15, 0, 0, 0, time.UTC)
	if !info.ResetAt.Equal(want) {
		t.Fatalf("reset_at = %s, want %s", info.ResetAt, want)
	}
}
