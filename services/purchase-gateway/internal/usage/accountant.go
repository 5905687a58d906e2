package usage

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/menulens/menulens/libs/plan"
	"github.com/menulens/menulens/services/purchase-gateway/internal/backend"
)

// Counter is one feature's usage against its allowance.
type Counter struct {
	Current int32 `json:"current"`
	Limit   int32 `json:"limit"`
}

// LimitInfo is the canonical, display-ready usage structure. After
// Normalize, every counter satisfies 0 <= Current <= Limit.
type LimitInfo struct {
	MenuBulk Counter   `json:"menu_bulk"`
	MenuStep Counter   `json:"menu_step"`
	OCR      Counter   `json:"ocr"`
	ResetAt  time.Time `json:"reset_at"`
}

// Accountant normalizes whatever usage payload the backend returns into
// LimitInfo, clamped to the effective plan's limits. The counter location
// pins the product's reference timezone for daily resets.
type Accountant struct {
	loc *time.Location
	now func() time.Time
}

func NewAccountant(loc *time.Location) *Accountant {
	if loc == nil {
		loc = time.UTC
	}
	return &Accountant{loc: loc, now: time.Now}
}

// canonicalPayload is the nested shape the current backend emits.
type canonicalPayload struct {
	MenuBulk *Counter   `json:"menu_bulk"`
	MenuStep *Counter   `json:"menu_step"`
	OCR      *Counter   `json:"ocr"`
	ResetAt  *time.Time `json:"reset_at"`
}

// flatPayload is the legacy shape: bare counters with no limits attached.
type flatPayload struct {
	MenuBulkCount *int32     `json:"menu_bulk_count"`
	MenuStepCount *int32     `json:"menu_step_count"`
	OCRCount      *int32     `json:"ocr_count"`
	ResetAt       *time.Time `json:"reset_at"`
}

// Normalize turns a raw usage payload and the subscription record into a
// canonical LimitInfo. It never fails: malformed input degrades to zero
// counters at the effective plan's limits.
func (a *Accountant) Normalize(raw json.RawMessage, info backend.PlanInfo) LimitInfo {
	effective := info.Effective()
	limits := plan.LimitsForTier(effective)

	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return LimitInfo{
			MenuBulk: Counter{Limit: limits.MenuBulk},
			MenuStep: Counter{Limit: limits.MenuStep},
			OCR:      Counter{Limit: limits.OCR},
			ResetAt:  a.nextReset(),
		}
	}

	var canonical canonicalPayload
	_ = json.Unmarshal(raw, &canonical)
	if canonical.MenuBulk != nil && canonical.MenuStep != nil && canonical.OCR != nil {
		out := LimitInfo{
			MenuBulk: *canonical.MenuBulk,
			MenuStep: *canonical.MenuStep,
			OCR:      *canonical.OCR,
			ResetAt:  a.resetAt(canonical.ResetAt),
		}
		// A lapsed subscription must not keep displaying paid-tier limits or
		// over-limit counts carried over from when it was active.
		if info.Status != backend.StatusActive {
			out.MenuBulk.Limit = limits.MenuBulk
			out.MenuStep.Limit = limits.MenuStep
			out.OCR.Limit = limits.OCR
		}
		out.clamp()
		return out
	}

	return a.normalizeFlat(raw, canonical, limits)
}

// normalizeFlat is the one place the legacy flat shape is interpreted. Each
// counter is read through a fallback chain: flat field, then nested field,
// then zero.
func (a *Accountant) normalizeFlat(raw json.RawMessage, canonical canonicalPayload, limits plan.Limits) LimitInfo {
	var flat flatPayload
	_ = json.Unmarshal(raw, &flat)

	out := LimitInfo{
		MenuBulk: Counter{Current: pickCount(flat.MenuBulkCount, canonical.MenuBulk), Limit: limits.MenuBulk},
		MenuStep: Counter{Current: pickCount(flat.MenuStepCount, canonical.MenuStep), Limit: limits.MenuStep},
		OCR:      Counter{Current: pickCount(flat.OCRCount, canonical.OCR), Limit: limits.OCR},
	}
	if flat.ResetAt != nil {
		out.ResetAt = a.resetAt(flat.ResetAt)
	} else {
		out.ResetAt = a.resetAt(canonical.ResetAt)
	}
	out.clamp()
	return out
}

func pickCount(flat *int32, nested *Counter) int32 {
	if flat != nil {
		return *flat
	}
	if nested != nil {
		return nested.Current
	}
	return 0
}

func (l *LimitInfo) clamp() {
	clampCounter(&l.MenuBulk)
	clampCounter(&l.MenuStep)
	clampCounter(&l.OCR)
}

func clampCounter(c *Counter) {
	if c.Limit < 0 {
		c.Limit = 0
	}
	if c.Current < 0 {
		c.Current = 0
	}
	if c.Current > c.Limit {
		c.Current = c.Limit
	}
}

func (a *Accountant) resetAt(fromPayload *time.Time) time.Time {
	if fromPayload != nil && !fromPayload.IsZero() {
		return fromPayload.UTC()
	}
	return a.nextReset()
}

// nextReset is the next midnight in the configured reference timezone.
func (a *Accountant) nextReset() time.Time {
	now := a.now().In(a.loc)
	next := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, a.loc)
	return next.UTC()
}
