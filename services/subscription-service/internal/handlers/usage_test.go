package handlers

import (
	"testing"
	"time"
)

func fixedHandler(loc *time.Location, now time.Time) *Handler {
	return &Handler{loc: loc, now: func() time.Time { return now }}
}

func TestUsageDay_TruncatesInResetTimezone(t *testing.T) {
	tokyo := time.FixedZone("UTC+9", 9*3600)
	// 23:30 UTC is already the next day in Tokyo.
	now := time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)
	h := fixedHandler(tokyo, now)

	day := h.usageDay()
	want := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)
	if !day.Equal(want) {
		t.Fatalf("usageDay = %v, want %v", day, want)
	}
}

func TestNextReset_IsNextLocalMidnight(t *testing.T) {
	tokyo := time.FixedZone("UTC+9", 9*3600)
	now := time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)
	h := fixedHandler(tokyo, now)

	reset := h.nextReset()
	// Next midnight in Tokyo after 2026-03-11 08:30 local is 2026-03-12 00:00
	// local, which is 2026-03-11 15:00 UTC.
	want := time.Date(2026, 3, 11, 15, 0, 0, 0, time.UTC)
	if !reset.Equal(want) {
		t.Fatalf("nextReset = %v, want %v", reset, want)
	}
	if !reset.After(now) {
		t.Fatalf("nextReset %v not after now %v", reset, now)
	}
}

func TestNextReset_UTCDefault(t *testing.T) {
	now := time.Date(2026, 3, 10, 5, 0, 0, 0, time.UTC)
	h := fixedHandler(time.UTC, now)

	reset := h.nextReset()
	want := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)
	if !reset.Equal(want) {
		t.Fatalf("nextReset = %v, want %v", reset, want)
	}
}
