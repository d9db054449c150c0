package utils

import (
	"testing"
	"time"
)

func TestNullHelpers_RoundTrip(t *testing.T) {
	if NullString("").Valid {
		t.Fatalf("empty string must map to NULL")
	}
	if !NullString("x").Valid {
		t.Fatalf("non-empty string must be valid")
	}

	if TimePtr(NullTime(nil)) != nil {
		t.Fatalf("nil time must round-trip to nil")
	}
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	if got := TimePtr(NullTime(&now)); got == nil || !got.Equal(now) {
		t.Fatalf("expected %v, got %v", now, got)
	}

	if IntPtr(NullInt(nil)) != nil {
		t.Fatalf("nil int must round-trip to nil")
	}
	n := 0
	if got := IntPtr(NullInt(&n)); got == nil || *got != 0 {
		t.Fatalf("zero must survive as a set value")
	}
}
