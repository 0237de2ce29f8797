package timeparser_test

import (
	"testing"
	"time"

	"github.com/septivank/prepaid-vending-worker/tools/timeparser"
)

func TestParseVendorTimestamp_Format1(t *testing.T) {
	result, err := timeparser.ParseVendorTimestamp("2025-12-29 10:30:45")
	if err != nil {
		t.Fatalf("Failed to parse timestamp: %v", err)
	}

	expected := time.Date(2025, 12, 29, 10, 30, 45, 0, time.UTC)
	if !result.Equal(expected) {
		t.Errorf("Expected %v, got %v", expected, result)
	}
}

func TestParseVendorTimestamp_Format2(t *testing.T) {
	result, err := timeparser.ParseVendorTimestamp("29/12/2025 10:30:45")
	if err != nil {
		t.Fatalf("Failed to parse timestamp: %v", err)
	}

	expected := time.Date(2025, 12, 29, 10, 30, 45, 0, time.UTC)
	if !result.Equal(expected) {
		t.Errorf("Expected %v, got %v", expected, result)
	}
}

func TestParseVendorTimestamp_RFC3339(t *testing.T) {
	result, err := timeparser.ParseVendorTimestamp("2025-12-29T10:30:45Z")
	if err != nil {
		t.Fatalf("Failed to parse timestamp: %v", err)
	}

	expected := time.Date(2025, 12, 29, 10, 30, 45, 0, time.UTC)
	if !result.Equal(expected) {
		t.Errorf("Expected %v, got %v", expected, result)
	}
}

func TestParseVendorTimestamp_Invalid(t *testing.T) {
	if _, err := timeparser.ParseVendorTimestamp("invalid-date-string"); err == nil {
		t.Error("Expected error for invalid timestamp")
	}
}

func TestParseExpiry_SecondsToLive(t *testing.T) {
	issued := time.Date(2025, 12, 29, 10, 0, 0, 0, time.UTC)

	expiresAt, err := timeparser.ParseExpiry("7200", issued)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !expiresAt.Equal(issued.Add(2 * time.Hour)) {
		t.Errorf("Expected %v, got %v", issued.Add(2*time.Hour), expiresAt)
	}
}

func TestParseExpiry_UnixSecondsAndMillis(t *testing.T) {
	issued := time.Date(2025, 12, 29, 10, 0, 0, 0, time.UTC)
	want := time.Date(2025, 12, 30, 10, 0, 0, 0, time.UTC)

	got, err := timeparser.ParseExpiry("1767088800", issued)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(want) {
		t.Errorf("Expected %v, got %v", want, got)
	}

	got, err = timeparser.ParseExpiry("1767088800000", issued)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestParseExpiry_Timestamp(t *testing.T) {
	got, err := timeparser.ParseExpiry("2025-12-30 10:00:00", time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(time.Date(2025, 12, 30, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected expiry %v", got)
	}
}

func TestParseExpiry_Rejects(t *testing.T) {
	for _, raw := range []string{"", "0", "-5", "tomorrow"} {
		if _, err := timeparser.ParseExpiry(raw, time.Now()); err == nil {
			t.Errorf("Expected error for %q", raw)
		}
	}
}

func TestIsExpired_ExactBoundary(t *testing.T) {
	expiresAt := time.Date(2025, 12, 29, 10, 35, 0, 0, time.UTC)

	if !timeparser.IsExpired(expiresAt, expiresAt) {
		t.Error("Expected credential at exact expiry to be expired")
	}
	if timeparser.IsExpired(expiresAt, expiresAt.Add(-time.Second)) {
		t.Error("Expected credential one second before expiry to be valid")
	}
}
