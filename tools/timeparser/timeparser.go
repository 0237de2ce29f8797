package timeparser

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// epochSecondsFloor separates a seconds-to-live value from a unix timestamp.
const epochSecondsFloor = 1_000_000_000

// ParseVendorTimestamp attempts to parse a vendor timestamp with multiple formats
func ParseVendorTimestamp(dateStr string) (time.Time, error) {
	formats := []string{
		"2006-01-02 15:04:05", // YYYY-MM-DD HH:mm:ss
		"02/01/2006 15:04:05", // DD/MM/YYYY HH:mm:ss
		time.RFC3339,          // Standard RFC3339
	}

	dateStr = strings.TrimSpace(dateStr)

	var lastErr error
	for _, format := range formats {
		t, err := time.Parse(format, dateStr)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("failed to parse timestamp '%s': %w", dateStr, lastErr)
}

// ParseExpiry resolves the vendor's token expiry field relative to issuedAt.
// Small integers are seconds-to-live, large integers are unix seconds or
// milliseconds, anything else must be a timestamp.
func ParseExpiry(raw string, issuedAt time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("empty expiry")
	}

	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		switch {
		case n <= 0:
			return time.Time{}, fmt.Errorf("non-positive expiry %d", n)
		case n < epochSecondsFloor:
			return issuedAt.Add(time.Duration(n) * time.Second), nil
		case n < epochSecondsFloor*1000:
			return time.Unix(n, 0), nil
		default:
			return time.UnixMilli(n), nil
		}
	}

	return ParseVendorTimestamp(raw)
}

// IsExpired reports whether expiresAt has been reached at now.
func IsExpired(expiresAt, now time.Time) bool {
	return !now.Before(expiresAt)
}
