package utils

import (
	"fmt"
	"strconv"
	"time"
)

// ParseRFC3339 returns a time from the provided string or an error. Fractional seconds are accepted.
func ParseRFC3339(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time: %w", err)
	}
	return t, nil
}

// ParseTimestamp accepts RFC3339 text or unix seconds (optionally fractional).
func ParseTimestamp(value string) (time.Time, error) {
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs <= 0 {
			return time.Time{}, fmt.Errorf("parse time: non-positive epoch %q", value)
		}
		whole := int64(secs)
		return time.Unix(whole, int64((secs-float64(whole))*float64(time.Second))).UTC(), nil
	}
	return ParseRFC3339(value)
}

// ClampDuration bounds d to [0, ceiling]. A non-positive ceiling disables the upper bound.
func ClampDuration(d, ceiling time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if ceiling > 0 && d > ceiling {
		return ceiling
	}
	return d
}
