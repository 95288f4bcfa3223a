package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration is a time.Duration that also decodes from a bare integer number of
// milliseconds and from spelled-out forms such as "1 minute".
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.BytesUnmarshaler.
func (d *Duration) UnmarshalYAML(b []byte) error {
	v, err := ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.InterfaceMarshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

var unitWords = map[string]time.Duration{
	"ms": time.Millisecond, "millisecond": time.Millisecond, "milliseconds": time.Millisecond,
	"s": time.Second, "sec": time.Second, "second": time.Second, "seconds": time.Second,
	"m": time.Minute, "min": time.Minute, "minute": time.Minute, "minutes": time.Minute,
	"h": time.Hour, "hour": time.Hour, "hours": time.Hour,
}

// ParseDuration parses "60s", "1m30s", "60000" (milliseconds) or "1 minute".
func ParseDuration(s string) (time.Duration, error) {
	s = strings.Trim(strings.TrimSpace(s), `"'`)
	if s == "" || s == "null" || s == "~" {
		return 0, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		if ms < 0 {
			return 0, fmt.Errorf("duration %q must not be negative", s)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	if v, err := time.ParseDuration(s); err == nil {
		if v < 0 {
			return 0, fmt.Errorf("duration %q must not be negative", s)
		}
		return v, nil
	}

	fields := strings.Fields(strings.ToLower(s))
	if len(fields) == 2 {
		n, err := strconv.ParseFloat(fields[0], 64)
		unit, ok := unitWords[fields[1]]
		if err == nil && ok && n >= 0 {
			return time.Duration(n * float64(unit)), nil
		}
	}
	return 0, fmt.Errorf("invalid duration %q", s)
}
