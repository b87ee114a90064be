package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration parses human-readable durations from YAML (§6.2: "durations
// accept ns|us|ms|s|m|h|d|w|M|y").
type Duration time.Duration

func (d Duration) AsDuration() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	v, err := ParseDuration(raw)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

var durationUnits = []struct {
	suffix string
	unit   time.Duration
}{
	{"ns", time.Nanosecond},
	{"us", time.Microsecond},
	{"ms", time.Millisecond},
	// order matters: "ns", "us" and "ms" are checked before "s" and "m".
	// Matching is case-sensitive, so "M" (month) and "m" (minute) never
	// collide.
	{"M", 30 * 24 * time.Hour},
	{"y", 365 * 24 * time.Hour},
	{"w", 7 * 24 * time.Hour},
	{"d", 24 * time.Hour},
	{"h", time.Hour},
	{"m", time.Minute},
	{"s", time.Second},
}

// ParseDuration parses a string like "30s" or "2h" into a time.Duration,
// supporting the unit suffixes from §6.2 in addition to Go's own (which
// only covers ns/us/ms/s/m/h).
func ParseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("empty duration")
	}
	for _, u := range durationUnits {
		if strings.HasSuffix(raw, u.suffix) {
			numPart := strings.TrimSuffix(raw, u.suffix)
			f, err := strconv.ParseFloat(numPart, 64)
			if err != nil {
				continue
			}
			return time.Duration(f * float64(u.unit)), nil
		}
	}
	return 0, fmt.Errorf("invalid duration %q", raw)
}
