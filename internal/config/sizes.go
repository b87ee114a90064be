package config

import (
	"fmt"
	"strconv"
	"strings"
)

// ByteSize parses human-readable sizes from YAML (§6.2: "Sizes accept
// human-readable suffixes (KiB, MiB, GiB)").
type ByteSize int64

var sizeSuffixes = []struct {
	suffix string
	factor int64
}{
	{"GiB", 1 << 30},
	{"MiB", 1 << 20},
	{"KiB", 1 << 10},
	{"B", 1},
}

func (b *ByteSize) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		var n int64
		if err2 := unmarshal(&n); err2 != nil {
			return err
		}
		*b = ByteSize(n)
		return nil
	}
	v, err := ParseByteSize(raw)
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// ParseByteSize parses a string like "512MiB" or a bare integer
// (bytes) into a ByteSize.
func ParseByteSize(raw string) (ByteSize, error) {
	raw = strings.TrimSpace(raw)
	for _, s := range sizeSuffixes {
		if strings.HasSuffix(raw, s.suffix) {
			numPart := strings.TrimSpace(strings.TrimSuffix(raw, s.suffix))
			f, err := strconv.ParseFloat(numPart, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size %q: %w", raw, err)
			}
			return ByteSize(f * float64(s.factor)), nil
		}
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", raw, err)
	}
	return ByteSize(n), nil
}
