package types

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ByteSize wraps an int64 byte count with YAML/JSON parsing support for
// human-readable size suffixes (B, KB, MB, GB). A bare number is bytes.
type ByteSize int64

var byteSizeRe = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*(B|KB|MB|GB)?$`)

const (
	kilobyte = 1024
	megabyte = 1024 * kilobyte
	gigabyte = 1024 * megabyte
)

// ParseByteSize parses a size string like "500MB", "50 MB", "1.5GB" or "1048576".
func ParseByteSize(s string) (ByteSize, error) {
	matches := byteSizeRe.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(s)))
	if matches == nil {
		return 0, fmt.Errorf("invalid size %q, expected format like '500MB' or '1048576'", s)
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value in size %q: %w", s, err)
	}

	switch matches[2] {
	case "", "B":
		return ByteSize(value), nil
	case "KB":
		return ByteSize(value * kilobyte), nil
	case "MB":
		return ByteSize(value * megabyte), nil
	case "GB":
		return ByteSize(value * gigabyte), nil
	default:
		return 0, fmt.Errorf("unknown size suffix in %q", s)
	}
}

// UnmarshalYAML implements yaml.Unmarshaler. Accepts integers and suffixed strings.
func (b *ByteSize) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var n int64
	if err := unmarshal(&n); err == nil {
		*b = ByteSize(n)
		return nil
	}

	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}

	parsed, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (b ByteSize) MarshalYAML() (interface{}, error) {
	return b.String(), nil
}

// UnmarshalJSON implements json.Unmarshaler
func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*b = ByteSize(n)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("size must be a string or number, got %s", string(data))
	}

	parsed, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// MarshalJSON implements json.Marshaler
func (b ByteSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

// Int64 returns the size as a plain byte count.
func (b ByteSize) Int64() int64 {
	return int64(b)
}

// String renders the size with the largest suffix that divides it evenly.
func (b ByteSize) String() string {
	n := int64(b)
	switch {
	case n >= gigabyte && n%gigabyte == 0:
		return fmt.Sprintf("%dGB", n/gigabyte)
	case n >= megabyte && n%megabyte == 0:
		return fmt.Sprintf("%dMB", n/megabyte)
	case n >= kilobyte && n%kilobyte == 0:
		return fmt.Sprintf("%dKB", n/kilobyte)
	default:
		return fmt.Sprintf("%dB", n)
	}
}
