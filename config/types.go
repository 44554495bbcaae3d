package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// SizeBytes represents a number of bytes, unmarshaled from human-friendly
// strings like "64MB", "8KiB" or plain integers.
type SizeBytes int64

func parseSize(raw string) (SizeBytes, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return SizeBytes(i), nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		return SizeBytes(v), nil
	}
	return 0, fmt.Errorf("invalid size value: %q", raw)
}

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseSize(node.Value)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s *SizeBytes) UnmarshalText(b []byte) error { return s.Set(string(b)) }

// Set implements flag.Value.
func (s *SizeBytes) Set(raw string) error {
	v, err := parseSize(raw)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

var sizeUnits = []string{"", "KiB", "MiB", "GiB", "TiB"}

// String uses the largest binary unit that divides s exactly, so the result
// parses back to the same value.
func (s SizeBytes) String() string {
	v, i := int64(s), 0
	for v != 0 && v%1024 == 0 && i < len(sizeUnits)-1 {
		v /= 1024
		i++
	}
	if i == 0 {
		return strconv.FormatInt(v, 10)
	}
	return strconv.FormatInt(v, 10) + " " + sizeUnits[i]
}

func (s SizeBytes) MarshalYAML() (any, error) { return s.String(), nil }

func (s SizeBytes) Int64() int64 { return int64(s) }

func (s SizeBytes) Int() int { return int(s) }

// Duration is a wrapper around time.Duration that parses strings like
// "100ms" or plain numbers (interpreted as seconds).
type Duration time.Duration

func parseDuration(raw string) (Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		return Duration(td), nil
	}
	// allow numeric seconds
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return Duration(time.Duration(f * float64(time.Second))), nil
	}
	return 0, fmt.Errorf("invalid duration value: %q", raw)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d *Duration) UnmarshalText(b []byte) error { return d.Set(string(b)) }

// Set implements flag.Value.
func (d *Duration) Set(raw string) error {
	v, err := parseDuration(raw)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

func (d Duration) Std() time.Duration { return time.Duration(d) }
