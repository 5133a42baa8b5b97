// Copyright 2025-2026 Mukhammad-develop

package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from either a bare number
// of seconds (the legacy configuration format) or a Go duration string
// such as "90s" or "2m".
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Seconds wraps a second count as a Duration.
func Seconds(n int) Duration {
	return Duration(time.Duration(n) * time.Second)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var secs int64
	if err := node.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	var raw string
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	std := time.Duration(d)
	if std%time.Second == 0 {
		return int64(std / time.Second), nil
	}
	return std.String(), nil
}
