// Copyright 2025-2026 Mukhammad-develop

package rules

import (
	"fmt"
	"strings"
)

// Filter modes.
const (
	ModeWhitelist = "whitelist"
	ModeBlacklist = "blacklist"
)

// FilterConfig is the keyword filter configuration for one worker.
type FilterConfig struct {
	Enabled  bool     `yaml:"enabled" json:"enabled"`
	Mode     string   `yaml:"mode" json:"mode"`
	Keywords []string `yaml:"keywords" json:"keywords"`
}

// Validate checks the mode value. An empty mode defaults to whitelist.
func (fc FilterConfig) Validate() error {
	switch fc.Mode {
	case "", ModeWhitelist, ModeBlacklist:
		return nil
	}
	return fmt.Errorf("invalid filter mode %q (want %q or %q)", fc.Mode, ModeWhitelist, ModeBlacklist)
}

// Filter evaluates the keyword filter against message text. Keywords are
// matched case-insensitively as substrings.
type Filter struct {
	cfg      FilterConfig
	keywords []string
}

// NewFilter builds a filter with pre-lowercased keywords.
func NewFilter(cfg FilterConfig) *Filter {
	kw := make([]string, 0, len(cfg.Keywords))
	for _, k := range cfg.Keywords {
		if k == "" {
			continue
		}
		kw = append(kw, strings.ToLower(k))
	}
	return &Filter{cfg: cfg, keywords: kw}
}

// Allow reports whether a message with the given text content should be
// forwarded. Messages without text are forwarded only in blacklist mode,
// since a whitelist can never match them.
func (f *Filter) Allow(text string) bool {
	if f == nil || !f.cfg.Enabled {
		return true
	}
	mode := f.cfg.Mode
	if mode == "" {
		mode = ModeWhitelist
	}
	if text == "" {
		return mode == ModeBlacklist
	}
	if len(f.keywords) == 0 {
		return true
	}
	lower := strings.ToLower(text)
	hit := false
	for _, k := range f.keywords {
		if strings.Contains(lower, k) {
			hit = true
			break
		}
	}
	if mode == ModeBlacklist {
		return !hit
	}
	return hit
}
