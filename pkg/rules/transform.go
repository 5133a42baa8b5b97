// Copyright 2025-2026 Mukhammad-develop

// Package rules implements the two text pipelines of the relay engine:
// the transform pipeline (ordered find/replace rules applied to message
// text and captions) and the filter pipeline (whitelist/blacklist keyword
// matching that decides whether a message is forwarded at all).
package rules

import (
	"fmt"
	"regexp"
	"strings"
)

// Rule is a single find/replace instruction. When IsRegex is set, Find is
// interpreted as a regular expression; otherwise it is a literal string.
// Matching is case-insensitive unless CaseSensitive is set.
type Rule struct {
	Find          string `yaml:"find" json:"find"`
	Replace       string `yaml:"replace" json:"replace"`
	CaseSensitive bool   `yaml:"case_sensitive" json:"case_sensitive"`
	IsRegex       bool   `yaml:"is_regex" json:"is_regex"`
}

// Compile validates the rule and returns its matcher. Rules with an empty
// Find never match and compile to nil.
func (r Rule) Compile() (*regexp.Regexp, error) {
	if r.Find == "" {
		return nil, nil
	}
	pattern := r.Find
	if !r.IsRegex {
		pattern = regexp.QuoteMeta(pattern)
	}
	if !r.CaseSensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid replacement rule %q: %w", r.Find, err)
	}
	return re, nil
}

type compiledRule struct {
	rule Rule
	re   *regexp.Regexp
}

// Transformer applies an ordered list of replacement rules to text.
// Construction fails if any regex rule does not compile, so bad rules are
// rejected when configuration is mutated and never reach the forwarding
// loop.
type Transformer struct {
	rules []compiledRule
}

// NewTransformer compiles the given rules in order.
func NewTransformer(ruleList []Rule) (*Transformer, error) {
	compiled := make([]compiledRule, 0, len(ruleList))
	for _, r := range ruleList {
		re, err := r.Compile()
		if err != nil {
			return nil, err
		}
		if re == nil {
			continue
		}
		compiled = append(compiled, compiledRule{rule: r, re: re})
	}
	return &Transformer{rules: compiled}, nil
}

// Apply runs every rule against text in configuration order and returns
// the result. Empty input is returned unchanged.
func (t *Transformer) Apply(text string) string {
	if text == "" || t == nil {
		return text
	}
	for _, cr := range t.rules {
		switch {
		case cr.rule.IsRegex:
			text = cr.re.ReplaceAllString(text, cr.rule.Replace)
		case cr.rule.CaseSensitive:
			text = strings.ReplaceAll(text, cr.rule.Find, cr.rule.Replace)
		default:
			// Literal rules must never expand $ sequences in Replace.
			text = cr.re.ReplaceAllLiteralString(text, cr.rule.Replace)
		}
	}
	return text
}

// RuleCount returns the number of active (non-empty) rules.
func (t *Transformer) RuleCount() int {
	if t == nil {
		return 0
	}
	return len(t.rules)
}

// SplitLongMessage splits text into chunks of at most maxLength runes of
// byte length, preferring line boundaries and falling back to word
// boundaries for oversized lines. Used when a transformed text exceeds
// the configured maximum message length.
func SplitLongMessage(text string, maxLength int) []string {
	if maxLength <= 0 || len(text) <= maxLength {
		return []string{text}
	}
	var parts []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			parts = append(parts, current.String())
			current.Reset()
		}
	}
	appendWith := func(sep, chunk string) {
		if current.Len() > 0 && current.Len()+len(sep)+len(chunk) > maxLength {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString(sep)
		}
		current.WriteString(chunk)
	}
	for _, line := range strings.Split(text, "\n") {
		if len(line) <= maxLength {
			appendWith("\n", line)
			continue
		}
		flush()
		for _, word := range strings.Split(line, " ") {
			appendWith(" ", word)
		}
		flush()
	}
	flush()
	return parts
}
