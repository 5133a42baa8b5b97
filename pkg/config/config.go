// Copyright 2025-2026 Mukhammad-develop

// Package config defines the relay configuration model and its durable
// store. The store is the single writer of the configuration file; the
// supervisor and workers only ever see value copies of a loaded snapshot,
// so a reload replaces configuration wholesale instead of mutating shared
// state.
package config

import (
	"fmt"
	"time"

	"github.com/Mukhammad-develop/telegram-addresser/pkg/rules"
)

// Default reliability and cadence settings.
const (
	DefaultRetryAttempts       = 5
	DefaultRetryDelay          = Duration(5 * time.Second)
	DefaultFloodWaitExtraDelay = Duration(10 * time.Second)
	DefaultPollInterval        = Duration(5 * time.Second)
	DefaultResyncInterval      = Duration(120 * time.Second)
	DefaultBatchSize           = 100
	DefaultMaxMessageLength    = 4096
)

// Pipeline configuration types re-exported so admin-facing callers only
// need this package.
type (
	Rule         = rules.Rule
	FilterConfig = rules.FilterConfig
)

// Config is the root of the relay configuration: one entry per worker
// identity.
type Config struct {
	Workers []Worker `yaml:"workers"`
}

// Worker configures one account identity: its transport credentials, the
// channel pairs it relays, and its text pipelines.
type Worker struct {
	ID          string             `yaml:"worker_id"`
	Enabled     bool               `yaml:"enabled"`
	Credentials Credentials        `yaml:"credentials"`
	Pairs       []Pair             `yaml:"channel_pairs"`
	Rules       []rules.Rule       `yaml:"replacement_rules"`
	Filter      rules.FilterConfig `yaml:"filters"`
	Settings    Settings           `yaml:"settings"`
}

// Credentials reference the transport session of a worker. The session
// name doubles as the single-instance ownership key: no two running
// workers may share one.
type Credentials struct {
	APIID   int    `yaml:"api_id"`
	APIHash string `yaml:"api_hash"`
	Session string `yaml:"session_name"`
}

// Pair is one (source, target) relay direction.
type Pair struct {
	Source  int64 `yaml:"source"`
	Target  int64 `yaml:"target"`
	Enabled bool  `yaml:"enabled"`
	// BackfillCount controls the one-time historical replay when the
	// pair has no completion marker: 0 copies the full history, N>0
	// copies the most recent N messages, negative disables backfill.
	BackfillCount int `yaml:"backfill_count"`
}

// Key returns the pair's identity within a worker.
func (p Pair) Key() string {
	return fmt.Sprintf("%d:%d", p.Source, p.Target)
}

// Settings are the per-worker reliability and cadence tunables.
// Zero values mean "use the default".
type Settings struct {
	RetryAttempts       int      `yaml:"retry_attempts"`
	RetryDelay          Duration `yaml:"retry_delay"`
	FloodWaitExtraDelay Duration `yaml:"flood_wait_extra_delay"`
	PollInterval        Duration `yaml:"poll_interval"`
	ResyncInterval      Duration `yaml:"resync_interval"`
	BatchSize           int      `yaml:"batch_size"`
	MaxMessageLength    int      `yaml:"max_message_length"`
	AddSourceLink       bool     `yaml:"add_source_link"`
	SourceLinkText      string   `yaml:"source_link_text"`
}

// WithDefaults returns a copy with zero fields replaced by defaults.
func (s Settings) WithDefaults() Settings {
	if s.RetryAttempts <= 0 {
		s.RetryAttempts = DefaultRetryAttempts
	}
	if s.RetryDelay <= 0 {
		s.RetryDelay = DefaultRetryDelay
	}
	if s.FloodWaitExtraDelay <= 0 {
		s.FloodWaitExtraDelay = DefaultFloodWaitExtraDelay
	}
	if s.PollInterval <= 0 {
		s.PollInterval = DefaultPollInterval
	}
	if s.ResyncInterval <= 0 {
		s.ResyncInterval = DefaultResyncInterval
	}
	if s.BatchSize <= 0 {
		s.BatchSize = DefaultBatchSize
	}
	if s.MaxMessageLength <= 0 {
		s.MaxMessageLength = DefaultMaxMessageLength
	}
	if s.SourceLinkText == "" {
		s.SourceLinkText = "\n\nSource: {link}"
	}
	return s
}

// Validate rejects configurations that must never reach a running
// worker: duplicate identities, duplicate pairs, unusable credentials and
// replacement rules that do not compile. This is the admin-mutation-time
// gate required by the error propagation policy.
func (c *Config) Validate() error {
	seenWorkers := make(map[string]struct{}, len(c.Workers))
	seenSessions := make(map[string]string, len(c.Workers))
	for i, w := range c.Workers {
		if w.ID == "" {
			return fmt.Errorf("worker %d: worker_id must not be empty", i)
		}
		if _, dup := seenWorkers[w.ID]; dup {
			return fmt.Errorf("duplicate worker_id %q", w.ID)
		}
		seenWorkers[w.ID] = struct{}{}
		if w.Enabled {
			if w.Credentials.Session == "" {
				return fmt.Errorf("worker %q: session_name must not be empty", w.ID)
			}
			if owner, dup := seenSessions[w.Credentials.Session]; dup {
				return fmt.Errorf("workers %q and %q share session %q", owner, w.ID, w.Credentials.Session)
			}
			seenSessions[w.Credentials.Session] = w.ID
		}
		seenPairs := make(map[string]struct{}, len(w.Pairs))
		for _, p := range w.Pairs {
			if p.Source == 0 || p.Target == 0 {
				return fmt.Errorf("worker %q: pair %s has an empty feed id", w.ID, p.Key())
			}
			if _, dup := seenPairs[p.Key()]; dup {
				return fmt.Errorf("worker %q: duplicate pair %s", w.ID, p.Key())
			}
			seenPairs[p.Key()] = struct{}{}
		}
		if _, err := rules.NewTransformer(w.Rules); err != nil {
			return fmt.Errorf("worker %q: %w", w.ID, err)
		}
		if err := w.Filter.Validate(); err != nil {
			return fmt.Errorf("worker %q: %w", w.ID, err)
		}
	}
	return nil
}

// Worker returns a value copy of the worker with the given id.
func (c *Config) Worker(id string) (Worker, bool) {
	for _, w := range c.Workers {
		if w.ID == id {
			return w.Clone(), true
		}
	}
	return Worker{}, false
}

// Clone returns a deep copy of the worker configuration. Workers are
// always handed out by value so edits to the store never alias into a
// running worker.
func (w Worker) Clone() Worker {
	out := w
	out.Pairs = append([]Pair(nil), w.Pairs...)
	out.Rules = append([]rules.Rule(nil), w.Rules...)
	out.Filter.Keywords = append([]string(nil), w.Filter.Keywords...)
	return out
}

// EnabledPairs returns the worker's enabled pairs.
func (w Worker) EnabledPairs() []Pair {
	out := make([]Pair, 0, len(w.Pairs))
	for _, p := range w.Pairs {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

// CredentialsChanged reports whether two snapshots of the same worker
// differ in a way that requires a session restart rather than an
// in-place reload.
func CredentialsChanged(a, b Worker) bool {
	return a.Credentials != b.Credentials
}
