// Copyright 2025-2026 Mukhammad-develop

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrWorkerNotFound is returned by mutators targeting an unknown worker.
var ErrWorkerNotFound = errors.New("worker not found")

// Store is the durable configuration store. Saves are atomic
// (write-temp-then-replace) and bump a monotonically increasing version
// counter that doubles as the reload signal: the supervisor compares the
// version it last acted on against Version(), and Changed() delivers a
// non-blocking nudge so a reconcile can start without waiting for the
// next poll tick.
type Store struct {
	path string

	mu      sync.RWMutex
	current Config
	version uint64
	changed chan struct{}
}

// NewStore loads the configuration file at path, creating an empty one if
// it does not exist.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path, changed: make(chan struct{}, 1)}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := s.saveLocked(); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		var cfg Config
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		s.current = cfg
	}
	s.version = 1
	return s, nil
}

// Snapshot returns the current configuration as a deep copy together with
// the version it was read at.
func (s *Store) Snapshot() (Config, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := Config{Workers: make([]Worker, 0, len(s.current.Workers))}
	for _, w := range s.current.Workers {
		out.Workers = append(out.Workers, w.Clone())
	}
	return out, s.version
}

// Version returns the current configuration version.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Changed returns the reload-notification channel. At most one
// notification is buffered; consumers should treat a receive as "re-check
// Version()", not as a count of edits.
func (s *Store) Changed() <-chan struct{} {
	return s.changed
}

// Reload re-reads the configuration file, picking up edits made by an
// external process. Invalid content is rejected and the previous
// configuration stays active.
func (s *Store) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	s.mu.Lock()
	s.current = cfg
	s.bumpLocked()
	s.mu.Unlock()
	return nil
}

// Mutate applies fn to a copy of the configuration, validates the result,
// persists it atomically and bumps the version. The admin interface goes
// through this single gate so invalid rules or duplicate pairs never
// reach a worker.
func (s *Store) Mutate(fn func(*Config) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := Config{Workers: make([]Worker, 0, len(s.current.Workers))}
	for _, w := range s.current.Workers {
		next.Workers = append(next.Workers, w.Clone())
	}
	if err := fn(&next); err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return err
	}
	prev := s.current
	s.current = next
	if err := s.saveLocked(); err != nil {
		s.current = prev
		return err
	}
	s.bumpLocked()
	return nil
}

func (s *Store) bumpLocked() {
	s.version++
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

func (s *Store) saveLocked() error {
	data, err := yaml.Marshal(&s.current)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}

func (s *Store) mutateWorker(id string, fn func(*Worker) error) error {
	return s.Mutate(func(c *Config) error {
		for i := range c.Workers {
			if c.Workers[i].ID == id {
				return fn(&c.Workers[i])
			}
		}
		return fmt.Errorf("%w: %q", ErrWorkerNotFound, id)
	})
}

// SetWorkerEnabled toggles a worker on or off.
func (s *Store) SetWorkerEnabled(id string, enabled bool) error {
	return s.mutateWorker(id, func(w *Worker) error {
		w.Enabled = enabled
		return nil
	})
}

// AddPair appends a channel pair to a worker.
func (s *Store) AddPair(workerID string, pair Pair) error {
	return s.mutateWorker(workerID, func(w *Worker) error {
		w.Pairs = append(w.Pairs, pair)
		return nil
	})
}

// RemovePair removes a channel pair from a worker by its key.
func (s *Store) RemovePair(workerID string, source, target int64) error {
	return s.mutateWorker(workerID, func(w *Worker) error {
		key := Pair{Source: source, Target: target}.Key()
		for i, p := range w.Pairs {
			if p.Key() == key {
				w.Pairs = append(w.Pairs[:i], w.Pairs[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("pair %s not found on worker %q", key, workerID)
	})
}

// AddRule appends a replacement rule to a worker. Invalid regex rules are
// rejected here by Config.Validate and never persisted.
func (s *Store) AddRule(workerID string, rule Rule) error {
	return s.mutateWorker(workerID, func(w *Worker) error {
		w.Rules = append(w.Rules, rule)
		return nil
	})
}

// RemoveRule removes the replacement rule at the given index.
func (s *Store) RemoveRule(workerID string, index int) error {
	return s.mutateWorker(workerID, func(w *Worker) error {
		if index < 0 || index >= len(w.Rules) {
			return fmt.Errorf("rule index %d out of range on worker %q", index, workerID)
		}
		w.Rules = append(w.Rules[:index], w.Rules[index+1:]...)
		return nil
	})
}

// UpdateFilter replaces a worker's filter configuration.
func (s *Store) UpdateFilter(workerID string, filter FilterConfig) error {
	return s.mutateWorker(workerID, func(w *Worker) error {
		w.Filter = filter
		return nil
	})
}
