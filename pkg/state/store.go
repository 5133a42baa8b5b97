// Copyright 2025-2026 Mukhammad-develop

// Package state is the persistence layer of the relay engine: durable
// per-worker key-value files for forwarding checkpoints, backfill
// completion markers and the source-to-target deletion mapping. Every
// write goes through a temp file and an atomic rename so a crash mid-write
// leaves the previous state intact.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"
)

const (
	checkpointFile = "checkpoints.json"
	backfillFile   = "backfill.json"
	deletionFile   = "deletions.json"

	// Deletion map retention: when the entry count exceeds
	// maxDeletionEntries, the pruneDeletionBatch oldest entries by
	// timestamp are dropped.
	maxDeletionEntries  = 5000
	pruneDeletionBatch  = 1000
	stateFilePermission = 0o644
)

// DeletionEntry records where a relayed copy of a source message landed,
// so that a later deletion of the source can be propagated.
type DeletionEntry struct {
	TargetID    int64             `json:"target_id"`
	TargetMsgID int64             `json:"target_msg_id"`
	Timestamp   jsontime.UnixMilli `json:"timestamp"`
}

// Store owns the persisted relay state of exactly one worker. It must
// never be shared between workers; the supervisor guarantees one state
// directory per worker identity.
type Store struct {
	dir string
	log zerolog.Logger

	mu          sync.Mutex
	checkpoints map[int64]int64          // source feed id -> last processed message id
	markers     map[string]jsontime.Unix // "source:target" -> completion time
	deletions   map[string]DeletionEntry // "source:msg" -> target entry
}

// Open loads (or initializes) the state directory for one worker.
// Unreadable state files are quarantined with a ".corrupt" suffix and
// treated as empty rather than failing the worker.
func Open(dir string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	s := &Store{
		dir:         dir,
		log:         log.With().Str("component", "state").Logger(),
		checkpoints: make(map[int64]int64),
		markers:     make(map[string]jsontime.Unix),
		deletions:   make(map[string]DeletionEntry),
	}
	var rawCheckpoints map[string]int64
	if err := s.loadFile(checkpointFile, &rawCheckpoints); err != nil {
		return nil, err
	}
	for key, id := range rawCheckpoints {
		source, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			s.log.Warn().Str("key", key).Msg("Dropping checkpoint with non-numeric source id")
			continue
		}
		s.checkpoints[source] = id
	}
	if err := s.loadFile(backfillFile, &s.markers); err != nil {
		return nil, err
	}
	if err := s.loadFile(deletionFile, &s.deletions); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadFile(name string, out any) error {
	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		quarantine := path + ".corrupt"
		s.log.Error().Err(err).Str("file", name).Str("moved_to", quarantine).
			Msg("State file is corrupt, quarantining and starting empty")
		if renameErr := os.Rename(path, quarantine); renameErr != nil {
			return fmt.Errorf("failed to quarantine corrupt %s: %w", name, renameErr)
		}
	}
	return nil
}

// saveFile marshals v and atomically replaces the named state file.
// Callers must hold s.mu.
func (s *Store) saveFile(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, stateFilePermission); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}
	return nil
}

func (s *Store) saveCheckpointsLocked() error {
	raw := make(map[string]int64, len(s.checkpoints))
	for source, id := range s.checkpoints {
		raw[strconv.FormatInt(source, 10)] = id
	}
	return s.saveFile(checkpointFile, raw)
}

// PairKey builds the persisted key for a channel pair.
func PairKey(source, target int64) string {
	return fmt.Sprintf("%d:%d", source, target)
}

// MessageKey builds the persisted key for a source message.
func MessageKey(source, msgID int64) string {
	return fmt.Sprintf("%d:%d", source, msgID)
}

// Checkpoint returns the last processed message id for a source feed,
// or zero when the feed has never been processed.
func (s *Store) Checkpoint(source int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoints[source]
}

// AdvanceCheckpoint moves the checkpoint for a source feed forward and
// persists it. Regressions are ignored so the checkpoint is monotonic
// per source.
func (s *Store) AdvanceCheckpoint(source, msgID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msgID <= s.checkpoints[source] {
		return nil
	}
	s.checkpoints[source] = msgID
	return s.saveCheckpointsLocked()
}

// BackfillDone reports whether the pair has a completion marker.
func (s *Store) BackfillDone(source, target int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.markers[PairKey(source, target)]
	return ok
}

// MarkBackfillDone writes the completion marker for a pair. It is written
// exactly once per backfill run; overwriting an existing marker is a
// no-op.
func (s *Store) MarkBackfillDone(source, target int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := PairKey(source, target)
	if _, ok := s.markers[key]; ok {
		return nil
	}
	s.markers[key] = jsontime.UnixNow()
	return s.saveFile(backfillFile, s.markers)
}

// ClearBackfillMarker removes a pair's completion marker, re-triggering a
// full backfill run on the next worker pass. Operator-facing.
func (s *Store) ClearBackfillMarker(source, target int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := PairKey(source, target)
	if _, ok := s.markers[key]; !ok {
		return nil
	}
	delete(s.markers, key)
	return s.saveFile(backfillFile, s.markers)
}

// MapDeletion records the target location of a relayed message and prunes
// the mapping if it has grown beyond its retention bound.
func (s *Store) MapDeletion(source, sourceMsgID, target, targetMsgID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletions[MessageKey(source, sourceMsgID)] = DeletionEntry{
		TargetID:    target,
		TargetMsgID: targetMsgID,
		Timestamp:   jsontime.UM(time.Now()),
	}
	s.pruneDeletionsLocked()
	return s.saveFile(deletionFile, s.deletions)
}

func (s *Store) pruneDeletionsLocked() {
	if len(s.deletions) <= maxDeletionEntries {
		return
	}
	keys := make([]string, 0, len(s.deletions))
	for k := range s.deletions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return s.deletions[keys[i]].Timestamp.Time.Before(s.deletions[keys[j]].Timestamp.Time)
	})
	n := pruneDeletionBatch
	if n > len(keys) {
		n = len(keys)
	}
	for _, k := range keys[:n] {
		delete(s.deletions, k)
	}
	s.log.Info().Int("pruned", n).Int("remaining", len(s.deletions)).
		Msg("Pruned oldest deletion-map entries")
}

// LookupDeletion returns the target entry for a source message, if it is
// still tracked.
func (s *Store) LookupDeletion(source, sourceMsgID int64) (DeletionEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.deletions[MessageKey(source, sourceMsgID)]
	return entry, ok
}

// RemoveDeletion evicts a mapping entry after its deletion has been
// synced (or found already gone).
func (s *Store) RemoveDeletion(source, sourceMsgID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := MessageKey(source, sourceMsgID)
	if _, ok := s.deletions[key]; !ok {
		return nil
	}
	delete(s.deletions, key)
	return s.saveFile(deletionFile, s.deletions)
}

// DeletionCount returns the number of tracked deletion mappings.
func (s *Store) DeletionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deletions)
}

// DropPair lazily removes all persisted state belonging to a removed
// channel pair: its backfill marker, its deletion mappings and, when no
// other pair shares the source, the source checkpoint.
func (s *Store) DropPair(source, target int64, sourceStillUsed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.markers, PairKey(source, target))
	prefix := strconv.FormatInt(source, 10) + ":"
	for key, entry := range s.deletions {
		if entry.TargetID == target && strings.HasPrefix(key, prefix) {
			delete(s.deletions, key)
		}
	}
	if !sourceStillUsed {
		delete(s.checkpoints, source)
	}
	if err := s.saveFile(backfillFile, s.markers); err != nil {
		return err
	}
	if err := s.saveFile(deletionFile, s.deletions); err != nil {
		return err
	}
	return s.saveCheckpointsLocked()
}

// Flush rewrites all state files. Called on graceful worker shutdown.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.saveCheckpointsLocked(); err != nil {
		return err
	}
	if err := s.saveFile(backfillFile, s.markers); err != nil {
		return err
	}
	return s.saveFile(deletionFile, s.deletions)
}
