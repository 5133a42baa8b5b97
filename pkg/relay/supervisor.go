// Copyright 2025-2026 Mukhammad-develop

package relay

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Mukhammad-develop/telegram-addresser/pkg/config"
	"github.com/Mukhammad-develop/telegram-addresser/pkg/state"
)

// TransportFactory builds a transport session for one worker identity.
// The supervisor calls it on every worker start, including restarts, so a
// session is never reused across incarnations.
type TransportFactory func(cfg config.Worker) (Transport, error)

// reconcileInterval is the fallback cadence for re-checking the desired
// worker set when no change notification arrives.
const reconcileInterval = 15 * time.Second

// restartPolicy tunes how the supervisor handles crashing workers. Tests
// shrink the delays.
type restartPolicy struct {
	// maxConsecutiveRestarts is the crash-restart ceiling; a worker that
	// keeps failing is parked until the next configuration change.
	maxConsecutiveRestarts int
	// restartBaseDelay seeds the exponential restart backoff.
	restartBaseDelay time.Duration
	// sessionLockCooldown applies when a crash looks like a session
	// ownership conflict: another process likely holds the account
	// session, so restarting quickly only thrashes.
	sessionLockCooldown time.Duration
	// quickCrashWindow: a worker dying this fast after connect is treated
	// like a session lock even without a typed error.
	quickCrashWindow time.Duration
	// healthyUptime resets the consecutive-failure counter; the ceiling
	// is meant for crash loops, not for a worker that ran fine for an
	// hour and then hit a bad patch.
	healthyUptime time.Duration
}

func defaultRestartPolicy() restartPolicy {
	return restartPolicy{
		maxConsecutiveRestarts: 5,
		restartBaseDelay:       5 * time.Second,
		sessionLockCooldown:    30 * time.Second,
		quickCrashWindow:       10 * time.Second,
		healthyUptime:          time.Minute,
	}
}

// supervised is the supervisor's handle on one running worker goroutine.
type supervised struct {
	cfg    config.Worker
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	worker *Worker
}

func (sv *supervised) current() *Worker {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.worker
}

func (sv *supervised) swap(w *Worker) {
	sv.mu.Lock()
	sv.worker = w
	sv.mu.Unlock()
}

// Supervisor reconciles the set of running workers against the enabled
// workers in the configuration store. It is the only component that
// starts or stops workers: crashes restart with backoff, credential edits
// restart the session, everything else reloads in place.
type Supervisor struct {
	cfg          *config.Store
	stateDir     string
	newTransport TransportFactory
	policy       restartPolicy
	log          zerolog.Logger

	mu      sync.Mutex
	running map[string]*supervised
	stores  map[string]*state.Store
	// parked maps a worker that exhausted its restart budget to the
	// config version it gave up at; a newer version clears the parking.
	parked      map[string]uint64
	lastVersion uint64
}

// NewSupervisor wires a supervisor over a configuration store. Worker
// state lives in per-identity subdirectories of stateDir.
func NewSupervisor(cfg *config.Store, stateDir string, factory TransportFactory, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		cfg:          cfg,
		stateDir:     stateDir,
		newTransport: factory,
		policy:       defaultRestartPolicy(),
		log:          log.With().Str("component", "supervisor").Logger(),
		running:      make(map[string]*supervised),
		stores:       make(map[string]*state.Store),
		parked:       make(map[string]uint64),
	}
}

// Run drives reconciliation until ctx is cancelled, then drains every
// worker in parallel and returns.
func (s *Supervisor) Run(ctx context.Context) error {
	s.log.Info().Msg("Supervisor starting")
	s.reconcile(ctx)

	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Supervisor stopping, draining workers")
			s.drainAll()
			return nil
		case <-s.cfg.Changed():
			s.reconcile(ctx)
		case <-ticker.C:
			s.reconcile(ctx)
		}
	}
}

// reconcile diffs the desired worker set against the running one: stops
// workers that are gone or disabled, restarts workers whose credentials
// changed, hot-reloads the rest, and starts what is missing.
func (s *Supervisor) reconcile(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	snapshot, version := s.cfg.Snapshot()
	desired := make(map[string]config.Worker)
	for _, w := range snapshot.Workers {
		if w.Enabled {
			desired[w.ID] = w
		}
	}

	s.mu.Lock()
	configChanged := version != s.lastVersion
	s.lastVersion = version

	var stop []*supervised
	for id, sv := range s.running {
		next, want := desired[id]
		switch {
		case !want:
			s.log.Info().Str("worker", id).Msg("Worker removed from configuration, stopping")
			delete(s.running, id)
			stop = append(stop, sv)
		case config.CredentialsChanged(sv.cfg, next):
			s.log.Info().Str("worker", id).Msg("Worker credentials changed, restarting session")
			delete(s.running, id)
			stop = append(stop, sv)
		case configChanged:
			sv.cfg = next
			if w := sv.current(); w != nil {
				w.Reload(next)
			}
		}
	}

	var start []config.Worker
	sessions := make(map[string]string)
	for id, sv := range s.running {
		sessions[sv.cfg.Credentials.Session] = id
	}
	for id, w := range desired {
		if _, ok := s.running[id]; ok {
			continue
		}
		if parkedAt, ok := s.parked[id]; ok {
			if parkedAt == version {
				continue
			}
			delete(s.parked, id)
		}
		// Single-instance guard: the session may still be held by a
		// worker that is draining under a different id. The next
		// reconcile picks this worker up once the session is free.
		if owner, held := sessions[w.Credentials.Session]; held {
			s.log.Warn().Str("worker", id).Str("held_by", owner).
				Msg("Session still owned by another worker, deferring start")
			continue
		}
		sessions[w.Credentials.Session] = id
		start = append(start, w)
	}
	s.mu.Unlock()

	if len(stop) > 0 {
		var g errgroup.Group
		for _, sv := range stop {
			sv := sv
			g.Go(func() error {
				sv.cancel()
				<-sv.done
				return nil
			})
		}
		_ = g.Wait()
	}

	for _, w := range start {
		s.startWorker(ctx, w)
	}
}

// drainAll stops every running worker in parallel and waits for them.
func (s *Supervisor) drainAll() {
	s.mu.Lock()
	var all []*supervised
	for id, sv := range s.running {
		delete(s.running, id)
		all = append(all, sv)
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, sv := range all {
		sv := sv
		g.Go(func() error {
			sv.cancel()
			<-sv.done
			return nil
		})
	}
	_ = g.Wait()
}

// storeFor returns the worker's state store, opening it on first use.
// Stores survive worker restarts.
func (s *Supervisor) storeFor(id string) (*state.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.stores[id]; ok {
		return st, nil
	}
	st, err := state.Open(filepath.Join(s.stateDir, id), s.log.With().Str("worker", id).Logger())
	if err != nil {
		return nil, err
	}
	s.stores[id] = st
	return st, nil
}

func (s *Supervisor) startWorker(ctx context.Context, cfg config.Worker) {
	store, err := s.storeFor(cfg.ID)
	if err != nil {
		s.log.Error().Err(err).Str("worker", cfg.ID).Msg("Failed to open worker state, not starting")
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	sv := &supervised{cfg: cfg, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.running[cfg.ID] = sv
	s.mu.Unlock()

	s.log.Info().Str("worker", cfg.ID).Msg("Starting worker")
	go s.runWorker(runCtx, sv, store)
}

// runWorker owns one worker identity for as long as it stays in the
// desired set: it builds incarnations, applies the crash-restart policy
// and removes the handle when the worker finally stops.
func (s *Supervisor) runWorker(ctx context.Context, sv *supervised, store *state.Store) {
	defer close(sv.done)
	defer func() {
		s.mu.Lock()
		if s.running[sv.cfg.ID] == sv {
			delete(s.running, sv.cfg.ID)
		}
		s.mu.Unlock()
	}()

	metricRunningWorkers.Inc()
	defer metricRunningWorkers.Dec()

	failures := 0
	for {
		s.mu.Lock()
		cfg := sv.cfg.Clone()
		s.mu.Unlock()

		transport, err := s.newTransport(cfg)
		if err != nil {
			s.log.Error().Err(err).Str("worker", cfg.ID).Msg("Failed to build transport session")
			return
		}
		worker, err := NewWorker(cfg, transport, store, s.log)
		if err != nil {
			s.log.Error().Err(err).Str("worker", cfg.ID).Msg("Failed to build worker")
			return
		}
		sv.swap(worker)

		started := time.Now()
		runErr := worker.Run(ctx)
		uptime := time.Since(started)
		if ctx.Err() != nil || runErr == nil {
			return
		}

		if uptime >= s.policy.healthyUptime {
			failures = 0
		}
		failures++
		metricWorkerRestarts.WithLabelValues(cfg.ID).Inc()
		if failures >= s.policy.maxConsecutiveRestarts {
			s.log.Error().Err(runErr).Str("worker", cfg.ID).Int("failures", failures).
				Msg("Worker keeps crashing, giving up until the next configuration change")
			s.mu.Lock()
			s.parked[cfg.ID] = s.lastVersion
			s.mu.Unlock()
			return
		}

		cooldown := s.policy.restartBaseDelay << (failures - 1)
		if IsSessionLockError(runErr) || uptime < s.policy.quickCrashWindow {
			// Fast death right after connect almost always means the
			// session is held elsewhere; restarting on the normal
			// schedule just thrashes the account.
			cooldown = s.policy.sessionLockCooldown
		}
		s.log.Warn().Err(runErr).Str("worker", cfg.ID).
			Dur("uptime", uptime).Dur("cooldown", cooldown).Int("failures", failures).
			Msg("Worker crashed, restarting after cooldown")
		if !sleepCtx(ctx, cooldown) {
			return
		}
	}
}

// RunningWorkers returns the ids of currently supervised workers, for
// status reporting.
func (s *Supervisor) RunningWorkers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.running))
	for id := range s.running {
		out = append(out, id)
	}
	return out
}
