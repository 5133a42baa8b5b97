// Copyright 2025-2026 Mukhammad-develop

package relay

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Mukhammad-develop/telegram-addresser/pkg/config"
	"github.com/Mukhammad-develop/telegram-addresser/pkg/state"
)

// errTemp is a scripted transient delivery failure.
var errTemp = errors.New("temporary network hiccup")

// fakeTransport is an in-memory Transport for tests: feeds are plain
// message slices, sends record into per-target logs, and scripted errors
// are popped from a queue before sends succeed.
type fakeTransport struct {
	mu sync.Mutex

	feeds  map[int64][]*Message
	nextID int64

	sent      map[int64][]*Message
	albums    map[int64][][]*Message
	deleted   map[int64][]int64
	deleteErr error
	sendErrs  []error
	listErr   error

	connectErr error
	connects   int
	closed     bool

	events    chan Event
	eventsErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		feeds:     make(map[int64][]*Message),
		nextID:    1000,
		sent:      make(map[int64][]*Message),
		albums:    make(map[int64][][]*Message),
		deleted:   make(map[int64][]int64),
		eventsErr: ErrEventsUnsupported,
	}
}

func (f *fakeTransport) addMessage(feedID int64, msg *Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feeds[feedID] = append(f.feeds[feedID], msg)
}

func (f *fakeTransport) queueSendErr(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErrs = append(f.sendErrs, errs...)
}

func (f *fakeTransport) sentTo(feedID int64) []*Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Message(nil), f.sent[feedID]...)
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) ListMessages(_ context.Context, feedID int64, opts ListOptions) ([]*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*Message
	for _, m := range f.feeds[feedID] {
		if m.ID > opts.MinID {
			out = append(out, m)
		}
	}
	if opts.Last && opts.Limit > 0 && len(out) > opts.Limit {
		out = out[len(out)-opts.Limit:]
	} else if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (f *fakeTransport) popSendErrLocked() error {
	if len(f.sendErrs) == 0 {
		return nil
	}
	err := f.sendErrs[0]
	f.sendErrs = f.sendErrs[1:]
	return err
}

func (f *fakeTransport) SendMessage(_ context.Context, feedID int64, msg *Message) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popSendErrLocked(); err != nil {
		return 0, err
	}
	f.nextID++
	clone := *msg
	clone.ID = f.nextID
	f.sent[feedID] = append(f.sent[feedID], &clone)
	return f.nextID, nil
}

func (f *fakeTransport) SendAlbum(_ context.Context, feedID int64, msgs []*Message) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popSendErrLocked(); err != nil {
		return nil, err
	}
	ids := make([]int64, len(msgs))
	group := make([]*Message, len(msgs))
	for i, m := range msgs {
		f.nextID++
		clone := *m
		clone.ID = f.nextID
		ids[i] = f.nextID
		group[i] = &clone
	}
	f.albums[feedID] = append(f.albums[feedID], group)
	f.sent[feedID] = append(f.sent[feedID], group...)
	return ids, nil
}

func (f *fakeTransport) DeleteMessage(_ context.Context, feedID int64, messageID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted[feedID] = append(f.deleted[feedID], messageID)
	return nil
}

func (f *fakeTransport) SubscribeEvents(_ context.Context) (<-chan Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.eventsErr != nil {
		return nil, f.eventsErr
	}
	return f.events, nil
}

// fastSettings keeps retries and pauses in the millisecond range so tests
// run quickly.
func fastSettings() config.Settings {
	return config.Settings{
		RetryAttempts:       3,
		RetryDelay:          config.Duration(time.Millisecond),
		FloodWaitExtraDelay: config.Duration(time.Millisecond),
		PollInterval:        config.Duration(10 * time.Millisecond),
		ResyncInterval:      config.Duration(time.Hour),
		BatchSize:           100,
		MaxMessageLength:    4096,
	}
}

func testWorkerConfig(pairs ...config.Pair) config.Worker {
	return config.Worker{
		ID:          "w-test",
		Enabled:     true,
		Credentials: config.Credentials{APIID: 1, APIHash: "h", Session: "s-test"},
		Pairs:       pairs,
		Settings:    fastSettings(),
	}
}

func newTestStore(t *testing.T) *state.Store {
	t.Helper()
	st, err := state.Open(filepath.Join(t.TempDir(), "worker"), zerolog.Nop())
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	return st
}

func newTestWorker(t *testing.T, cfg config.Worker, ft *fakeTransport, st *state.Store) *Worker {
	t.Helper()
	if st == nil {
		st = newTestStore(t)
	}
	w, err := NewWorker(cfg, ft, st, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	// Tests deliver many messages; the production send budget would
	// serialize them at one per second.
	w.limiter = rate.NewLimiter(rate.Inf, 0)
	return w
}

// markLive pre-writes backfill markers so pairs start in the live phase.
func markLive(t *testing.T, st *state.Store, pairs ...config.Pair) {
	t.Helper()
	for _, p := range pairs {
		if err := st.MarkBackfillDone(p.Source, p.Target); err != nil {
			t.Fatalf("MarkBackfillDone: %v", err)
		}
	}
}
