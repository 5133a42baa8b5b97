// Copyright 2025-2026 Mukhammad-develop

package relay

import (
	"context"
	"testing"

	"github.com/Mukhammad-develop/telegram-addresser/pkg/config"
)

func seedFeed(ft *fakeTransport, feedID int64, count int) {
	for i := 1; i <= count; i++ {
		ft.addMessage(feedID, &Message{ID: int64(i), Kind: KindText, Text: historyText(i)})
	}
}

func historyText(i int) string {
	return string(rune('a'+i-1)) + "-history"
}

func TestBackfillLastN(t *testing.T) {
	t.Parallel()
	pair := config.Pair{Source: -1, Target: -2, Enabled: true, BackfillCount: 2}
	ft := newFakeTransport()
	seedFeed(ft, pair.Source, 5)

	st := newTestStore(t)
	w := newTestWorker(t, testWorkerConfig(pair), ft, st)

	if err := w.pass(context.Background()); err != nil {
		t.Fatalf("pass: %v", err)
	}
	sent := ft.sentTo(pair.Target)
	if len(sent) != 2 {
		t.Fatalf("sent = %d, want the newest 2", len(sent))
	}
	if sent[0].Text != historyText(4) || sent[1].Text != historyText(5) {
		t.Errorf("wrong messages replayed: %q, %q", sent[0].Text, sent[1].Text)
	}
	if !st.BackfillDone(pair.Source, pair.Target) {
		t.Error("completion marker not written")
	}
	if w.pairs[pair.Key()].phase != pairLive {
		t.Error("pair should be live after backfill")
	}
}

func TestBackfillDisabledMarksImmediately(t *testing.T) {
	t.Parallel()
	pair := config.Pair{Source: -1, Target: -2, Enabled: true, BackfillCount: -1}
	ft := newFakeTransport()
	seedFeed(ft, pair.Source, 5)

	st := newTestStore(t)
	w := newTestWorker(t, testWorkerConfig(pair), ft, st)

	if err := w.runBackfill(context.Background(), w.pairs[pair.Key()]); err != nil {
		t.Fatalf("runBackfill: %v", err)
	}
	if got := len(ft.sentTo(pair.Target)); got != 0 {
		t.Errorf("sent = %d, want 0", got)
	}
	if !st.BackfillDone(pair.Source, pair.Target) {
		t.Error("marker should be written without replay")
	}
}

func TestBackfillFullCopyPages(t *testing.T) {
	t.Parallel()
	pair := config.Pair{Source: -1, Target: -2, Enabled: true, BackfillCount: 0}
	ft := newFakeTransport()
	seedFeed(ft, pair.Source, 5)

	cfg := testWorkerConfig(pair)
	cfg.Settings.BatchSize = 2
	st := newTestStore(t)
	w := newTestWorker(t, cfg, ft, st)

	if err := w.runBackfill(context.Background(), w.pairs[pair.Key()]); err != nil {
		t.Fatalf("runBackfill: %v", err)
	}
	sent := ft.sentTo(pair.Target)
	if len(sent) != 5 {
		t.Fatalf("sent = %d, want the whole history", len(sent))
	}
	for i, m := range sent {
		if m.Text != historyText(i+1) {
			t.Errorf("message %d = %q, want %q", i, m.Text, historyText(i+1))
		}
	}
	if !st.BackfillDone(pair.Source, pair.Target) {
		t.Error("completion marker not written")
	}
}

func TestBackfillResumeSkipsDelivered(t *testing.T) {
	t.Parallel()
	pair := config.Pair{Source: -1, Target: -2, Enabled: true, BackfillCount: 5}
	ft := newFakeTransport()
	seedFeed(ft, pair.Source, 5)

	st := newTestStore(t)
	// Simulate a crash after message 3 was delivered: the checkpoint is
	// persisted but the completion marker is not.
	if err := st.AdvanceCheckpoint(pair.Source, 3); err != nil {
		t.Fatal(err)
	}
	w := newTestWorker(t, testWorkerConfig(pair), ft, st)

	if w.pairs[pair.Key()].phase != pairPendingBackfill {
		t.Fatal("pair without marker should need backfill")
	}
	if err := w.runBackfill(context.Background(), w.pairs[pair.Key()]); err != nil {
		t.Fatalf("runBackfill: %v", err)
	}
	sent := ft.sentTo(pair.Target)
	if len(sent) != 2 {
		t.Fatalf("sent = %d, want only the 2 undelivered messages", len(sent))
	}
	if sent[0].Text != historyText(4) || sent[1].Text != historyText(5) {
		t.Errorf("resumed replay delivered %q, %q", sent[0].Text, sent[1].Text)
	}
}

func TestBackfillRunsThroughPipeline(t *testing.T) {
	t.Parallel()
	pair := config.Pair{Source: -1, Target: -2, Enabled: true, BackfillCount: 3}
	ft := newFakeTransport()
	ft.addMessage(pair.Source, &Message{ID: 1, Kind: KindText, Text: "spam offer"})
	ft.addMessage(pair.Source, &Message{ID: 2, Kind: KindText, Text: "genuine update"})

	cfg := testWorkerConfig(pair)
	cfg.Filter = config.FilterConfig{Enabled: true, Mode: "blacklist", Keywords: []string{"spam"}}
	cfg.Rules = []config.Rule{{Find: "update", Replace: "news"}}
	st := newTestStore(t)
	w := newTestWorker(t, cfg, ft, st)

	if err := w.runBackfill(context.Background(), w.pairs[pair.Key()]); err != nil {
		t.Fatalf("runBackfill: %v", err)
	}
	sent := ft.sentTo(pair.Target)
	if len(sent) != 1 {
		t.Fatalf("sent = %d, want 1 (filter applies during backfill)", len(sent))
	}
	if sent[0].Text != "genuine news" {
		t.Errorf("sent text = %q, transform not applied during backfill", sent[0].Text)
	}
}

func TestBackfillFetchFailureDoesNotMarkDone(t *testing.T) {
	t.Parallel()
	pair := config.Pair{Source: -1, Target: -2, Enabled: true, BackfillCount: 3}
	ft := newFakeTransport()
	seedFeed(ft, pair.Source, 3)
	ft.mu.Lock()
	ft.listErr = errTemp
	ft.mu.Unlock()

	st := newTestStore(t)
	w := newTestWorker(t, testWorkerConfig(pair), ft, st)

	if err := w.runBackfill(context.Background(), w.pairs[pair.Key()]); err != nil {
		t.Fatalf("runBackfill: %v", err)
	}
	if st.BackfillDone(pair.Source, pair.Target) {
		t.Error("completion marker written although no history was fetched")
	}
	if got := w.pairs[pair.Key()].phase; got != pairPendingBackfill {
		t.Errorf("phase = %v, want pairPendingBackfill", got)
	}

	// Once the fetch recovers, the next tick replays and writes the
	// marker.
	ft.mu.Lock()
	ft.listErr = nil
	ft.mu.Unlock()
	if err := w.pass(context.Background()); err != nil {
		t.Fatalf("pass: %v", err)
	}
	if got := len(ft.sentTo(pair.Target)); got != 3 {
		t.Errorf("sent = %d, want 3 after recovery", got)
	}
	if !st.BackfillDone(pair.Source, pair.Target) {
		t.Error("marker missing after the successful replay")
	}
}

func TestBackfillWriteForbiddenLeavesPairSkipped(t *testing.T) {
	t.Parallel()
	pair := config.Pair{Source: -1, Target: -2, Enabled: true, BackfillCount: 2}
	ft := newFakeTransport()
	seedFeed(ft, pair.Source, 2)
	ft.queueSendErr(ErrWriteForbidden)

	cfg := testWorkerConfig(pair)
	st := newTestStore(t)
	w := newTestWorker(t, cfg, ft, st)

	if err := w.runBackfill(context.Background(), w.pairs[pair.Key()]); err != nil {
		t.Fatalf("runBackfill: %v", err)
	}
	if got := w.pairs[pair.Key()].phase; got != pairSkipped {
		t.Errorf("phase = %v, want pairSkipped", got)
	}
	if st.BackfillDone(pair.Source, pair.Target) {
		t.Error("completion marker written although the replay was cut short")
	}
	if got := len(ft.sentTo(pair.Target)); got != 0 {
		t.Errorf("sent = %d, want 0 (replay must stop at the permission wall)", got)
	}

	// A reload re-arms the pair and the replay runs to completion.
	if err := w.applyConfig(cfg); err != nil {
		t.Fatalf("applyConfig: %v", err)
	}
	if err := w.pass(context.Background()); err != nil {
		t.Fatalf("pass: %v", err)
	}
	if got := len(ft.sentTo(pair.Target)); got != 2 {
		t.Errorf("sent = %d after reload, want 2", got)
	}
	if !st.BackfillDone(pair.Source, pair.Target) {
		t.Error("marker missing after the completed replay")
	}
}

func TestBackfillMarkerPreventsReplayAcrossRestart(t *testing.T) {
	t.Parallel()
	pair := config.Pair{Source: -1, Target: -2, Enabled: true, BackfillCount: 5}
	ft := newFakeTransport()
	seedFeed(ft, pair.Source, 3)

	st := newTestStore(t)
	w := newTestWorker(t, testWorkerConfig(pair), ft, st)
	if err := w.pass(context.Background()); err != nil {
		t.Fatalf("pass: %v", err)
	}
	firstRun := len(ft.sentTo(pair.Target))
	if firstRun != 3 {
		t.Fatalf("sent = %d, want 3", firstRun)
	}

	// A fresh worker over the same store must not replay.
	w2 := newTestWorker(t, testWorkerConfig(pair), ft, st)
	if w2.pairs[pair.Key()].phase != pairLive {
		t.Error("pair with marker should start live")
	}
	if err := w2.pass(context.Background()); err != nil {
		t.Fatalf("pass: %v", err)
	}
	if got := len(ft.sentTo(pair.Target)); got != firstRun {
		t.Errorf("restart replayed history: %d messages", got)
	}
}
