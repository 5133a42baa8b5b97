// Copyright 2025-2026 Mukhammad-develop

package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Mukhammad-develop/telegram-addresser/pkg/config"
	"github.com/Mukhammad-develop/telegram-addresser/pkg/rules"
	"github.com/Mukhammad-develop/telegram-addresser/pkg/state"
)

// pairPhase is the lifecycle state of one channel pair inside a worker.
type pairPhase int

const (
	pairPendingBackfill pairPhase = iota
	pairBackfilling
	pairLive
	// pairSkipped: delivery hit a write-permission error. The pair stays
	// enabled but is not retried until the next config reload.
	pairSkipped
	// pairDisabled: the source forbids copying entirely. Fatal to the
	// pair for the lifetime of this worker.
	pairDisabled
)

type pairState struct {
	pair  config.Pair
	phase pairPhase
}

// Worker relays messages for one account identity. It owns exactly one
// transport session and one state directory, runs a single cooperative
// loop, and is only ever driven by its supervisor: Run once, Reload for
// config-only changes, context cancellation for graceful shutdown.
type Worker struct {
	id        string
	transport Transport
	store     *state.Store
	log       zerolog.Logger

	// limiter serializes outbound sends against the per-account rate
	// budget. Cross-account parallelism lives in the supervisor.
	limiter *rate.Limiter

	cfg         config.Worker
	settings    config.Settings
	transformer *rules.Transformer
	filter      *rules.Filter

	pairs     map[string]*pairState
	pairOrder []string

	// lastEventID tracks the newest message id seen via the live event
	// stream per source feed, for stuck-stream detection.
	lastEventID map[int64]int64
	eventsLive  bool

	reloadCh chan config.Worker
	done     chan struct{}
}

// Outbound send pacing: one message-bearing call per second per account.
const sendsPerSecond = 1

// backfillBatchDelay spaces full-copy backfill batches to stay under the
// account's rate budget.
const backfillBatchDelay = time.Second

// NewWorker builds a worker from a value copy of its configuration. The
// configuration must already be validated; an invalid replacement rule
// here is a programming error upstream.
func NewWorker(cfg config.Worker, transport Transport, store *state.Store, log zerolog.Logger) (*Worker, error) {
	w := &Worker{
		id:          cfg.ID,
		transport:   transport,
		store:       store,
		log:         log.With().Str("worker", cfg.ID).Logger(),
		limiter:     rate.NewLimiter(rate.Limit(sendsPerSecond), 1),
		pairs:       make(map[string]*pairState),
		lastEventID: make(map[int64]int64),
		reloadCh:    make(chan config.Worker, 1),
		done:        make(chan struct{}),
	}
	if err := w.applyConfig(cfg); err != nil {
		return nil, err
	}
	return w, nil
}

// ID returns the worker's identity key.
func (w *Worker) ID() string {
	return w.id
}

// Done is closed once Run has fully returned.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Reload hands the worker a new value copy of its configuration. Only the
// latest pending reload is kept; the worker applies it at the next loop
// iteration without tearing down its transport session.
func (w *Worker) Reload(cfg config.Worker) {
	for {
		select {
		case w.reloadCh <- cfg:
			return
		default:
			select {
			case <-w.reloadCh:
			default:
			}
		}
	}
}

// applyConfig swaps the worker's configuration in place: settings,
// pipelines and the pair set. Phases of surviving pairs are preserved,
// except that permission-skipped pairs are re-armed, since a reload is
// the operator-intervention signal. State of removed pairs is dropped
// lazily.
func (w *Worker) applyConfig(cfg config.Worker) error {
	transformer, err := rules.NewTransformer(cfg.Rules)
	if err != nil {
		return fmt.Errorf("worker %q: %w", cfg.ID, err)
	}
	w.cfg = cfg
	w.settings = cfg.Settings.WithDefaults()
	w.transformer = transformer
	w.filter = rules.NewFilter(cfg.Filter)

	next := make(map[string]*pairState)
	var order []string
	for _, p := range cfg.EnabledPairs() {
		key := p.Key()
		if prev, ok := w.pairs[key]; ok {
			prev.pair = p
			if prev.phase == pairSkipped {
				prev.phase = pairLive
				w.log.Info().Str("pair", key).Msg("Re-arming permission-skipped pair after reload")
			}
			// An operator clearing the completion marker re-triggers a
			// full backfill run.
			if prev.phase == pairLive && !w.store.BackfillDone(p.Source, p.Target) {
				prev.phase = pairPendingBackfill
				w.log.Info().Str("pair", key).Msg("Backfill marker cleared, pair re-enters backfill")
			}
			next[key] = prev
		} else {
			phase := pairPendingBackfill
			if w.store.BackfillDone(p.Source, p.Target) {
				phase = pairLive
			}
			next[key] = &pairState{pair: p, phase: phase}
			w.log.Info().Str("pair", key).Bool("needs_backfill", phase == pairPendingBackfill).
				Msg("Pair enabled")
		}
		order = append(order, key)
	}
	for key, ps := range w.pairs {
		if _, kept := next[key]; kept {
			continue
		}
		w.log.Info().Str("pair", key).Msg("Pair removed, dropping persisted state")
		stillUsed := false
		for _, other := range next {
			if other.pair.Source == ps.pair.Source {
				stillUsed = true
				break
			}
		}
		if err := w.store.DropPair(ps.pair.Source, ps.pair.Target, stillUsed); err != nil {
			w.log.Error().Err(err).Str("pair", key).Msg("Failed to drop pair state")
		}
	}
	w.pairs = next
	w.pairOrder = order
	return nil
}

// Run connects the transport session and drives the forwarding loop until
// ctx is cancelled (graceful stop, returns nil) or a fatal-to-worker
// error occurs (returned to the supervisor for restart with backoff).
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.done)
	defer func() {
		if err := w.store.Flush(); err != nil {
			w.log.Error().Err(err).Msg("Failed to flush state on shutdown")
		}
		if err := w.transport.Close(); err != nil {
			w.log.Warn().Err(err).Msg("Failed to close transport session")
		}
		w.log.Info().Msg("Worker stopped")
	}()

	if err := w.transport.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	w.log.Info().Int("pairs", len(w.pairs)).Msg("Worker connected")

	events, err := w.transport.SubscribeEvents(ctx)
	switch {
	case errors.Is(err, ErrEventsUnsupported):
		w.log.Info().Msg("Live events unsupported, running in polling mode")
	case err != nil:
		w.log.Warn().Err(err).Msg("Event subscription failed, running in polling mode")
	default:
		w.eventsLive = true
	}

	ticker := time.NewTicker(w.settings.PollInterval.Std())
	defer ticker.Stop()
	resync := time.NewTicker(w.settings.ResyncInterval.Std())
	defer resync.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case cfg := <-w.reloadCh:
			if err := w.applyConfig(cfg); err != nil {
				// Validated upstream; a failure here means the store let
				// a bad config through, which must not kill the session.
				w.log.Error().Err(err).Msg("Rejected invalid reload")
				continue
			}
			w.log.Info().Int("pairs", len(w.pairs)).Int("rules", w.transformer.RuleCount()).
				Msg("Configuration reloaded in place")
		case ev, ok := <-events:
			if !ok {
				if w.eventsLive {
					w.log.Warn().Msg("Event stream closed, falling back to polling")
					w.eventsLive = false
					events = nil
				}
				continue
			}
			if err := w.handleEvent(ctx, ev); err != nil {
				return err
			}
		case <-ticker.C:
			if err := w.pass(ctx); err != nil {
				return err
			}
		case <-resync.C:
			w.heartbeat(ctx)
		}
	}
}

// pass runs one forwarding iteration over every pair: pending pairs are
// backfilled, live pairs are polled for messages newer than their
// checkpoint. Returned errors are fatal to the worker.
func (w *Worker) pass(ctx context.Context) error {
	for _, key := range w.pairOrder {
		ps, ok := w.pairs[key]
		if !ok {
			continue
		}
		switch ps.phase {
		case pairSkipped, pairDisabled:
			continue
		case pairPendingBackfill:
			if err := w.runBackfill(ctx, ps); err != nil {
				return err
			}
		case pairLive:
			if err := w.pollPair(ctx, ps); err != nil {
				return err
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	return nil
}

// pollPair forwards all messages of one live pair newer than the source
// checkpoint, oldest first.
func (w *Worker) pollPair(ctx context.Context, ps *pairState) error {
	msgs, err := w.transport.ListMessages(ctx, ps.pair.Source, ListOptions{
		MinID: w.store.Checkpoint(ps.pair.Source),
		Limit: w.settings.BatchSize,
	})
	if err != nil {
		return w.classifyListError(ctx, ps, err)
	}
	for _, unit := range groupAlbums(msgs) {
		if err := w.processUnit(ctx, ps, unit, false); err != nil {
			return err
		}
		// Delivery may have skipped or disabled the pair mid-batch.
		if ps.phase != pairLive || ctx.Err() != nil {
			return nil
		}
	}
	return nil
}

// classifyListError handles a failed fetch: rate limits pause the worker,
// fatal errors propagate, everything else is logged and retried on the
// next tick.
func (w *Worker) classifyListError(ctx context.Context, ps *pairState, err error) error {
	if rle, ok := AsRateLimit(err); ok {
		return w.floodPause(ctx, rle.RetryAfter)
	}
	if isFatalToWorker(err) {
		return fmt.Errorf("listing %d: %w", ps.pair.Source, err)
	}
	w.log.Warn().Err(err).Int64("source", ps.pair.Source).Msg("Failed to fetch messages, will retry next tick")
	return nil
}

// groupAlbums splits a batch into delivery units: standalone messages and
// whole media groups. Messages sharing a GroupID form one unit, ordered
// by id, so the group is delivered (and checkpointed) atomically.
func groupAlbums(msgs []*Message) [][]*Message {
	var units [][]*Message
	groupIndex := make(map[int64]int)
	for _, m := range msgs {
		if m.GroupID == 0 {
			units = append(units, []*Message{m})
			continue
		}
		if idx, ok := groupIndex[m.GroupID]; ok {
			units[idx] = append(units[idx], m)
			continue
		}
		groupIndex[m.GroupID] = len(units)
		units = append(units, []*Message{m})
	}
	for _, u := range units {
		sort.Slice(u, func(i, j int) bool { return u[i].ID < u[j].ID })
	}
	return units
}

// unitText returns the text/caption of a delivery unit: the first
// non-empty text among its messages (a group's caption may sit on any of
// its members).
func unitText(unit []*Message) string {
	for _, m := range unit {
		if m.Text != "" {
			return m.Text
		}
	}
	return ""
}

func unitMaxID(unit []*Message) int64 {
	max := unit[0].ID
	for _, m := range unit[1:] {
		if m.ID > max {
			max = m.ID
		}
	}
	return max
}

// processUnit runs one delivery unit through the pipeline: filter,
// transform, deliver, record the deletion mapping, advance the
// checkpoint. Rejected units advance the checkpoint without delivery so
// they are never re-evaluated. Returned errors are fatal to the worker.
func (w *Worker) processUnit(ctx context.Context, ps *pairState, unit []*Message, backfill bool) error {
	maxID := unitMaxID(unit)
	text := unitText(unit)
	if !w.filter.Allow(text) {
		metricFiltered.WithLabelValues(w.id).Inc()
		w.log.Debug().Int64("source", ps.pair.Source).Int64("msg", unit[0].ID).
			Msg("Message rejected by filter, advancing checkpoint")
		return w.advance(ps.pair.Source, maxID)
	}

	text = w.transformer.Apply(text)
	if w.settings.AddSourceLink {
		text += w.sourceLink(ps.pair.Source, unit[0].ID)
	}

	delivered, err := w.deliverWithRetry(ctx, ps, unit, text, backfill)
	if err != nil {
		return err
	}
	if !delivered {
		return nil
	}
	return w.advance(ps.pair.Source, maxID)
}

func (w *Worker) advance(source, msgID int64) error {
	if err := w.store.AdvanceCheckpoint(source, msgID); err != nil {
		w.log.Error().Err(err).Int64("source", source).Msg("Failed to persist checkpoint")
	}
	return nil
}

// sourceLink renders the optional appended link back to the source
// message. Feed ids use the -100 prefix convention on the wire.
func (w *Worker) sourceLink(source, msgID int64) string {
	channel := strings.TrimPrefix(fmt.Sprintf("%d", source), "-100")
	link := fmt.Sprintf("https://t.me/c/%s/%d", channel, msgID)
	return strings.ReplaceAll(w.settings.SourceLinkText, "{link}", link)
}

// deliverWithRetry sends one unit with exponential backoff up to the
// configured attempt ceiling. It returns (true, nil) on success,
// (false, nil) when the unit or pair must be skipped without failing the
// worker, and a non-nil error for fatal-to-worker conditions (auth,
// session loss, exhausted transient retries). Rate limits pause the
// whole worker and do not count against the attempt ceiling.
func (w *Worker) deliverWithRetry(ctx context.Context, ps *pairState, unit []*Message, text string, backfill bool) (bool, error) {
	mode := "LIVE"
	if backfill {
		mode = "BACKFILL"
	}
	var lastErr error
	for attempt := 0; attempt < w.settings.RetryAttempts; {
		if ctx.Err() != nil {
			return false, nil
		}
		newID, err := w.deliver(ctx, ps, unit, text)
		if err == nil {
			anchor := unit[0].ID
			if err := w.store.MapDeletion(ps.pair.Source, anchor, ps.pair.Target, newID); err != nil {
				w.log.Error().Err(err).Msg("Failed to persist deletion mapping")
			}
			if backfill {
				metricBackfilled.WithLabelValues(w.id).Inc()
			}
			metricForwarded.WithLabelValues(w.id).Inc()
			w.log.Info().Str("mode", mode).
				Int64("source", ps.pair.Source).Int64("target", ps.pair.Target).
				Int64("msg", anchor).Int64("target_msg", newID).Int("album_size", len(unit)).
				Msg("Message relayed")
			return true, nil
		}

		if rle, ok := AsRateLimit(err); ok {
			// A mandated pause is not a failed attempt; the retry
			// budget is kept intact for actual delivery failures.
			if perr := w.floodPause(ctx, rle.RetryAfter); perr != nil {
				return false, perr
			}
			continue
		}
		lastErr = err
		switch {
		case errors.Is(err, ErrAuth), errors.Is(err, ErrSessionLocked):
			return false, fmt.Errorf("delivering to %d: %w", ps.pair.Target, err)
		case errors.Is(err, ErrWriteForbidden):
			ps.phase = pairSkipped
			w.log.Error().Int64("target", ps.pair.Target).
				Msg("No write access to target, skipping pair until operator intervenes")
			return false, nil
		case errors.Is(err, ErrCopyForbidden):
			ps.phase = pairDisabled
			w.log.Error().Int64("source", ps.pair.Source).
				Msg("Source forbids copying its content, pair disabled")
			return false, nil
		case errors.Is(err, ErrNotFound):
			w.log.Info().Int64("msg", unit[0].ID).Msg("Source message vanished before delivery, skipping")
			return false, w.advance(ps.pair.Source, unitMaxID(unit))
		}

		attempt++
		delay := w.settings.RetryDelay.Std() * (1 << (attempt - 1))
		w.log.Warn().Err(err).Int("attempt", attempt).Int("max_attempts", w.settings.RetryAttempts).
			Dur("retry_in", delay).Int64("msg", unit[0].ID).Msg("Delivery failed, retrying")
		if !sleepCtx(ctx, delay) {
			return false, nil
		}
	}
	metricDeliveryFailures.WithLabelValues(w.id).Inc()
	return false, fmt.Errorf("delivery of message %d to %d failed after %d attempts: %w",
		unit[0].ID, ps.pair.Target, w.settings.RetryAttempts, lastErr)
}

// deliver performs one delivery attempt under the account rate budget.
func (w *Worker) deliver(ctx context.Context, ps *pairState, unit []*Message, text string) (int64, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	if len(unit) > 1 {
		out := make([]*Message, len(unit))
		for i, m := range unit {
			clone := *m
			clone.Text = ""
			out[i] = &clone
		}
		// The caption travels on the first album entry.
		out[0].Text = text
		out[0].ReplyTo = w.mapReply(ps, unit[0].ReplyTo)
		ids, err := w.transport.SendAlbum(ctx, ps.pair.Target, out)
		if err != nil {
			return 0, err
		}
		if len(ids) == 0 {
			return 0, fmt.Errorf("transport returned no message ids for album")
		}
		return ids[0], nil
	}

	msg := *unit[0]
	msg.ReplyTo = w.mapReply(ps, msg.ReplyTo)
	if msg.Kind == KindText && len(text) > w.settings.MaxMessageLength {
		return w.deliverSplit(ctx, ps, msg, text)
	}
	msg.Text = text
	return w.transport.SendMessage(ctx, ps.pair.Target, &msg)
}

// deliverSplit sends an over-long text message as multiple parts and
// anchors the mapping on the first part.
func (w *Worker) deliverSplit(ctx context.Context, ps *pairState, msg Message, text string) (int64, error) {
	parts := rules.SplitLongMessage(text, w.settings.MaxMessageLength)
	var firstID int64
	for i, part := range parts {
		clone := msg
		clone.Text = part
		if i > 0 {
			clone.ReplyTo = 0
			if err := w.limiter.Wait(ctx); err != nil {
				return 0, err
			}
		}
		id, err := w.transport.SendMessage(ctx, ps.pair.Target, &clone)
		if err != nil {
			return 0, err
		}
		if i == 0 {
			firstID = id
		}
	}
	return firstID, nil
}

// mapReply translates a source reply target into the corresponding target
// message via the deletion mapping (which doubles as the id map). Unmapped
// replies are dropped rather than breaking delivery.
func (w *Worker) mapReply(ps *pairState, replyTo int64) int64 {
	if replyTo == 0 {
		return 0
	}
	entry, ok := w.store.LookupDeletion(ps.pair.Source, replyTo)
	if !ok || entry.TargetID != ps.pair.Target {
		return 0
	}
	return entry.TargetMsgID
}

// floodPause suspends the whole worker for the server-mandated wait plus
// the configured extra delay.
func (w *Worker) floodPause(ctx context.Context, retryAfter time.Duration) error {
	wait := retryAfter + w.settings.FloodWaitExtraDelay.Std()
	metricFloodWaits.WithLabelValues(w.id).Inc()
	w.log.Warn().Dur("mandated", retryAfter).Dur("pausing", wait).
		Msg("Rate limited, pausing worker")
	sleepCtx(ctx, wait)
	return nil
}

// handleEvent reacts to one live transport event. New-message events are
// a nudge to poll the affected pairs immediately (the poll owns ordering
// and checkpointing, so event and poll delivery share one code path);
// deletion events go to the deletion synchronizer.
func (w *Worker) handleEvent(ctx context.Context, ev Event) error {
	switch ev.Type {
	case EventNewMessage:
		if ev.Message != nil && ev.Message.ID > w.lastEventID[ev.FeedID] {
			w.lastEventID[ev.FeedID] = ev.Message.ID
		}
		for _, key := range w.pairOrder {
			ps := w.pairs[key]
			if ps.pair.Source == ev.FeedID && ps.phase == pairLive {
				if err := w.pollPair(ctx, ps); err != nil {
					return err
				}
			}
		}
	case EventDeleted:
		if err := w.syncDeletions(ctx, ev.FeedID, ev.DeletedIDs); err != nil {
			return err
		}
	}
	return nil
}

// heartbeat cross-checks the live event stream against the feeds' actual
// heads. A source whose newest remote id is ahead of everything the event
// stream delivered indicates a stuck update stream; polling covers the
// gap, but the condition is logged loudly because it usually means the
// session needs a restart.
func (w *Worker) heartbeat(ctx context.Context) {
	if !w.eventsLive {
		return
	}
	seen := make(map[int64]bool)
	for _, key := range w.pairOrder {
		ps := w.pairs[key]
		if ps.phase != pairLive || seen[ps.pair.Source] {
			continue
		}
		seen[ps.pair.Source] = true
		msgs, err := w.transport.ListMessages(ctx, ps.pair.Source, ListOptions{Limit: 1, Last: true})
		if err != nil || len(msgs) == 0 {
			continue
		}
		if last := w.lastEventID[ps.pair.Source]; msgs[0].ID > last && last > 0 {
			w.log.Error().Int64("source", ps.pair.Source).
				Int64("latest", msgs[0].ID).Int64("last_event", last).
				Msg("Update stream appears stuck for source feed, relying on polling")
		}
	}
}

// sleepCtx sleeps for d unless ctx is cancelled first. Returns false on
// cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
