// Copyright 2025-2026 Mukhammad-develop

package relay

import (
	"context"
)

// runBackfill performs the one-time historical replay for a pair that has
// no completion marker yet. The marker is written only after the replay
// finishes, so a crash mid-backfill resumes on restart; replayed units go
// through the same pipeline as live traffic and advance the checkpoint,
// which is what makes the resume skip already-delivered history.
func (w *Worker) runBackfill(ctx context.Context, ps *pairState) error {
	count := ps.pair.BackfillCount
	if count < 0 {
		w.log.Info().Str("pair", ps.pair.Key()).Msg("Backfill disabled for pair, marking done")
		return w.finishBackfill(ps)
	}

	ps.phase = pairBackfilling
	w.log.Info().Str("pair", ps.pair.Key()).Int("count", count).Msg("Starting backfill")

	var complete bool
	var err error
	if count > 0 {
		complete, err = w.backfillLastN(ctx, ps, count)
	} else {
		complete, err = w.backfillFull(ctx, ps)
	}
	if err != nil {
		ps.phase = pairPendingBackfill
		return err
	}
	if ps.phase != pairBackfilling {
		// Delivery hit a permission wall mid-replay. The phase carries
		// the outcome; the marker stays absent so the replay resumes
		// once the pair is re-armed.
		return nil
	}
	if !complete || ctx.Err() != nil {
		// Interrupted or a fetch must be retried, no marker: the next
		// tick resumes from the checkpoint.
		ps.phase = pairPendingBackfill
		return nil
	}
	w.log.Info().Str("pair", ps.pair.Key()).Msg("Backfill complete")
	return w.finishBackfill(ps)
}

func (w *Worker) finishBackfill(ps *pairState) error {
	if err := w.store.MarkBackfillDone(ps.pair.Source, ps.pair.Target); err != nil {
		w.log.Error().Err(err).Str("pair", ps.pair.Key()).Msg("Failed to persist backfill marker")
	}
	ps.phase = pairLive
	return nil
}

// backfillLastN replays the newest n messages of the source, oldest
// first. Messages at or below the checkpoint are skipped so a resumed
// replay never duplicates. The returned bool reports whether the replay
// ran to the end; an incomplete run is retried on a later tick without
// writing the completion marker.
func (w *Worker) backfillLastN(ctx context.Context, ps *pairState, n int) (bool, error) {
	msgs, err := w.transport.ListMessages(ctx, ps.pair.Source, ListOptions{Limit: n, Last: true})
	if err != nil {
		return false, w.classifyListError(ctx, ps, err)
	}
	checkpoint := w.store.Checkpoint(ps.pair.Source)
	for _, unit := range groupAlbums(msgs) {
		if unitMaxID(unit) <= checkpoint {
			continue
		}
		if err := w.processUnit(ctx, ps, unit, true); err != nil {
			return false, err
		}
		if ps.phase != pairBackfilling || ctx.Err() != nil {
			return false, nil
		}
	}
	return true, nil
}

// backfillFull pages through the source's entire history from the oldest
// message forward in checkpoint-sized batches, with a pause between
// batches to stay under the account's rate budget.
func (w *Worker) backfillFull(ctx context.Context, ps *pairState) (bool, error) {
	for {
		msgs, err := w.transport.ListMessages(ctx, ps.pair.Source, ListOptions{
			MinID: w.store.Checkpoint(ps.pair.Source),
			Limit: w.settings.BatchSize,
		})
		if err != nil {
			return false, w.classifyListError(ctx, ps, err)
		}
		if len(msgs) == 0 {
			return true, nil
		}
		for _, unit := range groupAlbums(msgs) {
			if err := w.processUnit(ctx, ps, unit, true); err != nil {
				return false, err
			}
			if ps.phase != pairBackfilling || ctx.Err() != nil {
				return false, nil
			}
		}
		if !sleepCtx(ctx, backfillBatchDelay) {
			return false, nil
		}
	}
}
