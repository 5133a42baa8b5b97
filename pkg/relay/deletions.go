// Copyright 2025-2026 Mukhammad-develop

package relay

import (
	"context"
	"errors"
	"fmt"
)

// syncDeletions propagates a batch of source-side deletions to the
// targets recorded in the deletion mapping. Unmapped ids are benign (the
// message predates relaying or was filtered); mappings are evicted once
// the target copy is confirmed gone, and retained when the account lacks
// delete permission so a later grant can still act on them.
func (w *Worker) syncDeletions(ctx context.Context, source int64, ids []int64) error {
	for _, id := range ids {
		entry, ok := w.store.LookupDeletion(source, id)
		if !ok {
			w.log.Debug().Int64("source", source).Int64("msg", id).
				Msg("Deleted message has no mapping, ignoring")
			continue
		}
		if err := w.deleteMapped(ctx, source, id, entry.TargetID, entry.TargetMsgID); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	return nil
}

func (w *Worker) deleteMapped(ctx context.Context, source, msgID, target, targetMsgID int64) error {
	for {
		if err := w.limiter.Wait(ctx); err != nil {
			return nil
		}
		err := w.transport.DeleteMessage(ctx, target, targetMsgID)
		switch {
		case err == nil:
			w.evictDeletion(source, msgID)
			metricDeletionsSynced.WithLabelValues(w.id).Inc()
			w.log.Info().Int64("source", source).Int64("msg", msgID).
				Int64("target", target).Int64("target_msg", targetMsgID).
				Msg("Deletion synced to target")
			return nil
		case errors.Is(err, ErrNotFound):
			// Target copy already gone; the mapping has served its
			// purpose.
			w.evictDeletion(source, msgID)
			w.log.Debug().Int64("target", target).Int64("target_msg", targetMsgID).
				Msg("Target message already deleted")
			return nil
		case errors.Is(err, ErrDeleteForbidden):
			w.log.Error().Int64("target", target).Int64("target_msg", targetMsgID).
				Msg("No delete access on target, mapping retained")
			return nil
		case isFatalToWorker(err):
			return fmt.Errorf("deleting %d on %d: %w", targetMsgID, target, err)
		default:
			if rle, ok := AsRateLimit(err); ok {
				if perr := w.floodPause(ctx, rle.RetryAfter); perr != nil {
					return perr
				}
				continue
			}
			w.log.Warn().Err(err).Int64("target", target).Int64("target_msg", targetMsgID).
				Msg("Failed to sync deletion, mapping retained for retry")
			return nil
		}
	}
}

func (w *Worker) evictDeletion(source, msgID int64) {
	if err := w.store.RemoveDeletion(source, msgID); err != nil {
		w.log.Error().Err(err).Int64("source", source).Int64("msg", msgID).
			Msg("Failed to evict deletion mapping")
	}
}
