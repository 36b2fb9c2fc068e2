package services

import (
	"context"
	"time"

	"github.com/michaelneumaier/mixpitch-sub012/logging"
	"github.com/michaelneumaier/mixpitch-sub012/store"
)

// ReaperService reclaims the storage held by sessions whose expiry has
// passed without reaching completed.
type ReaperService struct {
	sessions store.SessionStore
	chunks   store.ChunkStore
	blobs    store.BlobStorage

	logger logging.Logger
}

func NewReaperService(sessions store.SessionStore, chunks store.ChunkStore, blobs store.BlobStorage, l logging.Logger) *ReaperService {
	return &ReaperService{
		sessions: sessions,
		chunks:   chunks,
		blobs:    blobs,
		logger:   l,
	}
}

// ReapExpired finds sessions past their expiry and deletes their chunk
// bytes, chunk records and finally the session itself. Failures on one
// session are logged and do not stop the sweep; whatever survives is picked
// up on the next run. Returns the number of sessions fully reclaimed.
func (r *ReaperService) ReapExpired(ctx context.Context) (int, error) {
	expired, err := r.sessions.ListExpired(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}

	if len(expired) == 0 {
		return 0, nil
	}

	r.logger.Info("reaping expired upload sessions", "count", len(expired))

	reclaimed := 0
	for _, session := range expired {
		select {
		case <-ctx.Done():
			return reclaimed, ctx.Err()
		default:
		}

		if _, err := r.blobs.DeletePrefix(ctx, store.ChunkPrefix(session.ID)); err != nil {
			r.logger.Error("failed to delete expired chunk bytes",
				"session_id", session.ID, "error", err)
			continue
		}

		if _, err := r.chunks.DeleteBySession(ctx, session.ID); err != nil {
			r.logger.Error("failed to delete expired chunk records",
				"session_id", session.ID, "error", err)
			continue
		}

		if err := r.sessions.Delete(ctx, session.ID); err != nil {
			r.logger.Error("failed to delete expired session",
				"session_id", session.ID, "error", err)
			continue
		}

		r.logger.Info("expired session reclaimed",
			"session_id", session.ID,
			"status", session.Status.String(),
			"expired_at", session.ExpiresAt)
		reclaimed++
	}

	return reclaimed, nil
}
