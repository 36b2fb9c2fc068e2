// Package store persists upload sessions, chunk records and chunk bytes.
// Metadata lives in DynamoDB, bytes in S3; in-memory implementations back
// the unit tests.
package store

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/michaelneumaier/mixpitch-sub012/health"
	"github.com/michaelneumaier/mixpitch-sub012/models"
)

// SessionStore is the single write surface for session state. Status and the
// uploaded-chunk counter are only ever mutated through the guarded operations
// here; no caller writes those fields directly.
type SessionStore interface {
	// CreateSession persists a new session, rejecting duplicate ids with
	// apperrors.ErrSessionExists.
	CreateSession(ctx context.Context, session models.UploadSession) error

	GetSession(ctx context.Context, sessionID string) (*models.UploadSession, error)

	// TransitionStatus moves the session from → to in one conditional write.
	// An illegal pair, or losing the condition to a concurrent writer,
	// returns apperrors.ErrIllegalTransition and mutates nothing.
	TransitionStatus(ctx context.Context, sessionID string, from, to models.UploadStatus) error

	// MarkFailed is the only path into the failed status: it attaches the
	// reason and failure time to session metadata in the same write.
	MarkFailed(ctx context.Context, sessionID, reason string) error

	// IncrementUploadedChunks atomically increments the counter and returns
	// the new value. The write is rejected once the counter reaches
	// total_chunks, so it can never overshoot under concurrent completions.
	IncrementUploadedChunks(ctx context.Context, sessionID string) (int64, error)

	// DecrementUploadedChunks atomically decrements the counter and returns
	// the new value, used when an already-counted chunk is downgraded to
	// failed. The write is rejected at zero, so it can never go negative.
	DecrementUploadedChunks(ctx context.Context, sessionID string) (int64, error)

	// UpdateMetadata replaces the session metadata document.
	UpdateMetadata(ctx context.Context, sessionID string, md models.SessionMetadata) error

	// RefreshExpiry extends the session deadline, used when a failed session
	// is retried.
	RefreshExpiry(ctx context.Context, sessionID string, expiresAt time.Time) error

	// ListExpired returns sessions past their expiry that never completed.
	ListExpired(ctx context.Context, now time.Time) ([]models.UploadSession, error)

	// Delete removes the session record. Deleting an absent session is a
	// no-op, which keeps the reaper idempotent.
	Delete(ctx context.Context, sessionID string) error

	health.ReadinessCheck
}

// ChunkStore persists per-chunk metadata keyed by (session id, chunk index).
type ChunkStore interface {
	// Put upserts a chunk record and returns the previous record for that
	// index, if any, so callers can decide idempotency (a re-sent chunk must
	// not increment the session counter twice).
	Put(ctx context.Context, chunk models.UploadChunk) (*models.UploadChunk, error)

	Get(ctx context.Context, sessionID string, chunkIndex int64) (*models.UploadChunk, error)

	// ListBySession returns all chunk records ordered by index ascending.
	ListBySession(ctx context.Context, sessionID string) ([]models.UploadChunk, error)

	// UpdateStatus is a metadata-only transition (uploaded/verified/failed);
	// it never touches stored bytes.
	UpdateStatus(ctx context.Context, sessionID string, chunkIndex int64, status models.ChunkStatus) error

	Delete(ctx context.Context, sessionID string, chunkIndex int64) error

	// DeleteBySession removes every chunk record for the session and returns
	// how many were deleted.
	DeleteBySession(ctx context.Context, sessionID string) (int, error)

	health.ReadinessCheck
}

// BlobStorage is the durable byte store for chunks and assembled artifacts,
// addressed by logical paths. Implementations must treat deletion of an
// absent object as success.
type BlobStorage interface {
	// PutChunk streams r into the chunk slot for (sessionID, index) and
	// returns the storage path written.
	PutChunk(ctx context.Context, sessionID string, chunkIndex int64, r io.Reader, size int64) (string, error)

	// Get returns a reader over the object bytes, or
	// apperrors.ErrChunkNotFound if the path holds nothing.
	Get(ctx context.Context, path string) (io.ReadCloser, error)

	Exists(ctx context.Context, path string) (bool, error)

	Delete(ctx context.Context, path string) error

	// DeletePrefix removes every object under prefix and returns the count.
	DeletePrefix(ctx context.Context, prefix string) (int, error)

	// PutObject writes a final artifact from a stream of known total size.
	PutObject(ctx context.Context, key string, r io.Reader, size int64) error

	// CopyObject duplicates srcPath to dstKey server-side.
	CopyObject(ctx context.Context, srcPath, dstKey string) error

	// MultipartCopy concatenates the source objects, in order, into dstKey
	// without streaming the bytes through this process.
	MultipartCopy(ctx context.Context, srcPaths []string, dstKey string) error

	// ObjectSize returns the stored size of key.
	ObjectSize(ctx context.Context, key string) (int64, error)

	health.ReadinessCheck
}

// ChunkPath is the collision-free storage locator for a chunk: scoped by
// session id so concurrent unrelated uploads can never clobber each other.
func ChunkPath(sessionID string, chunkIndex int64) string {
	return fmt.Sprintf("%schunk_%d", ChunkPrefix(sessionID), chunkIndex)
}

// ChunkPrefix is the storage prefix holding every chunk of a session.
func ChunkPrefix(sessionID string) string {
	return fmt.Sprintf("uploads/%s/", sessionID)
}
