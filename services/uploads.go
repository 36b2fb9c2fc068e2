package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/michaelneumaier/mixpitch-sub012/apperrors"
	"github.com/michaelneumaier/mixpitch-sub012/caching"
	"github.com/michaelneumaier/mixpitch-sub012/config"
	"github.com/michaelneumaier/mixpitch-sub012/logging"
	"github.com/michaelneumaier/mixpitch-sub012/models"
	"github.com/michaelneumaier/mixpitch-sub012/store"
)

// CompletionNotifier publishes the "all chunks arrived" event that triggers
// assembly. The queue-backed implementation lives in the queues package.
type CompletionNotifier interface {
	NotifyComplete(ctx context.Context, sessionID string) error
}

// NullNotifier discards completion events; assembly must then be triggered
// explicitly. Used in tests and single-process deployments.
type NullNotifier struct{}

func (NullNotifier) NotifyComplete(ctx context.Context, sessionID string) error { return nil }

const statusCacheTTL = 3 * time.Second

// NewSessionInput carries the sizing and tagging parameters for a new
// upload session.
type NewSessionInput struct {
	UserID           string
	TargetKind       string
	TargetID         int64
	OriginalFilename string
	TotalSize        int64
	ChunkSize        int64
	Extra            map[string]string
}

// ChunkResult reports the outcome of one chunk submission.
type ChunkResult struct {
	ChunkIndex  int64              `json:"chunk_index"`
	StoragePath string             `json:"storage_path"`
	Status      models.ChunkStatus `json:"status"`
	ChunkHash   string             `json:"chunk_hash"`

	UploadedChunks int64 `json:"uploaded_chunks"`
	TotalChunks    int64 `json:"total_chunks"`
	Complete       bool  `json:"complete"`
}

// UploadProgress is the poll-friendly status view of a session.
type UploadProgress struct {
	SessionID          string              `json:"session_id"`
	Status             models.UploadStatus `json:"status"`
	ProgressPercentage float64             `json:"progress_percentage"`
	UploadedChunks     int64               `json:"uploaded_chunks"`
	VerifiedChunks     int64               `json:"verified_chunks"`
	TotalChunks        int64               `json:"total_chunks"`
	TotalSize          int64               `json:"total_size"`
	OriginalFilename   string              `json:"original_filename"`
	IsComplete         bool                `json:"is_complete"`
	IsExpired          bool                `json:"is_expired"`
	Error              string              `json:"error,omitempty"`
}

// UploadService is the boundary an enclosing transport layer calls: session
// creation, chunk intake, progress queries, cancel/retry and cleanup.
type UploadService struct {
	sessions store.SessionStore
	chunks   store.ChunkStore
	blobs    store.BlobStorage

	notifier   CompletionNotifier
	cachingSvc caching.CachingService
	cfg        *config.ServiceConfig

	logger logging.Logger
}

func NewUploadService(
	sessions store.SessionStore,
	chunks store.ChunkStore,
	blobs store.BlobStorage,
	notifier CompletionNotifier,
	cachingSvc caching.CachingService,
	cfg *config.ServiceConfig,
	l logging.Logger,
) *UploadService {
	return &UploadService{
		sessions:   sessions,
		chunks:     chunks,
		blobs:      blobs,
		notifier:   notifier,
		cachingSvc: cachingSvc,
		cfg:        cfg,
		logger:     l,
	}
}

// CreateSession validates the sizing parameters, computes the chunk count
// and persists a pending session with a fresh expiry.
func (svc *UploadService) CreateSession(ctx context.Context, in NewSessionInput) (*models.UploadSession, error) {
	if in.OriginalFilename == "" {
		return nil, fmt.Errorf("original filename is required")
	}
	if in.TotalSize <= 0 {
		return nil, fmt.Errorf("total size must be positive")
	}
	if in.TotalSize > svc.cfg.MaxFileSize {
		return nil, fmt.Errorf("total size %d exceeds limit %d", in.TotalSize, svc.cfg.MaxFileSize)
	}
	if in.ChunkSize < svc.cfg.MinChunkSize {
		return nil, fmt.Errorf("chunk size %d is below minimum %d", in.ChunkSize, svc.cfg.MinChunkSize)
	}
	if in.ChunkSize > svc.cfg.MaxChunkSize {
		return nil, fmt.Errorf("chunk size %d exceeds limit %d", in.ChunkSize, svc.cfg.MaxChunkSize)
	}

	now := time.Now().UTC()
	session := models.UploadSession{
		ID:               uuid.NewString(),
		UserID:           in.UserID,
		TargetKind:       in.TargetKind,
		TargetID:         in.TargetID,
		OriginalFilename: in.OriginalFilename,
		TotalSize:        in.TotalSize,
		ChunkSize:        in.ChunkSize,
		TotalChunks:      models.TotalChunksFor(in.TotalSize, in.ChunkSize),
		UploadedChunks:   0,
		Status:           models.StatusPending,
		Metadata:         models.SessionMetadata{Extra: in.Extra},
		CreatedAt:        now,
		ExpiresAt:        now.Add(svc.cfg.SessionTTL),
	}

	if err := svc.sessions.CreateSession(ctx, session); err != nil {
		svc.logger.Error("failed to create upload session", "user_id", in.UserID, "error", err)
		return nil, err
	}

	svc.logger.Info("upload session created",
		"session_id", session.ID,
		"user_id", in.UserID,
		"filename", in.OriginalFilename,
		"total_size", in.TotalSize,
		"total_chunks", session.TotalChunks)

	return &session, nil
}

// ReceiveChunk stores the bytes for one chunk, hashing them as they stream
// to the blob store, and advances the session counter exactly once per
// chunk index. Chunks routinely arrive out of order and in parallel; the
// counter increment and the pending → uploading advance are both
// store-serialized, so concurrent submissions cannot under- or over-count.
//
// A declared-hash mismatch is an integrity outcome, not an error: the stored
// bytes are removed, the chunk record is marked failed, and the client may
// re-send that index.
func (svc *UploadService) ReceiveChunk(ctx context.Context, sessionID string, chunkIndex int64, r io.Reader, size int64, expectedHash string) (*ChunkResult, error) {
	session, err := svc.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if session.IsExpired() {
		return nil, apperrors.ErrSessionExpired
	}
	if session.Status != models.StatusPending && session.Status != models.StatusUploading {
		return nil, apperrors.ErrSessionNotReady
	}
	if chunkIndex < 0 || chunkIndex >= session.TotalChunks {
		return nil, apperrors.ErrInvalidChunkIndex
	}
	if size != session.ChunkSizeAt(chunkIndex) {
		return nil, fmt.Errorf("%w: got %d, want %d for index %d",
			apperrors.ErrChunkSizeMismatch, size, session.ChunkSizeAt(chunkIndex), chunkIndex)
	}

	if session.Status == models.StatusPending {
		err := svc.sessions.TransitionStatus(ctx, sessionID, models.StatusPending, models.StatusUploading)
		if err != nil && !errors.Is(err, apperrors.ErrIllegalTransition) {
			return nil, err
		}
		// ErrIllegalTransition here just means a sibling chunk won the race.
	}

	// A chunk that already made it to verified is done; re-sends are a no-op.
	existing, err := svc.chunks.Get(ctx, sessionID, chunkIndex)
	if err != nil && !errors.Is(err, apperrors.ErrChunkNotFound) {
		return nil, err
	}
	if existing != nil && existing.Status == models.ChunkVerified {
		svc.logger.Info("chunk already verified, skipping",
			"session_id", sessionID, "chunk_index", chunkIndex)
		return svc.chunkResult(ctx, session, existing), nil
	}

	hasher := sha256.New()
	path, err := svc.blobs.PutChunk(ctx, sessionID, chunkIndex, io.TeeReader(io.LimitReader(r, size), hasher), size)
	if err != nil {
		// A failed store attempt must not mark the chunk uploaded.
		return nil, fmt.Errorf("failed to store chunk %d: %w", chunkIndex, err)
	}
	actualHash := hex.EncodeToString(hasher.Sum(nil))

	record := models.UploadChunk{
		SessionID:   sessionID,
		ChunkIndex:  chunkIndex,
		ChunkHash:   actualHash,
		StoragePath: path,
		Size:        size,
		CreatedAt:   time.Now().UTC(),
	}

	if expectedHash != "" && !HashesEqual(expectedHash, actualHash) {
		svc.logger.Warn("chunk failed hash verification on arrival",
			"session_id", sessionID, "chunk_index", chunkIndex, "expected", expectedHash)

		if delErr := svc.blobs.Delete(ctx, path); delErr != nil {
			svc.logger.Error("failed to delete corrupt chunk bytes", "path", path, "error", delErr)
		}

		record.Status = models.ChunkFailed
		record.StoragePath = ""
		previous, err := svc.chunks.Put(ctx, record)
		if err != nil {
			return nil, err
		}

		// Downgrading a chunk that already moved the counter must give the
		// count back, or a later clean re-send would count the index twice
		// and announce completion with another index still missing.
		if previous != nil && previous.IsReadyForAssembly() {
			newCount, decErr := svc.sessions.DecrementUploadedChunks(ctx, sessionID)
			if decErr != nil && !errors.Is(decErr, apperrors.ErrSessionNotReady) {
				return nil, decErr
			}
			if decErr == nil {
				session.UploadedChunks = newCount
			}
		}

		svc.invalidateStatusCache(ctx, sessionID)
		return svc.chunkResult(ctx, session, &record), nil
	}

	// A client-supplied hash was already checked against the stream, so the
	// chunk arrives pre-verified; otherwise the server hash is the baseline.
	record.Status = models.ChunkUploaded
	if expectedHash != "" {
		record.Status = models.ChunkVerified
	}

	previous, err := svc.chunks.Put(ctx, record)
	if err != nil {
		return nil, err
	}

	// Count each index once: only the first arrival that leaves a chunk
	// durably stored moves the session counter.
	if previous == nil || !previous.IsReadyForAssembly() {
		newCount, err := svc.sessions.IncrementUploadedChunks(ctx, sessionID)
		if errors.Is(err, apperrors.ErrSessionNotReady) {
			// The counter is already at total. The session may be complete
			// with nobody told yet (a retried session re-sending its final
			// chunk), so re-read and announce rather than drop the event.
			svc.logger.Warn("uploaded counter already at total, not incrementing",
				"session_id", sessionID, "chunk_index", chunkIndex)
			refreshed, gerr := svc.sessions.GetSession(ctx, sessionID)
			if gerr != nil {
				return nil, gerr
			}
			session.UploadedChunks = refreshed.UploadedChunks
			if refreshed.IsComplete() {
				svc.notifyComplete(ctx, sessionID)
			}
		} else if err != nil {
			return nil, err
		} else {
			session.UploadedChunks = newCount
			if newCount >= session.TotalChunks {
				svc.notifyComplete(ctx, sessionID)
			}
		}
	}

	svc.invalidateStatusCache(ctx, sessionID)

	svc.logger.Info("chunk stored",
		"session_id", sessionID,
		"chunk_index", chunkIndex,
		"size", size,
		"status", record.Status.String(),
		"uploaded_chunks", session.UploadedChunks)

	return svc.chunkResult(ctx, session, &record), nil
}

func (svc *UploadService) chunkResult(ctx context.Context, session *models.UploadSession, chunk *models.UploadChunk) *ChunkResult {
	return &ChunkResult{
		ChunkIndex:     chunk.ChunkIndex,
		StoragePath:    chunk.StoragePath,
		Status:         chunk.Status,
		ChunkHash:      chunk.ChunkHash,
		UploadedChunks: session.UploadedChunks,
		TotalChunks:    session.TotalChunks,
		Complete:       session.IsComplete(),
	}
}

func (svc *UploadService) notifyComplete(ctx context.Context, sessionID string) {
	if err := svc.notifier.NotifyComplete(ctx, sessionID); err != nil {
		// Assembly can still be triggered explicitly; don't fail the chunk.
		svc.logger.Error("failed to publish completion event", "session_id", sessionID, "error", err)
		return
	}
	svc.logger.Info("session complete, assembly notified", "session_id", sessionID)
}

// GetSessionStatus returns the progress view for a session. Results are
// cached briefly since clients poll this endpoint aggressively.
func (svc *UploadService) GetSessionStatus(ctx context.Context, sessionID string) (*UploadProgress, error) {
	cacheKey := statusCacheKey(sessionID)
	if cached, err := svc.cachingSvc.Get(ctx, cacheKey); err == nil {
		var progress UploadProgress
		if err := json.Unmarshal([]byte(cached), &progress); err == nil {
			return &progress, nil
		}
	}

	session, err := svc.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	chunks, err := svc.chunks.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var verified int64
	for _, c := range chunks {
		if c.Status == models.ChunkVerified {
			verified++
		}
	}

	progress := &UploadProgress{
		SessionID:          session.ID,
		Status:             session.Status,
		ProgressPercentage: session.ProgressPercentage(),
		UploadedChunks:     session.UploadedChunks,
		VerifiedChunks:     verified,
		TotalChunks:        session.TotalChunks,
		TotalSize:          session.TotalSize,
		OriginalFilename:   session.OriginalFilename,
		IsComplete:         session.IsComplete(),
		IsExpired:          session.IsExpired(),
		Error:              session.Metadata.Error,
	}

	if data, err := json.Marshal(progress); err == nil {
		if err := svc.cachingSvc.Set(ctx, cacheKey, string(data), statusCacheTTL); err != nil {
			svc.logger.Debug("failed to cache session status", "session_id", sessionID, "error", err)
		}
	}

	return progress, nil
}

// CancelUpload marks an active session failed with the caller's reason and
// reclaims its chunks.
func (svc *UploadService) CancelUpload(ctx context.Context, sessionID, reason string) error {
	session, err := svc.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	switch session.Status {
	case models.StatusPending, models.StatusUploading, models.StatusAssembling:
	default:
		return apperrors.ErrSessionNotReady
	}

	if reason == "" {
		reason = "upload cancelled"
	}
	if err := svc.sessions.MarkFailed(ctx, sessionID, "cancelled: "+reason); err != nil {
		return err
	}

	svc.invalidateStatusCache(ctx, sessionID)
	svc.reclaimChunks(ctx, sessionID)

	svc.logger.Info("upload session cancelled", "session_id", sessionID, "reason", reason)
	return nil
}

// RetryUpload moves a failed session back into the upload path and extends
// its expiry, so already-stored chunks survive a transient failure instead
// of forcing a brand-new session.
func (svc *UploadService) RetryUpload(ctx context.Context, sessionID string) (*models.UploadSession, error) {
	session, err := svc.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if session.Status != models.StatusFailed {
		return nil, apperrors.ErrSessionNotReady
	}

	target := models.StatusPending
	if session.UploadedChunks > 0 {
		target = models.StatusUploading
	}

	if err := svc.sessions.TransitionStatus(ctx, sessionID, models.StatusFailed, target); err != nil {
		return nil, err
	}

	expiresAt := time.Now().UTC().Add(svc.cfg.SessionTTL)
	if err := svc.sessions.RefreshExpiry(ctx, sessionID, expiresAt); err != nil {
		svc.logger.Error("failed to refresh expiry on retry", "session_id", sessionID, "error", err)
	}

	svc.invalidateStatusCache(ctx, sessionID)

	session.Status = target
	session.ExpiresAt = expiresAt
	svc.logger.Info("upload session retried", "session_id", sessionID, "status", target.String())
	return session, nil
}

// CleanupChunks reclaims chunk bytes and records for a session that has
// reached a terminal state or expired. Active sessions are protected.
func (svc *UploadService) CleanupChunks(ctx context.Context, sessionID string) error {
	session, err := svc.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	if !session.Status.IsTerminal() && !session.IsExpired() {
		return apperrors.ErrSessionNotReady
	}

	svc.reclaimChunks(ctx, sessionID)
	return nil
}

// reclaimChunks deletes chunk bytes first, then records. Blob deletion is
// best-effort: an orphaned blob is recoverable by the reaper, a dangling
// record pointing at nothing is not worth blocking on.
func (svc *UploadService) reclaimChunks(ctx context.Context, sessionID string) {
	if _, err := svc.blobs.DeletePrefix(ctx, store.ChunkPrefix(sessionID)); err != nil {
		svc.logger.Error("failed to delete chunk bytes", "session_id", sessionID, "error", err)
	}
	if _, err := svc.chunks.DeleteBySession(ctx, sessionID); err != nil {
		svc.logger.Error("failed to delete chunk records", "session_id", sessionID, "error", err)
	}
}

func (svc *UploadService) invalidateStatusCache(ctx context.Context, sessionID string) {
	if err := svc.cachingSvc.Delete(ctx, statusCacheKey(sessionID)); err != nil {
		svc.logger.Debug("failed to invalidate status cache", "session_id", sessionID, "error", err)
	}
}

func statusCacheKey(sessionID string) string {
	return "upload:status:" + sessionID
}
