package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/michaelneumaier/mixpitch-sub012/apperrors"
	"github.com/michaelneumaier/mixpitch-sub012/config"
	"github.com/michaelneumaier/mixpitch-sub012/logging"
	"github.com/michaelneumaier/mixpitch-sub012/models"
	"github.com/michaelneumaier/mixpitch-sub012/store"
)

// AssemblyOutcome labels how a TriggerAssembly call resolved.
type AssemblyOutcome string

const (
	// AssemblyDone means this call produced the final artifact.
	AssemblyDone AssemblyOutcome = "done"
	// AssemblyAlreadyDone means the session was completed before this call.
	AssemblyAlreadyDone AssemblyOutcome = "already_done"
	// AssemblySkipped means the session was not eligible for assembly.
	AssemblySkipped AssemblyOutcome = "skipped"
	// AssemblyFailed means assembly was attempted and the session is now failed.
	AssemblyFailed AssemblyOutcome = "failed"
)

// AssemblyResult reports the outcome of one assembly attempt.
type AssemblyResult struct {
	SessionID string          `json:"session_id"`
	Outcome   AssemblyOutcome `json:"outcome"`
	FinalKey  string          `json:"final_key,omitempty"`
	FinalHash string          `json:"final_hash,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

// AssemblyService merges a complete session's chunks into the final
// artifact. It owns the uploading → assembling → completed leg of the
// session lifecycle.
type AssemblyService struct {
	sessions  store.SessionStore
	chunks    store.ChunkStore
	blobs     store.BlobStorage
	integrity *IntegrityService

	cfg *config.ServiceConfig

	logger logging.Logger
}

func NewAssemblyService(
	sessions store.SessionStore,
	chunks store.ChunkStore,
	blobs store.BlobStorage,
	integrity *IntegrityService,
	cfg *config.ServiceConfig,
	l logging.Logger,
) *AssemblyService {
	return &AssemblyService{
		sessions:  sessions,
		chunks:    chunks,
		blobs:     blobs,
		integrity: integrity,
		cfg:       cfg,
		logger:    l,
	}
}

// TriggerAssembly attempts to assemble the session's chunks into the final
// object. Calls are idempotent: a completed session reports AlreadyDone, an
// ineligible one reports Skipped, and the uploading → assembling transition
// guarantees at most one worker assembles at a time. Validation or merge
// failures mark the session failed and report that without returning an
// error; only infrastructure faults surface as errors.
func (a *AssemblyService) TriggerAssembly(ctx context.Context, sessionID string) (*AssemblyResult, error) {
	session, err := a.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	result := &AssemblyResult{SessionID: sessionID}

	switch session.Status {
	case models.StatusCompleted:
		result.Outcome = AssemblyAlreadyDone
		result.FinalKey = session.Metadata.FinalKey
		result.FinalHash = session.Metadata.AssembledHash
		return result, nil
	case models.StatusUploading:
	default:
		a.logger.Info("session not eligible for assembly",
			"session_id", sessionID, "status", session.Status.String())
		result.Outcome = AssemblySkipped
		return result, nil
	}

	if !session.IsComplete() {
		a.logger.Info("session not complete yet, skipping assembly",
			"session_id", sessionID,
			"uploaded_chunks", session.UploadedChunks,
			"total_chunks", session.TotalChunks)
		result.Outcome = AssemblySkipped
		return result, nil
	}

	err = a.sessions.TransitionStatus(ctx, sessionID, models.StatusUploading, models.StatusAssembling)
	if errors.Is(err, apperrors.ErrIllegalTransition) {
		// Another worker claimed this session between our read and write.
		result.Outcome = AssemblySkipped
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	finalKey, finalHash, err := a.assemble(ctx, session)
	if err != nil {
		a.logger.Error("assembly failed", "session_id", sessionID, "error", err)
		if failErr := a.sessions.MarkFailed(ctx, sessionID, err.Error()); failErr != nil {
			a.logger.Error("failed to mark session failed after assembly error",
				"session_id", sessionID, "error", failErr)
		}
		result.Outcome = AssemblyFailed
		result.Reason = err.Error()
		return result, nil
	}

	md := session.Metadata
	md.FinalKey = finalKey
	md.AssembledHash = finalHash
	md.AssembledAt = time.Now().UTC()
	if err := a.sessions.UpdateMetadata(ctx, sessionID, md); err != nil {
		return nil, err
	}

	if err := a.sessions.TransitionStatus(ctx, sessionID, models.StatusAssembling, models.StatusCompleted); err != nil {
		return nil, err
	}

	a.logger.Info("session assembled",
		"session_id", sessionID,
		"final_key", finalKey,
		"final_hash", finalHash,
		"total_size", session.TotalSize)

	result.Outcome = AssemblyDone
	result.FinalKey = finalKey
	result.FinalHash = finalHash
	return result, nil
}

func (a *AssemblyService) assemble(ctx context.Context, session *models.UploadSession) (string, string, error) {
	chunks, err := a.chunks.ListBySession(ctx, session.ID)
	if err != nil {
		return "", "", fmt.Errorf("failed to list chunks: %w", err)
	}

	if err := a.checkChunkSet(ctx, session, chunks); err != nil {
		return "", "", err
	}

	finalKey := FinalKey(session.ID, session.OriginalFilename)

	switch {
	case len(chunks) == 1:
		// One chunk is the whole file; a server-side copy is enough and the
		// chunk hash is the file hash.
		if err := a.blobs.CopyObject(ctx, chunks[0].StoragePath, finalKey); err != nil {
			return "", "", fmt.Errorf("failed to copy single chunk: %w", err)
		}
		return finalKey, chunks[0].ChunkHash, nil

	case session.TotalSize < a.cfg.MultipartThreshold:
		hash, err := a.streamMerge(ctx, session, chunks, finalKey)
		if err != nil {
			return "", "", err
		}
		return finalKey, hash, nil

	default:
		if err := a.blobs.MultipartCopy(ctx, chunkPaths(chunks), finalKey); err != nil {
			return "", "", fmt.Errorf("failed multipart copy: %w", err)
		}
		// The bytes never pass through this process on the multipart path,
		// so verify by size; part ETags already guarded each copy.
		size, err := a.blobs.ObjectSize(ctx, finalKey)
		if err != nil {
			return "", "", fmt.Errorf("failed to verify assembled object: %w", err)
		}
		if size != session.TotalSize {
			return "", "", fmt.Errorf("assembled object size %d does not match expected %d", size, session.TotalSize)
		}
		return finalKey, "", nil
	}
}

// checkChunkSet verifies the chunk records form a complete, contiguous,
// correctly sized cover of the file before any bytes are moved.
func (a *AssemblyService) checkChunkSet(ctx context.Context, session *models.UploadSession, chunks []models.UploadChunk) error {
	if int64(len(chunks)) != session.TotalChunks {
		seen := make(map[int64]bool, len(chunks))
		for _, c := range chunks {
			seen[c.ChunkIndex] = true
		}
		for i := int64(0); i < session.TotalChunks; i++ {
			if !seen[i] {
				return fmt.Errorf("chunk sequence gap: missing chunk %d of %d", i, session.TotalChunks)
			}
		}
		return fmt.Errorf("chunk count mismatch: have %d records, want %d", len(chunks), session.TotalChunks)
	}

	var totalSize int64
	for i, c := range chunks {
		if c.ChunkIndex != int64(i) {
			return fmt.Errorf("chunk sequence gap: found index %d at position %d", c.ChunkIndex, i)
		}
		if !c.IsReadyForAssembly() {
			return fmt.Errorf("chunk %d is not ready for assembly (status %s)", c.ChunkIndex, c.Status.String())
		}
		if want := session.ChunkSizeAt(c.ChunkIndex); c.Size != want {
			return fmt.Errorf("chunk %d size %d does not match expected %d", c.ChunkIndex, c.Size, want)
		}
		totalSize += c.Size
	}
	if totalSize != session.TotalSize {
		return fmt.Errorf("chunk sizes sum to %d, want %d", totalSize, session.TotalSize)
	}

	if a.cfg.StrictChunkVerify {
		for i := range chunks {
			c := &chunks[i]
			if c.Status == models.ChunkVerified {
				continue
			}
			ok, err := a.integrity.Validate(ctx, c, "")
			if err != nil {
				return fmt.Errorf("failed to validate chunk %d: %w", c.ChunkIndex, err)
			}
			if !ok {
				return fmt.Errorf("chunk %d failed integrity validation", c.ChunkIndex)
			}
		}
	}

	return nil
}

// streamMerge concatenates chunk objects through an in-process pipe into a
// single PutObject, hashing the stream on the way through. Suitable below
// the multipart threshold where holding one upload connection open for the
// whole file is fine.
func (a *AssemblyService) streamMerge(ctx context.Context, session *models.UploadSession, chunks []models.UploadChunk, finalKey string) (string, error) {
	pr, pw := io.Pipe()
	hasher := sha256.New()

	var written int64
	go func() {
		var err error
		defer func() { pw.CloseWithError(err) }()

		for _, c := range chunks {
			var rc io.ReadCloser
			rc, err = a.blobs.Get(ctx, c.StoragePath)
			if err != nil {
				err = fmt.Errorf("failed to read chunk %d: %w", c.ChunkIndex, err)
				return
			}

			var n int64
			n, err = io.Copy(pw, io.TeeReader(rc, hasher))
			rc.Close()
			if err != nil {
				err = fmt.Errorf("failed to stream chunk %d: %w", c.ChunkIndex, err)
				return
			}
			written += n
		}
	}()

	if err := a.blobs.PutObject(ctx, finalKey, pr, session.TotalSize); err != nil {
		pr.CloseWithError(err)
		return "", fmt.Errorf("failed to write assembled object: %w", err)
	}

	if written != session.TotalSize {
		return "", fmt.Errorf("assembled %d bytes, want %d", written, session.TotalSize)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// FinalKey addresses the assembled artifact in the bucket.
func FinalKey(sessionID, filename string) string {
	return fmt.Sprintf("files/%s/%s", sessionID, filename)
}

func chunkPaths(chunks []models.UploadChunk) []string {
	paths := make([]string, len(chunks))
	for i, c := range chunks {
		paths[i] = c.StoragePath
	}
	return paths
}
