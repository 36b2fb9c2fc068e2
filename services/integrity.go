package services

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/michaelneumaier/mixpitch-sub012/apperrors"
	"github.com/michaelneumaier/mixpitch-sub012/logging"
	"github.com/michaelneumaier/mixpitch-sub012/models"
	"github.com/michaelneumaier/mixpitch-sub012/store"
)

// IntegrityService verifies that a chunk's stored bytes match the hash the
// client declared, and records the verdict on the chunk record.
type IntegrityService struct {
	chunks store.ChunkStore
	blobs  store.BlobStorage

	logger logging.Logger
}

func NewIntegrityService(chunks store.ChunkStore, blobs store.BlobStorage, l logging.Logger) *IntegrityService {
	return &IntegrityService{
		chunks: chunks,
		blobs:  blobs,
		logger: l,
	}
}

// Validate checks the chunk's stored bytes against expectedHash, falling
// back to the hash recorded on the chunk. The verdict is returned as a bool
// and persisted as the chunk status (verified or failed); only unexpected
// storage faults surface as errors. A chunk with no hash at all fails
// validation; an unverifiable chunk must never slip into assembly.
func (s *IntegrityService) Validate(ctx context.Context, chunk *models.UploadChunk, expectedHash string) (bool, error) {
	expected := expectedHash
	if expected == "" {
		expected = chunk.ChunkHash
	}
	if expected == "" {
		s.logger.Warn("chunk has no hash to validate against",
			"session_id", chunk.SessionID, "chunk_index", chunk.ChunkIndex)
		return false, s.markFailed(ctx, chunk)
	}

	rc, err := s.blobs.Get(ctx, chunk.StoragePath)
	if errors.Is(err, apperrors.ErrChunkNotFound) {
		s.logger.Warn("chunk bytes missing during validation",
			"session_id", chunk.SessionID, "chunk_index", chunk.ChunkIndex, "path", chunk.StoragePath)
		return false, s.markFailed(ctx, chunk)
	}
	if err != nil {
		return false, fmt.Errorf("failed to read chunk %d: %w", chunk.ChunkIndex, err)
	}
	defer rc.Close()

	actual, _, err := HashStream(rc)
	if err != nil {
		return false, fmt.Errorf("failed to hash chunk %d: %w", chunk.ChunkIndex, err)
	}

	if !HashesEqual(expected, actual) {
		s.logger.Warn("chunk hash mismatch",
			"session_id", chunk.SessionID, "chunk_index", chunk.ChunkIndex, "expected", expected)
		return false, s.markFailed(ctx, chunk)
	}

	if err := s.chunks.UpdateStatus(ctx, chunk.SessionID, chunk.ChunkIndex, models.ChunkVerified); err != nil {
		return false, err
	}
	chunk.Status = models.ChunkVerified
	return true, nil
}

func (s *IntegrityService) markFailed(ctx context.Context, chunk *models.UploadChunk) error {
	err := s.chunks.UpdateStatus(ctx, chunk.SessionID, chunk.ChunkIndex, models.ChunkFailed)
	if errors.Is(err, apperrors.ErrChunkNotFound) {
		return nil
	}
	if err == nil {
		chunk.Status = models.ChunkFailed
	}
	return err
}

// HashStream streams r through SHA-256 and returns the hex digest and byte
// count without buffering the content.
func HashStream(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// HashesEqual compares two hex digests in constant time.
func HashesEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
