package models

import (
	"math"
	"time"
)

// SessionMetadata carries the reserved failure/assembly fields plus an open
// extension map for caller-supplied data the core never interprets.
type SessionMetadata struct {
	Error         string            `dynamodbav:"error,omitempty"`
	FailedAt      time.Time         `dynamodbav:"failed_at,omitempty"`
	AssembledHash string            `dynamodbav:"assembled_hash,omitempty"`
	AssembledAt   time.Time         `dynamodbav:"assembled_at,omitempty"`
	FinalKey      string            `dynamodbav:"final_key,omitempty"`
	Extra         map[string]string `dynamodbav:"extra,omitempty"`
}

// UploadSession is the persisted record of one whole-file upload.
type UploadSession struct {
	ID     string `dynamodbav:"session_id"` // Unique identifier for upload session
	UserID string `dynamodbav:"user_id"`    // Owner of this upload

	// TargetKind/TargetID tag the external entity the finished artifact will
	// be attached to ("project", "pitch", ...). Stored and returned verbatim,
	// never dereferenced here.
	TargetKind string `dynamodbav:"target_kind,omitempty"`
	TargetID   int64  `dynamodbav:"target_id,omitempty"`

	OriginalFilename string `dynamodbav:"original_filename"`
	TotalSize        int64  `dynamodbav:"total_size"`   // Total file size in bytes
	ChunkSize        int64  `dynamodbav:"chunk_size"`   // Fixed per session
	TotalChunks      int64  `dynamodbav:"total_chunks"` // ceil(total_size / chunk_size), fixed at creation
	UploadedChunks   int64  `dynamodbav:"uploaded_chunks"`

	Status    UploadStatus    `dynamodbav:"status"`
	Metadata  SessionMetadata `dynamodbav:"metadata"`
	CreatedAt time.Time       `dynamodbav:"created_at"`
	ExpiresAt time.Time       `dynamodbav:"expires_at"`
}

// TotalChunksFor computes the chunk count for a session's sizing parameters.
func TotalChunksFor(totalSize, chunkSize int64) int64 {
	if chunkSize <= 0 {
		return 0
	}
	return (totalSize + chunkSize - 1) / chunkSize
}

// ChunkSizeAt returns the expected byte size of the chunk at index: the
// session chunk size for every index except the last, which covers the
// remainder of the file.
func (s *UploadSession) ChunkSizeAt(index int64) int64 {
	if index == s.TotalChunks-1 {
		if rem := s.TotalSize % s.ChunkSize; rem != 0 {
			return rem
		}
	}
	return s.ChunkSize
}

// CanTransitionTo reports whether the session may legally move to next.
func (s *UploadSession) CanTransitionTo(next UploadStatus) bool {
	return CanTransition(s.Status, next)
}

// TransitionTo applies the transition if legal and reports whether it was.
// Illegal transitions leave the session untouched.
func (s *UploadSession) TransitionTo(next UploadStatus) bool {
	if !s.CanTransitionTo(next) {
		return false
	}
	s.Status = next
	return true
}

// MarkAsFailed records the failure reason in metadata and transitions to
// failed. It is the only sanctioned path into the failed state, so failure
// metadata is always attached.
func (s *UploadSession) MarkAsFailed(reason string) bool {
	if !s.CanTransitionTo(StatusFailed) {
		return false
	}
	s.Metadata.Error = reason
	s.Metadata.FailedAt = time.Now().UTC()
	s.Status = StatusFailed
	return true
}

// IsComplete reports whether every chunk has reached at least uploaded.
func (s *UploadSession) IsComplete() bool {
	return s.UploadedChunks >= s.TotalChunks
}

// IsExpired reports whether the session is past its expiry and not yet in a
// terminal state.
func (s *UploadSession) IsExpired() bool {
	if s.Status.IsTerminal() {
		return false
	}
	return time.Now().After(s.ExpiresAt)
}

// ProgressPercentage returns upload progress rounded to two decimals.
func (s *UploadSession) ProgressPercentage() float64 {
	if s.TotalChunks == 0 {
		return 0
	}
	p := float64(s.UploadedChunks) / float64(s.TotalChunks) * 100
	return math.Round(p*100) / 100
}
