package models

import "fmt"

// UploadStatus is the lifecycle stage of an upload session.
type UploadStatus string

const (
	StatusPending    UploadStatus = "pending"
	StatusUploading  UploadStatus = "uploading"
	StatusAssembling UploadStatus = "assembling"
	StatusCompleted  UploadStatus = "completed"
	StatusFailed     UploadStatus = "failed"
)

func (s UploadStatus) String() string { return string(s) }

// IsTerminal reports whether the status is a durable end state.
func (s UploadStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func ParseUploadStatus(s string) (UploadStatus, error) {
	switch UploadStatus(s) {
	case StatusPending, StatusUploading, StatusAssembling, StatusCompleted, StatusFailed:
		return UploadStatus(s), nil
	}
	return "", fmt.Errorf("invalid upload status %q", s)
}

// validTransitions is the full transition table. failed → pending/uploading
// exists so a session can be resumed after a transient storage error without
// abandoning already-stored chunks.
var validTransitions = map[UploadStatus][]UploadStatus{
	StatusPending:    {StatusUploading, StatusFailed},
	StatusUploading:  {StatusAssembling, StatusFailed},
	StatusAssembling: {StatusCompleted, StatusFailed},
	StatusCompleted:  {},
	StatusFailed:     {StatusPending, StatusUploading},
}

// CanTransition reports whether from → to is in the transition table.
func CanTransition(from, to UploadStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ChunkStatus is the lifecycle stage of a single chunk.
type ChunkStatus string

const (
	ChunkPending  ChunkStatus = "pending"
	ChunkUploaded ChunkStatus = "uploaded"
	ChunkVerified ChunkStatus = "verified"
	ChunkFailed   ChunkStatus = "failed"
)

func (s ChunkStatus) String() string { return string(s) }

func ParseChunkStatus(s string) (ChunkStatus, error) {
	switch ChunkStatus(s) {
	case ChunkPending, ChunkUploaded, ChunkVerified, ChunkFailed:
		return ChunkStatus(s), nil
	}
	return "", fmt.Errorf("invalid chunk status %q", s)
}
