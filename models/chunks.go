package models

import "time"

// UploadChunk is the persisted record of one contiguous byte range of the
// file, keyed by owning session and 0-based index.
type UploadChunk struct {
	SessionID   string      `dynamodbav:"session_id"`
	ChunkIndex  int64       `dynamodbav:"chunk_index"`
	ChunkHash   string      `dynamodbav:"chunk_hash"` // hex SHA-256 of the stored bytes
	StoragePath string      `dynamodbav:"storage_path"`
	Size        int64       `dynamodbav:"size"`
	Status      ChunkStatus `dynamodbav:"status"`
	CreatedAt   time.Time   `dynamodbav:"created_at"`
}

// IsReadyForAssembly reports whether the chunk's bytes are durably stored.
// Full hash validation is a separate gate; a stricter deployment may require
// verified before assembling.
func (c *UploadChunk) IsReadyForAssembly() bool {
	return c.Status == ChunkUploaded || c.Status == ChunkVerified
}

// UploadCompletedEvent is the queue message published when a session's last
// chunk arrives, consumed by the assembly receiver.
type UploadCompletedEvent struct {
	SessionID string `json:"session_id"`
}
