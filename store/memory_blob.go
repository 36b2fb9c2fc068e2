package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/michaelneumaier/mixpitch-sub012/apperrors"
)

var _ BlobStorage = (*MemoryBlobStorage)(nil)

// MemoryBlobStorage keeps objects in process memory. Best suited for tests;
// it honors the same contracts as the S3 implementation, including
// delete-of-absent being a no-op.
type MemoryBlobStorage struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryBlobStorage() *MemoryBlobStorage {
	return &MemoryBlobStorage{objects: make(map[string][]byte)}
}

func (m *MemoryBlobStorage) IsReady(ctx context.Context) error { return nil }
func (m *MemoryBlobStorage) Name() string                      { return "BlobStorage[memory]" }

func (m *MemoryBlobStorage) PutChunk(ctx context.Context, sessionID string, chunkIndex int64, r io.Reader, size int64) (string, error) {
	path := ChunkPath(sessionID, chunkIndex)
	if err := m.PutObject(ctx, path, r, size); err != nil {
		return "", err
	}
	return path, nil
}

func (m *MemoryBlobStorage) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	m.mu.RLock()
	data, ok := m.objects[path]
	m.mu.RUnlock()

	if !ok {
		return nil, apperrors.ErrChunkNotFound
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	return io.NopCloser(bytes.NewReader(cp)), nil
}

func (m *MemoryBlobStorage) Exists(ctx context.Context, path string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[path]
	return ok, nil
}

func (m *MemoryBlobStorage) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, path)
	return nil
}

func (m *MemoryBlobStorage) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for path := range m.objects {
		if strings.HasPrefix(path, prefix) {
			delete(m.objects, path)
			deleted++
		}
	}
	return deleted, nil
}

func (m *MemoryBlobStorage) PutObject(ctx context.Context, key string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read object body: %w", err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("object body size %d does not match declared size %d", len(data), size)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *MemoryBlobStorage) CopyObject(ctx context.Context, srcPath, dstKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	src, ok := m.objects[srcPath]
	if !ok {
		return apperrors.ErrChunkNotFound
	}

	cp := make([]byte, len(src))
	copy(cp, src)
	m.objects[dstKey] = cp
	return nil
}

func (m *MemoryBlobStorage) MultipartCopy(ctx context.Context, srcPaths []string, dstKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var buf bytes.Buffer
	for _, srcPath := range srcPaths {
		src, ok := m.objects[srcPath]
		if !ok {
			return apperrors.ErrChunkNotFound
		}
		buf.Write(src)
	}

	m.objects[dstKey] = buf.Bytes()
	return nil
}

func (m *MemoryBlobStorage) ObjectSize(ctx context.Context, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.objects[key]
	if !ok {
		return 0, apperrors.ErrChunkNotFound
	}
	return int64(len(data)), nil
}
