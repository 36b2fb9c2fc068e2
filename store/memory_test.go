package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelneumaier/mixpitch-sub012/apperrors"
	"github.com/michaelneumaier/mixpitch-sub012/health"
	"github.com/michaelneumaier/mixpitch-sub012/models"
)

func TestStoresSatisfyReadiness(t *testing.T) {
	sessions, chunks, err := NewMemoryStores()
	require.NoError(t, err)

	// mirrors the check list the app loop polls
	checks := []health.ReadinessCheck{sessions, chunks, NewMemoryBlobStorage()}
	for _, c := range checks {
		require.NoError(t, c.IsReady(context.Background()))
		require.NotEmpty(t, c.Name())
	}
}

func newSession(id string, totalChunks int64) models.UploadSession {
	now := time.Now().UTC()
	return models.UploadSession{
		ID:               id,
		UserID:           "user-1",
		OriginalFilename: "track.wav",
		TotalSize:        totalChunks * 1024,
		ChunkSize:        1024,
		TotalChunks:      totalChunks,
		Status:           models.StatusPending,
		CreatedAt:        now,
		ExpiresAt:        now.Add(time.Hour),
	}
}

func TestSessionStoreCreateAndGet(t *testing.T) {
	sessions, _, err := NewMemoryStores()
	require.NoError(t, err)
	ctx := context.Background()

	sess := newSession("s1", 3)
	require.NoError(t, sessions.CreateSession(ctx, sess))

	got, err := sessions.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, models.StatusPending, got.Status)

	err = sessions.CreateSession(ctx, sess)
	assert.ErrorIs(t, err, apperrors.ErrSessionExists)

	_, err = sessions.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, apperrors.ErrSessionNotFound)
}

func TestSessionStoreTransitionStatus(t *testing.T) {
	sessions, _, err := NewMemoryStores()
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, sessions.CreateSession(ctx, newSession("s1", 1)))

	require.NoError(t, sessions.TransitionStatus(ctx, "s1", models.StatusPending, models.StatusUploading))

	// stale from-state loses
	err = sessions.TransitionStatus(ctx, "s1", models.StatusPending, models.StatusUploading)
	assert.ErrorIs(t, err, apperrors.ErrIllegalTransition)

	// transitions outside the table are rejected before touching the store
	err = sessions.TransitionStatus(ctx, "s1", models.StatusUploading, models.StatusCompleted)
	assert.ErrorIs(t, err, apperrors.ErrIllegalTransition)

	got, err := sessions.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusUploading, got.Status)
}

func TestSessionStoreMarkFailed(t *testing.T) {
	sessions, _, err := NewMemoryStores()
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, sessions.CreateSession(ctx, newSession("s1", 1)))
	require.NoError(t, sessions.MarkFailed(ctx, "s1", "network error"))

	got, err := sessions.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "network error", got.Metadata.Error)
	assert.False(t, got.Metadata.FailedAt.IsZero())

	// completed sessions cannot be failed
	require.NoError(t, sessions.TransitionStatus(ctx, "s1", models.StatusFailed, models.StatusUploading))
	require.NoError(t, sessions.TransitionStatus(ctx, "s1", models.StatusUploading, models.StatusAssembling))
	require.NoError(t, sessions.TransitionStatus(ctx, "s1", models.StatusAssembling, models.StatusCompleted))
	err = sessions.MarkFailed(ctx, "s1", "too late")
	assert.ErrorIs(t, err, apperrors.ErrIllegalTransition)
}

func TestIncrementUploadedChunksConcurrent(t *testing.T) {
	sessions, _, err := NewMemoryStores()
	require.NoError(t, err)
	ctx := context.Background()

	const total = 8
	require.NoError(t, sessions.CreateSession(ctx, newSession("s1", total)))

	// 2x the chunk count of increment attempts: the counter must cap at total
	var wg sync.WaitGroup
	var overshoot int64
	var mu sync.Mutex

	for i := 0; i < total*2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := sessions.IncrementUploadedChunks(ctx, "s1")
			if errors.Is(err, apperrors.ErrSessionNotReady) {
				return
			}
			mu.Lock()
			if n > total {
				overshoot = n
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Zero(t, overshoot)

	got, err := sessions.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(total), got.UploadedChunks)
}

func TestDecrementUploadedChunks(t *testing.T) {
	sessions, _, err := NewMemoryStores()
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, sessions.CreateSession(ctx, newSession("s1", 2)))
	_, err = sessions.IncrementUploadedChunks(ctx, "s1")
	require.NoError(t, err)

	n, err := sessions.DecrementUploadedChunks(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, n)

	// the counter never goes negative
	_, err = sessions.DecrementUploadedChunks(ctx, "s1")
	assert.ErrorIs(t, err, apperrors.ErrSessionNotReady)
}

func TestSessionStoreListExpired(t *testing.T) {
	sessions, _, err := NewMemoryStores()
	require.NoError(t, err)
	ctx := context.Background()

	stale := newSession("stale", 1)
	stale.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, sessions.CreateSession(ctx, stale))

	fresh := newSession("fresh", 1)
	require.NoError(t, sessions.CreateSession(ctx, fresh))

	done := newSession("done", 1)
	done.Status = models.StatusCompleted
	done.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, sessions.CreateSession(ctx, done))

	expired, err := sessions.ListExpired(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "stale", expired[0].ID)
}

func TestSessionStoreDelete(t *testing.T) {
	sessions, _, err := NewMemoryStores()
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, sessions.CreateSession(ctx, newSession("s1", 1)))
	require.NoError(t, sessions.Delete(ctx, "s1"))
	require.NoError(t, sessions.Delete(ctx, "s1"), "deleting an absent session is a no-op")

	_, err = sessions.GetSession(ctx, "s1")
	assert.ErrorIs(t, err, apperrors.ErrSessionNotFound)
}

func TestChunkStorePutReturnsPrevious(t *testing.T) {
	_, chunks, err := NewMemoryStores()
	require.NoError(t, err)
	ctx := context.Background()

	first := models.UploadChunk{SessionID: "s1", ChunkIndex: 0, Status: models.ChunkUploaded, Size: 1024}
	prev, err := chunks.Put(ctx, first)
	require.NoError(t, err)
	assert.Nil(t, prev)

	second := first
	second.Status = models.ChunkVerified
	prev, err = chunks.Put(ctx, second)
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, models.ChunkUploaded, prev.Status)
}

func TestChunkStoreListBySessionOrder(t *testing.T) {
	_, chunks, err := NewMemoryStores()
	require.NoError(t, err)
	ctx := context.Background()

	// inserted out of order, listed in index order
	for _, idx := range []int64{2, 0, 1} {
		_, err := chunks.Put(ctx, models.UploadChunk{SessionID: "s1", ChunkIndex: idx, Size: 1024})
		require.NoError(t, err)
	}
	_, err = chunks.Put(ctx, models.UploadChunk{SessionID: "other", ChunkIndex: 0, Size: 1024})
	require.NoError(t, err)

	got, err := chunks.ListBySession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, c := range got {
		assert.Equal(t, int64(i), c.ChunkIndex)
		assert.Equal(t, "s1", c.SessionID)
	}
}

func TestChunkStoreListBySessionExactMatch(t *testing.T) {
	_, chunks, err := NewMemoryStores()
	require.NoError(t, err)
	ctx := context.Background()

	// "s1" must not sweep up chunks of a session whose id merely starts
	// with it
	_, err = chunks.Put(ctx, models.UploadChunk{SessionID: "s1", ChunkIndex: 0})
	require.NoError(t, err)
	_, err = chunks.Put(ctx, models.UploadChunk{SessionID: "s10", ChunkIndex: 0})
	require.NoError(t, err)

	got, err := chunks.ListBySession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "s1", got[0].SessionID)
}

func TestChunkStoreUpdateStatus(t *testing.T) {
	_, chunks, err := NewMemoryStores()
	require.NoError(t, err)
	ctx := context.Background()

	_, err = chunks.Put(ctx, models.UploadChunk{SessionID: "s1", ChunkIndex: 0, Status: models.ChunkUploaded})
	require.NoError(t, err)

	require.NoError(t, chunks.UpdateStatus(ctx, "s1", 0, models.ChunkVerified))

	got, err := chunks.Get(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Equal(t, models.ChunkVerified, got.Status)

	err = chunks.UpdateStatus(ctx, "s1", 99, models.ChunkVerified)
	assert.ErrorIs(t, err, apperrors.ErrChunkNotFound)
}

func TestChunkStoreDeleteBySession(t *testing.T) {
	_, chunks, err := NewMemoryStores()
	require.NoError(t, err)
	ctx := context.Background()

	for i := int64(0); i < 3; i++ {
		_, err := chunks.Put(ctx, models.UploadChunk{SessionID: "s1", ChunkIndex: i})
		require.NoError(t, err)
	}
	_, err = chunks.Put(ctx, models.UploadChunk{SessionID: "other", ChunkIndex: 0})
	require.NoError(t, err)

	n, err := chunks.DeleteBySession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	remaining, err := chunks.ListBySession(ctx, "other")
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}
