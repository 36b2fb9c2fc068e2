package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelneumaier/mixpitch-sub012/apperrors"
	"github.com/michaelneumaier/mixpitch-sub012/models"
	"github.com/michaelneumaier/mixpitch-sub012/store"
)

func TestReapExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	stale := env.createSession(t, 2048, 1024)
	env.sendChunk(t, stale.ID, stale, 0)
	require.NoError(t, env.sessions.RefreshExpiry(ctx, stale.ID, time.Now().Add(-time.Minute)))

	fresh := env.createSession(t, 2048, 1024)
	env.sendChunk(t, fresh.ID, fresh, 0)

	reaped, err := env.reaper.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	_, err = env.sessions.GetSession(ctx, stale.ID)
	assert.ErrorIs(t, err, apperrors.ErrSessionNotFound)

	chunks, err := env.chunks.ListBySession(ctx, stale.ID)
	require.NoError(t, err)
	assert.Empty(t, chunks)

	exists, err := env.blobs.Exists(ctx, store.ChunkPath(stale.ID, 0))
	require.NoError(t, err)
	assert.False(t, exists)

	// the fresh session is untouched
	got, err := env.sessions.GetSession(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.UploadedChunks)
}

func TestReapExpiredIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	stale := env.createSession(t, 2048, 1024)
	require.NoError(t, env.sessions.RefreshExpiry(ctx, stale.ID, time.Now().Add(-time.Minute)))

	reaped, err := env.reaper.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	reaped, err = env.reaper.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, reaped)
}

func TestReapSkipsCompletedSessions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	session := env.createSession(t, 2048, 1024)
	env.uploadAll(t, session)

	result, err := env.assembly.TriggerAssembly(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, AssemblyDone, result.Outcome)

	require.NoError(t, env.sessions.RefreshExpiry(ctx, session.ID, time.Now().Add(-time.Minute)))

	reaped, err := env.reaper.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, reaped, "completed sessions are never reaped")

	got, err := env.sessions.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
}
