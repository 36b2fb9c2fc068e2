package services

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelneumaier/mixpitch-sub012/models"
	"github.com/michaelneumaier/mixpitch-sub012/store"
)

func (e *testEnv) uploadAll(t *testing.T, session *models.UploadSession) []byte {
	t.Helper()
	var whole []byte
	for idx := int64(0); idx < session.TotalChunks; idx++ {
		data := chunkData(idx, session.ChunkSizeAt(idx))
		whole = append(whole, data...)
		e.sendChunk(t, session.ID, session, idx)
	}
	return whole
}

func (e *testEnv) readObject(t *testing.T, key string) []byte {
	t.Helper()
	rc, err := e.blobs.Get(context.Background(), key)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func TestTriggerAssemblyStreamMerge(t *testing.T) {
	env := newTestEnv(t)
	session := env.createSession(t, 2560, 1024)
	ctx := context.Background()

	whole := env.uploadAll(t, session)

	result, err := env.assembly.TriggerAssembly(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, AssemblyDone, result.Outcome)
	assert.Equal(t, FinalKey(session.ID, "mix.wav"), result.FinalKey)
	assert.Equal(t, hashOf(whole), result.FinalHash)

	assert.Equal(t, whole, env.readObject(t, result.FinalKey))

	got, err := env.sessions.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, result.FinalKey, got.Metadata.FinalKey)
	assert.Equal(t, result.FinalHash, got.Metadata.AssembledHash)
	assert.False(t, got.Metadata.AssembledAt.IsZero())
}

func TestTriggerAssemblySingleChunk(t *testing.T) {
	env := newTestEnv(t)
	session := env.createSession(t, 1500, 2048) // one chunk covers the file
	ctx := context.Background()

	require.Equal(t, int64(1), session.TotalChunks)
	whole := env.uploadAll(t, session)

	result, err := env.assembly.TriggerAssembly(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, AssemblyDone, result.Outcome)
	assert.Equal(t, hashOf(whole), result.FinalHash, "single chunk hash is the file hash")
	assert.Equal(t, whole, env.readObject(t, result.FinalKey))
}

func TestTriggerAssemblyMultipart(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.MultipartThreshold = 1024 // force the multipart path
	session := env.createSession(t, 2560, 1024)
	ctx := context.Background()

	whole := env.uploadAll(t, session)

	result, err := env.assembly.TriggerAssembly(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, AssemblyDone, result.Outcome)
	assert.Empty(t, result.FinalHash, "multipart path verifies by size, not hash")
	assert.Equal(t, whole, env.readObject(t, result.FinalKey))
}

func TestTriggerAssemblyIdempotent(t *testing.T) {
	env := newTestEnv(t)
	session := env.createSession(t, 2048, 1024)
	ctx := context.Background()

	env.uploadAll(t, session)

	first, err := env.assembly.TriggerAssembly(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, AssemblyDone, first.Outcome)

	second, err := env.assembly.TriggerAssembly(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, AssemblyAlreadyDone, second.Outcome)
	assert.Equal(t, first.FinalKey, second.FinalKey)
	assert.Equal(t, first.FinalHash, second.FinalHash)
}

func TestTriggerAssemblySkipsIncompleteSession(t *testing.T) {
	env := newTestEnv(t)
	session := env.createSession(t, 2560, 1024)
	ctx := context.Background()

	env.sendChunk(t, session.ID, session, 0)

	result, err := env.assembly.TriggerAssembly(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, AssemblySkipped, result.Outcome)

	got, err := env.sessions.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusUploading, got.Status, "skip must not disturb the session")
}

func TestTriggerAssemblyFailsOnMissingChunkRecord(t *testing.T) {
	env := newTestEnv(t)
	session := env.createSession(t, 3584, 1024) // 4 chunks
	ctx := context.Background()

	env.uploadAll(t, session)
	// leave records [0, 1, 3] behind
	require.NoError(t, env.chunks.Delete(ctx, session.ID, 2))

	result, err := env.assembly.TriggerAssembly(ctx, session.ID)
	require.NoError(t, err, "validation failure is an outcome, not an error")
	assert.Equal(t, AssemblyFailed, result.Outcome)
	assert.Contains(t, result.Reason, "chunk sequence gap")
	assert.Contains(t, result.Reason, "missing chunk 2")

	got, err := env.sessions.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Contains(t, got.Metadata.Error, "chunk sequence gap")

	// no partial final object may survive a failed assembly
	exists, err := env.blobs.Exists(ctx, FinalKey(session.ID, "mix.wav"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestTriggerAssemblyStrictVerifyRejectsCorruptChunk(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.StrictChunkVerify = true
	session := env.createSession(t, 2048, 1024)
	ctx := context.Background()

	env.uploadAll(t, session)

	// downgrade one chunk to uploaded and corrupt its bytes underneath
	require.NoError(t, env.chunks.UpdateStatus(ctx, session.ID, 1, models.ChunkUploaded))
	corrupt := chunkData(1, 1024)
	corrupt[0] ^= 0xFF
	require.NoError(t, env.blobs.PutObject(ctx, store.ChunkPath(session.ID, 1), bytes.NewReader(corrupt), 1024))

	result, err := env.assembly.TriggerAssembly(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, AssemblyFailed, result.Outcome)
	assert.Contains(t, result.Reason, "integrity")

	chunk, err := env.chunks.Get(ctx, session.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, models.ChunkFailed, chunk.Status)
}
