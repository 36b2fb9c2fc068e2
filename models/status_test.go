package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	allowed := map[[2]UploadStatus]bool{
		{StatusPending, StatusUploading}:    true,
		{StatusPending, StatusFailed}:       true,
		{StatusUploading, StatusAssembling}: true,
		{StatusUploading, StatusFailed}:     true,
		{StatusAssembling, StatusCompleted}: true,
		{StatusAssembling, StatusFailed}:    true,
		{StatusFailed, StatusPending}:       true,
		{StatusFailed, StatusUploading}:     true,
	}

	all := []UploadStatus{StatusPending, StatusUploading, StatusAssembling, StatusCompleted, StatusFailed}
	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]UploadStatus{from, to}]
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestCompletedIsFinal(t *testing.T) {
	all := []UploadStatus{StatusPending, StatusUploading, StatusAssembling, StatusCompleted, StatusFailed}
	for _, to := range all {
		assert.False(t, CanTransition(StatusCompleted, to), "completed -> %s must be rejected", to)
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusUploading.IsTerminal())
	assert.False(t, StatusAssembling.IsTerminal())
}

func TestParseUploadStatus(t *testing.T) {
	got, err := ParseUploadStatus("uploading")
	require.NoError(t, err)
	assert.Equal(t, StatusUploading, got)

	_, err = ParseUploadStatus("bogus")
	assert.Error(t, err)
}

func TestParseChunkStatus(t *testing.T) {
	got, err := ParseChunkStatus("verified")
	require.NoError(t, err)
	assert.Equal(t, ChunkVerified, got)

	_, err = ParseChunkStatus("")
	assert.Error(t, err)
}
