// Package apperrors holds the sentinel errors shared across stores and
// services. Callers branch on them with errors.Is; everything else is
// wrapped infrastructure failure.
package apperrors

import "errors"

var (
	ErrSessionNotFound = errors.New("upload session not found")
	ErrSessionExists   = errors.New("upload session already exists")
	ErrSessionExpired  = errors.New("upload session has expired")
	ErrChunkNotFound   = errors.New("upload chunk not found")

	// ErrIllegalTransition signals that a requested status change is not in
	// the session transition table, or that a conditional write lost to a
	// concurrent writer. It is a "not ready" signal, not a fault.
	ErrIllegalTransition = errors.New("illegal session status transition")

	ErrInvalidChunkIndex = errors.New("chunk index out of range")
	ErrChunkSizeMismatch = errors.New("chunk size does not match session chunk size")
	ErrSessionNotReady   = errors.New("upload session is not in a valid state for this operation")
)
