package gitstore

import "errors"

// Errors returned by store and repository operations.
var (
	// ErrRepositoryNotFound indicates no repository matches the requested
	// id or work directory. Discovery may simply not have caught up on
	// this side; callers should treat it as retryable.
	ErrRepositoryNotFound = errors.New("repository not found")

	// ErrStoreClosed indicates the store has shut down.
	ErrStoreClosed = errors.New("git store closed")

	// ErrRemoteUnsupported indicates the operation is only available for
	// locally backed repositories.
	ErrRemoteUnsupported = errors.New("operation not supported on remote repositories")

	// ErrNoUpstream indicates a remote-mode operation was attempted on a
	// node with no upstream peer.
	ErrNoUpstream = errors.New("no upstream peer configured")

	// ErrNoDiffForBuffer indicates no diff state exists for the buffer.
	ErrNoDiffForBuffer = errors.New("no diff opened for buffer")
)
