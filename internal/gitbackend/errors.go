package gitbackend

import "errors"

// Error types for backend operations.
var (
	// ErrNotRepository indicates the path is not a git repository.
	ErrNotRepository = errors.New("not a git repository")

	// ErrRepositoryNotFound indicates no repository was found.
	ErrRepositoryNotFound = errors.New("repository not found")

	// ErrNothingToCommit indicates there are no staged changes to commit.
	ErrNothingToCommit = errors.New("nothing to commit")

	// ErrBranchNotFound indicates the branch was not found.
	ErrBranchNotFound = errors.New("branch not found")

	// ErrRemoteNotFound indicates the remote was not found.
	ErrRemoteNotFound = errors.New("remote not found")

	// ErrAuthenticationFailed indicates a network operation was rejected
	// by the remote's authentication.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrCheckpointNotFound indicates the checkpoint token does not resolve
	// to a known checkpoint commit.
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrAskPassUnavailable indicates credential prompts cannot be bridged
	// for this operation, either because no delegate was supplied or the
	// platform lacks the helper-script mechanism.
	ErrAskPassUnavailable = errors.New("askpass unavailable")
)
