package gitbackend

import "context"

// AskPassFunc answers a credential prompt during a network operation.
// The prompt text comes verbatim from git (e.g. "Username for ...").
type AskPassFunc func(ctx context.Context, prompt string) (string, error)

// CommitOptions configures commit creation.
type CommitOptions struct {
	// AuthorName overrides the commit author name.
	AuthorName string

	// AuthorEmail overrides the author email.
	AuthorEmail string

	// Amend amends the previous commit.
	Amend bool

	// SignOff adds a Signed-off-by line.
	SignOff bool
}

// PushOptions configures a push.
type PushOptions struct {
	// SetUpstream configures the branch's upstream on push.
	SetUpstream bool

	// Force force-pushes with lease.
	Force bool
}

// ResetMode selects the reset behavior.
type ResetMode int

const (
	// ResetModeMixed resets the index but not the working tree.
	ResetModeMixed ResetMode = iota
	// ResetModeSoft moves HEAD only.
	ResetModeSoft
	// ResetModeHard resets index and working tree.
	ResetModeHard
)

// DiffType selects which diff a whole-repository text diff covers.
type DiffType int

const (
	// DiffTypeHeadToIndex diffs HEAD against the index (staged changes).
	DiffTypeHeadToIndex DiffType = iota
	// DiffTypeHeadToWorktree diffs HEAD against the working tree.
	DiffTypeHeadToWorktree
)

// Checkpoint is an opaque restorable token for a repository's working state.
type Checkpoint struct {
	// CommitSHA identifies the checkpoint commit.
	CommitSHA string
}

// Backend is the plumbing capability for a single repository. All methods
// are safe for use from a single goroutine at a time; the store serializes
// calls through its job queue.
type Backend interface {
	// Status returns the full working tree status.
	Status(ctx context.Context) (*Status, error)

	// LoadIndexText returns the staged content of path. ok is false when
	// the path has no index entry (e.g. untracked).
	LoadIndexText(ctx context.Context, path string) (text string, ok bool, err error)

	// LoadHeadText returns the committed content of path at HEAD. ok is
	// false when the path does not exist at HEAD.
	LoadHeadText(ctx context.Context, path string) (text string, ok bool, err error)

	// SetIndexText writes content as the staged content of path. A nil
	// content removes the path from the index.
	SetIndexText(ctx context.Context, path string, content *string) error

	// Stage stages the given paths.
	Stage(ctx context.Context, paths []string) error

	// Unstage removes the given paths from the index, keeping worktree
	// content.
	Unstage(ctx context.Context, paths []string) error

	// Commit creates a commit from the current index.
	Commit(ctx context.Context, message string, opts CommitOptions) error

	// Fetch fetches from the named remote.
	Fetch(ctx context.Context, remote string, ask AskPassFunc) error

	// Push pushes branch to remote.
	Push(ctx context.Context, branch, remote string, opts PushOptions, ask AskPassFunc) error

	// Pull pulls branch from remote.
	Pull(ctx context.Context, branch, remote string, rebase bool, ask AskPassFunc) error

	// Remotes lists configured remotes.
	Remotes(ctx context.Context) ([]Remote, error)

	// Branches lists local branches.
	Branches(ctx context.Context) ([]Branch, error)

	// CreateBranch creates a branch at HEAD without switching to it.
	CreateBranch(ctx context.Context, name string) error

	// ChangeBranch checks out the named branch.
	ChangeBranch(ctx context.Context, name string) error

	// Diff returns a unified text diff for the whole repository.
	Diff(ctx context.Context, typ DiffType) (string, error)

	// Reset resets HEAD to commit with the given mode.
	Reset(ctx context.Context, commit string, mode ResetMode) error

	// CheckoutFiles restores the given paths from commit.
	CheckoutFiles(ctx context.Context, commit string, paths []string) error

	// Show returns details for a single commit.
	Show(ctx context.Context, commit string) (*CommitDetails, error)

	// CheckForPushedCommits lists remote branches that contain HEAD.
	CheckForPushedCommits(ctx context.Context) ([]string, error)

	// Checkpoint captures the current working state as an opaque token.
	Checkpoint(ctx context.Context) (Checkpoint, error)

	// RestoreCheckpoint re-applies a previously captured checkpoint.
	RestoreCheckpoint(ctx context.Context, cp Checkpoint) error

	// CompareCheckpoints reports whether two checkpoints capture the same
	// state.
	CompareCheckpoints(ctx context.Context, left, right Checkpoint) (bool, error)

	// DeleteCheckpoint releases the resources held by a checkpoint.
	DeleteCheckpoint(ctx context.Context, cp Checkpoint) error
}
