package gitstore

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/dshills/reposync/internal/askpass"
	"github.com/dshills/reposync/internal/bufstore"
	"github.com/dshills/reposync/internal/gitbackend"
	"github.com/dshills/reposync/internal/gitstore/jobqueue"
)

// Mode selects how a repository executes git operations.
type Mode int

const (
	// ModeLocal executes against a plumbing backend on this machine.
	ModeLocal Mode = iota
	// ModeRemote delegates every operation to the upstream peer.
	ModeRemote
)

// Reply is a one-shot operation result delivered on a buffered channel.
type Reply[T any] struct {
	Value T
	Err   error
}

// Repository is one discovered git work directory. It is created by the
// store at discovery time and updated in place on every reconciliation, so
// holders keep referring to the same entity across status changes.
type Repository struct {
	mu       sync.Mutex
	snapshot RepositorySnapshot

	mode     Mode
	backend  gitbackend.Backend
	upstream Upstream

	jobs    *jobqueue.Queue
	askpass *askpass.Registry
	buffers *bufstore.Store
	events  EventPublisher
	log     *slog.Logger

	// commitBuffer is the shared commit-message buffer, zero when none is
	// open. At most one exists per repository.
	commitBuffer bufstore.BufferID
}

// ID returns the repository's identity.
func (r *Repository) ID() RepositoryID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot.ID
}

// Mode returns the execution mode.
func (r *Repository) Mode() Mode {
	return r.mode
}

// Snapshot returns a clone of the current snapshot.
func (r *Repository) Snapshot() RepositorySnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot.Clone()
}

// WorkDirectoryID returns the scanner's identity for this git root.
func (r *Repository) WorkDirectoryID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot.WorkDirectoryID
}

// AbsPath returns the work directory's absolute path.
func (r *Repository) AbsPath() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot.AbsPath
}

// submit runs fn on the repository's job queue and delivers its result on a
// one-shot channel. A nil key submits without coalescing; a keyed job that
// gets coalesced away resolves with jobqueue.ErrSuperseded.
func submit[T any](r *Repository, key *jobqueue.Key, fn func(ctx context.Context) (T, error)) <-chan Reply[T] {
	ch := make(chan Reply[T], 1)
	run := func(ctx context.Context) {
		v, err := fn(ctx)
		ch <- Reply[T]{Value: v, Err: err}
	}

	var err error
	if key == nil {
		err = r.jobs.Submit(run)
	} else {
		err = r.jobs.SubmitKeyedNotify(*key, run, func() {
			ch <- Reply[T]{Err: jobqueue.ErrSuperseded}
		})
	}
	if err != nil {
		ch <- Reply[T]{Err: err}
	}
	return ch
}

// submitErr is submit for operations with no payload.
func submitErr(r *Repository, key *jobqueue.Key, fn func(ctx context.Context) error) <-chan error {
	ch := make(chan error, 1)
	reply := submit(r, key, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	go func() { ch <- (<-reply).Err }()
	return ch
}

// submitErrStatus is submitErr for long operations that expose a status
// string while they run.
func submitErrStatus(r *Repository, status string, fn func(ctx context.Context) error) <-chan error {
	ch := make(chan error, 1)
	if err := r.jobs.SubmitStatus(status, func(ctx context.Context) {
		ch <- fn(ctx)
	}); err != nil {
		ch <- err
	}
	return ch
}

// JobStatus returns the status string of the repository's running job, if
// any.
func (r *Repository) JobStatus() (string, bool) {
	return r.jobs.Status()
}

// wrapOp adds operation and repository context to plumbing errors.
func (r *Repository) wrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s (repository %s): %w", op, r.AbsPath(), err)
}

// saveBeforeStage flushes every affected path's open dirty buffer to disk.
// Staging without flushing would silently stage stale bytes, so a flush
// failure aborts the whole stage.
func (r *Repository) saveBeforeStage(paths []string) error {
	if r.buffers == nil {
		return nil
	}
	root := r.AbsPath()
	for _, p := range paths {
		buf, ok := r.buffers.GetByPath(filepath.Join(root, p))
		if !ok || !buf.IsDirty() {
			continue
		}
		if err := r.buffers.Save(buf.ID()); err != nil {
			return fmt.Errorf("save %s before staging: %w", p, err)
		}
	}
	return nil
}

// StageEntries stages the given relative paths, flushing any open dirty
// buffers for them first.
func (r *Repository) StageEntries(paths []string) <-chan error {
	return submitErr(r, nil, func(ctx context.Context) error {
		if err := r.saveBeforeStage(paths); err != nil {
			return err
		}
		if r.mode == ModeRemote {
			return r.wrapOp("stage", r.upstream.StageEntries(ctx, r.ID(), paths))
		}
		return r.wrapOp("stage", r.backend.Stage(ctx, paths))
	})
}

// UnstageEntries removes the given relative paths from the index.
func (r *Repository) UnstageEntries(paths []string) <-chan error {
	return submitErr(r, nil, func(ctx context.Context) error {
		if err := r.saveBeforeStage(paths); err != nil {
			return err
		}
		if r.mode == ModeRemote {
			return r.wrapOp("unstage", r.upstream.UnstageEntries(ctx, r.ID(), paths))
		}
		return r.wrapOp("unstage", r.backend.Unstage(ctx, paths))
	})
}

// SetIndexText writes content as the staged content of one path. Writes are
// keyed by repository and path so rapid toggles for the same path coalesce
// and concurrent writes to one path serialize.
func (r *Repository) SetIndexText(path string, content *string) <-chan error {
	key := jobqueue.Key(fmt.Sprintf("set-index:%d:%s", r.ID(), path))
	return submitErr(r, &key, func(ctx context.Context) error {
		if r.mode == ModeRemote {
			return r.wrapOp("set index text", r.upstream.SetIndexText(ctx, r.ID(), path, content))
		}
		return r.wrapOp("set index text", r.backend.SetIndexText(ctx, path, content))
	})
}

// Commit creates a commit from the current index.
func (r *Repository) Commit(message string, opts gitbackend.CommitOptions) <-chan error {
	return submitErrStatus(r, "committing", func(ctx context.Context) error {
		if r.mode == ModeRemote {
			return r.wrapOp("commit", r.upstream.Commit(ctx, r.ID(), message, opts))
		}
		return r.wrapOp("commit", r.backend.Commit(ctx, message, opts))
	})
}

// networkOp registers delegate under a fresh askpass id for the duration of
// one authenticated operation and runs fn with that id. The delegate is
// removed when the operation completes, success or failure.
func (r *Repository) networkOp(op, status string, delegate askpass.Delegate, fn func(ctx context.Context, id uint64) error) <-chan error {
	return submitErrStatus(r, status, func(ctx context.Context) error {
		var id uint64
		if delegate != nil {
			id = r.askpass.NextID()
			r.askpass.Register(id, delegate)
			defer r.askpass.Remove(id)
		}
		return r.wrapOp(op, fn(ctx, id))
	})
}

// Fetch fetches from the named remote. delegate answers credential prompts
// and may be nil for unauthenticated remotes.
func (r *Repository) Fetch(remote string, delegate askpass.Delegate) <-chan error {
	return r.networkOp("fetch", "fetching", delegate, func(ctx context.Context, id uint64) error {
		if r.mode == ModeRemote {
			return r.upstream.Fetch(ctx, r.ID(), remote, id)
		}
		return r.backend.Fetch(ctx, remote, r.askFunc(id))
	})
}

// Push pushes branch to remote.
func (r *Repository) Push(branch, remote string, opts gitbackend.PushOptions, delegate askpass.Delegate) <-chan error {
	return r.networkOp("push", "pushing", delegate, func(ctx context.Context, id uint64) error {
		if r.mode == ModeRemote {
			return r.upstream.Push(ctx, r.ID(), branch, remote, opts, id)
		}
		return r.backend.Push(ctx, branch, remote, opts, r.askFunc(id))
	})
}

// Pull pulls branch from remote.
func (r *Repository) Pull(branch, remote string, rebase bool, delegate askpass.Delegate) <-chan error {
	return r.networkOp("pull", "pulling", delegate, func(ctx context.Context, id uint64) error {
		if r.mode == ModeRemote {
			return r.upstream.Pull(ctx, r.ID(), branch, remote, rebase, id)
		}
		return r.backend.Pull(ctx, branch, remote, rebase, r.askFunc(id))
	})
}

// askFunc routes local credential prompts through the registry so local and
// remote operations share one replayable delegate path.
func (r *Repository) askFunc(id uint64) gitbackend.AskPassFunc {
	if id == 0 {
		return nil
	}
	return func(ctx context.Context, prompt string) (string, error) {
		return r.askpass.Ask(ctx, id, prompt)
	}
}

// Remotes lists configured remotes.
func (r *Repository) Remotes() <-chan Reply[[]gitbackend.Remote] {
	return submit(r, nil, func(ctx context.Context) ([]gitbackend.Remote, error) {
		if r.mode == ModeRemote {
			v, err := r.upstream.Remotes(ctx, r.ID())
			return v, r.wrapOp("remotes", err)
		}
		v, err := r.backend.Remotes(ctx)
		return v, r.wrapOp("remotes", err)
	})
}

// Branches lists local branches.
func (r *Repository) Branches() <-chan Reply[[]gitbackend.Branch] {
	return submit(r, nil, func(ctx context.Context) ([]gitbackend.Branch, error) {
		if r.mode == ModeRemote {
			v, err := r.upstream.Branches(ctx, r.ID())
			return v, r.wrapOp("branches", err)
		}
		v, err := r.backend.Branches(ctx)
		return v, r.wrapOp("branches", err)
	})
}

// CreateBranch creates a branch at HEAD without switching.
func (r *Repository) CreateBranch(name string) <-chan error {
	return submitErr(r, nil, func(ctx context.Context) error {
		if r.mode == ModeRemote {
			return r.wrapOp("create branch", r.upstream.CreateBranch(ctx, r.ID(), name))
		}
		return r.wrapOp("create branch", r.backend.CreateBranch(ctx, name))
	})
}

// ChangeBranch checks out the named branch.
func (r *Repository) ChangeBranch(name string) <-chan error {
	return submitErr(r, nil, func(ctx context.Context) error {
		if r.mode == ModeRemote {
			return r.wrapOp("change branch", r.upstream.ChangeBranch(ctx, r.ID(), name))
		}
		return r.wrapOp("change branch", r.backend.ChangeBranch(ctx, name))
	})
}

// Diff returns a unified text diff for the whole repository.
func (r *Repository) Diff(typ gitbackend.DiffType) <-chan Reply[string] {
	return submit(r, nil, func(ctx context.Context) (string, error) {
		if r.mode == ModeRemote {
			v, err := r.upstream.Diff(ctx, r.ID(), typ)
			return v, r.wrapOp("diff", err)
		}
		v, err := r.backend.Diff(ctx, typ)
		return v, r.wrapOp("diff", err)
	})
}

// Reset resets HEAD to commit with the given mode.
func (r *Repository) Reset(commit string, mode gitbackend.ResetMode) <-chan error {
	return submitErr(r, nil, func(ctx context.Context) error {
		if r.mode == ModeRemote {
			return r.wrapOp("reset", r.upstream.Reset(ctx, r.ID(), commit, mode))
		}
		return r.wrapOp("reset", r.backend.Reset(ctx, commit, mode))
	})
}

// CheckoutFiles restores the given paths from commit.
func (r *Repository) CheckoutFiles(commit string, paths []string) <-chan error {
	return submitErr(r, nil, func(ctx context.Context) error {
		if r.mode == ModeRemote {
			return r.wrapOp("checkout files", r.upstream.CheckoutFiles(ctx, r.ID(), commit, paths))
		}
		return r.wrapOp("checkout files", r.backend.CheckoutFiles(ctx, commit, paths))
	})
}

// Show returns details for a single commit.
func (r *Repository) Show(commit string) <-chan Reply[*gitbackend.CommitDetails] {
	return submit(r, nil, func(ctx context.Context) (*gitbackend.CommitDetails, error) {
		if r.mode == ModeRemote {
			v, err := r.upstream.Show(ctx, r.ID(), commit)
			return v, r.wrapOp("show", err)
		}
		v, err := r.backend.Show(ctx, commit)
		return v, r.wrapOp("show", err)
	})
}

// CheckForPushedCommits lists remote branches containing HEAD.
func (r *Repository) CheckForPushedCommits() <-chan Reply[[]string] {
	return submit(r, nil, func(ctx context.Context) ([]string, error) {
		if r.mode == ModeRemote {
			v, err := r.upstream.CheckForPushedCommits(ctx, r.ID())
			return v, r.wrapOp("check pushed commits", err)
		}
		v, err := r.backend.CheckForPushedCommits(ctx)
		return v, r.wrapOp("check pushed commits", err)
	})
}

// commitMessageLanguage is the language hint attached to commit buffers for
// syntax highlighting.
const commitMessageLanguage = "git commit message"

// OpenCommitBuffer returns the repository's shared commit-message buffer,
// creating it on first call. Subsequent calls return the same buffer.
func (r *Repository) OpenCommitBuffer(ctx context.Context) (*bufstore.Buffer, error) {
	r.mu.Lock()
	if r.commitBuffer != 0 {
		id := r.commitBuffer
		r.mu.Unlock()
		return r.buffers.Get(id)
	}
	r.mu.Unlock()

	if r.mode == ModeRemote {
		if err := r.upstream.OpenCommitBuffer(ctx, r.ID()); err != nil {
			return nil, r.wrapOp("open commit buffer", err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.commitBuffer != 0 {
		return r.buffers.Get(r.commitBuffer)
	}
	buf := r.buffers.CreateEphemeral(commitMessageLanguage)
	r.commitBuffer = buf.ID()
	return buf, nil
}

// CloseJobs shuts down the repository's job queue, draining queued work.
func (r *Repository) CloseJobs() {
	r.jobs.Close()
}

// ApplyRemoteUpdate applies a replication message to a non-authoritative
// repository's snapshot via an ordered edit.
func (r *Repository) ApplyRemoteUpdate(u *RepositoryUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch u.Kind {
	case UpdateInitial:
		entries := append([]gitbackend.StatusEntry(nil), u.Updated...)
		sortStatuses(entries)
		r.snapshot.AbsPath = u.AbsPath
		r.snapshot.WorkDirectoryID = u.WorkDirectoryID
		r.snapshot.Branch = u.Branch
		r.snapshot.MergeMessage = u.MergeMessage
		r.snapshot.MergeConflicts = append([]string(nil), u.MergeConflicts...)
		r.snapshot.Statuses = entries
		r.snapshot.ScanID = u.ScanID
		r.snapshot.CompletedScanID = u.ScanID
		return nil
	case UpdateDelta:
		return applyUpdate(&r.snapshot, u)
	default:
		return fmt.Errorf("unexpected update kind %d for repository %d", u.Kind, u.ID)
	}
}
