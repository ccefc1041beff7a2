package gitstore

import (
	"context"

	"github.com/dshills/reposync/internal/bufstore"
	"github.com/dshills/reposync/internal/diffstate"
	"github.com/dshills/reposync/internal/gitbackend"
)

// DiffBasesMessage synchronizes a buffer's diff base texts to a peer.
type DiffBasesMessage struct {
	BufferID  bufstore.BufferID   `json:"buffer_id"`
	Mode      diffstate.BasesMode `json:"mode"`
	IndexText *string             `json:"index_text,omitempty"`
	HeadText  *string             `json:"head_text,omitempty"`
}

// Upstream is the authoritative peer a non-authoritative node delegates git
// operations to. Implementations live in the transport layer; the store
// only needs the verbs. Network verbs carry the askpass id the executing
// side uses to route credential prompts back here.
type Upstream interface {
	StageEntries(ctx context.Context, id RepositoryID, paths []string) error
	UnstageEntries(ctx context.Context, id RepositoryID, paths []string) error
	SetIndexText(ctx context.Context, id RepositoryID, path string, content *string) error
	Commit(ctx context.Context, id RepositoryID, message string, opts gitbackend.CommitOptions) error

	Fetch(ctx context.Context, id RepositoryID, remote string, askpassID uint64) error
	Push(ctx context.Context, id RepositoryID, branch, remote string, opts gitbackend.PushOptions, askpassID uint64) error
	Pull(ctx context.Context, id RepositoryID, branch, remote string, rebase bool, askpassID uint64) error

	Remotes(ctx context.Context, id RepositoryID) ([]gitbackend.Remote, error)
	Branches(ctx context.Context, id RepositoryID) ([]gitbackend.Branch, error)
	CreateBranch(ctx context.Context, id RepositoryID, name string) error
	ChangeBranch(ctx context.Context, id RepositoryID, name string) error
	Diff(ctx context.Context, id RepositoryID, typ gitbackend.DiffType) (string, error)
	Reset(ctx context.Context, id RepositoryID, commit string, mode gitbackend.ResetMode) error
	CheckoutFiles(ctx context.Context, id RepositoryID, commit string, paths []string) error
	Show(ctx context.Context, id RepositoryID, commit string) (*gitbackend.CommitDetails, error)
	CheckForPushedCommits(ctx context.Context, id RepositoryID) ([]string, error)

	OpenCommitBuffer(ctx context.Context, id RepositoryID) error
	OpenUnstagedDiff(ctx context.Context, bufferID bufstore.BufferID) (*string, error)
	OpenUncommittedDiff(ctx context.Context, bufferID bufstore.BufferID) (DiffBasesMessage, error)
}

// Downstream is the peer this node replicates snapshot and diff-base
// changes to. Send failures are logged by the store, not propagated; the
// peer self-heals on the next full reconciliation.
type Downstream interface {
	SendUpdate(u RepositoryUpdate) error
	SendDiffBases(m DiffBasesMessage) error
}
