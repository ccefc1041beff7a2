package peer

import (
	"github.com/dshills/reposync/internal/bufstore"
	"github.com/dshills/reposync/internal/gitbackend"
	"github.com/dshills/reposync/internal/gitstore"
)

// pathsRequest covers stage, unstage and checkout-files.
type pathsRequest struct {
	RepositoryID gitstore.RepositoryID `json:"repository_id"`
	Commit       string                `json:"commit,omitempty"`
	Paths        []string              `json:"paths"`
}

type setIndexTextRequest struct {
	RepositoryID gitstore.RepositoryID `json:"repository_id"`
	Path         string                `json:"path"`
	Content      *string               `json:"content"`
}

type commitRequest struct {
	RepositoryID gitstore.RepositoryID    `json:"repository_id"`
	Message      string                   `json:"message"`
	Options      gitbackend.CommitOptions `json:"options"`
}

// networkRequest covers fetch, push and pull. Unused fields are zero.
type networkRequest struct {
	RepositoryID gitstore.RepositoryID  `json:"repository_id"`
	Remote       string                 `json:"remote"`
	Branch       string                 `json:"branch,omitempty"`
	Rebase       bool                   `json:"rebase,omitempty"`
	PushOptions  gitbackend.PushOptions `json:"push_options,omitempty"`
	AskPassID    uint64                 `json:"askpass_id,omitempty"`
}

// repositoryRequest covers parameterless per-repository queries.
type repositoryRequest struct {
	RepositoryID gitstore.RepositoryID `json:"repository_id"`
}

type branchRequest struct {
	RepositoryID gitstore.RepositoryID `json:"repository_id"`
	Name         string                `json:"name"`
}

type diffRequest struct {
	RepositoryID gitstore.RepositoryID `json:"repository_id"`
	DiffType     gitbackend.DiffType   `json:"diff_type"`
}

type resetRequest struct {
	RepositoryID gitstore.RepositoryID `json:"repository_id"`
	Commit       string                `json:"commit"`
	Mode         gitbackend.ResetMode  `json:"mode"`
}

type showRequest struct {
	RepositoryID gitstore.RepositoryID `json:"repository_id"`
	Commit       string                `json:"commit"`
}

type bufferRequest struct {
	BufferID bufstore.BufferID `json:"buffer_id"`
}

type askPassRequest struct {
	RepositoryID gitstore.RepositoryID `json:"repository_id"`
	AskPassID    uint64                `json:"askpass_id"`
	Prompt       string                `json:"prompt"`
}

type askPassResponse struct {
	Answer string `json:"answer"`
}

type remotesResponse struct {
	Remotes []gitbackend.Remote `json:"remotes"`
}

type branchesResponse struct {
	Branches []gitbackend.Branch `json:"branches"`
}

type diffResponse struct {
	Diff string `json:"diff"`
}

type showResponse struct {
	Commit *gitbackend.CommitDetails `json:"commit"`
}

type checkPushedResponse struct {
	Branches []string `json:"branches"`
}

type unstagedDiffResponse struct {
	IndexText *string `json:"index_text"`
}
