// Package peer is the wire transport between synchronization nodes.
//
// Peers exchange JSON envelopes over a WebSocket. An envelope is either a
// notification (fire and forget), a request (carries an id the reply quotes)
// or a response. Both sides of a connection can issue requests: a viewer
// sends git operations up to the host, and the host sends credential
// prompts back down to the viewer mid-operation.
package peer

import "encoding/json"

// Message types carried in Envelope.Type.
const (
	// Notifications.
	TypeUpdateRepository = "update-repository"
	TypeUpdateDiffBases  = "update-diff-bases"

	// Requests, replied to with TypeResponse.
	TypeStage               = "stage"
	TypeUnstage             = "unstage"
	TypeSetIndexText        = "set-index-text"
	TypeCommit              = "commit"
	TypeFetch               = "fetch"
	TypePush                = "push"
	TypePull                = "pull"
	TypeRemotes             = "remotes"
	TypeBranches            = "branches"
	TypeCreateBranch        = "create-branch"
	TypeChangeBranch        = "change-branch"
	TypeDiff                = "diff"
	TypeReset               = "reset"
	TypeCheckoutFiles       = "checkout-files"
	TypeShow                = "show"
	TypeCheckPushed         = "check-pushed-commits"
	TypeOpenCommitBuffer    = "open-commit-buffer"
	TypeOpenUnstagedDiff    = "open-unstaged-diff"
	TypeOpenUncommittedDiff = "open-uncommitted-diff"
	TypeAskPass             = "ask-pass"

	TypeResponse = "response"
)

// Error codes carried in Envelope.ErrorCode so typed errors survive the
// wire.
const (
	CodeNotFound = "not-found"
	CodeAuth     = "auth-failed"
	CodeInternal = "internal"
)

// Envelope is the framing for every message.
type Envelope struct {
	// Type names the message.
	Type string `json:"type"`

	// ID correlates a request with its response; empty on notifications.
	ID string `json:"id,omitempty"`

	// ReplyTo quotes the request id this responds to.
	ReplyTo string `json:"reply_to,omitempty"`

	// Error carries a response failure; empty on success.
	Error string `json:"error,omitempty"`

	// ErrorCode classifies Error for typed handling on the far side.
	ErrorCode string `json:"error_code,omitempty"`

	// Payload is the message body, shaped by Type.
	Payload json.RawMessage `json:"payload,omitempty"`
}
