package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/dshills/reposync/internal/bufstore"
	"github.com/dshills/reposync/internal/gitbackend"
	"github.com/dshills/reposync/internal/gitstore"
)

// Client is the viewer side of a peer link. It dials the host, applies the
// host's replication stream to the local store, answers the host's
// credential prompts, and implements gitstore.Upstream so local repository
// operations delegate to the host.
//
// Construction order matters because the store and client reference each
// other: create the client, pass it to gitstore.NewStore via WithUpstream,
// then Bind the store and Connect.
type Client struct {
	url string
	log *slog.Logger

	mu    sync.Mutex
	store *gitstore.Store
	conn  *Conn
}

// NewClient creates a client for the given host URL (ws://host:port/sync).
func NewClient(url string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{url: url, log: log}
}

// Bind attaches the local store inbound messages apply to.
func (c *Client) Bind(store *gitstore.Store) {
	c.mu.Lock()
	c.store = store
	c.mu.Unlock()
}

// Connect dials the host and starts serving the connection in the
// background. Done reports when it drops.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	store := c.store
	c.mu.Unlock()
	if store == nil {
		return fmt.Errorf("peer client connected before Bind")
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial upstream %s: %w", c.url, err)
	}

	conn := newConn(ws, c.buildRouter(store), c.log)
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go conn.serve(ctx)
	c.log.Info("connected to upstream", "url", c.url)
	return nil
}

// Done is closed when the current connection drops; nil before Connect.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.Done()
}

// Close tears down the connection.
func (c *Client) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (c *Client) current() (*Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, ErrConnClosed
	}
	return c.conn, nil
}

// buildRouter registers the messages a viewer receives from its host.
func (c *Client) buildRouter(store *gitstore.Store) *Router {
	router := NewRouter()

	router.Register(TypeUpdateRepository, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var u gitstore.RepositoryUpdate
		if err := json.Unmarshal(raw, &u); err != nil {
			return nil, err
		}
		store.ApplyRemoteUpdate(u)
		return nil, nil
	})

	router.Register(TypeUpdateDiffBases, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var m gitstore.DiffBasesMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		store.ApplyDiffBases(m)
		return nil, nil
	})

	// The host asks us for credentials mid-operation; the askpass id in
	// the request is one we allocated before issuing the operation.
	router.Register(TypeAskPass, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req askPassRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		answer, err := store.AskPass(ctx, req.AskPassID, req.Prompt)
		if err != nil {
			return nil, err
		}
		return askPassResponse{Answer: answer}, nil
	})

	return router
}

// request issues one RPC to the host.
func (c *Client) request(ctx context.Context, msgType string, payload, out any) error {
	conn, err := c.current()
	if err != nil {
		return err
	}
	return conn.RequestInto(ctx, msgType, payload, out)
}

// StageEntries implements gitstore.Upstream.
func (c *Client) StageEntries(ctx context.Context, id gitstore.RepositoryID, paths []string) error {
	return c.request(ctx, TypeStage, pathsRequest{RepositoryID: id, Paths: paths}, nil)
}

// UnstageEntries implements gitstore.Upstream.
func (c *Client) UnstageEntries(ctx context.Context, id gitstore.RepositoryID, paths []string) error {
	return c.request(ctx, TypeUnstage, pathsRequest{RepositoryID: id, Paths: paths}, nil)
}

// SetIndexText implements gitstore.Upstream.
func (c *Client) SetIndexText(ctx context.Context, id gitstore.RepositoryID, path string, content *string) error {
	return c.request(ctx, TypeSetIndexText, setIndexTextRequest{RepositoryID: id, Path: path, Content: content}, nil)
}

// Commit implements gitstore.Upstream.
func (c *Client) Commit(ctx context.Context, id gitstore.RepositoryID, message string, opts gitbackend.CommitOptions) error {
	return c.request(ctx, TypeCommit, commitRequest{RepositoryID: id, Message: message, Options: opts}, nil)
}

// Fetch implements gitstore.Upstream.
func (c *Client) Fetch(ctx context.Context, id gitstore.RepositoryID, remote string, askpassID uint64) error {
	return c.request(ctx, TypeFetch, networkRequest{RepositoryID: id, Remote: remote, AskPassID: askpassID}, nil)
}

// Push implements gitstore.Upstream.
func (c *Client) Push(ctx context.Context, id gitstore.RepositoryID, branch, remote string, opts gitbackend.PushOptions, askpassID uint64) error {
	return c.request(ctx, TypePush, networkRequest{
		RepositoryID: id,
		Branch:       branch,
		Remote:       remote,
		PushOptions:  opts,
		AskPassID:    askpassID,
	}, nil)
}

// Pull implements gitstore.Upstream.
func (c *Client) Pull(ctx context.Context, id gitstore.RepositoryID, branch, remote string, rebase bool, askpassID uint64) error {
	return c.request(ctx, TypePull, networkRequest{
		RepositoryID: id,
		Branch:       branch,
		Remote:       remote,
		Rebase:       rebase,
		AskPassID:    askpassID,
	}, nil)
}

// Remotes implements gitstore.Upstream.
func (c *Client) Remotes(ctx context.Context, id gitstore.RepositoryID) ([]gitbackend.Remote, error) {
	var resp remotesResponse
	err := c.request(ctx, TypeRemotes, repositoryRequest{RepositoryID: id}, &resp)
	return resp.Remotes, err
}

// Branches implements gitstore.Upstream.
func (c *Client) Branches(ctx context.Context, id gitstore.RepositoryID) ([]gitbackend.Branch, error) {
	var resp branchesResponse
	err := c.request(ctx, TypeBranches, repositoryRequest{RepositoryID: id}, &resp)
	return resp.Branches, err
}

// CreateBranch implements gitstore.Upstream.
func (c *Client) CreateBranch(ctx context.Context, id gitstore.RepositoryID, name string) error {
	return c.request(ctx, TypeCreateBranch, branchRequest{RepositoryID: id, Name: name}, nil)
}

// ChangeBranch implements gitstore.Upstream.
func (c *Client) ChangeBranch(ctx context.Context, id gitstore.RepositoryID, name string) error {
	return c.request(ctx, TypeChangeBranch, branchRequest{RepositoryID: id, Name: name}, nil)
}

// Diff implements gitstore.Upstream.
func (c *Client) Diff(ctx context.Context, id gitstore.RepositoryID, typ gitbackend.DiffType) (string, error) {
	var resp diffResponse
	err := c.request(ctx, TypeDiff, diffRequest{RepositoryID: id, DiffType: typ}, &resp)
	return resp.Diff, err
}

// Reset implements gitstore.Upstream.
func (c *Client) Reset(ctx context.Context, id gitstore.RepositoryID, commit string, mode gitbackend.ResetMode) error {
	return c.request(ctx, TypeReset, resetRequest{RepositoryID: id, Commit: commit, Mode: mode}, nil)
}

// CheckoutFiles implements gitstore.Upstream.
func (c *Client) CheckoutFiles(ctx context.Context, id gitstore.RepositoryID, commit string, paths []string) error {
	return c.request(ctx, TypeCheckoutFiles, pathsRequest{RepositoryID: id, Commit: commit, Paths: paths}, nil)
}

// Show implements gitstore.Upstream.
func (c *Client) Show(ctx context.Context, id gitstore.RepositoryID, commit string) (*gitbackend.CommitDetails, error) {
	var resp showResponse
	err := c.request(ctx, TypeShow, showRequest{RepositoryID: id, Commit: commit}, &resp)
	return resp.Commit, err
}

// CheckForPushedCommits implements gitstore.Upstream.
func (c *Client) CheckForPushedCommits(ctx context.Context, id gitstore.RepositoryID) ([]string, error) {
	var resp checkPushedResponse
	err := c.request(ctx, TypeCheckPushed, repositoryRequest{RepositoryID: id}, &resp)
	return resp.Branches, err
}

// OpenCommitBuffer implements gitstore.Upstream.
func (c *Client) OpenCommitBuffer(ctx context.Context, id gitstore.RepositoryID) error {
	return c.request(ctx, TypeOpenCommitBuffer, repositoryRequest{RepositoryID: id}, nil)
}

// OpenUnstagedDiff implements gitstore.Upstream.
func (c *Client) OpenUnstagedDiff(ctx context.Context, bufferID bufstore.BufferID) (*string, error) {
	var resp unstagedDiffResponse
	err := c.request(ctx, TypeOpenUnstagedDiff, bufferRequest{BufferID: bufferID}, &resp)
	return resp.IndexText, err
}

// OpenUncommittedDiff implements gitstore.Upstream.
func (c *Client) OpenUncommittedDiff(ctx context.Context, bufferID bufstore.BufferID) (gitstore.DiffBasesMessage, error) {
	var resp gitstore.DiffBasesMessage
	err := c.request(ctx, TypeOpenUncommittedDiff, bufferRequest{BufferID: bufferID}, &resp)
	return resp, err
}

// Interface conformance.
var _ gitstore.Upstream = (*Client)(nil)
var _ gitstore.Downstream = (*Server)(nil)
