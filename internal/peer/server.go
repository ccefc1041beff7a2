package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dshills/reposync/internal/askpass"
	"github.com/dshills/reposync/internal/gitstore"
)

// wsUpgrader is shared across connection upgrades; it is stateless.
var wsUpgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 64 * 1024,
}

// Server is the host side of a peer link. It serves one downstream viewer
// at a time; a new connection replaces the old one, which covers viewer
// restarts without explicit session teardown. Server implements
// gitstore.Downstream.
type Server struct {
	store *gitstore.Store
	log   *slog.Logger
	addr  string

	listener net.Listener
	server   *http.Server
	url      string

	mu   sync.Mutex
	conn *Conn

	closeOnce sync.Once
}

// NewServer creates a server listening on addr for one downstream peer.
// Attach it to the store with gitstore.WithDownstream before starting.
func NewServer(store *gitstore.Store, addr string, log *slog.Logger) *Server {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{store: store, addr: addr, log: log}
}

// URL returns the WebSocket URL peers dial, set after Start.
func (s *Server) URL() string {
	return s.url
}

// Start begins listening and serving peer connections.
func (s *Server) Start(ctx context.Context) error {
	if s.server != nil {
		return fmt.Errorf("peer server already started")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("peer server listen: %w", err)
	}
	s.listener = ln
	s.url = fmt.Sprintf("ws://%s/sync", ln.Addr())

	mux := http.NewServeMux()
	mux.HandleFunc("/sync", func(w http.ResponseWriter, r *http.Request) {
		s.handleSync(ctx, w, r)
	})
	s.server = &http.Server{
		Handler: mux,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("peer server error", "error", err)
		}
	}()
	s.log.Info("peer server started", "url", s.url)
	return nil
}

// Stop shuts the server down. Idempotent.
func (s *Server) Stop() error {
	var stopErr error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}

		if s.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.server.Shutdown(ctx); err != nil {
				stopErr = fmt.Errorf("peer server shutdown: %w", err)
			}
		}
	})
	return stopErr
}

// handleSync upgrades a viewer connection and replays full state to it.
func (s *Server) handleSync(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("peer upgrade failed", "error", err)
		return
	}

	conn := newConn(ws, s.buildRouter(), s.log)

	s.mu.Lock()
	old := s.conn
	s.conn = conn
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	s.log.Info("downstream peer connected", "remote", ws.RemoteAddr())

	// The new peer has seen nothing; replay every repository from scratch.
	s.store.ResendAll()

	conn.serve(ctx)

	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	s.log.Info("downstream peer disconnected")
}

// SendUpdate implements gitstore.Downstream.
func (s *Server) SendUpdate(u gitstore.RepositoryUpdate) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("no downstream peer connected")
	}
	return conn.Notify(TypeUpdateRepository, u)
}

// SendDiffBases implements gitstore.Downstream.
func (s *Server) SendDiffBases(m gitstore.DiffBasesMessage) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("no downstream peer connected")
	}
	return conn.Notify(TypeUpdateDiffBases, m)
}

// forwardingDelegate routes a credential prompt back to the downstream
// viewer that initiated the operation, quoting its askpass id.
func (s *Server) forwardingDelegate(repoID gitstore.RepositoryID, askpassID uint64) askpass.Delegate {
	if askpassID == 0 {
		return nil
	}
	return askpass.DelegateFunc(func(ctx context.Context, prompt string) (string, error) {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return "", fmt.Errorf("credential prompt with no downstream peer: %w", askpass.ErrNoDelegate)
		}
		var resp askPassResponse
		err := conn.RequestInto(ctx, TypeAskPass, askPassRequest{
			RepositoryID: repoID,
			AskPassID:    askpassID,
			Prompt:       prompt,
		}, &resp)
		if err != nil {
			return "", err
		}
		return resp.Answer, nil
	})
}

// buildRouter registers every operation the host serves to its viewer.
func (s *Server) buildRouter() *Router {
	router := NewRouter()

	router.Register(TypeStage, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req pathsRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		repo, err := s.store.Repository(req.RepositoryID)
		if err != nil {
			return nil, err
		}
		return nil, await(ctx, repo.StageEntries(req.Paths))
	})

	router.Register(TypeUnstage, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req pathsRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		repo, err := s.store.Repository(req.RepositoryID)
		if err != nil {
			return nil, err
		}
		return nil, await(ctx, repo.UnstageEntries(req.Paths))
	})

	router.Register(TypeSetIndexText, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req setIndexTextRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		repo, err := s.store.Repository(req.RepositoryID)
		if err != nil {
			return nil, err
		}
		return nil, await(ctx, repo.SetIndexText(req.Path, req.Content))
	})

	router.Register(TypeCommit, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req commitRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		repo, err := s.store.Repository(req.RepositoryID)
		if err != nil {
			return nil, err
		}
		return nil, await(ctx, repo.Commit(req.Message, req.Options))
	})

	router.Register(TypeFetch, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req networkRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		repo, err := s.store.Repository(req.RepositoryID)
		if err != nil {
			return nil, err
		}
		delegate := s.forwardingDelegate(req.RepositoryID, req.AskPassID)
		return nil, await(ctx, repo.Fetch(req.Remote, delegate))
	})

	router.Register(TypePush, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req networkRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		repo, err := s.store.Repository(req.RepositoryID)
		if err != nil {
			return nil, err
		}
		delegate := s.forwardingDelegate(req.RepositoryID, req.AskPassID)
		return nil, await(ctx, repo.Push(req.Branch, req.Remote, req.PushOptions, delegate))
	})

	router.Register(TypePull, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req networkRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		repo, err := s.store.Repository(req.RepositoryID)
		if err != nil {
			return nil, err
		}
		delegate := s.forwardingDelegate(req.RepositoryID, req.AskPassID)
		return nil, await(ctx, repo.Pull(req.Branch, req.Remote, req.Rebase, delegate))
	})

	router.Register(TypeRemotes, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req repositoryRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		repo, err := s.store.Repository(req.RepositoryID)
		if err != nil {
			return nil, err
		}
		res, err := awaitReply(ctx, repo.Remotes())
		if err != nil {
			return nil, err
		}
		return remotesResponse{Remotes: res}, nil
	})

	router.Register(TypeBranches, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req repositoryRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		repo, err := s.store.Repository(req.RepositoryID)
		if err != nil {
			return nil, err
		}
		res, err := awaitReply(ctx, repo.Branches())
		if err != nil {
			return nil, err
		}
		return branchesResponse{Branches: res}, nil
	})

	router.Register(TypeCreateBranch, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req branchRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		repo, err := s.store.Repository(req.RepositoryID)
		if err != nil {
			return nil, err
		}
		return nil, await(ctx, repo.CreateBranch(req.Name))
	})

	router.Register(TypeChangeBranch, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req branchRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		repo, err := s.store.Repository(req.RepositoryID)
		if err != nil {
			return nil, err
		}
		return nil, await(ctx, repo.ChangeBranch(req.Name))
	})

	router.Register(TypeDiff, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req diffRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		repo, err := s.store.Repository(req.RepositoryID)
		if err != nil {
			return nil, err
		}
		res, err := awaitReply(ctx, repo.Diff(req.DiffType))
		if err != nil {
			return nil, err
		}
		return diffResponse{Diff: res}, nil
	})

	router.Register(TypeReset, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req resetRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		repo, err := s.store.Repository(req.RepositoryID)
		if err != nil {
			return nil, err
		}
		return nil, await(ctx, repo.Reset(req.Commit, req.Mode))
	})

	router.Register(TypeCheckoutFiles, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req pathsRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		repo, err := s.store.Repository(req.RepositoryID)
		if err != nil {
			return nil, err
		}
		return nil, await(ctx, repo.CheckoutFiles(req.Commit, req.Paths))
	})

	router.Register(TypeShow, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req showRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		repo, err := s.store.Repository(req.RepositoryID)
		if err != nil {
			return nil, err
		}
		res, err := awaitReply(ctx, repo.Show(req.Commit))
		if err != nil {
			return nil, err
		}
		return showResponse{Commit: res}, nil
	})

	router.Register(TypeCheckPushed, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req repositoryRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		repo, err := s.store.Repository(req.RepositoryID)
		if err != nil {
			return nil, err
		}
		res, err := awaitReply(ctx, repo.CheckForPushedCommits())
		if err != nil {
			return nil, err
		}
		return checkPushedResponse{Branches: res}, nil
	})

	router.Register(TypeOpenCommitBuffer, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req repositoryRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		repo, err := s.store.Repository(req.RepositoryID)
		if err != nil {
			return nil, err
		}
		_, err = repo.OpenCommitBuffer(ctx)
		return nil, err
	})

	router.Register(TypeOpenUnstagedDiff, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req bufferRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		bases, err := s.store.DiffBasesForBuffer(ctx, req.BufferID)
		if err != nil {
			return nil, err
		}
		return unstagedDiffResponse{IndexText: bases.IndexText}, nil
	})

	router.Register(TypeOpenUncommittedDiff, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req bufferRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		bases, err := s.store.DiffBasesForBuffer(ctx, req.BufferID)
		if err != nil {
			return nil, err
		}
		return bases, nil
	})

	return router
}

// await blocks on an operation's result channel or the request context.
func await(ctx context.Context, ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// awaitReply blocks on a valued result channel or the request context.
func awaitReply[T any](ctx context.Context, ch <-chan gitstore.Reply[T]) (T, error) {
	select {
	case res := <-ch:
		return res.Value, res.Err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
