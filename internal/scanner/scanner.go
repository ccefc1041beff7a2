// Package scanner discovers git working directories under a workspace root
// and re-scans them when the filesystem changes.
//
// A Scanner walks the root once to find worktrees, watches their directories
// with fsnotify, and coalesces bursts of change events with a debounce timer.
// When the timer fires it runs git status against each dirty worktree and
// emits one ScanEvent per worktree on its output channel. Scan ids are
// monotonic across the scanner's lifetime so consumers can discard events
// that arrive out of order.
package scanner

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dshills/reposync/internal/gitbackend"
)

// ErrScannerClosed is returned by operations on a closed scanner.
var ErrScannerClosed = errors.New("scanner closed")

// DefaultDebounce is the settle window applied to filesystem event bursts.
const DefaultDebounce = 75 * time.Millisecond

// ScanEvent is the result of scanning one working directory.
type ScanEvent struct {
	// ScanID is monotonically increasing across all events from one scanner.
	ScanID uint64

	// WorkDirectoryID is the worktree's stable identity, its absolute root
	// path. It survives branch changes and status churn.
	WorkDirectoryID string

	// AbsPath equals WorkDirectoryID; kept separate so consumers that key
	// on identity need not assume it is a path.
	AbsPath string

	// Removed reports that the worktree no longer exists.
	Removed bool

	// Branch is the checked out branch, nil when HEAD is detached or unborn.
	Branch *gitbackend.Branch

	// MergeMessage is the pending merge description, if a merge is underway.
	MergeMessage string

	// MergeConflicts lists conflicted paths, sorted.
	MergeConflicts []string

	// Statuses lists changed entries sorted by path.
	Statuses []gitbackend.StatusEntry
}

// statusFn gathers a worktree's status; injectable for tests.
type statusFn func(ctx context.Context, path string) (*gitbackend.Status, error)

// Option configures a Scanner.
type Option func(*Scanner)

// WithDebounce overrides the settle window.
func WithDebounce(d time.Duration) Option {
	return func(s *Scanner) { s.debounce = d }
}

// WithLogger sets the scanner's logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Scanner) { s.log = log }
}

// WithStatusFunc overrides how worktree status is gathered, for tests.
func WithStatusFunc(fn statusFn) Option {
	return func(s *Scanner) { s.status = fn }
}

// Scanner watches a workspace root and emits scan events.
type Scanner struct {
	log      *slog.Logger
	root     string
	debounce time.Duration
	status   statusFn

	watcher *fsnotify.Watcher
	events  chan ScanEvent
	errs    chan error

	mu    sync.Mutex
	repos map[string]bool // worktree root -> known
	dirty map[string]bool

	scanID atomic.Uint64

	closed   bool
	closeCh  chan struct{}
	closedWg sync.WaitGroup
}

// New creates a scanner for the given workspace root. Call Start to discover
// worktrees and begin watching.
func New(root string, opts ...Option) (*Scanner, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	s := &Scanner{
		log:      slog.Default(),
		root:     absRoot,
		debounce: DefaultDebounce,
		watcher:  fsw,
		events:   make(chan ScanEvent, 100),
		errs:     make(chan error, 16),
		repos:    make(map[string]bool),
		dirty:    make(map[string]bool),
		closeCh:  make(chan struct{}),
	}
	s.status = func(ctx context.Context, path string) (*gitbackend.Status, error) {
		backend, err := gitbackend.Open(path, nil)
		if err != nil {
			return nil, err
		}
		return backend.Status(ctx)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Events returns the scan event channel. It is closed by Close.
func (s *Scanner) Events() <-chan ScanEvent {
	return s.events
}

// Errors returns the error channel.
func (s *Scanner) Errors() <-chan error {
	return s.errs
}

// Start discovers worktrees under the root, emits an initial scan for each,
// and begins watching for changes.
func (s *Scanner) Start(ctx context.Context) error {
	roots := s.discover(s.root)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrScannerClosed
	}
	for _, r := range roots {
		s.repos[r] = true
		s.dirty[r] = true
	}
	s.mu.Unlock()

	if err := s.watcher.Add(s.root); err != nil {
		return err
	}
	for _, r := range roots {
		s.watchTree(r)
	}

	s.flush(ctx)

	s.closedWg.Add(1)
	go s.processLoop(ctx)
	return nil
}

// Close stops watching and closes the event channel.
func (s *Scanner) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.closeCh)
	s.mu.Unlock()

	s.closedWg.Wait()
	close(s.events)
	close(s.errs)
	return s.watcher.Close()
}

// ScanAll marks every known worktree dirty and scans immediately.
func (s *Scanner) ScanAll(ctx context.Context) {
	s.mu.Lock()
	for r := range s.repos {
		s.dirty[r] = true
	}
	s.mu.Unlock()
	s.flush(ctx)
}

// discover walks dir collecting worktree directories. It does not descend
// into a worktree looking for nested repositories.
func (s *Scanner) discover(dir string) []string {
	var roots []string
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if d.Name() == ".git" {
			roots = append(roots, filepath.Dir(p))
			return filepath.SkipDir
		}
		if _, statErr := os.Stat(filepath.Join(p, ".git")); statErr == nil {
			roots = append(roots, p)
			return filepath.SkipDir
		}
		return nil
	})
	sort.Strings(roots)
	return roots
}

// adoptNewRoots walks a directory that appeared outside every known worktree
// and registers any repositories found inside it. When none exist yet, the
// directory tree is watched so a .git created there later is seen.
func (s *Scanner) adoptNewRoots(dir string) bool {
	adopted := false
	for _, root := range s.discover(dir) {
		s.mu.Lock()
		if s.repos[root] {
			s.mu.Unlock()
			continue
		}
		s.repos[root] = true
		s.dirty[root] = true
		s.mu.Unlock()
		s.watchTree(root)
		adopted = true
	}
	if !adopted {
		_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
			if err != nil || !d.IsDir() {
				return nil
			}
			_ = s.watcher.Add(p)
			return nil
		})
	}
	return adopted
}

// watchTree adds watches for a worktree's directories. The .git directory
// itself is watched (HEAD and index changes matter) but not its internals
// beyond the top level.
func (s *Scanner) watchTree(root string) {
	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if d.Name() == ".git" {
			_ = s.watcher.Add(p)
			return filepath.SkipDir
		}
		if addErr := s.watcher.Add(p); addErr != nil {
			s.sendError(addErr)
		}
		return nil
	})
}

// processLoop marks worktrees dirty as events arrive and flushes them after
// the debounce window settles.
func (s *Scanner) processLoop(ctx context.Context) {
	defer s.closedWg.Done()

	timer := time.NewTimer(s.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false

	for {
		select {
		case <-s.closeCh:
			return
		case <-ctx.Done():
			return

		case fsEvent, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if s.handleFSEvent(fsEvent) {
				if armed && !timer.Stop() {
					<-timer.C
				}
				timer.Reset(s.debounce)
				armed = true
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.sendError(err)

		case <-timer.C:
			armed = false
			s.flush(ctx)
		}
	}
}

// handleFSEvent attributes a filesystem event to a worktree and reports
// whether anything became dirty.
func (s *Scanner) handleFSEvent(ev fsnotify.Event) bool {
	path := ev.Name

	// A new directory may be a brand new repository or a subdirectory of
	// an existing worktree that needs watching.
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if filepath.Base(path) == ".git" {
				root := filepath.Dir(path)
				s.mu.Lock()
				if !s.repos[root] {
					s.repos[root] = true
					s.dirty[root] = true
					s.mu.Unlock()
					s.watchTree(root)
					return true
				}
				s.mu.Unlock()
			} else if s.owningRepo(path) != "" {
				_ = s.watcher.Add(path)
			} else if s.adoptNewRoots(path) {
				return true
			}
		}
	}

	root := s.owningRepo(path)
	if root == "" {
		return false
	}

	// Ignore churn inside .git except the files that change repository
	// state a scan would observe.
	if rel, err := filepath.Rel(filepath.Join(root, ".git"), path); err == nil && !strings.HasPrefix(rel, "..") {
		base := filepath.Base(path)
		switch base {
		case "HEAD", "index", "MERGE_HEAD", "MERGE_MSG", "FETCH_HEAD", "ORIG_HEAD":
		default:
			if !strings.HasPrefix(rel, "refs") {
				return false
			}
		}
	}

	s.mu.Lock()
	s.dirty[root] = true
	s.mu.Unlock()
	return true
}

// owningRepo returns the worktree root containing path, or "".
func (s *Scanner) owningRepo(path string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	best := ""
	for root := range s.repos {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			if len(root) > len(best) {
				best = root
			}
		}
	}
	return best
}

// flush scans every dirty worktree and emits the results.
func (s *Scanner) flush(ctx context.Context) {
	s.mu.Lock()
	var targets []string
	for root := range s.dirty {
		targets = append(targets, root)
	}
	s.dirty = make(map[string]bool)
	s.mu.Unlock()
	sort.Strings(targets)

	for _, root := range targets {
		s.scanOne(ctx, root)
	}
}

// scanOne runs status for one worktree and emits a ScanEvent. A worktree
// that disappeared emits a removal event and is forgotten.
func (s *Scanner) scanOne(ctx context.Context, root string) {
	if _, err := os.Stat(filepath.Join(root, ".git")); err != nil {
		s.mu.Lock()
		delete(s.repos, root)
		s.mu.Unlock()
		s.sendEvent(ScanEvent{
			ScanID:          s.scanID.Add(1),
			WorkDirectoryID: root,
			AbsPath:         root,
			Removed:         true,
		})
		return
	}

	status, err := s.status(ctx, root)
	if err != nil {
		s.log.Warn("worktree scan failed", "path", root, "error", err)
		s.sendError(err)
		return
	}

	s.sendEvent(ScanEvent{
		ScanID:          s.scanID.Add(1),
		WorkDirectoryID: root,
		AbsPath:         root,
		Branch:          status.Branch,
		MergeMessage:    status.MergeMessage,
		MergeConflicts:  status.MergeConflicts,
		Statuses:        status.Entries,
	})
}

func (s *Scanner) sendEvent(ev ScanEvent) {
	select {
	case s.events <- ev:
	case <-s.closeCh:
	}
}

func (s *Scanner) sendError(err error) {
	select {
	case s.errs <- err:
	default:
	}
}
