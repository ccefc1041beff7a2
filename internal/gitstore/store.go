package gitstore

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/dshills/reposync/internal/askpass"
	"github.com/dshills/reposync/internal/bufstore"
	"github.com/dshills/reposync/internal/gitbackend"
	"github.com/dshills/reposync/internal/gitstore/jobqueue"
	"github.com/dshills/reposync/internal/scanner"
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithEventPublisher sets where store notifications go.
func WithEventPublisher(events EventPublisher) Option {
	return func(s *Store) { s.events = events }
}

// WithBuffers attaches the open-buffer store used for save-before-stage and
// commit message buffers.
func WithBuffers(buffers *bufstore.Store) Option {
	return func(s *Store) { s.buffers = buffers }
}

// WithDownstream attaches the peer snapshot changes replicate to.
func WithDownstream(d Downstream) Option {
	return func(s *Store) { s.downstream = d }
}

// WithUpstream attaches the authoritative peer operations delegate to.
// A store with an upstream and no backend opener holds no authoritative
// repositories; a store with both is a relay.
func WithUpstream(u Upstream) Option {
	return func(s *Store) { s.upstream = u }
}

// WithGitEnv sets extra environment entries (KEY=VALUE) passed to every
// local git invocation, resolved once at store construction.
func WithGitEnv(env []string) Option {
	return func(s *Store) { s.gitEnv = env }
}

// WithBackendOpener overrides how local plumbing backends are opened, for
// tests.
func WithBackendOpener(open func(path string, env []string) (gitbackend.Backend, error)) Option {
	return func(s *Store) { s.openBackend = open }
}

// Store owns the set of repositories discovered in a workspace.
type Store struct {
	ctx context.Context

	log     *slog.Logger
	events  EventPublisher
	buffers *bufstore.Store
	askpass *askpass.Registry

	openBackend func(path string, env []string) (gitbackend.Backend, error)
	upstream    Upstream
	downstream  Downstream
	gitEnv      []string

	mu        sync.Mutex
	repos     map[RepositoryID]*Repository
	byWorkDir map[string]RepositoryID
	nextID    RepositoryID
	active    RepositoryID

	// lastSent tracks, per repository, the snapshot most recently
	// replicated downstream, the baseline the next delta builds on.
	lastSent map[RepositoryID]RepositorySnapshot

	diffs *diffRegistry

	closed bool
}

// NewStore creates a store. ctx bounds the lifetime of every job queue and
// background task it spawns.
func NewStore(ctx context.Context, opts ...Option) *Store {
	s := &Store{
		ctx:       ctx,
		log:       slog.Default(),
		events:    nopPublisher{},
		buffers:   bufstore.NewStore(),
		askpass:   askpass.NewRegistry(),
		repos:     make(map[RepositoryID]*Repository),
		byWorkDir: make(map[string]RepositoryID),
		lastSent:  make(map[RepositoryID]RepositorySnapshot),
	}
	s.openBackend = func(path string, env []string) (gitbackend.Backend, error) {
		return gitbackend.Open(path, env)
	}
	for _, opt := range opts {
		opt(s)
	}
	s.diffs = newDiffRegistry(s)
	return s
}

// Buffers returns the store's open-buffer store.
func (s *Store) Buffers() *bufstore.Store {
	return s.buffers
}

// AskPass routes a credential prompt to the delegate registered under id.
// It is called by the transport layer when an AskPassRequest arrives from
// the peer executing a network operation on our behalf.
func (s *Store) AskPass(ctx context.Context, id uint64, prompt string) (string, error) {
	return s.askpass.Ask(ctx, id, prompt)
}

// Repository returns the repository with the given id.
func (s *Store) Repository(id RepositoryID) (*Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	repo, ok := s.repos[id]
	if !ok {
		return nil, ErrRepositoryNotFound
	}
	return repo, nil
}

// RepositoryByWorkDir returns the repository for a work directory id.
// Discovery may not have caught up; ErrRepositoryNotFound is retryable.
func (s *Store) RepositoryByWorkDir(workDirID string) (*Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byWorkDir[workDirID]
	if !ok {
		return nil, ErrRepositoryNotFound
	}
	return s.repos[id], nil
}

// Repositories returns all repositories, ordered by id.
func (s *Store) Repositories() []*Repository {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Repository, 0, len(s.repos))
	for _, repo := range s.repos {
		out = append(out, repo)
	}
	slices.SortFunc(out, func(a, b *Repository) int {
		return int(a.snapshot.ID) - int(b.snapshot.ID)
	})
	return out
}

// ActiveRepository returns the in-focus repository, nil when none.
func (s *Store) ActiveRepository() *Repository {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == 0 {
		return nil
	}
	return s.repos[s.active]
}

// SetActiveRepository re-focuses on the given repository.
func (s *Store) SetActiveRepository(id RepositoryID) error {
	s.mu.Lock()
	if _, ok := s.repos[id]; !ok {
		s.mu.Unlock()
		return ErrRepositoryNotFound
	}
	changed := s.active != id
	s.active = id
	s.mu.Unlock()
	if changed {
		s.events.Publish(Event{Kind: EventActiveRepositoryChanged, RepositoryID: id})
	}
	return nil
}

// Reconcile updates the repository set against a complete scanner pass.
// Matched repositories keep their identity and are updated in place; new
// work directories get fresh ids and local backends; previously tracked
// repositories absent from this pass are removed.
func (s *Store) Reconcile(events []scanner.ScanEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	matched := make(map[RepositoryID]bool, len(events))
	var updated []*Repository
	for i := range events {
		ev := &events[i]
		if ev.Removed {
			continue
		}
		repo := s.upsertLocked(ev)
		if repo == nil {
			continue
		}
		matched[repo.ID()] = true
		updated = append(updated, repo)
	}

	var removed []RepositoryID
	for id := range s.repos {
		if !matched[id] {
			removed = append(removed, id)
		}
	}
	s.mu.Unlock()

	for _, repo := range updated {
		s.broadcast(repo)
	}
	for _, id := range removed {
		s.removeRepository(id)
	}
	s.fixActive()
	s.diffs.RefreshAll()
}

// ApplyScanEvent applies one incremental scanner event without treating it
// as a full pass.
func (s *Store) ApplyScanEvent(ev scanner.ScanEvent) {
	if ev.Removed {
		s.mu.Lock()
		id, ok := s.byWorkDir[ev.WorkDirectoryID]
		s.mu.Unlock()
		if ok {
			s.removeRepository(id)
			s.fixActive()
		}
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	repo := s.upsertLocked(&ev)
	s.mu.Unlock()
	if repo == nil {
		return
	}

	s.broadcast(repo)
	s.fixActive()
	s.diffs.RefreshRepository(repo)
}

// upsertLocked updates an existing repository's snapshot in place or
// creates a new local-mode repository. A work directory whose backend cannot
// be opened is not tracked; it returns nil and the next scan retries.
// Caller must hold s.mu.
func (s *Store) upsertLocked(ev *scanner.ScanEvent) *Repository {
	statuses := append([]gitbackend.StatusEntry(nil), ev.Statuses...)
	sortStatuses(statuses)
	conflicts := append([]string(nil), ev.MergeConflicts...)
	slices.Sort(conflicts)

	if id, ok := s.byWorkDir[ev.WorkDirectoryID]; ok {
		repo := s.repos[id]
		repo.mu.Lock()
		// Stale scans can arrive out of order; newer state never yields
		// to an older scan id.
		if ev.ScanID < repo.snapshot.ScanID {
			repo.mu.Unlock()
			return repo
		}
		repo.snapshot.Branch = ev.Branch
		repo.snapshot.MergeMessage = ev.MergeMessage
		repo.snapshot.MergeConflicts = conflicts
		repo.snapshot.Statuses = statuses
		repo.snapshot.ScanID = ev.ScanID
		repo.snapshot.CompletedScanID = ev.ScanID
		repo.mu.Unlock()
		return repo
	}

	backend, err := s.openBackend(ev.AbsPath, s.gitEnv)
	if err != nil {
		s.log.Error("open git backend failed", "path", ev.AbsPath, "error", err)
		return nil
	}

	s.nextID++
	repo := &Repository{
		snapshot: RepositorySnapshot{
			ID:              s.nextID,
			WorkDirectoryID: ev.WorkDirectoryID,
			AbsPath:         ev.AbsPath,
			Branch:          ev.Branch,
			MergeMessage:    ev.MergeMessage,
			MergeConflicts:  conflicts,
			Statuses:        statuses,
			ScanID:          ev.ScanID,
			CompletedScanID: ev.ScanID,
		},
		mode:    ModeLocal,
		backend: backend,
		jobs:    jobqueue.New(s.ctx),
		askpass: s.askpass,
		buffers: s.buffers,
		events:  s.events,
		log:     s.log,
	}

	s.repos[repo.snapshot.ID] = repo
	s.byWorkDir[ev.WorkDirectoryID] = repo.snapshot.ID
	s.watchJobs(repo)
	s.events.Publish(Event{Kind: EventRepositoryAdded, RepositoryID: repo.snapshot.ID})
	return repo
}

// watchJobs surfaces the repository's running-job status through the event
// stream.
func (s *Store) watchJobs(repo *Repository) {
	id := repo.snapshot.ID
	repo.jobs.SetStatusNotify(func() {
		s.events.Publish(Event{Kind: EventJobsChanged, RepositoryID: id})
	})
}

// JobStatus describes one repository's running job.
type JobStatus struct {
	RepositoryID RepositoryID
	Status       string
}

// RunningJobs lists the repositories currently executing a job that carries
// a status string, ordered by repository id.
func (s *Store) RunningJobs() []JobStatus {
	var out []JobStatus
	for _, repo := range s.Repositories() {
		if status, ok := repo.JobStatus(); ok {
			out = append(out, JobStatus{RepositoryID: repo.ID(), Status: status})
		}
	}
	return out
}

// broadcast replicates a repository's current snapshot downstream as a
// minimal delta and publishes the local update event.
func (s *Store) broadcast(repo *Repository) {
	snap := repo.Snapshot()

	s.mu.Lock()
	last, seen := s.lastSent[snap.ID]
	if s.downstream != nil {
		s.lastSent[snap.ID] = snap
	}
	s.mu.Unlock()

	s.events.Publish(Event{Kind: EventRepositoryUpdated, RepositoryID: snap.ID})

	if s.downstream == nil {
		return
	}
	var update RepositoryUpdate
	if !seen {
		update = BuildInitial(&snap)
	} else {
		update = BuildUpdate(&last, &snap)
		if update.IsEmpty() && metaEqual(&last, &snap) {
			return
		}
	}
	if err := s.downstream.SendUpdate(update); err != nil {
		s.log.Warn("replication send failed", "repository", snap.ID, "error", err)
	}
}

// metaEqual compares the non-status snapshot fields a delta also carries.
func metaEqual(a, b *RepositorySnapshot) bool {
	if (a.Branch == nil) != (b.Branch == nil) {
		return false
	}
	if a.Branch != nil && *a.Branch != *b.Branch {
		return false
	}
	return a.MergeMessage == b.MergeMessage &&
		slices.Equal(a.MergeConflicts, b.MergeConflicts)
}

// removeRepository drops a repository, replicates the removal, and shuts
// down its job queue.
func (s *Store) removeRepository(id RepositoryID) {
	s.mu.Lock()
	repo, ok := s.repos[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.repos, id)
	delete(s.byWorkDir, repo.snapshot.WorkDirectoryID)
	delete(s.lastSent, id)
	s.mu.Unlock()

	repo.CloseJobs()
	s.events.Publish(Event{Kind: EventRepositoryRemoved, RepositoryID: id})
	if s.downstream != nil {
		if err := s.downstream.SendUpdate(BuildRemove(id)); err != nil {
			s.log.Warn("replication remove failed", "repository", id, "error", err)
		}
	}
}

// fixActive clears a removed active repository or elects one when none is
// active and repositories exist.
func (s *Store) fixActive() {
	s.mu.Lock()
	changed := false
	if s.active != 0 {
		if _, ok := s.repos[s.active]; !ok {
			s.active = 0
			changed = true
		}
	}
	if s.active == 0 && len(s.repos) > 0 {
		best := RepositoryID(0)
		for id := range s.repos {
			if best == 0 || id < best {
				best = id
			}
		}
		s.active = best
		changed = true
	}
	active := s.active
	s.mu.Unlock()
	if changed {
		s.events.Publish(Event{Kind: EventActiveRepositoryChanged, RepositoryID: active})
	}
}

// SetDownstream attaches or replaces the replication peer after
// construction. The transport layer needs the store to exist before it can
// be built, so attachment is two-phase.
func (s *Store) SetDownstream(d Downstream) {
	s.mu.Lock()
	s.downstream = d
	s.lastSent = make(map[RepositoryID]RepositorySnapshot)
	s.mu.Unlock()
}

// ResendAll forgets what the downstream has seen and replicates every
// repository from scratch. Called when a new downstream peer attaches.
func (s *Store) ResendAll() {
	s.mu.Lock()
	s.lastSent = make(map[RepositoryID]RepositorySnapshot)
	s.mu.Unlock()
	for _, repo := range s.Repositories() {
		s.broadcast(repo)
	}
}

// ApplyRemoteUpdate applies a replication message from the upstream peer,
// creating, updating, or removing the matching non-authoritative repository,
// and relays it onward when this node also has a downstream. Malformed or
// out-of-order messages are logged and dropped; the next full pass from the
// authoritative side self-heals.
func (s *Store) ApplyRemoteUpdate(u RepositoryUpdate) {
	switch u.Kind {
	case UpdateRemove:
		s.removeRepository(u.ID)
		s.fixActive()

	case UpdateInitial:
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		repo, ok := s.repos[u.ID]
		if !ok {
			repo = &Repository{
				snapshot: RepositorySnapshot{ID: u.ID},
				mode:     ModeRemote,
				upstream: s.upstream,
				jobs:     jobqueue.New(s.ctx),
				askpass:  s.askpass,
				buffers:  s.buffers,
				events:   s.events,
				log:      s.log,
			}
			s.repos[u.ID] = repo
			if u.ID >= s.nextID {
				s.nextID = u.ID
			}
			s.watchJobs(repo)
			s.events.Publish(Event{Kind: EventRepositoryAdded, RepositoryID: u.ID})
		}
		s.mu.Unlock()
		if err := repo.ApplyRemoteUpdate(&u); err != nil {
			s.log.Warn("remote update dropped", "repository", u.ID, "error", err)
			return
		}
		s.mu.Lock()
		s.byWorkDir[repo.snapshot.WorkDirectoryID] = u.ID
		s.mu.Unlock()
		s.broadcast(repo)
		s.fixActive()

	case UpdateDelta:
		repo, err := s.Repository(u.ID)
		if err != nil {
			s.log.Warn("remote update for unknown repository dropped", "repository", u.ID)
			return
		}
		if err := repo.ApplyRemoteUpdate(&u); err != nil {
			s.log.Warn("remote update dropped", "repository", u.ID, "error", err)
			return
		}
		s.broadcast(repo)
	}
}

// Close shuts the store down, draining every repository's job queue.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	repos := make([]*Repository, 0, len(s.repos))
	for _, repo := range s.repos {
		repos = append(repos, repo)
	}
	s.mu.Unlock()

	for _, repo := range repos {
		repo.CloseJobs()
	}
}
