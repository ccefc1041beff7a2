package gitstore

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dshills/reposync/internal/askpass"
	"github.com/dshills/reposync/internal/gitbackend"
	"github.com/dshills/reposync/internal/scanner"
)

// fakeBackend is an in-memory gitbackend.Backend for store tests.
type fakeBackend struct {
	mu sync.Mutex

	indexText map[string]string
	headText  map[string]string

	setIndexErr error
	indexWrites map[string]*string

	staged    [][]string
	stageHook func(paths []string)

	askAnswers []string

	commitGate chan struct{}

	checkpointErr error
	checkpointSeq int
	restored      []gitbackend.Checkpoint
	deleted       []gitbackend.Checkpoint
	compareCalls  int
	compareResult bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		indexText:   make(map[string]string),
		headText:    make(map[string]string),
		indexWrites: make(map[string]*string),
	}
}

func (f *fakeBackend) Status(ctx context.Context) (*gitbackend.Status, error) {
	return &gitbackend.Status{}, nil
}

func (f *fakeBackend) LoadIndexText(ctx context.Context, path string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	text, ok := f.indexText[path]
	return text, ok, nil
}

func (f *fakeBackend) LoadHeadText(ctx context.Context, path string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	text, ok := f.headText[path]
	return text, ok, nil
}

func (f *fakeBackend) SetIndexText(ctx context.Context, path string, content *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setIndexErr != nil {
		return f.setIndexErr
	}
	f.indexWrites[path] = content
	if content == nil {
		delete(f.indexText, path)
	} else {
		f.indexText[path] = *content
	}
	return nil
}

func (f *fakeBackend) lastIndexWrite(path string) (*string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.indexWrites[path]
	return content, ok
}

func (f *fakeBackend) Stage(ctx context.Context, paths []string) error {
	f.mu.Lock()
	f.staged = append(f.staged, append([]string(nil), paths...))
	hook := f.stageHook
	f.mu.Unlock()
	if hook != nil {
		hook(paths)
	}
	return nil
}

func (f *fakeBackend) Unstage(ctx context.Context, paths []string) error { return nil }

func (f *fakeBackend) Commit(ctx context.Context, message string, opts gitbackend.CommitOptions) error {
	if f.commitGate != nil {
		<-f.commitGate
	}
	return nil
}

func (f *fakeBackend) Fetch(ctx context.Context, remote string, ask gitbackend.AskPassFunc) error {
	if ask == nil {
		return nil
	}
	// An authenticated remote prompts for the username and then the
	// password through the same session.
	for _, prompt := range []string{"Username for " + remote + ":", "Password for " + remote + ":"} {
		answer, err := ask(ctx, prompt)
		if err != nil {
			return err
		}
		f.mu.Lock()
		f.askAnswers = append(f.askAnswers, answer)
		f.mu.Unlock()
	}
	return nil
}

func (f *fakeBackend) Push(ctx context.Context, branch, remote string, opts gitbackend.PushOptions, ask gitbackend.AskPassFunc) error {
	return nil
}

func (f *fakeBackend) Pull(ctx context.Context, branch, remote string, rebase bool, ask gitbackend.AskPassFunc) error {
	return nil
}

func (f *fakeBackend) Remotes(ctx context.Context) ([]gitbackend.Remote, error)  { return nil, nil }
func (f *fakeBackend) Branches(ctx context.Context) ([]gitbackend.Branch, error) { return nil, nil }
func (f *fakeBackend) CreateBranch(ctx context.Context, name string) error       { return nil }
func (f *fakeBackend) ChangeBranch(ctx context.Context, name string) error       { return nil }

func (f *fakeBackend) Diff(ctx context.Context, typ gitbackend.DiffType) (string, error) {
	return "", nil
}

func (f *fakeBackend) Reset(ctx context.Context, commit string, mode gitbackend.ResetMode) error {
	return nil
}

func (f *fakeBackend) CheckoutFiles(ctx context.Context, commit string, paths []string) error {
	return nil
}

func (f *fakeBackend) Show(ctx context.Context, commit string) (*gitbackend.CommitDetails, error) {
	return &gitbackend.CommitDetails{SHA: commit}, nil
}

func (f *fakeBackend) CheckForPushedCommits(ctx context.Context) ([]string, error) {
	return nil, nil
}

func (f *fakeBackend) Checkpoint(ctx context.Context) (gitbackend.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.checkpointErr != nil {
		return gitbackend.Checkpoint{}, f.checkpointErr
	}
	f.checkpointSeq++
	return gitbackend.Checkpoint{CommitSHA: fmt.Sprintf("cp-%d", f.checkpointSeq)}, nil
}

func (f *fakeBackend) RestoreCheckpoint(ctx context.Context, cp gitbackend.Checkpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restored = append(f.restored, cp)
	return nil
}

func (f *fakeBackend) CompareCheckpoints(ctx context.Context, left, right gitbackend.Checkpoint) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.compareCalls++
	return f.compareResult, nil
}

func (f *fakeBackend) DeleteCheckpoint(ctx context.Context, cp gitbackend.Checkpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, cp)
	return nil
}

// fakeDownstream records replication messages.
type fakeDownstream struct {
	mu      sync.Mutex
	updates []RepositoryUpdate
	bases   []DiffBasesMessage
}

func (d *fakeDownstream) SendUpdate(u RepositoryUpdate) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.updates = append(d.updates, u)
	return nil
}

func (d *fakeDownstream) SendDiffBases(m DiffBasesMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bases = append(d.bases, m)
	return nil
}

func (d *fakeDownstream) sent() []RepositoryUpdate {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]RepositoryUpdate(nil), d.updates...)
}

// eventRecorder captures published store events.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) ofKind(kind EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// testEnv bundles a store with its fakes.
type testEnv struct {
	store    *Store
	backends map[string]*fakeBackend
	events   *eventRecorder
}

func newTestEnv(t *testing.T, extra ...Option) *testEnv {
	t.Helper()
	env := &testEnv{
		backends: make(map[string]*fakeBackend),
		events:   &eventRecorder{},
	}
	opts := []Option{
		WithEventPublisher(env.events),
		WithBackendOpener(func(path string, gitEnv []string) (gitbackend.Backend, error) {
			if b, ok := env.backends[path]; ok {
				return b, nil
			}
			b := newFakeBackend()
			env.backends[path] = b
			return b, nil
		}),
	}
	opts = append(opts, extra...)
	env.store = NewStore(context.Background(), opts...)
	t.Cleanup(env.store.Close)
	return env
}

func scanEvent(scanID uint64, workDir, absPath string, statuses ...gitbackend.StatusEntry) scanner.ScanEvent {
	return scanner.ScanEvent{
		ScanID:          scanID,
		WorkDirectoryID: workDir,
		AbsPath:         absPath,
		Branch:          &gitbackend.Branch{Name: "main", IsHead: true},
		Statuses:        statuses,
	}
}

func TestReconcileAddsRepositories(t *testing.T) {
	env := newTestEnv(t)

	env.store.Reconcile([]scanner.ScanEvent{
		scanEvent(1, "wd-a", "/work/a", entry("main.go", gitbackend.StatusModified, false)),
		scanEvent(1, "wd-b", "/work/b"),
	})

	repos := env.store.Repositories()
	if len(repos) != 2 {
		t.Fatalf("expected 2 repositories, got %d", len(repos))
	}
	if repos[0].ID() >= repos[1].ID() {
		t.Error("repositories not ordered by id")
	}

	repo, err := env.store.RepositoryByWorkDir("wd-a")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	snap := repo.Snapshot()
	if snap.AbsPath != "/work/a" || len(snap.Statuses) != 1 {
		t.Errorf("unexpected snapshot: %+v", snap)
	}

	if added := env.events.ofKind(EventRepositoryAdded); len(added) != 2 {
		t.Errorf("expected 2 added events, got %d", len(added))
	}
	active := env.store.ActiveRepository()
	if active == nil || active.ID() != repos[0].ID() {
		t.Error("lowest-id repository should become active")
	}
}

func TestReconcilePreservesIdentity(t *testing.T) {
	env := newTestEnv(t)

	env.store.Reconcile([]scanner.ScanEvent{scanEvent(1, "wd-a", "/work/a")})
	id := env.store.Repositories()[0].ID()

	env.store.Reconcile([]scanner.ScanEvent{
		scanEvent(2, "wd-a", "/work/a", entry("new.go", gitbackend.StatusAdded, true)),
	})

	repos := env.store.Repositories()
	if len(repos) != 1 {
		t.Fatalf("expected 1 repository, got %d", len(repos))
	}
	if repos[0].ID() != id {
		t.Errorf("identity changed across reconciliation: %d -> %d", id, repos[0].ID())
	}
	if len(repos[0].Snapshot().Statuses) != 1 {
		t.Error("snapshot not updated in place")
	}
}

func TestReconcileIdempotentSendsNoDelta(t *testing.T) {
	down := &fakeDownstream{}
	env := newTestEnv(t, WithDownstream(down))

	events := []scanner.ScanEvent{
		scanEvent(1, "wd-a", "/work/a", entry("main.go", gitbackend.StatusModified, false)),
	}
	env.store.Reconcile(events)

	sent := down.sent()
	if len(sent) != 1 || sent[0].Kind != UpdateInitial {
		t.Fatalf("expected one initial update, got %+v", sent)
	}

	env.store.Reconcile(events)
	if after := down.sent(); len(after) != 1 {
		t.Errorf("idempotent pass should replicate nothing, got %d messages", len(after))
	}
}

func TestReconcileSendsMinimalDelta(t *testing.T) {
	down := &fakeDownstream{}
	env := newTestEnv(t, WithDownstream(down))

	env.store.Reconcile([]scanner.ScanEvent{
		scanEvent(1, "wd-a", "/work/a",
			entry("keep.go", gitbackend.StatusModified, false),
			entry("drop.go", gitbackend.StatusModified, false),
		),
	})
	env.store.Reconcile([]scanner.ScanEvent{
		scanEvent(2, "wd-a", "/work/a",
			entry("keep.go", gitbackend.StatusModified, false),
			entry("add.go", gitbackend.StatusAdded, true),
		),
	})

	sent := down.sent()
	if len(sent) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(sent))
	}
	delta := sent[1]
	if delta.Kind != UpdateDelta {
		t.Fatalf("expected a delta, got %+v", delta)
	}
	if len(delta.Updated) != 1 || delta.Updated[0].Path != "add.go" {
		t.Errorf("unexpected updated set: %+v", delta.Updated)
	}
	if len(delta.Removed) != 1 || delta.Removed[0] != "drop.go" {
		t.Errorf("unexpected removed set: %v", delta.Removed)
	}
}

func TestReconcileRemovesMissingRepositories(t *testing.T) {
	down := &fakeDownstream{}
	env := newTestEnv(t, WithDownstream(down))

	env.store.Reconcile([]scanner.ScanEvent{
		scanEvent(1, "wd-a", "/work/a"),
		scanEvent(1, "wd-b", "/work/b"),
	})
	aID := mustRepo(t, env.store, "wd-a").ID()
	_ = env.store.SetActiveRepository(mustRepo(t, env.store, "wd-b").ID())

	env.store.Reconcile([]scanner.ScanEvent{scanEvent(2, "wd-a", "/work/a")})

	if _, err := env.store.RepositoryByWorkDir("wd-b"); !errors.Is(err, ErrRepositoryNotFound) {
		t.Error("vanished repository should be removed")
	}
	active := env.store.ActiveRepository()
	if active == nil || active.ID() != aID {
		t.Error("active repository should move to a surviving one")
	}

	sent := down.sent()
	last := sent[len(sent)-1]
	if last.Kind != UpdateRemove {
		t.Errorf("expected a remove message, got %+v", last)
	}
}

func TestBackendOpenFailureSkipsRepository(t *testing.T) {
	events := &eventRecorder{}
	openErr := errors.New("worktree vanished")
	fail := true
	store := NewStore(context.Background(),
		WithEventPublisher(events),
		WithBackendOpener(func(path string, gitEnv []string) (gitbackend.Backend, error) {
			if fail {
				return nil, openErr
			}
			return newFakeBackend(), nil
		}),
	)
	t.Cleanup(store.Close)

	store.ApplyScanEvent(scanEvent(1, "wd-a", "/work/a"))
	if len(store.Repositories()) != 0 {
		t.Fatal("a repository whose backend failed to open must not be tracked")
	}
	if added := events.ofKind(EventRepositoryAdded); len(added) != 0 {
		t.Errorf("expected no added events, got %d", len(added))
	}

	// The next scan retries the open and the repository becomes usable.
	fail = false
	store.ApplyScanEvent(scanEvent(2, "wd-a", "/work/a"))
	repo := mustRepo(t, store, "wd-a")
	if err := <-repo.StageEntries([]string{"a.go"}); err != nil {
		t.Fatalf("stage after recovery: %v", err)
	}
}

func TestStaleScanIgnored(t *testing.T) {
	env := newTestEnv(t)

	env.store.ApplyScanEvent(scanEvent(5, "wd-a", "/work/a",
		entry("current.go", gitbackend.StatusModified, false)))
	env.store.ApplyScanEvent(scanEvent(3, "wd-a", "/work/a",
		entry("stale.go", gitbackend.StatusModified, false)))

	snap := mustRepo(t, env.store, "wd-a").Snapshot()
	if snap.ScanID != 5 {
		t.Errorf("stale scan overwrote newer state, scan id %d", snap.ScanID)
	}
	if _, ok := snap.StatusFor("current.go"); !ok {
		t.Error("newer status entries lost")
	}
}

func TestApplyScanEventRemoval(t *testing.T) {
	env := newTestEnv(t)

	env.store.ApplyScanEvent(scanEvent(1, "wd-a", "/work/a"))
	env.store.ApplyScanEvent(scanner.ScanEvent{ScanID: 2, WorkDirectoryID: "wd-a", AbsPath: "/work/a", Removed: true})

	if len(env.store.Repositories()) != 0 {
		t.Error("removed work directory should drop its repository")
	}
	if env.store.ActiveRepository() != nil {
		t.Error("active repository should clear when the last repository goes")
	}
}

func TestApplyRemoteUpdateLifecycle(t *testing.T) {
	env := newTestEnv(t)

	env.store.ApplyRemoteUpdate(RepositoryUpdate{
		Kind:            UpdateInitial,
		ID:              9,
		WorkDirectoryID: "wd-remote",
		AbsPath:         "/host/work/repo",
		Branch:          &gitbackend.Branch{Name: "main", IsHead: true},
		Updated: []gitbackend.StatusEntry{
			entry("z.go", gitbackend.StatusModified, false),
			entry("a.go", gitbackend.StatusAdded, true),
		},
		ScanID: 1,
	})

	repo, err := env.store.Repository(9)
	if err != nil {
		t.Fatalf("remote repository not created: %v", err)
	}
	if repo.Mode() != ModeRemote {
		t.Error("replicated repository should be remote mode")
	}
	snap := repo.Snapshot()
	if !sort.SliceIsSorted(snap.Statuses, func(i, j int) bool {
		return snap.Statuses[i].Path < snap.Statuses[j].Path
	}) {
		t.Errorf("initial statuses not sorted: %+v", snap.Statuses)
	}

	env.store.ApplyRemoteUpdate(RepositoryUpdate{
		Kind:    UpdateDelta,
		ID:      9,
		Branch:  snap.Branch,
		Updated: []gitbackend.StatusEntry{entry("m.go", gitbackend.StatusAdded, false)},
		Removed: []string{"z.go"},
		ScanID:  2,
	})
	snap = repo.Snapshot()
	if _, ok := snap.StatusFor("m.go"); !ok {
		t.Error("delta update not applied")
	}
	if _, ok := snap.StatusFor("z.go"); ok {
		t.Error("delta removal not applied")
	}

	env.store.ApplyRemoteUpdate(BuildRemove(9))
	if _, err := env.store.Repository(9); !errors.Is(err, ErrRepositoryNotFound) {
		t.Error("remove update should drop the repository")
	}
}

func TestApplyRemoteDeltaUnknownRepositoryDropped(t *testing.T) {
	env := newTestEnv(t)

	env.store.ApplyRemoteUpdate(RepositoryUpdate{
		Kind:    UpdateDelta,
		ID:      42,
		Updated: []gitbackend.StatusEntry{entry("a.go", gitbackend.StatusAdded, false)},
	})

	if len(env.store.Repositories()) != 0 {
		t.Error("a delta for an unknown repository must not create one")
	}
}

func TestRelayForwardsRemoteUpdates(t *testing.T) {
	down := &fakeDownstream{}
	env := newTestEnv(t, WithDownstream(down))

	env.store.ApplyRemoteUpdate(RepositoryUpdate{
		Kind:            UpdateInitial,
		ID:              3,
		WorkDirectoryID: "wd-relay",
		AbsPath:         "/host/repo",
		Updated:         []gitbackend.StatusEntry{entry("a.go", gitbackend.StatusModified, false)},
		ScanID:          1,
	})

	sent := down.sent()
	if len(sent) != 1 || sent[0].Kind != UpdateInitial || sent[0].ID != 3 {
		t.Errorf("relay did not forward the update: %+v", sent)
	}
}

func TestResendAllReplaysInitialSnapshots(t *testing.T) {
	down := &fakeDownstream{}
	env := newTestEnv(t, WithDownstream(down))

	env.store.Reconcile([]scanner.ScanEvent{scanEvent(1, "wd-a", "/work/a")})
	if len(down.sent()) != 1 {
		t.Fatalf("expected one initial message, got %d", len(down.sent()))
	}

	// A reconnecting peer starts from nothing.
	env.store.ResendAll()
	sent := down.sent()
	if len(sent) != 2 || sent[1].Kind != UpdateInitial {
		t.Errorf("resend should replay a full snapshot, got %+v", sent)
	}
}

func TestSetActiveRepository(t *testing.T) {
	env := newTestEnv(t)

	env.store.Reconcile([]scanner.ScanEvent{
		scanEvent(1, "wd-a", "/work/a"),
		scanEvent(1, "wd-b", "/work/b"),
	})
	b := mustRepo(t, env.store, "wd-b")

	if err := env.store.SetActiveRepository(b.ID()); err != nil {
		t.Fatalf("set active: %v", err)
	}
	if env.store.ActiveRepository().ID() != b.ID() {
		t.Error("active repository not switched")
	}
	if err := env.store.SetActiveRepository(99); !errors.Is(err, ErrRepositoryNotFound) {
		t.Errorf("expected ErrRepositoryNotFound, got %v", err)
	}
}

func TestRepositoryLookupMiss(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.store.Repository(1); !errors.Is(err, ErrRepositoryNotFound) {
		t.Errorf("expected ErrRepositoryNotFound, got %v", err)
	}
	if _, err := env.store.RepositoryByWorkDir("nope"); !errors.Is(err, ErrRepositoryNotFound) {
		t.Errorf("expected ErrRepositoryNotFound, got %v", err)
	}
}

func TestOpenCommitBufferIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.store.Reconcile([]scanner.ScanEvent{scanEvent(1, "wd-a", "/work/a")})
	repo := mustRepo(t, env.store, "wd-a")

	first, err := repo.OpenCommitBuffer(context.Background())
	if err != nil {
		t.Fatalf("open commit buffer: %v", err)
	}
	second, err := repo.OpenCommitBuffer(context.Background())
	if err != nil {
		t.Fatalf("reopen commit buffer: %v", err)
	}
	if first != second {
		t.Error("commit buffer should be shared across opens")
	}
	if first.Language() != commitMessageLanguage {
		t.Errorf("unexpected language %q", first.Language())
	}
}

func TestRunningJobsDuringCommit(t *testing.T) {
	env := newTestEnv(t)
	env.store.Reconcile([]scanner.ScanEvent{scanEvent(1, "wd-a", "/work/a")})
	repo := mustRepo(t, env.store, "wd-a")
	gate := make(chan struct{})
	env.backends["/work/a"].commitGate = gate

	done := repo.Commit("Fix the build", gitbackend.CommitOptions{})

	waitFor(t, func() bool { return len(env.store.RunningJobs()) == 1 })
	jobs := env.store.RunningJobs()
	if jobs[0].RepositoryID != repo.ID() || jobs[0].Status != "committing" {
		t.Errorf("unexpected running jobs: %+v", jobs)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("commit: %v", err)
	}
	waitFor(t, func() bool { return len(env.store.RunningJobs()) == 0 })

	if events := env.events.ofKind(EventJobsChanged); len(events) < 2 {
		t.Errorf("expected job status events for start and finish, got %d", len(events))
	}
}

func TestFetchReplaysCredentialDelegate(t *testing.T) {
	env := newTestEnv(t)
	env.store.Reconcile([]scanner.ScanEvent{scanEvent(1, "wd-a", "/work/a")})
	repo := mustRepo(t, env.store, "wd-a")

	delegate := askpass.DelegateFunc(func(ctx context.Context, prompt string) (string, error) {
		if strings.Contains(prompt, "Username") {
			return "alice", nil
		}
		return "s3cret", nil
	})

	if err := <-repo.Fetch("origin", delegate); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	backend := env.backends["/work/a"]
	backend.mu.Lock()
	answers := append([]string(nil), backend.askAnswers...)
	backend.mu.Unlock()
	if !reflect.DeepEqual(answers, []string{"alice", "s3cret"}) {
		t.Errorf("delegate answers not replayed in order: %v", answers)
	}
	if env.store.askpass.Len() != 0 {
		t.Error("delegate should be removed when the operation completes")
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestMetaEqual(t *testing.T) {
	a := &RepositorySnapshot{Branch: &gitbackend.Branch{Name: "main"}}
	b := &RepositorySnapshot{Branch: &gitbackend.Branch{Name: "main"}}
	if !metaEqual(a, b) {
		t.Error("equal metadata reported unequal")
	}
	b.Branch = &gitbackend.Branch{Name: "dev"}
	if metaEqual(a, b) {
		t.Error("different branches reported equal")
	}
	b.Branch = nil
	if metaEqual(a, b) {
		t.Error("nil vs non-nil branch reported equal")
	}
	if !reflect.DeepEqual(a.MergeConflicts, b.MergeConflicts) {
		t.Error("fresh snapshots should have equal conflicts")
	}
}

func mustRepo(t *testing.T, s *Store, workDir string) *Repository {
	t.Helper()
	repo, err := s.RepositoryByWorkDir(workDir)
	if err != nil {
		t.Fatalf("repository %s: %v", workDir, err)
	}
	return repo
}
