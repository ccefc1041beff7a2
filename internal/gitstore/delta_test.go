package gitstore

import (
	"reflect"
	"sort"
	"testing"

	"github.com/dshills/reposync/internal/gitbackend"
)

func entry(path string, code gitbackend.StatusCode, staged bool) gitbackend.StatusEntry {
	return gitbackend.StatusEntry{Path: path, Status: code, Staged: staged}
}

func TestBuildUpdateMinimal(t *testing.T) {
	old := &RepositorySnapshot{
		ID: 1,
		Statuses: []gitbackend.StatusEntry{
			entry("a.go", gitbackend.StatusModified, false),
			entry("b.go", gitbackend.StatusAdded, true),
			entry("c.go", gitbackend.StatusModified, false),
		},
		ScanID: 1,
	}
	new := &RepositorySnapshot{
		ID: 1,
		Statuses: []gitbackend.StatusEntry{
			entry("a.go", gitbackend.StatusModified, false),
			entry("b.go", gitbackend.StatusModified, false),
			entry("d.go", gitbackend.StatusUntracked, false),
		},
		ScanID: 2,
	}

	u := BuildUpdate(old, new)

	wantUpdated := []gitbackend.StatusEntry{
		entry("b.go", gitbackend.StatusModified, false),
		entry("d.go", gitbackend.StatusUntracked, false),
	}
	if !reflect.DeepEqual(u.Updated, wantUpdated) {
		t.Errorf("updated mismatch\ngot:  %+v\nwant: %+v", u.Updated, wantUpdated)
	}
	if !reflect.DeepEqual(u.Removed, []string{"c.go"}) {
		t.Errorf("removed mismatch: %v", u.Removed)
	}
	if u.ScanID != 2 {
		t.Errorf("expected scan id 2, got %d", u.ScanID)
	}
}

func TestBuildUpdateAppliesCleanly(t *testing.T) {
	old := &RepositorySnapshot{
		ID: 7,
		Statuses: []gitbackend.StatusEntry{
			entry("cmd/main.go", gitbackend.StatusModified, false),
			entry("go.mod", gitbackend.StatusModified, true),
			entry("pkg/util.go", gitbackend.StatusDeleted, false),
		},
	}
	new := &RepositorySnapshot{
		ID:             7,
		Branch:         &gitbackend.Branch{Name: "feature", IsHead: true},
		MergeConflicts: []string{"go.mod"},
		Statuses: []gitbackend.StatusEntry{
			entry("cmd/main.go", gitbackend.StatusModified, true),
			entry("go.mod", gitbackend.StatusConflict, false),
			entry("internal/new.go", gitbackend.StatusAdded, true),
		},
		ScanID: 9,
	}

	u := BuildUpdate(old, new)
	got := old.Clone()
	if err := applyUpdate(&got, &u); err != nil {
		t.Fatalf("applyUpdate: %v", err)
	}

	if !reflect.DeepEqual(got.Statuses, new.Statuses) {
		t.Errorf("statuses mismatch\ngot:  %+v\nwant: %+v", got.Statuses, new.Statuses)
	}
	if got.Branch == nil || *got.Branch != *new.Branch {
		t.Errorf("branch not applied: %+v", got.Branch)
	}
	if !reflect.DeepEqual(got.MergeConflicts, new.MergeConflicts) {
		t.Errorf("conflicts not applied: %v", got.MergeConflicts)
	}
	if got.ScanID != 9 || got.CompletedScanID != 9 {
		t.Errorf("scan ids not applied: %d/%d", got.ScanID, got.CompletedScanID)
	}
}

func TestBuildUpdateNoChanges(t *testing.T) {
	snap := &RepositorySnapshot{
		ID:       3,
		Statuses: []gitbackend.StatusEntry{entry("a.go", gitbackend.StatusModified, false)},
	}
	u := BuildUpdate(snap, snap)
	if !u.IsEmpty() {
		t.Errorf("expected an empty delta, got %+v", u)
	}
}

func TestBuildUpdateRenameScenario(t *testing.T) {
	// A file rename surfaces as one removal and one update; the repository
	// keeps its identity throughout.
	old := &RepositorySnapshot{
		ID:       4,
		Statuses: []gitbackend.StatusEntry{entry("old.go", gitbackend.StatusModified, false)},
	}
	new := &RepositorySnapshot{
		ID:       4,
		Statuses: []gitbackend.StatusEntry{entry("new.go", gitbackend.StatusRenamed, true)},
	}

	u := BuildUpdate(old, new)
	if u.ID != 4 {
		t.Errorf("identity changed: %d", u.ID)
	}
	if len(u.Updated) != 1 || u.Updated[0].Path != "new.go" {
		t.Errorf("unexpected updated set: %+v", u.Updated)
	}
	if len(u.Removed) != 1 || u.Removed[0] != "old.go" {
		t.Errorf("unexpected removed set: %v", u.Removed)
	}
}

func TestApplyUpdatePreservesSortOrder(t *testing.T) {
	snap := RepositorySnapshot{
		ID: 2,
		Statuses: []gitbackend.StatusEntry{
			entry("b.go", gitbackend.StatusModified, false),
			entry("m.go", gitbackend.StatusModified, false),
			entry("y.go", gitbackend.StatusModified, false),
		},
	}
	u := RepositoryUpdate{
		Kind: UpdateDelta,
		ID:   2,
		Updated: []gitbackend.StatusEntry{
			entry("a.go", gitbackend.StatusAdded, false),
			entry("n.go", gitbackend.StatusAdded, false),
			entry("z.go", gitbackend.StatusAdded, false),
		},
		Removed: []string{"m.go"},
	}

	if err := applyUpdate(&snap, &u); err != nil {
		t.Fatalf("applyUpdate: %v", err)
	}
	if !sort.SliceIsSorted(snap.Statuses, func(i, j int) bool {
		return snap.Statuses[i].Path < snap.Statuses[j].Path
	}) {
		t.Errorf("statuses no longer sorted: %+v", snap.Statuses)
	}
	if len(snap.Statuses) != 5 {
		t.Errorf("expected 5 entries, got %d", len(snap.Statuses))
	}
	if _, ok := snap.StatusFor("m.go"); ok {
		t.Error("removed entry still present")
	}
}

func TestApplyUpdateWrongRepository(t *testing.T) {
	snap := RepositorySnapshot{ID: 1}
	u := RepositoryUpdate{Kind: UpdateDelta, ID: 2}
	if err := applyUpdate(&snap, &u); err == nil {
		t.Error("expected an error for a mismatched repository id")
	}
}

func TestBuildInitialCarriesEverything(t *testing.T) {
	snap := &RepositorySnapshot{
		ID:              5,
		WorkDirectoryID: "wd-5",
		AbsPath:         "/work/repo",
		Branch:          &gitbackend.Branch{Name: "main", IsHead: true, Ahead: 2},
		MergeMessage:    "Merge branch 'dev'",
		MergeConflicts:  []string{"a.go"},
		Statuses:        []gitbackend.StatusEntry{entry("a.go", gitbackend.StatusConflict, false)},
		ScanID:          3,
	}

	u := BuildInitial(snap)
	if u.Kind != UpdateInitial || u.ID != 5 || u.WorkDirectoryID != "wd-5" || u.AbsPath != "/work/repo" {
		t.Errorf("identity fields mismatch: %+v", u)
	}
	if u.Branch == nil || u.Branch.Name != "main" {
		t.Errorf("branch mismatch: %+v", u.Branch)
	}
	if u.MergeMessage != snap.MergeMessage || !reflect.DeepEqual(u.MergeConflicts, snap.MergeConflicts) {
		t.Errorf("merge state mismatch: %+v", u)
	}
	if !reflect.DeepEqual(u.Updated, snap.Statuses) {
		t.Errorf("statuses mismatch: %+v", u.Updated)
	}
}

func TestStatusFor(t *testing.T) {
	snap := RepositorySnapshot{
		Statuses: []gitbackend.StatusEntry{
			entry("a.go", gitbackend.StatusModified, false),
			entry("c.go", gitbackend.StatusAdded, true),
		},
	}
	e, ok := snap.StatusFor("c.go")
	if !ok || e.Status != gitbackend.StatusAdded {
		t.Errorf("lookup failed: %+v %v", e, ok)
	}
	if _, ok := snap.StatusFor("b.go"); ok {
		t.Error("expected miss for absent path")
	}
}
