package gitstore

import (
	"sort"

	"github.com/dshills/reposync/internal/gitbackend"
)

// RepositoryID identifies a repository for the lifetime of one store. Ids
// are assigned monotonically at discovery time and never reused.
type RepositoryID uint64

// RepositorySnapshot is an immutable point-in-time view of one repository's
// tracked state. Mutation happens only through the owning store during
// reconciliation or remote-update application; everyone else reads clones.
type RepositorySnapshot struct {
	// ID is the repository's identity within this store.
	ID RepositoryID

	// WorkDirectoryID correlates to the scanner's notion of this git
	// root. It is stable across status and branch changes.
	WorkDirectoryID string

	// AbsPath is the work directory's absolute path.
	AbsPath string

	// Branch is the checked out branch, nil when detached or unborn.
	Branch *gitbackend.Branch

	// MergeMessage is the pending merge description, if any.
	MergeMessage string

	// MergeConflicts lists conflicted relative paths, sorted.
	MergeConflicts []string

	// Statuses lists changed entries sorted by path. Sortedness is an
	// invariant the delta builder and remote-update application rely on.
	Statuses []gitbackend.StatusEntry

	// ScanID is the scanner pass that produced this snapshot.
	ScanID uint64

	// CompletedScanID is the most recent scan fully reflected here; it
	// trails ScanID while a scan is being applied.
	CompletedScanID uint64
}

// Clone returns a deep copy safe to hand to readers.
func (s *RepositorySnapshot) Clone() RepositorySnapshot {
	out := *s
	if s.Branch != nil {
		branch := *s.Branch
		out.Branch = &branch
	}
	out.MergeConflicts = append([]string(nil), s.MergeConflicts...)
	out.Statuses = append([]gitbackend.StatusEntry(nil), s.Statuses...)
	return out
}

// StatusFor returns the entry for a relative path, if present.
func (s *RepositorySnapshot) StatusFor(path string) (gitbackend.StatusEntry, bool) {
	i := sort.Search(len(s.Statuses), func(i int) bool {
		return s.Statuses[i].Path >= path
	})
	if i < len(s.Statuses) && s.Statuses[i].Path == path {
		return s.Statuses[i], true
	}
	return gitbackend.StatusEntry{}, false
}

// sortStatuses sorts entries by path in place.
func sortStatuses(entries []gitbackend.StatusEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})
}
