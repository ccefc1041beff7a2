package gitstore

import (
	"fmt"

	"github.com/dshills/reposync/internal/gitbackend"
)

// UpdateKind classifies replication messages.
type UpdateKind int

const (
	// UpdateInitial carries an entire snapshot for a repository the peer
	// has never seen.
	UpdateInitial UpdateKind = iota
	// UpdateDelta carries only the entries that changed.
	UpdateDelta
	// UpdateRemove tells the peer the repository is gone.
	UpdateRemove
)

// RepositoryUpdate is one replication message from a store to a downstream
// peer.
type RepositoryUpdate struct {
	Kind            UpdateKind               `json:"kind"`
	ID              RepositoryID             `json:"id"`
	WorkDirectoryID string                   `json:"work_directory_id,omitempty"`
	AbsPath         string                   `json:"abs_path,omitempty"`
	Branch          *gitbackend.Branch       `json:"branch,omitempty"`
	MergeMessage    string                   `json:"merge_message,omitempty"`
	MergeConflicts  []string                 `json:"merge_conflicts,omitempty"`
	Updated         []gitbackend.StatusEntry `json:"updated,omitempty"`
	Removed         []string                 `json:"removed,omitempty"`
	ScanID          uint64                   `json:"scan_id,omitempty"`
}

// BuildInitial builds the full-snapshot message for a peer that has never
// seen this repository.
func BuildInitial(snap *RepositorySnapshot) RepositoryUpdate {
	return RepositoryUpdate{
		Kind:            UpdateInitial,
		ID:              snap.ID,
		WorkDirectoryID: snap.WorkDirectoryID,
		AbsPath:         snap.AbsPath,
		Branch:          snap.Branch,
		MergeMessage:    snap.MergeMessage,
		MergeConflicts:  append([]string(nil), snap.MergeConflicts...),
		Updated:         append([]gitbackend.StatusEntry(nil), snap.Statuses...),
		ScanID:          snap.ScanID,
	}
}

// BuildRemove builds the removal message for a repository.
func BuildRemove(id RepositoryID) RepositoryUpdate {
	return RepositoryUpdate{Kind: UpdateRemove, ID: id}
}

// BuildUpdate computes the minimal delta taking a peer from old to new. It
// merge-walks the two sorted status sequences in lockstep: unchanged paths
// emit nothing, changed or added paths emit an updated entry, and vanished
// paths emit a removal. The result size is proportional to the actual
// change, never to the snapshot size.
//
// BuildUpdate is pure; it reads both snapshots and touches nothing else.
func BuildUpdate(old, new *RepositorySnapshot) RepositoryUpdate {
	update := RepositoryUpdate{
		Kind:            UpdateDelta,
		ID:              new.ID,
		WorkDirectoryID: new.WorkDirectoryID,
		AbsPath:         new.AbsPath,
		Branch:          new.Branch,
		MergeMessage:    new.MergeMessage,
		MergeConflicts:  append([]string(nil), new.MergeConflicts...),
		ScanID:          new.ScanID,
	}

	oldEntries, newEntries := old.Statuses, new.Statuses
	i, j := 0, 0
	for i < len(oldEntries) && j < len(newEntries) {
		switch {
		case oldEntries[i].Path == newEntries[j].Path:
			if oldEntries[i] != newEntries[j] {
				update.Updated = append(update.Updated, newEntries[j])
			}
			i++
			j++
		case oldEntries[i].Path < newEntries[j].Path:
			update.Removed = append(update.Removed, oldEntries[i].Path)
			i++
		default:
			update.Updated = append(update.Updated, newEntries[j])
			j++
		}
	}
	for ; i < len(oldEntries); i++ {
		update.Removed = append(update.Removed, oldEntries[i].Path)
	}
	for ; j < len(newEntries); j++ {
		update.Updated = append(update.Updated, newEntries[j])
	}
	return update
}

// IsEmpty reports whether a delta would change nothing on the peer besides
// the scan id.
func (u *RepositoryUpdate) IsEmpty() bool {
	return u.Kind == UpdateDelta && len(u.Updated) == 0 && len(u.Removed) == 0
}

// applyUpdate applies a delta's edit lists to a snapshot's sorted statuses
// with one ordered merge pass, preserving sort order without a resort. The
// update's lists must themselves be sorted, which BuildUpdate guarantees.
func applyUpdate(snap *RepositorySnapshot, u *RepositoryUpdate) error {
	if u.ID != snap.ID {
		return fmt.Errorf("update for repository %d applied to repository %d", u.ID, snap.ID)
	}

	removed := make(map[string]bool, len(u.Removed))
	for _, p := range u.Removed {
		removed[p] = true
	}

	merged := make([]gitbackend.StatusEntry, 0, len(snap.Statuses)+len(u.Updated))
	old := snap.Statuses
	i, j := 0, 0
	for i < len(old) && j < len(u.Updated) {
		switch {
		case old[i].Path == u.Updated[j].Path:
			merged = append(merged, u.Updated[j])
			i++
			j++
		case old[i].Path < u.Updated[j].Path:
			if !removed[old[i].Path] {
				merged = append(merged, old[i])
			}
			i++
		default:
			merged = append(merged, u.Updated[j])
			j++
		}
	}
	for ; i < len(old); i++ {
		if !removed[old[i].Path] {
			merged = append(merged, old[i])
		}
	}
	merged = append(merged, u.Updated[j:]...)

	snap.Statuses = merged
	snap.Branch = u.Branch
	snap.MergeMessage = u.MergeMessage
	snap.MergeConflicts = append([]string(nil), u.MergeConflicts...)
	snap.ScanID = u.ScanID
	snap.CompletedScanID = u.ScanID
	return nil
}
