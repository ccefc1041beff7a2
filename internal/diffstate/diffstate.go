// Package diffstate maintains per-buffer diffs against git index and HEAD
// base texts.
//
// Each open buffer that has ever had a diff requested owns one State. The
// state caches the two base texts, tracks which of them changed since the
// last recomputation, and recomputes lazily created diff objects on a
// background goroutine. A newly scheduled recomputation supersedes any prior
// one for the same buffer: the superseded goroutine still runs to completion
// but its result is discarded, so callers never observe a diff computed from
// stale inputs overwriting a newer one.
package diffstate

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/dshills/reposync/internal/bufstore"
)

// DiffKind distinguishes the two diff views of a buffer.
type DiffKind int

const (
	// DiffKindUnstaged is working tree vs. index.
	DiffKindUnstaged DiffKind = iota
	// DiffKindUncommitted is working tree vs. HEAD.
	DiffKindUncommitted
)

// Hunk is a contiguous changed region. Line numbers are 1-based; a zero
// OldLines means a pure insertion, a zero NewLines a pure deletion.
type Hunk struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int
}

// Snapshot is an immutable computed diff: the base text it was computed
// against, the buffer version it reflects, and the hunks.
type Snapshot struct {
	// BaseText is the base the diff was computed against; nil when the
	// buffer has no base (e.g. an untracked file), in which case the
	// whole buffer is one insertion hunk.
	BaseText *string

	// BufferVersion is the buffer edit counter the diff reflects.
	BufferVersion uint64

	// Hunks are the changed regions, ordered by buffer position.
	Hunks []Hunk
}

// BufferDiff is a live diff object handed out to readers. Its snapshot is
// swapped wholesale on recomputation; readers always see a consistent value.
type BufferDiff struct {
	mu       sync.Mutex
	kind     DiffKind
	snapshot Snapshot

	// secondary is the unstaged diff when this is the uncommitted diff,
	// so staging a hunk in one view is observable from the other.
	secondary *BufferDiff
}

// Kind returns which view this diff represents.
func (d *BufferDiff) Kind() DiffKind {
	return d.kind
}

// Snapshot returns the current computed diff.
func (d *BufferDiff) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshot
}

// Secondary returns the unstaged diff backing an uncommitted diff, nil
// otherwise.
func (d *BufferDiff) Secondary() *BufferDiff {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.secondary
}

func (d *BufferDiff) setSnapshot(s Snapshot) {
	d.mu.Lock()
	d.snapshot = s
	d.mu.Unlock()
}

// BasesMode describes which base texts a DiffBasesChange carries.
type BasesMode int

const (
	// BasesIndexOnly sets the index text only.
	BasesIndexOnly BasesMode = iota
	// BasesHeadOnly sets the head text only.
	BasesHeadOnly
	// BasesIndexMatchesHead sets both bases to the same text.
	BasesIndexMatchesHead
	// BasesEach sets both bases independently.
	BasesEach
)

// DiffBasesChange carries new base texts for a buffer. Nil text pointers
// mean "no content for this base" (path absent from index or HEAD).
type DiffBasesChange struct {
	Mode      BasesMode
	IndexText *string
	HeadText  *string
}

// State tracks the diff bases and diff objects for one buffer.
type State struct {
	mu sync.Mutex

	log *slog.Logger

	indexText *string
	headText  *string

	indexChanged    bool
	headChanged     bool
	languageChanged bool

	unstaged    *BufferDiff
	uncommitted *BufferDiff

	// generation identifies the most recently scheduled recomputation;
	// an older goroutine discovers it was superseded by comparing.
	generation    uint64
	recalculating bool
	waiters       []chan struct{}

	// hunkStagingOps counts optimistic hunk-staging index writes;
	// hunkStagingOpsAsOfWrite records the count as of the last write
	// that completed. A recomputation started before a write completes
	// is abandoned so it cannot clobber the optimistic state.
	hunkStagingOps          uint64
	hunkStagingOpsAsOfWrite uint64
}

// NewState creates a diff state for one buffer.
func NewState(log *slog.Logger) *State {
	if log == nil {
		log = slog.Default()
	}
	return &State{log: log}
}

// UnstagedDiff returns the buffer's unstaged diff object, creating it on
// first request.
func (s *State) UnstagedDiff() *BufferDiff {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unstaged == nil {
		s.unstaged = &BufferDiff{kind: DiffKindUnstaged}
		if s.uncommitted != nil {
			s.uncommitted.mu.Lock()
			s.uncommitted.secondary = s.unstaged
			s.uncommitted.mu.Unlock()
		}
	}
	return s.unstaged
}

// UncommittedDiff returns the buffer's uncommitted diff object, creating it
// on first request. Its secondary base is the unstaged diff when both exist.
func (s *State) UncommittedDiff() *BufferDiff {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.uncommitted == nil {
		s.uncommitted = &BufferDiff{kind: DiffKindUncommitted, secondary: s.unstaged}
	}
	return s.uncommitted
}

// IndexText returns the cached index base text. ok is false when the path
// has no index entry.
func (s *State) IndexText() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexText == nil {
		return "", false
	}
	return *s.indexText, true
}

// HeadText returns the cached HEAD base text.
func (s *State) HeadText() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.headText == nil {
		return "", false
	}
	return *s.headText, true
}

// BasesChanged applies a base-text change and schedules recomputation
// against the given buffer snapshot.
func (s *State) BasesChanged(buf bufstore.Snapshot, change *DiffBasesChange) {
	s.mu.Lock()
	if change != nil {
		switch change.Mode {
		case BasesIndexOnly:
			s.indexText = normalize(change.IndexText)
			s.indexChanged = true
		case BasesHeadOnly:
			s.headText = normalize(change.HeadText)
			s.headChanged = true
		case BasesIndexMatchesHead:
			// One shared pointer for both bases; recomputation detects
			// the match by pointer identity and diffs once.
			text := normalize(change.IndexText)
			s.indexText = text
			s.headText = text
			s.indexChanged = true
			s.headChanged = true
		case BasesEach:
			s.indexText = normalize(change.IndexText)
			s.headText = normalize(change.HeadText)
			s.indexChanged = true
			s.headChanged = true
		}
	}
	s.scheduleLocked(buf)
	s.mu.Unlock()
}

// LanguageChanged records a language change and schedules recomputation.
func (s *State) LanguageChanged(buf bufstore.Snapshot) {
	s.mu.Lock()
	s.languageChanged = true
	s.scheduleLocked(buf)
	s.mu.Unlock()
}

// BufferEdited schedules recomputation after a buffer edit without touching
// the bases.
func (s *State) BufferEdited(buf bufstore.Snapshot) {
	s.mu.Lock()
	s.scheduleLocked(buf)
	s.mu.Unlock()
}

// WaitForRecalculation returns nil when no recomputation is in flight (the
// caller may read diffs immediately); otherwise it returns a channel closed
// when the in-flight computation settles.
func (s *State) WaitForRecalculation() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.recalculating {
		return nil
	}
	ch := make(chan struct{})
	s.waiters = append(s.waiters, ch)
	return ch
}

// scheduleLocked captures the inputs for a recomputation and spawns it.
// Caller must hold s.mu.
func (s *State) scheduleLocked(buf bufstore.Snapshot) {
	s.generation++
	gen := s.generation
	s.recalculating = true

	index := s.indexText
	head := s.headText
	unstaged := s.unstaged
	uncommitted := s.uncommitted
	prevOps := s.hunkStagingOpsAsOfWrite
	indexMatchesHead := index == head // pointer identity, see BasesIndexMatchesHead

	go s.recalculate(buf, gen, index, head, indexMatchesHead, unstaged, uncommitted, prevOps)
}

// recalculate computes fresh diff snapshots from captured inputs and applies
// them unless superseded.
func (s *State) recalculate(
	buf bufstore.Snapshot,
	gen uint64,
	index, head *string,
	indexMatchesHead bool,
	unstaged, uncommitted *BufferDiff,
	prevOps uint64,
) {
	s.log.Debug("recalculating diffs", "buffer", buf.ID, "version", buf.Version)

	var newUnstaged, newUncommitted *Snapshot
	if unstaged != nil {
		snap := computeSnapshot(index, buf)
		newUnstaged = &snap
	}
	if uncommitted != nil {
		if indexMatchesHead && newUnstaged != nil {
			newUncommitted = newUnstaged
		} else {
			snap := computeSnapshot(head, buf)
			newUncommitted = &snap
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.generation != gen {
		// Superseded; the newer computation owns the state now.
		return
	}
	if s.hunkStagingOps > prevOps {
		// A hunk-staging index write is still settling; abandon this
		// cycle and let the post-write recomputation refresh the diffs.
		s.settleLocked()
		s.log.Debug("diff recalculation abandoned pending index write", "buffer", buf.ID)
		return
	}

	if unstaged != nil && newUnstaged != nil {
		unstaged.setSnapshot(*newUnstaged)
	}
	if uncommitted != nil && newUncommitted != nil {
		uncommitted.setSnapshot(*newUncommitted)
	}

	s.indexChanged = false
	s.headChanged = false
	s.languageChanged = false
	s.settleLocked()
	s.log.Debug("finished recalculating diffs", "buffer", buf.ID)
}

// settleLocked marks recomputation finished and resolves pending waiters.
// Caller must hold s.mu.
func (s *State) settleLocked() {
	s.recalculating = false
	for _, ch := range s.waiters {
		close(ch)
	}
	s.waiters = nil
}

// normalize returns a line-ending normalized copy of text.
func normalize(text *string) *string {
	if text == nil {
		return nil
	}
	normalized := strings.ReplaceAll(*text, "\r\n", "\n")
	return &normalized
}
