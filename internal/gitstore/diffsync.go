package gitstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dshills/reposync/internal/bufstore"
	"github.com/dshills/reposync/internal/diffstate"
	"github.com/dshills/reposync/internal/gitstore/jobqueue"
)

// diffEntry ties one open buffer to its diff state and owning repository.
type diffEntry struct {
	state   *diffstate.State
	buffer  *bufstore.Buffer
	repoID  RepositoryID
	relPath string
}

// diffRegistry owns diff state for every buffer that has ever had a diff
// requested.
type diffRegistry struct {
	store *Store

	mu       sync.Mutex
	byBuffer map[bufstore.BufferID]*diffEntry
}

func newDiffRegistry(store *Store) *diffRegistry {
	return &diffRegistry{
		store:    store,
		byBuffer: make(map[bufstore.BufferID]*diffEntry),
	}
}

// entryFor returns the diff entry for a buffer, creating it on first use by
// resolving the buffer's owning repository.
func (d *diffRegistry) entryFor(bufferID bufstore.BufferID) (*diffEntry, error) {
	d.mu.Lock()
	if entry, ok := d.byBuffer[bufferID]; ok {
		d.mu.Unlock()
		return entry, nil
	}
	d.mu.Unlock()

	buf, err := d.store.Buffers().Get(bufferID)
	if err != nil {
		return nil, err
	}
	repo, relPath, err := d.store.owningRepository(buf.Path())
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if entry, ok := d.byBuffer[bufferID]; ok {
		return entry, nil
	}
	entry := &diffEntry{
		state:   diffstate.NewState(d.store.log),
		buffer:  buf,
		repoID:  repo.ID(),
		relPath: relPath,
	}
	d.byBuffer[bufferID] = entry
	return entry, nil
}

// lookup returns the existing entry for a buffer.
func (d *diffRegistry) lookup(bufferID bufstore.BufferID) (*diffEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.byBuffer[bufferID]
	if !ok {
		return nil, ErrNoDiffForBuffer
	}
	return entry, nil
}

// Forget drops the diff state for a closed buffer.
func (d *diffRegistry) Forget(bufferID bufstore.BufferID) {
	d.mu.Lock()
	delete(d.byBuffer, bufferID)
	d.mu.Unlock()
}

// RefreshAll reloads base texts for every tracked buffer.
func (d *diffRegistry) RefreshAll() {
	d.mu.Lock()
	entries := make([]*diffEntry, 0, len(d.byBuffer))
	for _, entry := range d.byBuffer {
		entries = append(entries, entry)
	}
	d.mu.Unlock()
	for _, entry := range entries {
		d.refresh(entry)
	}
}

// RefreshRepository reloads base texts for the buffers owned by one
// repository.
func (d *diffRegistry) RefreshRepository(repo *Repository) {
	id := repo.ID()
	d.mu.Lock()
	var entries []*diffEntry
	for _, entry := range d.byBuffer {
		if entry.repoID == id {
			entries = append(entries, entry)
		}
	}
	d.mu.Unlock()
	for _, entry := range entries {
		d.refresh(entry)
	}
}

// refresh submits a keyed base reload for one buffer. Rapid scan churn for
// the same path coalesces to a single read.
func (d *diffRegistry) refresh(entry *diffEntry) {
	repo, err := d.store.Repository(entry.repoID)
	if err != nil || repo.mode != ModeLocal {
		// Remote-mode bases arrive as pushed DiffBasesMessages.
		return
	}
	key := jobqueue.Key(fmt.Sprintf("load-bases:%d:%s", entry.repoID, entry.relPath))
	_ = repo.jobs.SubmitKeyed(key, func(ctx context.Context) {
		change, err := d.loadBases(ctx, repo, entry.relPath)
		if err != nil {
			d.store.log.Warn("diff base reload failed", "path", entry.relPath, "error", err)
			return
		}
		d.applyBases(entry, change)
	})
}

// loadBases reads the index and HEAD content for one path and folds them
// into a DiffBasesChange, collapsing to IndexMatchesHead when equal.
func (d *diffRegistry) loadBases(ctx context.Context, repo *Repository, relPath string) (*diffstate.DiffBasesChange, error) {
	indexText, indexOK, err := repo.backend.LoadIndexText(ctx, relPath)
	if err != nil {
		return nil, err
	}
	headText, headOK, err := repo.backend.LoadHeadText(ctx, relPath)
	if err != nil {
		return nil, err
	}

	change := &diffstate.DiffBasesChange{Mode: diffstate.BasesEach}
	if indexOK {
		change.IndexText = &indexText
	}
	if headOK {
		change.HeadText = &headText
	}
	if indexOK == headOK && (!indexOK || indexText == headText) {
		change.Mode = diffstate.BasesIndexMatchesHead
		change.HeadText = change.IndexText
	}
	return change, nil
}

// applyBases feeds a bases change into the buffer's diff state and mirrors
// it downstream.
func (d *diffRegistry) applyBases(entry *diffEntry, change *diffstate.DiffBasesChange) {
	entry.state.BasesChanged(entry.buffer.Snapshot(), change)

	if d.store.downstream != nil {
		msg := DiffBasesMessage{
			BufferID:  entry.buffer.ID(),
			Mode:      change.Mode,
			IndexText: change.IndexText,
			HeadText:  change.HeadText,
		}
		if err := d.store.downstream.SendDiffBases(msg); err != nil {
			d.store.log.Warn("diff base replication failed", "buffer", msg.BufferID, "error", err)
		}
	}
}

// owningRepository finds the repository whose work directory contains the
// given absolute buffer path, returning the repository-relative path.
func (s *Store) owningRepository(absPath string) (*Repository, string, error) {
	if absPath == "" {
		return nil, "", ErrRepositoryNotFound
	}
	s.mu.Lock()
	var best *Repository
	for _, repo := range s.repos {
		root := repo.snapshot.AbsPath
		if absPath == root || strings.HasPrefix(absPath, root+string(filepath.Separator)) {
			if best == nil || len(root) > len(best.snapshot.AbsPath) {
				best = repo
			}
		}
	}
	s.mu.Unlock()
	if best == nil {
		return nil, "", ErrRepositoryNotFound
	}
	rel, err := filepath.Rel(best.AbsPath(), absPath)
	if err != nil {
		return nil, "", err
	}
	return best, filepath.ToSlash(rel), nil
}

// OpenUnstagedDiff returns the working-tree-vs-index diff object for a
// buffer, loading its index base first. The diff stays current as scans
// land; callers re-read its snapshot after WaitForDiff.
func (s *Store) OpenUnstagedDiff(ctx context.Context, bufferID bufstore.BufferID) (*diffstate.BufferDiff, error) {
	entry, err := s.diffs.entryFor(bufferID)
	if err != nil {
		return nil, err
	}
	diff := entry.state.UnstagedDiff()

	repo, err := s.Repository(entry.repoID)
	if err != nil {
		return nil, err
	}
	if repo.mode == ModeRemote {
		indexText, err := repo.upstream.OpenUnstagedDiff(ctx, bufferID)
		if err != nil {
			return nil, err
		}
		s.diffs.applyBases(entry, &diffstate.DiffBasesChange{
			Mode:      diffstate.BasesIndexOnly,
			IndexText: indexText,
		})
		return diff, nil
	}

	reply := submit(repo, nil, func(ctx context.Context) (*diffstate.DiffBasesChange, error) {
		return s.diffs.loadBases(ctx, repo, entry.relPath)
	})
	select {
	case res := <-reply:
		if res.Err != nil {
			return nil, res.Err
		}
		s.diffs.applyBases(entry, res.Value)
		return diff, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OpenUncommittedDiff returns the working-tree-vs-HEAD diff object for a
// buffer, loading both bases first.
func (s *Store) OpenUncommittedDiff(ctx context.Context, bufferID bufstore.BufferID) (*diffstate.BufferDiff, error) {
	entry, err := s.diffs.entryFor(bufferID)
	if err != nil {
		return nil, err
	}
	// Ensure the unstaged diff exists so the uncommitted diff's secondary
	// base links up and the shared-result shortcut can apply.
	entry.state.UnstagedDiff()
	diff := entry.state.UncommittedDiff()

	repo, err := s.Repository(entry.repoID)
	if err != nil {
		return nil, err
	}
	if repo.mode == ModeRemote {
		msg, err := repo.upstream.OpenUncommittedDiff(ctx, bufferID)
		if err != nil {
			return nil, err
		}
		s.diffs.applyBases(entry, &diffstate.DiffBasesChange{
			Mode:      msg.Mode,
			IndexText: msg.IndexText,
			HeadText:  msg.HeadText,
		})
		return diff, nil
	}

	reply := submit(repo, nil, func(ctx context.Context) (*diffstate.DiffBasesChange, error) {
		return s.diffs.loadBases(ctx, repo, entry.relPath)
	})
	select {
	case res := <-reply:
		if res.Err != nil {
			return nil, res.Err
		}
		s.diffs.applyBases(entry, res.Value)
		return diff, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// BufferEdited tells the store a buffer's content changed so its diffs can
// recompute.
func (s *Store) BufferEdited(bufferID bufstore.BufferID) {
	entry, err := s.diffs.lookup(bufferID)
	if err != nil {
		return
	}
	entry.state.BufferEdited(entry.buffer.Snapshot())
}

// CloseBufferDiffs drops diff state for a closed buffer.
func (s *Store) CloseBufferDiffs(bufferID bufstore.BufferID) {
	s.diffs.Forget(bufferID)
}

// WaitForDiff returns nil when the buffer's diffs are settled, or a channel
// closed when the in-flight recomputation finishes.
func (s *Store) WaitForDiff(bufferID bufstore.BufferID) (<-chan struct{}, error) {
	entry, err := s.diffs.lookup(bufferID)
	if err != nil {
		return nil, err
	}
	return entry.state.WaitForRecalculation(), nil
}

// DiffBasesForBuffer loads the current bases for a buffer on behalf of a
// downstream peer's initial diff subscription.
func (s *Store) DiffBasesForBuffer(ctx context.Context, bufferID bufstore.BufferID) (DiffBasesMessage, error) {
	entry, err := s.diffs.entryFor(bufferID)
	if err != nil {
		return DiffBasesMessage{}, err
	}
	repo, err := s.Repository(entry.repoID)
	if err != nil {
		return DiffBasesMessage{}, err
	}
	if repo.mode != ModeLocal {
		return DiffBasesMessage{}, ErrRemoteUnsupported
	}

	reply := submit(repo, nil, func(ctx context.Context) (*diffstate.DiffBasesChange, error) {
		return s.diffs.loadBases(ctx, repo, entry.relPath)
	})
	select {
	case res := <-reply:
		if res.Err != nil {
			return DiffBasesMessage{}, res.Err
		}
		return DiffBasesMessage{
			BufferID:  bufferID,
			Mode:      res.Value.Mode,
			IndexText: res.Value.IndexText,
			HeadText:  res.Value.HeadText,
		}, nil
	case <-ctx.Done():
		return DiffBasesMessage{}, ctx.Err()
	}
}

// ApplyDiffBases applies a pushed base-text change from the upstream peer
// and relays it onward when this node also has a downstream.
func (s *Store) ApplyDiffBases(m DiffBasesMessage) {
	entry, err := s.diffs.lookup(m.BufferID)
	if err != nil {
		// No diff was opened here for that buffer; nothing to update.
		return
	}
	s.diffs.applyBases(entry, &diffstate.DiffBasesChange{
		Mode:      m.Mode,
		IndexText: m.IndexText,
		HeadText:  m.HeadText,
	})
}

// StageHunks stages the given hunks of a buffer's unstaged diff. The index
// base is updated optimistically before the index write lands; a write
// failure rolls the change back and surfaces an index-write-error event.
func (s *Store) StageHunks(ctx context.Context, bufferID bufstore.BufferID, hunks []diffstate.Hunk) error {
	entry, err := s.diffs.lookup(bufferID)
	if err != nil {
		return err
	}
	buf := entry.buffer.Snapshot()
	newIndex, err := entry.state.StagedTextForHunks(buf, hunks)
	if err != nil {
		return err
	}
	return s.writeIndexOptimistic(ctx, entry, buf, newIndex)
}

// UnstageHunks reverts the given hunks' staged content back out of the
// index.
func (s *Store) UnstageHunks(ctx context.Context, bufferID bufstore.BufferID, hunks []diffstate.Hunk) error {
	entry, err := s.diffs.lookup(bufferID)
	if err != nil {
		return err
	}
	buf := entry.buffer.Snapshot()
	newIndex, err := entry.state.UnstagedTextForHunks(buf, hunks)
	if err != nil {
		return err
	}
	return s.writeIndexOptimistic(ctx, entry, buf, newIndex)
}

func (s *Store) writeIndexOptimistic(ctx context.Context, entry *diffEntry, buf bufstore.Snapshot, newIndex string) error {
	repo, err := s.Repository(entry.repoID)
	if err != nil {
		return err
	}

	rollback := entry.state.BeginHunkWrite(newIndex)
	reply := repo.SetIndexText(entry.relPath, &newIndex)

	select {
	case err := <-reply:
		if err != nil && !errors.Is(err, jobqueue.ErrSuperseded) {
			rollback()
			entry.state.FinishHunkWrite(entry.buffer.Snapshot())
			s.events.Publish(Event{
				Kind:         EventIndexWriteError,
				RepositoryID: entry.repoID,
				BufferID:     buf.ID,
				Err:          err,
			})
			return err
		}
		entry.state.FinishHunkWrite(entry.buffer.Snapshot())
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
