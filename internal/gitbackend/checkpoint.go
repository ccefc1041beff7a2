package gitbackend

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// checkpointRefPrefix is where checkpoint commits are anchored so they
// survive gc until deleted.
const checkpointRefPrefix = "refs/reposync/checkpoints/"

// Checkpoint captures the current working state (index and working tree,
// including untracked files) as a commit outside refs/heads. The repository's
// real index and HEAD are untouched; the snapshot is built through a
// temporary index file.
func (l *Local) Checkpoint(ctx context.Context) (Checkpoint, error) {
	tmpIndex, err := os.CreateTemp("", "reposync-index-*")
	if err != nil {
		return Checkpoint{}, fmt.Errorf("create temp index: %w", err)
	}
	tmpIndex.Close()
	defer os.Remove(tmpIndex.Name())

	indexEnv := []string{"GIT_INDEX_FILE=" + tmpIndex.Name()}

	headSHA := ""
	if out, err := l.git(ctx, "rev-parse", "--verify", "--quiet", "HEAD"); err == nil {
		headSHA = strings.TrimSpace(out)
	}
	if headSHA != "" {
		if _, err := l.gitEnv(ctx, indexEnv, "read-tree", "HEAD"); err != nil {
			return Checkpoint{}, fmt.Errorf("read-tree: %w", err)
		}
	}

	if _, err := l.gitEnv(ctx, indexEnv, "add", "--all"); err != nil {
		return Checkpoint{}, fmt.Errorf("stage checkpoint contents: %w", err)
	}

	treeOut, err := l.gitEnv(ctx, indexEnv, "write-tree")
	if err != nil {
		return Checkpoint{}, fmt.Errorf("write-tree: %w", err)
	}
	tree := strings.TrimSpace(treeOut)

	commitArgs := []string{"commit-tree", tree, "-m", "reposync checkpoint"}
	if headSHA != "" {
		commitArgs = append(commitArgs, "-p", headSHA)
	}
	commitOut, err := l.gitEnv(ctx, []string{
		"GIT_AUTHOR_NAME=reposync",
		"GIT_AUTHOR_EMAIL=reposync@localhost",
		"GIT_COMMITTER_NAME=reposync",
		"GIT_COMMITTER_EMAIL=reposync@localhost",
	}, commitArgs...)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("commit-tree: %w", err)
	}
	sha := strings.TrimSpace(commitOut)

	if _, err := l.git(ctx, "update-ref", checkpointRefPrefix+sha, sha); err != nil {
		return Checkpoint{}, fmt.Errorf("anchor checkpoint ref: %w", err)
	}

	return Checkpoint{CommitSHA: sha}, nil
}

// RestoreCheckpoint re-applies a checkpoint to the index and working tree.
// Tracked files absent from the checkpoint are removed (non-overlay restore);
// files created after the checkpoint that were never tracked are left alone.
func (l *Local) RestoreCheckpoint(ctx context.Context, cp Checkpoint) error {
	if cp.CommitSHA == "" {
		return ErrCheckpointNotFound
	}
	if _, err := l.git(ctx, "rev-parse", "--verify", "--quiet", cp.CommitSHA+"^{commit}"); err != nil {
		return ErrCheckpointNotFound
	}
	_, err := l.git(ctx, "restore", "--source="+cp.CommitSHA, "--staged", "--worktree", "--no-overlay", "--", ".")
	if err != nil {
		return fmt.Errorf("restore checkpoint %s: %w", shortSHA(cp.CommitSHA), err)
	}
	return nil
}

// CompareCheckpoints reports whether two checkpoints captured identical trees.
func (l *Local) CompareCheckpoints(ctx context.Context, left, right Checkpoint) (bool, error) {
	if left.CommitSHA == "" || right.CommitSHA == "" {
		return false, ErrCheckpointNotFound
	}
	code, err := l.gitExit(ctx, "diff-tree", "--quiet", left.CommitSHA, right.CommitSHA)
	if err != nil {
		return false, fmt.Errorf("compare checkpoints: %w", err)
	}
	return code == 0, nil
}

// DeleteCheckpoint drops the ref anchoring a checkpoint commit, letting gc
// reclaim it.
func (l *Local) DeleteCheckpoint(ctx context.Context, cp Checkpoint) error {
	if cp.CommitSHA == "" {
		return ErrCheckpointNotFound
	}
	_, err := l.git(ctx, "update-ref", "-d", checkpointRefPrefix+cp.CommitSHA)
	return err
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
