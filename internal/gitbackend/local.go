package gitbackend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Local is a Backend that shells out to the git binary for a repository
// rooted at a work directory on this machine.
type Local struct {
	path string

	// env is the fully resolved environment for every git invocation:
	// the process environment merged with configured overrides (e.g.
	// GIT_SSH_COMMAND, author identity fallback).
	env []string
}

// Open opens an existing repository at path. extraEnv holds KEY=VALUE
// entries that override the inherited process environment for all git
// invocations.
func Open(path string, extraEnv []string) (*Local, error) {
	gitDir := filepath.Join(path, ".git")
	info, err := os.Stat(gitDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotRepository
		}
		return nil, fmt.Errorf("stat .git: %w", err)
	}

	// .git can be a directory or a file (for worktrees)
	if !info.IsDir() {
		content, err := os.ReadFile(gitDir)
		if err != nil {
			return nil, fmt.Errorf("read .git file: %w", err)
		}
		if !bytes.HasPrefix(content, []byte("gitdir:")) {
			return nil, ErrNotRepository
		}
	}

	env := append(os.Environ(), extraEnv...)

	return &Local{path: path, env: env}, nil
}

// Discover finds the repository root from any path within it and opens it.
func Discover(path string, extraEnv []string) (*Local, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}

	current := absPath
	for {
		if _, err := os.Stat(filepath.Join(current, ".git")); err == nil {
			return Open(current, extraEnv)
		}
		parent := filepath.Dir(current)
		if parent == current {
			return nil, ErrRepositoryNotFound
		}
		current = parent
	}
}

// Path returns the repository root path.
func (l *Local) Path() string {
	return l.path
}

// git executes a git command in the repository.
func (l *Local) git(ctx context.Context, args ...string) (string, error) {
	return l.gitEnv(ctx, nil, args...)
}

// gitEnv executes a git command with additional environment entries.
func (l *Local) gitEnv(ctx context.Context, extraEnv []string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = l.path
	cmd.Env = append(append([]string{}, l.env...), extraEnv...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if isAuthFailure(msg) {
			return "", fmt.Errorf("git %s: %w: %s", args[0], ErrAuthenticationFailed, msg)
		}
		return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), msg)
	}

	return stdout.String(), nil
}

// gitStdin executes a git command feeding input on stdin.
func (l *Local) gitStdin(ctx context.Context, input string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = l.path
	cmd.Env = l.env
	cmd.Stdin = strings.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// gitExit executes a git command and returns its exit code. Exit codes other
// than 0 and 1 are reported as errors.
func (l *Local) gitExit(ctx context.Context, args ...string) (int, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = l.path
	cmd.Env = l.env

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return 1, nil
	}
	return -1, fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(stderr.String()))
}

func isAuthFailure(stderr string) bool {
	return strings.Contains(stderr, "Authentication failed") ||
		strings.Contains(stderr, "Permission denied") ||
		strings.Contains(stderr, "could not read Username")
}

// Status returns the working tree status.
func (l *Local) Status(ctx context.Context) (*Status, error) {
	status := &Status{}

	branchOutput, err := l.git(ctx, "branch", "--show-current")
	if err == nil {
		if name := strings.TrimSpace(branchOutput); name != "" {
			branch := &Branch{Name: name, IsHead: true}

			if upstream, err := l.git(ctx, "rev-parse", "--abbrev-ref", name+"@{upstream}"); err == nil {
				branch.Upstream = strings.TrimSpace(upstream)
				if revList, err := l.git(ctx, "rev-list", "--left-right", "--count", name+"..."+branch.Upstream); err == nil {
					branch.Ahead, branch.Behind = parseAheadBehind(revList)
				}
			}
			if summary, err := l.git(ctx, "log", "-1", "--format=%s"); err == nil {
				branch.LastCommitSummary = strings.TrimSpace(summary)
			}
			status.Branch = branch
		}
	}

	if msg, err := os.ReadFile(filepath.Join(l.path, ".git", "MERGE_MSG")); err == nil {
		status.MergeMessage = strings.TrimSpace(string(msg))
	}

	output, err := l.git(ctx, "status", "--porcelain=v2", "--untracked-files=all")
	if err != nil {
		return nil, fmt.Errorf("git status: %w", err)
	}
	status.Entries, status.MergeConflicts = parsePorcelainV2(output)

	return status, nil
}

// LoadIndexText returns the staged content of path.
func (l *Local) LoadIndexText(ctx context.Context, path string) (string, bool, error) {
	text, err := l.git(ctx, "show", ":"+path)
	if err != nil {
		// Untracked or removed paths have no index entry.
		return "", false, nil
	}
	return text, true, nil
}

// LoadHeadText returns the committed content of path at HEAD.
func (l *Local) LoadHeadText(ctx context.Context, path string) (string, bool, error) {
	text, err := l.git(ctx, "show", "HEAD:"+path)
	if err != nil {
		return "", false, nil
	}
	return text, true, nil
}

// SetIndexText writes content as the staged content of path, or removes the
// index entry when content is nil.
func (l *Local) SetIndexText(ctx context.Context, path string, content *string) error {
	if content == nil {
		_, err := l.git(ctx, "update-index", "--force-remove", "--", path)
		return err
	}

	sha, err := l.gitStdin(ctx, *content, "hash-object", "-w", "--stdin")
	if err != nil {
		return fmt.Errorf("hash index text: %w", err)
	}
	_, err = l.git(ctx, "update-index", "--add", "--cacheinfo", "100644,"+strings.TrimSpace(sha)+","+path)
	if err != nil {
		return fmt.Errorf("update index: %w", err)
	}
	return nil
}

// Stage stages the given paths.
func (l *Local) Stage(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	_, err := l.git(ctx, append([]string{"add", "--"}, paths...)...)
	return err
}

// Unstage removes the given paths from the index, keeping worktree content.
func (l *Local) Unstage(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	_, err := l.git(ctx, append([]string{"reset", "--quiet", "HEAD", "--"}, paths...)...)
	return err
}

// Commit creates a commit from the current index.
func (l *Local) Commit(ctx context.Context, message string, opts CommitOptions) error {
	args := []string{"commit", "--quiet", "-m", message}
	if opts.Amend {
		args = append(args, "--amend")
	}
	if opts.SignOff {
		args = append(args, "--signoff")
	}
	if opts.AuthorName != "" {
		args = append(args, "--author", fmt.Sprintf("%s <%s>", opts.AuthorName, opts.AuthorEmail))
	}

	_, err := l.git(ctx, args...)
	if err != nil && strings.Contains(err.Error(), "nothing to commit") {
		return ErrNothingToCommit
	}
	return err
}

// Fetch fetches from the named remote.
func (l *Local) Fetch(ctx context.Context, remote string, ask AskPassFunc) error {
	return l.networkOp(ctx, ask, "fetch", remote)
}

// Push pushes branch to remote.
func (l *Local) Push(ctx context.Context, branch, remote string, opts PushOptions, ask AskPassFunc) error {
	args := []string{"push"}
	if opts.SetUpstream {
		args = append(args, "--set-upstream")
	}
	if opts.Force {
		args = append(args, "--force-with-lease")
	}
	args = append(args, remote, branch)
	return l.networkOp(ctx, ask, args...)
}

// Pull pulls branch from remote.
func (l *Local) Pull(ctx context.Context, branch, remote string, rebase bool, ask AskPassFunc) error {
	args := []string{"pull"}
	if rebase {
		args = append(args, "--rebase")
	}
	args = append(args, remote, branch)
	return l.networkOp(ctx, ask, args...)
}

// networkOp runs a git command that may require credentials, bridging
// interactive prompts through ask when provided.
func (l *Local) networkOp(ctx context.Context, ask AskPassFunc, args ...string) error {
	env := []string{"GIT_TERMINAL_PROMPT=0"}
	if ask != nil {
		bridge, err := startAskPassBridge(ctx, ask)
		if err != nil {
			return fmt.Errorf("askpass bridge: %w", err)
		}
		defer bridge.Close()
		env = append(env,
			"GIT_ASKPASS="+bridge.ScriptPath(),
			"SSH_ASKPASS="+bridge.ScriptPath(),
			"SSH_ASKPASS_REQUIRE=force",
		)
	}
	_, err := l.gitEnv(ctx, env, args...)
	return err
}

// Remotes lists configured remotes.
func (l *Local) Remotes(ctx context.Context) ([]Remote, error) {
	output, err := l.git(ctx, "remote", "-v")
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var remotes []Remote
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || seen[fields[0]] {
			continue
		}
		seen[fields[0]] = true
		remotes = append(remotes, Remote{Name: fields[0], URL: fields[1]})
	}
	return remotes, nil
}

// Branches lists local branches.
func (l *Local) Branches(ctx context.Context) ([]Branch, error) {
	output, err := l.git(ctx, "for-each-ref", "refs/heads",
		"--format=%(HEAD)%00%(refname:short)%00%(upstream:short)%00%(subject)")
	if err != nil {
		return nil, err
	}

	var branches []Branch
	for _, line := range strings.Split(strings.TrimRight(output, "\n"), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\x00", 4)
		if len(parts) < 4 {
			continue
		}
		branches = append(branches, Branch{
			Name:              parts[1],
			IsHead:            parts[0] == "*",
			Upstream:          parts[2],
			LastCommitSummary: parts[3],
		})
	}
	return branches, nil
}

// CreateBranch creates a branch at HEAD without switching to it.
func (l *Local) CreateBranch(ctx context.Context, name string) error {
	_, err := l.git(ctx, "branch", name)
	return err
}

// ChangeBranch checks out the named branch.
func (l *Local) ChangeBranch(ctx context.Context, name string) error {
	_, err := l.git(ctx, "checkout", name)
	if err != nil && strings.Contains(err.Error(), "did not match any") {
		return ErrBranchNotFound
	}
	return err
}

// Diff returns a unified text diff for the whole repository.
func (l *Local) Diff(ctx context.Context, typ DiffType) (string, error) {
	switch typ {
	case DiffTypeHeadToIndex:
		return l.git(ctx, "diff", "--cached")
	default:
		return l.git(ctx, "diff", "HEAD")
	}
}

// Reset resets HEAD to commit with the given mode.
func (l *Local) Reset(ctx context.Context, commit string, mode ResetMode) error {
	arg := "--mixed"
	switch mode {
	case ResetModeSoft:
		arg = "--soft"
	case ResetModeHard:
		arg = "--hard"
	}
	_, err := l.git(ctx, "reset", arg, commit)
	return err
}

// CheckoutFiles restores the given paths from commit.
func (l *Local) CheckoutFiles(ctx context.Context, commit string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	_, err := l.git(ctx, append([]string{"checkout", commit, "--"}, paths...)...)
	return err
}

// Show returns details for a single commit.
func (l *Local) Show(ctx context.Context, commit string) (*CommitDetails, error) {
	output, err := l.git(ctx, "show", "--no-patch", "--format=%H%x00%an%x00%ae%x00%ct%x00%B", commit)
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(strings.TrimSpace(output), "\x00", 5)
	if len(parts) < 5 {
		return nil, fmt.Errorf("unexpected show output for %s", commit)
	}

	details := &CommitDetails{
		SHA:         parts[0],
		AuthorName:  parts[1],
		AuthorEmail: parts[2],
		Message:     strings.TrimSpace(parts[4]),
	}
	if secs, err := parseUnixSeconds(parts[3]); err == nil {
		details.CommitTime = secs
	}
	return details, nil
}

func parseUnixSeconds(s string) (time.Time, error) {
	var secs int64
	if _, err := fmt.Sscanf(s, "%d", &secs); err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0), nil
}

// CheckForPushedCommits lists remote branches that contain HEAD.
func (l *Local) CheckForPushedCommits(ctx context.Context) ([]string, error) {
	output, err := l.git(ctx, "branch", "--remotes", "--contains", "HEAD", "--format=%(refname:short)")
	if err != nil {
		return nil, err
	}

	var branches []string
	for _, line := range strings.Split(strings.TrimRight(output, "\n"), "\n") {
		if line != "" {
			branches = append(branches, line)
		}
	}
	return branches, nil
}
