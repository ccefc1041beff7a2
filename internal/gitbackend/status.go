package gitbackend

import (
	"bufio"
	"sort"
	"strconv"
	"strings"
	"time"
)

// StatusCode represents the status of a file in the working tree.
type StatusCode int

const (
	// StatusUnmodified indicates the file is unchanged.
	StatusUnmodified StatusCode = iota
	// StatusModified indicates the file has been modified.
	StatusModified
	// StatusAdded indicates the file is newly added.
	StatusAdded
	// StatusDeleted indicates the file has been deleted.
	StatusDeleted
	// StatusRenamed indicates the file has been renamed.
	StatusRenamed
	// StatusCopied indicates the file has been copied.
	StatusCopied
	// StatusUntracked indicates the file is not tracked by git.
	StatusUntracked
	// StatusConflict indicates a merge conflict.
	StatusConflict
)

// String returns the string representation of a StatusCode.
func (s StatusCode) String() string {
	switch s {
	case StatusUnmodified:
		return "unmodified"
	case StatusModified:
		return "modified"
	case StatusAdded:
		return "added"
	case StatusDeleted:
		return "deleted"
	case StatusRenamed:
		return "renamed"
	case StatusCopied:
		return "copied"
	case StatusUntracked:
		return "untracked"
	case StatusConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// StatusEntry is the status of a single path relative to the repository root.
// Entries are comparable; two entries are equal when path, status, and staged
// flag all match, which is what the replication delta builder relies on.
type StatusEntry struct {
	// Path is the file path relative to the repository root.
	Path string

	// Status indicates the type of change.
	Status StatusCode

	// Staged indicates whether the change is recorded in the index.
	Staged bool
}

// Branch summarizes the checked-out branch.
type Branch struct {
	// Name is the branch name (e.g., "main").
	Name string

	// IsHead indicates the branch is the current HEAD.
	IsHead bool

	// Upstream is the upstream ref name (e.g., "origin/main"), empty if none.
	Upstream string

	// Ahead is the number of commits ahead of upstream.
	Ahead int

	// Behind is the number of commits behind upstream.
	Behind int

	// LastCommitSummary is the subject line of the most recent commit.
	LastCommitSummary string
}

// CommitDetails describes a single commit.
type CommitDetails struct {
	// SHA is the full commit hash.
	SHA string

	// Message is the full commit message.
	Message string

	// AuthorName is the commit author name.
	AuthorName string

	// AuthorEmail is the commit author email.
	AuthorEmail string

	// CommitTime is when the commit was created.
	CommitTime time.Time
}

// Remote describes a configured remote.
type Remote struct {
	// Name is the remote name (e.g., "origin").
	Name string

	// URL is the fetch URL.
	URL string
}

// Status is the full working tree status of a repository.
type Status struct {
	// Branch is the current branch summary, nil in detached HEAD state
	// or in an unborn repository.
	Branch *Branch

	// MergeMessage is the pending merge message (.git/MERGE_MSG), empty
	// when no merge is in progress.
	MergeMessage string

	// MergeConflicts contains conflicted paths, sorted.
	MergeConflicts []string

	// Entries contains one entry per changed path, sorted by path.
	Entries []StatusEntry
}

// parsePorcelainV2 parses `git status --porcelain=v2 -z`-less line output into
// per-path entries. One entry is produced per path: index changes win over
// worktree changes so a partially staged file reports as staged.
func parsePorcelainV2(output string) ([]StatusEntry, []string) {
	var entries []StatusEntry
	var conflicts []string

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		switch line[0] {
		case '#':
			continue
		case '1':
			if e := parseOrdinaryEntry(line); e != nil {
				entries = append(entries, *e)
			}
		case '2':
			if e := parseRenamedEntry(line); e != nil {
				entries = append(entries, *e)
			}
		case 'u':
			if path := parseUnmergedEntry(line); path != "" {
				conflicts = append(conflicts, path)
				entries = append(entries, StatusEntry{Path: path, Status: StatusConflict})
			}
		case '?':
			if len(line) > 2 {
				entries = append(entries, StatusEntry{Path: line[2:], Status: StatusUntracked})
			}
		case '!':
			continue
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	sort.Strings(conflicts)
	return entries, conflicts
}

// parseOrdinaryEntry parses a porcelain v2 ordinary entry.
// Format: 1 <XY> <sub> <mH> <mI> <mW> <hH> <hI> <path>
func parseOrdinaryEntry(line string) *StatusEntry {
	fields := strings.Fields(line)
	if len(fields) < 9 {
		return nil
	}

	xy := fields[1]
	path := fields[8]

	// Handle paths with spaces
	if idx := strings.Index(line, fields[8]); idx > 0 {
		path = line[idx:]
	}

	indexStatus := xy[0]
	worktreeStatus := xy[1]

	if indexStatus != '.' {
		return &StatusEntry{Path: path, Status: charToStatus(indexStatus), Staged: true}
	}
	if worktreeStatus != '.' {
		return &StatusEntry{Path: path, Status: charToStatus(worktreeStatus)}
	}
	return nil
}

// parseRenamedEntry parses a porcelain v2 renamed/copied entry.
// Format: 2 <XY> <sub> <mH> <mI> <mW> <hH> <hI> <X><score> <path><tab><origPath>
func parseRenamedEntry(line string) *StatusEntry {
	tabIdx := strings.LastIndex(line, "\t")
	if tabIdx == -1 {
		return nil
	}

	fields := strings.Fields(line[:tabIdx])
	if len(fields) < 10 {
		return nil
	}

	xy := fields[1]
	newPath := fields[9]

	// Handle paths with spaces
	if idx := strings.Index(line[:tabIdx], fields[9]); idx > 0 {
		newPath = line[idx:tabIdx]
	}

	status := StatusRenamed
	if fields[8][0] == 'C' {
		status = StatusCopied
	}

	return &StatusEntry{Path: newPath, Status: status, Staged: xy[0] != '.'}
}

// parseUnmergedEntry parses a porcelain v2 unmerged entry.
// Format: u <XY> <sub> <m1> <m2> <m3> <mW> <h1> <h2> <h3> <path>
func parseUnmergedEntry(line string) string {
	fields := strings.Fields(line)
	if len(fields) < 11 {
		return ""
	}

	path := fields[10]
	if idx := strings.Index(line, fields[10]); idx > 0 {
		path = line[idx:]
	}
	return path
}

// charToStatus converts a porcelain status character to StatusCode.
func charToStatus(c byte) StatusCode {
	switch c {
	case 'M':
		return StatusModified
	case 'A':
		return StatusAdded
	case 'D':
		return StatusDeleted
	case 'R':
		return StatusRenamed
	case 'C':
		return StatusCopied
	case 'T': // Type change
		return StatusModified
	case 'U':
		return StatusConflict
	default:
		return StatusUnmodified
	}
}

// parseAheadBehind parses `git rev-list --left-right --count` output.
func parseAheadBehind(output string) (ahead, behind int) {
	parts := strings.Fields(output)
	if len(parts) >= 2 {
		ahead, _ = strconv.Atoi(parts[0])
		behind, _ = strconv.Atoi(parts[1])
	}
	return ahead, behind
}
