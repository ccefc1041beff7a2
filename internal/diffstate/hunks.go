package diffstate

import (
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/dshills/reposync/internal/bufstore"
)

// computeSnapshot diffs the buffer text against a base. A nil base produces
// a single insertion hunk spanning the whole buffer.
func computeSnapshot(base *string, buf bufstore.Snapshot) Snapshot {
	if base == nil {
		n := lineCount(buf.Text)
		snap := Snapshot{BufferVersion: buf.Version}
		if n > 0 {
			snap.Hunks = []Hunk{{OldStart: 1, OldLines: 0, NewStart: 1, NewLines: n}}
		}
		return snap
	}

	baseLines := difflib.SplitLines(*base)
	bufLines := difflib.SplitLines(buf.Text)
	matcher := difflib.NewMatcher(baseLines, bufLines)

	var hunks []Hunk
	for _, op := range matcher.GetOpCodes() {
		if op.Tag == 'e' {
			continue
		}
		hunks = append(hunks, Hunk{
			OldStart: op.I1 + 1,
			OldLines: op.I2 - op.I1,
			NewStart: op.J1 + 1,
			NewLines: op.J2 - op.J1,
		})
	}
	return Snapshot{BaseText: base, BufferVersion: buf.Version, Hunks: hunks}
}

// lineCount counts logical lines; a trailing newline does not start one.
func lineCount(text string) int {
	if text == "" {
		return 0
	}
	n := strings.Count(text, "\n")
	if !strings.HasSuffix(text, "\n") {
		n++
	}
	return n
}

// StagedTextForHunks returns the index text that results from staging the
// given hunks of the current unstaged diff: the cached index base with each
// hunk's old lines replaced by the corresponding buffer lines. Hunks must
// come from this state's unstaged diff snapshot and be ordered by position.
func (s *State) StagedTextForHunks(buf bufstore.Snapshot, hunks []Hunk) (string, error) {
	s.mu.Lock()
	base := s.indexText
	s.mu.Unlock()

	baseText := ""
	if base != nil {
		baseText = *base
	}
	return applyHunks(baseText, buf.Text, hunks)
}

// UnstagedTextForHunks returns the index text that results from reverting
// the given hunks back to their index content, i.e. unstaging them.
func (s *State) UnstagedTextForHunks(buf bufstore.Snapshot, hunks []Hunk) (string, error) {
	return revertHunks(buf.Text, hunks)
}

// applyHunks splices newText's hunk regions into oldText.
func applyHunks(oldText, newText string, hunks []Hunk) (string, error) {
	oldLines := splitKeepEnds(oldText)
	newLines := splitKeepEnds(newText)

	var out []string
	cursor := 0 // 0-based index into oldLines
	for _, h := range hunks {
		// For insertions (OldLines == 0) OldStart names the old line the
		// new content lands in front of, so the same arithmetic holds.
		oldFrom := h.OldStart - 1
		oldTo := oldFrom + h.OldLines
		newFrom := h.NewStart - 1
		newTo := newFrom + h.NewLines
		if oldFrom < cursor || oldTo > len(oldLines) || newTo > len(newLines) {
			return "", fmt.Errorf("hunk %+v out of range", h)
		}
		out = append(out, oldLines[cursor:oldFrom]...)
		out = append(out, newLines[newFrom:newTo]...)
		cursor = oldTo
	}
	out = append(out, oldLines[cursor:]...)
	return strings.Join(out, ""), nil
}

// revertHunks removes the new side of each hunk from text and restores
// nothing in its place, yielding text as if the hunks were never made.
// Deletion hunks (NewLines == 0) cannot be reverted without the base and
// are rejected.
func revertHunks(text string, hunks []Hunk) (string, error) {
	lines := splitKeepEnds(text)

	var out []string
	cursor := 0
	for _, h := range hunks {
		if h.NewLines == 0 {
			return "", fmt.Errorf("hunk %+v is a deletion; revert requires the base text", h)
		}
		from := h.NewStart - 1
		to := from + h.NewLines
		if from < cursor || to > len(lines) {
			return "", fmt.Errorf("hunk %+v out of range", h)
		}
		out = append(out, lines[cursor:from]...)
		cursor = to
	}
	out = append(out, lines[cursor:]...)
	return strings.Join(out, ""), nil
}

// splitKeepEnds splits text into lines retaining their terminators, matching
// difflib.SplitLines except it does not synthesize a trailing empty line.
func splitKeepEnds(text string) []string {
	if text == "" {
		return nil
	}
	var lines []string
	for {
		i := strings.IndexByte(text, '\n')
		if i < 0 {
			lines = append(lines, text)
			return lines
		}
		lines = append(lines, text[:i+1])
		text = text[i+1:]
		if text == "" {
			return lines
		}
	}
}

// BeginHunkWrite optimistically installs newIndex as the index base before
// the git index write lands, so diffs computed meanwhile already reflect the
// staging. It returns a rollback restoring the previous base for use when
// the write fails.
func (s *State) BeginHunkWrite(newIndex string) (rollback func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.indexText
	s.indexText = &newIndex
	s.indexChanged = true
	s.hunkStagingOps++

	return func() {
		s.mu.Lock()
		s.indexText = prev
		s.indexChanged = true
		s.mu.Unlock()
	}
}

// FinishHunkWrite records that the optimistic index write settled, allowing
// subsequent recomputations to apply, and schedules one.
func (s *State) FinishHunkWrite(buf bufstore.Snapshot) {
	s.mu.Lock()
	s.hunkStagingOpsAsOfWrite = s.hunkStagingOps
	s.scheduleLocked(buf)
	s.mu.Unlock()
}
