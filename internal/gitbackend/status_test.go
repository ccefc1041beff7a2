package gitbackend

import (
	"reflect"
	"testing"
)

func TestParsePorcelainV2(t *testing.T) {
	output := "# branch.head main\n" +
		"1 .M N... 100644 100644 100644 abc def pkg/server.go\n" +
		"1 A. N... 000000 100644 100644 000 def cmd/new.go\n" +
		"2 R. N... 100644 100644 100644 abc def R100 docs/renamed.md\tdocs/old.md\n" +
		"u UU N... 100644 100644 100644 100644 a b c conflict.go\n" +
		"? notes.txt\n" +
		"! vendor/\n"

	entries, conflicts := parsePorcelainV2(output)

	want := []StatusEntry{
		{Path: "cmd/new.go", Status: StatusAdded, Staged: true},
		{Path: "conflict.go", Status: StatusConflict},
		{Path: "docs/renamed.md", Status: StatusRenamed, Staged: true},
		{Path: "notes.txt", Status: StatusUntracked},
		{Path: "pkg/server.go", Status: StatusModified},
	}
	if !reflect.DeepEqual(entries, want) {
		t.Errorf("entries mismatch\ngot:  %+v\nwant: %+v", entries, want)
	}

	if len(conflicts) != 1 || conflicts[0] != "conflict.go" {
		t.Errorf("expected conflicts [conflict.go], got %v", conflicts)
	}
}

func TestParsePorcelainV2SortsByPath(t *testing.T) {
	output := "1 .M N... 100644 100644 100644 abc def zebra.go\n" +
		"1 .M N... 100644 100644 100644 abc def alpha.go\n"

	entries, _ := parsePorcelainV2(output)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Path != "alpha.go" || entries[1].Path != "zebra.go" {
		t.Errorf("entries not sorted: %+v", entries)
	}
}

func TestParseOrdinaryEntryStagedWins(t *testing.T) {
	// Partially staged file: index says modified, worktree says modified.
	e := parseOrdinaryEntry("1 MM N... 100644 100644 100644 abc def file.go")
	if e == nil {
		t.Fatal("expected an entry")
	}
	if !e.Staged {
		t.Error("index change should report as staged")
	}
	if e.Status != StatusModified {
		t.Errorf("expected modified, got %v", e.Status)
	}
}

func TestParseOrdinaryEntryPathWithSpaces(t *testing.T) {
	e := parseOrdinaryEntry("1 .M N... 100644 100644 100644 abc def my file.go")
	if e == nil {
		t.Fatal("expected an entry")
	}
	if e.Path != "my file.go" {
		t.Errorf("expected path %q, got %q", "my file.go", e.Path)
	}
}

func TestParseRenamedEntryCopied(t *testing.T) {
	e := parseRenamedEntry("2 C. N... 100644 100644 100644 abc def C90 copy.go\torig.go")
	if e == nil {
		t.Fatal("expected an entry")
	}
	if e.Status != StatusCopied {
		t.Errorf("expected copied, got %v", e.Status)
	}
	if e.Path != "copy.go" {
		t.Errorf("expected path copy.go, got %q", e.Path)
	}
}

func TestCharToStatus(t *testing.T) {
	tests := []struct {
		in   byte
		want StatusCode
	}{
		{'M', StatusModified},
		{'A', StatusAdded},
		{'D', StatusDeleted},
		{'R', StatusRenamed},
		{'C', StatusCopied},
		{'T', StatusModified},
		{'U', StatusConflict},
		{'.', StatusUnmodified},
	}
	for _, tt := range tests {
		if got := charToStatus(tt.in); got != tt.want {
			t.Errorf("charToStatus(%c) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseAheadBehind(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		ahead  int
		behind int
	}{
		{"both", "3\t7", 3, 7},
		{"clean", "0\t0", 0, 0},
		{"garbage", "nonsense", 0, 0},
		{"empty", "", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ahead, behind := parseAheadBehind(tt.in)
			if ahead != tt.ahead || behind != tt.behind {
				t.Errorf("got (%d, %d), want (%d, %d)", ahead, behind, tt.ahead, tt.behind)
			}
		})
	}
}

func TestStatusCodeString(t *testing.T) {
	if StatusConflict.String() != "conflict" {
		t.Errorf("unexpected string %q", StatusConflict.String())
	}
	if StatusCode(99).String() != "unknown" {
		t.Errorf("unexpected string for out-of-range code")
	}
}
