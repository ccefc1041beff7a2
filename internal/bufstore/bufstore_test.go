package bufstore

import (
	"errors"
	"testing"
)

// memFS is an in-memory file system for store tests.
type memFS struct {
	files map[string]string
	saves int
}

func newMemFS() *memFS {
	return &memFS{files: make(map[string]string)}
}

func (m *memFS) save(path, text string) error {
	m.saves++
	m.files[path] = text
	return nil
}

func (m *memFS) load(path string) (string, error) {
	text, ok := m.files[path]
	if !ok {
		return "", errors.New("no such file")
	}
	return text, nil
}

func newTestStore(fs *memFS) *Store {
	s := NewStore()
	s.SetFileSystem(fs.save, fs.load)
	return s
}

func TestOpenPathLoadsAndDedups(t *testing.T) {
	fs := newMemFS()
	fs.files["/work/a.go"] = "package a\n"
	s := newTestStore(fs)

	buf, err := s.OpenPath("/work/a.go")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if buf.Text() != "package a\n" {
		t.Errorf("unexpected content %q", buf.Text())
	}
	if buf.IsDirty() {
		t.Error("freshly loaded buffer should be clean")
	}

	again, err := s.OpenPath("/work/a.go")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if again != buf {
		t.Error("reopening a path should return the same buffer")
	}
}

func TestOpenPathMissingFile(t *testing.T) {
	s := newTestStore(newMemFS())
	if _, err := s.OpenPath("/work/missing.go"); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestOpenPathNormalizesLineEndings(t *testing.T) {
	fs := newMemFS()
	fs.files["/work/dos.txt"] = "a\r\nb\r\n"
	s := newTestStore(fs)

	buf, err := s.OpenPath("/work/dos.txt")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if buf.Text() != "a\nb\n" {
		t.Errorf("line endings not normalized: %q", buf.Text())
	}
}

func TestSetTextBumpsVersionAndDirties(t *testing.T) {
	fs := newMemFS()
	fs.files["/work/a.go"] = "old\n"
	s := newTestStore(fs)

	buf, _ := s.OpenPath("/work/a.go")
	v := buf.Version()
	buf.SetText("new\n")

	if buf.Version() != v+1 {
		t.Errorf("version not bumped: %d -> %d", v, buf.Version())
	}
	if !buf.IsDirty() {
		t.Error("edited buffer should be dirty")
	}
}

func TestSaveFlushesDirtyBuffer(t *testing.T) {
	fs := newMemFS()
	fs.files["/work/a.go"] = "old\n"
	s := newTestStore(fs)

	buf, _ := s.OpenPath("/work/a.go")
	buf.SetText("new\n")
	if err := s.Save(buf.ID()); err != nil {
		t.Fatalf("save: %v", err)
	}

	if fs.files["/work/a.go"] != "new\n" {
		t.Errorf("file not written: %q", fs.files["/work/a.go"])
	}
	if buf.IsDirty() {
		t.Error("saved buffer should be clean")
	}
}

func TestSaveCleanBufferIsNoOp(t *testing.T) {
	fs := newMemFS()
	fs.files["/work/a.go"] = "content\n"
	s := newTestStore(fs)

	buf, _ := s.OpenPath("/work/a.go")
	if err := s.Save(buf.ID()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if fs.saves != 0 {
		t.Errorf("clean buffer should not hit the file system, %d writes", fs.saves)
	}
}

func TestSaveEphemeralIsNoOp(t *testing.T) {
	fs := newMemFS()
	s := newTestStore(fs)

	buf := s.CreateEphemeral("git commit message")
	buf.SetText("Initial commit\n")
	if err := s.Save(buf.ID()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if fs.saves != 0 {
		t.Error("ephemeral buffers have no backing file to write")
	}
	if buf.Language() != "git commit message" {
		t.Errorf("unexpected language %q", buf.Language())
	}
}

func TestSaveUnknownBuffer(t *testing.T) {
	s := newTestStore(newMemFS())
	if err := s.Save(99); !errors.Is(err, ErrBufferNotFound) {
		t.Errorf("expected ErrBufferNotFound, got %v", err)
	}
}

func TestCloseRemovesBuffer(t *testing.T) {
	fs := newMemFS()
	fs.files["/work/a.go"] = "content\n"
	s := newTestStore(fs)

	buf, _ := s.OpenPath("/work/a.go")
	s.Close(buf.ID())

	if _, err := s.Get(buf.ID()); !errors.Is(err, ErrBufferNotFound) {
		t.Errorf("expected ErrBufferNotFound after close, got %v", err)
	}
	if _, ok := s.GetByPath("/work/a.go"); ok {
		t.Error("path index should be cleared on close")
	}
}

func TestSnapshotIsStable(t *testing.T) {
	fs := newMemFS()
	fs.files["/work/a.go"] = "v1\n"
	s := newTestStore(fs)

	buf, _ := s.OpenPath("/work/a.go")
	snap := buf.Snapshot()
	buf.SetText("v2\n")

	if snap.Text != "v1\n" {
		t.Errorf("snapshot mutated by a later edit: %q", snap.Text)
	}
	if buf.Snapshot().Version <= snap.Version {
		t.Error("later snapshot should carry a higher version")
	}
}
