// Package bufstore holds the open text buffers the git store collaborates
// with. The store only depends on the small contract the rest of the system
// needs: a buffer has text content and a version, may be associated with a
// file under a worktree root, and can be flushed to disk before its content
// is staged.
package bufstore

import (
	"errors"
	"os"
	"strings"
	"sync"
)

// Errors returned by buffer operations.
var (
	// ErrBufferNotFound indicates no buffer exists for the given id or path.
	ErrBufferNotFound = errors.New("buffer not found")
)

// BufferID identifies an open buffer for its store's lifetime.
type BufferID uint64

// Snapshot is an immutable point-in-time view of a buffer.
type Snapshot struct {
	// ID is the buffer's identity.
	ID BufferID

	// Text is the buffer content at snapshot time.
	Text string

	// Version is the edit counter at snapshot time.
	Version uint64
}

// Buffer is an open text buffer.
type Buffer struct {
	mu sync.Mutex

	id       BufferID
	path     string // absolute file path, empty for ephemeral buffers
	language string
	text     string
	version  uint64
	dirty    bool
}

// ID returns the buffer's identity.
func (b *Buffer) ID() BufferID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.id
}

// Path returns the absolute file path backing the buffer, or "" for
// ephemeral buffers such as commit messages.
func (b *Buffer) Path() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.path
}

// Language returns the language name attached to the buffer, if any.
func (b *Buffer) Language() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.language
}

// Text returns the current buffer content.
func (b *Buffer) Text() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.text
}

// Version returns the current edit counter.
func (b *Buffer) Version() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.version
}

// IsDirty reports whether the buffer has edits not yet flushed to disk.
func (b *Buffer) IsDirty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dirty
}

// SetText replaces the buffer content, bumping the version and marking the
// buffer dirty.
func (b *Buffer) SetText(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.text = text
	b.version++
	b.dirty = true
}

// Snapshot returns an immutable view of the current content and version.
func (b *Buffer) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{ID: b.id, Text: b.text, Version: b.version}
}

// Store owns the set of open buffers.
type Store struct {
	mu       sync.Mutex
	nextID   BufferID
	byID     map[BufferID]*Buffer
	byPath   map[string]BufferID
	saveTo   func(path, text string) error
	loadFrom func(path string) (string, error)
}

// NewStore creates an empty buffer store backed by the OS file system.
func NewStore() *Store {
	return &Store{
		byID:   make(map[BufferID]*Buffer),
		byPath: make(map[string]BufferID),
		saveTo: func(path, text string) error {
			return os.WriteFile(path, []byte(text), 0o644)
		},
		loadFrom: func(path string) (string, error) {
			data, err := os.ReadFile(path)
			return string(data), err
		},
	}
}

// SetFileSystem overrides the save/load functions, for tests.
func (s *Store) SetFileSystem(save func(path, text string) error, load func(path string) (string, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveTo = save
	s.loadFrom = load
}

// OpenPath returns the buffer for an absolute file path, loading the file
// into a new buffer on first open.
func (s *Store) OpenPath(path string) (*Buffer, error) {
	s.mu.Lock()
	if id, ok := s.byPath[path]; ok {
		buf := s.byID[id]
		s.mu.Unlock()
		return buf, nil
	}
	load := s.loadFrom
	s.mu.Unlock()

	text, err := load(path)
	if err != nil {
		return nil, err
	}
	text = normalizeLineEndings(text)

	s.mu.Lock()
	defer s.mu.Unlock()
	// Re-check: another goroutine may have opened the path meanwhile.
	if id, ok := s.byPath[path]; ok {
		return s.byID[id], nil
	}
	s.nextID++
	buf := &Buffer{id: s.nextID, path: path, text: text}
	s.byID[buf.id] = buf
	s.byPath[path] = buf.id
	return buf, nil
}

// CreateEphemeral creates a buffer with no backing file, optionally tagged
// with a language name (e.g. "git commit message" for syntax highlighting).
func (s *Store) CreateEphemeral(language string) *Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	buf := &Buffer{id: s.nextID, language: language}
	s.byID[buf.id] = buf
	return buf
}

// Get returns the buffer with the given id.
func (s *Store) Get(id BufferID) (*Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.byID[id]
	if !ok {
		return nil, ErrBufferNotFound
	}
	return buf, nil
}

// GetByPath returns the open buffer for an absolute path, if any.
func (s *Store) GetByPath(path string) (*Buffer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byPath[path]
	if !ok {
		return nil, false
	}
	return s.byID[id], true
}

// Save flushes a dirty, file-backed buffer to disk. Ephemeral and clean
// buffers are no-ops.
func (s *Store) Save(id BufferID) error {
	s.mu.Lock()
	buf, ok := s.byID[id]
	save := s.saveTo
	s.mu.Unlock()
	if !ok {
		return ErrBufferNotFound
	}

	buf.mu.Lock()
	if buf.path == "" || !buf.dirty {
		buf.mu.Unlock()
		return nil
	}
	path, text := buf.path, buf.text
	buf.mu.Unlock()

	if err := save(path, text); err != nil {
		return err
	}

	buf.mu.Lock()
	// Only clear the dirty flag if no edit landed during the write.
	if buf.text == text {
		buf.dirty = false
	}
	buf.mu.Unlock()
	return nil
}

// Close removes a buffer from the store.
func (s *Store) Close(id BufferID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if buf, ok := s.byID[id]; ok {
		if buf.path != "" {
			delete(s.byPath, buf.path)
		}
		delete(s.byID, id)
	}
}

// normalizeLineEndings converts CRLF line endings to LF.
func normalizeLineEndings(s string) string {
	if !strings.Contains(s, "\r\n") {
		return s
	}
	return strings.ReplaceAll(s, "\r\n", "\n")
}
