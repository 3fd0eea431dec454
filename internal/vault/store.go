// Package vault reads and writes the markdown notes notegraph indexes.
//
// A vault is a directory tree of markdown files with optional YAML
// frontmatter. The vault owns note content; the graph index only mirrors it.
package vault

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
	"github.com/sirupsen/logrus"

	"github.com/Benny93/notegraph/internal/apperr"
	"github.com/Benny93/notegraph/internal/config"
	"github.com/Benny93/notegraph/internal/graph"
)

// dateLayout is the frontmatter date format.
const dateLayout = "2006-01-02"

// Store is a filesystem vault. It keeps a key to path map that is refreshed
// by List and on lookup misses.
type Store struct {
	root     string
	pdfDir   string
	patterns []gitignore.Pattern
	log      logrus.FieldLogger

	mu     sync.RWMutex
	byKey  map[string]string // key -> absolute path
	byPath map[string]string // absolute path -> key
}

// NewStore opens the vault described by cfg.
func NewStore(cfg *config.Config, log logrus.FieldLogger) (*Store, error) {
	root, err := filepath.Abs(cfg.Vault.Path)
	if err != nil {
		return nil, fmt.Errorf("resolving vault path: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("opening vault %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("opening vault %s: %w: not a directory", root, apperr.ErrValidation)
	}

	patterns, err := LoadIgnorePatterns(root, cfg.Vault.Ignore)
	if err != nil {
		return nil, fmt.Errorf("loading ignore patterns: %w", err)
	}

	pdfDir := cfg.Vault.PDFDir
	if !filepath.IsAbs(pdfDir) {
		pdfDir = filepath.Join(root, pdfDir)
	}

	return &Store{
		root:     root,
		pdfDir:   pdfDir,
		patterns: patterns,
		log:      log.WithField("component", "vault"),
		byKey:    make(map[string]string),
		byPath:   make(map[string]string),
	}, nil
}

// Root returns the absolute vault directory.
func (s *Store) Root() string {
	return s.root
}

// Patterns returns the ignore patterns of the vault.
func (s *Store) Patterns() []gitignore.Pattern {
	return s.patterns
}

// List loads every note in the vault, sorted by key. When two files declare
// the same key, the first in path order wins.
func (s *Store) List() ([]*graph.Note, error) {
	entries, err := WalkVault(s.root, s.patterns)
	if err != nil {
		return nil, fmt.Errorf("walking vault: %w", err)
	}

	byKey := make(map[string]string, len(entries))
	byPath := make(map[string]string, len(entries))
	notes := make([]*graph.Note, 0, len(entries))

	for _, e := range entries {
		note := s.parseNote(e)
		if prev, dup := byKey[note.Key]; dup {
			s.log.WithFields(logrus.Fields{"key": note.Key, "path": e.RelPath, "kept": prev}).
				Warn("vault.duplicate_key")
			continue
		}
		byKey[note.Key] = e.Path
		byPath[e.Path] = note.Key
		notes = append(notes, note)
	}

	s.mu.Lock()
	s.byKey, s.byPath = byKey, byPath
	s.mu.Unlock()

	sort.Slice(notes, func(i, j int) bool { return notes[i].Key < notes[j].Key })
	return notes, nil
}

// Get returns the note with key, or an ErrNotFound error.
func (s *Store) Get(key string) (*graph.Note, error) {
	if note, err := s.getCached(key); err == nil && note != nil {
		return note, nil
	}

	// Miss or stale path: rescan once.
	if _, err := s.List(); err != nil {
		return nil, err
	}
	note, err := s.getCached(key)
	if err != nil {
		return nil, err
	}
	if note == nil {
		return nil, fmt.Errorf("note %q: %w", key, apperr.ErrNotFound)
	}
	return note, nil
}

func (s *Store) getCached(key string) (*graph.Note, error) {
	s.mu.RLock()
	path, ok := s.byKey[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	note, err := s.LoadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if note.Key != key {
		return nil, nil
	}
	return note, nil
}

// LoadFile parses the note at the absolute path and records its key.
func (s *Store) LoadFile(path string) (*graph.Note, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading note: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("reading note: %w", err)
	}
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return nil, fmt.Errorf("reading note: %w", err)
	}

	note := s.parseNote(FileEntry{
		Path:    path,
		RelPath: rel,
		Content: content,
		ModTime: info.ModTime(),
	})

	s.mu.Lock()
	if old, ok := s.byPath[path]; ok && old != note.Key {
		delete(s.byKey, old)
	}
	if _, taken := s.byKey[note.Key]; !taken {
		s.byKey[note.Key] = path
	}
	s.byPath[path] = note.Key
	s.mu.Unlock()

	return note, nil
}

// KeyForPath returns the key last seen at the absolute path.
func (s *Store) KeyForPath(path string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.byPath[path]
	return key, ok
}

// Forget drops the path from the key map after the file was deleted.
func (s *Store) Forget(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key, ok := s.byPath[path]; ok {
		delete(s.byPath, path)
		if s.byKey[key] == path {
			delete(s.byKey, key)
		}
	}
}

// ContentHash returns the SHA-256 of the note file with key.
func (s *Store) ContentHash(key string) (string, error) {
	note, err := s.Get(key)
	if err != nil {
		return "", err
	}
	return HashContent(note.Content), nil
}

// WriteContent replaces the file content of the note with key. The write
// goes through a temporary file and a rename.
func (s *Store) WriteContent(key, content string) error {
	note, err := s.Get(key)
	if err != nil {
		return err
	}
	path := filepath.Join(s.root, note.Path)

	tmp, err := os.CreateTemp(filepath.Dir(path), ".notegraph-*.tmp")
	if err != nil {
		return fmt.Errorf("writing note %q: %w", key, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return fmt.Errorf("writing note %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing note %q: %w", key, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("writing note %q: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("writing note %q: %w", key, err)
	}

	s.log.WithField("key", key).Debug("vault.write")
	return nil
}

// PDFPath returns the absolute path of the note's attached PDF, or "" when
// the note has none.
func (s *Store) PDFPath(note *graph.Note) string {
	if note == nil || note.PDF == "" {
		return ""
	}
	if filepath.IsAbs(note.PDF) {
		return note.PDF
	}
	return filepath.Join(s.pdfDir, note.PDF)
}

// parseNote builds a note from a file. A malformed frontmatter is logged and
// the file is treated as having none.
func (s *Store) parseNote(e FileEntry) *graph.Note {
	content := string(e.Content)
	fm, body, err := ParseFrontmatter(content)
	if err != nil {
		s.log.WithError(err).WithField("path", e.RelPath).Warn("vault.frontmatter")
	}
	return NoteFromFrontmatter(fm, body, content, e.RelPath, e.ModTime)
}

// NoteFromFrontmatter assembles a note. The key is the frontmatter key or
// else the file name without extension; the title defaults to the same stem.
func NoteFromFrontmatter(fm *Frontmatter, body, content, relPath string, modTime time.Time) *graph.Note {
	stem := strings.TrimSuffix(filepath.Base(relPath), filepath.Ext(relPath))

	note := &graph.Note{
		Key:         strings.TrimSpace(fm.Key),
		Path:        relPath,
		Type:        graph.NodeNote,
		Title:       strings.TrimSpace(fm.Title),
		ParentKey:   strings.TrimSpace(fm.Parent),
		Body:        body,
		Content:     content,
		TimeEntries: fm.Time,
		PDF:         strings.TrimSpace(fm.PDF),
		Hidden:      fm.Hidden,
		Created:     modTime,
	}
	if note.Key == "" {
		note.Key = stem
	}
	if note.Title == "" {
		note.Title = stem
	}
	if d, err := time.Parse(dateLayout, strings.TrimSpace(fm.Date)); err == nil {
		note.Date = d.Format(dateLayout)
		note.Created = d
	}

	if strings.EqualFold(fm.Type, string(graph.NodePaper)) || len(fm.Bibtex) > 0 {
		note.Type = graph.NodePaper
		canonical := fm.CanonicalKey
		if canonical == "" {
			canonical = fm.Canonical
		}
		note.Paper = &graph.PaperMeta{
			BibtexEntries: fm.Bibtex,
			CanonicalKey:  strings.TrimSpace(canonical),
			Sources:       fm.Sources(),
		}
	}
	return note
}
