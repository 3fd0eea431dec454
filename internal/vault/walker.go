package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// FileEntry represents a note file found in the vault.
type FileEntry struct {
	// Path is the absolute file path.
	Path string

	// RelPath is the path relative to the vault root.
	RelPath string

	// Content is the file content.
	Content []byte

	// SHA256 is the hex hash of the file content.
	SHA256 string

	// ModTime is the file modification time.
	ModTime time.Time
}

// noteExtension is the only file type the vault indexes.
const noteExtension = ".md"

// Default patterns to ignore (in addition to .gitignore).
var defaultIgnorePatterns = []string{
	".git/",
	".notegraph/",
	".obsidian/",
	".trash/",
	"node_modules/",
	".DS_Store",
}

// WalkVault walks the vault and returns all markdown notes not excluded by
// the default patterns or by patterns.
func WalkVault(root string, patterns []gitignore.Pattern) ([]FileEntry, error) {
	var entries []FileEntry
	matcher := newMatcher(patterns)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			if path != root && shouldSkipDir(d.Name(), path, root, matcher) {
				return filepath.SkipDir
			}
			return nil
		}

		if !IsNoteFile(d.Name()) {
			return nil
		}

		relPath, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if matcher.Match(splitPath(relPath), false) {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		entries = append(entries, FileEntry{
			Path:    path,
			RelPath: relPath,
			Content: content,
			SHA256:  HashContent(content),
			ModTime: info.ModTime(),
		})

		return nil
	})

	return entries, err
}

// LoadIgnorePatterns loads the vault's .gitignore and appends extra patterns.
func LoadIgnorePatterns(root string, extra []string) ([]gitignore.Pattern, error) {
	var patterns []gitignore.Pattern

	content, err := os.ReadFile(filepath.Join(root, ".gitignore"))
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	lines := append(strings.Split(string(content), "\n"), extra...)
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, gitignore.ParsePattern(line, nil))
	}

	return patterns, nil
}

// IsNoteFile reports whether filename is a markdown note.
func IsNoteFile(filename string) bool {
	return strings.EqualFold(filepath.Ext(filename), noteExtension)
}

// HashContent returns the hex SHA-256 of content.
func HashContent[T string | []byte](content T) string {
	hash := sha256.Sum256([]byte(content))
	return hex.EncodeToString(hash[:])
}

// Ignored reports whether the vault-relative path is excluded by the
// default patterns or by patterns.
func Ignored(relPath string, isDir bool, patterns []gitignore.Pattern) bool {
	return newMatcher(patterns).Match(splitPath(relPath), isDir)
}

func newMatcher(patterns []gitignore.Pattern) gitignore.Matcher {
	all := make([]gitignore.Pattern, 0, len(defaultIgnorePatterns)+len(patterns))
	for _, p := range defaultIgnorePatterns {
		all = append(all, gitignore.ParsePattern(p, nil))
	}
	all = append(all, patterns...)
	return gitignore.NewMatcher(all)
}

// shouldSkipDir checks if a directory should be skipped.
func shouldSkipDir(name, path, root string, matcher gitignore.Matcher) bool {
	if name == ".git" {
		return true
	}

	relPath, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return matcher.Match(splitPath(relPath), true)
}

// splitPath splits a path into its components.
func splitPath(path string) []string {
	return strings.Split(path, string(filepath.Separator))
}
