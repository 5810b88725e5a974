// Package source exposes a read-only view of a repository and the per-language
// parsers that turn its files into units and symbols.
package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultIgnore is applied to every DirTree in addition to caller patterns.
var DefaultIgnore = []string{
	".git/**",
	"vendor/**",
	"node_modules/**",
	"**/__pycache__/**",
	".charter/**",
}

// Tree is a read-only snapshot of a source directory.
type Tree interface {
	Root() string
	// Files returns sorted, slash-separated paths relative to Root.
	Files(ctx context.Context) ([]string, error)
	ReadFile(rel string) ([]byte, error)
}

// DirTree reads a tree straight from disk.
type DirTree struct {
	root   string
	ignore []string
}

// NewDirTree returns a tree rooted at root. Extra ignore patterns are
// doublestar globs relative to root.
func NewDirTree(root string, ignore ...string) *DirTree {
	patterns := make([]string, 0, len(DefaultIgnore)+len(ignore))
	patterns = append(patterns, DefaultIgnore...)
	patterns = append(patterns, ignore...)
	return &DirTree{root: filepath.Clean(root), ignore: patterns}
}

func (t *DirTree) Root() string { return t.root }

func (t *DirTree) Files(ctx context.Context) ([]string, error) {
	info, err := os.Stat(t.root)
	if err != nil {
		return nil, fmt.Errorf("source tree unreadable: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source tree %s is not a directory", t.root)
	}

	var files []string
	err = filepath.WalkDir(t.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == t.root {
				return err
			}
			// Unreadable entries below the root are skipped.
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if p == t.root {
			return nil
		}

		rel, relErr := filepath.Rel(t.root, p)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if t.ignoredDir(rel) {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || t.Ignored(rel) {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk source tree: %w", err)
	}

	sort.Strings(files)
	return files, nil
}

func (t *DirTree) ReadFile(rel string) ([]byte, error) {
	clean := path.Clean(filepath.ToSlash(rel))
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return nil, fmt.Errorf("path %q escapes source tree", rel)
	}
	return os.ReadFile(filepath.Join(t.root, filepath.FromSlash(clean)))
}

// Ignored reports whether a file path matches one of the ignore globs.
func (t *DirTree) Ignored(rel string) bool {
	for _, pattern := range t.ignore {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

func (t *DirTree) ignoredDir(rel string) bool {
	for _, pattern := range t.ignore {
		prefix, ok := strings.CutSuffix(pattern, "/**")
		if !ok {
			continue
		}
		if match, _ := doublestar.Match(prefix, rel); match {
			return true
		}
	}
	return false
}

// IsNotExist reports whether err means the requested file is absent.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
