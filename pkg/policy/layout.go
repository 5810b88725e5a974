package policy

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

const (
	// DefaultDir is the policy root relative to the repository root.
	DefaultDir = ".charter"

	AreaCharter = "charter"
	AreaWorking = "working"

	LedgerFile = "charter.lock"
)

// Layout locates the policy store inside a repository.
type Layout struct {
	// Repo is the repository root on disk.
	Repo string
	// Dir is the policy root relative to Repo, slash separated.
	Dir string
}

func NewLayout(repo string) Layout {
	return Layout{Repo: filepath.Clean(repo), Dir: DefaultDir}
}

// Root is the policy root on disk.
func (l Layout) Root() string {
	return filepath.Join(l.Repo, filepath.FromSlash(l.dir()))
}

func (l Layout) AreaDir(area string) string {
	return filepath.Join(l.Root(), area)
}

func (l Layout) LedgerPath() string {
	return filepath.Join(l.Root(), LedgerFile)
}

// Abs maps a document path (relative to the policy root) to disk.
func (l Layout) Abs(docPath string) string {
	return filepath.Join(l.Root(), filepath.FromSlash(docPath))
}

// RepoPath maps a document path to a repository-relative path, the form
// findings cite.
func (l Layout) RepoPath(docPath string) string {
	return path.Join(l.dir(), docPath)
}

func (l Layout) dir() string {
	if l.Dir == "" {
		return DefaultDir
	}
	return l.Dir
}

// AreaOf returns the area a document path belongs to, or "".
func AreaOf(docPath string) string {
	first, _, _ := strings.Cut(docPath, "/")
	switch first {
	case AreaCharter, AreaWorking:
		return first
	}
	return ""
}

// CleanDocPath normalises a document path and rejects anything that
// escapes the policy root.
func CleanDocPath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("empty document path")
	}
	if strings.Contains(p, `\`) || path.IsAbs(p) || filepath.IsAbs(p) {
		return "", fmt.Errorf("document path %q must be relative and slash separated", p)
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("document path %q escapes the policy root", p)
	}
	return clean, nil
}
