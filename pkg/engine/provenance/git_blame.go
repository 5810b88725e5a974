package provenance

import (
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// ErrNotTracked means no commit reachable from HEAD touches the path.
var ErrNotTracked = errors.New("path has no git history")

// Resolver looks up the last commit touching a repository path. Results are
// cached for the resolver's lifetime.
type Resolver struct {
	repo *git.Repository
	// prefix is the governed root relative to the worktree root.
	prefix string

	mu    sync.Mutex
	cache map[string]*Record
}

// Open finds the git repository containing root, which may be a
// subdirectory of the worktree.
func Open(root string) (*Resolver, error) {
	repo, err := git.PlainOpenWithOptions(root, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("opening repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("opening worktree: %w", err)
	}
	prefix, err := relativeTo(wt.Filesystem.Root(), root)
	if err != nil {
		return nil, err
	}
	return &Resolver{repo: repo, prefix: prefix, cache: make(map[string]*Record)}, nil
}

func relativeTo(top, root string) (string, error) {
	var err error
	if top, err = filepath.EvalSymlinks(top); err != nil {
		return "", err
	}
	if root, err = filepath.Abs(root); err != nil {
		return "", err
	}
	if root, err = filepath.EvalSymlinks(root); err != nil {
		return "", err
	}
	rel, err := filepath.Rel(top, root)
	if err != nil {
		return "", err
	}
	if rel == "." {
		return "", nil
	}
	return filepath.ToSlash(rel), nil
}

// Lookup returns the last commit touching rel, a slash-separated path under
// the governed root.
func (r *Resolver) Lookup(rel string) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.cache[rel]; ok {
		if rec == nil {
			return nil, ErrNotTracked
		}
		return rec, nil
	}

	rec, err := r.lastCommit(rel)
	if errors.Is(err, ErrNotTracked) {
		r.cache[rel] = nil
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("git log %s: %w", rel, err)
	}
	r.cache[rel] = rec
	return rec, nil
}

func (r *Resolver) lastCommit(rel string) (*Record, error) {
	full := path.Join(r.prefix, rel)
	iter, err := r.repo.Log(&git.LogOptions{FileName: &full, Order: git.LogOrderCommitterTime})
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		// No commits yet.
		return nil, ErrNotTracked
	}
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	c, err := iter.Next()
	if errors.Is(err, io.EOF) {
		return nil, ErrNotTracked
	}
	if err != nil {
		return nil, err
	}
	summary, _, _ := strings.Cut(strings.TrimSpace(c.Message), "\n")
	return &Record{
		Path:    rel,
		Author:  c.Author.Name,
		Email:   c.Author.Email,
		Commit:  c.Hash.String(),
		When:    c.Author.When.UTC(),
		Summary: summary,
	}, nil
}
