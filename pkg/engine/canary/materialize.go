package canary

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Modes name the built-in materialisers.
const (
	ModeCopy = "copy"
	ModeGit  = "git"
)

// Materializer fills dst with an isolated copy of the repository at base.
type Materializer interface {
	Materialize(ctx context.Context, base, dst string) error
}

// MaterializerFor returns the materialiser of a mode name.
func MaterializerFor(mode string) (Materializer, error) {
	switch mode {
	case ModeCopy, "":
		return CopyMaterializer{}, nil
	case ModeGit:
		return GitMaterializer{}, nil
	}
	return nil, fmt.Errorf("unknown canary mode %q", mode)
}

// CopyMaterializer copies the working directory, uncommitted changes
// included. Skip globs are relative to base; .git is always skipped.
type CopyMaterializer struct {
	Skip []string
}

func (m CopyMaterializer) Materialize(ctx context.Context, base, dst string) error {
	skip := append([]string{".git", ".git/**"}, m.Skip...)
	return filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if skipped(skip, rel) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		target := filepath.Join(dst, filepath.FromSlash(rel))
		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type().IsRegular():
			info, err := d.Info()
			if err != nil {
				return err
			}
			return copyFile(p, target, info.Mode().Perm())
		}
		// Symlinks and devices are not part of the audited tree.
		return nil
	})
}

func skipped(globs []string, rel string) bool {
	for _, g := range globs {
		if ok, _ := doublestar.Match(g, rel); ok {
			return true
		}
	}
	return false
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0o200)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// GitMaterializer writes the HEAD commit's tree. Uncommitted changes in base
// are not visible to the canary.
type GitMaterializer struct{}

func (GitMaterializer) Materialize(ctx context.Context, base, dst string) error {
	repo, err := git.PlainOpen(base)
	if err != nil {
		return fmt.Errorf("opening repository: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return fmt.Errorf("resolving HEAD: %w", err)
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return fmt.Errorf("getting commit: %w", err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return fmt.Errorf("getting tree: %w", err)
	}

	return tree.Files().ForEach(func(f *object.File) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if f.Mode == filemode.Symlink {
			return nil
		}
		target := filepath.Join(dst, filepath.FromSlash(f.Name))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		r, err := f.Reader()
		if err != nil {
			return fmt.Errorf("opening file %s: %w", f.Name, err)
		}
		defer r.Close()

		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, r); err != nil {
			out.Close()
			return fmt.Errorf("reading file %s: %w", f.Name, err)
		}
		return out.Close()
	})
}
