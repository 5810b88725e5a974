package policy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Amendment actions.
const (
	ActionReplace = "replace"
	ActionCreate  = "create"
	ActionDelete  = "delete"
)

var (
	ErrHashMismatch   = errors.New("content hash does not match content")
	ErrOutsideCharter = errors.New("target is outside the charter area")
	ErrNotSealed      = errors.New("charter has not been sealed")
	ErrSealed         = errors.New("charter is already sealed")
	ErrTargetExists   = errors.New("target already exists")
	ErrTargetMissing  = errors.New("target does not exist")
)

// Amendment is one ratified change to a charter document.
type Amendment struct {
	ProposalID  string
	TargetPath  string
	Action      string
	Content     []byte
	ContentHash string
}

// Writer is the only code path that mutates the charter area. Every write
// verifies the content hash, stays inside the charter area, replaces the
// file atomically and records the new hash in the ledger.
type Writer struct {
	layout   Layout
	now      func() time.Time
	logger   *slog.Logger
	archiver Archiver
	mu       sync.Mutex
}

// Archiver keeps the content a ratified amendment is about to replace or
// delete. An archive failure aborts the write.
type Archiver interface {
	Archive(ctx context.Context, a Amendment, previous []byte) error
}

type WriterOption func(*Writer)

func WithArchiver(ar Archiver) WriterOption {
	return func(w *Writer) {
		if ar != nil {
			w.archiver = ar
		}
	}
}

func WithClock(now func() time.Time) WriterOption {
	return func(w *Writer) {
		if now != nil {
			w.now = now
		}
	}
}

func WithWriterLogger(l *slog.Logger) WriterOption {
	return func(w *Writer) {
		if l != nil {
			w.logger = l
		}
	}
}

func NewWriter(layout Layout, opts ...WriterOption) *Writer {
	w := &Writer{layout: layout, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Apply writes a to disk. It returns false without error when the same
// proposal already wrote the same hash.
func (w *Writer) Apply(ctx context.Context, a Amendment) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	target, err := CleanDocPath(a.TargetPath)
	if err != nil {
		return false, err
	}
	if AreaOf(target) != AreaCharter || target == AreaCharter {
		return false, fmt.Errorf("%s: %w", target, ErrOutsideCharter)
	}
	if FormatOf(target) == "" {
		return false, fmt.Errorf("%s: not a policy document extension", target)
	}

	content := a.Content
	if a.Action == ActionDelete {
		content = nil
	}
	if got := HashContent(content); got != a.ContentHash {
		return false, fmt.Errorf("%s: %w", target, ErrHashMismatch)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	ledger, _, err := readLedger(w.layout.LedgerPath())
	if err != nil {
		return false, err
	}
	if ledger == nil {
		return false, ErrNotSealed
	}
	if ledger.Applied(a.ProposalID, a.ContentHash) {
		w.logger.Debug("Amendment already applied", "proposal_id", a.ProposalID, "target", target)
		return false, nil
	}

	abs := w.layout.Abs(target)
	_, statErr := os.Stat(abs)
	exists := statErr == nil
	if statErr != nil && !errors.Is(statErr, fs.ErrNotExist) {
		return false, statErr
	}

	if exists && w.archiver != nil && a.Action != ActionCreate {
		previous, err := os.ReadFile(abs)
		if err != nil {
			return false, err
		}
		if err := w.archiver.Archive(ctx, Amendment{ProposalID: a.ProposalID, TargetPath: target, Action: a.Action, ContentHash: a.ContentHash}, previous); err != nil {
			return false, fmt.Errorf("archive %s: %w", target, err)
		}
	}

	now := w.now().UTC()
	switch a.Action {
	case ActionCreate:
		if exists {
			return false, fmt.Errorf("%s: %w", target, ErrTargetExists)
		}
		if err := writeAtomic(abs, content); err != nil {
			return false, err
		}
		ledger.set(LedgerEntry{Path: target, Hash: a.ContentHash, ProposalID: a.ProposalID, RatifiedAt: now})
	case ActionReplace:
		if !exists {
			return false, fmt.Errorf("%s: %w", target, ErrTargetMissing)
		}
		if err := writeAtomic(abs, content); err != nil {
			return false, err
		}
		ledger.set(LedgerEntry{Path: target, Hash: a.ContentHash, ProposalID: a.ProposalID, RatifiedAt: now})
	case ActionDelete:
		if !exists {
			return false, fmt.Errorf("%s: %w", target, ErrTargetMissing)
		}
		if err := os.Remove(abs); err != nil {
			return false, err
		}
		ledger.remove(target)
	default:
		return false, fmt.Errorf("unknown action %q", a.Action)
	}

	ledger.History = append(ledger.History, LedgerRecord{
		ProposalID: a.ProposalID,
		Path:       target,
		Action:     a.Action,
		Hash:       a.ContentHash,
		At:         now,
	})
	if err := w.writeLedger(ledger); err != nil {
		return false, err
	}

	w.logger.Info("Charter amended", "proposal_id", a.ProposalID, "target", target, "action", a.Action)
	return true, nil
}

// Seal records the current charter area as the genesis ledger. With force
// an existing ledger is replaced; its history is kept.
func (w *Writer) Seal(ctx context.Context, force bool) (*Ledger, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	existing, _, err := readLedger(w.layout.LedgerPath())
	if err != nil && !force {
		return nil, err
	}
	if existing != nil && !force {
		return nil, ErrSealed
	}

	files, err := listArea(ctx, w.layout.AreaDir(AreaCharter))
	if err != nil {
		return nil, err
	}

	now := w.now().UTC()
	ledger := &Ledger{Version: ledgerVersion}
	if existing != nil {
		ledger.History = existing.History
	}
	for _, rel := range files {
		docPath := AreaCharter + "/" + rel
		content, err := os.ReadFile(w.layout.Abs(docPath))
		if err != nil {
			return nil, err
		}
		ledger.set(LedgerEntry{Path: docPath, Hash: HashContent(content), RatifiedAt: now})
	}
	ledger.History = append(ledger.History, LedgerRecord{Action: ActionSeal, At: now})

	if err := w.writeLedger(ledger); err != nil {
		return nil, err
	}
	w.logger.Info("Charter sealed", "documents", len(ledger.Entries))
	return ledger, nil
}

func (w *Writer) writeLedger(l *Ledger) error {
	data, err := encodeLedger(l)
	if err != nil {
		return err
	}
	return writeAtomic(w.layout.LedgerPath(), data)
}

// writeAtomic replaces file through a temp file in the same directory.
func writeAtomic(file string, data []byte) error {
	dir := filepath.Dir(file)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+strings.TrimPrefix(filepath.Base(file), ".")+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), file)
}
