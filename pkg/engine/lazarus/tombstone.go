// Package lazarus keeps every charter document version a ratified amendment
// replaced or deleted, so old rules can be read back and re-proposed.
package lazarus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/DrSkyle/charterguard/pkg/policy"
	"github.com/DrSkyle/charterguard/pkg/storage"
)

// DefaultPrefix is where tombstones live in the blob store.
const DefaultPrefix = "tombstones"

// Tombstone is the content of a charter document just before an amendment
// changed it.
type Tombstone struct {
	TargetPath string    `json:"target_path"`
	ProposalID string    `json:"proposal_id"`
	Action     string    `json:"action"`
	BuriedAt   time.Time `json:"buried_at"`
	// Hash is the content hash of Content, comparable with ledger entries.
	Hash    string `json:"hash"`
	Content string `json:"content"`
}

// Vault stores tombstones in a blob store. It implements policy.Archiver.
type Vault struct {
	blobs  storage.BlobStore
	prefix string
	now    func() time.Time
}

func NewVault(blobs storage.BlobStore, prefix string, now func() time.Time) *Vault {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if now == nil {
		now = time.Now
	}
	return &Vault{blobs: blobs, prefix: strings.Trim(prefix, "/"), now: now}
}

// key groups tombstones by document and orders them by burial time.
func (v *Vault) key(t *Tombstone) string {
	return path.Join(v.prefix, t.TargetPath, t.BuriedAt.Format("20060102T150405.000000000Z")+"-"+t.ProposalID+".json")
}

// Archive records previous as the tombstone of a.TargetPath.
func (v *Vault) Archive(ctx context.Context, a policy.Amendment, previous []byte) error {
	t := &Tombstone{
		TargetPath: a.TargetPath,
		ProposalID: a.ProposalID,
		Action:     a.Action,
		BuriedAt:   v.now().UTC(),
		Hash:       policy.HashContent(previous),
		Content:    string(previous),
	}
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize tombstone: %w", err)
	}
	return v.blobs.Put(ctx, v.key(t), data)
}

// List returns the tombstones of target, oldest first. An empty target
// lists every document's tombstones.
func (v *Vault) List(ctx context.Context, target string) ([]*Tombstone, error) {
	prefix := v.prefix + "/"
	if target != "" {
		clean, err := policy.CleanDocPath(target)
		if err != nil {
			return nil, err
		}
		prefix += clean + "/"
	}
	keys, err := v.blobs.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]*Tombstone, 0, len(keys))
	for _, key := range keys {
		t, err := v.load(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Find returns the tombstone target received when proposalID replaced or
// deleted it.
func (v *Vault) Find(ctx context.Context, target, proposalID string) (*Tombstone, error) {
	all, err := v.List(ctx, target)
	if err != nil {
		return nil, err
	}
	for _, t := range all {
		if t.ProposalID == proposalID {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%s at %s: %w", target, proposalID, storage.ErrNotFound)
}

func (v *Vault) load(ctx context.Context, key string) (*Tombstone, error) {
	data, err := v.blobs.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var t Tombstone
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse tombstone %s: %w", key, err)
	}
	return &t, nil
}
