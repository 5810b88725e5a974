package amendment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/DrSkyle/charterguard/pkg/storage"
)

// DefaultPrefix is where proposals live inside a blob store.
const DefaultPrefix = "proposals"

// Store persists proposals as one JSON document each.
type Store struct {
	blobs  storage.BlobStore
	prefix string
}

// NewStore wraps blobs. Proposals are written under prefix, or DefaultPrefix
// when prefix is empty.
func NewStore(blobs storage.BlobStore, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{blobs: blobs, prefix: strings.Trim(prefix, "/")}
}

func (s *Store) key(id string) string {
	return path.Join(s.prefix, id+".json")
}

func (s *Store) Save(ctx context.Context, p *Proposal) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encode proposal %s: %w", p.ID, err)
	}
	if err := s.blobs.Put(ctx, s.key(p.ID), append(data, '\n')); err != nil {
		return fmt.Errorf("save proposal %s: %w", p.ID, err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, id string) (*Proposal, error) {
	if id == "" || strings.ContainsAny(id, `/\`) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	data, err := s.blobs.Get(ctx, s.key(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load proposal %s: %w", id, err)
	}
	var p Proposal
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode proposal %s: %w", id, err)
	}
	return &p, nil
}

// List returns every proposal, oldest first.
func (s *Store) List(ctx context.Context) ([]*Proposal, error) {
	keys, err := s.blobs.List(ctx, s.prefix+"/")
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	out := make([]*Proposal, 0, len(keys))
	for _, k := range keys {
		id, ok := strings.CutSuffix(path.Base(k), ".json")
		if !ok {
			continue
		}
		p, err := s.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
