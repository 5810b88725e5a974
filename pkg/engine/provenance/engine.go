package provenance

import (
	"context"
	"errors"
	"time"

	"github.com/DrSkyle/charterguard/pkg/engine/finding"
)

// Evidence keys written by Annotate.
const (
	EvidenceAuthor  = "last_author"
	EvidenceCommit  = "last_commit"
	EvidenceChanged = "last_changed"
)

// Annotate adds last-change evidence to findings whose subject is a file
// with git history, and returns how many it annotated. Subjects without
// history are left alone.
func (r *Resolver) Annotate(ctx context.Context, findings []finding.Finding) (int, error) {
	n := 0
	for i := range findings {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		f := &findings[i]
		if f.Subject == "" {
			continue
		}
		rec, err := r.Lookup(f.Subject)
		if errors.Is(err, ErrNotTracked) {
			continue
		}
		if err != nil {
			return n, err
		}

		evidence := make(map[string]string, len(f.Evidence)+3)
		for k, v := range f.Evidence {
			evidence[k] = v
		}
		evidence[EvidenceAuthor] = rec.Author
		evidence[EvidenceCommit] = rec.ShortCommit()
		evidence[EvidenceChanged] = rec.When.Format(time.DateOnly)
		f.Evidence = evidence
		n++
	}
	return n, nil
}
