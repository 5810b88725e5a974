// Package history keeps a snapshot of every recorded audit so score trends
// survive across runs and machines.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/DrSkyle/charterguard/pkg/engine/report"
	"github.com/DrSkyle/charterguard/pkg/storage"
)

// DefaultPrefix is where snapshots live in the blob store.
const DefaultPrefix = "history"

// Snapshot is the part of an audit report worth trending.
type Snapshot struct {
	Timestamp         time.Time `json:"timestamp"`
	Score             float64   `json:"score"`
	Pass              bool      `json:"pass"`
	Block             int       `json:"block"`
	Warn              int       `json:"warn"`
	Info              int       `json:"info"`
	GraphFingerprint  string    `json:"graph_fingerprint,omitempty"`
	PolicyFingerprint string    `json:"policy_fingerprint,omitempty"`
	ReportFingerprint string    `json:"report_fingerprint"`
}

// FromReport captures rep.
func FromReport(rep *report.Report) Snapshot {
	return Snapshot{
		Timestamp:         rep.GeneratedAt.UTC(),
		Score:             rep.Score,
		Pass:              rep.Pass,
		Block:             rep.Summary.Block,
		Warn:              rep.Summary.Warn,
		Info:              rep.Summary.Info,
		GraphFingerprint:  rep.GraphFingerprint,
		PolicyFingerprint: rep.PolicyFingerprint,
		ReportFingerprint: rep.Fingerprint(),
	}
}

// Client manages historical state. Each snapshot is its own blob, so
// concurrent writers never clobber each other.
type Client struct {
	blobs  storage.BlobStore
	prefix string
	logger *slog.Logger
}

// NewClient initializes a history client. An empty prefix means
// DefaultPrefix.
func NewClient(blobs storage.BlobStore, prefix string, logger *slog.Logger) *Client {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{blobs: blobs, prefix: strings.Trim(prefix, "/"), logger: logger}
}

// key sorts by time; the fingerprint keeps same-instant audits apart and
// makes re-recording one audit idempotent.
func (c *Client) key(s Snapshot) string {
	fp := s.ReportFingerprint
	if len(fp) > 12 {
		fp = fp[:12]
	}
	return path.Join(c.prefix, s.Timestamp.UTC().Format("20060102T150405.000000000Z")+"-"+fp+".json")
}

// Append records a new snapshot.
func (c *Client) Append(ctx context.Context, s Snapshot) error {
	if s.ReportFingerprint == "" {
		return errors.New("snapshot has no report fingerprint")
	}
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := c.blobs.Put(ctx, c.key(s), data); err != nil {
		return fmt.Errorf("record audit history: %w", err)
	}
	return nil
}

// LoadWindow returns the newest n snapshots, oldest first. n <= 0 loads
// everything. Unreadable snapshots are skipped.
func (c *Client) LoadWindow(ctx context.Context, n int) ([]Snapshot, error) {
	keys, err := c.blobs.List(ctx, c.prefix+"/")
	if err != nil {
		return nil, fmt.Errorf("list audit history: %w", err)
	}
	if n > 0 && len(keys) > n {
		keys = keys[len(keys)-n:]
	}

	history := make([]Snapshot, 0, len(keys))
	for _, key := range keys {
		data, err := c.blobs.Get(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var s Snapshot
		if err := json.Unmarshal(data, &s); err != nil {
			c.logger.Warn("Skipping unreadable audit snapshot", "key", key, "error", err)
			continue
		}
		history = append(history, s)
	}
	return history, nil
}
