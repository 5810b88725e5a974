package policy

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// LedgerEntry is the last ratified state of one charter document.
type LedgerEntry struct {
	Path       string    `yaml:"path" json:"path"`
	Hash       string    `yaml:"hash" json:"hash"`
	ProposalID string    `yaml:"proposal_id,omitempty" json:"proposal_id,omitempty"`
	RatifiedAt time.Time `yaml:"ratified_at" json:"ratified_at"`
}

// LedgerRecord is one append-only history line.
type LedgerRecord struct {
	ProposalID string    `yaml:"proposal_id,omitempty" json:"proposal_id,omitempty"`
	Path       string    `yaml:"path,omitempty" json:"path,omitempty"`
	Action     string    `yaml:"action" json:"action"`
	Hash       string    `yaml:"hash,omitempty" json:"hash,omitempty"`
	At         time.Time `yaml:"at" json:"at"`
}

// Ledger records the ratified hash of every charter document. Any charter
// file whose content differs from its entry was written outside the
// amendment pipeline.
type Ledger struct {
	Version int            `yaml:"version" json:"version"`
	Entries []LedgerEntry  `yaml:"entries" json:"entries"`
	History []LedgerRecord `yaml:"history,omitempty" json:"history,omitempty"`
}

const ledgerVersion = 1

// Ledger history actions besides the amendment actions.
const ActionSeal = "seal"

func (l *Ledger) Entry(docPath string) (LedgerEntry, bool) {
	i := sort.Search(len(l.Entries), func(i int) bool { return l.Entries[i].Path >= docPath })
	if i < len(l.Entries) && l.Entries[i].Path == docPath {
		return l.Entries[i], true
	}
	return LedgerEntry{}, false
}

// Applied reports whether proposal id already wrote hash.
func (l *Ledger) Applied(proposalID, hash string) bool {
	if proposalID == "" {
		return false
	}
	for _, r := range l.History {
		if r.ProposalID == proposalID && r.Hash == hash {
			return true
		}
	}
	return false
}

func (l *Ledger) set(e LedgerEntry) {
	i := sort.Search(len(l.Entries), func(i int) bool { return l.Entries[i].Path >= e.Path })
	if i < len(l.Entries) && l.Entries[i].Path == e.Path {
		l.Entries[i] = e
		return
	}
	l.Entries = append(l.Entries, LedgerEntry{})
	copy(l.Entries[i+1:], l.Entries[i:])
	l.Entries[i] = e
}

func (l *Ledger) remove(docPath string) {
	i := sort.Search(len(l.Entries), func(i int) bool { return l.Entries[i].Path >= docPath })
	if i < len(l.Entries) && l.Entries[i].Path == docPath {
		l.Entries = append(l.Entries[:i], l.Entries[i+1:]...)
	}
}

// readLedger returns nil without error when the charter was never sealed.
func readLedger(file string) (*Ledger, []byte, error) {
	data, err := os.ReadFile(file)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	var l Ledger
	if err := decodeStrict(data, &l); err != nil {
		return nil, data, fmt.Errorf("ledger %s: %w", file, err)
	}
	if l.Version != ledgerVersion {
		return nil, data, fmt.Errorf("ledger %s: unsupported version %d", file, l.Version)
	}
	sort.Slice(l.Entries, func(i, j int) bool { return l.Entries[i].Path < l.Entries[j].Path })
	return &l, data, nil
}

func encodeLedger(l *Ledger) ([]byte, error) {
	return yaml.Marshal(l)
}

// Ledger mismatch kinds.
const (
	LedgerUnsealed   = "unsealed"
	LedgerUnrecorded = "unrecorded"
	LedgerModified   = "modified"
	LedgerMissing    = "missing"
)

// LedgerMismatch is one disagreement between the charter area and the
// ledger.
type LedgerMismatch struct {
	Kind     string
	Path     string
	Expected string
	Actual   string
}

func (m LedgerMismatch) String() string {
	switch m.Kind {
	case LedgerUnsealed:
		return "charter has not been sealed"
	case LedgerUnrecorded:
		return fmt.Sprintf("%s is not recorded in the ledger", m.Path)
	case LedgerModified:
		return fmt.Sprintf("%s was modified outside a ratified proposal", m.Path)
	case LedgerMissing:
		return fmt.Sprintf("%s was ratified but is missing", m.Path)
	}
	return m.Kind
}
