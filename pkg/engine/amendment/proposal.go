// Package amendment carries charter changes from submission through
// signatures, quorum and canary validation to ratification.
package amendment

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/DrSkyle/charterguard/pkg/engine/canary"
	"github.com/DrSkyle/charterguard/pkg/policy"
	"github.com/DrSkyle/charterguard/pkg/version"
)

// State is a proposal lifecycle state.
type State string

const (
	StateOpen          State = "open"
	StateQuorumReached State = "quorum_reached"
	StateCanaryRunning State = "canary_running"
	StateRatified      State = "ratified"
	StateRejected      State = "rejected"
	StateSuperseded    State = "superseded"
)

// Terminal states are never left.
func (s State) Terminal() bool {
	return s == StateRatified || s == StateRejected || s == StateSuperseded
}

var (
	ErrNotFound        = errors.New("proposal not found")
	ErrTerminal        = errors.New("proposal is in a terminal state")
	ErrSuperseded      = errors.New("proposal was superseded")
	ErrInvalidBundle   = errors.New("invalid proposal bundle")
	ErrUnknownApprover = errors.New("unknown approver")
	ErrDuplicateSigner = errors.New("approver has already signed")
	ErrBadSignature    = errors.New("signature does not verify")
	ErrFutureSignature = errors.New("signature is dated in the future")
	ErrCanaryRequired  = errors.New("proposal has no passing canary result")
)

// IntegrityError is a content hash that does not match the content it
// claims to describe. It always rejects the proposal.
type IntegrityError struct {
	ProposalID string
	Expected   string
	Actual     string
	Stage      string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("proposal %s: %s content hash mismatch (expected %s, got %s)", e.ProposalID, e.Stage, e.Expected, e.Actual)
}

// QuorumError reports signatures that do not yet satisfy the quorum policy.
// The proposal state is left as it was.
type QuorumError struct {
	ProposalID string
	Status     QuorumStatus
}

func (e *QuorumError) Error() string {
	msg := fmt.Sprintf("proposal %s: quorum not met for tier %s (%d of %d signatures)",
		e.ProposalID, e.Status.Tier, len(e.Status.Valid), e.Status.Required)
	if len(e.Status.MissingRequired) > 0 {
		msg += "; required approvers missing: " + strings.Join(e.Status.MissingRequired, ", ")
	}
	return msg
}

// Bundle is what a proposer submits.
type Bundle struct {
	TargetPath    string `json:"target_path"`
	Action        string `json:"action"`
	Content       string `json:"content,omitempty"`
	ContentHash   string `json:"content_hash"`
	Justification string `json:"justification"`
	// RiskTier may raise the classified tier. It is never lowered.
	RiskTier string `json:"risk_tier,omitempty"`
}

// NewBundle fills in the content hash.
func NewBundle(target, action, content, justification string) Bundle {
	b := Bundle{
		TargetPath:    target,
		Action:        action,
		Content:       content,
		Justification: justification,
	}
	b.ContentHash = policy.HashContent(b.body())
	return b
}

func (b Bundle) body() []byte {
	if b.Action == policy.ActionDelete || b.Content == "" {
		return nil
	}
	return []byte(b.Content)
}

// Signature is one approver's endorsement. Signatures are appended and never
// edited; quorum decides on every check whether each one still counts.
type Signature struct {
	ApproverID string `json:"approver_id"`
	// KeyFingerprint is the approver key at signing time.
	KeyFingerprint string    `json:"key_fingerprint"`
	Signature      []byte    `json:"signature"`
	SignedAt       time.Time `json:"signed_at"`
}

// SignatureInput is a detached signature over CanonicalMessage.
type SignatureInput struct {
	ApproverID string
	Signature  []byte
	// SignedAt defaults to the manager clock.
	SignedAt time.Time
}

// Transition is one lifecycle step.
type Transition struct {
	From   State     `json:"from,omitempty"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

type Proposal struct {
	ID       string `json:"id"`
	Proposer string `json:"proposer"`
	Bundle   Bundle `json:"bundle"`
	// RiskTier is the effective tier: the classified tier, raised by the
	// bundle's request.
	RiskTier     string         `json:"risk_tier"`
	State        State          `json:"state"`
	Signatures   []Signature    `json:"signatures,omitempty"`
	Canary       *canary.Result `json:"canary,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	SupersededBy string         `json:"superseded_by,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	History      []Transition   `json:"history"`
}

// Amendment is the write the proposal asks the charter writer to perform.
func (p *Proposal) Amendment() policy.Amendment {
	return policy.Amendment{
		ProposalID:  p.ID,
		TargetPath:  p.Bundle.TargetPath,
		Action:      p.Bundle.Action,
		Content:     p.Bundle.body(),
		ContentHash: p.Bundle.ContentHash,
	}
}

// AwaitingRatification reports a canary pass for the current content that
// has not been written through yet.
func (p *Proposal) AwaitingRatification() bool {
	return p.State == StateCanaryRunning && p.canaryPassed()
}

func (p *Proposal) canaryPassed() bool {
	return p.Canary != nil && p.Canary.Pass && p.Canary.ContentHash == p.Bundle.ContentHash
}

func (p *Proposal) signedBy(approverID string) bool {
	for _, s := range p.Signatures {
		if s.ApproverID == approverID {
			return true
		}
	}
	return false
}

func (p *Proposal) transition(to State, at time.Time, reason string) {
	p.History = append(p.History, Transition{From: p.State, To: to, At: at.UTC(), Reason: reason})
	p.State = to
	p.UpdatedAt = at.UTC()
	if reason != "" && to.Terminal() {
		p.Reason = reason
	}
}

// MessageVersion heads every canonical message.
const MessageVersion = version.ProposalFormat

// CanonicalMessage is the exact byte sequence approvers sign: LF-terminated
// "key: value" lines in fixed order with no trailing whitespace.
func CanonicalMessage(p *Proposal) []byte {
	just := sha256.Sum256([]byte(p.Bundle.Justification))
	var b strings.Builder
	line := func(s string) {
		b.WriteString(strings.TrimRight(s, " \t"))
		b.WriteByte('\n')
	}
	line(MessageVersion)
	line("id: " + p.ID)
	line("target: " + p.Bundle.TargetPath)
	line("action: " + p.Bundle.Action)
	line("content-sha256: " + p.Bundle.ContentHash)
	line("justification-sha256: " + hex.EncodeToString(just[:]))
	line("risk-tier: " + p.RiskTier)
	return []byte(b.String())
}
