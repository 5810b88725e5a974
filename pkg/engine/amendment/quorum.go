package amendment

import (
	"crypto/ed25519"
	"slices"
	"sort"
	"time"

	"github.com/DrSkyle/charterguard/pkg/policy"
	"github.com/bmatcuk/doublestar/v4"
)

// RiskClassifier assigns a risk tier to a change of a charter document.
type RiskClassifier interface {
	Classify(b Bundle, q policy.QuorumPolicy) string
}

// GlobClassifier is the default classifier: a target matching one of the
// quorum policy's critical_paths is critical, one matching elevated_paths is
// elevated, and anything else is standard. Deleting a document never ranks
// below elevated.
type GlobClassifier struct{}

func (GlobClassifier) Classify(b Bundle, q policy.QuorumPolicy) string {
	switch {
	case matchAny(q.CriticalPaths, b.TargetPath):
		return policy.TierCritical
	case matchAny(q.ElevatedPaths, b.TargetPath), b.Action == policy.ActionDelete:
		return policy.TierElevated
	}
	return policy.TierStandard
}

func matchAny(globs []string, target string) bool {
	for _, g := range globs {
		if ok, _ := doublestar.Match(g, target); ok {
			return true
		}
	}
	return false
}

// raiseTier returns the higher of two tiers.
func raiseTier(classified, requested string) string {
	if policy.TierRank(requested) > policy.TierRank(classified) {
		return requested
	}
	return classified
}

// MaxClockSkew is how far a signature's time may lie ahead of the
// evaluating clock.
const MaxClockSkew = 5 * time.Minute

// QuorumStatus is the outcome of counting a proposal's signatures.
type QuorumStatus struct {
	Tier     string `json:"tier"`
	Required int    `json:"required"`
	// Valid lists the approvers whose signatures count, sorted.
	Valid []string `json:"valid"`
	// Invalid maps approver id to the reason a signature does not count.
	Invalid map[string]string `json:"invalid,omitempty"`
	// MissingRequired lists named approvers a critical change still needs.
	MissingRequired []string `json:"missing_required,omitempty"`
	Met             bool     `json:"met"`
}

// EvaluateQuorum decides, as of now, whether p's signatures satisfy q. A
// signature counts while its approver is registered and not revoked, the
// registered key verifies it over the canonical message, it is not dated
// after now plus MaxClockSkew, and it is younger than the signature TTL. An
// approver counts once if any of their signatures counts, so adding a
// signature never turns Met from true to false.
func EvaluateQuorum(p *Proposal, q policy.QuorumPolicy, approvers []policy.Approver, now time.Time) QuorumStatus {
	st := QuorumStatus{
		Tier:     p.RiskTier,
		Required: q.Threshold(p.RiskTier),
		Invalid:  make(map[string]string),
	}
	registry := make(map[string]policy.Approver, len(approvers))
	for _, a := range approvers {
		registry[a.ID] = a
	}
	msg := CanonicalMessage(p)

	valid := make(map[string]bool)
	for _, s := range p.Signatures {
		if valid[s.ApproverID] {
			continue
		}
		if reason := signatureProblem(s, registry, q, msg, now); reason != "" {
			st.Invalid[s.ApproverID] = reason
			continue
		}
		valid[s.ApproverID] = true
		delete(st.Invalid, s.ApproverID)
		st.Valid = append(st.Valid, s.ApproverID)
	}
	sort.Strings(st.Valid)

	if p.RiskTier == policy.TierCritical {
		for _, id := range q.RequiredApprovers {
			if !slices.Contains(st.Valid, id) {
				st.MissingRequired = append(st.MissingRequired, id)
			}
		}
		sort.Strings(st.MissingRequired)
	}
	if len(st.Invalid) == 0 {
		st.Invalid = nil
	}
	st.Met = len(st.Valid) >= st.Required && len(st.MissingRequired) == 0
	return st
}

// signatureProblem returns why s does not count, or "" when it does.
func signatureProblem(s Signature, registry map[string]policy.Approver, q policy.QuorumPolicy, msg []byte, now time.Time) string {
	a, ok := registry[s.ApproverID]
	if !ok {
		return "approver is not registered"
	}
	if a.Revoked(now) {
		return "approver is revoked"
	}
	key, err := a.Key()
	if err != nil {
		return err.Error()
	}
	if !ed25519.Verify(key, msg, s.Signature) {
		return "signature does not verify against the registered key"
	}
	if s.SignedAt.After(now.Add(MaxClockSkew)) {
		return "signature is dated in the future"
	}
	if ttl := q.SignatureTTL.Duration; ttl > 0 && now.Sub(s.SignedAt) >= ttl {
		return "signature expired"
	}
	return ""
}
