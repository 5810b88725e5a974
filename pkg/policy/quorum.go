package policy

import (
	"crypto/ed25519"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"
)

// Risk tiers, from least to most demanding.
const (
	TierLow      = "low"
	TierStandard = "standard"
	TierElevated = "elevated"
	TierCritical = "critical"
)

// Tiers lists the risk tiers in ascending order.
var Tiers = []string{TierLow, TierStandard, TierElevated, TierCritical}

// TierRank orders tiers; unknown tiers rank 0.
func TierRank(tier string) int {
	for i, t := range Tiers {
		if t == tier {
			return i + 1
		}
	}
	return 0
}

// QuorumPolicy decides how many and which signatures approve a proposal.
type QuorumPolicy struct {
	Schema string `yaml:"schema"`
	// Thresholds maps a risk tier to the number of valid signatures needed.
	Thresholds map[string]int `yaml:"thresholds"`
	// CriticalPaths and ElevatedPaths are globs over document paths used by
	// the default risk classifier.
	CriticalPaths []string `yaml:"critical_paths,omitempty"`
	ElevatedPaths []string `yaml:"elevated_paths,omitempty"`
	// RequiredApprovers must all sign proposals on critical paths.
	RequiredApprovers []string `yaml:"required_approvers,omitempty"`
	// SignatureTTL expires signatures older than this. Zero never expires.
	SignatureTTL Duration `yaml:"signature_ttl,omitempty"`
	Rules        []Rule   `yaml:"rules,omitempty"`
}

// DefaultQuorum applies when the charter declares no quorum document.
func DefaultQuorum() QuorumPolicy {
	return QuorumPolicy{
		Schema: SchemaQuorum,
		Thresholds: map[string]int{
			TierLow:      1,
			TierStandard: 1,
			TierElevated: 2,
			TierCritical: 2,
		},
		CriticalPaths: []string{"charter/quorum.*", "charter/approvers.*"},
	}
}

// Threshold returns the signature count for tier, falling back to the
// nearest lower declared tier.
func (q QuorumPolicy) Threshold(tier string) int {
	for r := TierRank(tier); r > 0; r-- {
		if n, ok := q.Thresholds[Tiers[r-1]]; ok {
			return n
		}
	}
	return 1
}

// Approver is a registered signer.
type Approver struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
	// PublicKey is an OpenSSH authorized_keys line for an ed25519 key.
	PublicKey string `yaml:"public_key" json:"public_key"`
	// RevokedAt is an RFC 3339 timestamp. Signatures by a revoked approver
	// never count, whenever they were made.
	RevokedAt string `yaml:"revoked_at,omitempty" json:"revoked_at,omitempty"`
}

// Key parses the approver's public key.
func (a Approver) Key() (ed25519.PublicKey, error) {
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(strings.TrimSpace(a.PublicKey)))
	if err != nil {
		return nil, fmt.Errorf("approver %s: %w", a.ID, err)
	}
	if pub.Type() != ssh.KeyAlgoED25519 {
		return nil, fmt.Errorf("approver %s: key type %s is not ed25519", a.ID, pub.Type())
	}
	cpk, ok := pub.(ssh.CryptoPublicKey)
	if !ok {
		return nil, fmt.Errorf("approver %s: key cannot be converted", a.ID)
	}
	key, ok := cpk.CryptoPublicKey().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("approver %s: key is not ed25519", a.ID)
	}
	return key, nil
}

// Fingerprint is the OpenSSH SHA256 fingerprint of the approver's key.
func (a Approver) Fingerprint() (string, error) {
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(strings.TrimSpace(a.PublicKey)))
	if err != nil {
		return "", fmt.Errorf("approver %s: %w", a.ID, err)
	}
	return ssh.FingerprintSHA256(pub), nil
}

// Revoked reports whether the approver is revoked as of now.
func (a Approver) Revoked(now time.Time) bool {
	if a.RevokedAt == "" {
		return false
	}
	at, err := time.Parse(time.RFC3339, a.RevokedAt)
	if err != nil {
		return true
	}
	return !now.Before(at)
}

// Duration decodes Go duration strings such as "720h".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"72h\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// IsZero lets yaml omitempty drop unset durations.
func (d Duration) IsZero() bool {
	return d.Duration == 0
}
