// Package config defines the charterguard settings read from
// .charterguard.yaml, CHARTERGUARD_* environment variables and flags.
package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the environment variable prefix: CHARTERGUARD_AUDIT_WORKERS
// sets audit.workers.
const EnvPrefix = "CHARTERGUARD"

const (
	LockLocal = "local"
	LockRedis = "redis"
)

type Config struct {
	Paths     PathsConfig     `mapstructure:"paths"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Canary    CanaryConfig    `mapstructure:"canary"`
	Proposals ProposalsConfig `mapstructure:"proposals"`
	Lock      LockConfig      `mapstructure:"lock"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Notify    NotifyConfig    `mapstructure:"notify"`
}

type PathsConfig struct {
	// Repo is the repository root being governed.
	Repo string `mapstructure:"repo"`
	// PolicyDir is the policy root relative to Repo.
	PolicyDir string `mapstructure:"policy_dir"`
	// Ignore globs are skipped when walking the source tree.
	Ignore []string `mapstructure:"ignore"`
}

type AuditConfig struct {
	Workers int `mapstructure:"workers"`
	// MinScore applies when the charter declares no scoring.min_score.
	MinScore float64 `mapstructure:"min_score"`
	// Weights override the default severity weights. Charter scoring wins.
	Weights map[string]float64 `mapstructure:"weights"`
	Format  string             `mapstructure:"format"`
	// Out is a file path or an s3://bucket/prefix location.
	Out string `mapstructure:"out"`
	// Debounce coalesces bursts of file events in watch mode.
	Debounce time.Duration `mapstructure:"debounce"`
	// Attribute adds the last commit touching each finding's subject.
	Attribute bool `mapstructure:"attribute"`
	// Record keeps a history snapshot of every audit in the proposal store.
	Record bool `mapstructure:"record"`
	// DropAlert is the score fall between recorded audits that raises a
	// trend alert.
	DropAlert float64 `mapstructure:"drop_alert"`
}

type CanaryConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	// Materializer is "copy" (working tree) or "git" (HEAD commit).
	Materializer string `mapstructure:"materializer"`
	WorkDir      string `mapstructure:"work_dir"`
	Keep         bool   `mapstructure:"keep"`
}

type ProposalsConfig struct {
	// Store is a directory or an s3://bucket/prefix location.
	Store  string `mapstructure:"store"`
	Prefix string `mapstructure:"prefix"`
}

type LockConfig struct {
	Backend  string        `mapstructure:"backend"`
	RedisURL string        `mapstructure:"redis_url"`
	Lease    time.Duration `mapstructure:"lease"`
}

type TelemetryConfig struct {
	// Endpoint is an OTLP HTTP endpoint. Empty falls back to
	// OTEL_EXPORTER_OTLP_ENDPOINT, then to discarding spans.
	Endpoint string `mapstructure:"endpoint"`
	Disabled bool   `mapstructure:"disabled"`
	JSONLogs bool   `mapstructure:"json_logs"`
	Verbose  bool   `mapstructure:"verbose"`
	// SpansOut writes finished spans as JSON to a file, or to stderr when
	// set to "-". It is used when no endpoint is configured.
	SpansOut    string  `mapstructure:"spans_out"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// NotifyConfig posts audit verdicts and proposal outcomes to Slack. An
// empty webhook disables it.
type NotifyConfig struct {
	SlackWebhook string        `mapstructure:"slack_webhook"`
	Channel      string        `mapstructure:"channel"`
	Timeout      time.Duration `mapstructure:"timeout"`
	// OnPass also posts audits that pass cleanly.
	OnPass bool `mapstructure:"on_pass"`
}

// Default returns a configuration with sensible default values.
func Default() Config {
	return Config{
		Paths: PathsConfig{
			Repo:      ".",
			PolicyDir: ".charter",
			Ignore:    []string{},
		},
		Audit: AuditConfig{
			Workers:   runtime.NumCPU(),
			MinScore:  80,
			Weights:   map[string]float64{},
			Format:    "json",
			Debounce:  300 * time.Millisecond,
			DropAlert: 5,
		},
		Canary: CanaryConfig{
			Timeout:      5 * time.Minute,
			Materializer: "copy",
		},
		Proposals: ProposalsConfig{
			Store:  ".charterguard",
			Prefix: "proposals",
		},
		Lock: LockConfig{
			Backend: LockLocal,
			Lease:   15 * time.Minute,
		},
		Telemetry: TelemetryConfig{
			SampleRatio: 1,
		},
		Notify: NotifyConfig{
			Timeout: 10 * time.Second,
		},
	}
}

// SetDefaults registers every default on v so that environment variables
// bind to keys that no config file mentions.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("paths.repo", d.Paths.Repo)
	v.SetDefault("paths.policy_dir", d.Paths.PolicyDir)
	v.SetDefault("paths.ignore", d.Paths.Ignore)
	v.SetDefault("audit.workers", d.Audit.Workers)
	v.SetDefault("audit.min_score", d.Audit.MinScore)
	v.SetDefault("audit.weights", d.Audit.Weights)
	v.SetDefault("audit.format", d.Audit.Format)
	v.SetDefault("audit.out", d.Audit.Out)
	v.SetDefault("audit.debounce", d.Audit.Debounce)
	v.SetDefault("audit.attribute", d.Audit.Attribute)
	v.SetDefault("audit.record", d.Audit.Record)
	v.SetDefault("audit.drop_alert", d.Audit.DropAlert)
	v.SetDefault("canary.timeout", d.Canary.Timeout)
	v.SetDefault("canary.materializer", d.Canary.Materializer)
	v.SetDefault("canary.work_dir", d.Canary.WorkDir)
	v.SetDefault("canary.keep", d.Canary.Keep)
	v.SetDefault("proposals.store", d.Proposals.Store)
	v.SetDefault("proposals.prefix", d.Proposals.Prefix)
	v.SetDefault("lock.backend", d.Lock.Backend)
	v.SetDefault("lock.redis_url", d.Lock.RedisURL)
	v.SetDefault("lock.lease", d.Lock.Lease)
	v.SetDefault("telemetry.endpoint", d.Telemetry.Endpoint)
	v.SetDefault("telemetry.disabled", d.Telemetry.Disabled)
	v.SetDefault("telemetry.json_logs", d.Telemetry.JSONLogs)
	v.SetDefault("telemetry.verbose", d.Telemetry.Verbose)
	v.SetDefault("telemetry.spans_out", d.Telemetry.SpansOut)
	v.SetDefault("telemetry.sample_ratio", d.Telemetry.SampleRatio)
	v.SetDefault("notify.slack_webhook", d.Notify.SlackWebhook)
	v.SetDefault("notify.channel", d.Notify.Channel)
	v.SetDefault("notify.timeout", d.Notify.Timeout)
	v.SetDefault("notify.on_pass", d.Notify.OnPass)
}

// BindEnv makes CHARTERGUARD_SECTION_KEY override section.key.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load decodes v into a Config on top of the defaults and validates it.
func Load(v *viper.Viper) (Config, error) {
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var problems []string
	if c.Paths.Repo == "" {
		problems = append(problems, "paths.repo is empty")
	}
	if c.Audit.Workers < 1 {
		problems = append(problems, "audit.workers must be at least 1")
	}
	if c.Audit.MinScore < 0 || c.Audit.MinScore > 100 {
		problems = append(problems, "audit.min_score must be within [0, 100]")
	}
	switch c.Audit.Format {
	case "json", "csv", "md":
	default:
		problems = append(problems, fmt.Sprintf("audit.format %q is not one of json, csv, md", c.Audit.Format))
	}
	if c.Audit.DropAlert < 0 {
		problems = append(problems, "audit.drop_alert is negative")
	}
	if c.Canary.Timeout <= 0 {
		problems = append(problems, "canary.timeout must be positive")
	}
	switch c.Canary.Materializer {
	case "copy", "git":
	default:
		problems = append(problems, fmt.Sprintf("canary.materializer %q is not one of copy, git", c.Canary.Materializer))
	}
	switch c.Lock.Backend {
	case LockLocal:
	case LockRedis:
		if c.Lock.RedisURL == "" {
			problems = append(problems, "lock.redis_url is required for the redis backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("lock.backend %q is not one of local, redis", c.Lock.Backend))
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		problems = append(problems, "telemetry.sample_ratio must be within [0, 1]")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
