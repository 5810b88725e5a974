package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/DrSkyle/charterguard/pkg/config"
	"github.com/DrSkyle/charterguard/pkg/engine"
	"github.com/DrSkyle/charterguard/pkg/engine/report"
	"github.com/DrSkyle/charterguard/pkg/version"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var cfgFile string

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#00FF99")).
			MarginBottom(1)
	flagStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#AAAAAA"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF99")).Bold(true)
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0055")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#64748B")).Bold(true)
)

var rootCmd = &cobra.Command{
	Use:   "charterguard",
	Short: "Architecture governance for source repositories",
	Long: `CharterGuard - Architecture Governance Engine

Audit a repository against its charter, and amend the charter only through
signed, canary-validated proposals.`,
	Version:       version.String(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// exitCode ends the process with a specific status and no error message.
type exitCode int

func (c exitCode) Error() string { return fmt.Sprintf("exit status %d", int(c)) }

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}
	var code exitCode
	if errors.As(err, &code) {
		os.Exit(int(code))
	}
	fmt.Fprintln(os.Stderr, errorStyle.Render("[ERROR]")+" "+err.Error())
	os.Exit(report.ExitInternal)
}

func init() {
	cobra.OnInitialize(initConfig)

	d := config.Default()
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (default .charterguard.yaml in the repo, then $HOME)")
	pf.String("repo", d.Paths.Repo, "Repository root to govern")
	pf.String("policy-dir", d.Paths.PolicyDir, "Policy root relative to the repository")
	pf.StringSlice("ignore", nil, "Extra source ignore globs")
	pf.BoolP("verbose", "v", false, "Debug logging")
	pf.Bool("json-logs", false, "Structured JSON logs on stderr")
	pf.String("otel-endpoint", "", "OTLP HTTP endpoint for traces")
	pf.Bool("no-telemetry", false, "Disable tracing")
	pf.String("spans-out", "", "Write spans as JSON to a file, or - for stderr")
	pf.String("lock-backend", d.Lock.Backend, "Lock backend: local or redis")
	pf.String("redis-url", "", "Redis URL for the redis lock backend")
	pf.String("store", d.Proposals.Store, "Proposal store: directory or s3://bucket/prefix")

	bindFlags(pf, map[string]string{
		"repo":          "paths.repo",
		"policy-dir":    "paths.policy_dir",
		"ignore":        "paths.ignore",
		"verbose":       "telemetry.verbose",
		"json-logs":     "telemetry.json_logs",
		"otel-endpoint": "telemetry.endpoint",
		"no-telemetry":  "telemetry.disabled",
		"spans-out":     "telemetry.spans_out",
		"lock-backend":  "lock.backend",
		"redis-url":     "lock.redis_url",
		"store":         "proposals.store",
	})

	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		renderFutureGlassHelp(cmd)
	})
}

func bindFlags(fs *pflag.FlagSet, keys map[string]string) {
	for flag, key := range keys {
		if err := viper.BindPFlag(key, fs.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag, err))
		}
	}
}

func initConfig() {
	v := viper.GetViper()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(".charterguard")
		v.SetConfigType("yaml")
		if repo, err := rootCmd.PersistentFlags().GetString("repo"); err == nil {
			v.AddConfigPath(repo)
		}
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
	}
	config.BindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			fmt.Fprintln(os.Stderr, warnStyle.Render("[WARN]")+" config: "+err.Error())
		}
	}
}

// openEngine builds the engine from flags, environment and config file.
func openEngine(cmd *cobra.Command) (*engine.Engine, func(), error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, nil, err
	}
	if abs, err := filepath.Abs(cfg.Paths.Repo); err == nil {
		cfg.Paths.Repo = abs
	}
	e, err := engine.New(cmd.Context(), engine.WithConfig(cfg))
	if err != nil {
		return nil, nil, err
	}
	closer := func() {
		if err := e.Close(context.Background()); err != nil {
			e.Logger.Warn("Shutdown incomplete", "error", err)
		}
	}
	return e, closer, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderFutureGlassHelp(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, titleStyle.Render(fmt.Sprintf("CHARTERGUARD %s", version.Current)))
	fmt.Fprintln(out, "Architecture governance: audit, propose, sign, canary, ratify.")

	fmt.Fprintln(out, titleStyle.Render("USAGE"))
	fmt.Fprintf(out, "  %s\n\n", cmd.UseLine())

	if cmd.HasAvailableSubCommands() {
		fmt.Fprintln(out, titleStyle.Render("COMMANDS"))
		for _, c := range cmd.Commands() {
			if c.IsAvailableCommand() {
				fmt.Fprintf(out, "  %-12s %s\n", c.Name(), c.Short)
			}
		}
		fmt.Fprintln(out)
	}

	if cmd == rootCmd {
		fmt.Fprintln(out, titleStyle.Render("EXAMPLES"))
		fmt.Fprintln(out, "  charterguard audit                       # JSON report on stdout, exit code per verdict")
		fmt.Fprintln(out, "  charterguard audit -i                    # Browse findings (TUI)")
		fmt.Fprintln(out, "  charterguard propose --target charter/structure.yaml --file new.yaml --proposer bob")
		fmt.Fprintln(out, "  charterguard sign <id> --approver alice --key ~/.ssh/charterguard_ed25519")
		fmt.Fprintln(out, "  charterguard ratify <id>                 # canary, then write through")
		fmt.Fprintln(out)
	}

	fmt.Fprintln(out, titleStyle.Render("FLAGS"))
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Hidden {
			return
		}
		output := fmt.Sprintf("  --%-15s %s", f.Name, f.Usage)
		if f.DefValue != "" && f.DefValue != "false" && f.DefValue != "0" && f.DefValue != "[]" {
			output += fmt.Sprintf(" (default %s)", f.DefValue)
		}
		fmt.Fprintln(out, flagStyle.Render(output))
	})
	fmt.Fprintln(out)
}
