package commands

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/DrSkyle/charterguard/pkg/engine/report"
	"github.com/DrSkyle/charterguard/pkg/tui"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit the repository against its charter",
	Long: `Builds the knowledge graph, evaluates every charter rule and prints the
scored report.

Exit codes: 0 clean, 1 blocked (a block finding or a score below the
minimum), 3 advisory findings only, 2 internal error.

Example:
  charterguard audit --format md
  charterguard audit --out s3://governance/reports
  charterguard audit --watch`,
	Args: cobra.NoArgs,
	RunE: runAudit,
}

func init() {
	f := auditCmd.Flags()
	f.String("format", "json", "Report format: json, csv or md")
	f.String("out", "", "Write the report to a file or s3://bucket/prefix instead of stdout")
	f.Float64("min-score", report.DefaultMinScore, "Pass threshold when the charter sets none")
	f.Int("workers", 0, "Parse and rule workers (default: CPU count)")
	f.BoolP("interactive", "i", false, "Browse the findings in a terminal UI")
	f.Bool("watch", false, "Re-audit on every change until interrupted")
	f.Bool("blame", false, "Add the last commit touching each finding's subject")
	f.Bool("record", false, "Keep a history snapshot of this audit")

	bindFlags(f, map[string]string{
		"format":    "audit.format",
		"out":       "audit.out",
		"min-score": "audit.min_score",
		"workers":   "audit.workers",
		"blame":     "audit.attribute",
		"record":    "audit.record",
	})
	rootCmd.AddCommand(auditCmd)
}

func runAudit(cmd *cobra.Command, args []string) error {
	e, closeEngine, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer closeEngine()

	cfg := e.Config()
	interactive, _ := cmd.Flags().GetBool("interactive")
	watching, _ := cmd.Flags().GetBool("watch")

	if watching {
		return e.Watch(cmd.Context(), func(rep *report.Report, err error) {
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), errorStyle.Render("[ERROR]")+" "+err.Error())
				return
			}
			fmt.Fprintln(cmd.ErrOrStderr(), tui.Summary(rep))
			e.Notify(cmd.Context(), rep)
			if cfg.Audit.Out != "" {
				if _, err := e.Publish(cmd.Context(), rep, cfg.Audit.Out, cfg.Audit.Format); err != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), warnStyle.Render("[WARN]")+" "+err.Error())
				}
			}
		})
	}

	res, err := e.Audit(cmd.Context())
	if err != nil {
		return err
	}
	rep := res.Report
	e.Notify(cmd.Context(), rep)

	switch {
	case interactive:
		p := tea.NewProgram(tui.NewModel(rep), tea.WithAltScreen(), tea.WithContext(cmd.Context()))
		if _, err := p.Run(); err != nil {
			return fmt.Errorf("findings browser: %w", err)
		}
		fmt.Fprintln(cmd.ErrOrStderr(), tui.Summary(rep))
	case cfg.Audit.Out != "":
		loc, err := e.Publish(cmd.Context(), rep, cfg.Audit.Out, cfg.Audit.Format)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.ErrOrStderr(), tui.Summary(rep))
		fmt.Fprintln(cmd.ErrOrStderr(), okStyle.Render("[SUCCESS]")+" Report written: "+loc)
	default:
		data, err := report.Encode(rep, cfg.Audit.Format)
		if err != nil {
			return err
		}
		if _, err := cmd.OutOrStdout().Write(data); err != nil {
			return err
		}
	}
	return exitFor(rep)
}

func exitFor(rep *report.Report) error {
	if code := rep.ExitCode(); code != report.ExitClean {
		return exitCode(code)
	}
	return nil
}

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Print the knowledge graph as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, closeEngine, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer closeEngine()

		res, err := e.Audit(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res.Graph.Export())
	},
}

var charterCmd = &cobra.Command{
	Use:   "charter",
	Short: "Seal and verify the ratified charter",
}

var charterSealCmd = &cobra.Command{
	Use:   "seal",
	Short: "Record the charter area as the ratified baseline",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, closeEngine, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer closeEngine()

		force, _ := cmd.Flags().GetBool("force")
		ledger, err := e.Seal(cmd.Context(), force)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Sealed %d charter documents\n", okStyle.Render("[SUCCESS]"), len(ledger.Entries))
		return nil
	},
}

var charterVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Compare the charter area against the ledger",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, closeEngine, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer closeEngine()

		mismatches, err := e.Verify(cmd.Context())
		if err != nil {
			return err
		}
		if len(mismatches) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("[OK]")+" Charter matches its ledger")
			return nil
		}
		for _, m := range mismatches {
			fmt.Fprintln(cmd.OutOrStdout(), errorStyle.Render("[DRIFT]")+" "+m.String())
		}
		return exitCode(report.ExitBlocked)
	},
}

var charterArchiveCmd = &cobra.Command{
	Use:   "archive [target]",
	Short: "List charter document versions replaced by ratified proposals",
	Long: `Every ratified replace or delete keeps the previous document content.
With --proposal the content that proposal replaced is printed, ready to be
re-proposed.

Example:
  charterguard charter archive charter/structure.yaml
  charterguard charter archive charter/structure.yaml --proposal <id> > old.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, closeEngine, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer closeEngine()

		var target string
		if len(args) == 1 {
			target = args[0]
		}
		out := cmd.OutOrStdout()
		if id, _ := cmd.Flags().GetString("proposal"); id != "" {
			if target == "" {
				return errors.New("--proposal needs a target document")
			}
			t, err := e.Vault.Find(cmd.Context(), target, id)
			if err != nil {
				return err
			}
			_, err = io.WriteString(out, t.Content)
			return err
		}

		tombstones, err := e.Vault.List(cmd.Context(), target)
		if err != nil {
			return err
		}
		if len(tombstones) == 0 {
			fmt.Fprintln(out, labelStyle.Render("No archived charter versions."))
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "BURIED\tTARGET\tACTION\tPROPOSAL\tHASH")
		for _, t := range tombstones {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.BuriedAt.Local().Format(time.DateTime), t.TargetPath, t.Action, t.ProposalID, short(t.Hash))
		}
		return tw.Flush()
	},
}

func init() {
	charterSealCmd.Flags().Bool("force", false, "Replace an existing ledger, keeping its history")
	charterArchiveCmd.Flags().String("proposal", "", "Print the content this proposal replaced")
	charterCmd.AddCommand(charterSealCmd, charterVerifyCmd, charterArchiveCmd)
	rootCmd.AddCommand(graphCmd, charterCmd)
}
