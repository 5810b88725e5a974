package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/DrSkyle/charterguard/pkg/engine/report"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the score trend of recorded audits",
	Long: `Lists audits recorded with 'charterguard audit --record' (or audit.record
in the config file) and compares the newest with the ones before it.

Exits 1 when the trend raises an alert.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, closeEngine, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer closeEngine()

		n, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")
		window, trend, err := e.Trend(cmd.Context(), n)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if asJSON {
			if err := printJSON(out, map[string]any{"snapshots": window, "trend": trend}); err != nil {
				return err
			}
		} else {
			if len(window) == 0 {
				fmt.Fprintln(out, labelStyle.Render("No recorded audits. Run 'charterguard audit --record'."))
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "AUDITED\tSCORE\tVERDICT\tBLOCK\tWARN\tINFO\tPOLICY")
			for _, s := range window {
				verdict := "PASS"
				if !s.Pass {
					verdict = "FAIL"
				}
				fmt.Fprintf(tw, "%s\t%.1f\t%s\t%d\t%d\t%d\t%s\n",
					s.Timestamp.Local().Format(time.DateTime), s.Score, verdict, s.Block, s.Warn, s.Info, short(s.PolicyFingerprint))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "\n%s %+.1f since the previous audit, %+.2f per day over %d audits\n",
				labelStyle.Render("TREND:"), trend.Delta, trend.Velocity, trend.Runs)
			for _, a := range trend.Alerts {
				fmt.Fprintln(out, warnStyle.Render(a))
			}
		}
		if len(trend.Alerts) > 0 {
			return exitCode(report.ExitBlocked)
		}
		return nil
	},
}

func short(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}

func init() {
	historyCmd.Flags().IntP("limit", "n", 20, "Number of recent audits to show (0 for all)")
	historyCmd.Flags().Bool("json", false, "Print snapshots and trend as JSON")
	rootCmd.AddCommand(historyCmd)
}
