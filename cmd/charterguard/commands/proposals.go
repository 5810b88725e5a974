package commands

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/DrSkyle/charterguard/pkg/engine/amendment"
	"github.com/DrSkyle/charterguard/pkg/engine/canary"
	"github.com/DrSkyle/charterguard/pkg/engine/report"
	"github.com/DrSkyle/charterguard/pkg/policy"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var stateStyles = map[amendment.State]lipgloss.Style{
	amendment.StateOpen:          lipgloss.NewStyle().Foreground(lipgloss.Color("#E2E8F0")),
	amendment.StateQuorumReached: lipgloss.NewStyle().Foreground(lipgloss.Color("#874BFD")).Bold(true),
	amendment.StateCanaryRunning: warnStyle,
	amendment.StateRatified:      okStyle,
	amendment.StateRejected:      errorStyle,
	amendment.StateSuperseded:    labelStyle,
}

// refused maps a governance refusal to exit code 1; other errors pass
// through as internal failures.
func refused(w io.Writer, err error) error {
	var quorum *amendment.QuorumError
	var integrity *amendment.IntegrityError
	switch {
	case errors.As(err, &quorum), errors.As(err, &integrity),
		errors.Is(err, amendment.ErrInvalidBundle),
		errors.Is(err, amendment.ErrTerminal),
		errors.Is(err, amendment.ErrSuperseded),
		errors.Is(err, amendment.ErrUnknownApprover),
		errors.Is(err, amendment.ErrDuplicateSigner),
		errors.Is(err, amendment.ErrBadSignature),
		errors.Is(err, amendment.ErrFutureSignature),
		errors.Is(err, amendment.ErrCanaryRequired):
		fmt.Fprintln(w, errorStyle.Render("[REFUSED]")+" "+err.Error())
		return exitCode(report.ExitBlocked)
	}
	return err
}

var proposeCmd = &cobra.Command{
	Use:   "propose",
	Short: "Submit a charter amendment proposal",
	Long: `Submits a change to one charter document. The content hash is computed
from --file unless --content-hash or a --bundle JSON file supplies one.

Example:
  charterguard propose --target charter/structure.yaml --file structure.yaml \
    --justification "split billing from payments" --proposer bob`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := bundleFromFlags(cmd)
		if err != nil {
			return err
		}
		proposer, _ := cmd.Flags().GetString("proposer")
		if proposer == "" {
			proposer = os.Getenv("USER")
		}

		e, closeEngine, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer closeEngine()

		p, err := e.Proposals.Submit(cmd.Context(), b, proposer)
		if p != nil {
			renderProposal(cmd.OutOrStdout(), p, nil)
		}
		if err != nil {
			return refused(cmd.ErrOrStderr(), err)
		}
		return nil
	},
}

func bundleFromFlags(cmd *cobra.Command) (amendment.Bundle, error) {
	f := cmd.Flags()
	if path, _ := f.GetString("bundle"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return amendment.Bundle{}, err
		}
		var b amendment.Bundle
		if err := json.Unmarshal(data, &b); err != nil {
			return amendment.Bundle{}, fmt.Errorf("parse bundle %s: %w", path, err)
		}
		return b, nil
	}

	target, _ := f.GetString("target")
	action, _ := f.GetString("action")
	file, _ := f.GetString("file")
	justification, _ := f.GetString("justification")
	if target == "" {
		return amendment.Bundle{}, errors.New("--target or --bundle is required")
	}

	var content string
	if file != "" {
		var data []byte
		var err error
		if file == "-" {
			data, err = io.ReadAll(cmd.InOrStdin())
		} else {
			data, err = os.ReadFile(file)
		}
		if err != nil {
			return amendment.Bundle{}, err
		}
		content = string(data)
	}

	b := amendment.NewBundle(target, action, content, justification)
	if hash, _ := f.GetString("content-hash"); hash != "" {
		b.ContentHash = hash
	}
	b.RiskTier, _ = f.GetString("risk-tier")
	return b, nil
}

var signCmd = &cobra.Command{
	Use:   "sign <proposal-id>",
	Short: "Add an approver signature to a proposal",
	Long: `Signs the proposal's canonical message with --key, or records a detached
base64 ed25519 signature given with --signature. Print the message to sign
offline with 'charterguard proposals message <id>'.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		approver, _ := cmd.Flags().GetString("approver")
		keyPath, _ := cmd.Flags().GetString("key")
		sigText, _ := cmd.Flags().GetString("signature")
		if approver == "" {
			return errors.New("--approver is required")
		}
		if (keyPath == "") == (sigText == "") {
			return errors.New("exactly one of --key or --signature is required")
		}

		e, closeEngine, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer closeEngine()

		var sig []byte
		if keyPath != "" {
			priv, err := loadSigningKey(keyPath)
			if err != nil {
				return err
			}
			p, err := e.Proposals.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			sig = ed25519.Sign(priv, amendment.CanonicalMessage(p))
		} else {
			sig, err = base64.StdEncoding.DecodeString(strings.TrimSpace(sigText))
			if err != nil {
				return fmt.Errorf("decode --signature: %w", err)
			}
		}

		p, err := e.Proposals.Sign(cmd.Context(), args[0], amendment.SignatureInput{ApproverID: approver, Signature: sig})
		if err != nil {
			return refused(cmd.ErrOrStderr(), err)
		}
		q, err := e.Proposals.Quorum(cmd.Context(), p.ID)
		if err != nil {
			return err
		}
		renderProposal(cmd.OutOrStdout(), p, &q)
		return nil
	},
}

var proposalsCmd = &cobra.Command{
	Use:     "proposals",
	Aliases: []string{"proposal"},
	Short:   "Inspect charter amendment proposals",
}

var proposalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List proposals in submission order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, closeEngine, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer closeEngine()

		all, err := e.Proposals.List(cmd.Context())
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(cmd.OutOrStdout(), all)
		}

		out := cmd.OutOrStdout()
		if len(all) == 0 {
			fmt.Fprintln(out, labelStyle.Render("No proposals."))
			return nil
		}
		fmt.Fprintln(out, labelStyle.Render(fmt.Sprintf("%-36s  %-15s  %-9s  %-4s  %s", "ID", "STATE", "TIER", "SIGS", "TARGET")))
		for _, p := range all {
			fmt.Fprintf(out, "%-36s  %s  %-9s  %-4d  %s %s\n",
				p.ID,
				stateStyles[p.State].Render(fmt.Sprintf("%-15s", p.State)),
				p.RiskTier,
				len(p.Signatures),
				p.Bundle.Action,
				p.Bundle.TargetPath,
			)
		}
		return nil
	},
}

var proposalsShowCmd = &cobra.Command{
	Use:   "show <proposal-id>",
	Short: "Show a proposal and its current quorum",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, closeEngine, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer closeEngine()

		p, err := e.Proposals.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		q, err := e.Proposals.Quorum(cmd.Context(), p.ID)
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(cmd.OutOrStdout(), struct {
				*amendment.Proposal
				Quorum amendment.QuorumStatus `json:"quorum"`
			}{p, q})
		}
		renderProposal(cmd.OutOrStdout(), p, &q)
		return nil
	},
}

var proposalsMessageCmd = &cobra.Command{
	Use:   "message <proposal-id>",
	Short: "Print the exact bytes approvers sign",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, closeEngine, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer closeEngine()

		p, err := e.Proposals.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(amendment.CanonicalMessage(p))
		return err
	},
}

var canaryCmd = &cobra.Command{
	Use:   "canary <proposal-id>",
	Short: "Validate a proposal in an isolated sandbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, closeEngine, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer closeEngine()

		res, err := e.Proposals.RunCanary(cmd.Context(), args[0])
		if err != nil {
			return refused(cmd.ErrOrStderr(), err)
		}
		renderCanary(cmd.OutOrStdout(), res)
		if !res.Pass {
			return exitCode(report.ExitBlocked)
		}
		return nil
	},
}

var ratifyCmd = &cobra.Command{
	Use:   "ratify <proposal-id>",
	Short: "Canary-validate a proposal if needed and write it into the charter",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, closeEngine, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer closeEngine()

		p, err := e.Proposals.Process(cmd.Context(), args[0])
		if err != nil {
			return refused(cmd.ErrOrStderr(), err)
		}
		if p.Canary != nil {
			renderCanary(cmd.OutOrStdout(), p.Canary)
		}
		renderProposal(cmd.OutOrStdout(), p, nil)
		if p.State != amendment.StateRatified {
			return exitCode(report.ExitBlocked)
		}
		return nil
	},
}

var supersedeCmd = &cobra.Command{
	Use:   "supersede <proposal-id>",
	Short: "Withdraw a proposal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")

		e, closeEngine, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer closeEngine()

		p, err := e.Proposals.Supersede(cmd.Context(), args[0], reason)
		if err != nil {
			return refused(cmd.ErrOrStderr(), err)
		}
		renderProposal(cmd.OutOrStdout(), p, nil)
		return nil
	},
}

func init() {
	f := proposeCmd.Flags()
	f.String("target", "", "Charter document, relative to the policy root (e.g. charter/structure.yaml)")
	f.String("action", policy.ActionReplace, "create, replace or delete")
	f.String("file", "", "New document content; - reads stdin")
	f.String("justification", "", "Why the charter should change")
	f.String("proposer", "", "Proposer identity (default $USER)")
	f.String("risk-tier", "", "Raise the classified risk tier: elevated or critical")
	f.String("content-hash", "", "Expected sha256 of the content")
	f.String("bundle", "", "Submit a JSON proposal bundle instead of the flags above")

	signCmd.Flags().String("approver", "", "Approver id as registered in the charter")
	signCmd.Flags().String("key", "", "ed25519 private key (OpenSSH format)")
	signCmd.Flags().String("signature", "", "Detached base64 ed25519 signature over the canonical message")

	proposalsListCmd.Flags().Bool("json", false, "Print JSON")
	proposalsShowCmd.Flags().Bool("json", false, "Print JSON")
	supersedeCmd.Flags().String("reason", "", "Recorded on the proposal")

	proposalsCmd.AddCommand(proposalsListCmd, proposalsShowCmd, proposalsMessageCmd)
	rootCmd.AddCommand(proposeCmd, signCmd, proposalsCmd, canaryCmd, ratifyCmd, supersedeCmd)
}

func renderProposal(w io.Writer, p *amendment.Proposal, q *amendment.QuorumStatus) {
	row := func(label, value string) {
		fmt.Fprintf(w, "  %s %s\n", labelStyle.Render(fmt.Sprintf("%-14s", label)), value)
	}
	fmt.Fprintln(w, titleStyle.Render("PROPOSAL "+p.ID))
	row("STATE:", stateStyles[p.State].Render(string(p.State)))
	row("TARGET:", p.Bundle.Action+" "+p.Bundle.TargetPath)
	row("RISK TIER:", p.RiskTier)
	row("PROPOSER:", p.Proposer)
	row("CONTENT:", p.Bundle.ContentHash)
	if p.Bundle.Justification != "" {
		row("WHY:", p.Bundle.Justification)
	}
	signers := make([]string, 0, len(p.Signatures))
	for _, s := range p.Signatures {
		signers = append(signers, s.ApproverID)
	}
	row("SIGNED BY:", strings.Join(signers, ", "))
	if q != nil {
		verdict := errorStyle.Render("not met")
		if q.Met {
			verdict = okStyle.Render("met")
		}
		row("QUORUM:", fmt.Sprintf("%s (%d of %d)", verdict, len(q.Valid), q.Required))
		if len(q.MissingRequired) > 0 {
			row("NEEDS:", strings.Join(q.MissingRequired, ", "))
		}
		ignored := make([]string, 0, len(q.Invalid))
		for id := range q.Invalid {
			ignored = append(ignored, id)
		}
		sort.Strings(ignored)
		for _, id := range ignored {
			row("IGNORED:", id+": "+q.Invalid[id])
		}
	}
	if p.AwaitingRatification() {
		row("CANARY:", okStyle.Render("passed, awaiting ratification"))
	}
	if p.SupersededBy != "" {
		row("SUPERSEDED BY:", p.SupersededBy)
	}
	if p.Reason != "" {
		row("REASON:", p.Reason)
	}
}

func renderCanary(w io.Writer, res *canary.Result) {
	verdict := okStyle.Render("[CANARY PASS]")
	if !res.Pass {
		verdict = errorStyle.Render("[CANARY FAIL]")
	}
	line := fmt.Sprintf("%s %s in %dms", verdict, res.ProposalID, res.DurationMS)
	if err := res.Failure(); err != nil {
		line += ": " + err.Error()
	}
	fmt.Fprintln(w, line)
	if res.Report != nil {
		for _, f := range res.Report.Findings {
			fmt.Fprintf(w, "  %-6s %s %s: %s\n", f.Severity, f.RuleID, f.Subject, f.Message)
		}
	}
	if res.Sandbox != "" {
		fmt.Fprintln(w, labelStyle.Render("  sandbox kept at ")+res.Sandbox)
	}
}
