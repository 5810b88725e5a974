package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/DrSkyle/charterguard/pkg/engine/amendment"
	"github.com/DrSkyle/charterguard/pkg/engine/finding"
	"github.com/DrSkyle/charterguard/pkg/engine/report"
)

// SlackClient posts audit verdicts and proposal outcomes to an incoming
// webhook. A client with no webhook URL does nothing.
type SlackClient struct {
	WebhookURL string
	Channel    string // Optional: Override default channel

	http   *http.Client
	logger *slog.Logger
}

// NewSlackClient initializes the Slack integration.
func NewSlackClient(webhookURL, channel string, timeout time.Duration, logger *slog.Logger) *SlackClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SlackClient{
		WebhookURL: webhookURL,
		Channel:    channel,
		http:       &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Enabled reports whether messages are sent at all.
func (s *SlackClient) Enabled() bool { return s != nil && s.WebhookURL != "" }

// SendAuditReport posts the verdict, score and finding counts.
func (s *SlackClient) SendAuditReport(ctx context.Context, rep *report.Report) error {
	if !s.Enabled() {
		return nil
	}
	return s.send(ctx, s.auditPayload(rep))
}

func (s *SlackClient) auditPayload(rep *report.Report) map[string]any {
	statusIcon := "🟢"
	verdict := "passed"
	switch {
	case !rep.Pass:
		statusIcon, verdict = "🔴", "failed"
	case rep.Summary.Warn > 0:
		statusIcon, verdict = "🟡", "passed with warnings"
	}

	blocks := []map[string]any{
		{
			"type": "header",
			"text": map[string]any{
				"type": "plain_text",
				"text": fmt.Sprintf("%s Charter audit %s", statusIcon, verdict),
			},
		},
		{
			"type": "context",
			"elements": []map[string]any{
				{
					"type": "mrkdwn",
					"text": fmt.Sprintf("*Audited:* %s | *Graph:* `%s`", rep.GeneratedAt.Format(time.RFC3339), short(rep.GraphFingerprint)),
				},
			},
		},
		{"type": "divider"},
		{
			"type": "section",
			"fields": []map[string]any{
				{"type": "mrkdwn", "text": fmt.Sprintf("*Score:*\n%.1f (minimum %.1f)", rep.Score, rep.MinScore)},
				{"type": "mrkdwn", "text": fmt.Sprintf("*Block:*\n%d", rep.Summary.Block)},
				{"type": "mrkdwn", "text": fmt.Sprintf("*Warn:*\n%d", rep.Summary.Warn)},
				{"type": "mrkdwn", "text": fmt.Sprintf("*Info:*\n%d", rep.Summary.Info)},
			},
		},
	}

	// Findings are sorted by severity, so blocking ones come first.
	for i, f := range rep.Findings {
		if f.Severity != finding.Block || i == 3 {
			break
		}
		blocks = append(blocks, map[string]any{
			"type": "section",
			"text": map[string]any{
				"type": "mrkdwn",
				"text": fmt.Sprintf("⛔ *%s* `%s`\n%s", f.RuleID, f.Subject, f.Message),
			},
		})
	}
	return s.withChannel(map[string]any{"blocks": blocks})
}

// ProposalChanged posts outcomes an approver has to act on or should know
// about. Other transitions are ignored.
func (s *SlackClient) ProposalChanged(ctx context.Context, p *amendment.Proposal, from amendment.State) {
	if !s.Enabled() || p.State == from {
		return
	}
	var icon, headline string
	switch p.State {
	case amendment.StateQuorumReached:
		icon, headline = "✍️", "reached quorum"
	case amendment.StateRatified:
		icon, headline = "✅", "was ratified"
	case amendment.StateRejected:
		icon, headline = "🔴", "was rejected"
	case amendment.StateSuperseded:
		icon, headline = "⏭️", "was superseded"
	default:
		return
	}
	if err := s.send(ctx, s.proposalPayload(p, icon, headline)); err != nil {
		s.logger.Warn("Slack notification failed", "proposal_id", p.ID, "state", p.State, "error", err)
	}
}

func (s *SlackClient) proposalPayload(p *amendment.Proposal, icon, headline string) map[string]any {
	text := fmt.Sprintf("*Target:* `%s` (%s)\n*Proposer:* %s | *Tier:* %s | *Signatures:* %d",
		p.Bundle.TargetPath, p.Bundle.Action, p.Proposer, p.RiskTier, len(p.Signatures))
	if p.Reason != "" {
		text += "\n*Reason:* " + p.Reason
	}
	return s.withChannel(map[string]any{
		"blocks": []map[string]any{
			{
				"type": "header",
				"text": map[string]any{
					"type": "plain_text",
					"text": fmt.Sprintf("%s Proposal %s %s", icon, short(p.ID), headline),
				},
			},
			{
				"type": "section",
				"text": map[string]any{"type": "mrkdwn", "text": text},
			},
		},
	})
}

func (s *SlackClient) withChannel(payload map[string]any) map[string]any {
	if s.Channel != "" {
		payload["channel"] = s.Channel
	}
	return payload
}

func (s *SlackClient) send(ctx context.Context, payload map[string]any) error {
	jsonPayload, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, bytes.NewReader(jsonPayload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("received non-200 status from slack: %d", resp.StatusCode)
	}
	return nil
}

func short(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
