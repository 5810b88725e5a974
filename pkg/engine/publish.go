package engine

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/DrSkyle/charterguard/pkg/engine/report"
	"github.com/DrSkyle/charterguard/pkg/storage"
)

// ReportPrefix is the key prefix of published reports.
const ReportPrefix = "reports"

// ReportKey names a published report by generation time and fingerprint, so
// re-publishing the same audit overwrites rather than duplicates.
func ReportKey(rep *report.Report, format string) string {
	switch format {
	case "":
		format = report.FormatJSON
	case "markdown":
		format = report.FormatMarkdown
	}
	fp := rep.Fingerprint()
	if len(fp) > 12 {
		fp = fp[:12]
	}
	return path.Join(ReportPrefix, fmt.Sprintf("%s-%s.%s", rep.GeneratedAt.UTC().Format("20060102T150405Z"), fp, format))
}

// Publish writes the report to out: an s3://bucket/prefix location receives
// it under ReportKey, anything else is a local file path. It returns where
// the report went.
func (e *Engine) Publish(ctx context.Context, rep *report.Report, out, format string) (string, error) {
	ctx, span := e.Tracer.Start(ctx, "Engine.Publish")
	defer span.End()

	if !strings.HasPrefix(out, "s3://") {
		if err := report.GenerateFile(rep, out, format); err != nil {
			span.RecordError(err)
			return "", fmt.Errorf("write report: %w", err)
		}
		return out, nil
	}

	blobs, err := storage.Open(ctx, out)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	key, err := PublishTo(ctx, blobs, rep, format)
	if err != nil {
		span.RecordError(err)
		e.Logger.Warn("Failed to publish report", "location", out, "error", err)
		return "", err
	}
	loc := strings.TrimSuffix(out, "/") + "/" + key
	e.Logger.Info("Report published", "location", loc)
	return loc, nil
}

// PublishTo stores the encoded report in blobs and returns its key.
func PublishTo(ctx context.Context, blobs storage.BlobStore, rep *report.Report, format string) (string, error) {
	data, err := report.Encode(rep, format)
	if err != nil {
		return "", err
	}
	key := ReportKey(rep, format)
	if err := blobs.Put(ctx, key, data); err != nil {
		return "", fmt.Errorf("upload report: %w", err)
	}
	return key, nil
}

// Notify posts the audit verdict to Slack when a webhook is configured.
// Clean audits are skipped unless notify.on_pass is set. Delivery failures
// are logged, never returned.
func (e *Engine) Notify(ctx context.Context, rep *report.Report) {
	if !e.Notifier.Enabled() {
		return
	}
	if rep.ExitCode() == report.ExitClean && !e.config.Notify.OnPass {
		return
	}
	if err := e.Notifier.SendAuditReport(ctx, rep); err != nil {
		e.Logger.Warn("Slack notification failed", "error", err)
	}
}
