package report

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"
)

// Output formats.
const (
	FormatJSON     = "json"
	FormatCSV      = "csv"
	FormatMarkdown = "md"
)

var Formats = []string{FormatJSON, FormatCSV, FormatMarkdown}

// Encode renders the report in one of Formats.
func Encode(r *Report, format string) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch format {
	case FormatJSON, "":
		err = WriteJSON(&buf, r)
	case FormatCSV:
		err = WriteCSV(&buf, r)
	case FormatMarkdown, "markdown":
		err = WriteMarkdown(&buf, r)
	default:
		return nil, fmt.Errorf("unknown report format %q", format)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GenerateFile writes the report to path in the given format.
func GenerateFile(r *Report, path, format string) error {
	data, err := Encode(r, format)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func WriteJSON(w io.Writer, r *Report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// WriteCSV writes one row per finding. Evidence is flattened to sorted
// key=value pairs.
func WriteCSV(w io.Writer, r *Report) error {
	cw := csv.NewWriter(w)

	header := []string{
		"Severity",
		"RuleID",
		"SubjectPath",
		"Message",
		"Evidence",
	}
	if err := cw.Write(header); err != nil {
		return err
	}

	for _, f := range r.Findings {
		record := []string{
			string(f.Severity),
			f.RuleID,
			f.Subject,
			f.Message,
			flatten(f.Evidence),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

// WriteMarkdown writes a summary suitable for a pull request comment.
func WriteMarkdown(w io.Writer, r *Report) error {
	var b strings.Builder

	result := "PASS"
	if !r.Pass {
		result = "FAIL"
	}
	b.WriteString("# CharterGuard audit\n\n")
	fmt.Fprintf(&b, "- Result: **%s**\n", result)
	fmt.Fprintf(&b, "- Score: %.1f (minimum %.1f)\n", r.Score, r.MinScore)
	fmt.Fprintf(&b, "- Findings: %d block, %d warn, %d info\n", r.Summary.Block, r.Summary.Warn, r.Summary.Info)
	if r.GraphFingerprint != "" {
		fmt.Fprintf(&b, "- Graph: `%s`\n", short(r.GraphFingerprint))
	}
	if r.PolicyFingerprint != "" {
		fmt.Fprintf(&b, "- Policy: `%s`\n", short(r.PolicyFingerprint))
	}
	fmt.Fprintf(&b, "- Generated: %s\n\n", r.GeneratedAt.Format(time.RFC3339))

	if len(r.Findings) == 0 {
		b.WriteString("No findings.\n")
	} else {
		b.WriteString("| Severity | Rule | Subject | Message |\n")
		b.WriteString("|---|---|---|---|\n")
		for _, f := range r.Findings {
			fmt.Fprintf(&b, "| %s | %s | `%s` | %s |\n", f.Severity, f.RuleID, f.Subject, cell(f.Message))
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func flatten(ev map[string]string) string {
	keys := make([]string, 0, len(ev))
	for k := range ev {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+ev[k])
	}
	return strings.Join(parts, ";")
}

func cell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}

func short(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
