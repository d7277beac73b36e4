// Package report renders a session's sheet and run history as a
// caregiver-facing document: GitHub-flavored markdown for the chat UI,
// optionally printed to PDF through headless Chromium.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/spotsepsis/intake/internal/schema"
	"github.com/spotsepsis/intake/internal/sheet"
	"github.com/spotsepsis/intake/internal/store"
)

// SheetMarkdown builds the full markdown document for one session.
func SheetMarkdown(reg *schema.Registry, s *sheet.Sheet, s1, s2 sheet.Report, runs []store.RunRecord) string {
	var sb strings.Builder
	sb.WriteString("# Intake Sheet\n\n")
	sb.WriteString(fmt.Sprintf("Session `%s`\n\n", s.SessionID()))

	sb.WriteString("## Recorded Values\n\n")
	current := s.Current()
	if len(current) == 0 {
		sb.WriteString("_No values recorded yet._\n\n")
	} else {
		sb.WriteString("| Field | Value | Source | Turn |\n")
		sb.WriteString("| --- | --- | --- | --- |\n")
		for _, f := range reg.Fields() {
			entry, ok := current[f.Name]
			if !ok {
				continue
			}
			sb.WriteString(fmt.Sprintf("| %s | %s | %s | %d |\n",
				f.Label, f.Format(entry.Value), entry.Source, entry.Turn))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("## Screening Readiness\n\n")
	writeReadiness(&sb, "Stage 1 (vitals)", reg, s1)
	writeReadiness(&sb, "Stage 2 (vitals + labs)", reg, s2)
	sb.WriteString("\n")

	if len(runs) > 0 {
		sb.WriteString("## Risk Assessments\n\n")
		sb.WriteString("| # | Stage | Status | Decision | Risk | Requested |\n")
		sb.WriteString("| --- | --- | --- | --- | --- | --- |\n")
		for _, r := range runs {
			decision, risk := "-", "-"
			if r.Result != nil {
				decision = r.Result.Decision
				if r.Result.Risk != nil {
					risk = fmt.Sprintf("%.2f", *r.Result.Risk)
				}
			}
			sb.WriteString(fmt.Sprintf("| %d | %s | %s | %s | %s | %s |\n",
				r.Seq, strings.ToUpper(string(r.Stage)), r.Status, decision, risk,
				r.RequestedAt.UTC().Format(time.RFC3339)))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func writeReadiness(sb *strings.Builder, title string, reg *schema.Registry, rep sheet.Report) {
	if rep.Runnable {
		sb.WriteString(fmt.Sprintf("- **%s:** ready to run\n", title))
		return
	}
	var needs []string
	for _, name := range rep.Missing {
		needs = append(needs, fieldLabel(reg, name))
	}
	for _, name := range rep.Invalid {
		needs = append(needs, fieldLabel(reg, name)+" (needs rechecking)")
	}
	sb.WriteString(fmt.Sprintf("- **%s:** waiting on %s\n", title, strings.Join(needs, ", ")))
}

func fieldLabel(reg *schema.Registry, name string) string {
	if f, ok := reg.Lookup(name); ok && f.Label != "" {
		return f.Label
	}
	return name
}
