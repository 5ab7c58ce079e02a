// Package report builds the end-of-campaign summary: a Markdown
// document, optionally also rendered to a minimal HTML envelope.
// Grounded on the teacher's internal/email/compose.go markdown-body
// composition (same goldmark.Convert + HTML-envelope pattern, here
// producing a standalone campaign report instead of a mail body) and
// on original_source/logger.py's operator-facing, heavily readable
// logging style for what gets reported.
package report

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/yuin/goldmark"
)

// UUBOutcome summarizes one UUB's fate over the campaign.
type UUBOutcome struct {
	UUBNum  int
	SN      string
	Removed bool
	Reason  string
}

// Summary collects the facts an end-of-campaign report presents.
type Summary struct {
	CampaignID  string
	RunID       string
	Started     time.Time
	Finished    time.Time
	UUBs        []UUBOutcome
	Incidents   int
	Critical    int
	DataDirSize int64 // bytes written to the campaign's data directory
}

// Markdown renders Summary as a Markdown document.
func (s Summary) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Campaign report: %s\n\n", s.CampaignID)
	fmt.Fprintf(&b, "- Run: `%s`\n", s.RunID)
	fmt.Fprintf(&b, "- Started: %s\n", s.Started.Format(time.RFC3339))
	fmt.Fprintf(&b, "- Finished: %s\n", s.Finished.Format(time.RFC3339))
	fmt.Fprintf(&b, "- Duration: %s\n", s.Finished.Sub(s.Started).Round(time.Second))
	fmt.Fprintf(&b, "- Data written: %s\n", humanize.Bytes(uint64(max64(s.DataDirSize, 0))))
	fmt.Fprintf(&b, "- Incidents recorded: %d (%d critical)\n\n", s.Incidents, s.Critical)

	b.WriteString("## UUBs\n\n")
	b.WriteString("| UUB | SN | Status |\n|---|---|---|\n")
	uubs := append([]UUBOutcome(nil), s.UUBs...)
	sort.Slice(uubs, func(i, j int) bool { return uubs[i].UUBNum < uubs[j].UUBNum })
	for _, u := range uubs {
		status := "active"
		if u.Removed {
			status = "removed: " + u.Reason
		}
		fmt.Fprintf(&b, "| %04d | %s | %s |\n", u.UUBNum, u.SN, status)
	}
	return b.String()
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// HTML renders Summary's markdown to a minimal standalone HTML
// document, following the teacher's markdownToHTML envelope.
func (s Summary) HTML() (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(s.Markdown()), &buf); err != nil {
		return "", fmt.Errorf("report: render markdown: %w", err)
	}
	html := fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Campaign report: %s</title></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5;">
%s
</body></html>`, s.CampaignID, buf.String())
	return html, nil
}
