package report

import (
	"strings"
	"testing"
	"time"
)

func TestMarkdownListsUUBsSortedWithStatus(t *testing.T) {
	s := Summary{
		CampaignID: "camp-1",
		RunID:      "run-1",
		Started:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Finished:   time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC),
		UUBs: []UUBOutcome{
			{UUBNum: 2, SN: "sn2"},
			{UUBNum: 1, SN: "sn1", Removed: true, Reason: "I2C failure"},
		},
		Incidents: 3,
		Critical:  1,
	}
	md := s.Markdown()
	if !strings.Contains(md, "# Campaign report: camp-1") {
		t.Error("missing title")
	}
	i1 := strings.Index(md, "0001")
	i2 := strings.Index(md, "0002")
	if i1 < 0 || i2 < 0 || i1 > i2 {
		t.Errorf("UUBs not sorted ascending in output:\n%s", md)
	}
	if !strings.Contains(md, "removed: I2C failure") {
		t.Error("missing removal reason")
	}
}

func TestHTMLRendersWithoutError(t *testing.T) {
	s := Summary{CampaignID: "camp-1", RunID: "run-1"}
	html, err := s.HTML()
	if err != nil {
		t.Fatalf("HTML: %v", err)
	}
	if !strings.Contains(html, "<html>") || !strings.Contains(html, "camp-1") {
		t.Errorf("HTML output missing expected content: %s", html)
	}
}
