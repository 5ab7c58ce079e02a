package evaluator

import (
	"strings"
	"testing"
	"time"
)

type fakeSN struct {
	status map[int]UUBStatus
}

func (f *fakeSN) InternalSN(uubnum int) UUBStatus { return f.status[uubnum] }

func TestCheckISN_Passes(t *testing.T) {
	var out strings.Builder
	var aborted bool
	e := &Evaluator{
		UUBNums: []int{1001, 1002},
		DBIsn:   map[int]string{1001: "aabbcc", 1002: "ddeeff"},
		SN: &fakeSN{status: map[int]UUBStatus{
			1001: {SN: "aabbcc", Live: true},
			1002: {SN: "ddeeff", Live: true},
		}},
		Out:           &out,
		CriticalError: func() { aborted = true },
	}
	e.CheckISN(ISNSeverityStrict, time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC))
	if aborted {
		t.Errorf("CriticalError called on a passing check")
	}
	if !strings.Contains(out.String(), "passed") {
		t.Errorf("output = %q, want it to mention the check passed", out.String())
	}
}

func TestCheckISN_MismatchAborts(t *testing.T) {
	var out strings.Builder
	var aborted bool
	e := &Evaluator{
		UUBNums: []int{1001},
		DBIsn:   map[int]string{1001: "aabbcc"},
		SN: &fakeSN{status: map[int]UUBStatus{
			1001: {SN: "000000", Live: true},
		}},
		Out:           &out,
		CriticalError: func() { aborted = true },
	}
	e.CheckISN(ISNSeverityStrict, time.Now())
	if !aborted {
		t.Errorf("CriticalError was not called on an ISN mismatch")
	}
	if !strings.Contains(out.String(), "failed") {
		t.Errorf("output = %q, want it to mention the check failed", out.String())
	}
}

func TestCheckISN_ReportSeverityDoesNotAbort(t *testing.T) {
	var out strings.Builder
	var aborted bool
	e := &Evaluator{
		UUBNums: []int{1001},
		DBIsn:   map[int]string{1001: "aabbcc"},
		SN: &fakeSN{status: map[int]UUBStatus{
			1001: {SN: "000000", Live: true},
		}},
		Out:           &out,
		CriticalError: func() { aborted = true },
	}
	e.CheckISN(ISNSeverityReport, time.Now())
	if aborted {
		t.Errorf("CriticalError called despite ISNSeverityReport")
	}
}

func TestWriteMsgIndentsContinuationLines(t *testing.T) {
	var out strings.Builder
	e := &Evaluator{Out: &out}
	ts := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	e.WriteMsg([]string{"first", "second"}, ts)
	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if !strings.HasSuffix(lines[0], "first") {
		t.Errorf("first line = %q", lines[0])
	}
	prefixLen := len(lines[0]) - len("first")
	if len(lines[1]) < prefixLen || strings.TrimSpace(lines[1][:prefixLen]) != "" {
		t.Errorf("second line not indented to match timestamp width: %q", lines[1])
	}
}
