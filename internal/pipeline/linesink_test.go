package pipeline

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLineSinkWritesOrderedFieldsWithMissingPlaceholder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	sink, err := NewLineSink(path, []string{"timestamp", "bme.temp", "bme.humid"}, " ", "~", "# header\n", nil)
	if err != nil {
		t.Fatalf("NewLineSink: %v", err)
	}
	defer sink.Stop()

	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := sink.WriteRec(Record{"timestamp": ts, "bme.temp": 21.5}); err != nil {
		t.Fatalf("WriteRec: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	content := string(raw)
	if !strings.HasPrefix(content, "# header\n") {
		t.Errorf("missing prolog: %q", content)
	}
	if !strings.Contains(content, ts.Format(time.RFC3339)+" 21.5 ~") {
		t.Errorf("unexpected line content: %q", content)
	}
}

func TestLineSinkSkipsRecordWhenSkipFuncTrue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	skipped := false
	sink, err := NewLineSink(path, []string{"v"}, ",", "~", "", func(rec Record) bool {
		skipped = true
		return true
	})
	if err != nil {
		t.Fatalf("NewLineSink: %v", err)
	}
	defer sink.Stop()

	if err := sink.WriteRec(Record{"v": 1}); err != nil {
		t.Fatalf("WriteRec: %v", err)
	}
	if !skipped {
		t.Fatal("skip func never invoked")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(raw) != 0 {
		t.Errorf("expected empty file after skip, got %q", raw)
	}
}

func TestLineSinkStopClosesFileAndRejectsFurtherWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	sink, err := NewLineSink(path, []string{"v"}, ",", "~", "", nil)
	if err != nil {
		t.Fatalf("NewLineSink: %v", err)
	}
	sink.Stop()
	sink.Stop() // must be safe to call twice

	if err := sink.WriteRec(Record{"v": 1}); err == nil {
		t.Fatal("expected error writing after Stop")
	}
}

func TestLineSinkLabelNamesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pede.log")
	sink, err := NewLineSink(path, nil, ",", "~", "", nil)
	if err != nil {
		t.Fatalf("NewLineSink: %v", err)
	}
	defer sink.Stop()
	if got, want := sink.Label(), "linesink:pede.log"; got != want {
		t.Errorf("Label() = %q, want %q", got, want)
	}
}
