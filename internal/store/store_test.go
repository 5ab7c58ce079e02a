package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/auger-prime-sde/ess-sub000/internal/events"
)

func TestRecordAndSince(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "audit.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := s.Record(Incident{Timestamp: base, Severity: SeverityCritical, Source: "evaluator", Kind: "critical_error", Message: "ISN mismatch"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := s.Record(Incident{Timestamp: base.Add(time.Hour), Severity: SeverityInfo, Source: "scheduler", Kind: "tick"}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := s.Since(base)
	if err != nil {
		t.Fatalf("Since: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Since returned %d incidents, want 2", len(got))
	}
	if got[0].Message != "ISN mismatch" {
		t.Errorf("first incident message = %q", got[0].Message)
	}

	crit, err := s.BySeverity(SeverityCritical)
	if err != nil {
		t.Fatalf("BySeverity: %v", err)
	}
	if len(crit) != 1 {
		t.Fatalf("BySeverity(critical) returned %d, want 1", len(crit))
	}
}

func TestRunEventSinkRecordsBusEvents(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "audit.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	bus := events.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.RunEventSink(ctx, bus, nil)
		close(done)
	}()

	bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceEvaluator, Kind: events.KindCriticalError, Data: map[string]any{"reason": "test"}})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		crit, err := s.BySeverity(SeverityCritical)
		if err != nil {
			t.Fatalf("BySeverity: %v", err)
		}
		if len(crit) == 1 {
			cancel()
			<-done
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
	t.Fatal("event sink did not record the critical_error event in time")
}
