package main

import (
	"context"
	"testing"
	"time"

	"github.com/auger-prime-sde/ess-sub000/internal/pipeline"
	"github.com/auger-prime-sde/ess-sub000/internal/scheduler"
)

func TestBridgeRespToRecordsStampsMissingTimestamp(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resp := make(chan map[string]any, 1)
	out := make(chan pipeline.Record, 1)
	go bridgeRespToRecords(ctx, resp, out)

	resp <- map[string]any{"bme.temp": 21.5}

	select {
	case rec := <-out:
		if _, ok := rec["timestamp"].(time.Time); !ok {
			t.Fatalf("record missing stamped timestamp: %v", rec)
		}
		if rec["bme.temp"] != 21.5 {
			t.Fatalf("record lost field: %v", rec)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for bridged record")
	}
}

func TestBridgeRespToRecordsKeepsExistingTimestamp(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resp := make(chan map[string]any, 1)
	out := make(chan pipeline.Record, 1)
	go bridgeRespToRecords(ctx, resp, out)

	want := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	resp <- map[string]any{"timestamp": want}

	select {
	case rec := <-out:
		if got := rec["timestamp"].(time.Time); !got.Equal(want) {
			t.Fatalf("timestamp overwritten: got %v, want %v", got, want)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for bridged record")
	}
}

func TestCheckISNGeneratorStepsByPeriod(t *testing.T) {
	g := &checkISNGenerator{period: 30}

	off, detail, ok := g.Next()
	if !ok || off != 0 {
		t.Fatalf("first offset = %d, %v, want 0, true", off, ok)
	}
	m, ok := detail.(map[string]any)
	if !ok || m["checkISN"] != 0 {
		t.Fatalf("unexpected detail: %v", detail)
	}

	off, _, ok = g.Next()
	if !ok || off != 30 {
		t.Fatalf("second offset = %d, %v, want 30, true", off, ok)
	}

	off, _, _ = g.Next()
	if off != 60 {
		t.Fatalf("third offset = %d, want 60", off)
	}
}

func TestWorkerGroupSpawnDeliversTicksAndWaits(t *testing.T) {
	sched := scheduler.New(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), nil)
	sched.AddTicker("meas.thp", "periodic", 0, 10, 0)

	ctx, cancel := context.WithCancel(context.Background())

	var received int
	var wg workerGroup
	wg.spawn(sched, func(_ context.Context, ticks <-chan scheduler.Tick) error {
		for range ticks {
			received++
		}
		return nil
	})

	runErr := make(chan error, 1)
	go func() { runErr <- sched.Run(ctx) }()

	// Allow a few ticks through, then stop the scheduler and confirm
	// the worker goroutine observes the close and workerGroup.wait
	// returns instead of blocking forever.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-runErr:
	case <-time.After(time.Second):
		t.Fatal("scheduler.Run never returned after cancel")
	}

	waited := make(chan struct{})
	go func() {
		wg.wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("workerGroup.wait blocked after scheduler stopped")
	}

	if received == 0 {
		t.Error("worker never observed a tick")
	}
}
