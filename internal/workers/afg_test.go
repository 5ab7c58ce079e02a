package workers

import (
	"context"
	"testing"

	"github.com/auger-prime-sde/ess-sub000/internal/events"
	"github.com/auger-prime-sde/ess-sub000/internal/scheduler"
	"github.com/auger-prime-sde/ess-sub000/internal/transport/tek"
)

func TestAFGWorkerDispatchesParamsOnOffAndTrigger(t *testing.T) {
	conn := newFakeTekConn()
	afg, err := tek.NewAFG(context.Background(), conn, tek.DefaultAFGParams())
	if err != nil {
		t.Fatalf("NewAFG: %v", err)
	}
	conn.sent = nil

	w := NewAFGWorker(afg, events.New(), nil)

	ticks := make(chan scheduler.Tick, 3)
	ticks <- scheduler.Tick{Flags: map[string]any{"afg.params": tek.DefaultAFGParams()}}
	ticks <- scheduler.Tick{Flags: map[string]any{"afg.on": true}}
	ticks <- scheduler.Tick{Flags: map[string]any{"afg.trigger": struct{}{}}}
	close(ticks)

	if err := w.Run(context.Background(), ticks); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	foundTrigger := false
	for _, line := range conn.sent {
		if line == "trigger" {
			foundTrigger = true
		}
	}
	if !foundTrigger {
		t.Errorf("sent lines %v missing \"trigger\"", conn.sent)
	}
	if len(conn.sent) == 0 {
		t.Error("no lines were sent to the AFG conn")
	}
}

func TestAFGWorkerRejectsWrongFlagType(t *testing.T) {
	conn := newFakeTekConn()
	afg, err := tek.NewAFG(context.Background(), conn, tek.DefaultAFGParams())
	if err != nil {
		t.Fatalf("NewAFG: %v", err)
	}
	w := NewAFGWorker(afg, events.New(), nil)

	err = w.handleTick(context.Background(), scheduler.Tick{Flags: map[string]any{"afg.params": "not params"}})
	if err == nil {
		t.Error("handleTick with wrong-typed afg.params flag should error")
	}
}
