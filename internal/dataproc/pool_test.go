package dataproc

import (
	"context"
	"testing"
	"time"

	"github.com/auger-prime-sde/ess-sub000/internal/events"
)

func TestPoolRunsWorkhorsesAgainstSubmittedItems(t *testing.T) {
	resp := make(chan map[string]any, 4)
	pool := NewPool(4, []Workhorse{NewPedestalFit()}, resp, events.New(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go pool.Run(ctx, 2)

	col := make([]float64, 600)
	pool.Submit(Item{UUBNum: 1, YAll: [][]float64{col}})

	select {
	case res := <-resp:
		if _, ok := res["pede_u0001_c1"]; !ok {
			t.Errorf("result %v missing pede_u0001_c1", res)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pool result")
	}
	cancel()
}
