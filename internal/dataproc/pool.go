package dataproc

import (
	"context"
	"log/slog"

	"github.com/auger-prime-sde/ess-sub000/internal/events"
)

// Pool runs a fixed number of worker goroutines, each pulling Items
// off a shared channel and running every registered Workhorse against
// it, grounded on dataproc.py's DataProcessor thread pool (each thread
// ran the same workhorse list against whatever item it dequeued).
type Pool struct {
	items      chan Item
	workhorses []Workhorse
	resp       chan<- map[string]any
	bus        *events.Bus
	log        *slog.Logger
}

// NewPool builds a pool with queue depth qdepth, running workhorses
// against each submitted Item and publishing results on resp.
func NewPool(qdepth int, workhorses []Workhorse, resp chan<- map[string]any, bus *events.Bus, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	return &Pool{items: make(chan Item, qdepth), workhorses: workhorses, resp: resp, bus: bus, log: log}
}

// Submit enqueues item for processing, implementing the MDO-to-
// data-processor hand-off original_source/daq.py performs via its
// q_ndata queue. Submit blocks if the pool's queue is full.
func (p *Pool) Submit(item Item) {
	p.items <- item
}

// Run starts n worker goroutines and blocks until ctx is canceled.
func (p *Pool) Run(ctx context.Context, n int) error {
	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go p.worker(ctx, i, done)
	}
	<-ctx.Done()
	for i := 0; i < n; i++ {
		<-done
	}
	return ctx.Err()
}

func (p *Pool) worker(ctx context.Context, id int, done chan<- struct{}) {
	p.bus.Publish(events.Event{Source: events.SourceDataproc, Kind: events.KindWorkerStarted, Data: map[string]any{"worker": "dataproc", "id": id}})
	defer func() {
		p.bus.Publish(events.Event{Source: events.SourceDataproc, Kind: events.KindWorkerStopped, Data: map[string]any{"worker": "dataproc", "id": id}})
		done <- struct{}{}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-p.items:
			for _, wh := range p.workhorses {
				res := wh.Calculate(item)
				if res == nil {
					continue
				}
				select {
				case p.resp <- res:
				case <-ctx.Done():
					return
				}
			}
			p.bus.Publish(events.Event{Source: events.SourceDataproc, Kind: events.KindFitComplete, Data: map[string]any{"uubnum": item.UUBNum}})
		}
	}
}
