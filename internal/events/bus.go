// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (scheduler, instrument
// workers, pipeline, chamber compiler, evaluator) to subscribers (the
// live WebSocket feed, the SQLite audit sink). The bus is nil-safe:
// calling Publish on a nil *Bus is a no-op, so components do not need
// guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceScheduler identifies events from the tick scheduler.
	SourceScheduler = "scheduler"
	// SourceWorker identifies events from an instrument worker goroutine.
	SourceWorker = "worker"
	// SourcePipeline identifies events from the response queue / DataLogger.
	SourcePipeline = "pipeline"
	// SourceDataproc identifies events from the data-processor worker pool.
	SourceDataproc = "dataproc"
	// SourceChamber identifies events from the chamber worker.
	SourceChamber = "chamber"
	// SourceEvaluator identifies events from the campaign evaluator/orchestrator.
	SourceEvaluator = "evaluator"
)

// Kind constants describe the type of event within a source.
const (
	// KindTick signals the scheduler broadcast a tick.
	// Data: offset, flag_names.
	KindTick = "tick"
	// KindTickerAdded signals a ticker was installed.
	// Data: name, kind.
	KindTickerAdded = "ticker_added"
	// KindTickerRemoved signals a ticker was removed or exhausted.
	// Data: name.
	KindTickerRemoved = "ticker_removed"

	// KindWorkerStarted signals an instrument worker began its loop.
	// Data: worker, plus id (dataproc) or uubnum (uub).
	KindWorkerStarted = "worker_started"
	// KindWorkerStopped signals an instrument worker exited its loop.
	// Data: worker, plus id (dataproc) or uubnum (uub).
	KindWorkerStopped = "worker_stopped"
	// KindTransaction signals a single request/response exchange with
	// an instrument. Data: worker, op, ok, duration_ms.
	KindTransaction = "transaction"

	// KindRecordMerged signals a partial record was merged into the
	// pending aggregation window. Data: timestamp.
	KindRecordMerged = "record_merged"
	// KindRecordFlushed signals a full record was flushed to sinks.
	// Data: timestamp, sinks.
	KindRecordFlushed = "record_flushed"
	// KindRecordDiscarded signals a record was dropped (missing
	// timestamp or stale relative to an already-flushed record).
	// Data: reason.
	KindRecordDiscarded = "record_discarded"

	// KindFitComplete signals a data-processor workhorse finished
	// fitting one item. Data: uubnum.
	KindFitComplete = "fit_complete"

	// KindProgramCompiled signals a climate program was lowered to
	// device segments. Data: variant, nseg.
	KindProgramCompiled = "program_compiled"
	// KindProgramUploaded signals a climate program was written to the
	// chamber controller. Data: progno.
	KindProgramUploaded = "program_uploaded"

	// KindCriticalError signals the evaluator aborted the campaign.
	// Data: reason.
	KindCriticalError = "critical_error"
	// KindUUBRemoved signals a UUB was taken out of the active set.
	// Data: uubnum.
	KindUUBRemoved = "uub_removed"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
