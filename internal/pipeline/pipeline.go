package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/auger-prime-sde/ess-sub000/internal/events"
)

// pending is one not-yet-flushed record: its merged fields plus the
// deadline at which it becomes eligible for flush.
type pending struct {
	fields Record
	tend   time.Time
}

// Pipeline is the single-consumer response queue and DataLogger
// merge/flush engine of §4.D. Zero value is not usable; construct
// with New.
type Pipeline struct {
	in      <-chan Record
	timeout time.Duration
	bus     *events.Bus
	log     *slog.Logger
	elogger func(label string, rec Record, err error)

	mu          sync.Mutex
	handlers    []handlerEntry
	chains      map[string]*chainNode
	filtersByID map[string]*Filter

	records  map[time.Time]*pending
	lastTS   time.Time
}

// New builds a Pipeline reading from in, flushing a record once its
// deadline passes: the record's timestamp plus timeout, raised to the
// deadline of any older record still pending.
func New(in <-chan Record, timeout time.Duration, bus *events.Bus, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		in:          in,
		timeout:     timeout,
		bus:         bus,
		log:         log,
		chains:      make(map[string]*chainNode),
		filtersByID: make(map[string]*Filter),
		records:     make(map[time.Time]*pending),
		lastTS:      time.Unix(0, 0),
	}
}

// SetExceptionLogger installs a callback invoked whenever a filter or
// handler raises during flush, mirroring the original's elogger.
func (p *Pipeline) SetExceptionLogger(f func(label string, rec Record, err error)) {
	p.elogger = f
}

// Run drains the input channel, merging and flushing records until ctx
// is canceled, then flushes whatever remains pending before returning
// — matching `while not self.stop.is_set() or self.records`.
func (p *Pipeline) Run(ctx context.Context) {
	for {
		nextDeadline, ok := p.earliestDeadline()
		if !ok {
			nextDeadline = time.Now().Add(p.timeout)
		}

		timer := time.NewTimer(time.Until(nextDeadline))
		drained := false
		for !drained {
			select {
			case <-ctx.Done():
				timer.Stop()
				p.flushExpired(time.Now().Add(365 * 24 * time.Hour)) // flush everything on shutdown
				return
			case rec, ok := <-p.in:
				if !ok {
					timer.Stop()
					p.flushExpired(time.Now().Add(365 * 24 * time.Hour))
					return
				}
				p.merge(rec)
			case <-timer.C:
				drained = true
			}
		}
		p.flushExpired(time.Now())
	}
}

func (p *Pipeline) earliestDeadline() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var min time.Time
	found := false
	for _, rec := range p.records {
		if !found || rec.tend.Before(min) {
			min = rec.tend
			found = true
		}
	}
	return min, found
}

// merge applies one queue-pop's worth of the algorithm in §4.D: derive
// tout, compute the deadline, merge into an existing pending record or
// insert a new one, and raise older records' deadlines so flush stays
// timestamp-ordered.
func (p *Pipeline) merge(rec Record) {
	tsVal, ok := rec["timestamp"]
	if !ok {
		p.log.Debug("pipeline: record missing timestamp, discarding", "record", rec)
		return
	}
	ts, ok := tsVal.(time.Time)
	if !ok {
		p.log.Debug("pipeline: timestamp field has wrong type, discarding", "record", rec)
		return
	}
	delete(rec, "timestamp")

	p.mu.Lock()
	defer p.mu.Unlock()

	if !ts.After(p.lastTS) {
		p.log.Info("pipeline: discarding stale record", "timestamp", ts)
		return
	}

	tout := p.timeout
	if lt, ok := rec["log_timeout"]; ok {
		delete(rec, "log_timeout")
		if secs, ok := toSeconds(lt); ok && time.Duration(secs)*time.Second > tout {
			tout = time.Duration(secs) * time.Second
		}
	}
	recalc := tout > p.timeout
	tend := ts.Add(tout)

	if existing, ok := p.records[ts]; ok {
		if tend.After(existing.tend) {
			existing.tend = tend
		} else {
			recalc = false
		}
		for k, v := range rec {
			existing.fields[k] = v
		}
	} else {
		tendCurr := ts
		for ts1, rec1 := range p.records {
			if ts1.Before(ts) && rec1.tend.After(tendCurr) {
				tendCurr = rec1.tend
			}
		}
		if !tend.After(tendCurr) {
			tend = tendCurr
			recalc = false
		}
		p.records[ts] = &pending{fields: Record(rec), tend: tend}
	}

	if recalc {
		for ts1, rec1 := range p.records {
			if ts.Before(ts1) && rec1.tend.Before(tend) {
				rec1.tend = tend
			}
		}
	}
	p.bus.Publish(events.Event{Timestamp: ts, Source: events.SourcePipeline, Kind: events.KindRecordMerged,
		Data: map[string]any{"timestamp": ts}})
}

func toSeconds(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	default:
		return 0, false
	}
}

// flushExpired writes every record whose deadline is at or before now,
// in timestamp order.
func (p *Pipeline) flushExpired(now time.Time) {
	p.mu.Lock()
	var due []time.Time
	for ts, rec := range p.records {
		if !rec.tend.After(now) {
			due = append(due, ts)
		}
	}
	sortTimes(due)
	p.mu.Unlock()

	for _, ts := range due {
		p.mu.Lock()
		rec, ok := p.records[ts]
		if ok {
			delete(p.records, ts)
			if ts.After(p.lastTS) {
				p.lastTS = ts
			}
		}
		p.mu.Unlock()
		if !ok {
			continue
		}
		p.flushOne(ts, rec.fields)
	}
}

func sortTimes(ts []time.Time) {
	for i := 1; i < len(ts); i++ {
		for j := i; j > 0 && ts[j-1].After(ts[j]); j-- {
			ts[j-1], ts[j] = ts[j], ts[j-1]
		}
	}
}

func (p *Pipeline) flushOne(ts time.Time, fields Record) {
	raw := make(Record, len(fields)+1)
	for k, v := range fields {
		raw[k] = v
	}
	raw["timestamp"] = ts

	p.mu.Lock()
	recs := p.evalChains(raw)
	handlers := append([]handlerEntry(nil), p.handlers...)
	p.mu.Unlock()

	sinks := make([]string, 0, len(handlers))
	for _, e := range handlers {
		rec := recs[e.key]
		if err := e.handler.WriteRec(rec); err != nil {
			p.log.Error("pipeline: handler write failed", "handler", e.handler.Label(), "error", err)
			if p.elogger != nil {
				p.elogger(e.handler.Label(), rec, err)
			}
			continue
		}
		sinks = append(sinks, e.handler.Label())
	}
	p.bus.Publish(events.Event{Timestamp: ts, Source: events.SourcePipeline, Kind: events.KindRecordFlushed,
		Data: map[string]any{"timestamp": ts, "sinks": sinks}})
}
