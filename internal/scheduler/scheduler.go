package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// eps guards against float rounding pushing a due tick one second early;
// grounded on the EPS constant in the original timer module.
const eps = 0.0001

// Scheduler is the single-threaded broadcast tick loop. One basetime is
// fixed at construction; every ticker's offsets are relative to it.
// Run owns the loop goroutine; all mutation methods (AddTicker,
// DelTicker, AddImmediate, ReplaceTicker) are safe to call from any
// goroutine and take effect at the start of the next loop iteration.
type Scheduler struct {
	mu        sync.Mutex
	cond      *sync.Cond
	basetime  time.Time
	entries   map[string]*entry
	factories map[string]GeneratorFactory
	toAdd     []replaceRequest
	toDel     map[string]struct{}
	immediate []immediate

	tick Tick
	gen  uint64

	running bool
	stopped bool

	log *slog.Logger
}

// New creates a Scheduler anchored at basetime. The standard generator
// kinds (periodic, point, list, oneshot) are pre-registered; callers may
// register additional kinds via RegisterFactory before calling Run.
func New(basetime time.Time, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	s := &Scheduler{
		basetime:  basetime,
		entries:   make(map[string]*entry),
		factories: make(map[string]GeneratorFactory),
		toDel:     make(map[string]struct{}),
		log:       log,
	}
	s.cond = sync.NewCond(&s.mu)
	s.registerBuiltins()
	return s
}

func (s *Scheduler) registerBuiltins() {
	s.factories["periodic"] = func(args ...any) (Generator, error) {
		interval, count, offset, err := periodicArgs(args)
		if err != nil {
			return nil, err
		}
		return NewPeriodic(interval, count, offset)
	}
	s.factories["oneshot"] = func(args ...any) (Generator, error) {
		if len(args) < 1 {
			return nil, fmt.Errorf("oneshot ticker: requires a delay argument")
		}
		delay, ok := args[0].(int)
		if !ok {
			return nil, fmt.Errorf("oneshot ticker: delay must be int")
		}
		var detail any
		if len(args) > 1 {
			detail = args[1]
		}
		return NewOneShot(s.basetime, nil, delay, detail)
	}
	s.factories["point"] = func(args ...any) (Generator, error) {
		if len(args) < 1 {
			return nil, fmt.Errorf("point ticker: requires an offsets argument")
		}
		offsets, ok := args[0].([]int)
		if !ok {
			return nil, fmt.Errorf("point ticker: offsets must be []int")
		}
		var name string
		var tp map[int]any
		if len(args) > 1 {
			name, _ = args[1].(string)
		}
		if len(args) > 2 {
			tp, _ = args[2].(map[int]any)
		}
		return NewPointTicker(offsets, 0, name, tp)
	}
	s.factories["list"] = s.factories["point"]
}

func periodicArgs(args []any) (interval, count, offset int, err error) {
	if len(args) < 1 {
		return 0, 0, 0, fmt.Errorf("periodic ticker: requires an interval argument")
	}
	interval, ok := args[0].(int)
	if !ok {
		return 0, 0, 0, fmt.Errorf("periodic ticker: interval must be int")
	}
	if len(args) > 1 {
		count, _ = args[1].(int)
	}
	if len(args) > 2 {
		offset, _ = args[2].(int)
	}
	return interval, count, offset, nil
}

// RegisterFactory installs an additional generator kind, keyed by name.
func (s *Scheduler) RegisterFactory(kind string, f GeneratorFactory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factories[kind] = f
}

// AddTicker queues installation of a new ticker under name, of the given
// kind, built from args; it takes effect at the top of the next loop
// iteration. offset shifts every value the generator produces.
func (s *Scheduler) AddTicker(name, kind string, offset int, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toAdd = append(s.toAdd, replaceRequest{Name: name, Kind: kind, Args: args, Offset: offset})
}

// ReplaceTicker queues replacing oldName's ticker with a new one under
// name (built the same way as AddTicker), preserving oldName's offset
// unless offset is explicitly non-zero. A zero-value name deletes
// oldName outright.
func (s *Scheduler) ReplaceTicker(name, oldName, kind string, offset int, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toAdd = append(s.toAdd, replaceRequest{Name: name, OldName: oldName, Kind: kind, Args: args, Offset: offset})
}

// DelTicker queues removal of the named ticker.
func (s *Scheduler) DelTicker(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toDel[name] = struct{}{}
}

// AddImmediate injects a flag into the very next tick the loop fires,
// regardless of which tickers are due. A name of "stop" requests the
// scheduler shut down after delivering that tick.
func (s *Scheduler) AddImmediate(name string, val any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.immediate = append(s.immediate, immediate{name: name, val: val})
}

// Stop requests the scheduler halt after its current or next tick.
func (s *Scheduler) Stop() {
	s.AddImmediate(stopFlag, true)
}

// Listener observes ticks in strict global order: each call to Wait
// blocks until a tick newer than the last one it observed is
// available, so two listeners racing the lock still agree on which
// tick came first.
type Listener struct {
	s       *Scheduler
	lastGen uint64
}

// Subscribe registers a new listener. The listener only ever sees ticks
// broadcast after Subscribe returns.
func (s *Scheduler) Subscribe() *Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Listener{s: s, lastGen: s.gen}
}

// Wait blocks until the next tick is broadcast, the scheduler stops, or
// ctx is canceled. ok is false once the scheduler has stopped and every
// buffered tick has been delivered.
func (l *Listener) Wait(ctx context.Context) (Tick, bool) {
	s := l.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.gen == l.lastGen && !s.stopped {
		stop := context.AfterFunc(ctx, func() {
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		})
		s.cond.Wait()
		stop()
		if ctx.Err() != nil {
			return Tick{}, false
		}
	}
	if s.gen == l.lastGen && s.stopped {
		return Tick{}, false
	}
	l.lastGen = s.gen
	return s.tick, true
}

// Run executes the broadcast loop until ctx is canceled or Stop is
// called. It is meant to run in its own goroutine; Subscribe/Wait pairs
// from other goroutines observe every tick it produces. Grounded on the
// run loop of the original timer module, including its coarse/fine
// sleep split and stop-sentinel handling.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			s.shutdown()
			return nil
		}
		stop, err := s.step(ctx)
		if err != nil {
			s.log.Error("scheduler step failed", "error", err)
		}
		if stop {
			s.shutdown()
			return nil
		}
	}
}

// step runs exactly one iteration of the loop: drain pending
// add/delete/replace requests, pick the next due offset, sleep until
// it arrives, and broadcast the resulting tick. It reports whether the
// scheduler should stop after this tick.
func (s *Scheduler) step(ctx context.Context) (bool, error) {
	s.mu.Lock()
	s.drainMutationsLocked()

	if len(s.entries) == 0 && len(s.immediate) == 0 {
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return true, nil
		case <-time.After(300 * time.Millisecond):
			return false, nil
		}
	}

	now := time.Now()
	delta0 := int(now.Sub(s.basetime).Seconds() + eps + 0.999999)

	haveImmediate := len(s.immediate) > 0
	delta := 0
	first := true
	for _, e := range s.entries {
		if first || e.next < delta {
			delta = e.next
			first = false
		}
	}
	if haveImmediate && (first || delta0 < delta) {
		delta = delta0
	}
	if first && !haveImmediate {
		s.mu.Unlock()
		return false, nil
	}

	newflags := make(map[string]any)
	var toDelete []string
	for name, e := range s.entries {
		if e.next != delta {
			continue
		}
		newflags[name] = e.detail
		nextOff, detail, ok := e.gen.Next()
		if !ok {
			toDelete = append(toDelete, name)
			continue
		}
		e.next = nextOff + e.offset
		e.detail = detail
	}
	for _, name := range toDelete {
		delete(s.entries, name)
	}

	var deferred []immediate
	if delta >= delta0 {
		for _, im := range s.immediate {
			if _, collide := newflags[im.name]; collide {
				deferred = append(deferred, im)
				continue
			}
			newflags[im.name] = im.val
		}
		s.immediate = deferred
	}

	timestamp := s.basetime.Add(time.Duration(delta) * time.Second)
	s.mu.Unlock()

	if now.After(timestamp) {
		s.log.Warn("skipping passed tick", "offset", delta)
		return false, nil
	}

	stopRequested := false
	if v, ok := newflags[stopFlag]; ok && truthy(v) {
		delete(newflags, stopFlag)
		stopRequested = true
	}

	if err := sleepUntil(ctx, timestamp); err != nil {
		return true, nil
	}

	if len(newflags) > 0 {
		s.mu.Lock()
		s.tick = Tick{Timestamp: timestamp, Offset: delta, Flags: newflags}
		s.gen++
		s.cond.Broadcast()
		s.mu.Unlock()
	}

	if stopRequested {
		return true, nil
	}
	return false, nil
}

// drainMutationsLocked applies queued AddTicker/ReplaceTicker/DelTicker
// requests. Caller must hold s.mu.
func (s *Scheduler) drainMutationsLocked() {
	for name := range s.toDel {
		delete(s.entries, name)
	}
	s.toDel = make(map[string]struct{})

	reqs := s.toAdd
	s.toAdd = nil
	for _, r := range reqs {
		if err := s.applyReplaceLocked(r); err != nil {
			s.log.Error("scheduler ticker request failed", "name", r.Name, "error", err)
		}
	}
}

// applyReplaceLocked installs, renames, or deletes one ticker. Caller
// must hold s.mu. Grounded on replace_ticker.
func (s *Scheduler) applyReplaceLocked(r replaceRequest) error {
	var oldOffset int
	if r.OldName != "" {
		if old, ok := s.entries[r.OldName]; ok {
			oldOffset = old.offset
		}
	}

	if r.Name == "" {
		if r.OldName == "" {
			return fmt.Errorf("replace ticker: neither name nor old name given")
		}
		delete(s.entries, r.OldName)
		return nil
	}

	if _, exists := s.entries[r.Name]; exists && r.Name != r.OldName {
		return fmt.Errorf("duplicate ticker name %q", r.Name)
	}

	factory, ok := s.factories[r.Kind]
	if !ok {
		return fmt.Errorf("unknown ticker kind %q", r.Kind)
	}
	gen, err := factory(r.Args...)
	if err != nil {
		return err
	}

	offset := r.Offset
	if offset == 0 {
		offset = oldOffset
	}

	nextOff, detail, ok := gen.Next()
	if !ok {
		return fmt.Errorf("ticker %q generator produced no values", r.Name)
	}

	if r.OldName != "" {
		if _, existed := s.entries[r.OldName]; existed {
			s.log.Info("replacing ticker", "old", r.OldName, "new", r.Name)
			delete(s.entries, r.OldName)
		} else {
			s.log.Warn("replace ticker: old name not found, adding as new", "old", r.OldName, "new", r.Name)
		}
	} else {
		s.log.Info("adding ticker", "name", r.Name)
	}

	now := time.Now()
	skipped := 0
	for s.basetime.Add(time.Duration(nextOff+offset)*time.Second).Before(now) {
		nextOff, detail, ok = gen.Next()
		if !ok {
			s.log.Warn("ticker exhausted while catching up to now, not installed", "name", r.Name, "skipped", skipped)
			return nil
		}
		skipped++
	}

	s.entries[r.Name] = &entry{
		name:   r.Name,
		next:   nextOff + offset,
		detail: detail,
		gen:    gen,
		offset: offset,
	}
	return nil
}

func (s *Scheduler) shutdown() {
	s.mu.Lock()
	s.stopped = true
	s.gen++
	s.cond.Broadcast()
	s.mu.Unlock()
}

// sleepUntil sleeps in a coarse step (leaving 2s of slack) followed by
// a fine-grained final sleep, matching the original timer module's
// split so long waits don't block ctx cancellation for too long.
func sleepUntil(ctx context.Context, target time.Time) error {
	for {
		remaining := time.Until(target)
		if remaining <= 0 {
			return nil
		}
		step := remaining
		if step > 2*time.Second {
			step = remaining - 2*time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(step):
		}
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case nil:
		return false
	default:
		return true
	}
}

// DueNames returns the names of currently registered tickers, sorted,
// for diagnostics and tests.
func (s *Scheduler) DueNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for n := range s.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
