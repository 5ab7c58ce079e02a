// Package scheduler implements the broadcast tick scheduler: a single
// event loop that advances a logical offset from a basetime and wakes
// every subscriber at once, in lockstep, whenever one or more tickers
// produce a value for that offset.
package scheduler

import "time"

// Tick is the snapshot delivered to every listener when the scheduler
// fires. Offset is seconds elapsed since the scheduler's basetime;
// Flags carries whatever detail the firing tickers attached, keyed by
// ticker name, plus any immediate flags merged in for this round.
type Tick struct {
	Timestamp time.Time
	Offset    int
	Flags     map[string]any
}

// Generator produces the next tick offset (relative to the scheduler's
// basetime) each time it is called, along with optional per-tick detail.
// ok is false once the generator is exhausted; no further calls are made
// after that.
type Generator interface {
	Next() (offset int, detail any, ok bool)
}

// GeneratorFactory builds a Generator from arguments supplied to
// AddTicker/ReplaceTicker. Kept as a registry (mirroring the Python
// GENERS dict) so ticker kinds can be looked up by name.
type GeneratorFactory func(args ...any) (Generator, error)

// entry is the scheduler's bookkeeping record for one live ticker.
type entry struct {
	name   string
	next   int
	detail any
	gen    Generator
	offset int
}

// replaceRequest is a queued request to install, rename, or remove a
// ticker. It mirrors the Python replace_ticker record shape: an empty
// Name deletes OldName; a non-empty OldName with the same Name just
// reschedules a live ticker in place.
type replaceRequest struct {
	Name    string
	OldName string
	Kind    string
	Args    []any
	Offset  int
}

// immediate is a one-shot flag injected into the very next tick,
// regardless of what the tickers themselves produce.
type immediate struct {
	name string
	val  any
}

// stopFlag is the sentinel key a ticker (or AddImmediate caller) can set
// in its detail to request the scheduler shut down after delivering the
// tick that carries it.
const stopFlag = "stop"
