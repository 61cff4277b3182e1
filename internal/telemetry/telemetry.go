// Package telemetry carries structured actuator events from the shift
// register and the command layers to whoever wants them: the debug log,
// in-process counters, SSE subscribers or an InfluxDB bucket.
package telemetry

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shiftbot/shiftbot/internal/debug"
)

// Kind identifies what happened.
type Kind int

const (
	KindShift        Kind = iota // a byte was latched into the register
	KindOutputs                  // output-enable changed
	KindQueued                   // a timed move entered the queue
	KindStarted                  // the drain worker began a drive cycle
	KindFinished                 // a drive cycle ended (Err set on failure)
	KindRejected                 // invalid input dropped at the gateway
	KindSessionOpen              // a key stream took the actuator
	KindSessionClose             // a key stream released the actuator
	KindKey                      // a key event arrived on a stream
)

var kindNames = [...]string{
	KindShift:        "shift",
	KindOutputs:      "outputs",
	KindQueued:       "queued",
	KindStarted:      "started",
	KindFinished:     "finished",
	KindRejected:     "rejected",
	KindSessionOpen:  "session_open",
	KindSessionClose: "session_close",
	KindKey:          "key",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Event is one observation. Only the fields relevant to Kind are set.
type Event struct {
	Kind      Kind
	Time      time.Time
	CommandID uint64
	Direction string
	Pattern   byte
	Duration  time.Duration
	Enabled   bool
	Key       string
	Reason    string
	Err       error
}

// String renders the event as a single human readable line.
func (e Event) String() string {
	switch e.Kind {
	case KindShift:
		return fmt.Sprintf("shift %08b", e.Pattern)
	case KindOutputs:
		if e.Enabled {
			return "outputs enabled"
		}
		return "outputs disabled"
	case KindQueued:
		return fmt.Sprintf("move #%d queued: %s for %v", e.CommandID, e.Direction, e.Duration)
	case KindStarted:
		return fmt.Sprintf("move #%d started: %s for %v", e.CommandID, e.Direction, e.Duration)
	case KindFinished:
		if e.Err != nil {
			return fmt.Sprintf("move #%d failed: %v", e.CommandID, e.Err)
		}
		return fmt.Sprintf("move #%d finished", e.CommandID)
	case KindRejected:
		return "rejected: " + e.Reason
	case KindSessionOpen:
		return "key stream opened"
	case KindSessionClose:
		return "key stream closed"
	case KindKey:
		if e.Direction == "" {
			return fmt.Sprintf("key %q ignored", e.Key)
		}
		return fmt.Sprintf("key %q -> %s", e.Key, e.Direction)
	}
	return e.Kind.String()
}

// Sink receives events. Implementations must be safe for concurrent use
// and must not block for long: they run on the actuator's critical path.
type Sink interface {
	Record(Event)
}

// Record stamps e and hands it to s. A nil sink is allowed.
func Record(s Sink, e Event) {
	if s == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	s.Record(e)
}

// Multi fans an event out to several sinks in order.
type Multi []Sink

func (m Multi) Record(e Event) {
	for _, s := range m {
		if s != nil {
			s.Record(e)
		}
	}
}

// Discard drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Record(Event) {}

// Log writes events to the debug logger at a level matching their volume.
type Log struct{}

func (Log) Record(e Event) {
	switch e.Kind {
	case KindShift:
		debug.Shift(e.Pattern)
	case KindOutputs:
		debug.Trace("%s", e)
	case KindQueued:
		debug.Live("%s", e)
	case KindStarted:
		debug.Drive(e.Direction, e.Duration)
	case KindFinished:
		if e.Err != nil {
			debug.Error(fmt.Errorf("move #%d: %w", e.CommandID, e.Err))
			return
		}
		debug.Live("%s", e)
	case KindRejected:
		debug.Warn("%s", e.Reason)
	case KindSessionOpen, KindSessionClose:
		debug.Info("%s", e)
	case KindKey:
		debug.Verbose("%s", e)
	}
}

// Counters tallies events with atomic counters.
type Counters struct {
	shifts    atomic.Uint64
	enables   atomic.Uint64
	disables  atomic.Uint64
	queued    atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
	sessions  atomic.Uint64
	keys      atomic.Uint64
	lastShift atomic.Uint32
}

// Snapshot is a point-in-time copy of Counters.
type Snapshot struct {
	Shifts    uint64 `json:"shifts"`
	Enables   uint64 `json:"enables"`
	Disables  uint64 `json:"disables"`
	Queued    uint64 `json:"queued"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Rejected  uint64 `json:"rejected"`
	Sessions  uint64 `json:"sessions"`
	Keys      uint64 `json:"keys"`
	LastShift string `json:"last_shift"`
}

func (c *Counters) Record(e Event) {
	switch e.Kind {
	case KindShift:
		c.shifts.Add(1)
		c.lastShift.Store(uint32(e.Pattern))
	case KindOutputs:
		if e.Enabled {
			c.enables.Add(1)
		} else {
			c.disables.Add(1)
		}
	case KindQueued:
		c.queued.Add(1)
	case KindFinished:
		if e.Err != nil {
			c.failed.Add(1)
		} else {
			c.completed.Add(1)
		}
	case KindRejected:
		c.rejected.Add(1)
	case KindSessionOpen:
		c.sessions.Add(1)
	case KindKey:
		c.keys.Add(1)
	}
}

// Snapshot reads every counter.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		Shifts:    c.shifts.Load(),
		Enables:   c.enables.Load(),
		Disables:  c.disables.Load(),
		Queued:    c.queued.Load(),
		Completed: c.completed.Load(),
		Failed:    c.failed.Load(),
		Rejected:  c.rejected.Load(),
		Sessions:  c.sessions.Load(),
		Keys:      c.keys.Load(),
		LastShift: fmt.Sprintf("%08b", byte(c.lastShift.Load())),
	}
}
