package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shiftbot/shiftbot/internal/logic/motion"
	"github.com/shiftbot/shiftbot/internal/telemetry"
)

// ErrClosed is returned by Submit once the dispatcher is shutting down.
var ErrClosed = errors.New("dispatcher closed")

// Command is a timed move. It is never modified after Submit.
type Command struct {
	Direction motion.Direction
	Duration  time.Duration
}

// Executor performs one complete drive cycle. motion.Controller implements it.
type Executor interface {
	RunCycle(ctx context.Context, d motion.Direction, dur time.Duration) error
}

// Ticket tracks a submitted Command until its cycle has finished.
type Ticket struct {
	ID      uint64
	Command Command

	done chan struct{}
	err  error
}

// Done is closed when the command's cycle has finished.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Err returns the cycle's error. Only valid after Done is closed.
func (t *Ticket) Err() error { return t.err }

// Wait blocks until the cycle finishes or ctx is done.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatcher runs submitted commands one at a time in submission order.
// Submit may be called from any goroutine; Run drains the queue.
type Dispatcher struct {
	exec Executor
	sink telemetry.Sink

	mu     sync.Mutex
	queue  []*Ticket
	nextID uint64
	closed bool
	wake   chan struct{}
}

func New(exec Executor, sink telemetry.Sink) *Dispatcher {
	if sink == nil {
		sink = telemetry.Discard
	}
	return &Dispatcher{
		exec: exec,
		sink: sink,
		wake: make(chan struct{}, 1),
	}
}

// Submit appends cmd to the queue and returns without waiting for it to run.
func (d *Dispatcher) Submit(cmd Command) (*Ticket, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	d.nextID++
	t := &Ticket{ID: d.nextID, Command: cmd, done: make(chan struct{})}
	d.queue = append(d.queue, t)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}

	telemetry.Record(d.sink, telemetry.Event{
		Kind:      telemetry.KindQueued,
		CommandID: t.ID,
		Direction: cmd.Direction.String(),
		Duration:  cmd.Duration,
	})
	return t, nil
}

// Pending returns the number of commands waiting to run.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Run executes queued commands until ctx is done. It then refuses new
// submissions, runs every command already accepted and returns.
// Run must be called at most once.
func (d *Dispatcher) Run(ctx context.Context) error {
	// Accepted commands always finish, even across shutdown.
	execCtx := context.WithoutCancel(ctx)

	for {
		t, ok := d.next(ctx)
		if !ok {
			break
		}
		d.execute(execCtx, t)
	}

	d.mu.Lock()
	d.closed = true
	rest := d.queue
	d.queue = nil
	d.mu.Unlock()

	for _, t := range rest {
		d.execute(execCtx, t)
	}
	return nil
}

// next blocks until a command is queued or ctx is done.
func (d *Dispatcher) next(ctx context.Context) (*Ticket, bool) {
	for {
		d.mu.Lock()
		if len(d.queue) > 0 {
			t := d.queue[0]
			d.queue[0] = nil
			d.queue = d.queue[1:]
			d.mu.Unlock()
			return t, true
		}
		d.mu.Unlock()

		select {
		case <-d.wake:
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (d *Dispatcher) execute(ctx context.Context, t *Ticket) {
	cmd := t.Command
	telemetry.Record(d.sink, telemetry.Event{
		Kind:      telemetry.KindStarted,
		CommandID: t.ID,
		Direction: cmd.Direction.String(),
		Duration:  cmd.Duration,
	})

	t.err = d.exec.RunCycle(ctx, cmd.Direction, cmd.Duration)
	telemetry.Record(d.sink, telemetry.Event{
		Kind:      telemetry.KindFinished,
		CommandID: t.ID,
		Direction: cmd.Direction.String(),
		Err:       t.err,
	})
	close(t.done)
}
