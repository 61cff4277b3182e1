package motion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
)

// Register is the low-level actuator: a shift register whose outputs can be
// gated. shiftreg.Driver implements it.
type Register interface {
	SetOutputsEnabled(on bool) error
	Send(pattern byte) error
}

// Controller hands out exclusive access to the register. It sits between
// the command layers (queued moves, key streams) and the hardware: nothing
// else may call the Register, and only one Session exists at a time.
type Controller struct {
	reg  Register
	lock *semaphore.Weighted
}

func NewController(reg Register) *Controller {
	return &Controller{
		reg:  reg,
		lock: semaphore.NewWeighted(1),
	}
}

// Reset latches Stop without touching the output enable. The outputs are
// already off whenever no Session is open, so Reset leaves the
// enable/disable trace alternating. Used at startup and after shutdown.
func (c *Controller) Reset(ctx context.Context) error {
	if err := c.lock.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire actuator: %w", err)
	}
	defer c.lock.Release(1)
	if err := c.reg.Send(PatternStop); err != nil {
		return fmt.Errorf("clear register: %w", err)
	}
	return nil
}

// Acquire waits until no other Session holds the register or ctx is done.
// The caller must Close the returned Session.
func (c *Controller) Acquire(ctx context.Context) (*Session, error) {
	if err := c.lock.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire actuator: %w", err)
	}
	return &Session{c: c}, nil
}

// RunCycle performs one timed move: enable, drive d, hold for dur, then
// Stop and disable. Once started the hold cannot be interrupted.
// Cleanup runs even if enabling or driving failed.
func (c *Controller) RunCycle(ctx context.Context, d Direction, dur time.Duration) error {
	s, err := c.Acquire(ctx)
	if err != nil {
		return err
	}

	var errs []error
	if err := s.Enable(); err != nil {
		errs = append(errs, err)
	}
	if err := s.Drive(d); err != nil {
		errs = append(errs, err)
	}
	if dur > 0 {
		time.Sleep(dur)
	}
	if err := s.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ErrSessionClosed is returned by Session methods after Close.
var ErrSessionClosed = errors.New("actuator session closed")

// Session is exclusive access to the register. A Session is used by a
// single goroutine.
type Session struct {
	c      *Controller
	closed bool
}

// Enable turns the register outputs on.
func (s *Session) Enable() error {
	if s.closed {
		return ErrSessionClosed
	}
	if err := s.c.reg.SetOutputsEnabled(true); err != nil {
		return fmt.Errorf("enable outputs: %w", err)
	}
	return nil
}

// Drive latches the pattern for d. It is held until the next Drive or Close.
func (s *Session) Drive(d Direction) error {
	if s.closed {
		return ErrSessionClosed
	}
	if err := s.c.reg.Send(d.Pattern()); err != nil {
		return fmt.Errorf("drive %s: %w", d, err)
	}
	return nil
}

// Close latches Stop, turns the outputs off and releases the register.
// Both steps are attempted even if the first fails. Closing twice is a no-op.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	defer s.c.lock.Release(1)

	var errs []error
	if err := s.c.reg.Send(PatternStop); err != nil {
		errs = append(errs, fmt.Errorf("stop: %w", err))
	}
	if err := s.c.reg.SetOutputsEnabled(false); err != nil {
		errs = append(errs, fmt.Errorf("disable outputs: %w", err))
	}
	return errors.Join(errs...)
}
