// Package gateway turns remote requests into actuator work. It knows
// nothing about the wire: transports hand it decoded requests and a
// KeySource.
//
// Timed moves are queued: Move returns as soon as the command is accepted,
// and the drive cycle runs later on the dispatcher's worker. Key streams
// bypass the queue and hold the actuator for their whole lifetime.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/shiftbot/shiftbot/internal/debug"
	"github.com/shiftbot/shiftbot/internal/logic/dispatch"
	"github.com/shiftbot/shiftbot/internal/logic/motion"
	"github.com/shiftbot/shiftbot/internal/telemetry"
)

// Submitter accepts timed moves. dispatch.Dispatcher implements it.
type Submitter interface {
	Submit(cmd dispatch.Command) (*dispatch.Ticket, error)
}

// SessionOpener grants exclusive actuator access. motion.Controller implements it.
type SessionOpener interface {
	Acquire(ctx context.Context) (*motion.Session, error)
}

// KeySource yields key events from a client stream. NextKey returns io.EOF
// when the client ends the stream cleanly.
type KeySource interface {
	NextKey(ctx context.Context) (string, error)
}

// MoveRequest is a timed move as received from a client.
type MoveRequest struct {
	Direction string  `json:"direction"`
	Duration  float64 `json:"duration"` // seconds
}

// StreamSummary describes a finished key stream.
type StreamSummary struct {
	Keys       int `json:"keys"`
	Recognized int `json:"recognized"`
}

// MaxMoveSeconds is the longest duration a time.Duration can hold.
const MaxMoveSeconds = float64(math.MaxInt64) / float64(time.Second)

type Gateway struct {
	moves    Submitter
	actuator SessionOpener
	sink     telemetry.Sink
}

func New(moves Submitter, actuator SessionOpener, sink telemetry.Sink) *Gateway {
	if sink == nil {
		sink = telemetry.Discard
	}
	return &Gateway{
		moves:    moves,
		actuator: actuator,
		sink:     sink,
	}
}

// Move validates req and queues it. Invalid requests are logged and dropped:
// the returned ticket is nil and so is the error. The only error is
// dispatch.ErrClosed during shutdown.
func (g *Gateway) Move(req MoveRequest) (*dispatch.Ticket, error) {
	dir, ok := motion.ParseMoveDirection(req.Direction)
	if !ok {
		g.reject(fmt.Sprintf("invalid move direction %q", req.Direction))
		return nil, nil
	}
	if math.IsNaN(req.Duration) || req.Duration < 0 || req.Duration >= MaxMoveSeconds {
		g.reject(fmt.Sprintf("invalid move duration %g", req.Duration))
		return nil, nil
	}

	cmd := dispatch.Command{
		Direction: dir,
		Duration:  time.Duration(req.Duration * float64(time.Second)),
	}
	t, err := g.moves.Submit(cmd)
	if err != nil {
		return nil, fmt.Errorf("queue move: %w", err)
	}
	return t, nil
}

func (g *Gateway) reject(reason string) {
	telemetry.Record(g.sink, telemetry.Event{Kind: telemetry.KindRejected, Reason: reason})
}

// KeyStream drives the robot from src until the stream ends. Each mapped key
// latches its direction immediately and holds it until the next key.
// Unmapped keys are ignored. However the stream ends (EOF, an end-of-stream
// key, a transport error, ctx), the register is left stopped with outputs
// off before KeyStream returns. A transport error is returned after cleanup.
func (g *Gateway) KeyStream(ctx context.Context, src KeySource) (sum StreamSummary, err error) {
	session, err := g.actuator.Acquire(ctx)
	if err != nil {
		return sum, err
	}
	telemetry.Record(g.sink, telemetry.Event{Kind: telemetry.KindSessionOpen})
	defer func() {
		if cerr := session.Close(); cerr != nil {
			debug.Error(fmt.Errorf("key stream cleanup: %w", cerr))
			err = errors.Join(err, cerr)
		}
		telemetry.Record(g.sink, telemetry.Event{Kind: telemetry.KindSessionClose})
		debug.Info("Key stream finished: %d keys received, %d recognized", sum.Keys, sum.Recognized)
	}()

	if err := session.Enable(); err != nil {
		debug.Error(err)
	}

	for {
		key, rerr := src.NextKey(ctx)
		if errors.Is(rerr, io.EOF) {
			return sum, nil
		}
		if rerr != nil {
			return sum, fmt.Errorf("key stream: %w", rerr)
		}

		sum.Keys++
		if motion.IsEndOfStream(key) {
			return sum, nil
		}

		dir, ok := motion.KeyDirection(key)
		if !ok {
			telemetry.Record(g.sink, telemetry.Event{Kind: telemetry.KindKey, Key: key})
			continue
		}
		sum.Recognized++
		telemetry.Record(g.sink, telemetry.Event{Kind: telemetry.KindKey, Key: key, Direction: dir.String()})
		if err := session.Drive(dir); err != nil {
			debug.Error(err)
		}
	}
}
