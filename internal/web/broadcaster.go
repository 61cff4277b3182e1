package web

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/shiftbot/shiftbot/internal/telemetry"
)

// StatusEvent is one message pushed to SSE clients.
type StatusEvent struct {
	Time      string `json:"t"`
	Kind      string `json:"kind"`
	Msg       string `json:"msg"`
	Direction string `json:"direction,omitempty"`
	CommandID uint64 `json:"command_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// StatusBroadcaster distributes status messages to multiple SSE clients.
// It is also a telemetry.Sink, so every actuator event reaches the clients.
type StatusBroadcaster struct {
	mu      sync.RWMutex
	clients map[chan string]struct{}
}

func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{
		clients: make(map[chan string]struct{}),
	}
}

// Subscribe returns a channel that receives broadcast messages and a cleanup function.
// The caller must call the returned cleanup when done (e.g. on client disconnect).
func (b *StatusBroadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 64)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		delete(b.clients, ch)
		b.mu.Unlock()
		close(ch)
	}
	return ch, unsub
}

// Broadcast sends a free-form message, e.g. server lifecycle notices.
func (b *StatusBroadcaster) Broadcast(kind, msg string) {
	b.publish(StatusEvent{
		Time: time.Now().Format(time.RFC3339),
		Kind: kind,
		Msg:  msg,
	})
}

func (b *StatusBroadcaster) Record(e telemetry.Event) {
	evt := StatusEvent{
		Time:      e.Time.Format(time.RFC3339Nano),
		Kind:      e.Kind.String(),
		Msg:       e.String(),
		Direction: e.Direction,
		CommandID: e.CommandID,
	}
	if e.Err != nil {
		evt.Error = e.Err.Error()
	}
	b.publish(evt)
}

// Slow clients miss messages rather than blocking the publisher.
func (b *StatusBroadcaster) publish(evt StatusEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	payload := string(data)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- payload:
		default:
		}
	}
}
