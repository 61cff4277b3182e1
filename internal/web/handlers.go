package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shiftbot/shiftbot/internal/debug"
	"github.com/shiftbot/shiftbot/internal/logic/dispatch"
	"github.com/shiftbot/shiftbot/internal/logic/gateway"
	"github.com/shiftbot/shiftbot/internal/telemetry"
)

const (
	// MaxMoveBodyBytes bounds the JSON body accepted by POST /move.
	MaxMoveBodyBytes = 4 << 10
	// MaxKeyMessageBytes bounds one websocket message on /keys. Larger
	// messages close the stream with 1009.
	MaxKeyMessageBytes = 16

	keyBacklog = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Status is the body of GET /status.
type Status struct {
	Pending   int                `json:"pending"`
	Telemetry telemetry.Snapshot `json:"telemetry"`
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Gateway     *gateway.Gateway
	Pending     func() int
	Counters    *telemetry.Counters
	Broadcaster *StatusBroadcaster

	mu       sync.Mutex
	closing  bool
	sessions sync.WaitGroup
}

func NewHandlers(gw *gateway.Gateway, pending func() int, counters *telemetry.Counters, broadcaster *StatusBroadcaster) *Handlers {
	return &Handlers{
		Gateway:     gw,
		Pending:     pending,
		Counters:    counters,
		Broadcaster: broadcaster,
	}
}

// HandleMove handles POST /move. Invalid moves are acknowledged like valid
// ones; only a malformed body or a closing dispatcher is reported.
func (h *Handlers) HandleMove(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxMoveBodyBytes)
	var req gateway.MoveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	t, err := h.Gateway.Move(req)
	switch {
	case errors.Is(err, dispatch.ErrClosed):
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	case err != nil:
		debug.Error(err)
		http.Error(w, "move failed", http.StatusInternalServerError)
		return
	}
	if t != nil {
		debug.Verbose("move #%d accepted from %s", t.ID, r.RemoteAddr)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct{}{})
}

// HandleKeys handles GET /keys: one websocket per keyboard session. The
// server closes the socket with a normal-closure frame once the robot is
// stopped and its outputs are off.
func (h *Handlers) HandleKeys(w http.ResponseWriter, r *http.Request) {
	if !h.beginSession() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.sessions.Done()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		debug.Warn("keys: upgrade: %v", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(MaxKeyMessageBytes)

	// The closing handshake is answered after cleanup, not on receipt.
	conn.SetCloseHandler(func(code int, text string) error { return nil })

	// A hijacked connection no longer cancels r.Context, so the reader
	// cancels ctx when the client drops. A client that disconnects while
	// waiting for the actuator is forgotten without touching the register.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	src := &wsKeySource{
		keys: make(chan string, keyBacklog),
		done: make(chan struct{}),
	}
	go src.read(ctx, cancel, conn)

	sum, err := h.Gateway.KeyStream(ctx, src)
	code, text := websocket.CloseNormalClosure, "stopped"
	switch {
	case err != nil && r.Context().Err() != nil:
		code, text = websocket.CloseGoingAway, "server shutting down"
	case err != nil:
		debug.Warn("keys %s: %v", r.RemoteAddr, err)
		code, text = websocket.CloseInternalServerErr, "stream failed"
	}
	debug.Verbose("keys %s: %d keys, %d recognized", r.RemoteAddr, sum.Keys, sum.Recognized)

	msg := websocket.FormatCloseMessage(code, text)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		debug.Trace("keys %s: close frame: %v", r.RemoteAddr, err)
	}
}

func (h *Handlers) beginSession() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.sessions.Add(1)
	return true
}

// wsKeySource reads one key per websocket message. Reading runs ahead of
// the stream so a dropped client is noticed before the actuator is free.
type wsKeySource struct {
	keys chan string
	done chan struct{}
	err  error // set before done is closed
}

func (s *wsKeySource) read(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer close(s.done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				s.err = ctx.Err()
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				s.err = io.EOF
			default:
				s.err = err
				cancel()
			}
			return
		}
		select {
		case s.keys <- string(data):
		case <-ctx.Done():
			s.err = ctx.Err()
			return
		}
	}
}

func (s *wsKeySource) NextKey(ctx context.Context) (string, error) {
	select {
	case k := <-s.keys:
		return k, nil
	case <-s.done:
		// Keys already read come before the end of the stream.
		select {
		case k := <-s.keys:
			return k, nil
		default:
		}
		return "", s.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// HandleStatus handles GET /status.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	var st Status
	if h.Pending != nil {
		st.Pending = h.Pending()
	}
	if h.Counters != nil {
		st.Telemetry = h.Counters.Snapshot()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(st)
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// Wait refuses new key streams, then blocks until every open one has
// finished its cleanup or ctx is done.
func (h *Handlers) Wait(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
