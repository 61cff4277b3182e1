package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"

	"github.com/shiftbot/shiftbot/internal/logic/dispatch"
	"github.com/shiftbot/shiftbot/internal/logic/gateway"
	"github.com/shiftbot/shiftbot/internal/logic/motion"
	"github.com/shiftbot/shiftbot/internal/web"
)

// ---------- feedKeys ----------

func TestFeedKeys_StopsOnQuitKeys(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  []string
	}{
		{"q", "wadqx", []string{"w", "a", "d"}},
		{"ctrl_c", "ws\x03a", []string{"w", "s"}},
		{"ctrl_d", "\x04w", nil},
		{"eof", "wx", []string{"w", "x"}},
		{"unmapped_keys_are_sent", "z1 ", []string{"z", "1", " "}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got []string
			var out bytes.Buffer
			n, err := feedKeys(strings.NewReader(tc.input), &out, func(k string) error {
				got = append(got, k)
				return nil
			})
			if err != nil {
				t.Fatalf("feedKeys: %v", err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("sent (-want +got):\n%s", diff)
			}
			if n != len(tc.want) {
				t.Errorf("n = %d, want %d", n, len(tc.want))
			}
		})
	}
}

func TestFeedKeys_EchoesSentKeys(t *testing.T) {
	var out bytes.Buffer
	feedKeys(strings.NewReader("w\t"), &out, func(string) error { return nil })
	if !strings.Contains(out.String(), "Sent: w\r\n") {
		t.Errorf("output %q lacks printable echo", out.String())
	}
	if !strings.Contains(out.String(), `Sent: '\t'`) {
		t.Errorf("output %q lacks quoted control char", out.String())
	}
}

func TestFeedKeys_SendError(t *testing.T) {
	broken := errors.New("broken pipe")
	n, err := feedKeys(strings.NewReader("wa"), &bytes.Buffer{}, func(string) error { return broken })
	if !errors.Is(err, broken) {
		t.Errorf("err = %v, want %v", err, broken)
	}
	if n != 0 {
		t.Errorf("n = %d, want 0", n)
	}
}

// ---------- against the real service ----------

type nopRegister struct {
	mu  sync.Mutex
	ops int
}

func (r *nopRegister) SetOutputsEnabled(bool) error { r.count(); return nil }

func (r *nopRegister) Send(byte) error { r.count(); return nil }

func (r *nopRegister) count() {
	r.mu.Lock()
	r.ops++
	r.mu.Unlock()
}

func newService(t *testing.T) (*httptest.Server, *dispatch.Dispatcher) {
	t.Helper()
	ctrl := motion.NewController(&nopRegister{})
	d := dispatch.New(ctrl, nil)
	gw := gateway.New(d, ctrl, nil)
	h := web.NewHandlers(gw, d.Pending, nil, web.NewStatusBroadcaster())
	srv := httptest.NewServer(web.NewServer("", time.Second, h).Router())
	t.Cleanup(srv.Close)
	return srv, d
}

func TestSendMove(t *testing.T) {
	srv, d := newService(t)
	addr := srv.Listener.Addr().String()

	if err := sendMove(addr, gateway.MoveRequest{Direction: "left", Duration: 0.5}); err != nil {
		t.Fatalf("sendMove: %v", err)
	}
	if d.Pending() != 1 {
		t.Errorf("pending = %d, want 1", d.Pending())
	}
}

func TestSendMove_ServerRefuses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req gateway.MoveRequest
		json.NewDecoder(r.Body).Decode(&req)
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := sendMove(srv.Listener.Addr().String(), gateway.MoveRequest{Direction: "left"})
	if err == nil || !strings.Contains(err.Error(), "shutting down") {
		t.Errorf("err = %v, want 503 with body", err)
	}
}

func TestCloseAndWait_ServerAcknowledges(t *testing.T) {
	srv, _ := newService(t)
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Listener.Addr().String()+"/keys", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("w")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := closeAndWait(conn, 2*time.Second); err != nil {
		t.Errorf("closeAndWait: %v", err)
	}
}

func TestCloseAndWait_NoAck(t *testing.T) {
	upgrader := websocket.Upgrader{}
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		c.SetCloseHandler(func(int, string) error { return nil })
		<-release
	}))
	defer srv.Close()
	defer close(release)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Listener.Addr().String(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- closeAndWait(conn, 50*time.Millisecond) }()
	select {
	case err := <-done:
		if err == nil {
			t.Error("expected timeout without a close frame from the server")
		}
	case <-ctx.Done():
		t.Fatal("closeAndWait ignored its timeout")
	}
}
