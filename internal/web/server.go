package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/shiftbot/shiftbot/internal/debug"
)

// Server wraps the HTTP server and handlers.
type Server struct {
	addr            string
	shutdownTimeout time.Duration
	handlers        *Handlers
}

func NewServer(addr string, shutdownTimeout time.Duration, handlers *Handlers) *Server {
	return &Server{
		addr:            addr,
		shutdownTimeout: shutdownTimeout,
		handlers:        handlers,
	}
}

// Router returns an http.Handler with all routes registered.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/move", s.handlers.HandleMove).Methods(http.MethodPost)
	r.HandleFunc("/keys", s.handlers.HandleKeys).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handlers.HandleStatus).Methods(http.MethodGet)
	r.HandleFunc("/status/stream", s.handlers.HandleStatusStream).Methods(http.MethodGet)
	return r
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully. Request contexts derive from ctx, so open key streams end
// with it and Serve waits for their cleanup.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		debug.Info("web server listening on %s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		if s.handlers.Broadcaster != nil {
			s.handlers.Broadcaster.Broadcast("server", "shutting down")
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if werr := s.handlers.Wait(shutdownCtx); werr != nil {
			err = errors.Join(err, fmt.Errorf("key streams still open: %w", werr))
		}
		return err
	}
}
