package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aimhi/yarnbot/internal/messaging"
	"github.com/aimhi/yarnbot/internal/router"
	"github.com/aimhi/yarnbot/internal/store"
)

// DefaultAddr is the default listen address for the API server.
const DefaultAddr = ":8080"

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr overrides the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server wires the router and stores to the HTTP surface.
type Server struct {
	addr   string
	router *router.Router
	// sink serves session inspection and deletion; nil disables those
	// endpoints with 503 rather than failing startup.
	sink       store.Store
	smsHandler *messaging.ResponseHandler
	httpServer *http.Server
}

// NewServer creates an API server. The SMS handler is optional; when nil the
// webhook endpoint is not registered.
func NewServer(rt *router.Router, sink store.Store, smsHandler *messaging.ResponseHandler, opts ...Option) (*Server, error) {
	if rt == nil {
		return nil, fmt.Errorf("API server requires a router")
	}
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{
		addr:       cfg.Addr,
		router:     rt,
		sink:       sink,
		smsHandler: smsHandler,
	}, nil
}

// Handler builds the HTTP routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat", s.chatHandler)
	mux.HandleFunc("/api/sessions/", s.sessionHandler)
	mux.HandleFunc("/health", s.healthHandler)
	if s.smsHandler != nil {
		mux.HandleFunc("/webhooks/sms", s.smsHandler.WebhookHandler)
	}
	return mux
}

// Run starts the HTTP server and blocks until the context is canceled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server listening", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("API server failed: %w", err)
	case <-ctx.Done():
		slog.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}
