// Package server exposes the HTTP, WebSocket, and SSE surface of the
// runtime: session CRUD, prompt submission (buffered, text stream, and
// NDJSON stream), tool and agent listings, and the event fan-out.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amcp-io/amcp/internal/agent"
	"github.com/amcp-io/amcp/internal/bus"
	"github.com/amcp-io/amcp/internal/commands"
	"github.com/amcp-io/amcp/internal/observability"
	"github.com/amcp-io/amcp/internal/permissions"
	"github.com/amcp-io/amcp/internal/rules"
	"github.com/amcp-io/amcp/internal/sessions"
	"github.com/amcp-io/amcp/internal/skills"
)

const (
	// DefaultShutdownGrace is how long Shutdown waits for in-flight
	// prompts to drain before force-closing connections.
	DefaultShutdownGrace = 10 * time.Second

	apiPrefix       = "/api/v1"
	serverName      = "amcp-server"
	protocolVersion = "1.0"
)

// Options wires the server's collaborators.
type Options struct {
	Host string
	Port int

	Version string

	Bus       *bus.Bus
	Sessions  *sessions.Manager
	Tools     *agent.Registry
	Specs     *agent.SpecRegistry
	Commands  *commands.Manager
	Skills    *skills.Manager
	Rules     *rules.Loader
	Approvals *permissions.Broker
	Metrics   *observability.Metrics
	Logger    *slog.Logger

	// CORSOrigins lists the exact origins allowed cross-origin access.
	// Localhost origins are always allowed.
	CORSOrigins []string

	ShutdownGrace time.Duration
}

// Server is the HTTP/WS/SSE front end.
type Server struct {
	opts   Options
	logger *slog.Logger

	httpServer *http.Server
	listener   net.Listener
	startTime  time.Time

	wsConns  atomic.Int64
	sseConns atomic.Int64
}

// New creates a server. Start must be called to begin serving.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = DefaultShutdownGrace
	}
	return &Server{
		opts:      opts,
		logger:    opts.Logger.With("component", "server"),
		startTime: time.Now(),
	}
}

// Handler builds the full route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /", s.handleRoot)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	mux.HandleFunc("GET "+apiPrefix+"/health", s.handleHealth)
	mux.HandleFunc("GET "+apiPrefix+"/info", s.handleInfo)
	mux.HandleFunc("GET "+apiPrefix+"/status", s.handleStatus)
	mux.HandleFunc("GET "+apiPrefix+"/connections", s.handleConnections)

	mux.HandleFunc("POST "+apiPrefix+"/sessions", s.handleSessionCreate)
	mux.HandleFunc("GET "+apiPrefix+"/sessions", s.handleSessionList)
	mux.HandleFunc("GET "+apiPrefix+"/sessions/{id}", s.handleSessionGet)
	mux.HandleFunc("DELETE "+apiPrefix+"/sessions/{id}", s.handleSessionDelete)
	mux.HandleFunc("POST "+apiPrefix+"/sessions/{id}/prompt", s.handlePrompt)
	mux.HandleFunc("POST "+apiPrefix+"/sessions/{id}/prompt/stream", s.handlePromptStream)
	mux.HandleFunc("POST "+apiPrefix+"/sessions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST "+apiPrefix+"/sessions/{id}/approvals/{request_id}", s.handleApproval)
	mux.HandleFunc("GET "+apiPrefix+"/sessions/{id}/history", s.handleHistoryGet)
	mux.HandleFunc("DELETE "+apiPrefix+"/sessions/{id}/history", s.handleHistoryClear)
	mux.HandleFunc("GET "+apiPrefix+"/sessions/{id}/events", s.handleSessionEvents)

	mux.HandleFunc("GET "+apiPrefix+"/tools", s.handleToolList)
	mux.HandleFunc("GET "+apiPrefix+"/tools/{name}", s.handleToolGet)
	mux.HandleFunc("POST "+apiPrefix+"/tools/{name}/execute", s.handleToolExecute)

	mux.HandleFunc("GET "+apiPrefix+"/agents", s.handleAgentList)
	mux.HandleFunc("GET "+apiPrefix+"/agents/{name}", s.handleAgentGet)
	mux.HandleFunc("GET "+apiPrefix+"/agents/{name}/spec", s.handleAgentSpec)

	mux.HandleFunc("GET "+apiPrefix+"/events", s.handleEvents)

	return s.withCORS(s.withRequestLog(mux))
}

// Start begins listening. It returns once the listener is bound; serving
// continues in the background until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	s.listener = listener
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	httpServer := s.httpServer
	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("server listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown drains in-flight requests within the configured grace period,
// emits the shutdown event, then force-closes whatever remains.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	if s.opts.Bus != nil {
		s.opts.Bus.EmitAsync(bus.New(bus.EventShutdown, "", nil))
	}

	graceCtx, cancel := context.WithTimeout(ctx, s.opts.ShutdownGrace)
	defer cancel()

	err := s.httpServer.Shutdown(graceCtx)
	if err != nil {
		s.logger.Warn("graceful shutdown expired, force closing", "error", err)
		err = s.httpServer.Close()
	}
	s.httpServer = nil
	s.listener = nil
	return err
}

// uptime reports seconds since Start.
func (s *Server) uptime() float64 {
	return time.Since(s.startTime).Seconds()
}
