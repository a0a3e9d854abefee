package smtp

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"github.com/shineum/graph-relay/internal/provider"
)

// shutdownTimeout is the maximum time to wait for in-flight connections
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// Config holds the settings for an SMTP server.
type Config struct {
	// ListenAddr is the address to listen on (e.g., ":2525").
	ListenAddr string

	// Hostname is the identity used in the greeting and EHLO replies.
	Hostname string

	// Provider is the delivery backend completed messages are handed to.
	Provider provider.Provider

	// TLSConfig enables STARTTLS when non-nil.
	TLSConfig *tls.Config

	// RequireTLS refuses MAIL FROM and AUTH until the connection has
	// been upgraded.
	RequireTLS bool

	// AuthUsername and AuthPassword configure SMTP AUTH.
	// If both are empty, authentication is not required.
	AuthUsername string
	AuthPassword string

	// MaxMessageSize is the largest accepted message in bytes.
	MaxMessageSize int64

	// MaxConnections caps concurrently served sessions; 0 means no cap.
	MaxConnections int

	// CommandTimeout bounds the idle wait for the next command,
	// DataTimeout each read during DATA, and DeliveryTimeout one
	// outbound delivery call.
	CommandTimeout  time.Duration
	DataTimeout     time.Duration
	DeliveryTimeout time.Duration
}

// Server accepts SMTP connections and runs one Session per connection.
type Server struct {
	config   Config
	listener net.Listener

	// wg tracks in-flight session goroutines for graceful shutdown.
	wg sync.WaitGroup
}

// New creates an SMTP Server, filling unset config fields with defaults.
func New(cfg Config) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 26214400
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 5 * time.Minute
	}
	if cfg.DataTimeout <= 0 {
		cfg.DataTimeout = 2 * time.Minute
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = time.Minute
	}

	return &Server{config: cfg}
}

// ListenAndServe starts the server and blocks until the context is
// cancelled. The listener is capped at MaxConnections concurrent sessions;
// further connections queue in the kernel accept backlog. On cancellation
// it stops accepting and waits a bounded time for in-flight sessions.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	if s.config.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.config.MaxConnections)
	}
	s.listener = ln

	slog.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"provider", s.config.Provider.Name(),
		"tls_enabled", s.config.TLSConfig != nil,
		"tls_required", s.config.RequireTLS,
		"auth_enabled", s.config.AuthUsername != "" && s.config.AuthPassword != "",
		"max_connections", s.config.MaxConnections,
	)

	// Monitor context for shutdown
	go func() {
		<-ctx.Done()
		slog.Info("shutting down SMTP server")
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				// Expected error from listener close during shutdown
				s.waitForSessions()
				return nil
			default:
				slog.Error("accept error", "error", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			NewSession(conn, &s.config).Handle(ctx)
		}()
	}
}

// waitForSessions waits for all in-flight sessions to complete,
// with a maximum timeout to prevent indefinite blocking.
func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all sessions completed")
	case <-time.After(shutdownTimeout):
		slog.Warn("shutdown timeout reached, forcing close")
	}
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
