// Package main is the entry point for the SMTP-to-Graph relay.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shineum/graph-relay/internal/config"
	"github.com/shineum/graph-relay/internal/provider"
	"github.com/shineum/graph-relay/internal/provider/graph"
	"github.com/shineum/graph-relay/internal/provider/ses"
	"github.com/shineum/graph-relay/internal/provider/stdout"
	"github.com/shineum/graph-relay/internal/smtp"
	relaytls "github.com/shineum/graph-relay/internal/tls"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Logging.Level)

	if err := cfg.Validate(); err != nil {
		slog.Error("configuration rejected", "error", err)
		os.Exit(1)
	}

	server := smtp.New(smtp.Config{
		ListenAddr:      cfg.SMTP.Listen,
		Hostname:        cfg.SMTP.Hostname,
		Provider:        selectProvider(cfg),
		TLSConfig:       setupTLS(cfg),
		RequireTLS:      cfg.TLS.Require,
		AuthUsername:    cfg.SMTP.Username,
		AuthPassword:    cfg.SMTP.Password,
		MaxMessageSize:  cfg.SMTP.MaxMessageSize,
		MaxConnections:  cfg.SMTP.MaxConnections,
		CommandTimeout:  cfg.CommandTimeout(),
		DataTimeout:     cfg.DataTimeout(),
		DeliveryTimeout: cfg.DeliveryTimeout(),
	})

	slog.Info("starting graph-relay",
		"listen", cfg.SMTP.Listen,
		"hostname", cfg.SMTP.Hostname,
		"auth_enabled", cfg.AuthEnabled(),
		"tls_enabled", cfg.TLS.Enabled,
		"tls_required", cfg.TLS.Require,
	)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, initiating shutdown", "signal", sig)
		cancel()
	}()

	// Start the server (blocks until context is cancelled)
	if err := server.ListenAndServe(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("graph-relay stopped")
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// setupTLS builds the STARTTLS configuration, or nil when TLS is disabled.
func setupTLS(cfg *config.Config) *tls.Config {
	if !cfg.TLS.Enabled {
		return nil
	}

	tlsConfig, err := relaytls.LoadOrGenerate(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.SMTP.Hostname)
	if err != nil {
		slog.Error("failed to setup TLS", "error", err)
		os.Exit(1)
	}

	mode := "self-signed"
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		mode = "file"
	}
	slog.Info("TLS configured", "mode", mode)

	return tlsConfig
}

// selectProvider chooses the delivery backend based on configuration.
// An empty provider setting auto-detects: Graph if configured, then SES,
// then stdout.
func selectProvider(cfg *config.Config) provider.Provider {
	name := cfg.Provider
	if name == "" {
		switch {
		case cfg.GraphConfigured():
			name = "graph"
		case cfg.SESConfigured():
			name = "ses"
		default:
			name = "stdout"
		}
		slog.Info("auto-detected provider", "provider", name)
	}

	switch name {
	case "graph":
		slog.Info("using Microsoft Graph provider", "sender", cfg.Graph.Sender)
		return graph.New(graph.Config{
			TenantID:      cfg.Graph.TenantID,
			ClientID:      cfg.Graph.ClientID,
			ClientSecret:  cfg.Graph.ClientSecret,
			Sender:        cfg.Graph.Sender,
			Scope:         cfg.Graph.Scope,
			Endpoint:      cfg.Graph.Endpoint,
			TokenEndpoint: cfg.Graph.TokenURL,
			Timeout:       cfg.DeliveryTimeout(),
			TokenTimeout:  cfg.TokenTimeout(),
		})

	case "ses":
		slog.Info("using AWS SES provider",
			"region", cfg.SES.Region,
			"sender", cfg.SES.Sender,
		)
		p, err := ses.New(context.Background(), ses.Config{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
			Sender:          cfg.SES.Sender,
		})
		if err != nil {
			slog.Error("failed to create SES provider", "error", err)
			os.Exit(1)
		}
		return p

	default:
		slog.Info("using stdout provider")
		return stdout.New()
	}
}
