// Package gateway provides the HTTP control surface for session management.
package gateway

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jholhewres/zapfunnel/pkg/zapfunnel/sessions"
	"github.com/jholhewres/zapfunnel/pkg/zapfunnel/store"
)

// Config holds the HTTP surface settings.
type Config struct {
	Address   string `yaml:"address"`
	AuthToken string `yaml:"auth_token"`
}

// Gateway serves the session control endpoints.
type Gateway struct {
	registry  *sessions.Registry
	store     *store.Store
	config    Config
	server    *http.Server
	logger    *slog.Logger
	startedAt time.Time
}

// New creates a gateway over the given registry and store.
func New(registry *sessions.Registry, st *store.Store, cfg Config, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8090"
	}
	return &Gateway{
		registry: registry,
		store:    st,
		config:   cfg,
		logger:   logger.With("component", "gateway"),
	}
}

// Handler builds the full middleware-wrapped handler. Exposed for tests.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health (always public)
	mux.HandleFunc("/health", g.handleHealth)

	mux.HandleFunc("/sessions", g.handleListSessions)
	mux.HandleFunc("/sessions/connect", g.handleConnect)
	mux.HandleFunc("/sessions/status", g.handleStatus)
	mux.HandleFunc("/sessions/disconnect", g.handleDisconnect)
	mux.HandleFunc("/pipeline", g.handlePipeline)

	return g.loggingMiddleware(g.authMiddleware(mux))
}

// Start starts the HTTP server.
func (g *Gateway) Start(ctx context.Context) error {
	g.startedAt = time.Now()
	g.server = &http.Server{
		Addr:    g.config.Address,
		Handler: g.Handler(),
	}

	// Warn when the gateway has no auth token and is bound to a non-loopback address.
	if g.config.AuthToken == "" {
		host, _, _ := net.SplitHostPort(g.config.Address)
		if host == "" {
			host = "0.0.0.0"
		}
		ip := net.ParseIP(host)
		isLoopback := ip != nil && ip.IsLoopback()
		if !isLoopback && host != "localhost" {
			g.logger.Warn("SECURITY: gateway has no auth token and is bound to a non-loopback address, anyone on the network can manage sessions",
				"address", g.config.Address)
		}
	}

	go func() {
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "address", g.config.Address)
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("gateway stopping...")
	return g.server.Shutdown(ctx)
}
