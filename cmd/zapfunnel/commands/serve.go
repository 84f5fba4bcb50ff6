package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/zapfunnel/pkg/zapfunnel/channels"
	"github.com/jholhewres/zapfunnel/pkg/zapfunnel/channels/instagram"
	"github.com/jholhewres/zapfunnel/pkg/zapfunnel/channels/whatsapp"
	"github.com/jholhewres/zapfunnel/pkg/zapfunnel/config"
	"github.com/jholhewres/zapfunnel/pkg/zapfunnel/funnel"
	"github.com/jholhewres/zapfunnel/pkg/zapfunnel/gateway"
	"github.com/jholhewres/zapfunnel/pkg/zapfunnel/llm"
	"github.com/jholhewres/zapfunnel/pkg/zapfunnel/relay"
	"github.com/jholhewres/zapfunnel/pkg/zapfunnel/sessions"
	"github.com/jholhewres/zapfunnel/pkg/zapfunnel/store"
)

// newServeCmd creates the `zapfunnel serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the session daemon and control API",
		Long: `Start ZapFunnel as a daemon: opens the session registry, the
message relay, and the HTTP control API for connecting assistants to
WhatsApp and Instagram.

Examples:
  zapfunnel serve
  zapfunnel serve --config ./zapfunnel.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	// ── Load config ──
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	if configPath == "" {
		configPath = config.FindConfigFile()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// ── Configure logger ──
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logger := newLogger(cfg.Log, verbose)

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	// ── Storage ──
	st, err := store.Open(filepath.Join(cfg.DataDir, "zapfunnel.db"))
	if err != nil {
		return err
	}
	defer st.Close()

	// ── Relay pipeline ──
	completer := llm.New(cfg.LLM, logger)
	tracker := funnel.NewTracker(st, logger)
	prompts := relay.PromptBuilder{MaxFileChars: cfg.Prompt.MaxFileChars}
	rel := relay.New(st, completer, tracker, prompts, logger)

	// ── Session registry ──
	reg := sessions.New(cfg.Sessions, rel, logger)

	waCfg := cfg.WhatsApp
	if waCfg.SessionDir == "" {
		waCfg.SessionDir = filepath.Join(cfg.DataDir, "whatsapp")
	}
	reg.RegisterFactory(channels.KindWhatsApp, func(req sessions.OpenRequest, handler channels.Handler) (channels.Session, error) {
		return whatsapp.New(waCfg, req.OwnerID, req.AssistantID, handler, logger), nil
	})
	reg.RegisterFactory(channels.KindInstagram, func(req sessions.OpenRequest, handler channels.Handler) (channels.Session, error) {
		if req.Username == "" || req.Password == "" {
			return nil, fmt.Errorf("instagram requires username and password")
		}
		client := instagram.NewHTTPClient("", 15*time.Second)
		return instagram.New(cfg.Instagram, req.OwnerID, req.AssistantID, req.Username, req.Password, client, handler, logger), nil
	})

	if err := reg.Start(); err != nil {
		return fmt.Errorf("starting session registry: %w", err)
	}

	// ── HTTP control surface ──
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw := gateway.New(reg, st, cfg.Gateway, logger)
	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("starting gateway: %w", err)
	}

	logger.Info("zapfunnel running. Press Ctrl+C to stop.",
		"address", cfg.Gateway.Address,
		"data_dir", cfg.DataDir,
		"model", completer.Model(),
	)

	// ── Wait for shutdown ──
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")

	done := make(chan struct{})
	go func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = gw.Stop(shutdownCtx)
		reg.Shutdown()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(15 * time.Second):
		logger.Warn("shutdown timed out, forcing exit")
	}

	return nil
}

// newLogger builds the slog logger from config and the --verbose flag.
func newLogger(cfg config.LogConfig, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}
