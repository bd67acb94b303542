package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"chatrelay/internal/authz"
	"chatrelay/internal/config"
	"chatrelay/internal/logger"
	"chatrelay/internal/presence"
	"chatrelay/internal/printer"
	"chatrelay/internal/relay"
	"chatrelay/internal/tenant"
	"chatrelay/internal/transport"
	"chatrelay/pkg/stream"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat relay server",
	Long: `Start the relay: accept WebSocket connections on /ws, bridge them to
per-inbox Redis streams, and serve /healthz and /metrics.

A Redis outage at startup is not fatal: the process keeps serving HTTP and
rejects chat connections until the log store comes back.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return printer.Error("invalid configuration",
			"Check "+configPath+" and CHATRELAY_* environment overrides.",
			"Error: "+err.Error())
	}

	logger.Init(cfg.LogLevel)
	log := logger.WithComponent("serve")

	store, err := stream.NewClient(&redis.Options{Addr: cfg.RedisAddr}, cfg.StreamMaxLen)
	if err != nil {
		return printer.Error("failed to create log store client", "Error: "+err.Error())
	}
	defer store.Close()

	// Fatal-soft: log and carry on; /healthz reports degraded and chat
	// admissions fail until Redis is reachable.
	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	if err := store.Ping(pingCtx); err != nil {
		log.Warn().Err(err).Str("addr", cfg.RedisAddr).
			Msg("log store unreachable at startup, chat connections will be rejected")
	} else {
		log.Info().Str("addr", cfg.RedisAddr).Msg("connected to log store")
	}
	cancel()

	var authzClient *authz.Client
	if cfg.TokenMode() {
		authzClient = authz.NewClient(cfg.AuthEndpoint, authz.DefaultTimeout, logger.WithComponent("authz"))
		log.Info().Str("endpoint", cfg.AuthEndpoint).Msg("token mode enabled")
	}

	tracker := presence.NewTracker(store, cfg.PresenceTTL.Std())
	resolver := tenant.NewResolver(cfg.AllowedInboxes)
	r := relay.New(store, tracker, authzClient, resolver, cfg.HistoryCount, logger.WithComponent("relay"))
	srv := transport.NewServer(r, store, cfg, logger.WithComponent("transport"))

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("relay listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return printer.Error("server failed", "Error: "+err.Error())
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("forced shutdown after timeout")
	}

	log.Info().Msg("shutdown complete")
	return nil
}
