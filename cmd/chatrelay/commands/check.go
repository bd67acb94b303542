package commands

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"chatrelay/internal/config"
	"chatrelay/internal/printer"
	"chatrelay/pkg/stream"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Preflight the relay configuration and its upstreams",
	Long: `Validate the configuration file, then probe the Redis log store and,
in token mode, the external authorization endpoint. Exits non-zero only on
configuration errors; unreachable upstreams are reported as warnings since
the server tolerates them at startup.`,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	printer.Step("checking configuration: %s", configPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		return printer.Error("configuration invalid", "Error: "+err.Error())
	}
	printer.Success("configuration valid (%d allowed inboxes)", len(cfg.AllowedInboxes))
	if cfg.TokenMode() {
		printer.Info("  mode: token (authorization via %s)", cfg.AuthEndpoint)
	} else {
		printer.Info("  mode: baseline (allow-list only)")
	}

	printer.Step("probing log store: %s", cfg.RedisAddr)
	store, err := stream.NewClient(&redis.Options{Addr: cfg.RedisAddr}, cfg.StreamMaxLen)
	if err != nil {
		return printer.Error("failed to create log store client", "Error: "+err.Error())
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		printer.Warning("log store unreachable: %v", err)
		printer.Info("  the server will start anyway and reject chat connections until Redis is back")
	} else {
		printer.Success("log store reachable")
	}

	if cfg.TokenMode() {
		printer.Step("probing authorization endpoint: %s", cfg.AuthEndpoint)
		client := &http.Client{Timeout: 3 * time.Second}
		resp, err := client.Get(cfg.AuthEndpoint)
		if err != nil {
			printer.Warning("authorization endpoint unreachable: %v", err)
			printer.Info("  all token-mode connections will be refused (fail-closed)")
		} else {
			resp.Body.Close()
			printer.Success("authorization endpoint reachable")
		}
	}

	return nil
}
