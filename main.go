// ContentTransfer MCP Server - A Model Context Protocol server that pushes
// pages from a source MediaWiki to configured target wikis
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/config"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/service"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/metrics"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/tools"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/tracing"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/wiki"
)

// recoverPanic wraps a function with panic recovery and returns an error instead of crashing
func recoverPanic(logger *slog.Logger, operation string) {
	if r := recover(); r != nil {
		logger.Error("Panic recovered",
			"operation", operation,
			"panic", r,
			"stack", string(debug.Stack()))
	}
}

const (
	ServerName    = "contenttransfer-mcp-server"
	ServerVersion = "1.0.0"
)

const serverInstructions = `ContentTransfer pushes pages from the source wiki to the configured target wikis.

Typical flow:
1. contenttransfer_list_targets to see the target keys
2. contenttransfer_get_pages to select pages (by titles, category, namespace or search)
3. contenttransfer_push_info to preview what would be written
4. contenttransfer_push to write, then the pushed pages are purged
5. contenttransfer_purge to re-purge pages on a target

Configure via a YAML file in CONTENTTRANSFER_CONFIG, or environment variables:
- MEDIAWIKI_URL: Source wiki API URL (e.g., https://wiki.example.com/api.php)
- MEDIAWIKI_USERNAME / MEDIAWIKI_PASSWORD: Source bot password (for private wikis)
- CONTENTTRANSFER_HISTORY_DSN: Postgres DSN for the push history
- METRICS_ADDR: Address for the Prometheus /metrics endpoint`

func main() {
	// Configure logging to stderr (stdout is used for MCP protocol)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	defer recoverPanic(logger, "run")

	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel()}))

	shutdown, err := tracing.Setup(ctx, tracing.DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Warn("Tracing shutdown failed", "error", err)
		}
	}()

	targets, err := cfg.TargetManager()
	if err != nil {
		return err
	}
	store, err := cfg.OpenHistory(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	client := wiki.NewClient(&cfg.Source, logger)
	defer client.Close()

	svc := service.New(client, targets, store, logger, service.WithPushUser(cfg.Transfer.User))
	server := newServer(svc, logger)

	go metrics.Serve(ctx, cfg.MetricsAddr, logger)

	logger.Info("Starting ContentTransfer MCP Server",
		"name", ServerName,
		"version", ServerVersion,
		"source_url", cfg.Source.BaseURL,
		"targets", targets.Keys(),
		"history", cfg.History.Driver,
	)

	return server.Run(ctx, &mcp.StdioTransport{})
}

// newServer creates the MCP server with every transfer tool registered.
func newServer(svc *service.Service, logger *slog.Logger) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    ServerName,
		Version: ServerVersion,
	}, &mcp.ServerOptions{
		Logger:       logger,
		Instructions: serverInstructions,
	})
	tools.NewHandlerRegistry(svc, logger).RegisterAll(server)
	return server
}
