package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/lessonforge/internal/api"
	"github.com/kalambet/lessonforge/internal/config"
	"github.com/kalambet/lessonforge/internal/logging"
	"github.com/kalambet/lessonforge/internal/telemetry"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the generation server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		host, _ := cmd.Flags().GetString("host")
		return runServer(host, withMCP)
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
	serveCmd.Flags().String("host", "127.0.0.1", "address to bind the HTTP server to")
}

func runServer(host string, withMCP bool) error {
	fmt.Fprintf(os.Stderr, "lessonforge version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Stdout belongs to the MCP transport when it is enabled.
	logger := logging.Setup(cfg.Log.Level, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, metricsHandler, err := telemetry.Setup(ctx, telemetry.Options{
		ServiceName:  "lessonforge",
		Version:      version,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	a, err := buildApp(ctx, cfg, logger, appOptions{
		retrievalTimeout: cfg.Retrieval.Timeout,
		progress:         os.Stderr,
	})
	if err != nil {
		return err
	}
	defer a.Close()

	handler := api.NewHandler(api.HandlerDeps{
		Coordinator: a.coordinator,
		Token:       cfg.Server.Token,
		Metrics:     metricsHandler,
	})
	if cfg.Server.Token == "" {
		logger.Warn("no server.token configured, /v1 routes are unauthenticated")
	}

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", cfg.Server.Port))
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
		BaseContext: func(_ net.Listener) context.Context {
			return logging.WithLogger(ctx, logger)
		},
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("lessonforge listening", "addr", addr, "provider", cfg.Provider.Kind, "retrieval", cfg.Retrieval.Kind)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Coordinator: a.coordinator,
			Journal:     a.store,
			Version:     version,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		g.Go(func() error {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
		logger.Info("MCP server started (stdio transport)")
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
