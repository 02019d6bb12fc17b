package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/wrenproxy/internal/api"
	"github.com/kalambet/wrenproxy/internal/config"
	"github.com/kalambet/wrenproxy/internal/metrics"
	"github.com/kalambet/wrenproxy/internal/wren"
)

const shutdownTimeout = 5 * time.Second

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the relay server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show relay status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the relay as MCP tools over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func newRelay(cfg config.Config, logger *slog.Logger, collector *metrics.Collector) *wren.Relay {
	opts := []wren.Option{
		wren.WithLogger(logger),
		wren.WithTimeouts(wren.Timeouts{
			Unary:    cfg.Wren.UnaryTimeout,
			Validate: cfg.Wren.ValidateTimeout,
			Stream:   cfg.Wren.StreamTimeout,
		}),
	}
	if collector != nil {
		opts = append(opts, wren.WithObserver(collector))
	}
	return wren.NewRelay(wren.NewClient(cfg.Wren.BaseURL, opts...))
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "wrenproxy version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(nil)
	}

	relay := newRelay(cfg, logger, collector)
	handler := api.NewHandler(relay, api.Options{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Logger:         logger,
		Metrics:        collector,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := cfg.Server.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	logger.Info("wrenproxy listening",
		"addr", ln.Addr().String(),
		"wren_base_url", relay.Client().BaseURL(),
		"metrics", collector != nil,
	)

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return serve(ctx, srv, ln, logger)
}

// serve runs srv on ln until ctx is done, then lets in-flight requests
// finish within shutdownTimeout.
func serve(ctx context.Context, srv *http.Server, ln net.Listener, logger *slog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func runMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// stdout carries the MCP protocol, so logs stay on stderr.
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mcpSrv := api.NewMCPServer(newRelay(cfg, logger, nil), version)
	stdioSrv := server.NewStdioServer(mcpSrv)

	logger.Info("MCP server started (stdio transport)")
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := localServerURL(cfg.Server)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			printStatus("Server", "running on %s", cfg.Server.Addr())
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Wren API", "%s", cfg.Wren.BaseURL)
	printStatus("Timeouts", "unary %s, validate %s, stream %s",
		cfg.Wren.UnaryTimeout, cfg.Wren.ValidateTimeout, cfg.Wren.StreamTimeout)
	printStatus("CORS origins", "%s", strings.Join(cfg.CORS.AllowedOrigins, ", "))
	if cfg.Metrics.Enabled {
		printStatus("Metrics", "%s/metrics", serverURL)
	} else {
		printStatus("Metrics", "disabled")
	}
	printStatus("Config file", "%s", config.FilePath())
	return nil
}

// localServerURL returns a URL for reaching the configured listener from
// this machine.
func localServerURL(s config.ServerConfig) string {
	host := s.Host
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, fmt.Sprint(s.Port))
}
