package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/voxgate/internal/config"
	"github.com/ppiankov/voxgate/internal/server"
)

var (
	serveNoMCP    bool
	serveNoHealth bool
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveNoMCP, "no-mcp", false, "Do not serve MCP tools on stdio; run until signalled")
	serveCmd.Flags().BoolVar(&serveNoHealth, "no-health", false, "Do not start the gRPC health service")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the command gateway",
	Long: "Connects to the home-automation controller, keeps the connection alive and\n" +
		"serves the gateway's tools over MCP on stdio. Connection health is exposed over\n" +
		"gRPC health checking. Policy changes in the config file are hot-reloaded.",
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, closer, err := loadConfig()
	if err != nil {
		return err
	}
	defer closer.Close()

	if cfg.Controller.Token == "" {
		return fmt.Errorf("no controller access token: set controller.token or $%s", cfg.Controller.TokenEnv)
	}
	if exp, ok := config.TokenExpiry(cfg.Controller.Token); ok {
		slog.Info("controller token expiry", "expires_at", exp.Format(time.RFC3339))
	}

	path := resolvedConfigPath()
	srv, err := server.New(server.Options{Config: cfg, ConfigPath: path, Version: version})
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}
	defer srv.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Hot reload only applies when the config lives in a file.
	if _, statErr := os.Stat(path); statErr == nil {
		reloader, err := server.NewReloader(srv, []string{path})
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: hot-reload disabled: %v\n", err)
		} else {
			go reloader.Run(ctx)
		}
	}

	if !serveNoHealth {
		go func() {
			if err := srv.Serve(); err != nil {
				slog.Error("health service stopped", "error", err)
			}
		}()
		defer srv.GracefulStop()
	}

	connErr := make(chan error, 1)
	go func() { connErr <- srv.KeepConnected(ctx) }()

	fmt.Fprintf(os.Stderr, "voxgate %s gateway for %s\n", version, cfg.Controller.Endpoint)
	fmt.Fprintf(os.Stderr, "Policy: %s\n", srv.Engine().Hash())
	if !serveNoHealth {
		fmt.Fprintf(os.Stderr, "Health: %s\n", cfg.Server.HealthAddr)
	}
	if cfg.Audit.Path != "" {
		fmt.Fprintf(os.Stderr, "Audit log: %s\n", cfg.Audit.Path)
	}
	fmt.Fprintln(os.Stderr)

	if !serveNoMCP {
		mcpErr := make(chan error, 1)
		go func() { mcpErr <- srv.RunMCP(ctx) }()
		select {
		case err := <-mcpErr:
			// stdio closed by the assistant host.
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("mcp: %w", err)
			}
			return nil
		case err := <-connErr:
			if err != nil {
				return fmt.Errorf("controller: %w", err)
			}
			return nil
		}
	}

	if err := <-connErr; err != nil {
		return fmt.Errorf("controller: %w", err)
	}
	fmt.Fprintln(os.Stderr, "\nShutting down gateway...")
	return nil
}
