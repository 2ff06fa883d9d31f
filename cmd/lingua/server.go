package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/linguaworks/lingua/internal/api"
	"github.com/linguaworks/lingua/internal/config"
	"github.com/linguaworks/lingua/internal/storage"
)

const shutdownTimeout = 5 * time.Second

func newStoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Run the local session store",
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve sessions, messages and settings from a local SQLite database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			addr := mustString(cmd, "addr")
			if addr == "" {
				addr = fmt.Sprintf("127.0.0.1:%d", cfg.Store.ListenPort)
			}
			var origins []string
			if o := mustString(cmd, "origins"); o != "" {
				for _, s := range strings.Split(o, ",") {
					if s = strings.TrimSpace(s); s != "" {
						origins = append(origins, s)
					}
				}
			}
			return runStore(cmd.Context(), cfg, addr, origins)
		},
	}
	serve.Flags().String("addr", "", "listen address (default: 127.0.0.1:<store.listen_port>)")
	serve.Flags().String("origins", "", "comma-separated origins allowed by CORS")

	cmd.AddCommand(serve)
	return cmd
}

func runStore(ctx context.Context, cfg config.Config, addr string, origins []string) error {
	fmt.Fprintf(os.Stderr, "lingua store %s\n", version)
	logger := setupLogger(cfg)

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			printWarning("closing storage: %v", err)
		}
	}()

	if cfg.Store.Token == "" {
		logger.Warn("store token not set, serving without authentication")
	}
	srv := &http.Server{
		Addr: addr,
		Handler: api.NewStoreHandler(api.StoreDeps{
			Store:   store,
			Token:   cfg.Store.Token,
			Origins: origins,
			Logger:  logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		printStatus("Listening", "http://%s/api", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the workflow to an MCP client over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				srv := api.NewMCPServer(api.MCPDeps{
					Wizard:   a.wizard,
					Versions: a.steps,
					Logger:   a.logger,
				})
				a.logger.Info("MCP server started (stdio transport)")
				err := server.NewStdioServer(srv).Listen(ctx, os.Stdin, os.Stdout)
				if err != nil && !errors.Is(err, context.Canceled) {
					return fmt.Errorf("mcp server: %w", err)
				}
				return nil
			})
		},
	}
}
