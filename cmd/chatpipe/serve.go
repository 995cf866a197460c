package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	cfgpkg "github.com/nextlevelbuilder/chatpipe/internal/config"
	"github.com/nextlevelbuilder/chatpipe/internal/mcp"
	"github.com/nextlevelbuilder/chatpipe/internal/store/sqlite"
	"github.com/nextlevelbuilder/chatpipe/internal/tools"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat pipeline server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	if verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	raw, err := loadConfigFile(resolveConfigPath())
	if err != nil {
		return err
	}

	cfg := cfgpkg.New()
	if v, ok := raw["database_path"].(string); ok {
		cfg.DatabasePath = v
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "chatpipe.db"
	}
	if v, ok := raw["blobs_dir"].(string); ok {
		cfg.BlobsDir = v
	}
	if cfg.BlobsDir == "" {
		cfg.BlobsDir = "blobs"
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := sqlite.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	registry := tools.NewRegistry()

	mcpManager := mcp.NewManager(registry, cfg.MCPServers)
	if err := mcpManager.Start(ctx); err != nil {
		slog.Warn("chatpipe.mcp_start_partial_failure", "error", err)
	}
	defer mcpManager.Stop()

	slog.Info("chatpipe.serve.ready", "database", cfg.DatabasePath, "blobs_dir", cfg.BlobsDir)

	<-ctx.Done()
	slog.Info("chatpipe.serve.shutdown")
	return nil
}
