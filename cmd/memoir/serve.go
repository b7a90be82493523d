package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/aransky/memoir/internal/api"
	"github.com/aransky/memoir/internal/config"
	"github.com/aransky/memoir/internal/embedder"
	"github.com/aransky/memoir/internal/engine"
	"github.com/aransky/memoir/internal/llm"
	"github.com/aransky/memoir/internal/query"
	"github.com/aransky/memoir/internal/storage"
	"github.com/aransky/memoir/internal/vector"
	"github.com/aransky/memoir/internal/worker"
)

var serveMCP bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the memoir server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveMCP, "mcp", false, "also serve MCP tools on stdio")
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The inference engine hosts both the embedding model and, when
	// configured, the local LLM.
	eng := engine.New(cfg.Embedding.BaseURL)
	if !eng.IsRunning(ctx) {
		slog.Warn("inference engine is not reachable; ingest and search will fail until it is", "url", cfg.Embedding.BaseURL)
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	emb := embedder.Spawn(eng, embedder.Config{
		Model:     cfg.Embedding.Model,
		Dimension: cfg.Embedding.Dimension,
		MaxLength: cfg.Embedding.MaxLength,
		Stride:    cfg.Embedding.Stride,
	})
	defer emb.Close()

	var model llm.LLM
	if cfg.LLM.OpenAIAPIKey != "" {
		model = llm.NewOpenAIClient(cfg.LLM.OpenAIAPIKey)
	} else {
		model = llm.NewLocalClient(eng, cfg.LLM.LocalModel)
	}

	registry := vector.NewRegistry(cfg.Vector.URI, vector.Config{Dimension: cfg.Embedding.Dimension})

	// Scheduler and worker pool share the active-task limit.
	limits := worker.NewLimits(cfg.Worker.MaxActive)
	scheduler := worker.NewScheduler(store, limits, cfg.Worker.TickInterval, cfg.Worker.Lease)
	pool := worker.New(store, emb, worker.RegistryStores{Registry: registry}, model, limits)

	go scheduler.Run(ctx)
	workersDone := make(chan struct{})
	go func() {
		pool.Run(scheduler.Dispatch())
		close(workersDone)
	}()

	querySvc := query.New(emb, store, registry)

	deps := api.Deps{
		Version: version,
		Store:   store,
		Query:   querySvc,
		Vectors: registry,
		Ask: func(askCtx context.Context, text, question, schemaJSON string) ([]byte, error) {
			return worker.ExtractAnswer(askCtx, model, text, question, schemaJSON)
		},
		IsClientErr: worker.IsClientError,
	}

	if serveMCP {
		stdioSrv := mcpserver.NewStdioServer(api.NewMCPServer(deps))
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: api.NewHandler(deps),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("memoir listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// The scheduler has stopped claiming; wait for in-flight tasks to
	// finish updating the queue.
	select {
	case <-workersDone:
	case <-time.After(30 * time.Second):
		slog.Warn("timed out waiting for in-flight tasks")
	}
	return nil
}
