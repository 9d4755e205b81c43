package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/pal/internal/api"
	"github.com/kalambet/pal/internal/attachments"
	"github.com/kalambet/pal/internal/composer"
	"github.com/kalambet/pal/internal/config"
	"github.com/kalambet/pal/internal/engine"
	"github.com/kalambet/pal/internal/ingest"
	"github.com/kalambet/pal/internal/memory"
	"github.com/kalambet/pal/internal/personality"
	"github.com/kalambet/pal/internal/pipeline"
	"github.com/kalambet/pal/internal/recorder"
	"github.com/kalambet/pal/internal/retrieval"
	"github.com/kalambet/pal/internal/router"
	"github.com/kalambet/pal/internal/search"
	"github.com/kalambet/pal/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"start"},
	Short:   "Start the pal server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running pal server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pal system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the MCP tools over stdio",
	Long: `Serve the MCP tools over stdio for MCP clients that launch pal as a
subprocess. The same tools are available over HTTP at /mcp while "pal serve"
is running.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCPStdio(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "pal.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func setupLogging(level string) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(level)})))
}

// app holds the wired components shared by the HTTP server and the stdio MCP
// server.
type app struct {
	store  *storage.Store
	cache  search.Cache
	worker *ingest.Worker
	deps   api.Deps
}

func (a *app) Close() {
	if c, ok := a.cache.(io.Closer); ok {
		if err := c.Close(); err != nil {
			slog.Warn("closing search cache", "error", err)
		}
	}
	if err := a.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
	}
}

// buildApp detects the inference engine, makes sure the models are present
// and wires the ask pipeline. Progress goes to progress.
func buildApp(ctx context.Context, cfg config.Config, progress io.Writer) (*app, error) {
	eng, err := engine.Detect(engine.DetectConfig{
		Provider:      cfg.Model.Provider,
		OllamaBaseURL: cfg.Ollama.BaseURL,
		OpenAIBaseURL: cfg.OpenAI.BaseURL,
		OpenAIAPIKey:  cfg.OpenAI.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("detecting inference engine: %w", err)
	}
	if err := engine.EnsureReady(ctx, eng, progress, cfg.Model.TextModel, cfg.Model.EmbedModel); err != nil {
		return nil, err
	}
	if cfg.Model.VisionModel != "" && !eng.HasModel(ctx, cfg.Model.VisionModel) {
		slog.Warn("vision model not available; questions with images will fail", "model", cfg.Model.VisionModel)
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	blobs, err := attachments.NewBlobStore(filepath.Join(cfg.Storage.DataDir, "uploads"))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("opening upload directory: %w", err)
	}

	cache, err := search.NewCache(ctx, cfg.Search.RedisURL, cfg.Search.CacheTTL)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("connecting search cache: %w", err)
	}
	searcher := search.NewClient(search.Config{
		Endpoint:   cfg.Search.Endpoint,
		APIKey:     cfg.Search.APIKey,
		MaxResults: cfg.Search.MaxResults,
		Depth:      cfg.Search.Depth,
		Timeout:    cfg.Search.Timeout,
		FetchPages: cfg.Search.FetchPages,
	}, cache)
	if cfg.Search.APIKey == "" {
		slog.Warn("search.api_key is not set; web search is disabled")
	}

	embedder := retrieval.NewEmbedder(eng, cfg.Model.EmbedModel)
	memories := memory.NewStore(retrieval.NewSQLiteStore(store.DB()), embedder, store)
	personalities := personality.NewManager(memories)

	model := router.New(
		engine.Generator{Engine: eng, Model: cfg.Model.TextModel},
		engine.Generator{Engine: eng, Model: cfg.Model.VisionModel},
		cfg.Model.Timeout,
	)

	orch := pipeline.New(pipeline.Deps{
		Memory:   memories,
		Search:   searcher,
		Composer: composer.New(0),
		Model:    model,
		Recorder: recorder.New(store, memories, personalities),
		Blobs:    blobs,
		TopK:     cfg.Memory.TopK,
	})

	deps := api.Deps{
		Orchestrator:  orch,
		Memory:        memories,
		History:       store,
		Personalities: personalities,
		Blobs:         blobs,
		Token:         cfg.API.Token,
	}
	if c, ok := cache.(api.Clearer); ok {
		deps.SearchCache = c
	}

	return &app{
		store:  store,
		cache:  cache,
		worker: ingest.NewWorker(store, memories, 500*time.Millisecond),
		deps:   deps,
	}, nil
}

func runServer(ctx context.Context) error {
	fmt.Fprintf(os.Stderr, "pal version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	// Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("pal is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("pal is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	a, err := buildApp(ctx, cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.API.Token == "" {
		slog.Warn("api.token is not set; the API accepts unauthenticated requests")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: api.NewHandler(a.deps),
	}

	// Start background embedding worker.
	go a.worker.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "pal listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// runMCPStdio serves MCP over stdin/stdout. Everything else, including model
// pull progress, goes to stderr.
func runMCPStdio(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	a, err := buildApp(ctx, cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	go a.worker.Run(ctx)

	stdioSrv := server.NewStdioServer(api.NewMCPServer(a.deps))
	slog.Info("MCP server started (stdio transport)")
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("pal is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop pal (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to pal (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still exit cleanly so scripts can call status unconditionally.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	httpClient := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := httpClient.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	eng, err := engine.Detect(engine.DetectConfig{
		Provider:      cfg.Model.Provider,
		OllamaBaseURL: cfg.Ollama.BaseURL,
		OpenAIBaseURL: cfg.OpenAI.BaseURL,
		OpenAIAPIKey:  cfg.OpenAI.APIKey,
	})
	switch {
	case err != nil:
		printStatus("Engine", "%v", err)
	case eng.IsRunning(ctx):
		printStatus("Engine", "%s reachable", cfg.Model.Provider)
	default:
		printStatus("Engine", "%s not reachable", cfg.Model.Provider)
	}

	printStatus("Text model", "%s", cfg.Model.TextModel)
	printStatus("Vision model", "%s", cfg.Model.VisionModel)
	printStatus("Embed model", "%s", cfg.Model.EmbedModel)
	if cfg.Search.APIKey == "" {
		printStatus("Web search", "disabled (no API key)")
	} else {
		printStatus("Web search", "enabled")
	}

	if running {
		client := &apiClient{baseURL: serverURL, token: cfg.API.Token, httpClient: httpClient}
		if page, err := fetchHistory(ctx, client, 1, 0); err == nil {
			printStatus("Interactions", "%d", page.Total)
		}
		if recs, err := fetchMemories(ctx, client); err == nil {
			printStatus("Memories", "%d", len(recs))
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
