package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/notecoder/internal/api"
	"github.com/kalambet/notecoder/internal/boost"
	"github.com/kalambet/notecoder/internal/config"
	"github.com/kalambet/notecoder/internal/embedding"
	"github.com/kalambet/notecoder/internal/export"
	"github.com/kalambet/notecoder/internal/ingest"
	"github.com/kalambet/notecoder/internal/llm"
	"github.com/kalambet/notecoder/internal/pipeline"
	"github.com/kalambet/notecoder/internal/prompt"
	"github.com/kalambet/notecoder/internal/proxy"
	"github.com/kalambet/notecoder/internal/retrieval"
	"github.com/kalambet/notecoder/internal/storage"
	"github.com/kalambet/notecoder/internal/suggest"
)

const cachePurgeInterval = time.Hour

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the notecoder server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools on stdio")
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running notecoder server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show notecoder system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "notecoder.pid")
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

func newLogger(level string) *slog.Logger {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}

// newEmbeddingProvider builds the configured provider. Ollama is checked and
// the model pulled if needed.
func newEmbeddingProvider(ctx context.Context, cfg config.Config) (embedding.Provider, error) {
	switch cfg.Embedding.Provider {
	case "http":
		return embedding.NewHTTPProvider(cfg.Embedding.URL), nil
	default:
		p := embedding.NewOllamaProvider(cfg.Embedding.OllamaBaseURL, cfg.Embedding.Model)
		if err := p.EnsureModel(ctx, os.Stderr); err != nil {
			return nil, err
		}
		return p, nil
	}
}

// openCorpus returns the configured corpus and a function releasing it.
func openCorpus(ctx context.Context, cfg config.Config, store *storage.Store, logger *slog.Logger) (retrieval.Corpus, func(), error) {
	if cfg.Corpus.Backend != "postgres" {
		return retrieval.NewSQLiteCorpus(store), func() {}, nil
	}
	pg, err := retrieval.OpenPostgres(ctx, cfg.Corpus.PostgresDSN, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, nil, err
	}
	return pg, pg.Close, nil
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "notecoder version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	if cfg.Server.APIToken == "" {
		slog.Warn("no API token configured; HTTP API is unauthenticated")
	}

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("notecoder is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("notecoder is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := newEmbeddingProvider(ctx, cfg)
	if err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	corpus, closeCorpus, err := openCorpus(ctx, cfg, store, logger)
	if err != nil {
		return fmt.Errorf("opening corpus: %w", err)
	}
	defer closeCorpus()

	// Build the suggestion pipeline.
	embedder := embedding.NewResolver(provider, store, cfg.EmbeddingCacheTTL(), logger)
	window := time.Duration(cfg.Retrieval.WindowDays) * 24 * time.Hour
	proxyClient := proxy.NewClientWithBaseURL(cfg.LLM.OpenRouterAPIKey, cfg.LLM.BaseURL).WithReferer(cfg.Server.SiteURL)

	coder := pipeline.NewCoder(pipeline.Deps{
		Store:     store,
		Embedder:  embedder,
		Corpus:    corpus,
		Retriever: retrieval.NewRetriever(corpus, cfg.Retrieval.Limit, window),
		Scorer:    boost.NewScorer(boost.ParseVisitTypeTarget(cfg.Boost.VisitTypeTarget)),
		Resolver: prompt.NewResolver(prompt.Config{
			TopK:            cfg.Prompt.TopK,
			StrongThreshold: cfg.Prompt.StrongThreshold,
			MinScore:        cfg.Prompt.MinScore,
		}),
		Invoker: llm.NewInvoker(proxyClient, llm.Config{
			Model:       cfg.LLM.Model,
			Timeout:     cfg.LLMTimeout(),
			Temperature: cfg.LLM.Temperature,
		}, logger),
		Governor: suggest.NewGovernor(store, cfg.LLM.FallbackAttempts, logger),
		Logger:   logger,
	}, pipeline.Options{
		PromptCap:           cfg.Retrieval.PromptCap,
		DefaultProviderID:   cfg.Provider.DefaultID,
		DefaultProviderName: cfg.Provider.DefaultName,
	})

	handler := api.NewAppHandler(api.AppDeps{
		Store:    store,
		Coder:    coder,
		Importer: ingest.NewImporter(store, logger),
		Exporter: export.NewExporter(store, logger),
		Token:    cfg.Server.APIToken,
		Logger:   logger,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start embedding backfill worker.
	worker := ingest.NewWorker(store, embedder, corpus, 500*time.Millisecond, logger)
	go worker.Run(ctx)

	go purgeCacheLoop(ctx, store, logger)

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Coder: coder, Quarantine: store}, version)
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "notecoder listening on %s\n", addr)
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

func purgeCacheLoop(ctx context.Context, store *storage.Store, logger *slog.Logger) {
	t := time.NewTicker(cachePurgeInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := store.PurgeExpiredEmbeddings(ctx)
			if err != nil {
				logger.Warn("embedding cache purge failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("purged expired embeddings", "count", n)
			}
		}
	}
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
		printError("notecoder is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop notecoder (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to notecoder (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	client := &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token:      cfg.Server.APIToken,
		httpClient: &http.Client{Timeout: 2 * time.Second},
	}

	running := false
	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Embeddings", "%s (%s)", cfg.Embedding.Provider, cfg.Embedding.Model)
	printStatus("Model", "%s", cfg.LLM.Model)
	printStatus("Corpus", "%s", cfg.Corpus.Backend)

	if running {
		qResp, err := client.get(ctx, "/quarantine?limit=100")
		if err == nil {
			var entries []struct {
				ID string `json:"id"`
			}
			if decodeJSON(qResp, &entries) == nil {
				printStatus("Quarantined", "%s", countLabel(len(entries), 100))
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}
