// Package main implements the CampusChat API server: authentication,
// chat management, upload registration, and the answer entry point over
// the retrieval engine.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"

	"github.com/CampusChat/campuschat/engine/chunk"
	"github.com/CampusChat/campuschat/engine/corpus"
	"github.com/CampusChat/campuschat/engine/domain"
	"github.com/CampusChat/campuschat/engine/extract"
	"github.com/CampusChat/campuschat/engine/qa"
	"github.com/CampusChat/campuschat/pkg/chatstore"
	"github.com/CampusChat/campuschat/pkg/config"
	"github.com/CampusChat/campuschat/pkg/metrics"
	"github.com/CampusChat/campuschat/pkg/mid"
	"github.com/CampusChat/campuschat/pkg/ollama"
	"github.com/CampusChat/campuschat/pkg/resilience"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(envOr("CONFIG_PATH", "config.yaml"))
	if err != nil {
		logger.Error("config load failed", "err", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.New()

	store, err := chatstore.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	// --- Model service gateways ---
	embedder := ollama.NewEmbedClient(cfg.Ollama.BaseURL, cfg.Ollama.EmbedModel,
		resilience.NewLimiter(resilience.LimiterOpts{Rate: cfg.Ollama.EmbedRate, Burst: cfg.Ollama.EmbedBurst}))
	chatClient := ollama.NewChatClient(cfg.Ollama.BaseURL, cfg.Ollama.ChatModel,
		resilience.NewBreaker(resilience.DefaultBreakerOpts))

	// --- Retrieval engine ---
	strategy, err := domain.ParseChunkStrategy(cfg.Corpus.Strategy)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	defaultMode, err := domain.ParseSearchMode(cfg.Corpus.SearchMode)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	chunker := chunk.New(chunk.Config{
		FixedSize:        cfg.Chunking.FixedSize,
		FixedOverlap:     cfg.Chunking.FixedOverlap,
		RecursiveSize:    cfg.Chunking.RecursiveSize,
		RecursiveOverlap: cfg.Chunking.RecursiveOverlap,
		SemanticClusters: cfg.Chunking.SemanticClusters,
	}, embedder, logger)

	manager := corpus.New(corpus.Config{
		DocsDir:   cfg.Corpus.DocsDir,
		IndexPath: cfg.Corpus.IndexPath,
		Strategy:  strategy,
		RetrieveK: cfg.Corpus.RetrieveK,
	}, embedder, chunker, extract.NewText(), reg, logger)

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("corpus startup: %w", err)
	}

	pipeline := qa.New(&generatorAdapter{chat: chatClient},
		qa.Options{GenerationTimeout: cfg.GenerationTimeout.Std()}, logger)

	// --- Optional NATS for reindex requests ---
	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = nats.Connect(cfg.NATS.URL, nats.Name("campuschat-api"))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Close()
	}

	srv := newServer(store, manager, pipeline, nc, reg, logger, serverOptions{
		defaultStrategy: strategy,
		defaultMode:     defaultMode,
	})

	handler := mid.Chain(srv.routes(),
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(cfg.HTTP.CORSOrigin),
		mid.OTel("campuschat-api"),
	)

	httpSrv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute, // answer requests wait on generation
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "addr", cfg.HTTP.Addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutCtx)
}

// generatorAdapter bridges the Ollama chat client to the qa.Generator
// interface.
type generatorAdapter struct {
	chat *ollama.ChatClient
}

func (a *generatorAdapter) Chat(ctx context.Context, msgs []qa.Message) (string, error) {
	converted := make([]ollama.Message, len(msgs))
	for i, m := range msgs {
		converted[i] = ollama.Message{Role: m.Role, Content: m.Content}
	}
	return a.chat.Chat(ctx, converted)
}
