// Package main implements the admin index maintenance tool. It rebuilds
// the persisted admin index from the admin documents directory, either
// once (-rebuild), on NATS rebuild requests, or when the documents
// directory changes (-watch).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"

	"github.com/CampusChat/campuschat/engine/chunk"
	"github.com/CampusChat/campuschat/engine/corpus"
	"github.com/CampusChat/campuschat/engine/domain"
	"github.com/CampusChat/campuschat/engine/extract"
	"github.com/CampusChat/campuschat/pkg/config"
	"github.com/CampusChat/campuschat/pkg/fn"
	"github.com/CampusChat/campuschat/pkg/metrics"
	"github.com/CampusChat/campuschat/pkg/natsutil"
	"github.com/CampusChat/campuschat/pkg/ollama"
	"github.com/CampusChat/campuschat/pkg/resilience"
)

// debounceWindow coalesces bursts of filesystem events into one rebuild.
const debounceWindow = 2 * time.Second

func main() {
	_ = godotenv.Load()

	rebuildOnce := flag.Bool("rebuild", false, "rebuild the admin index once and exit")
	watch := flag.Bool("watch", false, "watch the admin docs directory and rebuild on change")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(envOr("CONFIG_PATH", "config.yaml"))
	if err != nil {
		logger.Error("config load failed", "err", err)
		os.Exit(1)
	}

	if err := run(cfg, *rebuildOnce, *watch, logger); err != nil {
		logger.Error("indexer exited with error", "err", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func run(cfg config.Config, rebuildOnce, watch bool, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	strategy, err := domain.ParseChunkStrategy(cfg.Corpus.Strategy)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	embedder := ollama.NewEmbedClient(cfg.Ollama.BaseURL, cfg.Ollama.EmbedModel,
		resilience.NewLimiter(resilience.LimiterOpts{Rate: cfg.Ollama.EmbedRate, Burst: cfg.Ollama.EmbedBurst}))

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
	}, embedder, chunker, extract.NewText(), metrics.New(), logger)

	rebuild := func(ctx context.Context, reason string) error {
		logger.Info("rebuilding admin index", "reason", reason)
		_, err := fn.Retry(ctx, fn.RetryOpts{MaxAttempts: 3, InitialWait: 2 * time.Second, MaxWait: 30 * time.Second, Jitter: true},
			func(ctx context.Context) fn.Result[struct{}] {
				if err := manager.Rebuild(ctx); err != nil {
					logger.Warn("rebuild attempt failed", "err", err)
					return fn.Err[struct{}](err)
				}
				return fn.Ok(struct{}{})
			}).Unwrap()
		return err
	}

	if rebuildOnce {
		return rebuild(ctx, "command line")
	}

	if cfg.NATS.URL == "" && !watch {
		return fmt.Errorf("nothing to do: set -rebuild, -watch, or NATS_URL")
	}

	// Serialize rebuilds across triggers.
	var rebuildMu sync.Mutex
	triggered := func(ctx context.Context, reason string) {
		rebuildMu.Lock()
		defer rebuildMu.Unlock()
		if err := rebuild(ctx, reason); err != nil {
			logger.Error("rebuild failed", "reason", reason, "err", err)
		}
	}

	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("campuschat-indexer"))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Close()

		sub, err := subscribeRebuild(nc, func(evCtx context.Context, ev corpus.RebuildEvent) {
			triggered(evCtx, "nats: "+ev.Reason)
		})
		if err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}
		defer sub.Unsubscribe()
		logger.Info("listening for rebuild requests", "subject", corpus.SubjectRebuild)
	}

	if watch {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("fsnotify: %w", err)
		}
		defer watcher.Close()
		if err := watcher.Add(cfg.Corpus.DocsDir); err != nil {
			return fmt.Errorf("watch %s: %w", cfg.Corpus.DocsDir, err)
		}
		go watchLoop(ctx, watcher, logger, func() { triggered(ctx, "docs changed") })
		logger.Info("watching admin docs", "dir", cfg.Corpus.DocsDir)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")
	return nil
}

func subscribeRebuild(nc *nats.Conn, handler func(context.Context, corpus.RebuildEvent)) (*nats.Subscription, error) {
	return natsutil.Subscribe(nc, corpus.SubjectRebuild, handler)
}

// watchLoop debounces filesystem events: editors and sync tools produce
// bursts of writes for a single logical change.
func watchLoop(ctx context.Context, watcher *fsnotify.Watcher, logger *slog.Logger, rebuild func()) {
	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceWindow, rebuild)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("watcher error", "err", err)
		}
	}
}
