package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/hollisfrank/mnemo/internal/config"
	"github.com/hollisfrank/mnemo/internal/engine"
	"github.com/hollisfrank/mnemo/internal/server"
	"github.com/hollisfrank/mnemo/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	eng := engine.New(db, cfg, logger)
	emb := buildEmbedder(cfg, logger)
	if emb != nil {
		eng.SetEmbedder(emb)

		// Backfill vectors for records stored while no embedder was up.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			for _, c := range []store.Collection{store.Memories, store.Knowledge} {
				if n, err := eng.EmbedMissing(ctx, c, 1000); err != nil {
					logger.Warn("embed backfill failed", "collection", c.Name, "err", err)
				} else if n > 0 {
					logger.Info("embedded missing records", "collection", c.Name, "count", n)
				}
			}
		}()
	}

	srv := server.New(db, eng, logger, VersionString())
	addr := cfg.ListenAddr()

	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("mnemo serving", "addr", addr, "db", db.Path)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", "err", err)
		}
	}()

	<-done
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return httpServer.Shutdown(ctx)
}

func newLogger(cfg config.Config) *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
	})
	if lvl, err := log.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(lvl)
	}
	return logger
}

func openStore(cfg config.Config) (*store.DB, error) {
	dbPath := config.ExpandPath(cfg.Database.Path)
	if dbPath == "" {
		var err error
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return nil, fmt.Errorf("resolve db path: %w", err)
		}
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// buildEmbedder picks the configured provider, falling back to the hashing
// embedder when the real model is unreachable. The result is wrapped in the
// ristretto cache so repeated queries embed once.
func buildEmbedder(cfg config.Config, logger *log.Logger) engine.Embedder {
	var emb engine.Embedder

	switch cfg.Embedding.Provider {
	case "none":
		return nil
	case "onnx":
		onnx, err := newONNXEmbedder(cfg.Embedding)
		if err != nil {
			logger.Warn("onnx embedder unavailable, falling back to hashing", "err", err)
			emb = engine.NewHashingEmbedder(cfg.Embedding.Dimensions)
		} else {
			emb = onnx
		}
	default: // "ollama"
		if engine.ProbeOllama(cfg.Embedding.OllamaURL, cfg.Embedding.Model) {
			emb = engine.NewOllamaEmbedder(cfg.Embedding.OllamaURL, cfg.Embedding.Model, cfg.Embedding.Dimensions)
		} else {
			logger.Warn("ollama unreachable, falling back to hashing embedder",
				"url", cfg.Embedding.OllamaURL, "model", cfg.Embedding.Model)
			emb = engine.NewHashingEmbedder(cfg.Embedding.Dimensions)
		}
	}

	cached, err := engine.NewCachedEmbedder(emb, cfg.Embedding.CacheSize)
	if err != nil {
		logger.Warn("embed cache init failed, running uncached", "err", err)
		return emb
	}
	logger.Info("embedder ready", "model", cached.Model())
	return cached
}
