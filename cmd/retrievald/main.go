// Retrievald is the tenant vector retrieval service.
//
// It stores, searches and deletes per-tenant embeddings across a primary
// Qdrant index and a relational SQLite fallback, exposing the engine over
// HTTP.
//
// Usage:
//
//	# Start with defaults
//	retrievald
//
//	# Configure via file and environment
//	retrievald -config /etc/retrievald/config.yaml
//	SERVER_PORT=9090 QDRANT_HOST=qdrant.internal retrievald
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/brieflyhq/retrieval/internal/config"
	"github.com/brieflyhq/retrieval/internal/embeddings"
	"github.com/brieflyhq/retrieval/internal/logging"
	"github.com/brieflyhq/retrieval/internal/retrieval"
	"github.com/brieflyhq/retrieval/internal/server"
	"github.com/brieflyhq/retrieval/internal/vectorstore"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  retrievald           Start the retrieval service\n")
			fmt.Fprintf(os.Stderr, "  retrievald version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("retrievald\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires configuration, backends, engine and HTTP server, then blocks
// until the context is cancelled.
func run(ctx context.Context, configPath string) error {
	// Local development convenience; absence of a .env file is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting retrievald",
		zap.String("version", version),
		zap.Bool("primary_enabled", cfg.Retrieval.PrimaryEnabled),
		zap.String("fallback_path", cfg.Fallback.Path))

	fallback, err := vectorstore.NewSQLiteStore(vectorstore.SQLiteConfig{
		Path: cfg.Fallback.Path,
	})
	if err != nil {
		return fmt.Errorf("initializing fallback store: %w", err)
	}

	var primary vectorstore.Backend
	if cfg.Retrieval.PrimaryEnabled {
		qdrantStore, err := vectorstore.NewQdrantStore(vectorstore.QdrantConfig{
			Host:       cfg.Qdrant.Host,
			Port:       cfg.Qdrant.Port,
			APIKey:     cfg.Qdrant.APIKey,
			UseTLS:     cfg.Qdrant.UseTLS,
			VectorSize: uint64(cfg.Qdrant.VectorSize),
		})
		if err != nil {
			return fmt.Errorf("initializing primary store: %w", err)
		}
		primary = qdrantStore
		logger.Info("primary backend connected",
			zap.String("host", cfg.Qdrant.Host),
			zap.Int("port", cfg.Qdrant.Port))
	} else {
		logger.Warn("primary backend disabled, running fallback-only")
	}

	engine, err := retrieval.NewEngine(primary, fallback, logger, retrieval.Options{
		PrimaryEnabled: cfg.Retrieval.PrimaryEnabled,
		Threshold:      cfg.Retrieval.Threshold,
		Limit:          cfg.Retrieval.Limit,
		Overfetch:      cfg.Retrieval.Overfetch,
		DualWrite:      cfg.Retrieval.DualWrite,
		Dimensions:     cfg.Embeddings.Dimensions,
	})
	if err != nil {
		return fmt.Errorf("initializing engine: %w", err)
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Warn("closing engine", zap.Error(err))
		}
	}()

	var embedder embeddings.Embedder
	if cfg.Embeddings.APIKey != "" {
		embedder, err = embeddings.NewOpenAIEmbedder(embeddings.Config{
			APIKey:     cfg.Embeddings.APIKey,
			BaseURL:    cfg.Embeddings.BaseURL,
			Model:      cfg.Embeddings.Model,
			Dimensions: cfg.Embeddings.Dimensions,
		})
		if err != nil {
			return fmt.Errorf("initializing embedder: %w", err)
		}
	} else {
		logger.Warn("no embeddings api key configured, requests must carry vectors")
	}

	srv, err := server.NewServer(engine, embedder, logger, server.Config{
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("initializing http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}
