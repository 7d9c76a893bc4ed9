package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gwi.com/persona-assistant/internal/api"
	"gwi.com/persona-assistant/internal/config"
	"gwi.com/persona-assistant/internal/core"
	"gwi.com/persona-assistant/internal/observability"
	"gwi.com/persona-assistant/internal/store"
	"gwi.com/persona-assistant/internal/utils"
)

func main() {
	if err := run(); err != nil {
		observability.Logger().Error("service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ingestPath := flag.String("ingest", "", "Load documents from a markdown file and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := observability.Setup(os.Stdout, cfg.SlogLevel())
	log.Debug("service starting in DEBUG mode")

	counter, err := newTokenCounter(cfg)
	if err != nil {
		return err
	}

	dbStore, err := store.NewSQLiteStore(cfg.DatabaseURL, counter)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbStore.Close()

	if *ingestPath != "" {
		log.Info("starting document ingestion", "path", *ingestPath)
		n, err := dbStore.IngestFile(context.Background(), *ingestPath)
		if err != nil {
			return fmt.Errorf("document ingestion failed: %w", err)
		}
		log.Info("document ingestion complete", "documents", n)
		return nil
	}

	backend, closeBackend, err := newBackend(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer closeBackend()

	composer, err := core.NewPromptComposer(counter, cfg.MaxInputTokens, cfg.SafetyMargin)
	if err != nil {
		return err
	}
	sessions, err := core.NewSessionManager(dbStore, dbStore, composer,
		core.NewResilientBackend(backend, cfg.BackendMaxRetries, cfg.BackendRateLimit),
		cfg.BackendTimeout,
	)
	if err != nil {
		return err
	}

	apiHandler := api.NewAPIHandler(dbStore, sessions)
	router := api.NewRouter(apiHandler, cfg.CORSAllowedOrigins, cfg.BackendTimeout+10*time.Second)

	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.BackendTimeout + 15*time.Second, // chat turns wait on the backend
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("starting server", "addr", serverAddr, "backend", cfg.LLMBackend, "tokenizer", cfg.Tokenizer)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("could not listen on %s: %w", serverAddr, err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return err
	case <-quit:
	}
	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server exited gracefully")
	return nil
}

func newTokenCounter(cfg *config.Config) (utils.TokenCounter, error) {
	if cfg.Tokenizer == config.TokenizerTiktoken {
		return utils.NewTiktokenCounter(cfg.TiktokenEncoding)
	}
	return utils.EstimateCounter{}, nil
}

func newBackend(ctx context.Context, cfg *config.Config) (core.Backend, func(), error) {
	noop := func() {}
	switch cfg.LLMBackend {
	case config.BackendGemini:
		b, err := core.NewGeminiBackend(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.LLMTemperature)
		if err != nil {
			return nil, noop, err
		}
		return b, func() {
			if err := b.Close(); err != nil {
				observability.Logger().Warn("failed to close backend", "error", err)
			}
		}, nil
	case config.BackendOpenAI:
		b, err := core.NewOpenAIBackend(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.LLMTemperature,
			core.WithOpenAIBaseURL(cfg.OpenAIBaseURL))
		if err != nil {
			return nil, noop, err
		}
		return b, noop, nil
	default:
		return core.NewEchoBackend(), noop, nil
	}
}
