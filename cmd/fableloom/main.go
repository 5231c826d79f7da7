package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/antoniostano/fableloom/internal/config"
	"github.com/antoniostano/fableloom/internal/engine"
	"github.com/antoniostano/fableloom/internal/game"
	"github.com/antoniostano/fableloom/internal/httpapi"
	"github.com/antoniostano/fableloom/internal/observability"
	"github.com/antoniostano/fableloom/internal/storygen"
)

func main() {
	// Optional .env for local development; deployments set the environment
	// directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := game.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("session store init failed: %v", err)
	}
	defer store.Close()
	log.Printf("session store: %s", cfg.StoreMode())

	genCfg := storygen.Config{
		Mode:                cfg.GeneratorMode,
		HFEndpointURL:       cfg.HFEndpointURL,
		HFToken:             cfg.HFToken,
		HFModel:             cfg.HFModel,
		HFMaxNewTokens:      cfg.HFMaxNewTokens,
		HFTemperature:       cfg.HFTemperature,
		HFTopP:              cfg.HFTopP,
		HFRepetitionPenalty: cfg.HFRepetitionPenalty,
		GeminiAPIKey:        cfg.GeminiAPIKey,
		GeminiModel:         cfg.GeminiModel,
		CLIPath:             cfg.NarratorCLIPath,
	}
	generator, err := storygen.NewGenerator(ctx, genCfg)
	if err != nil {
		log.Fatalf("story generator init failed: %v", err)
	}

	// Best-effort cleanup for backend clients (gemini, etc).
	if c, ok := generator.(interface{ Close() error }); ok {
		defer c.Close()
	}

	// Ensure API handlers report which backend is active (settings, onboarding).
	resolvedMode := storygen.ResolvedMode(genCfg)
	cfg.GeneratorMode = resolvedMode
	log.Printf("story generator: %s", resolvedMode)

	sessions := game.NewManager(game.SubmitPolicy(cfg.SubmitPolicy), cfg.QueueDepth, cfg.SessionIdleTimeout)
	sessions.SetStore(store)

	narrator := engine.New(engine.Config{
		TurnTimeout:    cfg.TurnTimeout,
		HistoryWindow:  cfg.HistoryWindow,
		MaxActionChars: cfg.MaxActionChars,
		Provider:       resolvedMode,
	}, sessions, generator, metrics)
	sessions.SetExpireHook(narrator.OnSessionExpired)

	api := httpapi.New(cfg, sessions, narrator, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, 15*time.Second)

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
