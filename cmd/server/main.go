package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/suPer8Hu/debug-collab/internal/ai"
	"github.com/suPer8Hu/debug-collab/internal/analysis"
	"github.com/suPer8Hu/debug-collab/internal/collab"
	"github.com/suPer8Hu/debug-collab/internal/config"
	"github.com/suPer8Hu/debug-collab/internal/db"
	"github.com/suPer8Hu/debug-collab/internal/history"
	"github.com/suPer8Hu/debug-collab/internal/httpapi"
	"github.com/suPer8Hu/debug-collab/internal/httpapi/handlers"
	"github.com/suPer8Hu/debug-collab/internal/ledger"
	"github.com/suPer8Hu/debug-collab/internal/persist"
	"github.com/suPer8Hu/debug-collab/internal/store/rabbitmq"
	"github.com/suPer8Hu/debug-collab/internal/store/redisstore"
)

func providers(cfg config.Config) *ai.Registry {
	reg := ai.NewRegistry()

	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, m), nil
	})

	reg.Register("openrouter", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OpenRouterModel
		}
		return ai.NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, m,
			cfg.OpenRouterSiteURL, cfg.OpenRouterAppName), nil
	})

	return reg
}

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDriver, cfg.DBDSN)
	historyRepo := history.NewRepo(gdb)
	led := ledger.New(gdb)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	aiReg := providers(cfg)
	provider, err := aiReg.Get(ctx, cfg.AIProvider, "")
	if err != nil {
		log.Fatalf("unsupported AI_PROVIDER=%q (available: %s): %v", cfg.AIProvider, strings.Join(aiReg.Names(), ", "), err)
	}
	var gateway analysis.Gateway = analysis.NewLLMGateway(provider)

	var rds *redisstore.Store
	if cfg.AnalysisCacheTTL > 0 {
		rds = redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := rds.Ping(pctx); err != nil {
			// cache misses fall through to the provider; keep serving
			log.Printf("redis ping failed addr=%s err=%v", cfg.RedisAddr, err)
		}
		cancel()
		gateway = analysis.NewCachedGateway(gateway, rds, cfg.AnalysisCacheTTL)
	}

	var (
		handler   persist.Handler
		publisher *rabbitmq.Publisher
	)
	switch cfg.PersistBackend {
	case "", "local":
		handler = persist.NewStore(historyRepo, led).Apply
	case "rabbitmq":
		publisher, err = rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			log.Fatalf("rabbit publisher: %v", err)
		}
		handler = publisher.Publish
	default:
		log.Fatalf("unsupported PERSIST_BACKEND=%q", cfg.PersistBackend)
	}
	queue := persist.NewQueue(cfg.PersistQueueSize, cfg.PersistWorkers, handler)

	registry := collab.NewRegistry()
	engine := collab.NewEngine(registry, gateway, queue, cfg.AnalyzeTimeout)

	go registry.RunReaper(ctx, cfg.SessionIdleTimeout, time.Minute)

	h := handlers.NewHandler(cfg, handlers.Deps{
		Engine:   engine,
		Gateway:  gateway,
		Recorder: queue,
		History:  historyRepo,
		Ledger:   led,
	})
	r := httpapi.NewRouter(cfg, h)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("server listening addr=%s ai_provider=%s persist=%s", cfg.HTTPAddr, cfg.AIProvider, cfg.PersistBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("server shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Printf("http shutdown: %v", err)
	}

	// hijacked websockets are not tracked by Shutdown
	n := registry.CloseAll()
	log.Printf("closed %d websocket connections", n)

	queue.Close()
	if publisher != nil {
		_ = publisher.Close()
	}
	if rds != nil {
		_ = rds.Close()
	}
}
