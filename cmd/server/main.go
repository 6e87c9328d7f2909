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

	"ordercall/internal/agent"
	"ordercall/internal/ai"
	"ordercall/internal/campaign"
	"ordercall/internal/config"
	"ordercall/internal/convo"
	"ordercall/internal/db"
	"ordercall/internal/httpapi"
	"ordercall/internal/httpapi/handlers"
	"ordercall/internal/recommend"
	"ordercall/internal/store/rabbitmq"
	"ordercall/internal/store/redisstore"
	"ordercall/internal/synthflow"
)

func buildProvider(ctx context.Context, cfg config.Config) ai.Provider {
	reg := ai.NewRegistry()
	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, model), nil
	})
	reg.Register("openrouter", func(ctx context.Context, model string) (ai.Provider, error) {
		return ai.NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey,
			model, cfg.OpenRouterSiteURL, cfg.OpenRouterAppName), nil
	})

	model := cfg.OllamaModel
	if cfg.AIProvider == "openrouter" {
		model = cfg.OpenRouterModel
	}
	p, err := reg.Get(ctx, cfg.AIProvider, model)
	if err != nil {
		log.Fatalf("ai provider: %v", err)
	}
	return p
}

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)
	store := convo.NewStore(gdb)
	jobs := campaign.NewJobStore(gdb)

	provider := buildProvider(context.Background(), cfg)
	engine := recommend.NewEngine(provider)
	summarizer := recommend.NewSummarizer(provider)

	sessionTTL := time.Duration(cfg.SessionTTLSeconds) * time.Second
	var sessions agent.SessionStore
	redisSessions := redisstore.NewSessionStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, sessionTTL)
	if err := redisSessions.Ping(context.Background()); err != nil {
		log.Printf("redis unavailable (%v), using in-memory session store", err)
		sessions = agent.NewMemorySessionStore(sessionTTL)
	} else {
		sessions = redisSessions
		defer redisSessions.Close()
	}

	agentSvc := agent.NewService(sessions, provider, engine, store)

	calls := synthflow.NewClient(cfg.SynthflowBaseURL, cfg.SynthflowAPIKey)
	orch := campaign.NewOrchestrator(store, calls, summarizer, campaign.Config{
		ModelID:           cfg.SynthflowModelID,
		PollInterval:      time.Duration(cfg.CallPollIntervalSeconds) * time.Second,
		MaxPollIterations: cfg.CallPollMaxIterations,
	})

	var rabbit *rabbitmq.Publisher
	if p, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue); err != nil {
		log.Printf("rabbitmq unavailable (%v), async campaign path disabled", err)
	} else {
		rabbit = p
		defer rabbit.Close()
	}

	h := handlers.NewHandler(cfg, agentSvc, orch, jobs, store, rabbit)
	router := httpapi.NewRouter(h)

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{Addr: addr, Handler: router}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	if err := orch.Polls().Drain(shutdownCtx); err != nil {
		log.Printf("poll sessions still in flight at shutdown: %v", err)
	}
}
