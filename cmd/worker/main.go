package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"ordercall/internal/ai"
	"ordercall/internal/campaign"
	"ordercall/internal/config"
	"ordercall/internal/convo"
	"ordercall/internal/db"
	"ordercall/internal/recommend"
	"ordercall/internal/store/rabbitmq"
	"ordercall/internal/synthflow"
)

type jobMsg struct {
	JobID string `json:"job_id"`
}

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)
	store := convo.NewStore(gdb)
	jobs := campaign.NewJobStore(gdb)

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
	provider, err := reg.Get(context.Background(), cfg.AIProvider, model)
	if err != nil {
		log.Fatalf("ai provider: %v", err)
	}

	calls := synthflow.NewClient(cfg.SynthflowBaseURL, cfg.SynthflowAPIKey)
	orch := campaign.NewOrchestrator(store, calls, recommend.NewSummarizer(provider), campaign.Config{
		ModelID:           cfg.SynthflowModelID,
		PollInterval:      time.Duration(cfg.CallPollIntervalSeconds) * time.Second,
		MaxPollIterations: cfg.CallPollMaxIterations,
	})

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("rabbit dial: %v", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatalf("rabbit channel: %v", err)
	}
	defer ch.Close()

	if err := rabbitmq.DeclareQueues(ch, cfg.RabbitQueue); err != nil {
		log.Fatalf("queue declare: %v", err)
	}

	concurrency := workerConcurrency()

	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatalf("qos: %v", err)
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatalf("consume: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("worker started, queue=%s concurrency=%d", cfg.RabbitQueue, concurrency)

	// worker pool
	deliveries := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range deliveries {
				var m jobMsg
				if err := json.Unmarshal(d.Body, &m); err != nil || m.JobID == "" {
					log.Printf("worker=%d bad message: %v", workerID, err)
					_ = d.Nack(false, false)
					continue
				}

				start := time.Now()
				if err := handleJob(ctx, orch, jobs, m.JobID); err != nil {
					log.Printf("worker=%d job %s failed cost=%s err=%v", workerID, m.JobID, time.Since(start), err)
					_ = d.Nack(false, false)
					continue
				}

				if err := d.Ack(false); err != nil {
					log.Printf("worker=%d ack failed job=%s err=%v", workerID, m.JobID, err)
				}
			}
		}(i)
	}

	for {
		select {
		case <-ctx.Done():
			log.Printf("worker shutting down")
			close(deliveries)
			wg.Wait()
			drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := orch.Polls().Drain(drainCtx); err != nil {
				log.Printf("poll sessions still in flight at shutdown: %v", err)
			}
			return

		case d, ok := <-msgs:
			if !ok {
				log.Printf("delivery channel closed")
				time.Sleep(1 * time.Second)
				continue
			}
			deliveries <- d
		}
	}
}

// handleJob runs one campaign. Per-vendor placement failures are business
// data inside the result list, so the job still succeeds; only fetch or
// summarize errors fail it.
func handleJob(ctx context.Context, orch *campaign.Orchestrator, jobs *campaign.JobStore, jobID string) error {
	_ = jobs.MarkRunning(ctx, jobID)

	j, err := jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}

	results, err := orch.ExecuteCalls(ctx, j.TaskID)
	if err != nil {
		_ = jobs.MarkFailed(ctx, jobID, err.Error())
		return err
	}

	if err := jobs.MarkSucceeded(ctx, jobID, campaign.ResultList(results)); err != nil {
		return err
	}
	return nil
}
