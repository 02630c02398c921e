package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/llmtrace/gateway/internal/abtest"
	"github.com/llmtrace/gateway/internal/alerting"
	"github.com/llmtrace/gateway/internal/analytics"
	"github.com/llmtrace/gateway/internal/api"
	"github.com/llmtrace/gateway/internal/auth"
	"github.com/llmtrace/gateway/internal/cache"
	"github.com/llmtrace/gateway/internal/config"
	"github.com/llmtrace/gateway/internal/database"
	"github.com/llmtrace/gateway/internal/evaluation"
	"github.com/llmtrace/gateway/internal/events"
	"github.com/llmtrace/gateway/internal/metrics"
	"github.com/llmtrace/gateway/internal/provider"
	"github.com/llmtrace/gateway/internal/ratelimit"
	"github.com/llmtrace/gateway/internal/trace"
)

func main() {
	// .env is a dev convenience; deployments use real env vars.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("GATEWAY_CONFIG"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	log.Println("🔥 Starting LLM gateway...")

	m := metrics.New()

	// ------------------------------------------------------------------
	// System of record: projects, keys, rule sets, semantic cache rows.
	// ------------------------------------------------------------------
	supa, err := database.NewSupabaseClient(cfg.Supabase.URL, cfg.Supabase.ServiceKey)
	if err != nil {
		log.Fatalf("supabase: %v", err)
	}
	resolver := auth.NewResolver(supa)

	// ------------------------------------------------------------------
	// Counters + exact cache share the Redis instance. The gateway still
	// boots without one: both fall back to in-process state.
	// ------------------------------------------------------------------
	var kv ratelimit.KV
	var redisClient *redis.Client
	if cfg.KV.URL != "" {
		rkv, kerr := ratelimit.NewRedisKV(cfg.KV.URL, cfg.KV.Token)
		if kerr != nil {
			log.Printf("⚠️ Redis unavailable, using in-memory counters: %v", kerr)
			kv = ratelimit.NewMemoryKV()
		} else {
			kv = rkv
			if opts, perr := redis.ParseURL(cfg.KV.URL); perr == nil {
				if cfg.KV.Token != "" {
					opts.Password = cfg.KV.Token
				}
				redisClient = redis.NewClient(opts)
			}
		}
	} else {
		log.Println("⚠️ no KV configured, using in-memory counters")
		kv = ratelimit.NewMemoryKV()
	}
	limiter := ratelimit.NewLimiter(kv, m)
	exact := cache.NewExactCache(redisClient, time.Duration(cfg.Cache.TTLSeconds)*time.Second, m)

	var semantic *cache.SemanticCache
	if cfg.Cache.Semantic.Enabled {
		embedder := cache.NewOpenAIEmbedder(
			cfg.Providers.OpenAI.BaseURL,
			cfg.Providers.OpenAI.APIKey,
			cfg.Cache.Semantic.EmbeddingModel,
		)
		semantic = cache.NewSemanticCache(embedder, supa,
			cfg.Cache.Semantic.Threshold, cfg.Cache.Semantic.MaxPerPartition, m)
		// Lookups already skip expired entries; the sweeper just reclaims
		// the memory behind them.
		go func() {
			ticker := time.NewTicker(5 * time.Minute)
			defer ticker.Stop()
			for range ticker.C {
				if n := semantic.PurgeExpired(); n > 0 {
					log.Printf("purged %d expired semantic cache entries", n)
				}
			}
		}()
	}

	// ------------------------------------------------------------------
	// Upstream dispatch.
	// ------------------------------------------------------------------
	registry := provider.NewRegistry(
		provider.NewOpenAIClient(cfg.Providers.OpenAI.BaseURL, cfg.Providers.OpenAI.APIKey, nil),
		provider.NewAnthropicClient(cfg.Providers.Anthropic.BaseURL, cfg.Providers.Anthropic.APIKey, nil),
		provider.NewGroqClient(cfg.Providers.Groq.BaseURL, cfg.Providers.Groq.APIKey, nil),
	)
	dispatcher := provider.NewDispatcher(registry, cfg.DispatchTimeout(), cfg.Dispatcher.Retries, m)

	// ------------------------------------------------------------------
	// Async fan-out: usage pipeline, evaluation runner, alerting, traces.
	// ------------------------------------------------------------------
	sink := buildSink(cfg)
	pipeline := analytics.NewPipeline(sink,
		cfg.Observability.Queue.BatchSize,
		cfg.Observability.Queue.MaxInFlight,
		cfg.BatchInterval(), m)

	slack := alerting.NewClient()
	alerts := evaluation.NewAlertManager(slack, m)
	evalStore := evaluation.NewStore(supa)
	runner := evaluation.NewRunner(evalStore, alerts, cfg.Observability.Queue.MaxInFlight, nil, m)

	traces := trace.NewStore(cfg.Stores.SnapshotCapacity, cfg.Stores.ModificationCapacity)
	eventStore := events.NewStore(0)

	server := api.NewServer(api.Deps{
		Resolver:   resolver,
		Limiter:    limiter,
		ABRouter:   abtest.NewRouter(),
		Exact:      exact,
		Semantic:   semantic,
		Dispatcher: dispatcher,
		Pipeline:   pipeline,
		EvalStore:  evalStore,
		Runner:     runner,
		Slack:      slack,
		Traces:     traces,
		Events:     eventStore,
		Metrics:    m,
	})

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      server.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streams stay open past any fixed deadline
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("🚀 gateway listening on :%s (%s)", cfg.Server.Port, cfg.Server.Env)
		if serr := httpServer.ListenAndServe(); serr != nil && serr != http.ErrServerClosed {
			log.Fatalf("server: %v", serr)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Println("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if serr := httpServer.Shutdown(ctx); serr != nil {
		log.Printf("⚠️ http shutdown: %v", serr)
	}
	// Drain the async queues so buffered usage rows and evaluations land.
	if perr := pipeline.Shutdown(ctx); perr != nil {
		log.Printf("⚠️ pipeline drain: %v", perr)
	}
	if rerr := runner.Shutdown(ctx); rerr != nil {
		log.Printf("⚠️ evaluation drain: %v", rerr)
	}
	log.Println("done")
}

// buildSink picks the warehouse backend, falling back to stdout when the
// configured one cannot be reached.
func buildSink(cfg *config.Config) analytics.Sink {
	switch cfg.Warehouse.Kind {
	case "postgres":
		sink, err := analytics.NewPostgresSink(cfg.Warehouse.PostgresDSN)
		if err != nil {
			log.Printf("⚠️ postgres sink unavailable, falling back to stdout: %v", err)
			return analytics.NewStdoutSink()
		}
		return sink
	case "pubsub":
		sink, err := analytics.NewPubSubSink(context.Background(), cfg.Warehouse.GCPProject, cfg.Warehouse.PubSubTopic)
		if err != nil {
			log.Printf("⚠️ pubsub sink unavailable, falling back to stdout: %v", err)
			return analytics.NewStdoutSink()
		}
		return sink
	default:
		return analytics.NewStdoutSink()
	}
}
