package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/secretariat-ai/secretariat/internal/config"
	"github.com/secretariat-ai/secretariat/internal/dataplane"
	"github.com/secretariat-ai/secretariat/internal/infra"
	"github.com/secretariat-ai/secretariat/internal/llm"
	"github.com/secretariat-ai/secretariat/internal/observability"
	"github.com/secretariat-ai/secretariat/internal/queue"
	"github.com/secretariat-ai/secretariat/internal/tools"
)

// runtime is the shared wiring every service role starts from: settings,
// logging, metrics, redis, the queue client and the data plane clients.
type runtime struct {
	settings *config.Settings
	logger   *observability.Logger
	metrics  *observability.Metrics
	registry *prometheus.Registry

	rdb      *redis.Client
	queues   *queue.Client
	rest     *dataplane.REST
	rag      *dataplane.RAG
	calendar *dataplane.Calendar

	health   *observability.HealthServer
	shutdown *infra.ShutdownCoordinator
	tracer   *observability.Tracer
}

// newRuntime assembles the shared stack for one service role.
func newRuntime(ctx context.Context, service string) (*runtime, error) {
	settings := config.FromEnv()
	if flagConfig != "" {
		overrides, err := config.LoadFile(flagConfig)
		if err != nil {
			return nil, err
		}
		overrides.Apply(settings)
	}
	if flagLogLevel != "" {
		settings.Obs.LogLevel = flagLogLevel
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:   settings.Obs.LogLevel,
		Service: service,
	})
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)

	tracer, tracerShutdown := observability.NewTracer(ctx, observability.TraceConfig{
		ServiceName: "secretariat-" + service,
		Endpoint:    settings.Obs.OTLPEndpoint,
		Insecure:    true,
	})

	rdb := redis.NewClient(&redis.Options{
		Addr:     settings.Redis.Addr(),
		Password: settings.Redis.Password,
		DB:       settings.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", settings.Redis.Addr(), err)
	}

	queues := queue.New(rdb, logger, metrics, settings.Queues.RetryWindow)

	httpOpts := dataplane.Options{
		ConnectTimeout: settings.Services.ConnectTimeout,
		RequestTimeout: settings.Services.RequestTimeout,
	}
	cache := dataplane.NewRedisCache(rdb, "dpcache", settings.Services.CacheTTL, logger, metrics)
	rest := dataplane.NewREST(
		dataplane.NewClient("rest", settings.Services.RESTBaseURL, httpOpts, logger, metrics),
		cache, logger)
	rag := dataplane.NewRAG(
		dataplane.NewClient("rag", settings.Services.RAGBaseURL, httpOpts, logger, metrics))

	var calendar *dataplane.Calendar
	if settings.Services.CalendarBaseURL != "" {
		calendar = dataplane.NewCalendar(
			dataplane.NewClient("calendar", settings.Services.CalendarBaseURL, httpOpts, logger, metrics))
	}

	health := observability.NewHealthServer(settings.Obs.HealthAddr, registry, logger)
	health.AddCheck("redis", func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	})
	health.AddCheck("rest", rest.Health)
	health.AddCheck("rag", rag.Health)

	shutdown := infra.NewShutdownCoordinator(30*time.Second, logger.Slog())
	shutdown.Register("health", infra.PhaseDrain, func(ctx context.Context) error {
		health.Shutdown(ctx)
		return nil
	})
	shutdown.Register("redis", infra.PhaseConnections, func(context.Context) error {
		return rdb.Close()
	})
	shutdown.Register("tracer", infra.PhaseConnections, tracerShutdown)

	return &runtime{
		settings: settings,
		logger:   logger,
		metrics:  metrics,
		registry: registry,
		rdb:      rdb,
		queues:   queues,
		rest:     rest,
		rag:      rag,
		calendar: calendar,
		health:   health,
		shutdown: shutdown,
		tracer:   tracer,
	}, nil
}

// providers builds the configured model providers. The active one comes
// first; the other is still registered when its key is present so mixed
// assistant fleets work.
func (rt *runtime) providers() (*llm.Registry, []llm.BatchProvider, error) {
	var completion []llm.Provider
	var batch []llm.BatchProvider

	if rt.settings.LLM.OpenAIKey != "" {
		completion = append(completion, llm.NewOpenAIProvider(rt.settings.LLM.OpenAIKey, "", rt.metrics))
		batch = append(batch, llm.NewOpenAIBatchProvider(rt.settings.LLM.OpenAIKey, ""))
	}
	if rt.settings.LLM.AnthropicKey != "" {
		completion = append(completion, llm.NewAnthropicProvider(rt.settings.LLM.AnthropicKey, rt.metrics))
	}
	if len(completion) == 0 {
		return nil, nil, fmt.Errorf("no LLM provider configured")
	}
	return llm.NewRegistry(completion...), batch, nil
}

// toolDeps wires the tool factory's external services.
func (rt *runtime) toolDeps() tools.Deps {
	deps := tools.Deps{
		Reminders: rt.rest,
		Memories:  rt.rag,
		Logger:    rt.logger,
		Metrics:   rt.metrics,
	}
	if rt.calendar != nil {
		deps.Calendar = rt.calendar
	}
	if rt.settings.LLM.TavilyKey != "" {
		deps.Search = tools.NewTavilyClient(rt.settings.LLM.TavilyKey)
	}
	return deps
}

// watchOverrides hot-reloads the prompt/tuning overrides file when one was
// given. Connection settings never reload; see config.FileOverrides.
func (rt *runtime) watchOverrides(ctx context.Context, onReload func(*config.FileOverrides)) {
	if flagConfig == "" {
		return
	}
	go func() {
		if err := config.Watch(ctx, flagConfig, rt.logger.Slog(), onReload); err != nil {
			rt.logger.Warn(ctx, "config watch failed", "error", err)
		}
	}()
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
