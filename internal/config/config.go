package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Settings is the full runtime configuration, assembled from the environment
// and optionally overridden by a config file (see LoadFile).
type Settings struct {
	Redis     RedisSettings     `yaml:"redis"`
	Queues    QueueSettings     `yaml:"queues"`
	Services  ServiceSettings   `yaml:"services"`
	LLM       LLMSettings       `yaml:"llm"`
	Agent     AgentSettings     `yaml:"agent"`
	Scheduler SchedulerSettings `yaml:"scheduler"`
	Extractor ExtractorSettings `yaml:"extractor"`
	Obs       ObsSettings       `yaml:"observability"`
}

type RedisSettings struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
}

// Addr returns host:port for the redis client.
func (r RedisSettings) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

type QueueSettings struct {
	ToSecretary   string        `yaml:"to_secretary"`
	ToTelegram    string        `yaml:"to_telegram"`
	ConsumerGroup string        `yaml:"consumer_group"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryWindow   time.Duration `yaml:"retry_window"` // floor 1h
	BlockTime     time.Duration `yaml:"block_time"`
	ClaimMinIdle  time.Duration `yaml:"claim_min_idle"`
	Concurrency   int           `yaml:"concurrency"`
}

type ServiceSettings struct {
	RESTBaseURL     string        `yaml:"rest_base_url"`
	RAGBaseURL      string        `yaml:"rag_base_url"`
	CalendarBaseURL string        `yaml:"calendar_base_url"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
}

type LLMSettings struct {
	Provider      string        `yaml:"provider"` // openai or anthropic
	OpenAIKey     string        `yaml:"-"`
	AnthropicKey  string        `yaml:"-"`
	TavilyKey     string        `yaml:"-"`
	ContextWindow int           `yaml:"context_window"` // 0 selects per-model default
	StepTimeout   time.Duration `yaml:"step_timeout"`
}

type AgentSettings struct {
	HistoryLimit          int           `yaml:"history_limit"`
	SummaryThreshold      float64       `yaml:"summary_threshold"`
	KeepTail              int           `yaml:"keep_tail"`
	MemorySearchLimit     int           `yaml:"memory_search_limit"`
	MemorySearchThreshold float64       `yaml:"memory_search_threshold"`
	SummaryPrompt         string        `yaml:"summary_prompt"`
	RefreshInterval       time.Duration `yaml:"refresh_interval"`
}

type SchedulerSettings struct {
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	OneTimeGrace      time.Duration `yaml:"one_time_grace"`
	RecurringGrace    time.Duration `yaml:"recurring_grace"`
}

type ExtractorSettings struct {
	Schedule         string        `yaml:"schedule"` // cron spec or @every form
	Lookback         time.Duration `yaml:"lookback"`
	ExtractionPrompt string        `yaml:"extraction_prompt"`
}

type ObsSettings struct {
	LogLevel      string `yaml:"log_level"`
	HealthAddr    string `yaml:"health_addr"`
	OTLPEndpoint  string `yaml:"-"`
	GrafanaURL    string `yaml:"-"`
	PrometheusURL string `yaml:"-"`
	LokiURL       string `yaml:"-"`
}

// FromEnv builds Settings from process environment with documented defaults.
func FromEnv() *Settings {
	s := &Settings{
		Redis: RedisSettings{
			Host:     envStr("REDIS_HOST", "localhost"),
			Port:     envInt("REDIS_PORT", 6379),
			DB:       envInt("REDIS_DB", 0),
			Password: envStr("REDIS_PASSWORD", ""),
		},
		Queues: QueueSettings{
			ToSecretary:   envStr("REDIS_QUEUE_TO_SECRETARY", "queue:to_secretary"),
			ToTelegram:    envStr("REDIS_QUEUE_TO_TELEGRAM", "queue:to_telegram"),
			ConsumerGroup: envStr("QUEUE_CONSUMER_GROUP", "secretariat"),
			MaxRetries:    envInt("MAX_RETRIES", 3),
			RetryWindow:   envDuration("RETRY_WINDOW", time.Hour),
			BlockTime:     envDuration("QUEUE_BLOCK_TIME", 5*time.Second),
			ClaimMinIdle:  envDuration("QUEUE_CLAIM_MIN_IDLE", 5*time.Minute),
			Concurrency:   envInt("QUEUE_CONCURRENCY", 4),
		},
		Services: ServiceSettings{
			RESTBaseURL:     strings.TrimRight(envStr("REST_SERVICE_URL", ""), "/"),
			RAGBaseURL:      strings.TrimRight(envStr("RAG_SERVICE_URL", ""), "/"),
			CalendarBaseURL: strings.TrimRight(envStr("CALENDAR_SERVICE_URL", ""), "/"),
			ConnectTimeout:  envDuration("HTTP_CONNECT_TIMEOUT", 5*time.Second),
			RequestTimeout:  time.Duration(envInt("HTTP_CLIENT_TIMEOUT", 30)) * time.Second,
			CacheTTL:        envDuration("SERVICE_CACHE_TTL", 5*time.Minute),
		},
		LLM: LLMSettings{
			Provider:      envStr("LLM_PROVIDER", "openai"),
			OpenAIKey:     envStr("OPENAI_API_KEY", ""),
			AnthropicKey:  envStr("ANTHROPIC_API_KEY", ""),
			TavilyKey:     envStr("TAVILY_API_KEY", ""),
			ContextWindow: envInt("LLM_CONTEXT_SIZE", 0),
			StepTimeout:   envDuration("MODEL_STEP_TIMEOUT", 60*time.Second),
		},
		Agent: AgentSettings{
			HistoryLimit:          envInt("HISTORY_LIMIT", 50),
			SummaryThreshold:      envFloat("SUMMARY_THRESHOLD", 0.6),
			KeepTail:              envInt("MESSAGES_TO_KEEP_TAIL", 5),
			MemorySearchLimit:     envInt("MEMORY_SEARCH_LIMIT", 5),
			MemorySearchThreshold: envFloat("MEMORY_SEARCH_THRESHOLD", 0.6),
			SummaryPrompt:         DefaultSummaryPrompt,
			RefreshInterval:       envDuration("FACTORY_REFRESH_INTERVAL", 10*time.Minute),
		},
		Scheduler: SchedulerSettings{
			ReconcileInterval: envDuration("SCHEDULER_RECONCILE_INTERVAL", time.Minute),
			OneTimeGrace:      5 * time.Minute,
			RecurringGrace:    time.Minute,
		},
		Extractor: ExtractorSettings{
			Schedule:         envStr("EXTRACTION_SCHEDULE", "@every 24h"),
			Lookback:         envDuration("EXTRACTION_LOOKBACK", 24*time.Hour),
			ExtractionPrompt: DefaultExtractionPrompt,
		},
		Obs: ObsSettings{
			LogLevel:      envStr("LOG_LEVEL", "info"),
			HealthAddr:    envStr("HEALTH_ADDR", ":8090"),
			OTLPEndpoint:  envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			GrafanaURL:    envStr("GRAFANA_URL", ""),
			PrometheusURL: envStr("PROMETHEUS_URL", ""),
			LokiURL:       envStr("LOKI_URL", ""),
		},
	}
	s.normalize()
	return s
}

// normalize clamps values that have hard floors.
func (s *Settings) normalize() {
	if s.Queues.RetryWindow < time.Hour {
		s.Queues.RetryWindow = time.Hour
	}
	if s.Queues.MaxRetries < 1 {
		s.Queues.MaxRetries = 1
	}
	if s.Queues.Concurrency < 1 {
		s.Queues.Concurrency = 1
	}
	if s.Agent.SummaryThreshold <= 0 || s.Agent.SummaryThreshold > 1 {
		s.Agent.SummaryThreshold = 0.6
	}
	if s.Agent.KeepTail < 0 {
		s.Agent.KeepTail = 0
	}
	if s.Agent.SummaryPrompt == "" {
		s.Agent.SummaryPrompt = DefaultSummaryPrompt
	}
	if s.Extractor.ExtractionPrompt == "" {
		s.Extractor.ExtractionPrompt = DefaultExtractionPrompt
	}
}

// Validate checks the keys every service needs to start.
func (s *Settings) Validate() error {
	if s.Services.RESTBaseURL == "" {
		return fmt.Errorf("REST_SERVICE_URL is required")
	}
	if s.Services.RAGBaseURL == "" {
		return fmt.Errorf("RAG_SERVICE_URL is required")
	}
	switch s.LLM.Provider {
	case "openai":
		if s.LLM.OpenAIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required for provider openai")
		}
	case "anthropic":
		if s.LLM.AnthropicKey == "" {
			return fmt.Errorf("ANTHROPIC_API_KEY is required for provider anthropic")
		}
	default:
		return fmt.Errorf("unknown LLM_PROVIDER %q", s.LLM.Provider)
	}
	return nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
