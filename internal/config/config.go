package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kirillkom/energy-data-assistant/internal/core/domain"
)

type Role string

const (
	RoleAPI    Role = "api"
	RoleWorker Role = "worker"
	RoleIngest Role = "ingest"
)

const (
	StorageBackendLocal = "local"
	StorageBackendAzure = "azure"

	SearchBackendBleve = "bleve"
	SearchBackendAzure = "azure"

	LLMProviderAzure  = "azure"
	LLMProviderOpenAI = "openai"
	LLMProviderOllama = "ollama"
)

type Config struct {
	LogLevel string

	StorageBackend          string
	StoragePath             string
	StorageConnectionString string
	StorageAccount          string
	StorageKey              string
	StorageEndpoint         string
	Container               string
	JobsContainer           string

	SearchBackend    string
	SearchEndpoint   string
	SearchIndex      string
	SearchKey        string
	SearchToken      string
	SearchAPIVersion string
	BleveRRFK        int
	BleveRerankTopN  int
	BleveOpenTimeout time.Duration

	LLMProvider   string
	LLMEndpoint   string
	LLMAPIKey     string
	LLMDeployment string
	LLMModel      string
	LLMAPIVersion string

	PostgresDSN string

	NATSURL        string
	NATSSubject    string
	NATSQueueGroup string
	JobTimeout     time.Duration

	IngestMode    string
	Workers       int
	ChunkSize     int
	KeyEncoding   string
	ContentPrefix bool
	WithKind      bool

	APIPort          string
	RateLimitRPS     float64
	RateLimitBurst   int
	MaxInFlight      int
	BackpressureWait time.Duration
	AnswerTimeout    time.Duration
	PromptTemplate   string

	WorkerMetricsPort string

	RetryMaxAttempts    int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration
	BreakerEnabled      bool
	BreakerOpenTimeout  time.Duration
}

func Load() Config {
	return Config{
		LogLevel: mustEnv("LOG_LEVEL", "info"),

		StorageBackend:          strings.ToLower(mustEnv("STORAGE_BACKEND", StorageBackendLocal)),
		StoragePath:             mustEnv("STORAGE_PATH", "./data/storage"),
		StorageConnectionString: mustEnv("AZURE_STORAGE_CONNECTION_STRING", ""),
		StorageAccount:          mustEnv("AZURE_STORAGE_ACCOUNT", ""),
		StorageKey:              mustEnv("AZURE_STORAGE_KEY", ""),
		StorageEndpoint:         mustEnv("AZURE_STORAGE_ENDPOINT", ""),
		Container:               mustEnv("AZURE_STORAGE_NAME", "content"),
		JobsContainer:           mustEnv("JOBS_CONTAINER", "jobs"),

		SearchBackend:    strings.ToLower(mustEnv("SEARCH_BACKEND", SearchBackendBleve)),
		SearchEndpoint:   mustEnv("COGNITIVE_SEARCH_INSTANCE_URL", "./data/index"),
		SearchIndex:      mustEnv("COGNITIVE_SEARCH_INDEX_NAME", "energy-data"),
		SearchKey:        mustEnv("COGNITIVE_SEARCH_KEY", ""),
		SearchToken:      mustEnv("COGNITIVE_SEARCH_TOKEN", ""),
		SearchAPIVersion: mustEnv("COGNITIVE_SEARCH_API_VERSION", ""),
		BleveRRFK:        mustEnvInt("BLEVE_RRF_K", 60),
		BleveRerankTopN:  mustEnvInt("BLEVE_RERANK_TOP_N", 20),
		BleveOpenTimeout: mustEnvDuration("BLEVE_OPEN_TIMEOUT", 2*time.Second),

		LLMProvider:   strings.ToLower(mustEnv("LLM_PROVIDER", LLMProviderOllama)),
		LLMEndpoint:   mustEnv("LLM_ENDPOINT", "http://localhost:11434"),
		LLMAPIKey:     mustEnv("LLM_API_KEY", ""),
		LLMDeployment: mustEnv("LLM_DEPLOYMENT", "davinci"),
		LLMModel:      mustEnv("LLM_MODEL", "llama3.1:8b"),
		LLMAPIVersion: mustEnv("LLM_API_VERSION", ""),

		PostgresDSN: mustEnv("POSTGRES_DSN", ""),

		NATSURL:        mustEnv("NATS_URL", "nats://localhost:4222"),
		NATSSubject:    mustEnv("NATS_SUBJECT", "ingest.jobs"),
		NATSQueueGroup: mustEnv("NATS_QUEUE_GROUP", "ingest-workers"),
		JobTimeout:     mustEnvDuration("JOB_TIMEOUT", 2*time.Hour),

		IngestMode:    strings.ToLower(mustEnv("INGEST_MODE", "local")),
		Workers:       mustEnvInt("INGEST_WORKERS", 0),
		ChunkSize:     mustEnvInt("CHUNK_SIZE", 800),
		KeyEncoding:   strings.ToLower(mustEnv("KEY_ENCODING", "colon")),
		ContentPrefix: mustEnvBool("CONTENT_ID_PREFIX", true),
		WithKind:      mustEnvBool("INDEX_WITH_KIND", false),

		APIPort:          mustEnv("API_PORT", "8080"),
		RateLimitRPS:     mustEnvFloat("API_RATE_LIMIT_RPS", 0),
		RateLimitBurst:   mustEnvInt("API_RATE_LIMIT_BURST", 0),
		MaxInFlight:      mustEnvInt("API_MAX_IN_FLIGHT", 0),
		BackpressureWait: mustEnvDuration("API_BACKPRESSURE_WAIT", 250*time.Millisecond),
		AnswerTimeout:    mustEnvDuration("ANSWER_TIMEOUT", 60*time.Second),
		PromptTemplate:   mustEnv("PROMPT_TEMPLATE", ""),

		WorkerMetricsPort: mustEnv("WORKER_METRICS_PORT", "9090"),

		RetryMaxAttempts:    mustEnvInt("RETRY_MAX_ATTEMPTS", 4),
		RetryInitialBackoff: mustEnvDuration("RETRY_INITIAL_BACKOFF", 250*time.Millisecond),
		RetryMaxBackoff:     mustEnvDuration("RETRY_MAX_BACKOFF", 2*time.Second),
		BreakerEnabled:      mustEnvBool("BREAKER_ENABLED", true),
		BreakerOpenTimeout:  mustEnvDuration("BREAKER_OPEN_TIMEOUT", 20*time.Second),
	}
}

// Validate checks the settings the given process role depends on.
func (c Config) Validate(role Role) error {
	var errs []error
	switch c.StorageBackend {
	case StorageBackendLocal:
		if c.StoragePath == "" {
			errs = append(errs, errors.New("storage path is required"))
		}
	case StorageBackendAzure:
		if c.StorageConnectionString == "" && (c.StorageAccount == "" || c.StorageKey == "") {
			errs = append(errs, errors.New("storage connection string or account and key are required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.StorageBackend))
	}

	switch c.SearchBackend {
	case SearchBackendBleve:
		if c.SearchEndpoint == "" {
			errs = append(errs, errors.New("bleve index directory is required"))
		}
	case SearchBackendAzure:
		if !strings.HasPrefix(c.SearchEndpoint, "http://") && !strings.HasPrefix(c.SearchEndpoint, "https://") {
			errs = append(errs, fmt.Errorf("search endpoint %q is not a URL", c.SearchEndpoint))
		}
		if c.SearchKey == "" && c.SearchToken == "" {
			errs = append(errs, errors.New("search key or token is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown search backend %q", c.SearchBackend))
	}
	if c.SearchIndex == "" {
		errs = append(errs, errors.New("search index name is required"))
	}

	switch role {
	case RoleAPI:
		switch c.LLMProvider {
		case LLMProviderAzure, LLMProviderOpenAI, LLMProviderOllama:
		default:
			errs = append(errs, fmt.Errorf("unknown llm provider %q", c.LLMProvider))
		}
		if c.LLMEndpoint == "" {
			errs = append(errs, errors.New("llm endpoint is required"))
		}
	case RoleWorker, RoleIngest:
		if c.ChunkSize <= 0 {
			errs = append(errs, fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize))
		}
		if c.KeyEncoding != "colon" && c.KeyEncoding != "base64" {
			errs = append(errs, fmt.Errorf("unknown key encoding %q", c.KeyEncoding))
		}
		if c.IngestMode != "local" && c.IngestMode != "delegated" {
			errs = append(errs, fmt.Errorf("unknown ingest mode %q", c.IngestMode))
		}
	}
	if role == RoleWorker && c.NATSURL == "" {
		errs = append(errs, errors.New("nats url is required"))
	}

	if len(errs) > 0 {
		return domain.WrapError(domain.ErrSetup, "validate config", errors.Join(errs...))
	}
	return nil
}

func mustEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func mustEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func mustEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return n
}

func mustEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

// mustEnvDuration accepts Go durations ("90s") and bare seconds ("90").
func mustEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
