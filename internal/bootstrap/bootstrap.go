package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kirillkom/energy-data-assistant/internal/config"
	"github.com/kirillkom/energy-data-assistant/internal/core/domain"
	"github.com/kirillkom/energy-data-assistant/internal/core/ports"
	"github.com/kirillkom/energy-data-assistant/internal/core/usecase"
	"github.com/kirillkom/energy-data-assistant/internal/infrastructure/chunking"
	"github.com/kirillkom/energy-data-assistant/internal/infrastructure/extractor"
	"github.com/kirillkom/energy-data-assistant/internal/infrastructure/keying"
	"github.com/kirillkom/energy-data-assistant/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/energy-data-assistant/internal/infrastructure/llm/openai"
	"github.com/kirillkom/energy-data-assistant/internal/infrastructure/queue/nats"
	"github.com/kirillkom/energy-data-assistant/internal/infrastructure/repository/memory"
	"github.com/kirillkom/energy-data-assistant/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/energy-data-assistant/internal/infrastructure/resilience"
	"github.com/kirillkom/energy-data-assistant/internal/infrastructure/search/azure"
	"github.com/kirillkom/energy-data-assistant/internal/infrastructure/search/bleveindex"
	"github.com/kirillkom/energy-data-assistant/internal/infrastructure/storage/azureblob"
	"github.com/kirillkom/energy-data-assistant/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/energy-data-assistant/internal/observability/metrics"
)

type App struct {
	Config config.Config
	Role   config.Role

	Blobs  ports.BlobStore
	Index  ports.SearchIndex
	Ledger ports.IngestLedger
	Jobs   ports.JobStore
	Queue  *nats.Queue

	IngestMetrics *metrics.IngestMetrics
	HTTPMetrics   *metrics.HTTPServerMetrics

	IngestUC   *usecase.IngestUseCase
	DelegateUC *usecase.DelegateIngestUseCase
	AnswerUC   *usecase.AnswerUseCase

	closers []func()
}

// New wires the components a role needs. The queue is connected for the API
// and the worker, and for ingestion runs in delegated mode only.
func New(ctx context.Context, cfg config.Config, role config.Role, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(role); err != nil {
		return nil, err
	}

	app := &App{Config: cfg, Role: role}
	fail := func(err error) (*App, error) {
		app.Close()
		return nil, err
	}

	exec := resilience.NewExecutor(resilienceConfig(cfg), logger)

	blobs, err := newBlobStore(cfg)
	if err != nil {
		return fail(fmt.Errorf("init blob storage: %w", err))
	}
	app.Blobs = blobs

	app.Index = newIndex(cfg, exec)
	if closer, ok := app.Index.(interface{ Close() error }); ok {
		app.closers = append(app.closers, func() { _ = closer.Close() })
	}

	if err := app.openRepositories(ctx, cfg); err != nil {
		return fail(err)
	}

	if role != config.RoleIngest || cfg.IngestMode == "delegated" {
		queue, err := nats.New(cfg.NATSURL, cfg.NATSSubject, nats.Options{
			QueueGroup:         cfg.NATSQueueGroup,
			JobTimeout:         cfg.JobTimeout,
			ResilienceExecutor: exec,
			Logger:             logger,
		})
		if err != nil {
			return fail(domain.WrapError(domain.ErrSetup, "init job queue", err))
		}
		app.Queue = queue
		app.closers = append(app.closers, queue.Close)
	}

	app.IngestMetrics = metrics.NewIngestMetrics(string(role))
	if role == config.RoleAPI {
		app.HTTPMetrics = metrics.NewHTTPServerMetrics(string(role))
	}

	encoding, err := keying.ParseEncoding(cfg.KeyEncoding)
	if err != nil {
		return fail(domain.WrapError(domain.ErrSetup, "init keyer", err))
	}
	keyer := keying.New(keying.Options{
		Encoding:      encoding,
		ContentPrefix: cfg.ContentPrefix,
		WithKind:      cfg.WithKind,
	})

	schema := domain.DefaultSchema(cfg.SearchIndex, cfg.WithKind)
	app.IngestUC = usecase.NewIngestUseCase(
		app.Blobs,
		extractor.NewRegistry(),
		chunking.NewSplitter(cfg.ChunkSize),
		keyer,
		app.Index,
		app.Ledger,
		app.IngestMetrics,
		logger,
		usecase.IngestOptions{
			Container: cfg.Container,
			Workers:   cfg.Workers,
			Schema:    schema,
		},
	)

	if app.Queue != nil {
		app.DelegateUC = usecase.NewDelegateIngestUseCase(
			app.Blobs,
			app.Queue,
			app.Jobs,
			app.IngestUC,
			app.IngestMetrics,
			logger,
			usecase.DelegateOptions{
				JobsContainer:    cfg.JobsContainer,
				DefaultContainer: cfg.Container,
				Index:            cfg.SearchIndex,
				ChunkSize:        cfg.ChunkSize,
				KeyEncoding:      string(encoding),
				ContentPrefix:    cfg.ContentPrefix,
			},
		)
	}

	if role == config.RoleAPI {
		if err := app.Index.EnsureSchema(ctx, schema); err != nil {
			return fail(domain.WrapError(domain.ErrSetup, "open search index", err))
		}
		app.AnswerUC = usecase.NewAnswerUseCase(app.Index, newCompleter(cfg, exec), logger, usecase.AnswerOptions{
			Timeout:        cfg.AnswerTimeout,
			PromptTemplate: cfg.PromptTemplate,
		})
	}

	logger.Info("app_initialized",
		"role", role,
		"storage_backend", cfg.StorageBackend,
		"search_backend", cfg.SearchBackend,
		"index", cfg.SearchIndex,
		"container", cfg.Container,
		"persistent_ledger", cfg.PostgresDSN != "",
		"queue", app.Queue != nil,
	)
	return app, nil
}

// openRepositories uses postgres when a DSN is configured and process memory
// otherwise. Memory state does not survive restarts.
func (a *App) openRepositories(ctx context.Context, cfg config.Config) error {
	if cfg.PostgresDSN == "" {
		a.Ledger = memory.NewLedger()
		a.Jobs = memory.NewJobs()
		return nil
	}

	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return domain.WrapError(domain.ErrSetup, "open postgres", err)
	}
	a.closers = append(a.closers, func() { _ = db.Close() })
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		return domain.WrapError(domain.ErrSetup, "ensure ledger schema", err)
	}
	a.Ledger = postgres.NewLedgerRepository(db)
	a.Jobs = postgres.NewJobRepository(db)
	return nil
}

func newBlobStore(cfg config.Config) (ports.BlobStore, error) {
	if cfg.StorageBackend == config.StorageBackendAzure {
		return azureblob.New(azureblob.Config{
			ConnectionString: cfg.StorageConnectionString,
			Account:          cfg.StorageAccount,
			Key:              cfg.StorageKey,
			Endpoint:         cfg.StorageEndpoint,
		})
	}
	return localfs.New(cfg.StoragePath)
}

func newIndex(cfg config.Config, exec *resilience.Executor) ports.SearchIndex {
	if cfg.SearchBackend == config.SearchBackendAzure {
		return azure.New(azure.Config{
			Endpoint:    cfg.SearchEndpoint,
			Index:       cfg.SearchIndex,
			APIKey:      cfg.SearchKey,
			BearerToken: cfg.SearchToken,
			APIVersion:  cfg.SearchAPIVersion,
		}, exec)
	}
	return bleveindex.New(cfg.SearchEndpoint, bleveindex.Options{
		RRFK:        cfg.BleveRRFK,
		RerankTopN:  cfg.BleveRerankTopN,
		OpenTimeout: cfg.BleveOpenTimeout,
	})
}

func newCompleter(cfg config.Config, exec *resilience.Executor) ports.Completer {
	switch cfg.LLMProvider {
	case config.LLMProviderAzure, config.LLMProviderOpenAI:
		flavor := openai.FlavorAzure
		if cfg.LLMProvider == config.LLMProviderOpenAI {
			flavor = openai.FlavorOpenAI
		}
		return openai.New(openai.Config{
			Flavor:     flavor,
			Endpoint:   cfg.LLMEndpoint,
			Deployment: cfg.LLMDeployment,
			Model:      cfg.LLMModel,
			APIKey:     cfg.LLMAPIKey,
			APIVersion: cfg.LLMAPIVersion,
		}, exec)
	default:
		return ollama.New(cfg.LLMEndpoint, cfg.LLMModel, exec)
	}
}

func resilienceConfig(cfg config.Config) resilience.Config {
	rc := resilience.DefaultConfig()
	rc.RetryMaxAttempts = cfg.RetryMaxAttempts
	rc.RetryInitialBackoff = cfg.RetryInitialBackoff
	rc.RetryMaxBackoff = cfg.RetryMaxBackoff
	rc.BreakerEnabled = cfg.BreakerEnabled
	rc.BreakerOpenTimeout = cfg.BreakerOpenTimeout
	return rc
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
