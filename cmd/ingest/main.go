package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/kirillkom/energy-data-assistant/internal/adapters/cli"
	"github.com/kirillkom/energy-data-assistant/internal/bootstrap"
	"github.com/kirillkom/energy-data-assistant/internal/config"
	"github.com/kirillkom/energy-data-assistant/internal/core/domain"
	"github.com/kirillkom/energy-data-assistant/internal/core/usecase"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := cli.NewRootCommand(defaultFlags(cfg), func(ctx context.Context, flags cli.Flags, logger *slog.Logger) (cli.Pipeline, func(), error) {
		app, err := bootstrap.New(ctx, withFlags(cfg, flags), config.RoleIngest, logger)
		if err != nil {
			return nil, nil, err
		}
		return pipeline{IngestUseCase: app.IngestUC, delegate: app.DelegateUC}, app.Close, nil
	})
	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func defaultFlags(cfg config.Config) cli.Flags {
	return cli.Flags{
		StorageBackend: cfg.StorageBackend,
		StoragePath:    cfg.StoragePath,
		StorageAccount: cfg.StorageAccount,
		StorageKey:     cfg.StorageKey,
		Container:      cfg.Container,
		SearchBackend:  cfg.SearchBackend,
		SearchEndpoint: cfg.SearchEndpoint,
		Index:          cfg.SearchIndex,
		SearchKey:      cfg.SearchKey,
		Mode:           cfg.IngestMode,
		Workers:        cfg.Workers,
		ChunkSize:      cfg.ChunkSize,
		KeyEncoding:    cfg.KeyEncoding,
	}
}

func withFlags(cfg config.Config, flags cli.Flags) config.Config {
	cfg.StorageBackend = flags.StorageBackend
	cfg.StoragePath = flags.StoragePath
	cfg.StorageAccount = flags.StorageAccount
	cfg.StorageKey = flags.StorageKey
	cfg.Container = flags.Container
	cfg.SearchBackend = flags.SearchBackend
	cfg.SearchEndpoint = flags.SearchEndpoint
	cfg.SearchIndex = flags.Index
	cfg.SearchKey = flags.SearchKey
	cfg.IngestMode = flags.Mode
	cfg.Workers = flags.Workers
	cfg.ChunkSize = flags.ChunkSize
	cfg.KeyEncoding = flags.KeyEncoding
	return cfg
}

type pipeline struct {
	*usecase.IngestUseCase
	delegate *usecase.DelegateIngestUseCase
}

func (p pipeline) Submit(ctx context.Context, req domain.ContainerRequest) (*domain.JobTicket, error) {
	if p.delegate == nil {
		return nil, domain.WrapError(domain.ErrSetup, "submit job", errors.New("job queue is not configured"))
	}
	return p.delegate.Submit(ctx, req)
}
