package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/kirillkom/energy-data-assistant/internal/core/domain"
	"github.com/kirillkom/energy-data-assistant/internal/core/ports"
)

const (
	DefaultJobsContainer = "jobs"

	AsyncIndexingNotice = "Indexing runs in the background and may take several minutes. " +
		"Searches issued before it finishes can see a partially populated index."
)

// DelegateOptions pins the pipeline settings a manifest is produced with.
// A worker running different settings refuses the job.
type DelegateOptions struct {
	JobsContainer    string
	DefaultContainer string
	Index            string
	ChunkSize        int
	KeyEncoding      string
	ContentPrefix    bool
}

// DelegateIngestUseCase hands container ingestion to remote workers through a
// versioned YAML manifest and a job queue.
type DelegateIngestUseCase struct {
	blobs    ports.BlobStore
	queue    ports.JobQueue
	jobs     ports.JobStore
	ingestor ports.ContainerIngestor
	observer ports.IngestObserver
	logger   *slog.Logger
	opts     DelegateOptions
	now      func() time.Time
}

// NewDelegateIngestUseCase builds the submitter and the worker side. ingestor
// may be nil on processes that only submit.
func NewDelegateIngestUseCase(
	blobs ports.BlobStore,
	queue ports.JobQueue,
	jobs ports.JobStore,
	ingestor ports.ContainerIngestor,
	observer ports.IngestObserver,
	logger *slog.Logger,
	opts DelegateOptions,
) *DelegateIngestUseCase {
	if opts.JobsContainer == "" {
		opts.JobsContainer = DefaultJobsContainer
	}
	if observer == nil {
		observer = noopObserver{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &DelegateIngestUseCase{
		blobs:    blobs,
		queue:    queue,
		jobs:     jobs,
		ingestor: ingestor,
		observer: observer,
		logger:   logger,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func manifestName(jobID string) string {
	return jobID + ".yaml"
}

// Submit returns as soon as the job is queued; it never waits for indexing.
func (uc *DelegateIngestUseCase) Submit(ctx context.Context, req domain.ContainerRequest) (*domain.JobTicket, error) {
	container := req.Container
	if container == "" {
		container = uc.opts.DefaultContainer
	}
	if container == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "submit job", errors.New("container is required"))
	}

	now := uc.now()
	manifest := domain.JobManifest{
		Version:       domain.JobManifestVersion,
		ID:            uuid.NewString(),
		Container:     container,
		Prefix:        req.Prefix,
		Index:         uc.opts.Index,
		ChunkSize:     uc.opts.ChunkSize,
		KeyEncoding:   uc.opts.KeyEncoding,
		ContentPrefix: uc.opts.ContentPrefix,
		Category:      req.Category,
		Force:         req.Force,
		CreatedAt:     now,
	}
	raw, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal job manifest: %w", err)
	}

	if err := uc.blobs.EnsureContainer(ctx, uc.opts.JobsContainer); err != nil {
		return nil, domain.WrapError(domain.ErrSetup, "ensure jobs container", err)
	}
	name := manifestName(manifest.ID)
	if err := uc.blobs.Upload(ctx, uc.opts.JobsContainer, name, bytes.NewReader(raw), false); err != nil {
		return nil, fmt.Errorf("store job manifest: %w", err)
	}
	if err := uc.jobs.CreateJob(ctx, domain.JobStatus{
		ID:        manifest.ID,
		State:     domain.JobQueued,
		Container: container,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("create job status: %w", err)
	}
	if err := uc.queue.PublishJob(ctx, manifest.ID); err != nil {
		uc.finish(ctx, manifest.ID, nil, err)
		return nil, fmt.Errorf("publish job: %w", err)
	}

	uc.logger.Info("ingest_job_submitted", "job_id", manifest.ID, "container", container, "manifest", name)
	return &domain.JobTicket{
		ID:       manifest.ID,
		Manifest: uc.opts.JobsContainer + "/" + name,
		Message:  AsyncIndexingNotice,
	}, nil
}

func (uc *DelegateIngestUseCase) Status(ctx context.Context, jobID string) (*domain.JobStatus, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "job status", fmt.Errorf("malformed job id %q", jobID))
	}
	return uc.jobs.GetJob(ctx, jobID)
}

// Run executes one delegated job on the worker side.
func (uc *DelegateIngestUseCase) Run(ctx context.Context, jobID string) error {
	if uc.ingestor == nil {
		return domain.WrapError(domain.ErrSetup, "run job", errors.New("no ingestor configured"))
	}
	manifest, err := uc.loadManifest(ctx, jobID)
	if err != nil {
		uc.finish(ctx, jobID, nil, err)
		return err
	}
	uc.observer.ObserveJobLag(uc.now().Sub(manifest.CreatedAt))

	if err := uc.jobs.MarkJobRunning(ctx, jobID); err != nil {
		uc.logger.Warn("job_status_update_failed", "job_id", jobID, "error", err)
	}
	uc.logger.Info("ingest_job_started", "job_id", jobID, "container", manifest.Container)

	report, runErr := uc.ingestor.IngestContainer(ctx, domain.ContainerRequest{
		Container: manifest.Container,
		Prefix:    manifest.Prefix,
		Category:  manifest.Category,
		Force:     manifest.Force,
	})
	uc.finish(ctx, jobID, report, runErr)
	if runErr != nil {
		return fmt.Errorf("run job %s: %w", jobID, runErr)
	}
	uc.logger.Info("ingest_job_finished", "job_id", jobID, "indexed", report.Indexed, "failed", report.Failed)
	return nil
}

func (uc *DelegateIngestUseCase) loadManifest(ctx context.Context, jobID string) (*domain.JobManifest, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "load job manifest", fmt.Errorf("malformed job id %q", jobID))
	}
	raw, err := uc.blobs.Download(ctx, domain.BlobRef{Container: uc.opts.JobsContainer, Name: manifestName(jobID)})
	if err != nil {
		return nil, fmt.Errorf("load job manifest: %w", err)
	}

	var manifest domain.JobManifest
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "decode job manifest", err)
	}
	if manifest.Version != domain.JobManifestVersion {
		return nil, domain.WrapError(domain.ErrInvalidInput, "decode job manifest",
			fmt.Errorf("unsupported manifest version %d", manifest.Version))
	}
	if manifest.ID != jobID {
		return nil, domain.WrapError(domain.ErrInvalidInput, "decode job manifest",
			fmt.Errorf("manifest id %q does not match job %q", manifest.ID, jobID))
	}
	if drift := uc.drift(manifest); drift != "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "decode job manifest",
			fmt.Errorf("worker settings differ from manifest: %s", drift))
	}
	return &manifest, nil
}

func (uc *DelegateIngestUseCase) drift(m domain.JobManifest) string {
	switch {
	case m.Index != uc.opts.Index:
		return fmt.Sprintf("index %q != %q", m.Index, uc.opts.Index)
	case m.ChunkSize != uc.opts.ChunkSize:
		return fmt.Sprintf("chunk_size %d != %d", m.ChunkSize, uc.opts.ChunkSize)
	case m.KeyEncoding != uc.opts.KeyEncoding:
		return fmt.Sprintf("key_encoding %q != %q", m.KeyEncoding, uc.opts.KeyEncoding)
	case m.ContentPrefix != uc.opts.ContentPrefix:
		return fmt.Sprintf("content_prefix %t != %t", m.ContentPrefix, uc.opts.ContentPrefix)
	default:
		return ""
	}
}

func (uc *DelegateIngestUseCase) finish(ctx context.Context, jobID string, report *domain.IngestReport, jobErr error) {
	if jobErr != nil {
		uc.logger.Error("ingest_job_failed", "job_id", jobID, "error", jobErr)
	}
	if err := uc.jobs.FinishJob(context.WithoutCancel(ctx), jobID, report, jobErr); err != nil && !errors.Is(err, domain.ErrNotFound) {
		uc.logger.Warn("job_status_update_failed", "job_id", jobID, "error", err)
	}
}
