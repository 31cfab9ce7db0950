package ports

import (
	"context"

	"github.com/kirillkom/energy-data-assistant/internal/core/domain"
)

// Answerer is the inbound contract for retrieve-then-read answering.
type Answerer interface {
	Answer(ctx context.Context, question string, overrides domain.AnswerOverrides) (*domain.Answer, error)
}

// ContainerIngestor indexes every blob of a container.
type ContainerIngestor interface {
	IngestContainer(ctx context.Context, req domain.ContainerRequest) (*domain.IngestReport, error)
}

// JobSubmitter hands a container ingestion to a remote worker and returns at once.
type JobSubmitter interface {
	Submit(ctx context.Context, req domain.ContainerRequest) (*domain.JobTicket, error)
	Status(ctx context.Context, jobID string) (*domain.JobStatus, error)
}
