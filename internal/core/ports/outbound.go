package ports

import (
	"context"
	"io"
	"iter"
	"time"

	"github.com/kirillkom/energy-data-assistant/internal/core/domain"
)

// BlobStore holds raw and paginated source files. It is the source of truth for
// which documents exist.
type BlobStore interface {
	Enumerate(ctx context.Context, container, prefix string) iter.Seq2[domain.BlobRef, error]
	Download(ctx context.Context, ref domain.BlobRef) ([]byte, error)
	Upload(ctx context.Context, container, name string, body io.Reader, overwrite bool) error
	Delete(ctx context.Context, container, name string) error
	Exists(ctx context.Context, container string) (bool, error)
	EnsureContainer(ctx context.Context, container string) error
}

// DocumentDecoder turns raw source bytes into indexable documents.
type DocumentDecoder interface {
	Decode(ctx context.Context, name string, raw []byte) ([]domain.SourceDocument, error)
}

// PageCounter reports how many pages a paginated source has.
type PageCounter interface {
	PageCount(raw []byte) (int, error)
}

// SourceDecoder is the decoder registry as seen by the orchestrator.
type SourceDecoder interface {
	DocumentDecoder
	PageCounter
	Supports(name string) bool
}

// Chunker splits serialized content into ordered chunks.
type Chunker interface {
	Split(serialized string) []string
}

// RecordBuilder keys chunks of one document into index records.
type RecordBuilder interface {
	Records(doc domain.SourceDocument, chunks []string, categoryOverride string) ([]domain.IndexRecord, error)
}

// SearchIndex manages the index schema, its records and the search contract.
// Implementations must be safe for concurrent use.
type SearchIndex interface {
	EnsureSchema(ctx context.Context, schema domain.IndexSchema) error
	Upsert(ctx context.Context, records []domain.IndexRecord) (domain.UploadResult, error)
	DeleteByDocument(ctx context.Context, parentID string) (int, error)
	DeleteBySourceFile(ctx context.Context, sourceFile string) (int, error)
	DeleteAll(ctx context.Context) (int, error)
	// SourceFiles lists the distinct source files of indexed records whose
	// name starts with prefix.
	SourceFiles(ctx context.Context, prefix string) ([]string, error)
	Searcher
}

// Searcher is the query side of the index, all the answerer depends on.
type Searcher interface {
	Search(ctx context.Context, req domain.SearchRequest) ([]domain.SearchResult, error)
}

// IngestLedger records per-blob pipeline progress for resumable runs. Entries
// are keyed by container and source file.
type IngestLedger interface {
	Get(ctx context.Context, container, sourceFile string) (*domain.IngestEntry, error)
	Mark(ctx context.Context, entry domain.IngestEntry) error
	Forget(ctx context.Context, container, sourceFile string) error
}

// JobStore keeps the lifecycle of delegated ingestion jobs.
type JobStore interface {
	CreateJob(ctx context.Context, status domain.JobStatus) error
	MarkJobRunning(ctx context.Context, id string) error
	FinishJob(ctx context.Context, id string, report *domain.IngestReport, jobErr error) error
	GetJob(ctx context.Context, id string) (*domain.JobStatus, error)
}

// IngestObserver receives per-document processing outcomes. Every
// StartDocument is closed by either FinishDocument or SkipDocument.
type IngestObserver interface {
	StartDocument()
	FinishDocument(stage domain.IngestStage, duration time.Duration, records int, err error)
	SkipDocument()
	ObserveJobLag(lag time.Duration)
}

// JobQueue publishes and consumes delegated ingestion jobs.
type JobQueue interface {
	PublishJob(ctx context.Context, jobID string) error
	SubscribeJobs(ctx context.Context, handler func(context.Context, string) error) error
}

// Completer is the external text-completion model.
type Completer interface {
	Complete(ctx context.Context, req domain.CompletionRequest) (string, error)
}
