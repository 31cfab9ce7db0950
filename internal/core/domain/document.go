package domain

import (
	"fmt"
	"time"
)

// SourceDocument is one indexable unit read from a source file: a JSON record,
// a PDF page, a spreadsheet sheet or a text file. Content is already serialized
// to a single line.
type SourceDocument struct {
	ID         string `json:"id"`
	Content    string `json:"content"`
	Kind       string `json:"kind,omitempty"`
	SourceFile string `json:"sourcefile"`
	Page       int    `json:"page,omitempty"`
}

// IndexRecord is the unit persisted to the search index, one per chunk.
type IndexRecord struct {
	Key        string `json:"keyfield"`
	ID         string `json:"id"`
	Content    string `json:"content"`
	Category   string `json:"category"`
	SourceFile string `json:"sourcefile"`
	SourcePage string `json:"sourcepage"`
	Kind       string `json:"kind,omitempty"`
}

func SourcePage(sourceFile string, seq int) string {
	return fmt.Sprintf("%s-%d", sourceFile, seq)
}

type RecordStatus struct {
	Key       string `json:"key"`
	Succeeded bool   `json:"succeeded"`
	Error     string `json:"error,omitempty"`
}

// UploadResult reports the outcome of an upsert per record.
type UploadResult struct {
	Statuses []RecordStatus `json:"statuses"`
}

func (r UploadResult) Failed() int {
	n := 0
	for _, s := range r.Statuses {
		if !s.Succeeded {
			n++
		}
	}
	return n
}

type BlobRef struct {
	Container string    `json:"container"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	ModTime   time.Time `json:"mod_time"`
}

type IngestStage string

const (
	StageEnumerated IngestStage = "enumerated"
	StageDownloaded IngestStage = "downloaded"
	StageDecoded    IngestStage = "decoded"
	StageChunked    IngestStage = "chunked"
	StageKeyed      IngestStage = "keyed"
	StageUploaded   IngestStage = "uploaded"
	StageFailed     IngestStage = "failed"
)

// IngestEntry is the ledger row for one source blob.
type IngestEntry struct {
	Container   string      `json:"container"`
	SourceFile  string      `json:"sourcefile"`
	Stage       IngestStage `json:"stage"`
	ContentHash string      `json:"content_hash,omitempty"`
	Records     int         `json:"records"`
	Error       string      `json:"error,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

type DocumentFailure struct {
	SourceFile string `json:"sourcefile"`
	Stage      string `json:"stage"`
	Error      string `json:"error"`
}

// IngestReport summarizes one orchestrator run. Failures never abort the run.
type IngestReport struct {
	Documents     int               `json:"documents"`
	Indexed       int               `json:"indexed"`
	Skipped       int               `json:"skipped"`
	Failed        int               `json:"failed"`
	Records       int               `json:"records"`
	FailedRecords int               `json:"failed_records"`
	Failures      []DocumentFailure `json:"failures,omitempty"`
}

const JobManifestVersion = 1

// JobManifest is the versioned artifact handed to a delegated ingestion run.
type JobManifest struct {
	Version       int       `yaml:"version" json:"version"`
	ID            string    `yaml:"id" json:"id"`
	Container     string    `yaml:"container" json:"container"`
	Prefix        string    `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	Index         string    `yaml:"index" json:"index"`
	ChunkSize     int       `yaml:"chunk_size" json:"chunk_size"`
	KeyEncoding   string    `yaml:"key_encoding" json:"key_encoding"`
	ContentPrefix bool      `yaml:"content_prefix" json:"content_prefix"`
	Category      string    `yaml:"category,omitempty" json:"category,omitempty"`
	Force         bool      `yaml:"force,omitempty" json:"force,omitempty"`
	CreatedAt     time.Time `yaml:"created_at" json:"created_at"`
}

type JobTicket struct {
	ID       string `json:"id"`
	Manifest string `json:"manifest"`
	Message  string `json:"message"`
}

// ContainerRequest selects the blobs of one container for indexing.
type ContainerRequest struct {
	Container string `json:"container"`
	Prefix    string `json:"prefix,omitempty"`
	Category  string `json:"category,omitempty"`
	Force     bool   `json:"force,omitempty"`
}

// FilesRequest drives ingestion of local files matched by a glob pattern.
type FilesRequest struct {
	Pattern        string
	Category       string
	SkipBlobUpload bool
	SkipIndexing   bool
	Force          bool
}

type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

// JobStatus tracks one delegated ingestion run.
type JobStatus struct {
	ID        string        `json:"id"`
	State     JobState      `json:"state"`
	Container string        `json:"container"`
	Report    *IngestReport `json:"report,omitempty"`
	Error     string        `json:"error,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}
