// Package memory holds process-local ledger and job stores, used when no
// database is configured.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kirillkom/energy-data-assistant/internal/core/domain"
)

type ledgerKey struct {
	container  string
	sourceFile string
}

type Ledger struct {
	mu      sync.RWMutex
	entries map[ledgerKey]domain.IngestEntry
}

func NewLedger() *Ledger {
	return &Ledger{entries: make(map[ledgerKey]domain.IngestEntry)}
}

func (l *Ledger) Get(_ context.Context, container, sourceFile string) (*domain.IngestEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entry, ok := l.entries[ledgerKey{container, sourceFile}]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

func (l *Ledger) Mark(_ context.Context, entry domain.IngestEntry) error {
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now().UTC()
	}
	l.mu.Lock()
	l.entries[ledgerKey{entry.Container, entry.SourceFile}] = entry
	l.mu.Unlock()
	return nil
}

func (l *Ledger) Forget(_ context.Context, container, sourceFile string) error {
	l.mu.Lock()
	delete(l.entries, ledgerKey{container, sourceFile})
	l.mu.Unlock()
	return nil
}

type Jobs struct {
	mu   sync.RWMutex
	jobs map[string]domain.JobStatus
}

func NewJobs() *Jobs {
	return &Jobs{jobs: make(map[string]domain.JobStatus)}
}

func (j *Jobs) CreateJob(_ context.Context, status domain.JobStatus) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, exists := j.jobs[status.ID]; exists {
		return domain.WrapError(domain.ErrConflict, "create job", fmt.Errorf("job exists: id=%s", status.ID))
	}
	j.jobs[status.ID] = status
	return nil
}

func (j *Jobs) MarkJobRunning(_ context.Context, id string) error {
	return j.update(id, func(s *domain.JobStatus) {
		s.State = domain.JobRunning
		s.Error = ""
	})
}

func (j *Jobs) FinishJob(_ context.Context, id string, report *domain.IngestReport, jobErr error) error {
	return j.update(id, func(s *domain.JobStatus) {
		s.State = domain.JobSucceeded
		s.Error = ""
		if jobErr != nil {
			s.State = domain.JobFailed
			s.Error = jobErr.Error()
		}
		if report != nil {
			copied := *report
			s.Report = &copied
		}
	})
}

func (j *Jobs) update(id string, fn func(*domain.JobStatus)) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	status, ok := j.jobs[id]
	if !ok {
		return domain.WrapError(domain.ErrNotFound, "update job", fmt.Errorf("job not found: id=%s", id))
	}
	fn(&status)
	status.UpdatedAt = time.Now().UTC()
	j.jobs[id] = status
	return nil
}

func (j *Jobs) GetJob(_ context.Context, id string) (*domain.JobStatus, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	status, ok := j.jobs[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrNotFound, "get job", fmt.Errorf("job not found: id=%s", id))
	}
	return &status, nil
}
