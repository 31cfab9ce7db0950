package usecase

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/energy-data-assistant/internal/core/domain"
	"github.com/kirillkom/energy-data-assistant/internal/core/ports"
)

type IngestOptions struct {
	Container string
	// Workers bounds concurrent documents. Zero means runtime.NumCPU().
	Workers int
	Schema  domain.IndexSchema
}

// IngestUseCase moves source blobs through decode, chunk, key and upload.
// A failing document is recorded and skipped, never aborting the run.
type IngestUseCase struct {
	blobs    ports.BlobStore
	decoder  ports.SourceDecoder
	chunker  ports.Chunker
	keyer    ports.RecordBuilder
	index    ports.SearchIndex
	ledger   ports.IngestLedger
	observer ports.IngestObserver
	logger   *slog.Logger
	opts     IngestOptions
}

func NewIngestUseCase(
	blobs ports.BlobStore,
	decoder ports.SourceDecoder,
	chunker ports.Chunker,
	keyer ports.RecordBuilder,
	index ports.SearchIndex,
	ledger ports.IngestLedger,
	observer ports.IngestObserver,
	logger *slog.Logger,
	opts IngestOptions,
) *IngestUseCase {
	if observer == nil {
		observer = noopObserver{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	return &IngestUseCase{
		blobs:    blobs,
		decoder:  decoder,
		chunker:  chunker,
		keyer:    keyer,
		index:    index,
		ledger:   ledger,
		observer: observer,
		logger:   logger,
		opts:     opts,
	}
}

// BlobNameForPage names the blob of one PDF page; other files keep their basename.
func BlobNameForPage(filename string, page int) string {
	base := filepath.Base(filename)
	ext := filepath.Ext(base)
	if strings.EqualFold(ext, ".pdf") {
		return fmt.Sprintf("%s-%d.pdf", strings.TrimSuffix(base, ext), page)
	}
	return base
}

// PageBlobPattern matches the page blobs produced for a PDF with the given stem.
func PageBlobPattern(prefix string) *regexp.Regexp {
	return regexp.MustCompile(`^` + regexp.QuoteMeta(prefix) + `-\d+\.pdf$`)
}

func (uc *IngestUseCase) IngestContainer(ctx context.Context, req domain.ContainerRequest) (*domain.IngestReport, error) {
	container := req.Container
	if container == "" {
		container = uc.opts.Container
	}
	if err := uc.ensureSchema(ctx); err != nil {
		return nil, err
	}
	exists, err := uc.blobs.Exists(ctx, container)
	if err != nil {
		return nil, domain.WrapError(domain.ErrSetup, "check container", err)
	}
	if !exists {
		return nil, domain.WrapError(domain.ErrSetup, "check container", fmt.Errorf("container %q does not exist", container))
	}

	report := &reportBuilder{}
	var g errgroup.Group
	g.SetLimit(uc.opts.Workers)

	var enumErr error
	for ref, err := range uc.blobs.Enumerate(ctx, container, req.Prefix) {
		if err != nil {
			enumErr = err
			break
		}
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			report.add(uc.processBlob(ctx, ref, req.Category, req.Force))
			return nil
		})
	}
	_ = g.Wait()

	out := report.snapshot()
	uc.logger.Info("container_ingested",
		"container", container,
		"documents", out.Documents,
		"indexed", out.Indexed,
		"skipped", out.Skipped,
		"failed", out.Failed,
		"records", out.Records,
	)
	if enumErr != nil {
		return out, domain.WrapError(domain.ErrSetup, "enumerate blobs", enumErr)
	}
	if err := ctx.Err(); err != nil {
		return out, err
	}
	return out, nil
}

// IngestFiles uploads local files matched by a glob and indexes them from the
// local bytes.
func (uc *IngestUseCase) IngestFiles(ctx context.Context, req domain.FilesRequest) (*domain.IngestReport, error) {
	matches, err := filepath.Glob(req.Pattern)
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "glob files", err)
	}
	if !req.SkipIndexing {
		if err := uc.ensureSchema(ctx); err != nil {
			return nil, err
		}
	}
	if !req.SkipBlobUpload {
		if err := uc.blobs.EnsureContainer(ctx, uc.opts.Container); err != nil {
			return nil, domain.WrapError(domain.ErrSetup, "ensure container", err)
		}
	}

	report := &reportBuilder{}
	var g errgroup.Group
	g.SetLimit(uc.opts.Workers)

	for i, filename := range matches {
		if ctx.Err() != nil {
			break
		}
		info, err := os.Stat(filename)
		if err != nil || info.IsDir() {
			continue
		}
		if !uc.decoder.Supports(filename) {
			uc.logger.Warn("file_skipped_unsupported", "file", filename)
			continue
		}
		uc.logger.Info("file_processing", "file", filename, "index", i+1, "total", len(matches))
		g.Go(func() error {
			report.add(uc.processFile(ctx, filename, req))
			return nil
		})
	}
	_ = g.Wait()

	out := report.snapshot()
	if err := ctx.Err(); err != nil {
		return out, err
	}
	return out, nil
}

func (uc *IngestUseCase) processFile(ctx context.Context, filename string, req domain.FilesRequest) documentOutcome {
	name := filepath.Base(filename)
	raw, err := os.ReadFile(filename)
	if err != nil {
		return documentOutcome{sourceFile: name, stage: domain.StageEnumerated, err: domain.WrapError(domain.ErrData, "read file", err)}
	}

	if !req.SkipBlobUpload {
		if err := uc.uploadBlobs(ctx, filename, raw); err != nil {
			uc.logger.Warn("blob_upload_failed", "file", filename, "error", err)
			return documentOutcome{sourceFile: name, stage: domain.StageEnumerated, err: err}
		}
	}
	if req.SkipIndexing {
		return documentOutcome{sourceFile: name, stage: domain.StageUploaded, uploadedOnly: true}
	}
	src := sourceBlob{
		container: uc.opts.Container,
		name:      name,
		raw:       raw,
		paged:     strings.EqualFold(filepath.Ext(name), ".pdf"),
	}
	return uc.processBytes(ctx, src, req.Category, req.Force)
}

func (uc *IngestUseCase) uploadBlobs(ctx context.Context, filename string, raw []byte) error {
	if !strings.EqualFold(filepath.Ext(filename), ".pdf") {
		return uc.uploadBlob(ctx, BlobNameForPage(filename, 0), raw)
	}
	pages, err := uc.decoder.PageCount(raw)
	if err != nil {
		return err
	}
	for i := 0; i < pages; i++ {
		name := BlobNameForPage(filename, i)
		if err := uc.uploadBlob(ctx, name, raw); err != nil {
			return err
		}
		uc.logger.Debug("blob_uploaded", "file", filename, "blob", name, "page", i+1)
	}
	return nil
}

func (uc *IngestUseCase) uploadBlob(ctx context.Context, name string, raw []byte) error {
	if err := uc.blobs.Upload(ctx, uc.opts.Container, name, bytes.NewReader(raw), true); err != nil {
		return domain.WrapError(domain.ErrUpload, "upload blob "+name, err)
	}
	return nil
}

func (uc *IngestUseCase) processBlob(ctx context.Context, ref domain.BlobRef, category string, force bool) documentOutcome {
	raw, err := uc.blobs.Download(ctx, ref)
	if err != nil {
		out := documentOutcome{container: ref.Container, sourceFile: ref.Name, stage: domain.StageEnumerated, err: err}
		uc.fail(ctx, out)
		return out
	}
	return uc.processBytes(ctx, sourceBlob{container: ref.Container, name: ref.Name, raw: raw}, category, force)
}

type sourceBlob struct {
	container string
	name      string
	raw       []byte
	// paged marks a whole PDF whose records are indexed under its page blob names.
	paged bool
}

// processBytes runs the per-document state machine from Downloaded onwards.
func (uc *IngestUseCase) processBytes(ctx context.Context, src sourceBlob, category string, force bool) documentOutcome {
	start := time.Now()
	uc.observer.StartDocument()

	sum := sha256.Sum256(src.raw)
	hash := hex.EncodeToString(sum[:])
	if !force && uc.unchanged(ctx, src.container, src.name, hash) {
		uc.observer.SkipDocument()
		uc.logger.Debug("document_unchanged", "container", src.container, "blob", src.name)
		return documentOutcome{container: src.container, sourceFile: src.name, stage: domain.StageUploaded, skipped: true}
	}

	out := uc.runStages(ctx, src, hash, category)
	uc.observer.FinishDocument(out.stage, time.Since(start), out.records, out.err)
	if out.err != nil {
		uc.fail(ctx, out)
		return out
	}
	uc.mark(ctx, src.entry(domain.StageUploaded, hash, out.records))
	uc.logger.Info("document_indexed", "blob", src.name, "records", out.records, "duration_ms", time.Since(start).Milliseconds())
	return out
}

func (src sourceBlob) entry(stage domain.IngestStage, hash string, records int) domain.IngestEntry {
	return domain.IngestEntry{Container: src.container, SourceFile: src.name, Stage: stage, ContentHash: hash, Records: records}
}

// runStages replaces every record previously indexed for the source once the
// new records are keyed, so a shrinking document leaves no stale chunks.
func (uc *IngestUseCase) runStages(ctx context.Context, src sourceBlob, hash, category string) documentOutcome {
	out := documentOutcome{container: src.container, sourceFile: src.name, stage: domain.StageDownloaded}
	uc.mark(ctx, src.entry(domain.StageDownloaded, hash, 0))

	docs, err := uc.decoder.Decode(ctx, src.name, src.raw)
	if err != nil {
		out.err = err
		return out
	}
	out.stage = domain.StageDecoded
	uc.mark(ctx, src.entry(domain.StageDecoded, hash, 0))

	chunked := make([][]string, len(docs))
	for i, doc := range docs {
		chunked[i] = uc.chunker.Split(doc.Content)
	}
	out.stage = domain.StageChunked
	uc.mark(ctx, src.entry(domain.StageChunked, hash, 0))

	var records []domain.IndexRecord
	for i, doc := range docs {
		recs, err := uc.keyer.Records(doc, chunked[i], category)
		if err != nil {
			out.err = err
			return out
		}
		records = append(records, recs...)
	}
	out.stage = domain.StageKeyed
	uc.mark(ctx, src.entry(domain.StageKeyed, hash, 0))

	cleared, err := uc.clearIndexed(ctx, src.name, src.paged)
	if err != nil {
		out.err = err
		return out
	}
	if cleared > 0 {
		uc.logger.Debug("stale_records_cleared", "blob", src.name, "records", cleared)
	}

	if len(records) == 0 {
		out.stage = domain.StageUploaded
		return out
	}
	result, err := uc.index.Upsert(ctx, records)
	if err != nil {
		out.err = err
		return out
	}
	failed := result.Failed()
	out.records = len(records) - failed
	out.failedRecords = failed
	if failed > 0 {
		out.err = domain.WrapError(domain.ErrUpload, "upload records", fmt.Errorf("%d of %d records rejected", failed, len(records)))
		return out
	}
	out.stage = domain.StageUploaded
	return out
}

// clearIndexed deletes the records indexed for one source file. A paged source
// owns the records of every page name derived from it.
func (uc *IngestUseCase) clearIndexed(ctx context.Context, name string, paged bool) (int, error) {
	if !paged {
		return uc.index.DeleteBySourceFile(ctx, name)
	}
	pages, err := uc.indexedPages(ctx, name)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, page := range pages {
		n, err := uc.index.DeleteBySourceFile(ctx, page)
		if err != nil {
			return removed, err
		}
		removed += n
	}
	return removed, nil
}

// indexedPages lists the page names of a PDF that have records in the index.
func (uc *IngestUseCase) indexedPages(ctx context.Context, filename string) ([]string, error) {
	stem := strings.TrimSuffix(filename, path.Ext(filename))
	files, err := uc.index.SourceFiles(ctx, stem+"-")
	if err != nil {
		return nil, err
	}
	pattern := PageBlobPattern(stem)
	return slices.DeleteFunc(files, func(name string) bool { return !pattern.MatchString(name) }), nil
}

func (uc *IngestUseCase) unchanged(ctx context.Context, container, name, hash string) bool {
	entry, err := uc.ledger.Get(ctx, container, name)
	if err != nil {
		uc.logger.Warn("ledger_read_failed", "container", container, "blob", name, "error", err)
		return false
	}
	return entry != nil && entry.Stage == domain.StageUploaded && entry.ContentHash == hash
}

func (uc *IngestUseCase) fail(ctx context.Context, out documentOutcome) {
	uc.logger.Warn("document_failed", "blob", out.sourceFile, "stage", out.stage, "error", out.err)
	uc.mark(ctx, domain.IngestEntry{
		Container:  out.container,
		SourceFile: out.sourceFile,
		Stage:      domain.StageFailed,
		Records:    out.records,
		Error:      out.err.Error(),
	})
}

func (uc *IngestUseCase) mark(ctx context.Context, entry domain.IngestEntry) {
	if err := uc.ledger.Mark(ctx, entry); err != nil {
		uc.logger.Warn("ledger_mark_failed", "blob", entry.SourceFile, "stage", entry.Stage, "error", err)
	}
}

func (uc *IngestUseCase) ensureSchema(ctx context.Context) error {
	if err := uc.index.EnsureSchema(ctx, uc.opts.Schema); err != nil {
		if domain.IsKind(err, domain.ErrSetup) {
			return err
		}
		return domain.WrapError(domain.ErrSetup, "ensure index schema", err)
	}
	return nil
}

// Remove deletes the blobs of one source file and the index records that
// point at them. PDFs are matched by page name both in the container and in
// the index, so pages indexed without uploaded blobs are removed too.
func (uc *IngestUseCase) Remove(ctx context.Context, filename string) (int, error) {
	base := path.Base(filepath.ToSlash(filename))
	ext := path.Ext(base)

	names := []string{base}
	if strings.EqualFold(ext, ".pdf") {
		stem := strings.TrimSuffix(base, ext)
		pattern := PageBlobPattern(stem)
		names = nil
		for ref, err := range uc.blobs.Enumerate(ctx, uc.opts.Container, stem) {
			if err != nil {
				return 0, domain.WrapError(domain.ErrSetup, "enumerate blobs", err)
			}
			if pattern.MatchString(ref.Name) {
				names = append(names, ref.Name)
			}
		}
		indexed, err := uc.indexedPages(ctx, base)
		if err != nil {
			return 0, err
		}
		names = append(names, indexed...)
		slices.Sort(names)
		names = slices.Compact(names)
		uc.forget(ctx, base)
	}

	removed := 0
	for _, name := range names {
		uc.logger.Debug("blob_removing", "blob", name)
		if err := uc.blobs.Delete(ctx, uc.opts.Container, name); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return removed, fmt.Errorf("delete blob %s: %w", name, err)
		}
		n, err := uc.index.DeleteBySourceFile(ctx, name)
		if err != nil {
			return removed, err
		}
		removed += n
		uc.forget(ctx, name)
	}
	uc.logger.Info("document_removed", "file", filename, "blobs", len(names), "records", removed)
	return removed, nil
}

// RemoveAll empties the container and the index.
func (uc *IngestUseCase) RemoveAll(ctx context.Context) (int, error) {
	exists, err := uc.blobs.Exists(ctx, uc.opts.Container)
	if err != nil {
		return 0, domain.WrapError(domain.ErrSetup, "check container", err)
	}
	if exists {
		var names []string
		for ref, err := range uc.blobs.Enumerate(ctx, uc.opts.Container, "") {
			if err != nil {
				return 0, domain.WrapError(domain.ErrSetup, "enumerate blobs", err)
			}
			names = append(names, ref.Name)
		}
		for _, name := range names {
			if err := uc.blobs.Delete(ctx, uc.opts.Container, name); err != nil && !errors.Is(err, domain.ErrNotFound) {
				return 0, fmt.Errorf("delete blob %s: %w", name, err)
			}
			uc.forget(ctx, name)
		}
	}

	removed, err := uc.index.DeleteAll(ctx)
	if err != nil {
		return 0, err
	}
	uc.logger.Info("index_cleared", "container", uc.opts.Container, "records", removed)
	return removed, nil
}

func (uc *IngestUseCase) forget(ctx context.Context, name string) {
	if err := uc.ledger.Forget(ctx, uc.opts.Container, name); err != nil {
		uc.logger.Warn("ledger_forget_failed", "container", uc.opts.Container, "blob", name, "error", err)
	}
}

type documentOutcome struct {
	container     string
	sourceFile    string
	stage         domain.IngestStage
	records       int
	failedRecords int
	skipped       bool
	uploadedOnly  bool
	err           error
}

type reportBuilder struct {
	mu     sync.Mutex
	report domain.IngestReport
}

func (b *reportBuilder) add(out documentOutcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.report.Documents++
	b.report.Records += out.records
	b.report.FailedRecords += out.failedRecords
	switch {
	case out.err != nil:
		b.report.Failed++
		b.report.Failures = append(b.report.Failures, domain.DocumentFailure{
			SourceFile: out.sourceFile,
			Stage:      string(out.stage),
			Error:      out.err.Error(),
		})
	case out.skipped:
		b.report.Skipped++
	case out.uploadedOnly:
	default:
		b.report.Indexed++
	}
}

func (b *reportBuilder) snapshot() *domain.IngestReport {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.report
	out.Failures = append([]domain.DocumentFailure(nil), b.report.Failures...)
	return &out
}

type noopObserver struct{}

func (noopObserver) StartDocument() {}
func (noopObserver) FinishDocument(domain.IngestStage, time.Duration, int, error) {}
func (noopObserver) SkipDocument() {}
func (noopObserver) ObserveJobLag(time.Duration) {}
