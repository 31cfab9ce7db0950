package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/kirillkom/energy-data-assistant/internal/core/domain"
)

type blobStoreFake struct {
	mu        sync.Mutex
	missing   bool
	blobs     map[string][]byte
	uploads   []string
	deleted   []string
	enumErr   error
	downloads map[string]error
}

func newBlobStoreFake(blobs map[string]string) *blobStoreFake {
	f := &blobStoreFake{blobs: make(map[string][]byte), downloads: make(map[string]error)}
	for name, body := range blobs {
		f.blobs[name] = []byte(body)
	}
	return f
}

func (f *blobStoreFake) Enumerate(_ context.Context, container, prefix string) iter.Seq2[domain.BlobRef, error] {
	return func(yield func(domain.BlobRef, error) bool) {
		f.mu.Lock()
		names := make([]string, 0, len(f.blobs))
		for name := range f.blobs {
			if strings.HasPrefix(name, prefix) {
				names = append(names, name)
			}
		}
		f.mu.Unlock()
		sort.Strings(names)
		for _, name := range names {
			if !yield(domain.BlobRef{Container: container, Name: name}, nil) {
				return
			}
		}
		if f.enumErr != nil {
			yield(domain.BlobRef{}, f.enumErr)
		}
	}
}

func (f *blobStoreFake) Download(_ context.Context, ref domain.BlobRef) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.downloads[ref.Name]; err != nil {
		return nil, err
	}
	raw, ok := f.blobs[ref.Name]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return raw, nil
}

func (f *blobStoreFake) Upload(_ context.Context, _ string, name string, body io.Reader, _ bool) error {
	raw, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[name] = raw
	f.uploads = append(f.uploads, name)
	return nil
}

func (f *blobStoreFake) Delete(_ context.Context, _ string, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.blobs[name]; !ok {
		return domain.ErrNotFound
	}
	delete(f.blobs, name)
	f.deleted = append(f.deleted, name)
	return nil
}

func (f *blobStoreFake) Exists(context.Context, string) (bool, error) {
	return !f.missing, nil
}

func (f *blobStoreFake) EnsureContainer(context.Context, string) error {
	f.missing = false
	return nil
}

// decoderFake yields one document per blob, using the raw bytes as content.
// Blobs whose content starts with "bad" fail to decode.
type decoderFake struct {
	pages int
}

func (d *decoderFake) Decode(_ context.Context, name string, raw []byte) ([]domain.SourceDocument, error) {
	if strings.HasPrefix(string(raw), "bad") {
		return nil, domain.WrapError(domain.ErrData, "decode", errors.New("broken source"))
	}
	id := strings.TrimSuffix(name, filepath.Ext(name))
	return []domain.SourceDocument{{ID: id, Content: string(raw), SourceFile: name}}, nil
}

func (d *decoderFake) PageCount([]byte) (int, error) { return d.pages, nil }

func (d *decoderFake) Supports(name string) bool {
	return filepath.Ext(name) != ".bin"
}

type chunkerFake struct{}

func (chunkerFake) Split(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

type keyerFake struct{}

func (keyerFake) Records(doc domain.SourceDocument, chunks []string, category string) ([]domain.IndexRecord, error) {
	records := make([]domain.IndexRecord, 0, len(chunks))
	for i, c := range chunks {
		records = append(records, domain.IndexRecord{
			Key:        fmt.Sprintf("%s-%d", doc.ID, i),
			ID:         doc.ID,
			Content:    c,
			Category:   category,
			SourceFile: doc.SourceFile,
			SourcePage: domain.SourcePage(doc.SourceFile, i),
		})
	}
	return records, nil
}

type indexFake struct {
	mu         sync.Mutex
	records    map[string]domain.IndexRecord
	upserts    int
	rejectKey  string
	schemaErr  error
	schemas    int
	deletedSrc []string
}

func newIndexFake() *indexFake {
	return &indexFake{records: make(map[string]domain.IndexRecord)}
}

func (f *indexFake) EnsureSchema(context.Context, domain.IndexSchema) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schemas++
	return f.schemaErr
}

func (f *indexFake) Upsert(_ context.Context, records []domain.IndexRecord) (domain.UploadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	var result domain.UploadResult
	for _, r := range records {
		if r.Key == f.rejectKey {
			result.Statuses = append(result.Statuses, domain.RecordStatus{Key: r.Key, Error: "rejected"})
			continue
		}
		f.records[r.Key] = r
		result.Statuses = append(result.Statuses, domain.RecordStatus{Key: r.Key, Succeeded: true})
	}
	return result, nil
}

func (f *indexFake) DeleteByDocument(_ context.Context, parentID string) (int, error) {
	return f.deleteWhere(func(r domain.IndexRecord) bool { return r.ID == parentID }), nil
}

func (f *indexFake) DeleteBySourceFile(_ context.Context, sourceFile string) (int, error) {
	f.mu.Lock()
	f.deletedSrc = append(f.deletedSrc, sourceFile)
	f.mu.Unlock()
	return f.deleteWhere(func(r domain.IndexRecord) bool { return r.SourceFile == sourceFile }), nil
}

func (f *indexFake) SourceFiles(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, r := range f.records {
		if strings.HasPrefix(r.SourceFile, prefix) && !seen[r.SourceFile] {
			seen[r.SourceFile] = true
			out = append(out, r.SourceFile)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *indexFake) sourceFiles() []string {
	files, _ := f.SourceFiles(context.Background(), "")
	return files
}

func (f *indexFake) DeleteAll(context.Context) (int, error) {
	return f.deleteWhere(func(domain.IndexRecord) bool { return true }), nil
}

func (f *indexFake) deleteWhere(match func(domain.IndexRecord) bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for key, r := range f.records {
		if match(r) {
			delete(f.records, key)
			n++
		}
	}
	return n
}

func (f *indexFake) Search(context.Context, domain.SearchRequest) ([]domain.SearchResult, error) {
	return nil, errors.New("not implemented")
}

// ledgerFake keys entries as "container/sourcefile".
type ledgerFake struct {
	mu      sync.Mutex
	entries map[string]domain.IngestEntry
	history map[string][]domain.IngestStage
}

func newLedgerFake() *ledgerFake {
	return &ledgerFake{
		entries: make(map[string]domain.IngestEntry),
		history: make(map[string][]domain.IngestStage),
	}
}

func (l *ledgerFake) Get(_ context.Context, container, sourceFile string) (*domain.IngestEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[container+"/"+sourceFile]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

func (l *ledgerFake) Mark(_ context.Context, entry domain.IngestEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := entry.Container + "/" + entry.SourceFile
	l.entries[key] = entry
	l.history[key] = append(l.history[key], entry.Stage)
	return nil
}

func (l *ledgerFake) Forget(_ context.Context, container, sourceFile string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, container+"/"+sourceFile)
	return nil
}

type ingestFixture struct {
	blobs  *blobStoreFake
	index  *indexFake
	ledger *ledgerFake
	uc     *IngestUseCase
}

func newIngestFixture(blobs map[string]string) *ingestFixture {
	f := &ingestFixture{
		blobs:  newBlobStoreFake(blobs),
		index:  newIndexFake(),
		ledger: newLedgerFake(),
	}
	f.uc = NewIngestUseCase(
		f.blobs,
		&decoderFake{pages: 2},
		chunkerFake{},
		keyerFake{},
		f.index,
		f.ledger,
		nil,
		nil,
		IngestOptions{Container: "content", Workers: 2, Schema: domain.DefaultSchema("gptkbindex", false)},
	)
	return f
}

func TestIngestContainerIsolatesFailures(t *testing.T) {
	f := newIngestFixture(map[string]string{
		"a.json": "x,y",
		"b.json": "bad input",
		"c.json": "z",
	})

	report, err := f.uc.IngestContainer(context.Background(), domain.ContainerRequest{Category: "wells"})
	if err != nil {
		t.Fatalf("IngestContainer() error = %v", err)
	}
	if report.Documents != 3 || report.Indexed != 2 || report.Failed != 1 || report.Records != 3 {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(report.Failures) != 1 || report.Failures[0].SourceFile != "b.json" || report.Failures[0].Stage != string(domain.StageDownloaded) {
		t.Fatalf("unexpected failures %+v", report.Failures)
	}
	if got := f.ledger.entries["content/b.json"].Stage; got != domain.StageFailed {
		t.Fatalf("ledger stage for failed blob = %s", got)
	}
	wantStages := []domain.IngestStage{
		domain.StageDownloaded, domain.StageDecoded, domain.StageChunked, domain.StageKeyed, domain.StageUploaded,
	}
	if got := f.ledger.history["content/a.json"]; fmt.Sprint(got) != fmt.Sprint(wantStages) {
		t.Fatalf("ledger history = %v, want %v", got, wantStages)
	}
	if r := f.index.records["a-1"]; r.Content != "y" || r.Category != "wells" {
		t.Fatalf("unexpected record %+v", r)
	}
}

func TestIngestContainerIsIdempotent(t *testing.T) {
	f := newIngestFixture(map[string]string{"a.json": "x,y"})
	ctx := context.Background()

	if _, err := f.uc.IngestContainer(ctx, domain.ContainerRequest{}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	report, err := f.uc.IngestContainer(ctx, domain.ContainerRequest{})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if report.Skipped != 1 || report.Indexed != 0 {
		t.Fatalf("unchanged blob must be skipped, got %+v", report)
	}
	if f.index.upserts != 1 {
		t.Fatalf("upserts = %d, want 1", f.index.upserts)
	}

	report, err = f.uc.IngestContainer(ctx, domain.ContainerRequest{Force: true})
	if err != nil {
		t.Fatalf("forced run: %v", err)
	}
	if report.Indexed != 1 || len(f.index.records) != 2 {
		t.Fatalf("forced run must overwrite in place, report %+v records %d", report, len(f.index.records))
	}

	f.blobs.blobs["a.json"] = []byte("x,y,w")
	report, _ = f.uc.IngestContainer(ctx, domain.ContainerRequest{})
	if report.Indexed != 1 || len(f.index.records) != 3 {
		t.Fatalf("changed content must be reindexed, report %+v", report)
	}
}

func TestReindexDropsChunksBeyondNewCount(t *testing.T) {
	f := newIngestFixture(map[string]string{"a.json": "x,y,w", "b.json": "z"})
	ctx := context.Background()
	if _, err := f.uc.IngestContainer(ctx, domain.ContainerRequest{}); err != nil {
		t.Fatal(err)
	}

	f.blobs.blobs["a.json"] = []byte("x")
	report, err := f.uc.IngestContainer(ctx, domain.ContainerRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if report.Indexed != 1 || report.Skipped != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	var keys []string
	for key := range f.index.records {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	if got := strings.Join(keys, ","); got != "a-0,b-0" {
		t.Fatalf("index keys after shrink = %s", got)
	}
}

func TestReindexedPDFDropsRemovedPages(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "report.pdf")
	if err := os.WriteFile(src, []byte("p1"), 0o644); err != nil {
		t.Fatal(err)
	}
	f := newIngestFixture(nil)
	for _, page := range []string{"report-0.pdf", "report-1.pdf", "report-2.pdf", "reportx-0.pdf"} {
		f.index.records[page] = domain.IndexRecord{Key: page, ID: page, SourceFile: page}
	}

	if _, err := f.uc.IngestFiles(context.Background(), domain.FilesRequest{Pattern: src, SkipBlobUpload: true}); err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(f.index.sourceFiles(), ","); got != "report.pdf,reportx-0.pdf" {
		t.Fatalf("source files after reindex = %s", got)
	}
}

func TestLedgerIsScopedByContainer(t *testing.T) {
	f := newIngestFixture(map[string]string{"a.json": "x"})
	ctx := context.Background()
	if _, err := f.uc.IngestContainer(ctx, domain.ContainerRequest{}); err != nil {
		t.Fatal(err)
	}

	report, err := f.uc.IngestContainer(ctx, domain.ContainerRequest{Container: "archive"})
	if err != nil {
		t.Fatal(err)
	}
	if report.Indexed != 1 || report.Skipped != 0 {
		t.Fatalf("same name in another container must be processed, got %+v", report)
	}
	if _, ok := f.ledger.entries["archive/a.json"]; !ok {
		t.Fatalf("missing ledger entry for archive container: %v", f.ledger.entries)
	}

	report, _ = f.uc.IngestContainer(ctx, domain.ContainerRequest{})
	if report.Skipped != 1 {
		t.Fatalf("unchanged blob in the original container must be skipped, got %+v", report)
	}
}

func TestIngestContainerSetupErrors(t *testing.T) {
	f := newIngestFixture(nil)
	f.blobs.missing = true
	if _, err := f.uc.IngestContainer(context.Background(), domain.ContainerRequest{}); !errors.Is(err, domain.ErrSetup) {
		t.Fatalf("missing container: expected ErrSetup, got %v", err)
	}

	f = newIngestFixture(nil)
	f.index.schemaErr = errors.New("forbidden")
	if _, err := f.uc.IngestContainer(context.Background(), domain.ContainerRequest{}); !errors.Is(err, domain.ErrSetup) {
		t.Fatalf("schema failure: expected ErrSetup, got %v", err)
	}
}

func TestIngestContainerEnumerationFailure(t *testing.T) {
	f := newIngestFixture(map[string]string{"a.json": "x"})
	f.blobs.enumErr = errors.New("listing interrupted")
	report, err := f.uc.IngestContainer(context.Background(), domain.ContainerRequest{})
	if !errors.Is(err, domain.ErrSetup) {
		t.Fatalf("expected ErrSetup, got %v", err)
	}
	if report == nil || report.Indexed != 1 {
		t.Fatalf("documents before the failure stay indexed, got %+v", report)
	}
}

func TestIngestContainerPartialUpload(t *testing.T) {
	f := newIngestFixture(map[string]string{"a.json": "x,y"})
	f.index.rejectKey = "a-1"
	report, err := f.uc.IngestContainer(context.Background(), domain.ContainerRequest{})
	if err != nil {
		t.Fatalf("IngestContainer() error = %v", err)
	}
	if report.Failed != 1 || report.Records != 1 || report.FailedRecords != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if !strings.Contains(report.Failures[0].Error, "1 of 2 records rejected") {
		t.Fatalf("unexpected failure %+v", report.Failures[0])
	}
}

func TestIngestFilesUploadsPagesAndIndexes(t *testing.T) {
	dir := t.TempDir()
	for name, body := range map[string]string{
		"report.pdf": "p1,p2",
		"wells.json": "w",
		"blob.bin":   "ignored",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	f := newIngestFixture(nil)
	f.blobs.missing = true

	report, err := f.uc.IngestFiles(context.Background(), domain.FilesRequest{Pattern: filepath.Join(dir, "*")})
	if err != nil {
		t.Fatalf("IngestFiles() error = %v", err)
	}
	sort.Strings(f.blobs.uploads)
	if got := strings.Join(f.blobs.uploads, ","); got != "report-0.pdf,report-1.pdf,wells.json" {
		t.Fatalf("uploads = %s", got)
	}
	if report.Documents != 2 || report.Indexed != 2 || report.Records != 3 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestIngestFilesSkipFlags(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "wells.json"), []byte("w"), 0o644); err != nil {
		t.Fatal(err)
	}
	f := newIngestFixture(nil)

	if _, err := f.uc.IngestFiles(context.Background(), domain.FilesRequest{Pattern: filepath.Join(dir, "*.json"), SkipBlobUpload: true}); err != nil {
		t.Fatal(err)
	}
	if len(f.blobs.uploads) != 0 || len(f.index.records) != 1 {
		t.Fatalf("skipblobs: uploads %v records %d", f.blobs.uploads, len(f.index.records))
	}

	f = newIngestFixture(nil)
	report, err := f.uc.IngestFiles(context.Background(), domain.FilesRequest{Pattern: filepath.Join(dir, "*.json"), SkipIndexing: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(f.blobs.uploads) != 1 || len(f.index.records) != 0 || f.index.schemas != 0 || report.Indexed != 0 {
		t.Fatalf("skip-indexing: uploads %v records %d report %+v", f.blobs.uploads, len(f.index.records), report)
	}
}

func TestIngestFilesRejectsBadPattern(t *testing.T) {
	f := newIngestFixture(nil)
	if _, err := f.uc.IngestFiles(context.Background(), domain.FilesRequest{Pattern: "[bad"}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestRemovePDFDeletesPageBlobsAndRecords(t *testing.T) {
	f := newIngestFixture(map[string]string{
		"report-0.pdf":  "a",
		"report-1.pdf":  "b",
		"reportx-0.pdf": "c",
		"report.json":   "d",
	})
	ctx := context.Background()
	if _, err := f.uc.IngestContainer(ctx, domain.ContainerRequest{}); err != nil {
		t.Fatal(err)
	}

	removed, err := f.uc.Remove(ctx, "/local/data/report.pdf")
	if err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	sort.Strings(f.blobs.deleted)
	if got := strings.Join(f.blobs.deleted, ","); got != "report-0.pdf,report-1.pdf" {
		t.Fatalf("deleted blobs = %s", got)
	}
	if _, ok := f.blobs.blobs["reportx-0.pdf"]; !ok {
		t.Fatal("unrelated page blob must survive")
	}
	if _, ok := f.ledger.entries["content/report-0.pdf"]; ok {
		t.Fatal("ledger entry must be forgotten")
	}
}

func TestRemovePDFIndexedWithoutBlobs(t *testing.T) {
	f := newIngestFixture(nil)
	for _, page := range []string{"doc-0.pdf", "doc-1.pdf", "doc-x.pdf", "docs-0.pdf"} {
		f.index.records[page] = domain.IndexRecord{Key: page, SourceFile: page}
	}
	f.ledger.entries["content/doc.pdf"] = domain.IngestEntry{Container: "content", SourceFile: "doc.pdf", Stage: domain.StageUploaded}

	removed, err := f.uc.Remove(context.Background(), "docs/doc.pdf")
	if err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	if got := strings.Join(f.index.sourceFiles(), ","); got != "doc-x.pdf,docs-0.pdf" {
		t.Fatalf("remaining source files = %s", got)
	}
	if len(f.ledger.entries) != 0 {
		t.Fatalf("ledger entry for the whole file must be forgotten: %v", f.ledger.entries)
	}
}

func TestRemoveSingleBlobToleratesMissing(t *testing.T) {
	f := newIngestFixture(nil)
	if _, err := f.uc.Remove(context.Background(), "gone.json"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if got := strings.Join(f.index.deletedSrc, ","); got != "gone.json" {
		t.Fatalf("index delete by sourcefile = %s", got)
	}
}

func TestRemoveAll(t *testing.T) {
	f := newIngestFixture(map[string]string{"a.json": "x,y", "b.json": "z"})
	ctx := context.Background()
	if _, err := f.uc.IngestContainer(ctx, domain.ContainerRequest{}); err != nil {
		t.Fatal(err)
	}
	removed, err := f.uc.RemoveAll(ctx)
	if err != nil {
		t.Fatalf("RemoveAll() error = %v", err)
	}
	if removed != 3 || len(f.blobs.blobs) != 0 || len(f.ledger.entries) != 0 {
		t.Fatalf("removed %d, blobs %d, ledger %d", removed, len(f.blobs.blobs), len(f.ledger.entries))
	}
}

func TestBlobNaming(t *testing.T) {
	if got := BlobNameForPage("data/Report.PDF", 3); got != "Report-3.pdf" {
		t.Fatalf("BlobNameForPage(pdf) = %s", got)
	}
	if got := BlobNameForPage("data/wells.json", 3); got != "wells.json" {
		t.Fatalf("BlobNameForPage(json) = %s", got)
	}
	pattern := PageBlobPattern("q1.report")
	for name, want := range map[string]bool{
		"q1.report-0.pdf":  true,
		"q1.report-12.pdf": true,
		"q1xreport-0.pdf":  false,
		"q1.report-a.pdf":  false,
		"q1.report-0.pdfx": false,
	} {
		if got := pattern.MatchString(name); got != want {
			t.Fatalf("PageBlobPattern match %q = %v, want %v", name, got, want)
		}
	}
}
