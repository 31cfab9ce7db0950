// Package bleveindex is an embedded SearchIndex backed by a Bleve index on disk.
package bleveindex

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"
	bolt "go.etcd.io/bbolt"

	"github.com/kirillkom/energy-data-assistant/internal/core/domain"
)

const (
	defaultTop     = 3
	deletePageSize = 500
	documentType   = "record"
)

var errNotInitialized = errors.New("index is not initialized, call EnsureSchema first")

type Options struct {
	// RRFK is the reciprocal rank fusion constant for semantic mode.
	RRFK int
	// RerankTopN bounds how many fused candidates are re-ranked.
	RerankTopN int
	// OpenTimeout bounds the wait for the index lock held by another process.
	OpenTimeout time.Duration
}

// Index keeps one Bleve index per index name under root.
type Index struct {
	root string
	opts Options

	mu    sync.RWMutex
	name  string
	index bleve.Index
}

func New(root string, opts Options) *Index {
	if opts.RRFK <= 0 {
		opts.RRFK = 60
	}
	if opts.RerankTopN <= 0 {
		opts.RerankTopN = 20
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 2 * time.Second
	}
	return &Index{root: root, opts: opts}
}

// EnsureSchema opens the index when its directory exists and creates it
// otherwise. An existing mapping is never reconciled with schema.
func (b *Index) EnsureSchema(_ context.Context, schema domain.IndexSchema) error {
	if schema.Name == "" {
		return domain.WrapError(domain.ErrSetup, "ensure schema", errors.New("index name is required"))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.index != nil && b.name == schema.Name {
		return nil
	}

	path := filepath.Join(b.root, schema.Name+".bleve")
	var (
		index bleve.Index
		err   error
	)
	if _, statErr := os.Stat(path); statErr == nil {
		index, err = bleve.OpenUsing(path, map[string]interface{}{
			"bolt_timeout": b.opts.OpenTimeout.String(),
		})
		if errors.Is(err, bolt.ErrTimeout) {
			err = fmt.Errorf("index %s is locked by another process: %w", path, err)
		}
	} else {
		if err := os.MkdirAll(b.root, 0o755); err != nil {
			return domain.WrapError(domain.ErrSetup, "create index root", err)
		}
		index, err = bleve.New(path, buildMapping(schema))
	}
	if err != nil {
		return domain.WrapError(domain.ErrSetup, "open bleve index", err)
	}

	if b.index != nil {
		_ = b.index.Close()
	}
	b.index = index
	b.name = schema.Name
	return nil
}

func buildMapping(schema domain.IndexSchema) *mapping.IndexMappingImpl {
	im := bleve.NewIndexMapping()
	docMapping := bleve.NewDocumentMapping()

	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name
	keyword := bleve.NewKeywordFieldMapping()

	for _, field := range schema.Fields {
		if field.Searchable {
			docMapping.AddFieldMappingsAt(field.Name, text)
			continue
		}
		docMapping.AddFieldMappingsAt(field.Name, keyword)
	}

	im.AddDocumentMapping(documentType, docMapping)
	im.DefaultType = documentType
	im.DefaultMapping = docMapping
	return im
}

func (b *Index) current() (bleve.Index, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.index == nil {
		return nil, domain.WrapError(domain.ErrSetup, "bleve index", errNotInitialized)
	}
	return b.index, nil
}

// Upsert indexes records by key in one batch. Records rejected by the batch
// are reported per key; only a failed commit fails the whole call.
func (b *Index) Upsert(_ context.Context, records []domain.IndexRecord) (domain.UploadResult, error) {
	index, err := b.current()
	if err != nil {
		return domain.UploadResult{}, err
	}

	result := domain.UploadResult{Statuses: make([]domain.RecordStatus, 0, len(records))}
	batch := index.NewBatch()
	for _, record := range records {
		status := domain.RecordStatus{Key: record.Key, Succeeded: true}
		if record.Key == "" {
			status.Succeeded = false
			status.Error = "record key is empty"
		} else if err := batch.Index(record.Key, recordDocument(record)); err != nil {
			status.Succeeded = false
			status.Error = err.Error()
		}
		result.Statuses = append(result.Statuses, status)
	}

	if batch.Size() > 0 {
		if err := index.Batch(batch); err != nil {
			return domain.UploadResult{}, domain.WrapError(domain.ErrUpload, "bleve batch", err)
		}
	}
	return result, nil
}

func recordDocument(r domain.IndexRecord) map[string]interface{} {
	doc := map[string]interface{}{
		domain.FieldKey:        r.Key,
		domain.FieldID:         r.ID,
		domain.FieldContent:    r.Content,
		domain.FieldCategory:   r.Category,
		domain.FieldSourceFile: r.SourceFile,
		domain.FieldSourcePage: r.SourcePage,
	}
	if r.Kind != "" {
		doc[domain.FieldKind] = r.Kind
	}
	return doc
}

func (b *Index) DeleteByDocument(ctx context.Context, parentID string) (int, error) {
	return b.deleteMatching(ctx, termQuery(domain.FieldID, parentID))
}

func (b *Index) DeleteBySourceFile(ctx context.Context, sourceFile string) (int, error) {
	return b.deleteMatching(ctx, termQuery(domain.FieldSourceFile, sourceFile))
}

// SourceFiles lists the distinct source files whose name starts with prefix.
func (b *Index) SourceFiles(ctx context.Context, prefix string) ([]string, error) {
	index, err := b.current()
	if err != nil {
		return nil, err
	}

	var q blevequery.Query = bleve.NewMatchAllQuery()
	if prefix != "" {
		pq := bleve.NewPrefixQuery(prefix)
		pq.SetField(domain.FieldSourceFile)
		q = pq
	}

	seen := make(map[string]struct{})
	for from := 0; ; from += deletePageSize {
		req := bleve.NewSearchRequestOptions(q, deletePageSize, from, false)
		req.Fields = []string{domain.FieldSourceFile}
		res, err := index.SearchInContext(ctx, req)
		if err != nil {
			return nil, domain.WrapError(domain.ErrRetrieval, "bleve list source files", err)
		}
		for _, hit := range res.Hits {
			if name := fieldString(hit.Fields, domain.FieldSourceFile); name != "" {
				seen[name] = struct{}{}
			}
		}
		if len(res.Hits) < deletePageSize {
			break
		}
	}

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (b *Index) DeleteAll(ctx context.Context) (int, error) {
	return b.deleteMatching(ctx, bleve.NewMatchAllQuery())
}

func (b *Index) deleteMatching(ctx context.Context, q blevequery.Query) (int, error) {
	index, err := b.current()
	if err != nil {
		return 0, err
	}

	deleted := 0
	for {
		req := bleve.NewSearchRequest(q)
		req.Size = deletePageSize
		res, err := index.SearchInContext(ctx, req)
		if err != nil {
			return deleted, domain.WrapError(domain.ErrUpload, "bleve delete lookup", err)
		}
		if len(res.Hits) == 0 {
			return deleted, nil
		}
		batch := index.NewBatch()
		for _, hit := range res.Hits {
			batch.Delete(hit.ID)
		}
		if err := index.Batch(batch); err != nil {
			return deleted, domain.WrapError(domain.ErrUpload, "bleve delete", err)
		}
		deleted += len(res.Hits)
	}
}

func termQuery(field, value string) blevequery.Query {
	q := bleve.NewTermQuery(value)
	q.SetField(field)
	return q
}

// Search runs a content match query. In semantic mode match and phrase
// results are fused and re-ranked; captions come from highlight fragments.
func (b *Index) Search(ctx context.Context, req domain.SearchRequest) ([]domain.SearchResult, error) {
	index, err := b.current()
	if err != nil {
		return nil, err
	}
	top := req.Top
	if top <= 0 {
		top = defaultTop
	}

	if !req.Semantic {
		return b.run(ctx, index, matchQuery(req.Text), req, top)
	}

	poolSize := top * 4
	if poolSize < b.opts.RerankTopN {
		poolSize = b.opts.RerankTopN
	}
	matched, err := b.run(ctx, index, matchQuery(req.Text), req, poolSize)
	if err != nil {
		return nil, err
	}
	var phrased []domain.SearchResult
	if strings.TrimSpace(req.Text) != "" {
		phrase := bleve.NewMatchPhraseQuery(req.Text)
		phrase.SetField(domain.FieldContent)
		if phrased, err = b.run(ctx, index, phrase, req, poolSize); err != nil {
			return nil, err
		}
	}

	fused := fuseRRF(matched, phrased, b.opts.RRFK)
	reranked := rerank(req.Text, fused, b.opts.RerankTopN)
	return trim(reranked, top), nil
}

func matchQuery(text string) blevequery.Query {
	if strings.TrimSpace(text) == "" {
		return bleve.NewMatchAllQuery()
	}
	q := bleve.NewMatchQuery(text)
	q.SetField(domain.FieldContent)
	return q
}

func (b *Index) run(ctx context.Context, index bleve.Index, q blevequery.Query, req domain.SearchRequest, size int) ([]domain.SearchResult, error) {
	if req.Filter.ExcludeCategory != "" {
		bq := bleve.NewBooleanQuery()
		bq.AddMust(q)
		bq.AddMustNot(termQuery(domain.FieldCategory, req.Filter.ExcludeCategory))
		q = bq
	}

	search := bleve.NewSearchRequest(q)
	search.Size = size
	search.Fields = []string{"*"}
	if req.Captions {
		search.Highlight = bleve.NewHighlight()
		search.Highlight.AddField(domain.FieldContent)
	}

	res, err := index.SearchInContext(ctx, search)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, domain.WrapError(domain.ErrRetrieval, "bleve search", err)
	}

	out := make([]domain.SearchResult, 0, len(res.Hits))
	for _, hit := range res.Hits {
		result := domain.SearchResult{
			Key:        hit.ID,
			ID:         fieldString(hit.Fields, domain.FieldID),
			Content:    fieldString(hit.Fields, domain.FieldContent),
			Category:   fieldString(hit.Fields, domain.FieldCategory),
			SourceFile: fieldString(hit.Fields, domain.FieldSourceFile),
			SourcePage: fieldString(hit.Fields, domain.FieldSourcePage),
			Score:      hit.Score,
		}
		if req.Captions {
			for _, fragment := range hit.Fragments[domain.FieldContent] {
				result.Captions = append(result.Captions, stripMarks(fragment))
			}
		}
		out = append(out, result)
	}
	return out, nil
}

var markStripper = strings.NewReplacer("<mark>", "", "</mark>", "")

func stripMarks(fragment string) string {
	return strings.TrimSpace(markStripper.Replace(fragment))
}

func fieldString(fields map[string]interface{}, name string) string {
	v, ok := fields[name]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func (b *Index) DocCount() (uint64, error) {
	index, err := b.current()
	if err != nil {
		return 0, err
	}
	return index.DocCount()
}

func (b *Index) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.index == nil {
		return nil
	}
	err := b.index.Close()
	b.index = nil
	return err
}
