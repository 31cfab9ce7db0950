// Package azure talks to a hosted cognitive search service over its REST API.
package azure

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/energy-data-assistant/internal/core/domain"
	"github.com/kirillkom/energy-data-assistant/internal/infrastructure/resilience"
)

const (
	DefaultAPIVersion = "2023-11-01"
	maxBatch          = 1000
	defaultTop        = 3
	serviceName       = "azure search"
)

type Config struct {
	Endpoint    string
	Index       string
	APIKey      string
	BearerToken string
	APIVersion  string
	Timeout     time.Duration
}

type Client struct {
	baseURL    string
	index      string
	apiKey     string
	token      string
	apiVersion string
	httpClient *http.Client
	exec       *resilience.Executor

	ensureMu sync.Mutex
	ensured  map[string]bool
}

func New(cfg Config, exec *resilience.Executor) *Client {
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.Endpoint, "/"),
		index:      cfg.Index,
		apiKey:     cfg.APIKey,
		token:      cfg.BearerToken,
		apiVersion: cfg.APIVersion,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		exec:       exec,
		ensured:    make(map[string]bool),
	}
}

type fieldDef struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Key         bool   `json:"key"`
	Searchable  bool   `json:"searchable"`
	Filterable  bool   `json:"filterable"`
	Facetable   bool   `json:"facetable"`
	Retrievable bool   `json:"retrievable"`
}

type prioritizedField struct {
	FieldName string `json:"fieldName"`
}

type semanticConfiguration struct {
	Name              string `json:"name"`
	PrioritizedFields struct {
		TitleField    *prioritizedField  `json:"titleField,omitempty"`
		ContentFields []prioritizedField `json:"prioritizedContentFields"`
	} `json:"prioritizedFields"`
}

type indexDefinition struct {
	Name     string     `json:"name"`
	Fields   []fieldDef `json:"fields"`
	Semantic *struct {
		Configurations []semanticConfiguration `json:"configurations"`
	} `json:"semantic,omitempty"`
}

// EnsureSchema creates the index when the service does not know it. An
// existing index is left untouched.
func (c *Client) EnsureSchema(ctx context.Context, schema domain.IndexSchema) error {
	name := schema.Name
	if name == "" {
		name = c.index
	}

	c.ensureMu.Lock()
	done := c.ensured[name]
	c.ensureMu.Unlock()
	if done {
		return nil
	}

	path := "/indexes/" + url.PathEscape(name)
	err := c.exec.Execute(ctx, "azure_index_get", func(ctx context.Context) error {
		return c.do(ctx, http.MethodGet, path, nil, nil, "get index")
	}, resilience.ClassifyHTTPError)

	var statusErr *resilience.HTTPStatusError
	switch {
	case err == nil:
	case errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound:
		def := definitionFor(name, schema)
		err = c.exec.Execute(ctx, "azure_index_put", func(ctx context.Context) error {
			return c.do(ctx, http.MethodPut, path, def, nil, "create index")
		}, resilience.ClassifyHTTPError)
		if err != nil {
			return domain.WrapError(domain.ErrSetup, "create search index", err)
		}
	default:
		return domain.WrapError(domain.ErrSetup, "get search index", err)
	}

	c.ensureMu.Lock()
	c.ensured[name] = true
	c.ensureMu.Unlock()
	return nil
}

func definitionFor(name string, schema domain.IndexSchema) indexDefinition {
	def := indexDefinition{Name: name}
	for _, f := range schema.Fields {
		def.Fields = append(def.Fields, fieldDef{
			Name:        f.Name,
			Type:        string(f.Type),
			Key:         f.Key,
			Searchable:  f.Searchable,
			Filterable:  f.Filterable,
			Facetable:   f.Facetable,
			Retrievable: true,
		})
	}
	if schema.Semantic != nil {
		cfg := semanticConfiguration{Name: schema.Semantic.Name}
		if schema.Semantic.TitleField != "" {
			cfg.PrioritizedFields.TitleField = &prioritizedField{FieldName: schema.Semantic.TitleField}
		}
		cfg.PrioritizedFields.ContentFields = []prioritizedField{{FieldName: schema.Semantic.ContentField}}
		def.Semantic = &struct {
			Configurations []semanticConfiguration `json:"configurations"`
		}{Configurations: []semanticConfiguration{cfg}}
	}
	return def
}

type uploadAction struct {
	Action string `json:"@search.action"`
	domain.IndexRecord
}

type deleteAction struct {
	Action string `json:"@search.action"`
	Key    string `json:"keyfield"`
}

type indexResponse struct {
	Value []struct {
		Key          string `json:"key"`
		Status       bool   `json:"status"`
		ErrorMessage string `json:"errorMessage"`
		StatusCode   int    `json:"statusCode"`
	} `json:"value"`
}

// Upsert sends mergeOrUpload batches. Per-item failures come back in the
// result; a failed request fails the call.
func (c *Client) Upsert(ctx context.Context, records []domain.IndexRecord) (domain.UploadResult, error) {
	result := domain.UploadResult{Statuses: make([]domain.RecordStatus, 0, len(records))}
	for start := 0; start < len(records); start += maxBatch {
		end := min(start+maxBatch, len(records))
		actions := make([]uploadAction, 0, end-start)
		for _, r := range records[start:end] {
			actions = append(actions, uploadAction{Action: "mergeOrUpload", IndexRecord: r})
		}

		resp, err := c.sendBatch(ctx, actions)
		if err != nil {
			return domain.UploadResult{}, domain.WrapError(domain.ErrUpload, "upload records", err)
		}
		for _, item := range resp.Value {
			result.Statuses = append(result.Statuses, domain.RecordStatus{
				Key:       item.Key,
				Succeeded: item.Status,
				Error:     item.ErrorMessage,
			})
		}
	}
	return result, nil
}

func (c *Client) sendBatch(ctx context.Context, actions any) (indexResponse, error) {
	path := "/indexes/" + url.PathEscape(c.index) + "/docs/index"
	return resilience.Do(ctx, c.exec, "azure_docs_index", func(ctx context.Context) (indexResponse, error) {
		var out indexResponse
		err := c.do(ctx, http.MethodPost, path, map[string]any{"value": actions}, &out, "index documents")
		return out, err
	}, resilience.ClassifyHTTPError)
}

func (c *Client) DeleteByDocument(ctx context.Context, parentID string) (int, error) {
	return c.deleteMatching(ctx, fmt.Sprintf("%s eq '%s'", domain.FieldID, escapeLiteral(parentID)))
}

func (c *Client) DeleteBySourceFile(ctx context.Context, sourceFile string) (int, error) {
	return c.deleteMatching(ctx, fmt.Sprintf("%s eq '%s'", domain.FieldSourceFile, escapeLiteral(sourceFile)))
}

// SourceFiles lists the distinct source files whose name starts with prefix.
// The prefix becomes a lexical range filter since OData has no startswith for
// filterable strings.
func (c *Client) SourceFiles(ctx context.Context, prefix string) ([]string, error) {
	filter := ""
	if prefix != "" {
		filter = fmt.Sprintf("%s ge '%s'", domain.FieldSourceFile, escapeLiteral(prefix))
		if upper, ok := prefixUpperBound(prefix); ok {
			filter += fmt.Sprintf(" and %s lt '%s'", domain.FieldSourceFile, escapeLiteral(upper))
		}
	}

	seen := make(map[string]struct{})
	var out []string
	for skip := 0; ; skip += maxBatch {
		req := searchBody{Search: "*", Filter: filter, Top: maxBatch, Skip: skip, Select: domain.FieldSourceFile}
		page, err := c.search(ctx, req)
		if err != nil {
			return nil, domain.WrapError(domain.ErrRetrieval, "list source files", err)
		}
		for _, hit := range page.Value {
			if _, ok := seen[hit.SourceFile]; ok || !strings.HasPrefix(hit.SourceFile, prefix) {
				continue
			}
			seen[hit.SourceFile] = struct{}{}
			out = append(out, hit.SourceFile)
		}
		if len(page.Value) < maxBatch {
			break
		}
	}
	sort.Strings(out)
	return out, nil
}

// prefixUpperBound returns the smallest string greater than every string
// starting with prefix.
func prefixUpperBound(prefix string) (string, bool) {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1]), true
		}
	}
	return "", false
}

func (c *Client) DeleteAll(ctx context.Context) (int, error) {
	return c.deleteMatching(ctx, "")
}

// deleteMatching collects every matching key before deleting, since search
// results lag behind deletions.
func (c *Client) deleteMatching(ctx context.Context, filter string) (int, error) {
	var keys []string
	for skip := 0; ; skip += maxBatch {
		req := searchBody{Search: "*", Filter: filter, Top: maxBatch, Skip: skip, Select: domain.FieldKey}
		page, err := c.search(ctx, req)
		if err != nil {
			return 0, domain.WrapError(domain.ErrUpload, "find records to delete", err)
		}
		for _, hit := range page.Value {
			keys = append(keys, hit.Key)
		}
		if len(page.Value) < maxBatch {
			break
		}
	}

	deleted := 0
	for start := 0; start < len(keys); start += maxBatch {
		end := min(start+maxBatch, len(keys))
		actions := make([]deleteAction, 0, end-start)
		for _, key := range keys[start:end] {
			actions = append(actions, deleteAction{Action: "delete", Key: key})
		}
		resp, err := c.sendBatch(ctx, actions)
		if err != nil {
			return deleted, domain.WrapError(domain.ErrUpload, "delete records", err)
		}
		for _, item := range resp.Value {
			if item.Status {
				deleted++
			}
		}
	}
	return deleted, nil
}

type searchBody struct {
	Search                string `json:"search"`
	Filter                string `json:"filter,omitempty"`
	Top                   int    `json:"top,omitempty"`
	Skip                  int    `json:"skip,omitempty"`
	Select                string `json:"select,omitempty"`
	QueryType             string `json:"queryType,omitempty"`
	QueryLanguage         string `json:"queryLanguage,omitempty"`
	SemanticConfiguration string `json:"semanticConfiguration,omitempty"`
	Captions              string `json:"captions,omitempty"`
}

type searchHit struct {
	Score         float64 `json:"@search.score"`
	RerankerScore float64 `json:"@search.rerankerScore"`
	Captions      []struct {
		Text string `json:"text"`
	} `json:"@search.captions"`
	Key        string `json:"keyfield"`
	ID         string `json:"id"`
	Content    string `json:"content"`
	Category   string `json:"category"`
	SourceFile string `json:"sourcefile"`
	SourcePage string `json:"sourcepage"`
}

type searchResponse struct {
	Value []searchHit `json:"value"`
}

func (c *Client) Search(ctx context.Context, req domain.SearchRequest) ([]domain.SearchResult, error) {
	top := req.Top
	if top <= 0 {
		top = defaultTop
	}
	text := req.Text
	if strings.TrimSpace(text) == "" {
		text = "*"
	}
	body := searchBody{Search: text, Filter: req.Filter.Expression(), Top: top}
	if req.Semantic {
		body.QueryType = "semantic"
		body.QueryLanguage = "en-us"
		body.SemanticConfiguration = "default"
		if req.Captions {
			body.Captions = "extractive|highlight-false"
		}
	}

	resp, err := c.search(ctx, body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, domain.WrapError(domain.ErrRetrieval, "azure search", err)
	}

	out := make([]domain.SearchResult, 0, len(resp.Value))
	for _, hit := range resp.Value {
		score := hit.Score
		if req.Semantic && hit.RerankerScore != 0 {
			score = hit.RerankerScore
		}
		r := domain.SearchResult{
			Key:        hit.Key,
			ID:         hit.ID,
			Content:    hit.Content,
			Category:   hit.Category,
			SourceFile: hit.SourceFile,
			SourcePage: hit.SourcePage,
			Score:      score,
		}
		if req.Captions {
			for _, caption := range hit.Captions {
				r.Captions = append(r.Captions, caption.Text)
			}
		}
		out = append(out, r)
	}
	return out, nil
}

func (c *Client) search(ctx context.Context, body searchBody) (searchResponse, error) {
	path := "/indexes/" + url.PathEscape(c.index) + "/docs/search"
	resp, err := resilience.Do(ctx, c.exec, "azure_docs_search", func(ctx context.Context) (searchResponse, error) {
		var out searchResponse
		err := c.do(ctx, http.MethodPost, path, body, &out, "search")
		return out, err
	}, resilience.ClassifyHTTPError)
	return resp, resilience.WrapTemporary("azure search", err, resilience.ClassifyHTTPError)
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any, operation string) error {
	var reader *bytes.Reader
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", operation, err)
		}
		reader = bytes.NewReader(body)
	}

	endpoint := c.baseURL + path + "?api-version=" + url.QueryEscape(c.apiVersion)
	var req *http.Request
	var err error
	if reader != nil {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, reader)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, nil)
	}
	if err != nil {
		return fmt.Errorf("create %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.apiKey != "":
		req.Header.Set("api-key", c.apiKey)
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s request: %w", serviceName, operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return resilience.NewHTTPStatusError(serviceName, operation, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", operation, err)
	}
	return nil
}

func escapeLiteral(v string) string {
	return strings.ReplaceAll(v, "'", "''")
}
