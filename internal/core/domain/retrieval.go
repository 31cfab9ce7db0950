package domain

import "strings"

// SearchFilter narrows a search. The zero value matches everything.
type SearchFilter struct {
	ExcludeCategory string
}

// Expression renders the filter in the search service's OData syntax.
func (f SearchFilter) Expression() string {
	if f.ExcludeCategory == "" {
		return ""
	}
	return "category ne '" + strings.ReplaceAll(f.ExcludeCategory, "'", "''") + "'"
}

type SearchRequest struct {
	Text     string
	Filter   SearchFilter
	Top      int
	Semantic bool
	Captions bool
}

// SearchResult is one ranked hit. Results keep the engine's order.
type SearchResult struct {
	Key        string   `json:"keyfield"`
	ID         string   `json:"id"`
	Content    string   `json:"content"`
	Category   string   `json:"category"`
	SourceFile string   `json:"sourcefile"`
	SourcePage string   `json:"sourcepage"`
	Score      float64  `json:"score"`
	Captions   []string `json:"captions,omitempty"`
}

// AnswerOverrides are the per-request knobs of the answering endpoint.
type AnswerOverrides struct {
	SemanticCaptions bool    `json:"semantic_captions"`
	Top              int     `json:"top"`
	ExcludeCategory  string  `json:"exclude_category"`
	SemanticRanker   bool    `json:"semantic_ranker"`
	Temperature      float64 `json:"temperature"`
	PromptTemplate   string  `json:"prompt_template"`
}

type CompletionRequest struct {
	Prompt      string
	Temperature float64
	MaxTokens   int
	N           int
	Stop        []string
}

type Answer struct {
	Answer     string   `json:"answer"`
	DataPoints []string `json:"data_points"`
	Thoughts   string   `json:"thoughts"`
}
