package bleveindex

import (
	"sort"
	"strings"
	"unicode"

	"github.com/kirillkom/energy-data-assistant/internal/core/domain"
)

type fusedCandidate struct {
	result domain.SearchResult
	score  float64
}

func fuseRRF(primary, secondary []domain.SearchResult, rrfK int) []domain.SearchResult {
	if rrfK <= 0 {
		rrfK = 60
	}

	acc := make(map[string]fusedCandidate, len(primary)+len(secondary))
	addList := func(results []domain.SearchResult) {
		for rank, r := range results {
			candidate := acc[r.Key]
			candidate.result = preferRicher(candidate.result, r)
			candidate.score += 1.0 / float64(rrfK+rank+1)
			acc[r.Key] = candidate
		}
	}
	addList(primary)
	addList(secondary)

	out := make([]domain.SearchResult, 0, len(acc))
	for _, c := range acc {
		r := c.result
		r.Score = c.score
		out = append(out, r)
	}
	sortResults(out)
	return out
}

func preferRicher(current, candidate domain.SearchResult) domain.SearchResult {
	if current.Key == "" {
		return candidate
	}
	if len(current.Captions) == 0 && len(candidate.Captions) > 0 {
		current.Captions = candidate.Captions
	}
	return current
}

// rerank blends the normalized fused score with query token overlap and a
// source file hit for the first topN results.
func rerank(question string, fused []domain.SearchResult, topN int) []domain.SearchResult {
	if len(fused) == 0 {
		return fused
	}
	if topN <= 0 || topN > len(fused) {
		topN = len(fused)
	}

	head := make([]domain.SearchResult, topN)
	copy(head, fused[:topN])
	queryTokens := toTokenSet(question)

	minScore, maxScore := head[0].Score, head[0].Score
	for _, r := range head[1:] {
		minScore = min(minScore, r.Score)
		maxScore = max(maxScore, r.Score)
	}
	rangeScore := maxScore - minScore
	normalize := func(v float64) float64 {
		if rangeScore <= 0 {
			if v > 0 {
				return 1
			}
			return 0
		}
		return (v - minScore) / rangeScore
	}

	for i := range head {
		overlap := tokenOverlap(queryTokens, toTokenSet(head[i].Content))
		head[i].Score = 0.60*normalize(head[i].Score) + 0.30*overlap + 0.10*sourceFileHit(queryTokens, head[i].SourceFile)
	}
	sortResults(head)

	if topN == len(fused) {
		return head
	}
	out := make([]domain.SearchResult, 0, len(fused))
	out = append(out, head...)
	return append(out, fused[topN:]...)
}

func sortResults(results []domain.SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Key < results[j].Key
	})
}

func trim(results []domain.SearchResult, limit int) []domain.SearchResult {
	if limit <= 0 || len(results) <= limit {
		return results
	}
	return results[:limit]
}

func tokenOverlap(query, content map[string]struct{}) float64 {
	if len(query) == 0 || len(content) == 0 {
		return 0
	}
	matches := 0
	for token := range query {
		if _, ok := content[token]; ok {
			matches++
		}
	}
	return float64(matches) / float64(len(query))
}

func sourceFileHit(query map[string]struct{}, sourceFile string) float64 {
	if len(query) == 0 || sourceFile == "" {
		return 0
	}
	sourceFile = strings.ToLower(sourceFile)
	for token := range query {
		if token != "" && strings.Contains(sourceFile, token) {
			return 1
		}
	}
	return 0
}

func toTokenSet(s string) map[string]struct{} {
	tokens := splitAlphaNumLower(s)
	out := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		out[token] = struct{}{}
	}
	return out
}

func splitAlphaNumLower(s string) []string {
	if s == "" {
		return nil
	}
	tokens := make([]string, 0, 16)
	var b strings.Builder
	for _, r := range s {
		r = unicode.ToLower(r)
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			continue
		}
		if b.Len() > 0 {
			tokens = append(tokens, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		tokens = append(tokens, b.String())
	}
	return tokens
}
