package bleveindex

import (
	"testing"

	"github.com/kirillkom/energy-data-assistant/internal/core/domain"
)

func TestFuseRRFDeduplicatesByKey(t *testing.T) {
	primary := []domain.SearchResult{{Key: "a", Score: 0.9}, {Key: "b", Score: 0.8}}
	secondary := []domain.SearchResult{{Key: "b", Score: 1.0, Captions: []string{"cap"}}, {Key: "c", Score: 0.7}}

	fused := fuseRRF(primary, secondary, 60)
	if len(fused) != 3 {
		t.Fatalf("expected 3 fused results, got %d", len(fused))
	}
	if fused[0].Key != "b" {
		t.Fatalf("expected b first, got %s", fused[0].Key)
	}
	if len(fused[0].Captions) != 1 {
		t.Fatalf("expected captions carried over from the richer hit")
	}
}

func TestRerankPrefersTokenOverlap(t *testing.T) {
	fused := []domain.SearchResult{
		{Key: "generic-0", SourceFile: "generic.json", Content: "unrelated text", Score: 0.95},
		{Key: "well-0", SourceFile: "wellbore.json", Content: "wellbore operator acme", Score: 1.0},
	}
	out := rerank("wellbore operator", fused, 2)
	if out[0].Key != "well-0" {
		t.Fatalf("expected well-0 first, got %s", out[0].Key)
	}
	if len(rerank("x", nil, 5)) != 0 {
		t.Fatalf("expected empty output")
	}
}
