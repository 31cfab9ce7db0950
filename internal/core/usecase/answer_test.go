package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kirillkom/energy-data-assistant/internal/core/domain"
)

type searcherFake struct {
	results []domain.SearchResult
	err     error
	block   bool
	got     domain.SearchRequest
}

func (f *searcherFake) Search(ctx context.Context, req domain.SearchRequest) ([]domain.SearchResult, error) {
	f.got = req
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.results, f.err
}

type completerFake struct {
	text string
	err  error
	got  domain.CompletionRequest
	hits int
}

func (f *completerFake) Complete(_ context.Context, req domain.CompletionRequest) (string, error) {
	f.hits++
	f.got = req
	return f.text, f.err
}

func TestAnswerBuildsGroundedPrompt(t *testing.T) {
	searcher := &searcherFake{results: []domain.SearchResult{{Content: "Operator is Acme", Score: 0.9}}}
	completer := &completerFake{text: "Acme operates it."}
	uc := NewAnswerUseCase(searcher, completer, nil, AnswerOptions{})

	answer, err := uc.Answer(context.Background(), "Who operates wellbore 7?", domain.AnswerOverrides{})
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if len(answer.DataPoints) != 1 || answer.DataPoints[0] != "Operator is Acme" {
		t.Fatalf("unexpected data points %#v", answer.DataPoints)
	}
	if answer.Answer != "Acme operates it." {
		t.Fatalf("unexpected answer %q", answer.Answer)
	}

	prompt := completer.got.Prompt
	if !strings.Contains(prompt, "Operator is Acme") || !strings.Contains(prompt, "Question: 'Who operates wellbore 7?'?") {
		t.Fatalf("prompt misses evidence or question:\n%s", prompt)
	}
	if !strings.Contains(prompt, "The operator of wellbore 1014 is Vermilion Energy Netherlands B.V.") {
		t.Fatal("default prompt must carry the worked example")
	}
	if completer.got.Temperature != 0.3 || completer.got.MaxTokens != 1024 || completer.got.N != 1 ||
		len(completer.got.Stop) != 1 || completer.got.Stop[0] != "\n" {
		t.Fatalf("unexpected completion request %+v", completer.got)
	}
	if searcher.got.Top != 3 || searcher.got.Semantic || searcher.got.Captions {
		t.Fatalf("unexpected search request %+v", searcher.got)
	}
	if !strings.HasPrefix(answer.Thoughts, "Question:<br>Who operates wellbore 7?<br><br>Prompt:<br>") ||
		strings.Contains(answer.Thoughts, "\n") {
		t.Fatalf("unexpected thoughts %q", answer.Thoughts)
	}
}

func TestAnswerAppliesOverrides(t *testing.T) {
	searcher := &searcherFake{results: []domain.SearchResult{
		{Content: "line one\nline two", Captions: []string{"cap a", "cap\nb"}},
		{Content: "no captions here"},
	}}
	completer := &completerFake{text: "ok"}
	uc := NewAnswerUseCase(searcher, completer, nil, AnswerOptions{})

	answer, err := uc.Answer(context.Background(), "q", domain.AnswerOverrides{
		SemanticCaptions: true,
		SemanticRanker:   true,
		Top:              5,
		ExcludeCategory:  "O'Brien",
		Temperature:      0.7,
		PromptTemplate:   "{{json}} {q} => {retrieved}",
	})
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	want := []string{"cap a . cap b", "no captions here"}
	if strings.Join(answer.DataPoints, "|") != strings.Join(want, "|") {
		t.Fatalf("data points = %#v, want %#v", answer.DataPoints, want)
	}
	if completer.got.Prompt != "{json} q => cap a . cap b\nno captions here" {
		t.Fatalf("unexpected prompt %q", completer.got.Prompt)
	}
	if searcher.got.Filter.Expression() != "category ne 'O''Brien'" || searcher.got.Top != 5 ||
		!searcher.got.Semantic || !searcher.got.Captions {
		t.Fatalf("unexpected search request %+v", searcher.got)
	}
	if completer.got.Temperature != 0.7 {
		t.Fatalf("temperature = %v", completer.got.Temperature)
	}
}

func TestAnswerErrorKinds(t *testing.T) {
	ctx := context.Background()

	uc := NewAnswerUseCase(&searcherFake{err: errors.New("503")}, &completerFake{}, nil, AnswerOptions{})
	if _, err := uc.Answer(ctx, "q", domain.AnswerOverrides{}); !errors.Is(err, domain.ErrRetrieval) {
		t.Fatalf("expected ErrRetrieval, got %v", err)
	}

	completer := &completerFake{err: errors.New("model overloaded")}
	uc = NewAnswerUseCase(&searcherFake{}, completer, nil, AnswerOptions{})
	if _, err := uc.Answer(ctx, "q", domain.AnswerOverrides{}); !errors.Is(err, domain.ErrGeneration) {
		t.Fatalf("expected ErrGeneration, got %v", err)
	}

	if _, err := uc.Answer(ctx, "  ", domain.AnswerOverrides{}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := uc.Answer(ctx, "q", domain.AnswerOverrides{PromptTemplate: "{question}"}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown placeholder, got %v", err)
	}
}

func TestAnswerTimeoutIsDistinct(t *testing.T) {
	completer := &completerFake{}
	uc := NewAnswerUseCase(&searcherFake{block: true}, completer, nil, AnswerOptions{Timeout: 20 * time.Millisecond})

	_, err := uc.Answer(context.Background(), "q", domain.AnswerOverrides{})
	if !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if errors.Is(err, domain.ErrRetrieval) {
		t.Fatalf("timeout must not be reported as retrieval failure: %v", err)
	}
	if completer.hits != 0 {
		t.Fatal("completion must not run after a failed search")
	}
}

func TestRenderPromptBraces(t *testing.T) {
	cases := []struct {
		template string
		want     string
		wantErr  bool
	}{
		{template: "{q}|{retrieved}", want: "Q|R"},
		{template: "{{q}}", want: "{q}"},
		{template: "a}}b", want: "a}b"},
		{template: "{q", wantErr: true},
		{template: "a}b", wantErr: true},
		{template: "{0}", wantErr: true},
	}
	for _, tc := range cases {
		got, err := RenderPrompt(tc.template, "Q", "R")
		if tc.wantErr {
			if !errors.Is(err, domain.ErrInvalidInput) {
				t.Fatalf("RenderPrompt(%q) expected ErrInvalidInput, got %v", tc.template, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("RenderPrompt(%q) = %q, %v; want %q", tc.template, got, err, tc.want)
		}
	}
}
