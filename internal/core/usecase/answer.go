package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kirillkom/energy-data-assistant/internal/core/domain"
	"github.com/kirillkom/energy-data-assistant/internal/core/ports"
)

const (
	defaultTop         = 3
	defaultTemperature = 0.3
	answerMaxTokens    = 1024
)

type AnswerOptions struct {
	// Timeout bounds search and completion together. Zero leaves the
	// caller's deadline alone.
	Timeout time.Duration
	// PromptTemplate replaces DefaultPromptTemplate when no override is sent.
	PromptTemplate string
}

// AnswerUseCase answers one question from retrieved evidence in a single
// round trip. It does not retry.
type AnswerUseCase struct {
	searcher  ports.Searcher
	completer ports.Completer
	logger    *slog.Logger
	opts      AnswerOptions
}

func NewAnswerUseCase(searcher ports.Searcher, completer ports.Completer, logger *slog.Logger, opts AnswerOptions) *AnswerUseCase {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.PromptTemplate == "" {
		opts.PromptTemplate = DefaultPromptTemplate
	}
	return &AnswerUseCase{
		searcher:  searcher,
		completer: completer,
		logger:    logger,
		opts:      opts,
	}
}

func (uc *AnswerUseCase) Answer(ctx context.Context, question string, overrides domain.AnswerOverrides) (*domain.Answer, error) {
	if strings.TrimSpace(question) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "answer", errors.New("question is required"))
	}
	if uc.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, uc.opts.Timeout)
		defer cancel()
	}

	top := overrides.Top
	if top <= 0 {
		top = defaultTop
	}
	temperature := overrides.Temperature
	if temperature == 0 {
		temperature = defaultTemperature
	}
	template := overrides.PromptTemplate
	if template == "" {
		template = uc.opts.PromptTemplate
	}

	results, err := uc.searcher.Search(ctx, domain.SearchRequest{
		Text:     question,
		Filter:   domain.SearchFilter{ExcludeCategory: overrides.ExcludeCategory},
		Top:      top,
		Semantic: overrides.SemanticRanker,
		Captions: overrides.SemanticRanker && overrides.SemanticCaptions,
	})
	if err != nil {
		return nil, failure(ctx, domain.ErrRetrieval, "search index", err)
	}

	evidence := BuildEvidence(results, overrides.SemanticCaptions)
	prompt, err := RenderPrompt(template, question, strings.Join(evidence, "\n"))
	if err != nil {
		return nil, err
	}
	uc.logger.Debug("prompt_rendered", "results", len(results), "prompt_chars", len(prompt))

	text, err := uc.completer.Complete(ctx, domain.CompletionRequest{
		Prompt:      prompt,
		Temperature: temperature,
		MaxTokens:   answerMaxTokens,
		N:           1,
		Stop:        []string{"\n"},
	})
	if err != nil {
		return nil, failure(ctx, domain.ErrGeneration, "complete prompt", err)
	}

	return &domain.Answer{
		Answer:     text,
		DataPoints: evidence,
		Thoughts:   renderThoughts(question, prompt),
	}, nil
}

// failure keeps an expired deadline distinct from a collaborator failure.
func failure(ctx context.Context, kind error, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.WrapError(domain.ErrTimeout, op, err)
	}
	if domain.IsKind(err, kind) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return domain.WrapError(kind, op, err)
}
