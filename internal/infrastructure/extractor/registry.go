package extractor

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/kirillkom/energy-data-assistant/internal/core/domain"
	"github.com/kirillkom/energy-data-assistant/internal/core/ports"
	"github.com/kirillkom/energy-data-assistant/internal/infrastructure/extractor/jsonrecord"
	"github.com/kirillkom/energy-data-assistant/internal/infrastructure/extractor/pdf"
	"github.com/kirillkom/energy-data-assistant/internal/infrastructure/extractor/plaintext"
	"github.com/kirillkom/energy-data-assistant/internal/infrastructure/extractor/spreadsheet"
)

// Registry dispatches decoding by file extension.
type Registry struct {
	decoders map[string]ports.DocumentDecoder
	pages    ports.PageCounter
}

func NewRegistry() *Registry {
	r := &Registry{decoders: make(map[string]ports.DocumentDecoder)}
	pdfDecoder := pdf.NewDecoder()
	text := plaintext.NewDecoder()
	r.Register(".json", jsonrecord.NewDecoder())
	r.Register(".pdf", pdfDecoder)
	r.Register(".xlsx", spreadsheet.NewDecoder())
	r.Register(".txt", text)
	r.Register(".md", text)
	r.Register(".csv", text)
	r.pages = pdfDecoder
	return r
}

func (r *Registry) Register(ext string, decoder ports.DocumentDecoder) {
	r.decoders[strings.ToLower(ext)] = decoder
}

func (r *Registry) Supports(name string) bool {
	_, ok := r.decoders[strings.ToLower(path.Ext(name))]
	return ok
}

func (r *Registry) Decode(ctx context.Context, name string, raw []byte) ([]domain.SourceDocument, error) {
	decoder, ok := r.decoders[strings.ToLower(path.Ext(name))]
	if !ok {
		return nil, domain.WrapError(domain.ErrData, "decode", fmt.Errorf("unsupported format: %s", name))
	}
	return decoder.Decode(ctx, name, raw)
}

func (r *Registry) PageCount(raw []byte) (int, error) {
	return r.pages.PageCount(raw)
}
