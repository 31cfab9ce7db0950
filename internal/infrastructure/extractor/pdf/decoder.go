package pdf

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/kirillkom/energy-data-assistant/internal/core/domain"
	"github.com/kirillkom/energy-data-assistant/internal/infrastructure/extractor/plaintext"
)

var pageSuffix = regexp.MustCompile(`^(.*)-(\d+)\.pdf$`)

// Decoder extracts page text locally. Page blobs named {base}-{n}.pdf carry
// the whole source file; only page n (0-based) is decoded from them.
type Decoder struct{}

func NewDecoder() *Decoder {
	return &Decoder{}
}

func (d *Decoder) PageCount(raw []byte) (int, error) {
	r, err := open(raw)
	if err != nil {
		return 0, err
	}
	return r.NumPage(), nil
}

func (d *Decoder) Decode(_ context.Context, name string, raw []byte) ([]domain.SourceDocument, error) {
	r, err := open(raw)
	if err != nil {
		return nil, err
	}
	numPages := r.NumPage()

	if base, page, ok := ParsePageBlob(name); ok && page < numPages {
		doc, err := pageDocument(r, base, page, name)
		if err != nil {
			return nil, err
		}
		if doc.Content == "" {
			return nil, nil
		}
		return []domain.SourceDocument{doc}, nil
	}

	base := strings.TrimSuffix(name, path.Ext(name))
	docs := make([]domain.SourceDocument, 0, numPages)
	for i := 0; i < numPages; i++ {
		doc, err := pageDocument(r, base, i, fmt.Sprintf("%s-%d.pdf", base, i))
		if err != nil {
			return nil, err
		}
		if doc.Content == "" {
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// ParsePageBlob splits a page blob name into its base and 0-based page.
func ParsePageBlob(name string) (string, int, bool) {
	m := pageSuffix.FindStringSubmatch(name)
	if m == nil {
		return "", 0, false
	}
	page, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, false
	}
	return m[1], page, true
}

func open(raw []byte) (*pdf.Reader, error) {
	r, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, domain.WrapError(domain.ErrData, "open pdf", err)
	}
	return r, nil
}

func pageDocument(r *pdf.Reader, base string, index int, sourceFile string) (domain.SourceDocument, error) {
	page := r.Page(index + 1)
	if page.V.IsNull() {
		return domain.SourceDocument{}, nil
	}
	text, err := page.GetPlainText(nil)
	if err != nil {
		return domain.SourceDocument{}, domain.WrapError(domain.ErrData, "extract pdf page", fmt.Errorf("page %d: %w", index+1, err))
	}
	return domain.SourceDocument{
		ID:         fmt.Sprintf("%s-%d", path.Base(base), index),
		Content:    strings.TrimSpace(plaintext.Flatten(text)),
		SourceFile: sourceFile,
		Page:       index,
	}, nil
}
