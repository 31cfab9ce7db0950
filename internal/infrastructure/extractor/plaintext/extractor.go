package plaintext

import (
	"context"
	"fmt"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/kirillkom/energy-data-assistant/internal/core/domain"
)

// Decoder turns a UTF-8 text file into a single document named after the file.
type Decoder struct{}

func NewDecoder() *Decoder {
	return &Decoder{}
}

func (d *Decoder) Decode(_ context.Context, name string, raw []byte) ([]domain.SourceDocument, error) {
	if !utf8.Valid(raw) {
		return nil, domain.WrapError(domain.ErrData, "decode text", fmt.Errorf("unsupported binary content: %s", name))
	}

	text := strings.TrimSpace(string(raw))
	if text == "" {
		return nil, nil
	}

	base := path.Base(name)
	return []domain.SourceDocument{{
		ID:         strings.TrimSuffix(base, path.Ext(base)),
		Content:    Flatten(text),
		SourceFile: name,
	}}, nil
}

// Flatten collapses line breaks so content stays on a single line.
func Flatten(text string) string {
	text = strings.ReplaceAll(text, "\r\n", " ")
	return strings.NewReplacer("\n", " ", "\r", " ").Replace(text)
}
