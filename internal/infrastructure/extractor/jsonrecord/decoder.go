package jsonrecord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/kirillkom/energy-data-assistant/internal/core/domain"
	"github.com/kirillkom/energy-data-assistant/internal/infrastructure/keying"
)

// Decoder reads storage records. A file holds one record object or an array
// of them.
type Decoder struct{}

func NewDecoder() *Decoder {
	return &Decoder{}
}

func (d *Decoder) Decode(_ context.Context, name string, raw []byte) ([]domain.SourceDocument, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, domain.WrapError(domain.ErrData, "decode record", fmt.Errorf("empty file: %s", name))
	}

	if trimmed[0] != '[' {
		doc, err := decodeOne(name, trimmed)
		if err != nil {
			return nil, err
		}
		return []domain.SourceDocument{doc}, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, domain.WrapError(domain.ErrData, "decode record array", err)
	}
	docs := make([]domain.SourceDocument, 0, len(items))
	for i, item := range items {
		doc, err := decodeOne(name, item)
		if err != nil {
			return nil, fmt.Errorf("record %d of %s: %w", i, name, err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func decodeOne(name string, raw []byte) (domain.SourceDocument, error) {
	id, serialized, kind, err := keying.ExtractIdentity(raw)
	if err != nil {
		return domain.SourceDocument{}, err
	}
	return domain.SourceDocument{
		ID:         id,
		Content:    serialized,
		Kind:       kind,
		SourceFile: name,
	}, nil
}
