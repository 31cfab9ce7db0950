package spreadsheet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/energy-data-assistant/internal/core/domain"
)

// Decoder turns every non-empty sheet into one document whose content is a
// JSON array of row objects keyed by the header row.
type Decoder struct{}

func NewDecoder() *Decoder {
	return &Decoder{}
}

func (d *Decoder) Decode(_ context.Context, name string, raw []byte) ([]domain.SourceDocument, error) {
	f, err := excelize.OpenReader(bytes.NewReader(raw))
	if err != nil {
		return nil, domain.WrapError(domain.ErrData, "open spreadsheet", err)
	}
	defer f.Close()

	base := path.Base(name)
	base = strings.TrimSuffix(base, path.Ext(base))

	var docs []domain.SourceDocument
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, domain.WrapError(domain.ErrData, "read spreadsheet", fmt.Errorf("sheet %q: %w", sheet, err))
		}
		content, ok, err := sheetJSON(rows)
		if err != nil {
			return nil, domain.WrapError(domain.ErrData, "encode spreadsheet", fmt.Errorf("sheet %q: %w", sheet, err))
		}
		if !ok {
			continue
		}
		docs = append(docs, domain.SourceDocument{
			ID:         base + "-" + sheet,
			Content:    content,
			SourceFile: name,
		})
	}
	return docs, nil
}

// sheetJSON keeps header column order, which a map would lose.
func sheetJSON(rows [][]string) (string, bool, error) {
	if len(rows) < 2 {
		return "", false, nil
	}
	header := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		h = strings.TrimSpace(h)
		if h == "" {
			h = fmt.Sprintf("column_%d", i+1)
		}
		header[i] = h
	}

	var buf bytes.Buffer
	buf.WriteByte('[')
	written := 0
	for _, row := range rows[1:] {
		if isBlank(row) {
			continue
		}
		if written > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('{')
		for i, col := range header {
			if i > 0 {
				buf.WriteByte(',')
			}
			value := ""
			if i < len(row) {
				value = row[i]
			}
			if err := writePair(&buf, col, value); err != nil {
				return "", false, err
			}
		}
		buf.WriteByte('}')
		written++
	}
	buf.WriteByte(']')
	if written == 0 {
		return "", false, nil
	}
	return buf.String(), true, nil
}

func writePair(buf *bytes.Buffer, key, value string) error {
	k, err := json.Marshal(key)
	if err != nil {
		return err
	}
	v, err := json.Marshal(value)
	if err != nil {
		return err
	}
	buf.Write(k)
	buf.WriteByte(':')
	buf.Write(v)
	return nil
}

func isBlank(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
