package keying

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kirillkom/energy-data-assistant/internal/core/domain"
	"github.com/kirillkom/energy-data-assistant/internal/infrastructure/chunking"
)

type Encoding string

const (
	// EncodingColon replaces ':' with '_'. "a:b" and "a_b" collide.
	EncodingColon Encoding = "colon"
	// EncodingBase64 applies URL-safe base64 before colon replacement.
	EncodingBase64 Encoding = "base64"
)

func ParseEncoding(raw string) (Encoding, error) {
	switch Encoding(strings.ToLower(strings.TrimSpace(raw))) {
	case "", EncodingColon:
		return EncodingColon, nil
	case EncodingBase64:
		return EncodingBase64, nil
	default:
		return "", domain.WrapError(domain.ErrInvalidInput, "parse key encoding", fmt.Errorf("unknown encoding %q", raw))
	}
}

// EncodeKey makes id safe for use as an index key.
func (e Encoding) EncodeKey(id string) string {
	if e == EncodingBase64 {
		id = base64.URLEncoding.EncodeToString([]byte(id))
	}
	return strings.ReplaceAll(id, ":", "_")
}

// ExtractIdentity parses a JSON record and returns its id, its compact
// single-line serialization (field order preserved) and its optional kind.
func ExtractIdentity(raw []byte) (id, serialized, kind string, err error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", "", "", domain.WrapError(domain.ErrData, "parse record", err)
	}

	id, err = scalarText(fields["id"])
	if err != nil {
		return "", "", "", domain.WrapError(domain.ErrData, "read id", err)
	}
	if id == "" {
		return "", "", "", domain.WrapError(domain.ErrData, "read id", errors.New("record has no id"))
	}

	if rawKind, ok := fields["kind"]; ok {
		if kind, err = scalarText(rawKind); err != nil {
			kind = ""
		}
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return "", "", "", domain.WrapError(domain.ErrData, "compact record", err)
	}
	return id, compact.String(), kind, nil
}

func scalarText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("value %s is not a string or number", string(raw))
}

// DeriveCategory recovers the entity type from a namespaced kind, e.g.
// "osdu:wks:master-data--Wellbore:1.0.0" gives "Wellbore". Malformed input
// gives "".
func DeriveCategory(kind string) string {
	segments := strings.Split(kind, ":")
	if len(segments) < 2 {
		return ""
	}
	parts := strings.Split(segments[len(segments)-2], "--")
	return parts[len(parts)-1]
}

type Options struct {
	Encoding Encoding
	// ContentPrefix prepends "ID <id>, " to every chunk for retrieval context.
	ContentPrefix bool
	// WithKind fills the optional kind field of the index.
	WithKind bool
}

// Keyer builds index records from the chunks of one document.
type Keyer struct {
	opts Options
}

func New(opts Options) *Keyer {
	if opts.Encoding == "" {
		opts.Encoding = EncodingColon
	}
	return &Keyer{opts: opts}
}

func (k *Keyer) Encoding() Encoding { return k.opts.Encoding }

func (k *Keyer) Records(doc domain.SourceDocument, chunks []string, categoryOverride string) ([]domain.IndexRecord, error) {
	if doc.ID == "" {
		return nil, domain.WrapError(domain.ErrData, "key document", fmt.Errorf("document from %s has no id", doc.SourceFile))
	}

	category := DeriveCategory(doc.Kind)
	if category == "" {
		category = categoryOverride
	}
	encoded := k.opts.Encoding.EncodeKey(doc.ID)

	records := make([]domain.IndexRecord, 0, len(chunks))
	for seq, chunk := range chunks {
		content := chunking.NormalizeQuotes(chunk)
		if k.opts.ContentPrefix {
			content = "ID " + doc.ID + ", " + content
		}
		record := domain.IndexRecord{
			Key:        fmt.Sprintf("%s-%d", encoded, seq),
			ID:         doc.ID,
			Content:    content,
			Category:   category,
			SourceFile: doc.SourceFile,
			SourcePage: domain.SourcePage(doc.SourceFile, seq),
		}
		if k.opts.WithKind {
			record.Kind = doc.Kind
		}
		records = append(records, record)
	}
	return records, nil
}
