package plaintext

import (
	"context"
	"testing"

	"github.com/kirillkom/energy-data-assistant/internal/core/domain"
)

func TestDecodeFlattensLines(t *testing.T) {
	docs, err := NewDecoder().Decode(context.Background(), "notes/field-report.txt", []byte("line one\r\nline two\nline three\n"))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected one document, got %d", len(docs))
	}
	if docs[0].ID != "field-report" {
		t.Fatalf("unexpected id %q", docs[0].ID)
	}
	if docs[0].Content != "line one line two line three" {
		t.Fatalf("unexpected content %q", docs[0].Content)
	}
	if docs[0].SourceFile != "notes/field-report.txt" {
		t.Fatalf("unexpected source file %q", docs[0].SourceFile)
	}
}

func TestDecodeEmptyFileHasNoDocuments(t *testing.T) {
	docs, err := NewDecoder().Decode(context.Background(), "empty.txt", []byte("  \n "))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(docs) != 0 {
		t.Fatalf("expected no documents, got %d", len(docs))
	}
}

func TestDecodeRejectsBinary(t *testing.T) {
	_, err := NewDecoder().Decode(context.Background(), "blob.bin", []byte{0xff, 0xfe, 0x00})
	if !domain.IsKind(err, domain.ErrData) {
		t.Fatalf("expected ErrData, got %v", err)
	}
}
