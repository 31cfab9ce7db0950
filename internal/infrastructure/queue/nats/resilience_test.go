package nats

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/sony/gobreaker/v2"

	"github.com/kirillkom/energy-data-assistant/internal/core/domain"
	"github.com/kirillkom/energy-data-assistant/internal/infrastructure/resilience"
)

func TestClassifyNATSError(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		retryable bool
		record    bool
	}{
		{name: "no servers", err: fmt.Errorf("nats publish: %w", nats.ErrNoServers), retryable: true, record: true},
		{name: "closed", err: nats.ErrConnectionClosed, retryable: true, record: true},
		{name: "canceled", err: context.Canceled},
		{name: "open circuit", err: gobreaker.ErrOpenState, retryable: true, record: true},
		{name: "bad subject", err: nats.ErrBadSubject, record: true},
	}
	for _, tc := range cases {
		got := classifyNATSError(tc.err)
		if got.Retryable != tc.retryable || got.RecordFailure != tc.record {
			t.Fatalf("%s: got %+v", tc.name, got)
		}
	}
}

func TestPublishErrorsBecomeTemporary(t *testing.T) {
	err := resilience.WrapTemporary("nats publish", nats.ErrNoServers, classifyNATSError)
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected ErrTemporary, got %v", err)
	}
	permanent := errors.New("payload rejected")
	if err := resilience.WrapTemporary("nats publish", permanent, classifyNATSError); domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("permanent error must not be temporary")
	}
}
