package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/energy-data-assistant/internal/infrastructure/resilience"
)

// Queue carries delegated ingestion job ids. Workers share one queue group
// so each job is handled once.
type Queue struct {
	conn       *nats.Conn
	subject    string
	group      string
	jobTimeout time.Duration
	executor   *resilience.Executor
	logger     *slog.Logger
}

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	QueueGroup           string
	// JobTimeout bounds one handler call. Zero means no limit.
	JobTimeout         time.Duration
	ResilienceExecutor *resilience.Executor
	Logger             *slog.Logger
}

func New(url, subject string, options Options) (*Queue, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	group := strings.TrimSpace(options.QueueGroup)
	if group == "" {
		group = "ingest-workers"
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(
		url,
		nats.Name("energy-data-assistant"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Queue{
		conn:       conn,
		subject:    subject,
		group:      group,
		jobTimeout: options.JobTimeout,
		executor:   options.ResilienceExecutor,
		logger:     logger,
	}, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

func (q *Queue) PublishJob(ctx context.Context, jobID string) error {
	call := func(_ context.Context) error {
		if err := q.conn.Publish(q.subject, []byte(jobID)); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	var err error
	if q.executor != nil {
		err = q.executor.Execute(ctx, "nats_publish", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return resilience.WrapTemporary("nats publish", err, classifyNATSError)
	}
	return nil
}

// SubscribeJobs blocks until ctx is done, then drains in-flight jobs.
func (q *Queue) SubscribeJobs(ctx context.Context, handler func(context.Context, string) error) error {
	sub, err := q.conn.QueueSubscribe(q.subject, q.group, func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		jobID := strings.TrimSpace(string(msg.Data))
		if jobID == "" {
			q.logger.Warn("job_message_empty", "subject", msg.Subject)
			return
		}

		handlerCtx, cancel := q.handlerContext(ctx)
		defer cancel()
		if err := handler(handlerCtx, jobID); err != nil {
			q.logger.Error("job_handler_failed", "job_id", jobID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

func (q *Queue) handlerContext(parent context.Context) (context.Context, context.CancelFunc) {
	if q.jobTimeout > 0 {
		return context.WithTimeout(parent, q.jobTimeout)
	}
	return context.WithCancel(parent)
}
