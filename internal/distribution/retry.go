package distribution

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"

	"collabtext/internal/op"
)

// RetryConfig bounds how long RetryPublisher keeps trying one publish.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsed caps the total retry time; once spent the last error is returned
	// and the caller enters degraded mode.
	MaxElapsed time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.InitialInterval <= 0 {
		c.InitialInterval = 50 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = time.Second
	}
	if c.MaxElapsed <= 0 {
		c.MaxElapsed = 2 * time.Second
	}
	return c
}

// RetryPublisher wraps a Broker and retries failed operation publishes with
// exponential backoff. Every other method passes straight through.
type RetryPublisher struct {
	Broker
	cfg    RetryConfig
	logger *slog.Logger
}

// NewRetryPublisher wraps b.
func NewRetryPublisher(b Broker, cfg RetryConfig, logger *slog.Logger) *RetryPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryPublisher{
		Broker: b,
		cfg:    cfg.withDefaults(),
		logger: logger.With(slog.String("component", "retry_publisher")),
	}
}

// NewBackOff returns a fresh policy built from the publisher's settings.
func (p *RetryPublisher) NewBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.InitialInterval
	b.MaxInterval = p.cfg.MaxInterval
	b.MaxElapsedTime = p.cfg.MaxElapsed
	b.Reset()
	return b
}

func (p *RetryPublisher) Publish(ctx context.Context, o op.Operation) error {
	if !o.Stamp.Accepted() {
		// Refused without touching the medium; nothing to retry.
		return p.Broker.Publish(ctx, o)
	}
	attempt := func() error {
		return p.Broker.Publish(ctx, o)
	}
	notify := func(err error, wait time.Duration) {
		p.logger.Warn("publish failed, retrying",
			slog.String("document_id", o.DocumentID),
			slog.String("op_id", o.ID),
			slog.Duration("retry_in", wait),
			slog.Any("error", err))
	}
	return backoff.RetryNotify(attempt, backoff.WithContext(p.NewBackOff(), ctx), notify)
}
