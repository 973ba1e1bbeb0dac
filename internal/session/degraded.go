package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"

	"collabtext/internal/op"
)

// degradation is set while the document cannot reach the distribution
// medium. Writes are refused until recovery republishes the pending tail.
type degradation struct {
	since  time.Time
	cause  error
	cancel context.CancelFunc
}

// publish hands an accepted operation to the distribution layer. Failure
// after the publisher's retries puts the document in degraded mode.
func (d *document) publish(ctx context.Context, o op.Operation) error {
	if d.degraded != nil {
		return d.degradedError()
	}
	if err := d.c.publisher.Publish(ctx, o); err != nil {
		d.degrade(err)
		return d.degradedError()
	}
	d.replica.MarkPublished(o.Seq())
	return nil
}

func (d *document) degradedError() error {
	return &op.DegradedError{
		DocumentID: d.id,
		RetryAfter: d.c.opts.Retry.MaxInterval,
		Cause:      d.degraded.cause,
	}
}

func (d *document) degrade(cause error) {
	if d.degraded != nil {
		d.degraded.cause = cause
		return
	}
	ctx, cancel := context.WithCancel(d.c.ctx)
	d.degraded = &degradation{since: d.c.opts.Now(), cause: cause, cancel: cancel}
	d.logger.Error("distribution unreachable, refusing writes", slog.Any("error", cause))

	d.c.wg.Add(1)
	go func() {
		defer d.c.wg.Done()
		d.recoverLoop(ctx)
	}()
}

// ensureHealthy lets a write through when the document is healthy, or
// when an immediate recovery attempt succeeds.
func (d *document) ensureHealthy(ctx context.Context) error {
	if d.degraded == nil {
		return nil
	}
	if err := d.recover(ctx); err != nil {
		return d.degradedError()
	}
	return nil
}

// recover probes the medium, catches up from the log and republishes every
// operation accepted since the last confirmed publish.
func (d *document) recover(ctx context.Context) error {
	if d.degraded == nil {
		return nil
	}
	if err := d.c.publisher.Ping(ctx); err != nil {
		d.degraded.cause = err
		return err
	}
	if err := d.catchUp(ctx); err != nil {
		return err
	}
	pending, err := d.since(ctx, d.replica.Published())
	if err != nil {
		return err
	}
	for _, o := range pending {
		if err := d.c.publisher.Publish(ctx, o); err != nil {
			d.degraded.cause = err
			return fmt.Errorf("republish %s: %w", o.ID, err)
		}
		d.replica.MarkPublished(o.Seq())
	}

	d.logger.Info("distribution recovered",
		slog.Int("republished", len(pending)),
		slog.Duration("degraded_for", d.c.opts.Now().Sub(d.degraded.since)))
	d.degraded.cancel()
	d.degraded = nil
	d.ensureSubscribed(ctx)
	return nil
}

// recoverLoop probes the medium with exponential backoff and asks the actor
// to recover once it answers.
func (d *document) recoverLoop(ctx context.Context) {
	policy := d.c.publisher.NewBackOff()
	policy.MaxElapsedTime = 0
	ticker := backoff.NewTicker(backoff.WithContext(policy, ctx))
	defer ticker.Stop()

	for range ticker.C {
		if err := d.c.publisher.Ping(ctx); err != nil {
			continue
		}
		err := d.do(ctx, func() error { return d.recover(ctx) })
		if err == nil || ctx.Err() != nil {
			return
		}
		d.logger.Debug("recovery attempt failed", slog.Any("error", err))
	}
}
