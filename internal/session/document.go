package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"collabtext/internal/auth"
	"collabtext/internal/causal"
	"collabtext/internal/conflict"
	"collabtext/internal/coordstore"
	"collabtext/internal/distribution"
	"collabtext/internal/op"
	"collabtext/internal/replica"
)

const inboxSize = 64

type task struct {
	fn   func() error
	done chan error
}

// document is the actor owning one document's replica on this instance.
// Every field below stopped is touched only by the run goroutine.
type document struct {
	id      string
	c       *Coordinator
	logger  *slog.Logger
	inbox   chan task
	stopped chan struct{}

	replica  *replica.Replica
	clock    *causal.Clock
	resolver *conflict.Resolver
	roles    map[string]string
	held     map[string]*heldOp
	sub      distribution.Subscription
	degraded *degradation

	sinceSnapshot int
}

// load rebuilds a document from its newest snapshot plus the log tail, or
// from the whole log.
func (c *Coordinator) load(ctx context.Context, documentID string) (*document, error) {
	ok, err := c.opts.Log.Exists(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("look up %s: %w", documentID, err)
	}
	if !ok {
		return nil, fmt.Errorf("load %s: %w", documentID, op.ErrDocumentNotFound)
	}

	d := &document{
		id:      documentID,
		c:       c,
		logger:  c.logger.With(slog.String("document_id", documentID)),
		inbox:   make(chan task, inboxSize),
		stopped: make(chan struct{}),
		clock:   causal.NewClock(),
		roles:   make(map[string]string),
		held:    make(map[string]*heldOp),
	}
	d.resolver = conflict.NewResolver(c.opts.Policy, func(user string) string { return d.roles[user] }, c.opts.Now)

	d.replica = replica.New(documentID, c.opts.HistoryLimit)
	if c.opts.Snapshots != nil {
		snap, ok, err := c.opts.Snapshots.Load(ctx, documentID)
		if err != nil {
			d.logger.Warn("snapshot unreadable, replaying the whole log", slog.Any("error", err))
		} else if ok {
			d.replica = replica.Restore(snap, c.opts.HistoryLimit)
		}
	}
	for _, rec := range d.replica.Conflicts() {
		d.trackConflict(ctx, rec)
	}
	if err := d.catchUp(ctx); err != nil {
		return nil, err
	}
	d.replica.MarkPublished(d.replica.Seq())
	d.ensureSubscribed(ctx)

	d.logger.Info("document loaded", slog.Uint64("seq", d.replica.Seq()))
	return d, nil
}

func (d *document) run(ctx context.Context) {
	defer close(d.stopped)
	defer d.shutdown()

	scope := "document " + d.id
	for {
		var incoming <-chan op.Operation
		if d.sub != nil {
			incoming = d.sub.C()
		}
		select {
		case t := <-d.inbox:
			t.done <- runSafely(scope, t.fn)
		case o, ok := <-incoming:
			if !ok {
				d.closeSubscription()
				d.ensureSubscribed(ctx)
				continue
			}
			if err := runSafely(scope, func() error { return d.integrate(ctx, o) }); err != nil {
				d.logger.Error("integrating distributed operation failed",
					slog.String("op_id", o.ID),
					slog.Uint64("seq", o.Seq()),
					slog.Any("error", err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// do runs fn on the actor and waits for it.
func (d *document) do(ctx context.Context, fn func() error) error {
	t := task{fn: fn, done: make(chan error, 1)}
	select {
	case d.inbox <- t:
	case <-d.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-t.done:
		return err
	case <-d.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *document) shutdown() {
	d.closeSubscription()
	if d.degraded != nil {
		d.degraded.cancel()
	}
	if d.c.opts.Snapshots != nil && d.sinceSnapshot > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.snapshot(ctx)
	}
}

// admit adds a session's user to the clock's session set.
func (d *document) admit(s coordstore.Session) {
	d.clock.Register(s.UserID)
	d.roles[s.UserID] = auth.Identity{UserID: s.UserID, Roles: s.Roles}.Role()
}

// adopt admits a session that joined through another instance, the first
// time it submits here.
func (d *document) adopt(s coordstore.Session) {
	if !d.clock.Known(s.UserID) {
		d.admit(s)
	}
}

func (d *document) release(s coordstore.Session) {
	d.clock.Unregister(s.UserID)
}

// integrate applies an operation delivered by the distribution layer.
// Duplicates are ignored; a gap is filled from the log.
func (d *document) integrate(ctx context.Context, o op.Operation) error {
	if o.DocumentID != d.id {
		return nil
	}
	fresh := o.Seq() > d.replica.Seq()
	err := d.replica.Apply(o)
	switch {
	case errors.Is(err, replica.ErrGap):
		if err := d.catchUp(ctx); err != nil {
			return err
		}
	case err != nil:
		return err
	case fresh:
		d.clock.Merge(o.Stamp)
		d.noteApplied(ctx)
		d.observe(ctx, o)
	}
	if d.sub != nil && d.replica.Seq() >= o.Seq() {
		d.sub.Ack(o.Seq())
	}
	if d.degraded == nil {
		d.replica.MarkPublished(d.replica.Seq())
	}
	return nil
}

// observe reacts to an operation another instance accepted.
func (d *document) observe(ctx context.Context, o op.Operation) {
	if o.Kind == op.KindConflict && o.Payload.Conflict != nil {
		d.trackConflict(ctx, *o.Payload.Conflict)
	}
}

// catchUp applies every logged operation past the replica.
func (d *document) catchUp(ctx context.Context) error {
	ops, err := d.c.opts.Log.Read(ctx, d.id, d.replica.Seq()+1)
	if err != nil {
		return fmt.Errorf("catch up %s: %w", d.id, err)
	}
	for _, o := range ops {
		if err := d.replica.Apply(o); err != nil {
			return fmt.Errorf("catch up %s: %w", d.id, err)
		}
		d.clock.Merge(o.Stamp)
		d.noteApplied(ctx)
		d.observe(ctx, o)
	}
	if len(ops) > 0 && d.degraded == nil {
		d.replica.MarkPublished(d.replica.Seq())
	}
	return nil
}

// since returns the accepted operations after seq, from the replica's
// history when it reaches back far enough and from the log otherwise.
func (d *document) since(ctx context.Context, seq uint64) ([]op.Operation, error) {
	if ops, ok := d.replica.Since(seq); ok {
		return ops, nil
	}
	ops, err := d.c.opts.Log.Read(ctx, d.id, seq+1)
	if err != nil {
		return nil, fmt.Errorf("read %s after %d: %w", d.id, seq, err)
	}
	return ops, nil
}

// ensureSubscribed follows the document's distributed operations from the
// replica's position, if not already doing so.
func (d *document) ensureSubscribed(ctx context.Context) {
	if d.sub != nil {
		return
	}
	sub, err := d.c.publisher.Subscribe(d.c.ctx, d.id, d.replica.Seq()+1)
	if err != nil {
		if ctx.Err() == nil && d.c.ctx.Err() == nil {
			d.logger.Warn("subscribing to distributed operations failed", slog.Any("error", err))
		}
		return
	}
	d.sub = sub
}

func (d *document) closeSubscription() {
	if d.sub == nil {
		return
	}
	if err := d.sub.Close(); err != nil {
		d.logger.Debug("closing subscription", slog.Any("error", err))
	}
	d.sub = nil
}

func (d *document) noteApplied(ctx context.Context) {
	d.sinceSnapshot++
	if d.c.opts.Snapshots != nil && d.sinceSnapshot >= d.c.opts.SnapshotEvery {
		d.snapshot(ctx)
	}
}

func (d *document) snapshot(ctx context.Context) {
	if err := d.c.opts.Snapshots.Save(ctx, d.replica.Snapshot()); err != nil {
		d.logger.Warn("saving snapshot failed", slog.Any("error", err))
		return
	}
	d.sinceSnapshot = 0
	d.logger.Debug("snapshot saved", slog.Uint64("seq", d.replica.Seq()))
}
