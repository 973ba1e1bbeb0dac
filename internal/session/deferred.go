package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"collabtext/internal/conflict"
	"collabtext/internal/distribution"
	"collabtext/internal/op"
)

// heldOp is an incoming operation waiting on a deferred conflict. Held
// operations never block the rest of the document.
type heldOp struct {
	conflict   conflict.Conflict
	machine    *conflict.Machine
	detectedAt time.Time
	deadline   time.Time
}

func (h *heldOp) deferredError() error {
	return &op.DeferredError{ConflictID: h.conflict.ID, Deadline: h.deadline}
}

func (d *document) heldByOp(opID string) *heldOp {
	for _, h := range d.held {
		if h.conflict.Incoming.ID == opID {
			return h
		}
	}
	return nil
}

func (d *document) announceDeferred(ctx context.Context, h *heldOp) {
	ev := distribution.PresenceEvent{
		Kind:       distribution.PresenceDeferred,
		DocumentID: d.id,
		UserID:     h.conflict.Incoming.AuthorID,
		Instance:   d.c.opts.Instance,
		ConflictID: h.conflict.ID,
		Reason:     fmt.Sprintf("%s conflicts with %s", h.conflict.Incoming.ID, h.conflict.Accepted.ID),
		Metadata: map[string]string{
			"held_op_id":     h.conflict.Incoming.ID,
			"accepted_op_id": h.conflict.Accepted.ID,
			"deadline":       h.deadline.Format(time.RFC3339),
		},
		At: d.c.opts.Now(),
	}
	if err := d.c.publisher.PublishPresence(ctx, ev); err != nil {
		d.logger.Warn("deferred conflict not announced", slog.String("conflict_id", h.conflict.ID), slog.Any("error", err))
	}
}

// trackConflict keeps held in step with conflict records appended by any
// instance: a deferred record is held here too, a resolved one releases it.
func (d *document) trackConflict(ctx context.Context, rec op.ConflictRecord) {
	switch rec.State {
	case op.StateResolved:
		delete(d.held, rec.ID)
		return
	case op.StateDeferred:
	default:
		return
	}
	if _, ok := d.held[rec.ID]; ok || rec.Held == nil {
		return
	}

	accepted, ok, err := d.accepted(ctx, rec.OpA)
	if err != nil || !ok {
		d.logger.Warn("deferred conflict without its accepted operation",
			slog.String("conflict_id", rec.ID), slog.String("op_id", rec.OpA), slog.Any("error", err))
		return
	}
	c, found := conflict.Detect(*rec.Held, []op.Operation{accepted})
	if !found || c.ID != rec.ID {
		d.logger.Warn("deferred conflict no longer detected", slog.String("conflict_id", rec.ID))
		return
	}
	m := conflict.NewMachine()
	if err := errors.Join(m.To(op.StateResolving), m.To(op.StateDeferred)); err != nil {
		d.logger.Warn("deferred conflict not restored", slog.String("conflict_id", rec.ID), slog.Any("error", err))
		return
	}
	d.held[rec.ID] = &heldOp{
		conflict:   c,
		machine:    m,
		detectedAt: rec.DetectedAt,
		deadline:   rec.DetectedAt.Add(d.c.opts.DeferTimeout),
	}
}

// decide settles a held conflict by human decision.
func (d *document) decide(ctx context.Context, conflictID string, acceptHeld bool, decidedBy string) (op.ConflictRecord, error) {
	if err := d.catchUp(ctx); err != nil {
		return op.ConflictRecord{}, err
	}
	h, ok := d.held[conflictID]
	if !ok {
		return op.ConflictRecord{}, fmt.Errorf("decide %s: %w", conflictID, ErrConflictNotFound)
	}
	return d.settleHeld(ctx, h, d.resolver.Settle(h.conflict, acceptHeld, decidedBy, h.detectedAt))
}

// expireDeferred applies the default strategy to every held conflict whose
// deadline has passed.
func (d *document) expireDeferred(ctx context.Context, now time.Time) error {
	if len(d.held) == 0 {
		return nil
	}
	if err := d.catchUp(ctx); err != nil {
		return err
	}
	var errs []error
	for _, id := range slices.Sorted(maps.Keys(d.held)) {
		h := d.held[id]
		if now.Before(h.deadline) {
			continue
		}
		if _, err := d.settleHeld(ctx, h, d.resolver.Expire(h.conflict, h.detectedAt)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *document) settleHeld(ctx context.Context, h *heldOp, decision conflict.Decision) (op.ConflictRecord, error) {
	if err := h.machine.To(op.StateResolved); err != nil {
		return op.ConflictRecord{}, err
	}
	delete(d.held, h.conflict.ID)

	_, err := d.finish(ctx, h.conflict, decision)
	if reason, ok := op.RejectionReason(err); ok && reason == op.ReasonSuperseded {
		err = nil
	}
	if err != nil {
		return decision.Record, fmt.Errorf("settle %s: %w", h.conflict.ID, err)
	}
	return decision.Record, nil
}
