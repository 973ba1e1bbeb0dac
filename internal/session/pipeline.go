package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"collabtext/internal/conflict"
	"collabtext/internal/coordstore"
	"collabtext/internal/op"
	"collabtext/internal/oplog"
	"collabtext/internal/transform"
)

// systemAuthor authors the conflict records the server appends.
const systemAuthor = "collab:resolver"

// maxAppendAttempts bounds how often one submission chases a moving log
// head before giving up.
const maxAppendAttempts = 8

var recordOpSpace = uuid.MustParse("5c0f6b7e-2d8a-4e61-9a3b-0e4f7d2c8b19")

// submit runs one operation through the pipeline: resolve its base, stamp
// it, transform it past what it did not observe, settle conflicts, append it
// to the log, apply it locally and publish it.
func (d *document) submit(ctx context.Context, s coordstore.Session, o op.Operation) (op.Operation, error) {
	if err := d.ensureHealthy(ctx); err != nil {
		return op.Operation{}, err
	}
	if err := d.catchUp(ctx); err != nil {
		return op.Operation{}, err
	}
	if prev, ok, err := d.accepted(ctx, o.ID); err != nil || ok {
		return prev, err
	}
	if h := d.heldByOp(o.ID); h != nil {
		return op.Operation{}, h.deferredError()
	}

	d.adopt(s)
	base, err := d.resolveBase(ctx, o.AppliedAgainst)
	if err != nil {
		return op.Operation{}, err
	}
	o.BaseSeq = base

	if o.Stamp.Counter == 0 {
		stamp, err := d.clock.Tick(o.AuthorID)
		if err != nil {
			return op.Operation{}, err
		}
		o.Stamp = stamp
	} else if err := d.clock.Observe(o.Stamp); err != nil {
		return op.Operation{}, err
	}

	for range maxAppendAttempts {
		out, err := d.integrateSubmission(ctx, o)
		if errors.Is(err, oplog.ErrHeadMoved) {
			if err := d.catchUp(ctx); err != nil {
				return op.Operation{}, err
			}
			continue
		}
		if err != nil {
			return op.Operation{}, err
		}
		return out, nil
	}
	return op.Operation{}, fmt.Errorf("submit %s: log head kept moving: %w", o.ID, oplog.ErrHeadMoved)
}

// accepted returns the logged operation with opID, if any.
func (d *document) accepted(ctx context.Context, opID string) (op.Operation, bool, error) {
	seq, ok := d.replica.Lookup(opID)
	if !ok {
		return op.Operation{}, false, nil
	}
	if ops, ok := d.replica.Since(seq - 1); ok && len(ops) > 0 && ops[0].ID == opID {
		return ops[0], true, nil
	}
	o, ok, err := d.c.opts.Log.Lookup(ctx, d.id, opID)
	if err != nil {
		return op.Operation{}, false, fmt.Errorf("look up %s: %w", opID, err)
	}
	return o, ok, nil
}

// resolveBase maps applied_against to the sequence number it was accepted
// at. An op_id the log never accepted is a stale reference.
func (d *document) resolveBase(ctx context.Context, appliedAgainst string) (uint64, error) {
	if appliedAgainst == "" {
		return 0, nil
	}
	if seq, ok := d.replica.Lookup(appliedAgainst); ok {
		return seq, nil
	}
	o, ok, err := d.c.opts.Log.Lookup(ctx, d.id, appliedAgainst)
	if err != nil {
		return 0, fmt.Errorf("look up %s: %w", appliedAgainst, err)
	}
	if !ok {
		return 0, op.Reject(op.ReasonStaleReference, "applied_against %s is not in the log", appliedAgainst)
	}
	return o.Seq(), nil
}

func (d *document) integrateSubmission(ctx context.Context, o op.Operation) (op.Operation, error) {
	accepted, err := d.since(ctx, o.BaseSeq)
	if err != nil {
		return op.Operation{}, err
	}

	candidate := o
	if o.Kind.IsSequence() {
		candidate = transform.Rebase(o, accepted)
		if _, err := transform.Apply(d.replica.Text(o.Field()), candidate.Payload.Edit); err != nil {
			return op.Operation{}, d.diverged(ctx, o, err)
		}
	}

	if c, found := conflict.Detect(candidate, accepted); found {
		return d.settle(ctx, c)
	}
	return d.commit(ctx, candidate)
}

// commit appends o after the replica's head, applies it and publishes it.
// A moved head is returned as oplog.ErrHeadMoved for the caller to retry.
func (d *document) commit(ctx context.Context, o op.Operation) (op.Operation, error) {
	prepared := d.replica.Prepare(o)
	seq, err := d.c.opts.Log.Append(ctx, d.id, prepared, d.replica.Seq())
	if errors.Is(err, oplog.ErrDuplicate) {
		if err := d.catchUp(ctx); err != nil {
			return op.Operation{}, err
		}
		prev, ok, err := d.accepted(ctx, o.ID)
		if err != nil {
			return op.Operation{}, err
		}
		if !ok {
			return op.Operation{}, fmt.Errorf("append %s: logged but not found: %w", o.ID, oplog.ErrDuplicate)
		}
		return prev, nil
	}
	if err != nil {
		return op.Operation{}, fmt.Errorf("append %s: %w", o.ID, err)
	}

	prepared.Stamp.Seq = seq
	if err := d.replica.Apply(prepared); err != nil {
		return op.Operation{}, fmt.Errorf("apply accepted %s: %w", o.ID, err)
	}
	d.noteApplied(ctx)
	if err := d.publish(ctx, prepared); err != nil {
		return op.Operation{}, err
	}
	return prepared, nil
}

// commitSettled commits an operation whose fate is already decided, chasing
// the log head without re-running detection.
func (d *document) commitSettled(ctx context.Context, o op.Operation) (op.Operation, error) {
	for range maxAppendAttempts {
		out, err := d.commit(ctx, o)
		if !errors.Is(err, oplog.ErrHeadMoved) {
			return out, err
		}
		if err := d.catchUp(ctx); err != nil {
			return op.Operation{}, err
		}
	}
	return op.Operation{}, fmt.Errorf("commit %s: log head kept moving: %w", o.ID, oplog.ErrHeadMoved)
}

// record appends a conflict record to the log for auditability.
func (d *document) record(ctx context.Context, rec op.ConflictRecord) error {
	id := uuid.NewSHA1(recordOpSpace, []byte(rec.ID+"/"+string(rec.State))).String()
	o := op.Operation{
		ID:         id,
		DocumentID: d.id,
		AuthorID:   systemAuthor,
		Stamp:      op.Stamp{Counter: d.clock.Latest(), Author: systemAuthor},
		Kind:       op.KindConflict,
		Payload:    op.Payload{Conflict: &rec},
	}
	_, err := d.commitSettled(ctx, o)
	if err != nil {
		return fmt.Errorf("record conflict %s: %w", rec.ID, err)
	}
	d.logger.Info("conflict recorded",
		slog.String("conflict_id", rec.ID),
		slog.String("state", string(rec.State)),
		slog.String("strategy", string(rec.Strategy)),
		slog.String("winner", rec.Winner))
	return nil
}

// diverged discards an operation the transform engine could not place and
// logs a structural conflict against the latest accepted operation.
func (d *document) diverged(ctx context.Context, o op.Operation, cause error) error {
	latest := op.Operation{ID: d.replica.LastOpID()}
	rec := conflict.Structural(latest, o, cause.Error(), d.c.opts.Now())
	if err := d.record(ctx, rec); err != nil {
		d.logger.Warn("structural conflict not recorded", slog.String("op_id", o.ID), slog.Any("error", err))
	}
	d.logger.Warn("operation diverged, client must resync", slog.String("op_id", o.ID), slog.Any("error", cause))
	return fmt.Errorf("submit %s: %w", o.ID, cause)
}

// settle resolves a detected conflict. Deferred conflicts hold the incoming
// operation; everything else reaches a winner now.
func (d *document) settle(ctx context.Context, c conflict.Conflict) (op.Operation, error) {
	m := conflict.NewMachine()
	if err := m.To(op.StateResolving); err != nil {
		return op.Operation{}, err
	}
	decision := d.resolver.Resolve(c)
	if !decision.Deferred {
		if err := m.To(op.StateResolved); err != nil {
			return op.Operation{}, err
		}
		return d.finish(ctx, c, decision)
	}

	if err := m.To(op.StateDeferred); err != nil {
		return op.Operation{}, err
	}
	if err := d.record(ctx, decision.Record); err != nil {
		return op.Operation{}, err
	}
	h := &heldOp{
		conflict:   c,
		machine:    m,
		detectedAt: decision.Record.DetectedAt,
		deadline:   decision.Record.DetectedAt.Add(d.c.opts.DeferTimeout),
	}
	d.held[c.ID] = h
	d.announceDeferred(ctx, h)
	return op.Operation{}, h.deferredError()
}

// finish appends the winner of a resolved conflict and its record. A losing
// incoming operation is rejected as superseded.
func (d *document) finish(ctx context.Context, c conflict.Conflict, decision conflict.Decision) (op.Operation, error) {
	if !decision.Accept {
		if err := d.record(ctx, decision.Record); err != nil {
			return op.Operation{}, err
		}
		return op.Operation{}, op.Reject(op.ReasonSuperseded, "conflict %s won by %s", c.ID, decision.Record.Winner)
	}

	winner := c.Incoming
	if decision.Merged != nil {
		winner = *decision.Merged
	}
	if winner.Kind == op.KindUpdate {
		// Registers keep the highest stamp, so a winner chosen by policy
		// must outrank everything already applied.
		d.clock.Merge(winner.Stamp)
		winner.Stamp.Counter = d.clock.Latest()
	}
	out, err := d.commitSettled(ctx, winner)
	if err != nil {
		return op.Operation{}, err
	}
	if err := d.record(ctx, decision.Record); err != nil {
		d.logger.Warn("resolution record not appended", slog.String("conflict_id", c.ID), slog.Any("error", err))
	}
	return out, nil
}
