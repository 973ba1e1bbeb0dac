// Package replica materializes a document from its accepted operations. A
// replica is a cache: it can always be rebuilt by replaying the log.
package replica

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"collabtext/internal/merge"
	"collabtext/internal/op"
	"collabtext/internal/transform"
)

// DefaultHistory is the number of accepted operations a replica keeps for
// transforming and conflict-checking late submissions.
const DefaultHistory = 1024

// ErrGap is returned when an operation does not directly follow the last
// applied sequence number. The caller must catch up from the log.
var ErrGap = errors.New("replica: sequence gap")

// Replica is the materialized state of one document. It is owned by a single
// goroutine and is not safe for concurrent use.
type Replica struct {
	documentID string
	texts      map[string][]rune
	fields     merge.State
	seq        uint64
	lastOpID   string
	opSeqs     map[string]uint64

	history      []op.Operation
	historyLimit int

	// published is the highest sequence known to have reached the
	// distribution layer; operations past it are pending.
	published uint64
	conflicts []op.ConflictRecord
}

// New returns an empty replica.
func New(documentID string, historyLimit int) *Replica {
	if historyLimit <= 0 {
		historyLimit = DefaultHistory
	}
	return &Replica{
		documentID:   documentID,
		texts:        make(map[string][]rune),
		fields:       merge.NewState(),
		opSeqs:       make(map[string]uint64),
		historyLimit: historyLimit,
	}
}

// Replay builds a replica from an ordered run of accepted operations.
func Replay(documentID string, ops []op.Operation) (*Replica, error) {
	r := New(documentID, 0)
	for _, o := range ops {
		if err := r.Apply(o); err != nil {
			return nil, err
		}
	}
	r.published = r.seq
	return r, nil
}

func (r *Replica) DocumentID() string { return r.documentID }

// Seq returns the last applied sequence number.
func (r *Replica) Seq() uint64 { return r.seq }

// LastOpID returns the op_id of the last applied operation.
func (r *Replica) LastOpID() string { return r.lastOpID }

// Lookup returns the sequence number an op_id was accepted at.
func (r *Replica) Lookup(opID string) (uint64, bool) {
	seq, ok := r.opSeqs[opID]
	return seq, ok
}

// Text returns a sequence field as a rune slice copy.
func (r *Replica) Text(field string) []rune {
	return slices.Clone(r.texts[field])
}

// Fields returns a copy of the merge-managed fields.
func (r *Replica) Fields() merge.State {
	return r.fields.Clone()
}

// Prepare fills the acceptance data of a merge operation against the
// current field state. Other operations are returned unchanged.
func (r *Replica) Prepare(o op.Operation) op.Operation {
	if !merge.Handles(o.Kind) {
		return o
	}
	return r.fields.Prepare(o)
}

// Apply applies an accepted operation. Re-applying an operation that is
// already reflected is a no-op, so at-least-once delivery is safe.
func (r *Replica) Apply(o op.Operation) error {
	if o.Seq() == 0 {
		return fmt.Errorf("%w: apply %s: not accepted", op.ErrInvalidOperation, o.ID)
	}
	if _, seen := r.opSeqs[o.ID]; seen || o.Seq() <= r.seq {
		return nil
	}
	if o.Seq() != r.seq+1 {
		return fmt.Errorf("%w: document %s at %d, got %d", ErrGap, r.documentID, r.seq, o.Seq())
	}

	switch {
	case o.Kind.IsSequence():
		next, err := transform.Apply(r.texts[o.Field()], o.Payload.Edit)
		if err != nil {
			return fmt.Errorf("apply %s: %w", o.ID, err)
		}
		r.texts[o.Field()] = next
	case merge.Handles(o.Kind):
		r.fields.Apply(o)
	case o.Kind == op.KindConflict:
		r.conflicts = append(r.conflicts, *o.Payload.Conflict)
	}

	r.seq = o.Seq()
	r.lastOpID = o.ID
	r.opSeqs[o.ID] = o.Seq()
	r.history = append(r.history, o)
	if extra := len(r.history) - r.historyLimit; extra > 0 {
		r.history = slices.Delete(r.history, 0, extra)
	}
	return nil
}

// Since returns the accepted operations after seq. ok is false when the
// history window no longer reaches back that far.
func (r *Replica) Since(seq uint64) (ops []op.Operation, ok bool) {
	if seq >= r.seq {
		return nil, true
	}
	if len(r.history) == 0 || r.history[0].Seq() > seq+1 {
		return nil, false
	}
	i, _ := slices.BinarySearchFunc(r.history, seq+1, func(o op.Operation, target uint64) int {
		switch {
		case o.Seq() < target:
			return -1
		case o.Seq() > target:
			return 1
		}
		return 0
	})
	return slices.Clone(r.history[i:]), true
}

// MarkPublished records that every operation up to seq reached the
// distribution layer.
func (r *Replica) MarkPublished(seq uint64) {
	if seq > r.published {
		r.published = seq
	}
}

// Published returns the highest sequence known to be published.
func (r *Replica) Published() uint64 { return r.published }

// Pending returns accepted operations not yet confirmed as published, if
// they are still in the history window.
func (r *Replica) Pending() []op.Operation {
	ops, _ := r.Since(r.published)
	return ops
}

// Conflicts returns the conflict records applied so far.
func (r *Replica) Conflicts() []op.ConflictRecord {
	return slices.Clone(r.conflicts)
}

// GraphView is the visible part of a graph field.
type GraphView struct {
	Nodes []string `json:"nodes"`
	Edges []string `json:"edges"`
}

// State is the client-facing current state of a document.
type State struct {
	DocumentID string               `json:"document_id"`
	Seq        uint64               `json:"seq"`
	LastOpID   string               `json:"last_applied_op_id,omitempty"`
	Texts      map[string]string    `json:"texts,omitempty"`
	Registers  map[string]string    `json:"registers,omitempty"`
	Counters   map[string]int64     `json:"counters,omitempty"`
	Sets       map[string][]string  `json:"sets,omitempty"`
	Graphs     map[string]GraphView `json:"graphs,omitempty"`
	Pending    int                  `json:"pending_unacknowledged_ops"`
}

// State renders the current state.
func (r *Replica) State() State {
	s := State{
		DocumentID: r.documentID,
		Seq:        r.seq,
		LastOpID:   r.lastOpID,
		Texts:      make(map[string]string, len(r.texts)),
		Registers:  make(map[string]string, len(r.fields.Registers)),
		Counters:   make(map[string]int64, len(r.fields.Counters)),
		Sets:       make(map[string][]string, len(r.fields.Sets)),
		Graphs:     make(map[string]GraphView, len(r.fields.Graphs)),
		Pending:    int(r.seq - r.published),
	}
	for f, t := range r.texts {
		s.Texts[f] = string(t)
	}
	for f, reg := range r.fields.Registers {
		s.Registers[f] = reg.Value
	}
	for f, c := range r.fields.Counters {
		s.Counters[f] = c.Value()
	}
	for f, set := range r.fields.Sets {
		s.Sets[f] = set.Elements()
	}
	for f, g := range r.fields.Graphs {
		s.Graphs[f] = GraphView{Nodes: g.Nodes.Elements(), Edges: g.VisibleEdges()}
	}
	return s
}

// Snapshot is a serializable copy of a replica.
type Snapshot struct {
	DocumentID string              `json:"document_id"`
	Seq        uint64              `json:"seq"`
	LastOpID   string              `json:"last_op_id,omitempty"`
	Texts      map[string]string   `json:"texts,omitempty"`
	Fields     merge.State         `json:"fields"`
	OpSeqs     map[string]uint64   `json:"op_seqs,omitempty"`
	Conflicts  []op.ConflictRecord `json:"conflicts,omitempty"`
}

// Snapshot captures the replica.
func (r *Replica) Snapshot() Snapshot {
	texts := make(map[string]string, len(r.texts))
	for f, t := range r.texts {
		texts[f] = string(t)
	}
	return Snapshot{
		DocumentID: r.documentID,
		Seq:        r.seq,
		LastOpID:   r.lastOpID,
		Texts:      texts,
		Fields:     r.fields.Clone(),
		OpSeqs:     maps.Clone(r.opSeqs),
		Conflicts:  slices.Clone(r.conflicts),
	}
}

// Restore rebuilds a replica from a snapshot. The history window starts
// empty; older operations come from the log.
func Restore(s Snapshot, historyLimit int) *Replica {
	r := New(s.DocumentID, historyLimit)
	for f, t := range s.Texts {
		r.texts[f] = []rune(t)
	}
	r.fields = s.Fields.Clone()
	if s.OpSeqs != nil {
		r.opSeqs = maps.Clone(s.OpSeqs)
	}
	r.seq = s.Seq
	r.lastOpID = s.LastOpID
	r.published = s.Seq
	r.conflicts = slices.Clone(s.Conflicts)
	return r
}
