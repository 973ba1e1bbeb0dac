// Package conflict detects operation pairs the transform and merge layers
// settle mechanically but whose intents clash, and resolves them under a
// configurable strategy.
//
// Detection is best-effort. It recognises two clashes: an edge added to a
// node that a concurrent operation removed, and concurrent guarded writes to
// the same register. Everything else converges through transform or merge
// without a conflict record.
package conflict

import (
	"slices"
	"time"

	"github.com/google/uuid"

	"collabtext/internal/op"
)

var recordSpace = uuid.MustParse("0b7d4c2e-91a4-4f3c-8e55-7a6de2c1f903")

// Conflict is a detected clash between an accepted operation and an
// incoming one.
type Conflict struct {
	ID       string
	Kind     op.ConflictKind
	Accepted op.Operation
	Incoming op.Operation
	// Node is the contested node for graph conflicts.
	Node string
	// Base is the common ancestor value for register conflicts.
	Base string
	// NodeRemoved is true when the accepted side removed Node.
	NodeRemoved bool
}

// ID derives a stable conflict id from the two operation ids, so the same
// pair always yields the same record.
func ID(accepted, incoming string) string {
	return uuid.NewSHA1(recordSpace, []byte(accepted+"\x00"+incoming)).String()
}

// Record returns the audit record for c in the given state.
func (c Conflict) Record(state op.ConflictState, strategy op.Strategy, at time.Time) op.ConflictRecord {
	return op.ConflictRecord{
		ID:         c.ID,
		OpA:        c.Accepted.ID,
		OpB:        c.Incoming.ID,
		Kind:       c.Kind,
		Strategy:   strategy,
		State:      state,
		DetectedAt: at,
	}
}

// Structural builds the record logged when a sequence operation could not be
// transformed onto the current state and was discarded.
func Structural(accepted, incoming op.Operation, reason string, at time.Time) op.ConflictRecord {
	return op.ConflictRecord{
		ID:         ID(accepted.ID, incoming.ID),
		OpA:        accepted.ID,
		OpB:        incoming.ID,
		Kind:       op.ConflictStructural,
		State:      op.StateResolved,
		Winner:     accepted.ID,
		Reason:     reason,
		DetectedAt: at,
		ResolvedAt: at,
	}
}

// Detect returns the first semantic conflict between incoming and any of the
// accepted operations it did not observe. accepted must be in acceptance
// order; the earliest clash is reported.
func Detect(incoming op.Operation, accepted []op.Operation) (Conflict, bool) {
	for _, prev := range accepted {
		if prev.Seq() <= incoming.BaseSeq || prev.ID == incoming.ID || prev.Field() != incoming.Field() {
			continue
		}
		if c, ok := detectGraph(prev, incoming); ok {
			return c, true
		}
		if c, ok := detectRegister(prev, incoming); ok {
			return c, true
		}
	}
	return Conflict{}, false
}

func detectGraph(prev, in op.Operation) (Conflict, bool) {
	pg, ig := prev.Payload.Graph, in.Payload.Graph
	if pg == nil || ig == nil {
		return Conflict{}, false
	}

	// Accepted removal, incoming edge to the removed node.
	for _, n := range pg.Nodes.Remove {
		if touches(ig.Edges.Add, n) && !slices.Contains(ig.Nodes.Add, n) {
			return Conflict{
				ID: ID(prev.ID, in.ID), Kind: op.ConflictSemantic,
				Accepted: prev, Incoming: in, Node: n, NodeRemoved: true,
			}, true
		}
	}
	// Accepted edge, incoming removal of one of its endpoints.
	for _, n := range ig.Nodes.Remove {
		if touches(pg.Edges.Add, n) {
			return Conflict{
				ID: ID(prev.ID, in.ID), Kind: op.ConflictSemantic,
				Accepted: prev, Incoming: in, Node: n,
			}, true
		}
	}
	return Conflict{}, false
}

func detectRegister(prev, in op.Operation) (Conflict, bool) {
	if prev.Kind != op.KindUpdate || in.Kind != op.KindUpdate {
		return Conflict{}, false
	}
	pw, iw := prev.Payload.Register, in.Payload.Register
	if pw == nil || iw == nil || iw.Base == nil || pw.Value == iw.Value || *iw.Base == pw.Value {
		return Conflict{}, false
	}
	return Conflict{
		ID: ID(prev.ID, in.ID), Kind: op.ConflictSemantic,
		Accepted: prev, Incoming: in, Base: *iw.Base,
	}, true
}

func touches(edges []string, node string) bool {
	for _, e := range edges {
		from, to, ok := op.ParseEdgeKey(e)
		if ok && (from == node || to == node) {
			return true
		}
	}
	return false
}
