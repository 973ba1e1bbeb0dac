package conflict

import (
	"fmt"
	"slices"
	"time"

	"collabtext/internal/op"
)

// DefaultRanks orders roles for the priority strategy: owner > editor > viewer.
var DefaultRanks = map[string]int{"owner": 3, "editor": 2, "viewer": 1}

// Policy selects how conflicts are resolved for a document.
type Policy struct {
	Strategy op.Strategy
	// Default applies when a deferred conflict times out. Defer is not a
	// valid default and falls back to last-writer-wins.
	Default op.Strategy
	// Ranks maps role to priority rank; higher wins.
	Ranks map[string]int
}

// RoleFunc returns the role of a user on the document being resolved.
type RoleFunc func(userID string) string

// Decision is the outcome of resolving one conflict.
type Decision struct {
	Record op.ConflictRecord
	// Accept is true when the incoming side goes to the log: Merged if set,
	// the incoming operation otherwise. When false the incoming operation is
	// superseded.
	Accept bool
	Merged *op.Operation
	// Deferred holds the incoming operation until Settle is called.
	Deferred bool
}

// Resolver applies a Policy. It is stateless apart from its clock, so the
// same pair under the same policy always yields the same winner.
type Resolver struct {
	policy Policy
	roles  RoleFunc
	now    func() time.Time
}

// NewResolver creates a resolver. roles may be nil when the priority
// strategy is not used; every author then has rank zero.
func NewResolver(p Policy, roles RoleFunc, now func() time.Time) *Resolver {
	if !p.Strategy.Valid() {
		p.Strategy = op.StrategyLastWriterWins
	}
	if !p.Default.Valid() || p.Default == op.StrategyDefer {
		p.Default = op.StrategyLastWriterWins
	}
	if p.Ranks == nil {
		p.Ranks = DefaultRanks
	}
	if now == nil {
		now = time.Now
	}
	return &Resolver{policy: p, roles: roles, now: now}
}

func (r *Resolver) Policy() Policy {
	return r.policy
}

// Resolve settles c under the configured strategy.
func (r *Resolver) Resolve(c Conflict) Decision {
	return r.resolveWith(c, r.policy.Strategy, r.now())
}

// Expire settles a deferred conflict with the default strategy.
func (r *Resolver) Expire(c Conflict, detectedAt time.Time) Decision {
	d := r.resolveWith(c, r.policy.Default, detectedAt)
	d.Record.Reason = "defer timeout: " + d.Record.Reason
	return d
}

// Settle resolves a deferred conflict by human decision.
func (r *Resolver) Settle(c Conflict, acceptIncoming bool, decidedBy string, detectedAt time.Time) Decision {
	return r.finish(c, op.StrategyDefer, acceptIncoming, nil, "decided by "+decidedBy, detectedAt)
}

func (r *Resolver) resolveWith(c Conflict, s op.Strategy, detectedAt time.Time) Decision {
	switch s {
	case op.StrategyPriority:
		ra, rb := r.rank(c.Accepted.AuthorID), r.rank(c.Incoming.AuthorID)
		if ra != rb {
			return r.finish(c, s, rb > ra, nil, fmt.Sprintf("rank %d vs %d", rb, ra), detectedAt)
		}
		d := r.lww(c, detectedAt)
		d.Record.Reason = "equal rank, " + d.Record.Reason
		return d

	case op.StrategyContentMerge:
		if merged, accept, ok := r.contentMerge(c); ok {
			return r.finish(c, s, accept, merged, "merged", detectedAt)
		}
		d := r.lww(c, detectedAt)
		d.Record.Reason = "ambiguous merge, " + d.Record.Reason
		return d

	case op.StrategyDefer:
		rec := c.Record(op.StateDeferred, op.StrategyDefer, detectedAt)
		rec.Reason = "awaiting decision"
		held := c.Incoming
		rec.Held = &held
		return Decision{Record: rec, Deferred: true}
	}
	return r.lww(c, detectedAt)
}

// lww lets the higher causal stamp win. The incoming side has no sequence
// number yet, so stamps decide; equal stamps fall back to op id.
func (r *Resolver) lww(c Conflict, detectedAt time.Time) Decision {
	cmp := c.Incoming.Stamp.Compare(c.Accepted.Stamp)
	incomingWins := cmp > 0 || (cmp == 0 && c.Incoming.ID > c.Accepted.ID)
	return r.finish(c, op.StrategyLastWriterWins, incomingWins, nil, "last writer wins", detectedAt)
}

func (r *Resolver) rank(user string) int {
	if r.roles == nil {
		return 0
	}
	return r.policy.Ranks[r.roles(user)]
}

func (r *Resolver) finish(c Conflict, s op.Strategy, accept bool, merged *op.Operation, reason string, detectedAt time.Time) Decision {
	rec := c.Record(op.StateResolved, s, detectedAt)
	rec.ResolvedAt = r.now()
	rec.Reason = reason
	rec.Winner = c.Accepted.ID
	if accept {
		rec.Winner = c.Incoming.ID
		if merged == nil && c.NodeRemoved {
			// An edge that wins over a node removal needs the node back.
			merged = withNode(c)
		}
	}
	return Decision{Record: rec, Accept: accept, Merged: merged}
}

func withNode(c Conflict) *op.Operation {
	out := c.Incoming
	ng := *c.Incoming.Payload.Graph
	ng.Nodes.Add = append(slices.Clone(ng.Nodes.Add), c.Node)
	out.Payload.Graph = &ng
	return &out
}

// contentMerge synthesizes an operation that keeps both intents. For
// registers it three-way merges the text; for graphs it keeps the contested
// edge and node. ok is false when the merge is ambiguous.
func (r *Resolver) contentMerge(c Conflict) (merged *op.Operation, accept, ok bool) {
	in := c.Incoming

	if w := in.Payload.Register; w != nil {
		value, ok := MergeText(c.Base, c.Accepted.Payload.Register.Value, w.Value)
		if !ok {
			return nil, false, false
		}
		out := in
		out.Payload.Register = &op.RegisterWrite{Value: value, Base: w.Base}
		return &out, true, true
	}

	g := in.Payload.Graph
	if g == nil {
		return nil, false, false
	}
	if c.NodeRemoved {
		return withNode(c), true, true
	}
	out := in
	ng := *g

	// The incoming side removes a node an accepted edge needs: drop that
	// removal and keep whatever else the operation does.
	ng.Nodes.Remove = slices.DeleteFunc(slices.Clone(g.Nodes.Remove), func(n string) bool { return n == c.Node })
	if len(ng.Nodes.Add)+len(ng.Nodes.Remove)+len(ng.Edges.Add)+len(ng.Edges.Remove) == 0 {
		return nil, false, true
	}
	out.Payload.Graph = &ng
	return &out, true, true
}
