// Package merge implements the conflict-free field types of a document:
// PN-counters, observed-remove sets, last-writer-wins registers and graphs
// built from two observed-remove sets.
//
// Every Apply and Join is a pure function of its inputs and is commutative,
// associative and idempotent over accepted operations, so replicas converge
// regardless of delivery order or duplicates. Prepare runs exactly once, when
// an operation is accepted, and records what the author observed (add tags,
// tombstones, cumulative totals) in the payload.
package merge

import (
	"maps"

	"collabtext/internal/op"
)

// State holds the non-sequence fields of a document. Field names are
// namespaced per type.
type State struct {
	Registers map[string]Register `json:"registers,omitempty"`
	Counters  map[string]Counter  `json:"counters,omitempty"`
	Sets      map[string]Set      `json:"sets,omitempty"`
	Graphs    map[string]Graph    `json:"graphs,omitempty"`
}

// NewState returns an empty state.
func NewState() State {
	return State{
		Registers: make(map[string]Register),
		Counters:  make(map[string]Counter),
		Sets:      make(map[string]Set),
		Graphs:    make(map[string]Graph),
	}
}

// Handles reports whether the merge layer owns operations of this kind.
func Handles(k op.Kind) bool {
	return k == op.KindUpdate || k == op.KindMergeField
}

// Prepare returns o with its acceptance data filled against s. Counter
// totals are taken from the current state; set and graph removals only
// observe adds accepted at or before o.BaseSeq. The payload bodies are
// copied, never mutated in place.
func (s State) Prepare(o op.Operation) op.Operation {
	p := &o.Payload
	f := p.Field
	switch {
	case p.Counter != nil:
		ch := s.Counters[f].Prepare(o.AuthorID, *p.Counter)
		p.Counter = &ch
	case p.Set != nil:
		ch := s.Sets[f].Prepare(o.ID, o.BaseSeq, *p.Set)
		p.Set = &ch
	case p.Graph != nil:
		ch := s.Graphs[f].Prepare(o.ID, o.BaseSeq, *p.Graph)
		p.Graph = &ch
	}
	return o
}

// Apply merges an accepted operation into s. Operations the merge layer
// does not own are ignored. It never fails.
func (s *State) Apply(o op.Operation) {
	s.ensure()
	p := o.Payload
	f := p.Field
	switch {
	case o.Kind == op.KindUpdate && p.Register != nil:
		s.Registers[f] = s.Registers[f].Apply(*p.Register, o.Stamp, o.ID)
	case o.Kind != op.KindMergeField:
	case p.Counter != nil:
		s.Counters[f] = s.Counters[f].Apply(o.AuthorID, *p.Counter)
	case p.Set != nil:
		s.Sets[f] = s.Sets[f].Apply(*p.Set, o.Seq())
	case p.Graph != nil:
		s.Graphs[f] = s.Graphs[f].Apply(*p.Graph, o.Seq())
	}
}

// ensure allocates maps left nil by a zero value or a decoded snapshot.
func (s *State) ensure() {
	if s.Registers == nil {
		s.Registers = make(map[string]Register)
	}
	if s.Counters == nil {
		s.Counters = make(map[string]Counter)
	}
	if s.Sets == nil {
		s.Sets = make(map[string]Set)
	}
	if s.Graphs == nil {
		s.Graphs = make(map[string]Graph)
	}
}

// Join merges two states field by field.
func (s State) Join(other State) State {
	out := s.Clone()
	for f, r := range other.Registers {
		out.Registers[f] = out.Registers[f].Join(r)
	}
	for f, c := range other.Counters {
		out.Counters[f] = out.Counters[f].Join(c)
	}
	for f, set := range other.Sets {
		out.Sets[f] = out.Sets[f].Join(set)
	}
	for f, g := range other.Graphs {
		out.Graphs[f] = out.Graphs[f].Join(g)
	}
	return out
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	out := NewState()
	maps.Copy(out.Registers, s.Registers)
	for f, c := range s.Counters {
		out.Counters[f] = c.Clone()
	}
	for f, set := range s.Sets {
		out.Sets[f] = set.Clone()
	}
	for f, g := range s.Graphs {
		out.Graphs[f] = g.Clone()
	}
	return out
}
