package merge

import (
	"cmp"
	"maps"
	"slices"

	"github.com/google/uuid"

	"collabtext/internal/op"
)

// tagSpace namespaces the deterministic add tags derived from op ids.
var tagSpace = uuid.MustParse("6f1c9a52-3f0e-4b8e-9d7a-2b41c6a0e4d1")

// Set is an observed-remove set. Every add carries a unique tag; a remove
// tombstones the tags its author observed, so an add concurrent with a
// remove survives whichever is accepted first.
type Set struct {
	// Live maps tag id to element.
	Live map[string]string `json:"live,omitempty"`
	// Seqs maps live tag id to the sequence its add was accepted at.
	Seqs map[string]uint64 `json:"seqs,omitempty"`
	// Removed maps tombstoned tag id to element.
	Removed map[string]string `json:"removed,omitempty"`
}

// NewTag derives the add tag for elem in operation opID.
func NewTag(opID, elem string) op.Tag {
	return op.Tag{Elem: elem, ID: uuid.NewSHA1(tagSpace, []byte(opID+"\x00"+elem)).String()}
}

// Contains reports whether elem has a live tag.
func (s Set) Contains(elem string) bool {
	for _, e := range s.Live {
		if e == elem {
			return true
		}
	}
	return false
}

// Elements returns the visible elements in sorted order.
func (s Set) Elements() []string {
	seen := make(map[string]struct{}, len(s.Live))
	for _, e := range s.Live {
		seen[e] = struct{}{}
	}
	return slices.Sorted(maps.Keys(seen))
}

// Observed returns the live tags of elem accepted at or before base, which
// is what an author whose view ends at base could have seen.
func (s Set) Observed(elem string, base uint64) []op.Tag {
	var tags []op.Tag
	for id, e := range s.Live {
		if e == elem && s.Seqs[id] <= base {
			tags = append(tags, op.Tag{Elem: e, ID: id})
		}
	}
	slices.SortFunc(tags, func(a, b op.Tag) int { return cmp.Compare(a.ID, b.ID) })
	return tags
}

// Prepare resolves the add tags of ch and the tombstones of the tags its
// author observed at base.
func (s Set) Prepare(opID string, base uint64, ch op.SetChange) op.SetChange {
	ch.Tags, ch.Tombstones = nil, nil
	for _, e := range ch.Add {
		ch.Tags = append(ch.Tags, NewTag(opID, e))
	}
	for _, e := range ch.Remove {
		ch.Tombstones = append(ch.Tombstones, s.Observed(e, base)...)
	}
	return ch
}

// Apply returns s with a change accepted at seq merged in.
func (s Set) Apply(ch op.SetChange, seq uint64) Set {
	out := s.Clone()
	for _, t := range ch.Tombstones {
		out.Removed[t.ID] = t.Elem
		delete(out.Live, t.ID)
		delete(out.Seqs, t.ID)
	}
	for _, t := range ch.Tags {
		if _, gone := out.Removed[t.ID]; gone {
			continue
		}
		if _, ok := out.Live[t.ID]; !ok {
			out.Live[t.ID] = t.Elem
			out.Seqs[t.ID] = seq
		}
	}
	return out
}

// Join merges two sets: adds and tombstones are unioned.
func (s Set) Join(other Set) Set {
	out := s.Clone()
	maps.Copy(out.Removed, other.Removed)
	for id, e := range other.Live {
		if _, ok := out.Live[id]; !ok {
			out.Live[id] = e
			out.Seqs[id] = other.Seqs[id]
		}
	}
	for id := range out.Removed {
		delete(out.Live, id)
		delete(out.Seqs, id)
	}
	return out
}

func (s Set) Clone() Set {
	out := Set{
		Live:    make(map[string]string, len(s.Live)),
		Seqs:    make(map[string]uint64, len(s.Seqs)),
		Removed: make(map[string]string, len(s.Removed)),
	}
	maps.Copy(out.Live, s.Live)
	maps.Copy(out.Seqs, s.Seqs)
	maps.Copy(out.Removed, s.Removed)
	return out
}
