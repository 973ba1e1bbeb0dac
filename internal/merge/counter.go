package merge

import (
	"maps"

	"collabtext/internal/op"
)

// Counter is a PN-counter: per-author cumulative positive and negative
// totals. Merging takes the pointwise maximum, so duplicate and reordered
// delivery never change the value.
type Counter struct {
	P map[string]uint64 `json:"p,omitempty"`
	N map[string]uint64 `json:"n,omitempty"`
}

// Value returns the counter value.
func (c Counter) Value() int64 {
	var v int64
	for _, p := range c.P {
		v += int64(p)
	}
	for _, n := range c.N {
		v -= int64(n)
	}
	return v
}

// Prepare fills the author's cumulative totals after applying ch.Delta to c.
// It is called once, when the operation is accepted.
func (c Counter) Prepare(author string, ch op.CounterChange) op.CounterChange {
	ch.P, ch.N = c.P[author], c.N[author]
	if ch.Delta >= 0 {
		ch.P += uint64(ch.Delta)
	} else {
		ch.N += uint64(-ch.Delta)
	}
	return ch
}

// Apply returns c merged with an accepted change from author.
func (c Counter) Apply(author string, ch op.CounterChange) Counter {
	out := c.Clone()
	if ch.P > out.P[author] {
		out.P[author] = ch.P
	}
	if ch.N > out.N[author] {
		out.N[author] = ch.N
	}
	return out
}

// Join merges two counters.
func (c Counter) Join(other Counter) Counter {
	out := c.Clone()
	for a, p := range other.P {
		out.P[a] = max(out.P[a], p)
	}
	for a, n := range other.N {
		out.N[a] = max(out.N[a], n)
	}
	return out
}

func (c Counter) Clone() Counter {
	out := Counter{P: make(map[string]uint64, len(c.P)), N: make(map[string]uint64, len(c.N))}
	maps.Copy(out.P, c.P)
	maps.Copy(out.N, c.N)
	return out
}
