package merge

import "collabtext/internal/op"

// Register is a last-writer-wins single value. The write with the highest
// causal stamp wins; stamps order by counter, then author.
type Register struct {
	Value string   `json:"value"`
	Stamp op.Stamp `json:"stamp"`
	OpID  string   `json:"op_id,omitempty"`
}

// Wins reports whether a write stamped s by opID beats the current value.
func (r Register) Wins(s op.Stamp, opID string) bool {
	if r.OpID == "" {
		return true
	}
	switch c := s.Compare(r.Stamp); {
	case c > 0:
		return true
	case c < 0:
		return false
	}
	return opID > r.OpID
}

// Apply returns the register after an accepted write.
func (r Register) Apply(w op.RegisterWrite, s op.Stamp, opID string) Register {
	if !r.Wins(s, opID) {
		return r
	}
	return Register{Value: w.Value, Stamp: s, OpID: opID}
}

// Join keeps the winning write of two registers.
func (r Register) Join(other Register) Register {
	if other.OpID == "" {
		return r
	}
	if r.Wins(other.Stamp, other.OpID) {
		return other
	}
	return r
}
