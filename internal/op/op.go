// Package op defines the operation model shared by every layer of the
// collaboration core: the immutable operation record, its causal stamp, the
// per-kind payloads and the conflict audit record.
package op

import (
	"fmt"
	"strings"
	"time"
)

// Kind is the kind of edit an operation carries.
type Kind string

const (
	KindInsert     Kind = "insert"
	KindDelete     Kind = "delete"
	KindMove       Kind = "move"
	KindUpdate     Kind = "update"
	KindMergeField Kind = "merge-field"
	// KindConflict marks an audit entry holding a ConflictRecord. It never
	// changes document state.
	KindConflict Kind = "conflict"
)

// IsSequence reports whether operations of this kind edit a sequence field
// and therefore go through the transform engine.
func (k Kind) IsSequence() bool {
	return k == KindInsert || k == KindDelete || k == KindMove
}

// Stamp is the causal stamp of an operation: the author's logical counter and,
// once accepted, the server assigned sequence number.
type Stamp struct {
	Counter uint64 `json:"counter"`
	Author  string `json:"author"`
	Seq     uint64 `json:"seq,omitempty"`
}

// Compare orders stamps by logical counter, then author. Seq is not part of
// the order because it does not exist before acceptance.
func (s Stamp) Compare(other Stamp) int {
	switch {
	case s.Counter < other.Counter:
		return -1
	case s.Counter > other.Counter:
		return 1
	}
	return strings.Compare(s.Author, other.Author)
}

// After returns true if s is strictly after other.
func (s Stamp) After(other Stamp) bool {
	return s.Compare(other) > 0
}

// Accepted reports whether the server has assigned a sequence number.
func (s Stamp) Accepted() bool {
	return s.Seq > 0
}

func (s Stamp) String() string {
	if s.Seq == 0 {
		return fmt.Sprintf("%d:%s", s.Counter, s.Author)
	}
	return fmt.Sprintf("%d:%s@%d", s.Counter, s.Author, s.Seq)
}

// Operation is an immutable edit record. AppliedAgainst is the op_id the
// author observed as latest when generating it; empty means the start of the
// document. BaseSeq is its resolved sequence number, filled in by the server.
type Operation struct {
	ID             string  `json:"op_id"`
	DocumentID     string  `json:"document_id"`
	AuthorID       string  `json:"author_id"`
	Stamp          Stamp   `json:"causal_stamp"`
	Kind           Kind    `json:"kind"`
	Payload        Payload `json:"payload"`
	AppliedAgainst string  `json:"applied_against,omitempty"`
	BaseSeq        uint64  `json:"base_seq,omitempty"`
}

// Seq returns the server assigned sequence number, zero before acceptance.
func (o Operation) Seq() uint64 {
	return o.Stamp.Seq
}

// Field returns the document field the operation targets.
func (o Operation) Field() string {
	return o.Payload.Field
}

func (o Operation) String() string {
	return fmt.Sprintf("%s %s %s/%s by %s", o.ID, o.Kind, o.DocumentID, o.Payload.Field, o.Stamp)
}

// Payload carries the kind specific body of an operation. Exactly one of the
// body pointers (or Edit) is set, matching the operation kind.
type Payload struct {
	Field    string          `json:"field,omitempty"`
	Edit     []Prim          `json:"edit,omitempty"`
	Register *RegisterWrite  `json:"register,omitempty"`
	Counter  *CounterChange  `json:"counter,omitempty"`
	Set      *SetChange      `json:"set,omitempty"`
	Graph    *GraphChange    `json:"graph,omitempty"`
	Conflict *ConflictRecord `json:"conflict,omitempty"`
}

// PrimKind is a sequence edit primitive.
type PrimKind string

const (
	PrimInsert PrimKind = "insert"
	PrimDelete PrimKind = "delete"
	PrimMove   PrimKind = "move"
)

// Prim is one primitive sequence edit. Positions and lengths count runes.
//
//	insert: Text at gap Pos
//	delete: Len runes starting at Pos
//	move:   Len runes starting at Pos to gap To (in pre-move coordinates)
type Prim struct {
	Kind PrimKind `json:"kind"`
	Pos  int      `json:"pos"`
	Len  int      `json:"len,omitempty"`
	To   int      `json:"to,omitempty"`
	Text string   `json:"text,omitempty"`
}

// Insert returns an insert primitive.
func Insert(pos int, text string) Prim {
	return Prim{Kind: PrimInsert, Pos: pos, Text: text}
}

// Delete returns a delete-range primitive.
func Delete(pos, length int) Prim {
	return Prim{Kind: PrimDelete, Pos: pos, Len: length}
}

// Move returns a move-range primitive.
func Move(pos, length, to int) Prim {
	return Prim{Kind: PrimMove, Pos: pos, Len: length, To: to}
}

// Size returns the number of runes an insert adds.
func (p Prim) Size() int {
	return len([]rune(p.Text))
}

// Noop reports whether the primitive has no effect.
func (p Prim) Noop() bool {
	switch p.Kind {
	case PrimInsert:
		return p.Text == ""
	case PrimDelete:
		return p.Len <= 0
	case PrimMove:
		return p.Len <= 0 || (p.To >= p.Pos && p.To <= p.Pos+p.Len)
	}
	return true
}

// RegisterWrite assigns a single-value field. A non-nil Base makes the write
// guarded: it records the value the author replaced so concurrent guarded
// writes can be detected and content-merged.
type RegisterWrite struct {
	Value string  `json:"value"`
	Base  *string `json:"base,omitempty"`
}

// CounterChange is a counter increment. P and N are the author's cumulative
// positive and negative totals after the change, filled on acceptance.
type CounterChange struct {
	Delta int64  `json:"delta"`
	P     uint64 `json:"p,omitempty"`
	N     uint64 `json:"n,omitempty"`
}

// Tag identifies one add of an element to an observed-remove set.
type Tag struct {
	Elem string `json:"elem"`
	ID   string `json:"id"`
}

// SetChange adds and removes set elements. Tags and Tombstones are the
// resolved add tags and the observed tags removed, filled on acceptance.
type SetChange struct {
	Add        []string `json:"add,omitempty"`
	Remove     []string `json:"remove,omitempty"`
	Tags       []Tag    `json:"tags,omitempty"`
	Tombstones []Tag    `json:"tombstones,omitempty"`
}

// GraphChange edits a graph field. Edge elements are EdgeKey strings.
type GraphChange struct {
	Nodes SetChange `json:"nodes"`
	Edges SetChange `json:"edges"`
}

const edgeSep = "->"

// EdgeKey encodes a directed edge as a set element.
func EdgeKey(from, to string) string {
	return from + edgeSep + to
}

// ParseEdgeKey splits an EdgeKey back into its endpoints.
func ParseEdgeKey(key string) (from, to string, ok bool) {
	return strings.Cut(key, edgeSep)
}

// ConflictKind classifies a detected conflict.
type ConflictKind string

const (
	ConflictStructural ConflictKind = "structural"
	ConflictSemantic   ConflictKind = "semantic"
)

// Strategy is a conflict resolution strategy.
type Strategy string

const (
	StrategyLastWriterWins Strategy = "last-writer-wins"
	StrategyPriority       Strategy = "priority"
	StrategyContentMerge   Strategy = "content-merge"
	StrategyDefer          Strategy = "defer"
)

// Valid reports whether s names a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyLastWriterWins, StrategyPriority, StrategyContentMerge, StrategyDefer:
		return true
	}
	return false
}

// ConflictState is the lifecycle state of a conflict.
type ConflictState string

const (
	StateDetected  ConflictState = "detected"
	StateResolving ConflictState = "resolving"
	StateDeferred  ConflictState = "deferred"
	StateResolved  ConflictState = "resolved"
)

// ConflictRecord is the immutable audit entry for a conflict. A deferred
// conflict produces two records: one in StateDeferred and, later, one in
// StateResolved sharing the same ID.
type ConflictRecord struct {
	ID         string        `json:"id"`
	OpA        string        `json:"op_a_id"`
	OpB        string        `json:"op_b_id"`
	Kind       ConflictKind  `json:"detected_kind"`
	Strategy   Strategy      `json:"resolution_strategy_used"`
	State      ConflictState `json:"state"`
	Winner     string        `json:"winner,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	DetectedAt time.Time     `json:"detected_at"`
	ResolvedAt time.Time     `json:"resolved_at,omitempty"`
	// Held is the operation a deferred conflict holds back, so any instance
	// replaying the log can settle it.
	Held *Operation `json:"held_op,omitempty"`
}
