// Package transform implements operational transformation for sequence
// fields. Edits are lists of insert, delete-range and move-range primitives
// applied left to right.
package transform

import (
	"sort"
	"strconv"
	"strings"

	"collabtext/internal/op"
)

// Edit is an ordered list of primitives; each one is expressed in the
// coordinates produced by the ones before it.
type Edit []op.Prim

// Tie carries the tie-break decisions for the left operand of a transform
// relative to the right one.
type Tie struct {
	// InsertFirst places the left side's insert before the right side's when
	// both insert at the same gap.
	InsertFirst bool
	// Wins keeps the left side's move when both moves touch the same range;
	// the losing move becomes a no-op.
	Wins bool
}

func (t Tie) flip() Tie {
	return Tie{InsertFirst: !t.InsertFirst, Wins: !t.Wins}
}

// TieFor derives the tie-break of a relative to b. Same-position inserts are
// ordered by lower author id. Overlapping moves are won by the operation
// accepted first; if neither is accepted the lower stamp wins.
func TieFor(a, b op.Operation) Tie {
	insertFirst := a.AuthorID < b.AuthorID
	if a.AuthorID == b.AuthorID {
		insertFirst = a.Stamp.Counter < b.Stamp.Counter || (a.Stamp.Counter == b.Stamp.Counter && a.ID < b.ID)
	}

	var wins bool
	switch {
	case a.Seq() != 0 && b.Seq() != 0:
		wins = a.Seq() < b.Seq()
	case a.Seq() != 0:
		wins = true
	case b.Seq() != 0:
		wins = false
	default:
		c := a.Stamp.Compare(b.Stamp)
		wins = c < 0 || (c == 0 && a.ID < b.ID)
	}
	return Tie{InsertFirst: insertFirst, Wins: wins}
}

// Transform rewrites two concurrent sequence operations on the same field so
// that applying local then remote' yields the same state as remote then
// local'. Operations on different fields are returned unchanged.
func Transform(local, remote op.Operation) (op.Operation, op.Operation) {
	if !local.Kind.IsSequence() || !remote.Kind.IsSequence() || local.Field() != remote.Field() {
		return local, remote
	}
	l, r := Edits(local.Payload.Edit, remote.Payload.Edit, TieFor(local, remote))
	local.Payload.Edit = l
	remote.Payload.Edit = r
	return local, remote
}

// Rebase transforms incoming against accepted operations that it did not
// observe, in acceptance order. Each accepted operation must already be
// expressed in the state produced by the ones before it.
func Rebase(incoming op.Operation, accepted []op.Operation) op.Operation {
	for _, prev := range accepted {
		if prev.ID == incoming.ID || prev.Seq() <= incoming.BaseSeq {
			continue
		}
		incoming, _ = Transform(incoming, prev)
	}
	return incoming
}

// Edits transforms a against b, returning (a', b').
func Edits(a, b Edit, tie Tie) (Edit, Edit) {
	a, b = compact(a), compact(b)
	if len(a) == 0 || len(b) == 0 {
		return a, b
	}

	if len(a) > 1 {
		head, b1 := Edits(a[:1], b, tie)
		tail, b2 := Edits(a[1:], b1, tie)
		return append(head, tail...), b2
	}
	if len(b) > 1 {
		a1, head := Edits(a, b[:1], tie)
		a2, tail := Edits(a1, b[1:], tie)
		return a2, append(head, tail...)
	}

	return against(a[0], b[0], tie), against(b[0], a[0], tie.flip())
}

func compact(e Edit) Edit {
	out := make(Edit, 0, len(e))
	for _, p := range e {
		if !p.Noop() {
			out = append(out, p)
		}
	}
	return out
}

// against transforms x so it applies after y.
func against(x, y op.Prim, tie Tie) Edit {
	if x.Noop() {
		return nil
	}
	if y.Noop() {
		return Edit{x}
	}

	switch y.Kind {
	case op.PrimInsert:
		return againstInsert(x, y, tie)
	case op.PrimDelete:
		return againstDelete(x, y)
	case op.PrimMove:
		return againstMove(x, y, tie)
	}
	return Edit{x}
}

func againstInsert(x, y op.Prim, tie Tie) Edit {
	q, n := y.Pos, y.Size()

	switch x.Kind {
	case op.PrimInsert:
		if x.Pos > q || (x.Pos == q && !tie.InsertFirst) {
			x.Pos += n
		}
		return Edit{x}

	case op.PrimDelete:
		p, l := x.Pos, x.Len
		switch {
		case q <= p:
			x.Pos += n
			return Edit{x}
		case q >= p+l:
			return Edit{x}
		}
		// The insert landed inside the range: delete around it.
		return Edit{op.Delete(p, q-p), op.Delete(p+n, p+l-q)}

	case op.PrimMove:
		p, l := x.Pos, x.Len
		if q <= x.To {
			x.To += n
		}
		switch {
		case q <= p:
			x.Pos += n
		case q < p+l:
			x.Len += n
		}
		return Edit{x}
	}
	return Edit{x}
}

func againstDelete(x, y op.Prim) Edit {
	q, m := y.Pos, y.Len

	switch x.Kind {
	case op.PrimInsert:
		x.Pos = gapThroughDelete(x.Pos, q, m)
		return Edit{x}

	case op.PrimDelete, op.PrimMove:
		p, l := x.Pos, x.Len
		x.Len = l - overlap(p, l, q, m)
		x.Pos = p - deletedBefore(p, q, m)
		if x.Kind == op.PrimMove {
			x.To = gapThroughDelete(x.To, q, m)
		}
		if x.Len <= 0 {
			return nil
		}
		return Edit{x}
	}
	return Edit{x}
}

func againstMove(x, y op.Prim, tie Tie) Edit {
	mv := newMoveMap(y)

	switch x.Kind {
	case op.PrimInsert:
		x.Pos = mv.gap(x.Pos, true)
		return Edit{x}

	case op.PrimDelete:
		return deleteRuns(mv.spans(x.Pos, x.Len))

	case op.PrimMove:
		p, l := x.Pos, x.Len
		overlapping := overlap(p, l, y.Pos, y.Len) > 0
		cyclic := strictlyInside(x.To, y.Pos, y.Len) && strictlyInside(y.To, p, l)
		if overlapping || cyclic {
			if !tie.Wins {
				return nil
			}
			// Undo the losing move, then apply ours against the original state.
			return Edit{mv.inverse(), x}
		}

		moved := op.Move(mv.char(p), l, mv.gap(x.To, tie.Wins))
		if strictlyInside(y.To, p, l) {
			// The other block landed inside ours and travels with it.
			moved.Len += y.Len
		}
		if moved.Noop() {
			return nil
		}
		return Edit{moved}
	}
	return Edit{x}
}

// moveMap maps positions through a move primitive.
type moveMap struct {
	pos, length, to, target int
}

func newMoveMap(m op.Prim) moveMap {
	target := m.To
	if m.To > m.Pos {
		target = m.To - m.Len
	}
	return moveMap{pos: m.Pos, length: m.Len, to: m.To, target: target}
}

// char maps the index of a rune.
func (m moveMap) char(c int) int {
	if c >= m.pos && c < m.pos+m.length {
		return m.target + c - m.pos
	}
	c1 := c
	if c >= m.pos+m.length {
		c1 -= m.length
	}
	if c1 >= m.target {
		return c1 + m.length
	}
	return c1
}

// spans maps the rune range [p, p+l) through the move. The range is cut
// where the mapping changes offset, so at most five spans come back.
func (m moveMap) spans(p, l int) []span {
	cuts := []int{p, p + l}
	for _, c := range []int{m.pos, m.pos + m.length, m.target, m.target + m.length} {
		if c > p && c < p+l {
			cuts = append(cuts, c)
		}
	}
	sort.Ints(cuts)

	var out []span
	for i := 1; i < len(cuts); i++ {
		if n := cuts[i] - cuts[i-1]; n > 0 {
			out = append(out, span{start: m.char(cuts[i-1]), n: n})
		}
	}
	return out
}

// gap maps a gap index. Gaps strictly inside the block travel with it; a gap
// that coincides with the landing point stays before the block when
// beforeBlock is set.
func (m moveMap) gap(g int, beforeBlock bool) int {
	if g > m.pos && g < m.pos+m.length {
		return m.target + g - m.pos
	}
	g1 := g
	if g >= m.pos+m.length {
		g1 -= m.length
	}
	switch {
	case g1 < m.target:
		return g1
	case g1 > m.target:
		return g1 + m.length
	case beforeBlock:
		return g1
	default:
		return g1 + m.length
	}
}

// inverse returns the move that restores the state before m.
func (m moveMap) inverse() op.Prim {
	back := m.pos
	if m.pos > m.target {
		back = m.pos + m.length
	}
	return op.Move(m.target, m.length, back)
}

// span is a run of n runes starting at start.
type span struct {
	start, n int
}

// deleteRuns turns disjoint rune spans into delete primitives that remove
// them when applied in order (highest range first). Adjacent spans merge.
func deleteRuns(spans []span) Edit {
	if len(spans) == 0 {
		return nil
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start > spans[j].start })

	var out Edit
	cur := spans[0]
	for _, s := range spans[1:] {
		if s.start+s.n == cur.start {
			cur = span{start: s.start, n: cur.n + s.n}
			continue
		}
		out = append(out, op.Delete(cur.start, cur.n))
		cur = s
	}
	return append(out, op.Delete(cur.start, cur.n))
}

func overlap(p, l, q, m int) int {
	lo, hi := max(p, q), min(p+l, q+m)
	if hi <= lo {
		return 0
	}
	return hi - lo
}

func deletedBefore(p, q, m int) int {
	return min(max(p-q, 0), m)
}

func gapThroughDelete(g, q, m int) int {
	switch {
	case g <= q:
		return g
	case g >= q+m:
		return g - m
	}
	return q
}

func strictlyInside(g, pos, length int) bool {
	return g > pos && g < pos+length
}

// String renders an edit for logs and test failures.
func (e Edit) String() string {
	parts := make([]string, 0, len(e))
	for _, p := range e {
		switch p.Kind {
		case op.PrimInsert:
			parts = append(parts, "ins("+strconv.Itoa(p.Pos)+","+p.Text+")")
		case op.PrimDelete:
			parts = append(parts, "del("+strconv.Itoa(p.Pos)+","+strconv.Itoa(p.Len)+")")
		case op.PrimMove:
			parts = append(parts, "mov("+strconv.Itoa(p.Pos)+","+strconv.Itoa(p.Len)+"->"+strconv.Itoa(p.To)+")")
		}
	}
	return "[" + strings.Join(parts, " ") + "]"
}
