package transform

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/op"
)

// converge applies a then b' and b then a' and checks both orders agree.
func converge(t *testing.T, doc string, a, b Edit, tie Tie) string {
	t.Helper()
	a2, b2 := Edits(a, b, tie)

	left, err := ApplyString(doc, a)
	require.NoError(t, err)
	left, err = ApplyString(left, b2)
	require.NoError(t, err, "b'=%s", b2)

	right, err := ApplyString(doc, b)
	require.NoError(t, err)
	right, err = ApplyString(right, a2)
	require.NoError(t, err, "a'=%s", a2)

	require.Equal(t, left, right, "doc=%q a=%s b=%s a'=%s b'=%s", doc, a, b, a2, b2)
	return left
}

func seqOp(id, author string, seq, base uint64, edit ...op.Prim) op.Operation {
	return op.Operation{
		ID:         id,
		DocumentID: "doc",
		AuthorID:   author,
		Stamp:      op.Stamp{Counter: seq, Author: author, Seq: seq},
		Kind:       op.KindInsert,
		Payload:    op.Payload{Field: "body", Edit: edit},
		BaseSeq:    base,
	}
}

func TestSamePositionInsertLowerAuthorFirst(t *testing.T) {
	for _, firstAccepted := range []string{"u1", "u2"} {
		t.Run("accepted "+firstAccepted, func(t *testing.T) {
			text := map[string]string{"u1": "A", "u2": "B"}
			other := "u2"
			if firstAccepted == "u2" {
				other = "u1"
			}

			first := seqOp("op-"+firstAccepted, firstAccepted, 1, 0, op.Insert(0, text[firstAccepted]))
			second := seqOp("op-"+other, other, 0, 0, op.Insert(0, text[other]))

			doc, err := ApplyString("", first.Payload.Edit)
			require.NoError(t, err)
			rebased := Rebase(second, []op.Operation{first})
			doc, err = ApplyString(doc, rebased.Payload.Edit)
			require.NoError(t, err)

			assert.Equal(t, "AB", doc)
		})
	}
}

func TestOverlappingDeletes(t *testing.T) {
	doc := "0123456789abc"
	x := seqOp("x", "x", 1, 0, op.Delete(0, 5))
	y := seqOp("y", "y", 0, 0, op.Delete(2, 6))
	y.Kind = op.KindDelete

	state, err := ApplyString(doc, x.Payload.Edit)
	require.NoError(t, err)
	y = Rebase(y, []op.Operation{x})
	assert.Equal(t, []op.Prim{op.Delete(0, 3)}, y.Payload.Edit)

	state, err = ApplyString(state, y.Payload.Edit)
	require.NoError(t, err)
	assert.Equal(t, doc[8:], state)

	// Both orders agree.
	assert.Equal(t, doc[8:], converge(t, doc, Edit{op.Delete(0, 5)}, Edit{op.Delete(2, 6)}, Tie{}))
}

func TestContainedDeleteBecomesNoop(t *testing.T) {
	a, b := Edits(Edit{op.Delete(2, 2)}, Edit{op.Delete(0, 6)}, Tie{})
	assert.Empty(t, a)
	assert.Equal(t, Edit{op.Delete(0, 4)}, b)
}

func TestDeleteSplitByInsert(t *testing.T) {
	a, b := Edits(Edit{op.Delete(1, 5)}, Edit{op.Insert(3, "XY")}, Tie{})
	assert.Equal(t, Edit{op.Delete(1, 2), op.Delete(3, 3)}, a)
	assert.Equal(t, Edit{op.Insert(1, "XY")}, b)
	assert.Equal(t, "aXYgh", converge(t, "abcdefgh", Edit{op.Delete(1, 5)}, Edit{op.Insert(3, "XY")}, Tie{}))
}

func TestMoveCases(t *testing.T) {
	const doc = "abcdefgh"

	tests := []struct {
		name string
		a, b Edit
		tie  Tie
		want string
	}{
		{"insert inside moved block travels", Edit{op.Move(0, 2, 5)}, Edit{op.Insert(1, "X")}, Tie{}, "cdeaXbfgh"},
		{"insert at landing gap stays before block", Edit{op.Move(0, 2, 5)}, Edit{op.Insert(5, "X")}, Tie{}, "cdeXabfgh"},
		{"delete across moved block", Edit{op.Move(0, 2, 5)}, Edit{op.Delete(1, 3)}, Tie{}, "eafgh"},
		{"overlapping moves keep the winner", Edit{op.Move(0, 3, 6)}, Edit{op.Move(2, 3, 8)}, Tie{Wins: true}, "defabcgh"},
		{"overlapping moves keep the other winner", Edit{op.Move(2, 3, 8)}, Edit{op.Move(0, 3, 6)}, Tie{Wins: false}, "defabcgh"},
		{"disjoint moves", Edit{op.Move(0, 2, 8)}, Edit{op.Move(4, 2, 2)}, Tie{Wins: true}, "efcdghab"},
		{"block lands inside the other block", Edit{op.Move(0, 4, 8)}, Edit{op.Move(6, 2, 2)}, Tie{Wins: true}, "efabghcd"},
		{"same landing gap", Edit{op.Move(0, 1, 5)}, Edit{op.Move(7, 1, 5)}, Tie{Wins: true}, "bcdeahfg"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, converge(t, doc, tc.a, tc.b, tc.tie))
		})
	}
}

func TestLosingMoveBecomesNoop(t *testing.T) {
	a, b := Edits(Edit{op.Move(0, 3, 6)}, Edit{op.Move(2, 3, 8)}, Tie{Wins: true})
	assert.Empty(t, b)
	assert.Equal(t, Edit{op.Move(5, 3, 2), op.Move(0, 3, 6)}, a)
}

func TestTransformIgnoresOtherFields(t *testing.T) {
	a := seqOp("a", "u1", 0, 0, op.Insert(0, "x"))
	b := seqOp("b", "u2", 1, 0, op.Insert(0, "y"))
	b.Payload.Field = "title"

	a2, b2 := Transform(a, b)
	assert.Equal(t, a, a2)
	assert.Equal(t, b, b2)
}

func TestRebaseSkipsObserved(t *testing.T) {
	seen := seqOp("s", "u2", 1, 0, op.Insert(0, "abc"))
	unseen := seqOp("n", "u3", 2, 1, op.Insert(0, "Z"))
	in := seqOp("i", "u9", 0, 1, op.Insert(3, "!"))

	out := Rebase(in, []op.Operation{seen, unseen})
	assert.Equal(t, []op.Prim{op.Insert(4, "!")}, out.Payload.Edit)
}

func TestTieFor(t *testing.T) {
	a := seqOp("a", "alice", 3, 0)
	b := seqOp("b", "bob", 2, 0)
	tie := TieFor(a, b)
	assert.True(t, tie.InsertFirst)
	assert.False(t, tie.Wins, "b was accepted first")

	pending := seqOp("p", "carol", 0, 0)
	pending.Stamp.Seq = 0
	assert.True(t, TieFor(b, pending).Wins)
	assert.False(t, TieFor(pending, b).Wins)
}

func TestApplyDivergence(t *testing.T) {
	_, err := ApplyString("abc", Edit{op.Delete(2, 5)})
	require.ErrorIs(t, err, op.ErrTransformDivergence)

	_, err = ApplyString("abc", Edit{op.Delete(1, math.MaxInt)})
	require.ErrorIs(t, err, op.ErrTransformDivergence, "end past MaxInt")

	_, err = ApplyString("abc", Edit{op.Move(1, math.MaxInt, 0)})
	require.ErrorIs(t, err, op.ErrTransformDivergence)

	_, err = ApplyString("abc", Edit{op.Insert(4, "x")})
	require.ErrorIs(t, err, op.ErrTransformDivergence)

	out, err := ApplyString("héllo", Edit{op.Insert(2, "ö"), op.Delete(0, 1)})
	require.NoError(t, err)
	assert.Equal(t, "éöllo", out)
}

func TestHugeDeleteThroughMove(t *testing.T) {
	del, mv := Edits(Edit{op.Delete(0, op.MaxSpan)}, Edit{op.Move(0, 1, 3)}, Tie{})
	assert.Equal(t, Edit{op.Delete(0, op.MaxSpan)}, del)
	assert.Empty(t, mv, "the moved rune is deleted")

	del, _ = Edits(Edit{op.Delete(2, op.MaxSpan-2)}, Edit{op.Move(5, 2, 0)}, Tie{})
	assert.Equal(t, Edit{op.Delete(4, op.MaxSpan-4), op.Delete(0, 2)}, del)
}

// randomEdit builds up to three insert, delete or move primitives valid
// against a document of length n.
func randomEdit(r *rand.Rand, n int) Edit {
	var e Edit
	for i := r.Intn(3) + 1; i > 0; i-- {
		if n > 1 && r.Intn(3) == 0 {
			pos := r.Intn(n)
			l := r.Intn(n-pos) + 1
			to := r.Intn(n - l + 1)
			if to > pos {
				to += l
			}
			e = append(e, op.Move(pos, l, to))
			continue
		}
		if n == 0 || r.Intn(2) == 0 {
			text := string(rune('A' + r.Intn(26)))
			if r.Intn(3) == 0 {
				text += string(rune('a' + r.Intn(26)))
			}
			e = append(e, op.Insert(r.Intn(n+1), text))
			n += len([]rune(text))
			continue
		}
		pos := r.Intn(n)
		l := r.Intn(n-pos) + 1
		e = append(e, op.Delete(pos, l))
		n -= l
	}
	return e
}

func TestConvergenceProperty(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	const alphabet = "0123456789"

	for i := 0; i < 2000; i++ {
		n := r.Intn(10)
		doc := make([]byte, n)
		for j := range doc {
			doc[j] = alphabet[r.Intn(len(alphabet))]
		}
		a := randomEdit(r, n)
		b := randomEdit(r, n)
		tie := Tie{InsertFirst: r.Intn(2) == 0}
		tie.Wins = tie.InsertFirst

		converge(t, string(doc), a, b, tie)
	}
}

// TestServerOrderConvergesWithClient accepts three concurrent edits in a
// random order, rebasing each onto the ones before it, and checks that the
// author of the last one reaches the server's state by transforming the
// accepted edits against its own pending edit.
func TestServerOrderConvergesWithClient(t *testing.T) {
	r := rand.New(rand.NewSource(23))
	const alphabet = "0123456789"
	authors := []string{"ann", "ben", "cat"}

	for i := 0; i < 2000; i++ {
		n := r.Intn(10)
		doc := make([]byte, n)
		for j := range doc {
			doc[j] = alphabet[r.Intn(len(alphabet))]
		}

		ops := make([]op.Operation, len(authors))
		for k, perm := range r.Perm(len(authors)) {
			ops[k] = seqOp(authors[perm], authors[perm], 0, 0, randomEdit(r, n)...)
			ops[k].Stamp.Counter = uint64(k + 1)
		}

		var accepted []op.Operation
		server := string(doc)
		for k, o := range ops {
			rebased := Rebase(o, accepted)
			rebased.Stamp.Seq = uint64(k + 1)
			var err error
			server, err = ApplyString(server, rebased.Payload.Edit)
			require.NoError(t, err, "doc=%q op=%s rebased=%s", doc, Edit(o.Payload.Edit), Edit(rebased.Payload.Edit))
			accepted = append(accepted, rebased)
		}

		pending := ops[len(ops)-1]
		client, err := ApplyString(string(doc), pending.Payload.Edit)
		require.NoError(t, err)
		for _, remote := range accepted[:len(accepted)-1] {
			var incoming op.Operation
			pending, incoming = Transform(pending, remote)
			client, err = ApplyString(client, incoming.Payload.Edit)
			require.NoError(t, err)
		}
		require.Equal(t, server, client, "doc=%q", doc)
	}
}
