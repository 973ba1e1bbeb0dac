package op

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStampCompare(t *testing.T) {
	cases := []struct {
		a, b Stamp
		want int
	}{
		{Stamp{Counter: 1, Author: "a"}, Stamp{Counter: 2, Author: "a"}, -1},
		{Stamp{Counter: 3, Author: "a"}, Stamp{Counter: 2, Author: "z"}, 1},
		{Stamp{Counter: 2, Author: "a"}, Stamp{Counter: 2, Author: "b"}, -1},
		{Stamp{Counter: 2, Author: "b", Seq: 1}, Stamp{Counter: 2, Author: "b", Seq: 9}, 0},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.a.Compare(c.b), "%v vs %v", c.a, c.b)
	}
	assert.True(t, Stamp{Counter: 5, Author: "a"}.After(Stamp{Counter: 4, Author: "z"}))
}

func TestValidate(t *testing.T) {
	base := Operation{ID: "op-1", DocumentID: "doc", AuthorID: "alice"}

	tests := []struct {
		name    string
		mutate  func(o *Operation)
		wantErr bool
	}{
		{"insert ok", func(o *Operation) {
			o.Kind = KindInsert
			o.Payload = Payload{Field: "body", Edit: []Prim{Insert(0, "x")}}
		}, false},
		{"insert without edit", func(o *Operation) {
			o.Kind = KindInsert
			o.Payload = Payload{Field: "body"}
		}, true},
		{"missing field", func(o *Operation) {
			o.Kind = KindUpdate
			o.Payload = Payload{Register: &RegisterWrite{Value: "t"}}
		}, true},
		{"move into itself", func(o *Operation) {
			o.Kind = KindMove
			o.Payload = Payload{Field: "body", Edit: []Prim{Move(2, 4, 3)}}
		}, true},
		{"delete up to the span limit", func(o *Operation) {
			o.Kind = KindDelete
			o.Payload = Payload{Field: "body", Edit: []Prim{Delete(0, MaxSpan)}}
		}, false},
		{"delete past the span limit", func(o *Operation) {
			o.Kind = KindDelete
			o.Payload = Payload{Field: "body", Edit: []Prim{Delete(0, MaxSpan+1)}}
		}, true},
		{"delete end overflows", func(o *Operation) {
			o.Kind = KindDelete
			o.Payload = Payload{Field: "body", Edit: []Prim{Delete(1, math.MaxInt)}}
		}, true},
		{"move target past the span limit", func(o *Operation) {
			o.Kind = KindMove
			o.Payload = Payload{Field: "body", Edit: []Prim{Move(0, 1, math.MaxInt)}}
		}, true},
		{"merge-field with two bodies", func(o *Operation) {
			o.Kind = KindMergeField
			o.Payload = Payload{Field: "n", Counter: &CounterChange{Delta: 1}, Set: &SetChange{}}
		}, true},
		{"counter ok", func(o *Operation) {
			o.Kind = KindMergeField
			o.Payload = Payload{Field: "n", Counter: &CounterChange{Delta: 1}}
		}, false},
		{"stamp author mismatch", func(o *Operation) {
			o.Kind = KindUpdate
			o.Payload = Payload{Field: "title", Register: &RegisterWrite{Value: "t"}}
			o.Stamp.Author = "mallory"
		}, true},
		{"unknown kind", func(o *Operation) {
			o.Kind = "rename"
			o.Payload = Payload{Field: "title"}
		}, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			o := base
			tc.mutate(&o)
			err := o.Validate()
			if tc.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidOperation)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestRejectedErrorIs(t *testing.T) {
	err := Reject(ReasonStaleReference, "unknown op %s", "op-9")
	assert.ErrorIs(t, err, ErrOperationRejected)

	reason, ok := RejectionReason(err)
	require.True(t, ok)
	assert.Equal(t, ReasonStaleReference, reason)

	_, ok = RejectionReason(errors.New("boom"))
	assert.False(t, ok)
}

func TestDegradedErrorIs(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := error(&DegradedError{DocumentID: "doc", RetryAfter: time.Second, Cause: cause})
	assert.ErrorIs(t, err, ErrDistributionDegraded)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "retry after 1s")
}

func TestDeferredErrorIs(t *testing.T) {
	err := error(&DeferredError{ConflictID: "c1", Deadline: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)})
	assert.ErrorIs(t, err, ErrOperationDeferred)
	assert.NotErrorIs(t, err, ErrOperationRejected)

	var deferred *DeferredError
	require.ErrorAs(t, err, &deferred)
	assert.Equal(t, "c1", deferred.ConflictID)
}

func TestEdgeKey(t *testing.T) {
	from, to, ok := ParseEdgeKey(EdgeKey("n1", "n2"))
	require.True(t, ok)
	assert.Equal(t, "n1", from)
	assert.Equal(t, "n2", to)
}

func TestPrimNoop(t *testing.T) {
	assert.True(t, Insert(3, "").Noop())
	assert.True(t, Delete(3, 0).Noop())
	assert.True(t, Move(2, 3, 5).Noop())
	assert.True(t, Move(2, 3, 2).Noop())
	assert.False(t, Move(2, 3, 6).Noop())
	assert.False(t, Move(2, 3, 0).Noop())
}
