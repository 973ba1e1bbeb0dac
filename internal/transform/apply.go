package transform

import (
	"errors"
	"fmt"

	"collabtext/internal/op"
)

// Apply runs an edit over a rune sequence and returns the new sequence. A
// primitive that references a position past the end fails with
// op.ErrTransformDivergence and leaves doc untouched.
func Apply(doc []rune, e Edit) ([]rune, error) {
	out := append([]rune(nil), doc...)
	for i, p := range e {
		var err error
		out, err = applyPrim(out, p)
		if err != nil {
			return doc, fmt.Errorf("%w: primitive %d %s on length %d", op.ErrTransformDivergence, i, Edit{p}, len(out))
		}
	}
	return out, nil
}

// ApplyString is Apply for strings.
func ApplyString(doc string, e Edit) (string, error) {
	out, err := Apply([]rune(doc), e)
	if err != nil {
		return doc, err
	}
	return string(out), nil
}

var errOutOfRange = errors.New("out of range")

func applyPrim(doc []rune, p op.Prim) ([]rune, error) {
	n := len(doc)
	if p.Pos < 0 || p.Len < 0 || p.Pos > n {
		return nil, errOutOfRange
	}

	switch p.Kind {
	case op.PrimInsert:
		text := []rune(p.Text)
		res := make([]rune, 0, n+len(text))
		res = append(res, doc[:p.Pos]...)
		res = append(res, text...)
		return append(res, doc[p.Pos:]...), nil

	case op.PrimDelete:
		if p.Len > n-p.Pos {
			return nil, errOutOfRange
		}
		res := make([]rune, 0, n-p.Len)
		res = append(res, doc[:p.Pos]...)
		return append(res, doc[p.Pos+p.Len:]...), nil

	case op.PrimMove:
		if p.Len > n-p.Pos || p.To > n || p.To < 0 {
			return nil, errOutOfRange
		}
		if p.Noop() {
			return doc, nil
		}
		block := append([]rune(nil), doc[p.Pos:p.Pos+p.Len]...)
		rest := make([]rune, 0, n-p.Len)
		rest = append(rest, doc[:p.Pos]...)
		rest = append(rest, doc[p.Pos+p.Len:]...)

		target := p.To
		if p.To > p.Pos {
			target -= p.Len
		}
		res := make([]rune, 0, n)
		res = append(res, rest[:target]...)
		res = append(res, block...)
		return append(res, rest[target:]...), nil
	}
	return nil, fmt.Errorf("unknown primitive %q", p.Kind)
}
