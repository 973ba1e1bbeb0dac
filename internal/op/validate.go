package op

import "fmt"

// MaxSpan bounds every position, length and insert size of a primitive, so
// the arithmetic of transforms and application cannot overflow.
const MaxSpan = 1 << 30

// Validate checks the invariants an operation must satisfy before it enters
// the pipeline: identity fields are set and the payload matches the kind.
func (o Operation) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("%w: missing op_id", ErrInvalidOperation)
	}
	if o.DocumentID == "" {
		return fmt.Errorf("%w: op %s: missing document_id", ErrInvalidOperation, o.ID)
	}
	if o.AuthorID == "" {
		return fmt.Errorf("%w: op %s: missing author_id", ErrInvalidOperation, o.ID)
	}
	if o.Stamp.Author != "" && o.Stamp.Author != o.AuthorID {
		return fmt.Errorf("%w: op %s: stamp author %q does not match %q", ErrInvalidOperation, o.ID, o.Stamp.Author, o.AuthorID)
	}
	if o.Kind != KindConflict && o.Payload.Field == "" {
		return fmt.Errorf("%w: op %s: missing field", ErrInvalidOperation, o.ID)
	}

	p := o.Payload
	switch o.Kind {
	case KindInsert, KindDelete, KindMove:
		if len(p.Edit) == 0 {
			return fmt.Errorf("%w: op %s: %s without edit", ErrInvalidOperation, o.ID, o.Kind)
		}
		for _, prim := range p.Edit {
			if err := prim.validate(); err != nil {
				return fmt.Errorf("%w: op %s: %v", ErrInvalidOperation, o.ID, err)
			}
		}
	case KindUpdate:
		if p.Register == nil {
			return fmt.Errorf("%w: op %s: update without register write", ErrInvalidOperation, o.ID)
		}
	case KindMergeField:
		n := 0
		if p.Counter != nil {
			n++
		}
		if p.Set != nil {
			n++
		}
		if p.Graph != nil {
			n++
		}
		if n != 1 {
			return fmt.Errorf("%w: op %s: merge-field needs exactly one of counter, set, graph", ErrInvalidOperation, o.ID)
		}
	case KindConflict:
		if p.Conflict == nil {
			return fmt.Errorf("%w: op %s: conflict entry without record", ErrInvalidOperation, o.ID)
		}
	default:
		return fmt.Errorf("%w: op %s: unknown kind %q", ErrInvalidOperation, o.ID, o.Kind)
	}
	return nil
}

func (p Prim) validate() error {
	if p.Pos < 0 || p.Len < 0 || p.To < 0 {
		return fmt.Errorf("%s: negative position or length", p.Kind)
	}
	if p.Pos > MaxSpan || p.Len > MaxSpan-p.Pos || p.To > MaxSpan || len(p.Text) > MaxSpan {
		return fmt.Errorf("%s: span exceeds %d", p.Kind, MaxSpan)
	}
	switch p.Kind {
	case PrimInsert, PrimDelete:
		return nil
	case PrimMove:
		if p.To > p.Pos && p.To < p.Pos+p.Len {
			return fmt.Errorf("move: target %d inside moved range [%d,%d)", p.To, p.Pos, p.Pos+p.Len)
		}
		return nil
	}
	return fmt.Errorf("unknown primitive %q", p.Kind)
}
