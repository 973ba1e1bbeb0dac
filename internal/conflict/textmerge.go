package conflict

// change is the region of base one side replaced, in rune offsets.
type change struct {
	start, end int
	repl       []rune
}

func diffRegion(base, side []rune) change {
	prefix := 0
	for prefix < len(base) && prefix < len(side) && base[prefix] == side[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(base)-prefix && suffix < len(side)-prefix &&
		base[len(base)-1-suffix] == side[len(side)-1-suffix] {
		suffix++
	}
	return change{start: prefix, end: len(base) - suffix, repl: side[prefix : len(side)-suffix]}
}

// MergeText performs a three-way merge of two edits of base. Each side's
// edit is reduced to the single region it changed; the merge is ambiguous
// (ok false) when the regions overlap or touch.
func MergeText(base, a, b string) (string, bool) {
	switch {
	case a == b:
		return a, true
	case a == base:
		return b, true
	case b == base:
		return a, true
	}

	br := []rune(base)
	ca, cb := diffRegion(br, []rune(a)), diffRegion(br, []rune(b))
	if ca.start <= cb.end && cb.start <= ca.end {
		return "", false
	}
	if cb.start < ca.start {
		ca, cb = cb, ca
	}

	out := make([]rune, 0, len(br)+len(ca.repl)+len(cb.repl))
	out = append(out, br[:ca.start]...)
	out = append(out, ca.repl...)
	out = append(out, br[ca.end:cb.start]...)
	out = append(out, cb.repl...)
	out = append(out, br[cb.end:]...)
	return string(out), true
}
