package regex

import (
	"fmt"
	"slices"
)

// Simplify rewrites e into an equivalent and usually smaller expression.
// The rewriting is a fixed set of local rules and does not decide language
// equivalence: some equivalent inputs keep different shapes.
func Simplify[T comparable](e Expr[T]) Expr[T] {
	switch e := e.(type) {
	case Terminal[T]:
		return e
	case Concat[T]:
		b := &concatBuilder[T]{}
		b.add(e, true)
		return b.build()
	case Or[T]:
		b := &orBuilder[T]{}
		b.add(e)
		return b.build()
	case Repeat[T]:
		return simplifyRepeat(e)
	default:
		panic(fmt.Sprintf("regex: unhandled expression %T", e))
	}
}

func simplifyRepeat[T comparable](r Repeat[T]) Expr[T] {
	if r.Max == 0 {
		return Empty[T]()
	}
	inner := Simplify(r.Inner)
	if r.Min == 1 && r.Max == 1 {
		return inner
	}
	if IsEmpty(inner) {
		return inner
	}
	if IsNothing(inner) {
		if r.Min == 0 {
			return Empty[T]()
		}
		return inner
	}
	if ir, ok := inner.(Repeat[T]); ok {
		if r.Min <= 1 && ir.Min <= 1 && (r.Max == Unbounded || ir.Max == Unbounded) {
			return Rep(ir.Inner, r.Min*ir.Min, Unbounded)
		}
		if r.Min == r.Max && ir.Min == ir.Max {
			return Rep(ir.Inner, r.Min*ir.Min, r.Min*ir.Min)
		}
	}
	return Rep(inner, r.Min, r.Max)
}

// shift adds n to both bounds of r, keeping an unbounded maximum.
func shift[T comparable](r Repeat[T], n int) Repeat[T] {
	hi := r.Max
	if hi != Unbounded {
		hi += n
	}
	return Rep(r.Inner, r.Min+n, hi)
}

type concatBuilder[T comparable] struct {
	items []Expr[T]
}

// add appends e (or prepends it when tail is false), merging the new item
// with its neighbours for as long as a rule applies.
func (b *concatBuilder[T]) add(e Expr[T], tail bool) {
	if c, ok := e.(Concat[T]); ok {
		b.addMembers(c.Members, tail)
		return
	}
	s := Simplify(e)
	if c, ok := s.(Concat[T]); ok {
		b.addMembers(c.Members, tail)
		return
	}
	if tail {
		b.items = append(b.items, s)
		for b.mergeTail() {
		}
		return
	}
	b.items = slices.Insert(b.items, 0, s)
	for b.mergeHead() {
	}
}

func (b *concatBuilder[T]) addMembers(members []Expr[T], tail bool) {
	if tail {
		for _, m := range members {
			b.add(m, true)
		}
		return
	}
	for i := len(members) - 1; i >= 0; i-- {
		b.add(members[i], false)
	}
}

func (b *concatBuilder[T]) mergeTail() bool {
	n := len(b.items)
	if n < 2 {
		return false
	}
	if merged, ok := mergeAdjacent(b.items[n-2], b.items[n-1]); ok {
		b.items[n-2] = merged
		b.items = b.items[:n-1]
		return true
	}
	// (x y)* x y and x y (x y)*
	for start := n - 2; start >= 0; start-- {
		seq := n - 1 - start
		if r, ok := sequenceRepeat(b.items[start], seq); ok && equalAll(b.items[start+1:], r.members) {
			b.items = append(b.items[:start], shift(r.repeat, 1))
			return true
		}
	}
	if r, ok := sequenceRepeat(b.items[n-1], -1); ok {
		k := len(r.members)
		if n-1 >= k && equalAll(b.items[n-1-k:n-1], r.members) {
			b.items = append(b.items[:n-1-k], shift(r.repeat, 1))
			return true
		}
	}
	return false
}

func (b *concatBuilder[T]) mergeHead() bool {
	n := len(b.items)
	if n < 2 {
		return false
	}
	if merged, ok := mergeAdjacent(b.items[0], b.items[1]); ok {
		b.items[0] = merged
		b.items = slices.Delete(b.items, 1, 2)
		return true
	}
	for end := 1; end < n; end++ {
		if r, ok := sequenceRepeat(b.items[end], end); ok && equalAll(b.items[:end], r.members) {
			b.items = append([]Expr[T]{shift(r.repeat, 1)}, b.items[end+1:]...)
			return true
		}
	}
	if r, ok := sequenceRepeat(b.items[0], -1); ok {
		k := len(r.members)
		if n-1 >= k && equalAll(b.items[1:1+k], r.members) {
			b.items = append([]Expr[T]{shift(r.repeat, 1)}, b.items[1+k:]...)
			return true
		}
	}
	return false
}

type seqRepeat[T comparable] struct {
	repeat  Repeat[T]
	members []Expr[T]
}

// sequenceRepeat matches a repeat of a concatenation of length members, or
// of any length of at least two when length is negative.
func sequenceRepeat[T comparable](e Expr[T], length int) (seqRepeat[T], bool) {
	r, ok := e.(Repeat[T])
	if !ok {
		return seqRepeat[T]{}, false
	}
	c, ok := r.Inner.(Concat[T])
	if !ok || len(c.Members) < 2 || (length >= 0 && len(c.Members) != length) {
		return seqRepeat[T]{}, false
	}
	return seqRepeat[T]{repeat: r, members: c.Members}, true
}

func equalAll[T comparable](a, b []Expr[T]) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

func mergeAdjacent[T comparable](left, right Expr[T]) (Expr[T], bool) {
	if m, ok := mergeIntoRepeat(left, right); ok {
		return m, true
	}
	if m, ok := mergeIntoRepeat(right, left); ok {
		return m, true
	}
	if Equal(left, right) {
		return Rep(left, 2, 2), true
	}
	return nil, false
}

// mergeIntoRepeat folds other into r when r repeats other, or when both
// repeat the same expression.
func mergeIntoRepeat[T comparable](r, other Expr[T]) (Expr[T], bool) {
	rep, ok := r.(Repeat[T])
	if !ok {
		return nil, false
	}
	if Equal(rep.Inner, other) {
		return shift(rep, 1), true
	}
	o, ok := other.(Repeat[T])
	if !ok || !Equal(rep.Inner, o.Inner) {
		return nil, false
	}
	hi := Unbounded
	if rep.Max != Unbounded && o.Max != Unbounded {
		hi = rep.Max + o.Max
	}
	return Rep(rep.Inner, rep.Min+o.Min, hi), true
}

func (b *concatBuilder[T]) build() Expr[T] {
	for _, item := range b.items {
		if IsNothing(item) {
			return Nothing[T]()
		}
	}
	switch len(b.items) {
	case 0:
		return Empty[T]()
	case 1:
		return b.items[0]
	default:
		return Concat[T]{Members: slices.Clone(b.items)}
	}
}

type orBuilder[T comparable] struct {
	items []Expr[T]
}

func (b *orBuilder[T]) add(e Expr[T]) {
	if o, ok := e.(Or[T]); ok {
		for _, a := range o.Alternatives {
			b.add(a)
		}
		return
	}
	s := Simplify(e)
	if o, ok := s.(Or[T]); ok {
		for _, a := range o.Alternatives {
			b.insert(a)
		}
		return
	}
	b.insert(s)
}

func (b *orBuilder[T]) insert(e Expr[T]) {
	if b.contains(e) {
		return
	}
	b.items = append(b.items, e)
}

func (b *orBuilder[T]) contains(e Expr[T]) bool {
	return slices.ContainsFunc(b.items, func(x Expr[T]) bool { return Equal(x, e) })
}

func (b *orBuilder[T]) build() Expr[T] {
	if len(b.items) == 1 {
		return b.items[0]
	}
	prefix := b.extractAffix(true)
	suffix := b.extractAffix(false)
	b.mergeAll()

	var body Expr[T]
	switch len(b.items) {
	case 0:
		return Nothing[T]()
	case 1:
		body = b.items[0]
	default:
		body = Or[T]{Alternatives: slices.Clone(b.items)}
	}
	if IsEmpty(prefix) && IsEmpty(suffix) {
		return body
	}
	if len(b.items) == 1 {
		return Simplify(Seq(prefix, body, suffix))
	}
	return Seq(prefix, body, suffix)
}

type mergePair struct {
	a, b int
}

// mergeAll merges alternatives pairwise until no rule applies. Pairs of
// the initial alternatives are tried last-first; pairs involving a merge
// result are tried after them.
func (b *orBuilder[T]) mergeAll() {
	ids := make([]int, len(b.items))
	for i := range ids {
		ids[i] = i
	}
	next := len(ids)

	var queue []mergePair
	for i := range b.items {
		for j := i + 1; j < len(b.items); j++ {
			queue = append(queue, mergePair{i, j})
		}
	}
	slices.Reverse(queue)

	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		ia, ib := slices.Index(ids, p.a), slices.Index(ids, p.b)
		if ia < 0 || ib < 0 {
			continue
		}
		merged, ok := mergeAlternatives(b.items[ia], b.items[ib])
		if !ok {
			continue
		}
		for _, i := range []int{max(ia, ib), min(ia, ib)} {
			b.items = slices.Delete(b.items, i, i+1)
			ids = slices.Delete(ids, i, i+1)
		}
		queue = slices.DeleteFunc(queue, func(q mergePair) bool {
			return q.a == p.a || q.b == p.a || q.a == p.b || q.b == p.b
		})
		if b.contains(merged) {
			continue
		}
		for _, other := range ids {
			queue = append(queue, mergePair{other, next})
		}
		b.items = append(b.items, merged)
		ids = append(ids, next)
		next++
	}
}

func mergeAlternatives[T comparable](a, b Expr[T]) (Expr[T], bool) {
	if m, ok := absorbAlternative(a, b); ok {
		return m, true
	}
	return absorbAlternative(b, a)
}

// absorbAlternative returns an expression matching exactly left|right when
// one of the union rules applies to the pair.
func absorbAlternative[T comparable](left, right Expr[T]) (Expr[T], bool) {
	if Equal(left, right) {
		return left, true
	}
	if IsEmpty(right) {
		if MatchesEmpty(left) {
			return left, true
		}
		if r, ok := left.(Repeat[T]); ok && r.Min == 1 {
			return Rep(r.Inner, 0, r.Max), true
		}
		return Simplify[T](Rep(left, 0, 1)), true
	}
	if c, ok := left.(Concat[T]); ok {
		if m, ok := absorbIntoConcat(c, right); ok {
			return m, true
		}
	}
	return unionRanges(left, right)
}

func absorbIntoConcat[T comparable](left Concat[T], right Expr[T]) (Expr[T], bool) {
	var required []Expr[T]
	for _, m := range left.Members {
		if !MatchesEmpty(m) {
			required = append(required, m)
		}
	}
	rightMembers := []Expr[T]{right}
	if rc, ok := right.(Concat[T]); ok {
		rightMembers = rc.Members
	}
	// right is left with its optional members skipped
	if equalAll(required, rightMembers) {
		return left, true
	}
	if len(required) != len(left.Members) || len(left.Members) != len(rightMembers)+1 {
		return nil, false
	}

	// right is left with one member removed
	skip := -1
	for i := range rightMembers {
		if skip < 0 {
			if Equal(left.Members[i], rightMembers[i]) {
				continue
			}
			skip = i
		}
		if !Equal(left.Members[i+1], rightMembers[i]) {
			return nil, false
		}
	}
	if skip < 0 {
		skip = len(left.Members) - 1
	}
	opt, _ := absorbAlternative(left.Members[skip], Empty[T]())
	return replaceMember(left, skip, opt), true
}

func replaceMember[T comparable](c Concat[T], i int, e Expr[T]) Concat[T] {
	members := slices.Clone(c.Members)
	members[i] = e
	return Concat[T]{Members: members}
}

// repeatRange views e as inner{min,max}; anything but a Repeat is e{1}.
func repeatRange[T comparable](e Expr[T]) (Expr[T], int, int) {
	if r, ok := e.(Repeat[T]); ok {
		return r.Inner, r.Min, r.Max
	}
	return e, 1, 1
}

// unionRanges merges x{a,b}|x{c,d} into one repeat when the two ranges
// overlap or touch.
func unionRanges[T comparable](left, right Expr[T]) (Expr[T], bool) {
	_, lrep := left.(Repeat[T])
	_, rrep := right.(Repeat[T])
	if !lrep && !rrep {
		return nil, false
	}
	li, lmin, lmax := repeatRange(left)
	ri, rmin, rmax := repeatRange(right)
	if !Equal(li, ri) {
		return nil, false
	}
	reaches := func(max, min int) bool { return max == Unbounded || min <= max+1 }
	if !reaches(lmax, rmin) || !reaches(rmax, lmin) {
		return nil, false
	}
	hi := max(lmax, rmax)
	if lmax == Unbounded || rmax == Unbounded {
		hi = Unbounded
	}
	return Rep(li, min(lmin, rmin), hi), true
}

// extractAffix factors the longest common leading (front) or trailing
// sequence out of all alternatives and returns it. The alternatives are
// replaced by their remainders.
func (b *orBuilder[T]) extractAffix(front bool) Expr[T] {
	fix := &concatBuilder[T]{}
	join := func(near, far Expr[T]) Expr[T] {
		if front {
			return Seq(near, far)
		}
		return Seq(far, near)
	}

	for len(b.items) > 0 {
		head, rest, ok := splitAffix(b.items[0], front)
		if !ok {
			break
		}
		next := []Expr[T]{rest}

		var pop func(e Expr[T]) (Expr[T], bool)
		pop = func(e Expr[T]) (Expr[T], bool) {
			if Equal(e, head) {
				return Empty[T](), true
			}
			if r, ok := e.(Repeat[T]); ok && r.Min > 0 {
				popped, ok := pop(r.Inner)
				if !ok {
					return nil, false
				}
				return join(popped, shift(r, -1)), true
			}
			if c, ok := e.(Concat[T]); ok {
				if len(c.Members) == 0 {
					return nil, false
				}
				edge, remaining := c.Members[0], c.Members[1:]
				if !front {
					edge, remaining = c.Members[len(c.Members)-1], c.Members[:len(c.Members)-1]
				}
				popped, ok := pop(edge)
				if !ok {
					return nil, false
				}
				return join(popped, Concat[T]{Members: remaining}), true
			}
			// head is x{n,} and e is x: only one x is common
			if hr, ok := head.(Repeat[T]); ok && hr.Min > 0 && Equal(hr.Inner, e) {
				moved := shift(hr, -1)
				for i, n := range next {
					next[i] = join(moved, n)
				}
				head = e
				return Empty[T](), true
			}
			return nil, false
		}

		for _, item := range b.items[1:] {
			popped, ok := pop(item)
			if !ok {
				return fix.build()
			}
			next = append(next, popped)
		}
		fix.add(head, front)
		b.items = nil
		for _, n := range next {
			b.add(n)
		}
	}
	return fix.build()
}

// splitAffix splits the first (front) or last symbol-level item off e.
func splitAffix[T comparable](e Expr[T], front bool) (head, rest Expr[T], ok bool) {
	c, isConcat := e.(Concat[T])
	if !isConcat {
		return e, Empty[T](), true
	}
	if len(c.Members) == 0 {
		return nil, nil, false
	}
	edge, remaining := c.Members[0], c.Members[1:]
	if !front {
		edge, remaining = c.Members[len(c.Members)-1], c.Members[:len(c.Members)-1]
	}
	head, tail, ok := splitAffix(edge, front)
	if !ok {
		return nil, nil, false
	}
	if front {
		return head, Seq(tail, Concat[T]{Members: remaining}), true
	}
	return head, Seq(Concat[T]{Members: remaining}, tail), true
}
