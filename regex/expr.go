// Package regex provides regular expressions over an arbitrary comparable
// alphabet, with an algebraic simplifier and a textual syntax for rendering
// and parsing them.
package regex

import "fmt"

// Unbounded is the Max of a Repeat without an upper bound.
const Unbounded = -1

// Expr is a regular expression over an alphabet of T. The set of
// implementations is closed: Terminal, Concat, Or and Repeat.
type Expr[T comparable] interface {
	fmt.Stringer
	expr(T)
}

// Terminal matches a single symbol.
type Terminal[T comparable] struct {
	Value T
}

// Concat matches its members in order. A Concat without members is the
// empty-string expression.
type Concat[T comparable] struct {
	Members []Expr[T]
}

// Or matches any of its alternatives. An Or without alternatives matches
// nothing.
type Or[T comparable] struct {
	Alternatives []Expr[T]
}

// Repeat matches Inner between Min and Max times. Max is Unbounded for an
// open range.
type Repeat[T comparable] struct {
	Inner Expr[T]
	Min   int
	Max   int
}

func (Terminal[T]) expr(T) {}
func (Concat[T]) expr(T)   {}
func (Or[T]) expr(T)       {}
func (Repeat[T]) expr(T)   {}

func (t Terminal[T]) String() string { return Format[T](t, defaultFormat[T]) }
func (c Concat[T]) String() string   { return Format[T](c, defaultFormat[T]) }
func (o Or[T]) String() string       { return Format[T](o, defaultFormat[T]) }
func (r Repeat[T]) String() string   { return Format[T](r, defaultFormat[T]) }

// Empty returns the expression matching only the empty string.
func Empty[T comparable]() Expr[T] {
	return Concat[T]{}
}

// Nothing returns the expression matching no string at all.
func Nothing[T comparable]() Expr[T] {
	return Or[T]{}
}

// Term returns a terminal for v.
func Term[T comparable](v T) Expr[T] {
	return Terminal[T]{Value: v}
}

// IsEmpty reports whether e is the canonical empty-string expression.
func IsEmpty[T comparable](e Expr[T]) bool {
	c, ok := e.(Concat[T])
	return ok && len(c.Members) == 0
}

// IsNothing reports whether e is the canonical empty-language expression.
func IsNothing[T comparable](e Expr[T]) bool {
	o, ok := e.(Or[T])
	return ok && len(o.Alternatives) == 0
}

// Seq concatenates its arguments, splicing the members of arguments that
// are themselves concatenations. A single resulting member is returned
// unwrapped.
func Seq[T comparable](parts ...Expr[T]) Expr[T] {
	var members []Expr[T]
	for _, p := range parts {
		if c, ok := p.(Concat[T]); ok {
			members = append(members, c.Members...)
			continue
		}
		members = append(members, p)
	}
	if len(members) == 1 {
		return members[0]
	}
	return Concat[T]{Members: members}
}

// Alt unions its arguments, splicing the alternatives of arguments that are
// themselves unions and dropping duplicates. A single resulting alternative
// is returned unwrapped.
func Alt[T comparable](parts ...Expr[T]) Expr[T] {
	var alts []Expr[T]
	add := func(e Expr[T]) {
		for _, a := range alts {
			if Equal(a, e) {
				return
			}
		}
		alts = append(alts, e)
	}
	for _, p := range parts {
		if o, ok := p.(Or[T]); ok {
			for _, a := range o.Alternatives {
				add(a)
			}
			continue
		}
		add(p)
	}
	if len(alts) == 1 {
		return alts[0]
	}
	return Or[T]{Alternatives: alts}
}

// Rep returns inner{min,max}. It panics on an invalid range.
func Rep[T comparable](inner Expr[T], min, max int) Repeat[T] {
	if min < 0 {
		panic(fmt.Sprintf("regex: repeat min=%d < 0", min))
	}
	if max != Unbounded && max < min {
		panic(fmt.Sprintf("regex: repeat max=%d < min=%d", max, min))
	}
	return Repeat[T]{Inner: inner, Min: min, Max: max}
}

// Star returns inner*, reusing inner if it already is one.
func Star[T comparable](inner Expr[T]) Expr[T] {
	if r, ok := inner.(Repeat[T]); ok && r.Min == 0 && r.Max == Unbounded {
		return r
	}
	return Rep(inner, 0, Unbounded)
}

// Equal reports whether a and b are the same expression. Alternatives of a
// union compare as a set, and single-member concatenations and unions
// compare equal to their only member.
func Equal[T comparable](a, b Expr[T]) bool {
	a, b = unwrapSingle(a), unwrapSingle(b)
	switch a := a.(type) {
	case Terminal[T]:
		b, ok := b.(Terminal[T])
		return ok && a.Value == b.Value
	case Concat[T]:
		b, ok := b.(Concat[T])
		if !ok || len(a.Members) != len(b.Members) {
			return false
		}
		for i := range a.Members {
			if !Equal(a.Members[i], b.Members[i]) {
				return false
			}
		}
		return true
	case Or[T]:
		b, ok := b.(Or[T])
		if !ok {
			return false
		}
		return containsAll(a.Alternatives, b.Alternatives) && containsAll(b.Alternatives, a.Alternatives)
	case Repeat[T]:
		b, ok := b.(Repeat[T])
		return ok && a.Min == b.Min && a.Max == b.Max && Equal(a.Inner, b.Inner)
	default:
		panic(fmt.Sprintf("regex: unhandled expression %T", a))
	}
}

func unwrapSingle[T comparable](e Expr[T]) Expr[T] {
	for {
		switch x := e.(type) {
		case Concat[T]:
			if len(x.Members) != 1 {
				return e
			}
			e = x.Members[0]
		case Or[T]:
			if len(x.Alternatives) != 1 {
				return e
			}
			e = x.Alternatives[0]
		default:
			return e
		}
	}
}

func containsAll[T comparable](set, of []Expr[T]) bool {
	for _, x := range of {
		found := false
		for _, y := range set {
			if Equal(x, y) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// MatchesEmpty reports whether e accepts the empty string.
func MatchesEmpty[T comparable](e Expr[T]) bool {
	switch e := e.(type) {
	case Terminal[T]:
		return false
	case Concat[T]:
		for _, m := range e.Members {
			if !MatchesEmpty(m) {
				return false
			}
		}
		return true
	case Or[T]:
		for _, a := range e.Alternatives {
			if MatchesEmpty(a) {
				return true
			}
		}
		return false
	case Repeat[T]:
		return e.Min == 0 || MatchesEmpty(e.Inner)
	default:
		panic(fmt.Sprintf("regex: unhandled expression %T", e))
	}
}

// Map replaces every terminal of e by the expression f returns for it,
// keeping the surrounding structure.
func Map[T, U comparable](e Expr[T], f func(T) Expr[U]) Expr[U] {
	switch e := e.(type) {
	case Terminal[T]:
		return f(e.Value)
	case Concat[T]:
		members := make([]Expr[U], len(e.Members))
		for i, m := range e.Members {
			members[i] = Map(m, f)
		}
		return Concat[U]{Members: members}
	case Or[T]:
		alts := make([]Expr[U], len(e.Alternatives))
		for i, a := range e.Alternatives {
			alts[i] = Map(a, f)
		}
		return Or[U]{Alternatives: alts}
	case Repeat[T]:
		return Repeat[U]{Inner: Map(e.Inner, f), Min: e.Min, Max: e.Max}
	default:
		panic(fmt.Sprintf("regex: unhandled expression %T", e))
	}
}
