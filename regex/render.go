package regex

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Markers used when rendering the empty-string and empty-language
// expressions inside a larger expression.
const (
	EmptyMarker   = "ε"
	NothingMarker = "∅"
)

type precedence int

const (
	precTop precedence = iota
	precOr
	precConcat
	precRepeat
	precTerminal
)

func defaultFormat[T comparable](v T) string {
	return fmt.Sprint(v)
}

// Format renders e using term for terminals. Union binds weakest, then
// concatenation, then repetition. Alternatives are rendered in sorted order.
// The empty-string expression renders as "" at the top level.
func Format[T comparable](e Expr[T], term func(T) string) string {
	return render(e, term, precTop)
}

func render[T comparable](e Expr[T], term func(T) string, ctx precedence) string {
	switch e := e.(type) {
	case Terminal[T]:
		return term(e.Value)
	case Concat[T]:
		switch len(e.Members) {
		case 0:
			if ctx == precTop {
				return ""
			}
			return EmptyMarker
		case 1:
			return render(e.Members[0], term, ctx)
		}
		parts := make([]string, len(e.Members))
		for i, m := range e.Members {
			parts[i] = render(m, term, precRepeat)
		}
		return group(strings.Join(parts, " "), ctx > precConcat)
	case Or[T]:
		switch len(e.Alternatives) {
		case 0:
			return NothingMarker
		case 1:
			return render(e.Alternatives[0], term, ctx)
		}
		parts := make([]string, len(e.Alternatives))
		for i, a := range e.Alternatives {
			parts[i] = render(a, term, precConcat)
		}
		slices.Sort(parts)
		return group(strings.Join(parts, " | "), ctx > precOr)
	case Repeat[T]:
		return group(render(e.Inner, term, precTerminal)+suffix(e.Min, e.Max), ctx > precRepeat)
	default:
		panic(fmt.Sprintf("regex: unhandled expression %T", e))
	}
}

func group(s string, paren bool) string {
	if paren {
		return "(" + s + ")"
	}
	return s
}

func suffix(min, max int) string {
	switch {
	case min == max:
		return "{" + strconv.Itoa(min) + "}"
	case min == 0 && max == Unbounded:
		return "*"
	case min == 1 && max == Unbounded:
		return "+"
	case max == Unbounded:
		return "{" + strconv.Itoa(min) + ",}"
	case min == 0 && max == 1:
		return "?"
	default:
		return "{" + strconv.Itoa(min) + "," + strconv.Itoa(max) + "}"
	}
}
