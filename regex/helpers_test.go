package regex_test

import (
	"fmt"
	"math/rand"

	"github.com/maxgio92/callsig/regex"
)

// words returns every word over alphabet of length at most n.
func words(alphabet []string, n int) [][]string {
	result := [][]string{nil}
	layer := [][]string{nil}
	for i := 0; i < n; i++ {
		var next [][]string
		for _, w := range layer {
			for _, a := range alphabet {
				next = append(next, append(append([]string(nil), w...), a))
			}
		}
		result = append(result, next...)
		layer = next
	}
	return result
}

// matches reports whether e accepts exactly w.
func matches[T comparable](e regex.Expr[T], w []T) bool {
	return ends(e, w, map[int]bool{0: true})[len(w)]
}

// ends returns the positions reachable by matching e from any of starts.
func ends[T comparable](e regex.Expr[T], w []T, starts map[int]bool) map[int]bool {
	out := map[int]bool{}
	switch e := e.(type) {
	case regex.Terminal[T]:
		for s := range starts {
			if s < len(w) && w[s] == e.Value {
				out[s+1] = true
			}
		}
	case regex.Concat[T]:
		out = starts
		for _, m := range e.Members {
			out = ends(m, w, out)
		}
	case regex.Or[T]:
		for _, a := range e.Alternatives {
			for p := range ends(a, w, starts) {
				out[p] = true
			}
		}
	case regex.Repeat[T]:
		reach := starts
		for i := 0; len(reach) > 0; i++ {
			if i >= e.Min {
				for p := range reach {
					out[p] = true
				}
			}
			if (e.Max != regex.Unbounded && i == e.Max) || i > e.Min+len(w)+1 {
				break
			}
			reach = ends(e.Inner, w, reach)
		}
	default:
		panic(fmt.Sprintf("unhandled expression %T", e))
	}
	return out
}

// randomExpr returns an unsimplified expression over a, b and c nested at
// most depth levels deep.
func randomExpr(rng *rand.Rand, depth int) regex.Expr[string] {
	if depth == 0 || rng.Intn(4) == 0 {
		switch rng.Intn(10) {
		case 0:
			return regex.Empty[string]()
		case 1:
			return regex.Nothing[string]()
		default:
			return regex.Terminal[string]{Value: string(rune('a' + rng.Intn(3)))}
		}
	}
	children := func() []regex.Expr[string] {
		out := make([]regex.Expr[string], 1+rng.Intn(3))
		for i := range out {
			out[i] = randomExpr(rng, depth-1)
		}
		return out
	}
	switch rng.Intn(3) {
	case 0:
		return regex.Concat[string]{Members: children()}
	case 1:
		return regex.Or[string]{Alternatives: children()}
	default:
		lo := rng.Intn(3)
		hi := regex.Unbounded
		if rng.Intn(2) == 0 {
			hi = lo + rng.Intn(3)
		}
		return regex.Repeat[string]{Inner: randomExpr(rng, depth-1), Min: lo, Max: hi}
	}
}
