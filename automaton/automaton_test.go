package automaton_test

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/maxgio92/callsig/automaton"
	"github.com/maxgio92/callsig/regex"
)

type edge struct {
	from, to int
	label    string
}

func build(edges []edge, accept ...int) (*automaton.Automaton[string], map[int]automaton.StateID) {
	a := automaton.New[string]()
	ids := map[int]automaton.StateID{}
	state := func(k int) automaton.StateID {
		if id, ok := ids[k]; ok {
			return id
		}
		ids[k] = a.AddState(false)
		return ids[k]
	}
	for _, e := range edges {
		state(e.from)
		state(e.to)
	}
	for _, e := range edges {
		label := regex.Empty[string]()
		if e.label != "" {
			label = regex.Term(e.label)
		}
		a.AddEdge(ids[e.from], ids[e.to], label)
	}
	for _, k := range accept {
		a.SetAccepting(state(k), true)
	}
	return a, ids
}

func TestToRegex(t *testing.T) {
	tests := []struct {
		name   string
		edges  []edge
		accept []int
		want   string
	}{
		{
			name:   "SimpleTransition",
			edges:  []edge{{1, 2, "term"}},
			accept: []int{2},
			want:   "term",
		},
		{
			name:   "SingleStateRepeat",
			edges:  []edge{{1, 1, "term"}},
			accept: []int{1},
			want:   "term*",
		},
		{
			name:   "SingleStateNoTransition",
			accept: []int{1},
			want:   "",
		},
		{
			name:   "TwoStatesRepeat",
			edges:  []edge{{1, 1, "term"}, {1, 2, "term"}},
			accept: []int{2},
			want:   "term+",
		},
		{
			name:   "TwoAlternativePaths",
			edges:  []edge{{1, 2, "a"}, {1, 3, "b"}},
			accept: []int{2, 3},
			want:   "a | b",
		},
		{
			name:   "Concat",
			edges:  []edge{{1, 2, "a"}, {2, 3, "b"}},
			accept: []int{3},
			want:   "a b",
		},
		{
			name:   "Circle",
			edges:  []edge{{1, 2, "a"}, {2, 3, "b"}, {3, 1, "c"}},
			accept: []int{2},
			want:   "(a b c)* a",
		},
		{
			name:  "NoAcceptingState",
			edges: []edge{{1, 2, "a"}},
			want:  "∅",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, ids := build(tt.edges, tt.accept...)
			got := regex.Simplify(a.ToRegex(ids[1]))
			want := regex.MustParse(tt.want)
			if !regex.Equal(got, want) {
				t.Errorf("expected %s, got %s", want, got)
			}
		})
	}
}

func TestToRegexLeavesAutomatonUnchanged(t *testing.T) {
	a, ids := build([]edge{{1, 2, "a"}, {2, 3, "b"}, {3, 1, "c"}}, 2)
	before := fmt.Sprint(a.Edges(ids[2]))
	a.ToRegex(ids[1])
	if !a.Accepting(ids[2]) {
		t.Errorf("expected state 2 to stay accepting")
	}
	if after := fmt.Sprint(a.Edges(ids[2])); before != after {
		t.Errorf("expected edges %s, got %s", before, after)
	}
	if a.Len() != 3 {
		t.Errorf("expected 3 states, got %d", a.Len())
	}
}

func TestAddEdgeUnions(t *testing.T) {
	a := automaton.New[string]()
	s, f := a.AddState(false), a.AddState(true)
	a.AddEdge(s, f, regex.Term("a"))
	a.AddEdge(s, f, regex.Term("b"))
	label, ok := a.Edge(s, f)
	if !ok {
		t.Fatalf("expected an edge")
	}
	if want := regex.MustParse("a | b"); !regex.Equal(label, want) {
		t.Errorf("expected %s, got %s", want, label)
	}
	a.ClearEdges(s)
	if len(a.Edges(s)) != 0 {
		t.Errorf("expected no edges after clear")
	}
}

// accepts runs the automaton as an NFA whose labels are terminals or empty.
func accepts(a *automaton.Automaton[string], start automaton.StateID, w []string) bool {
	closure := func(set map[automaton.StateID]bool) map[automaton.StateID]bool {
		queue := make([]automaton.StateID, 0, len(set))
		for s := range set {
			queue = append(queue, s)
		}
		for len(queue) > 0 {
			s := queue[0]
			queue = queue[1:]
			for _, e := range a.Edges(s) {
				if regex.IsEmpty(e.Label) && !set[e.To] {
					set[e.To] = true
					queue = append(queue, e.To)
				}
			}
		}
		return set
	}
	current := closure(map[automaton.StateID]bool{start: true})
	for _, sym := range w {
		next := map[automaton.StateID]bool{}
		for s := range current {
			for _, e := range a.Edges(s) {
				if t, ok := e.Label.(regex.Terminal[string]); ok && t.Value == sym {
					next[e.To] = true
				}
			}
		}
		current = closure(next)
	}
	for s := range current {
		if a.Accepting(s) {
			return true
		}
	}
	return false
}

func TestToRegexOrderIndependent(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	labels := []string{"", "a", "b", "c"}
	alphabet := []string{"a", "b", "c"}

	for round := 0; round < 60; round++ {
		n := 2 + rng.Intn(4)
		a := automaton.New[string]()
		for i := 0; i < n; i++ {
			a.AddState(rng.Intn(3) == 0)
		}
		for i := 0; i < n*2; i++ {
			from := automaton.StateID(rng.Intn(n))
			to := automaton.StateID(rng.Intn(n))
			label := labels[rng.Intn(len(labels))]
			if label == "" {
				a.AddEdge(from, to, regex.Empty[string]())
				continue
			}
			a.AddEdge(from, to, regex.Term(label))
		}
		order := make([]automaton.StateID, n)
		for i, p := range rng.Perm(n) {
			order[i] = automaton.StateID(p)
		}
		got := a.ToRegexOrdered(0, order)
		simplified := regex.Simplify(got)

		for _, w := range words(alphabet, 4) {
			want := acceptsUnioned(a, 0, w)
			if matches(got, w) != want {
				t.Fatalf("round %d: %s on %v: expected %v", round, got, w, want)
			}
			if matches(simplified, w) != want {
				t.Fatalf("round %d: simplified %s on %v: expected %v", round, simplified, w, want)
			}
		}
	}
}

// acceptsUnioned splits unioned edge labels back into single-symbol edges
// before running accepts.
func acceptsUnioned(a *automaton.Automaton[string], start automaton.StateID, w []string) bool {
	split := automaton.New[string]()
	for i := 0; i < a.Len(); i++ {
		split.AddState(a.Accepting(automaton.StateID(i)))
	}
	for i := 0; i < a.Len(); i++ {
		from := automaton.StateID(i)
		for _, e := range a.Edges(from) {
			alts := []regex.Expr[string]{e.Label}
			if o, ok := e.Label.(regex.Or[string]); ok {
				alts = o.Alternatives
			}
			for _, alt := range alts {
				via := split.AddState(false)
				split.AddEdge(from, via, alt)
				split.AddEdge(via, e.To, regex.Empty[string]())
			}
		}
	}
	return accepts(split, start, w)
}
