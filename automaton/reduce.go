package automaton

import (
	"slices"

	"github.com/maxgio92/callsig/regex"
)

// working is the mutable copy of the reachable sub-automaton that state
// elimination operates on.
type working[T comparable] struct {
	alive     []StateID
	accepting map[StateID]bool
	edges     map[StateID][]Edge[T]
}

func (w *working[T]) take(from, to StateID) (regex.Expr[T], bool) {
	edges := w.edges[from]
	for i, e := range edges {
		if e.To == to {
			w.edges[from] = slices.Delete(edges, i, i+1)
			return e.Label, true
		}
	}
	return nil, false
}

func (w *working[T]) union(from, to StateID, label regex.Expr[T]) {
	edges := w.edges[from]
	for i, e := range edges {
		if e.To == to {
			edges[i].Label = regex.Alt(e.Label, label)
			return
		}
	}
	w.edges[from] = append(edges, Edge[T]{To: to, Label: label})
}

// ToRegex returns an expression for the language accepted from start. The
// automaton itself is left unchanged. The result is not simplified.
func (a *Automaton[T]) ToRegex(start StateID) regex.Expr[T] {
	return a.ToRegexOrdered(start, nil)
}

// ToRegexOrdered is like ToRegex but eliminates the states listed in order
// first. Entries that are the start, accepting, or unreachable are ignored.
func (a *Automaton[T]) ToRegexOrdered(start StateID, order []StateID) regex.Expr[T] {
	w := a.working(start)

	for _, id := range order {
		if id != start && slices.Contains(w.alive, id) && !w.accepting[id] {
			w.eliminate(id)
		}
	}
	for {
		i := slices.IndexFunc(w.alive, func(id StateID) bool {
			return id != start && !w.accepting[id]
		})
		if i < 0 {
			break
		}
		w.eliminate(w.alive[i])
	}

	loop := regex.Empty[T]()
	if self, ok := w.take(start, start); ok {
		loop = regex.Star(self)
	}
	if w.accepting[start] {
		return loop
	}
	var result []regex.Expr[T]
	for _, e := range w.edges[start] {
		if w.accepting[e.To] {
			result = append(result, regex.Seq(loop, e.Label))
		}
	}
	return regex.Alt(result...)
}

// working copies the sub-automaton reachable from start and rewrites every
// accepting state with outgoing edges into a non-accepting one with an
// empty edge to a fresh accepting state.
func (a *Automaton[T]) working(start StateID) *working[T] {
	w := &working[T]{
		alive:     a.Reachable(start),
		accepting: make(map[StateID]bool),
		edges:     make(map[StateID][]Edge[T]),
	}
	final := StateID(len(a.states))
	extra := false
	for _, id := range w.alive {
		s := a.state(id)
		w.edges[id] = append([]Edge[T](nil), s.edges...)
		if !s.accepting {
			continue
		}
		if len(s.edges) == 0 {
			w.accepting[id] = true
			continue
		}
		w.edges[id] = append(w.edges[id], Edge[T]{To: final, Label: regex.Empty[T]()})
		extra = true
	}
	if extra {
		w.alive = append(w.alive, final)
		w.accepting[final] = true
	}
	return w
}

func (w *working[T]) eliminate(id StateID) {
	w.alive = slices.DeleteFunc(w.alive, func(x StateID) bool { return x == id })
	loop := regex.Empty[T]()
	if self, ok := w.take(id, id); ok {
		loop = regex.Star(self)
	}
	out := w.edges[id]
	delete(w.edges, id)
	for _, from := range w.alive {
		in, ok := w.take(from, id)
		if !ok {
			continue
		}
		for _, e := range out {
			w.union(from, e.To, regex.Seq(in, loop, e.Label))
		}
	}
}
