// Package automaton holds finite automata whose edges are labeled with
// regular expressions, and reduces them to a single expression by state
// elimination.
package automaton

import (
	"fmt"

	"github.com/maxgio92/callsig/regex"
)

// StateID addresses a state within one Automaton.
type StateID int

// Edge is a transition to To that consumes Label.
type Edge[T comparable] struct {
	To    StateID
	Label regex.Expr[T]
}

type state[T comparable] struct {
	accepting bool
	edges     []Edge[T]
}

// Automaton is an arena of states. The zero value is ready to use.
type Automaton[T comparable] struct {
	states []state[T]
}

// New returns an empty automaton.
func New[T comparable]() *Automaton[T] {
	return &Automaton[T]{}
}

// AddState allocates a state and returns its id.
func (a *Automaton[T]) AddState(accepting bool) StateID {
	a.states = append(a.states, state[T]{accepting: accepting})
	return StateID(len(a.states) - 1)
}

// Len returns the number of allocated states.
func (a *Automaton[T]) Len() int {
	return len(a.states)
}

func (a *Automaton[T]) state(id StateID) *state[T] {
	if id < 0 || int(id) >= len(a.states) {
		panic(fmt.Sprintf("automaton: state %d out of range", id))
	}
	return &a.states[id]
}

// Accepting reports whether id is an accepting state.
func (a *Automaton[T]) Accepting(id StateID) bool {
	return a.state(id).accepting
}

// SetAccepting marks id as accepting or not.
func (a *Automaton[T]) SetAccepting(id StateID, accepting bool) {
	a.state(id).accepting = accepting
}

// Edges returns the outgoing edges of id in insertion order.
func (a *Automaton[T]) Edges(id StateID) []Edge[T] {
	return append([]Edge[T](nil), a.state(id).edges...)
}

// Edge returns the label of the edge from one state to another.
func (a *Automaton[T]) Edge(from, to StateID) (regex.Expr[T], bool) {
	for _, e := range a.state(from).edges {
		if e.To == to {
			return e.Label, true
		}
	}
	return nil, false
}

// AddEdge adds a transition, unioning label with an existing edge between
// the same states.
func (a *Automaton[T]) AddEdge(from, to StateID, label regex.Expr[T]) {
	a.state(to)
	s := a.state(from)
	for i, e := range s.edges {
		if e.To == to {
			s.edges[i].Label = regex.Alt(e.Label, label)
			return
		}
	}
	s.edges = append(s.edges, Edge[T]{To: to, Label: label})
}

// ClearEdges removes every outgoing edge of id.
func (a *Automaton[T]) ClearEdges(id StateID) {
	a.state(id).edges = nil
}

// Reachable returns the states reachable from start, start first.
func (a *Automaton[T]) Reachable(start StateID) []StateID {
	seen := map[StateID]bool{start: true}
	queue := []StateID{start}
	for i := 0; i < len(queue); i++ {
		for _, e := range a.state(queue[i]).edges {
			if !seen[e.To] {
				seen[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	return queue
}
