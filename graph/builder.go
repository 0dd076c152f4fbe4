package graph

import (
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/maxgio92/callsig/automaton"
	"github.com/maxgio92/callsig/backend"
	"github.com/maxgio92/callsig/esil"
	"github.com/maxgio92/callsig/regex"
)

// Options tune how a function graph is built.
type Options struct {
	// EnterCall decides whether a call to a known symbol is inlined. A
	// declined call becomes a Static edge. Nil inlines every call.
	EnterCall func(Static) bool
	// NoReturn reports symbols that never return. Calls to them end the
	// path.
	NoReturn func(backend.Symbol) bool
	// Attempts bounds decode retries of transient failures.
	Attempts int
	// ZeroRelocations are relocation names whose slots read as zero, such
	// as the stack protector guard.
	ZeroRelocations []string
	// Warnings throttles repetitive warnings. Nil allows one per second.
	Warnings *rate.Limiter
}

// Graph is the call automaton of one function.
type Graph struct {
	Automaton *automaton.Automaton[Call]
	Start     automaton.StateID
}

// Regex reduces the graph to an unsimplified regular expression over calls.
func (g *Graph) Regex() regex.Expr[Call] {
	return g.Automaton.ToRegex(g.Start)
}

type builder struct {
	backend   backend.Backend
	info      *backend.Info
	opts      Options
	cache     *decodeCache
	automaton *automaton.Automaton[Call]
}

// Build builds the call automaton of the function starting at start.
func Build(b backend.Backend, info *backend.Info, start Position, opts Options) (*Graph, error) {
	if opts.Warnings == nil {
		opts.Warnings = rate.NewLimiter(rate.Every(time.Second), 1)
	}
	bld := &builder{
		backend:   b,
		info:      info,
		opts:      opts,
		cache:     newDecodeCache(b, opts.Attempts),
		automaton: automaton.New[Call](),
	}
	root := bld.newVisitor(start, nil, nil)
	n := root.node(start, esil.Unknown)
	if err := root.build(); err != nil {
		return nil, err
	}
	return &Graph{Automaton: bld.automaton, Start: n.id}, nil
}

func (b *builder) warn(err error, format string, args ...any) {
	if b.opts.Warnings.Allow() {
		log.WithError(err).Warnf(format, args...)
	}
}

func (b *builder) enterCall(c Static) bool {
	return b.opts.EnterCall == nil || b.opts.EnterCall(c)
}

func (b *builder) noReturn(s backend.Symbol) bool {
	return b.opts.NoReturn != nil && b.opts.NoReturn(s)
}

// visitor walks one entered function, inlined callees included. Its nodes
// are owned by it alone; parent is only read for recursion lookups.
type visitor struct {
	b      *builder
	start  Position
	parent *visitor
	nodes  map[Position]*node
	queue  []*node
	done   bool

	returnTo func() automaton.StateID
	ret      automaton.StateID
	hasRet   bool
	trace    string
}

// node is one visited instruction position.
type node struct {
	v      *visitor
	pos    Position
	id     automaton.StateID
	in     esil.State
	queued bool
}

// newVisitor creates a visitor for the function at start. returnTo yields
// the state control reaches when the function returns; nil makes returns
// accepting.
func (b *builder) newVisitor(start Position, parent *visitor, returnTo func() automaton.StateID) *visitor {
	return &visitor{
		b:        b,
		start:    start,
		parent:   parent,
		nodes:    make(map[Position]*node),
		returnTo: returnTo,
	}
}

func (v *visitor) returnState() automaton.StateID {
	if !v.hasRet {
		if v.returnTo != nil {
			v.ret = v.returnTo()
		} else {
			v.ret = v.b.automaton.AddState(true)
		}
		v.hasRet = true
	}
	return v.ret
}

func (v *visitor) callTrace() string {
	if v.trace == "" {
		name := v.start.String()
		if s, ok := v.b.info.SymbolAt(v.start.Address); ok {
			name = s.Name
		}
		if v.parent != nil {
			name = v.parent.callTrace() + "->" + name
		}
		v.trace = name
	}
	return v.trace
}

// node returns the node at pos, creating it or merging in as its inbound
// state.
func (v *visitor) node(pos Position, in esil.State) *node {
	if n, ok := v.nodes[pos]; ok {
		n.merge(in)
		return n
	}
	n := &node{
		v:   v,
		pos: pos,
		id:  v.b.automaton.AddState(false),
		in:  in.Without(pos.Arch.ProgramCounter()),
	}
	v.nodes[pos] = n
	n.enqueue()
	return n
}

// recursion looks pos up in this visitor and its ancestors, merging in into
// the node found.
func (v *visitor) recursion(pos Position, in esil.State) (*node, bool) {
	for cur := v; cur != nil; cur = cur.parent {
		if n, ok := cur.nodes[pos]; ok {
			n.merge(in)
			return n, true
		}
	}
	return nil, false
}

func (v *visitor) build() error {
	if v.done {
		panic(fmt.Sprintf("graph: visitor at %s built twice", v.start))
	}
	for len(v.queue) > 0 {
		n := v.queue[0]
		v.queue = v.queue[1:]
		if err := n.visit(); err != nil {
			return err
		}
	}
	v.done = true
	return nil
}

func (n *node) enqueue() {
	if n.v.done {
		panic(fmt.Sprintf("graph: enqueue %s in completed visitor", n.pos))
	}
	if !n.queued {
		n.queued = true
		n.v.queue = append(n.v.queue, n)
	}
}

func (n *node) merge(in esil.State) {
	merged := esil.Intersect(n.in, in.Without(n.pos.Arch.ProgramCounter()))
	if merged != n.in {
		log.WithField("position", n.pos).Debugf("revisit with %s", merged)
		n.in = merged
		n.enqueue()
	}
}

func (n *node) visit() error {
	n.queued = false
	v := n.v

	insn, err := v.b.cache.get(n.pos, v.callTrace)
	if err != nil {
		return err
	}
	transitions, err := v.b.transitions(n.pos, insn, n.in)
	if err != nil {
		return errors.Wrapf(err, "call trace %s", v.callTrace())
	}

	a := v.b.automaton
	a.ClearEdges(n.id)
	for _, t := range transitions {
		var (
			to    automaton.StateID
			label regex.Expr[Call]
			ok    bool
		)
		switch t := t.(type) {
		case ReturnTransition:
			to, label, ok = v.returnState(), regex.Empty[Call](), true
		case JumpTransition:
			to, label, ok, err = v.jumpOrCall(false, t.State, t.Target, v.returnState)
		case CallTransition:
			site := t.ReturnSite
			to, label, ok, err = v.jumpOrCall(true, t.State, t.Target, func() automaton.StateID {
				return v.node(site, esil.Unknown).id
			})
		default:
			panic(fmt.Sprintf("graph: unhandled transition %T", t))
		}
		if err != nil {
			return err
		}
		if ok {
			a.AddEdge(n.id, to, label)
		}
	}
	return nil
}

// jumpOrCall resolves the edge for a jump or call to target. returnTo is
// where control continues once the (possibly tail) call returns. ok is
// false when the path ends.
func (v *visitor) jumpOrCall(isCall bool, state esil.State, target Destination, returnTo func() automaton.StateID) (automaton.StateID, regex.Expr[Call], bool, error) {
	dynamic := func() (automaton.StateID, regex.Expr[Call], bool, error) {
		return returnTo(), regex.Term[Call](Dynamic{}), true, nil
	}
	if !target.Known {
		return dynamic()
	}
	pos := target.Position

	if n, ok := v.recursion(pos, state); ok {
		return n.id, regex.Empty[Call](), true, nil
	}

	if sym, ok := v.b.info.SymbolAt(pos.Address); ok {
		if v.b.noReturn(sym) {
			return 0, nil, false, nil
		}
		call := Static{Symbol: sym, State: state.Without(pos.Arch.ProgramCounter())}
		if !v.b.enterCall(call) {
			log.WithField("position", pos).Debugf("static call to %s", sym.Name)
			return returnTo(), regex.Term[Call](call), true, nil
		}
	}

	insn, err := v.b.cache.get(pos, v.callTrace)
	if err != nil {
		if backend.IsTransient(err) {
			return 0, nil, false, err
		}
		log.WithError(err).Debugf("target %s does not decode, marking as dynamic", pos)
		return dynamic()
	}
	if insn.IsIllegal() {
		log.WithField("position", pos).Debugf("target is illegal, marking as dynamic")
		return dynamic()
	}

	if !isCall {
		return v.node(pos, state).id, regex.Empty[Call](), true, nil
	}
	log.WithField("position", pos).Debugf("entering call from %s", v.callTrace())
	callee := v.b.newVisitor(pos, v, returnTo)
	entry := callee.node(pos, state)
	if err := callee.build(); err != nil {
		return 0, nil, false, err
	}
	return entry.id, regex.Empty[Call](), true, nil
}
