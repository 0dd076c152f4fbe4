// Package graph builds the call automaton of a function: a finite
// automaton whose edges are labeled with the calls the function makes,
// following jumps and inlining callees as it goes.
package graph

import (
	"fmt"
	"strings"

	"github.com/maxgio92/callsig/arch"
	"github.com/maxgio92/callsig/backend"
	"github.com/maxgio92/callsig/esil"
)

// Position is an address together with the instruction set it is decoded
// in.
type Position struct {
	Address uint64
	Arch    arch.Architecture
}

func (p Position) String() string {
	return fmt.Sprintf("%s/0x%x", strings.ToLower(p.Arch.String()), p.Address)
}

// Call is the alphabet of call automata: Static, Dynamic or NoReturn.
type Call interface {
	String() string
	call()
}

// Static is a call to a known symbol with the register state at the call.
type Static struct {
	Symbol backend.Symbol
	State  esil.State
}

// Dynamic is a call whose target could not be determined.
type Dynamic struct{}

// NoReturn is a call that never returns.
type NoReturn struct{}

func (Static) call()   {}
func (Dynamic) call()  {}
func (NoReturn) call() {}

func (c Static) String() string { return c.Symbol.Name + "[" + c.State.String() + "]" }
func (Dynamic) String() string  { return "DYN" }
func (NoReturn) String() string { return "NORETURN" }

// Destination is where control goes after a jump or call. The zero value
// is an unknown destination.
type Destination struct {
	Position Position
	Known    bool
}

// Known returns a known destination.
func Known(p Position) Destination {
	return Destination{Position: p, Known: true}
}

func (d Destination) String() string {
	if !d.Known {
		return "?"
	}
	return d.Position.String()
}

// Transition is the effect of one instruction on control flow:
// ReturnTransition, JumpTransition or CallTransition.
type Transition interface {
	transition()
}

// ReturnTransition leaves the function.
type ReturnTransition struct{}

// JumpTransition continues at Target with State.
type JumpTransition struct {
	State  esil.State
	Target Destination
}

// CallTransition calls Target with State and continues at ReturnSite when
// the callee returns.
type CallTransition struct {
	State      esil.State
	Target     Destination
	ReturnSite Position
}

func (ReturnTransition) transition() {}
func (JumpTransition) transition()   {}
func (CallTransition) transition()   {}
