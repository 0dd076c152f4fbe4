package graph

import (
	"encoding/binary"
	"regexp"
	"slices"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/maxgio92/callsig/backend"
	"github.com/maxgio92/callsig/esil"
)

var (
	branchType      = regexp.MustCompile(`^u?c?(call|jmp)$`)
	conditionalType = regexp.MustCompile(`^u?c(call|jmp)$`)
	callType        = regexp.MustCompile(`^u?c?call$`)
	returnType      = regexp.MustCompile(`^c?ret$`)
	otherBranchType = regexp.MustCompile(`(jmp|call)$`)
)

// step interprets one instruction and classifies its effect on control
// flow.
type step struct {
	b     *builder
	pos   Position
	insn  backend.Instruction
	state esil.State
	next  esil.State
}

// Transitions computes the control-flow transitions of insn executed at pos
// with inbound state in.
func (b *builder) transitions(pos Position, insn backend.Instruction, in esil.State) ([]Transition, error) {
	if insn.IsIllegal() {
		return nil, errors.Wrapf(backend.ErrIllegalInstruction, "at %s", pos)
	}

	s := &step{
		b:     b,
		pos:   pos,
		insn:  insn,
		state: in.With(pos.Arch.ProgramCounter(), pos.Arch.ProgramCounterOf(pos.Address, insn.Size)),
	}
	next, err := esil.Interpret(s.state, insn.ESIL, s)
	if err != nil {
		b.warn(err, "esil evaluation failed at %s: %s", pos, insn.Opcode)
		next = esil.Unknown
	}
	s.next = next

	result, err := s.classify()
	if err != nil {
		return nil, err
	}
	log.WithField("position", pos).Debugf("%-30s %s -> %s", insn.Opcode, s.state, next)
	return result, nil
}

func (s *step) fallThrough() Destination {
	return Known(Position{Address: s.pos.Address + uint64(s.insn.Size), Arch: s.pos.Arch})
}

func (s *step) jumpTarget() Destination {
	a := s.pos.Arch
	if s.insn.HasJump {
		addr, target := a.ResolveJumpTarget(s.insn.Jump, s.insn.Opcode)
		return Known(Position{Address: addr, Arch: target})
	}
	pc, ok := s.next.Get(a.ProgramCounter())
	if !ok {
		log.WithField("position", s.pos).Debugf("cannot predict target of %s with state %s", s.insn.Opcode, s.state)
		return Destination{}
	}
	addr, target := a.ResolveJumpTarget(pc, s.insn.Opcode)
	return Known(Position{Address: addr, Arch: target})
}

func (s *step) classify() ([]Transition, error) {
	typ := s.insn.Type
	var result []Transition

	switch {
	case branchType.MatchString(typ):
		if conditionalType.MatchString(typ) {
			result = append(result, JumpTransition{State: s.next, Target: s.fallThrough()})
		}
		if callType.MatchString(typ) {
			result = append(result, CallTransition{State: s.next, Target: s.jumpTarget(), ReturnSite: s.fallThrough().Position})
		} else {
			result = append(result, JumpTransition{State: s.next, Target: s.jumpTarget()})
		}
		return result, nil
	case returnType.MatchString(typ):
		if typ == backend.TypeCRet {
			result = append(result, JumpTransition{State: s.next, Target: s.fallThrough()})
		}
		return append(result, ReturnTransition{}), nil
	case typ == backend.TypeTrap:
		return nil, nil
	case otherBranchType.MatchString(typ):
		return nil, errors.Wrapf(backend.ErrUnsupportedInstruction, "%s at %s: %s", typ, s.pos, s.insn.Opcode)
	}

	a := s.pos.Arch
	before, _ := s.state.Get(a.ProgramCounter())
	after, ok := s.next.Get(a.ProgramCounter())
	switch {
	case !ok:
		return []Transition{JumpTransition{State: s.next, Target: Destination{}}}, nil
	case after != before:
		addr, target := a.ArithmeticJumpTarget(after)
		dest := Known(Position{Address: addr, Arch: target})
		log.WithField("position", s.pos).Debugf("arithmetic jump to %s", dest)
		return []Transition{JumpTransition{State: s.next, Target: dest}}, nil
	}
	return []Transition{JumpTransition{State: s.next, Target: s.fallThrough()}}, nil
}

// The step is the esil.Environment of its instruction.

func (s *step) CurrentAddress() uint64 { return s.pos.Address }

func (s *step) TranslateRegister(name string) string { return s.pos.Arch.TranslateRegister(name) }

func (s *step) PartialRegister(name string) (string, bool) { return s.pos.Arch.PartialRegister(name) }

func (s *step) Mask(value uint64) uint64 { return value & s.pos.Arch.WordMask() }

func (s *step) WordSize() int { return s.pos.Arch.WordSize() }

func (s *step) Load(address uint64, width int) (uint64, bool) {
	a := s.pos.Arch
	if width == 0 {
		width = a.WordSize()
	}
	if width == a.WordSize() {
		if r, ok := s.b.info.RelocationAt(address); ok {
			if slices.Contains(s.b.opts.ZeroRelocations, r.Name) {
				return 0, true
			}
			sym, ok := s.b.info.SymbolNamed(r.Name)
			if !ok {
				log.WithField("position", s.pos).Debugf("relocation %s at %#x has no symbol", r.Name, address)
				return 0, false
			}
			return s.b.info.Architecture().MapRelocationEntry(sym.Address), true
		}
	}

	n := min(width, 8)
	data, err := s.b.backend.ReadBytes(address, n)
	if err != nil || len(data) < n {
		log.WithField("position", s.pos).Debugf("load %#x:%d failed: %v", address, width, err)
		return 0, false
	}
	var buf [8]byte
	copy(buf[:], data)
	return binary.LittleEndian.Uint64(buf[:]), true
}
