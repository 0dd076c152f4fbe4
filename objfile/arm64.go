package objfile

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"

	"github.com/maxgio92/callsig/backend"
)

const insnLenARM64 = 4

func decodeARM64(code []byte, addr uint64) backend.Instruction {
	if len(code) < insnLenARM64 {
		return backend.Instruction{Offset: addr, Size: insnLenARM64, Opcode: "invalid", Type: backend.TypeIll}
	}
	inst, err := arm64asm.Decode(code[:insnLenARM64])
	if err != nil {
		return backend.Instruction{Offset: addr, Size: insnLenARM64, Opcode: "invalid", Type: backend.TypeIll}
	}
	insn := backend.Instruction{
		Offset: addr,
		Size:   insnLenARM64,
		Opcode: strings.ToLower(arm64asm.GNUSyntax(inst)),
		Type:   backend.TypeOther,
	}
	target, hasTarget := branchTargetARM64(inst, addr)

	e := &arm64Esil{addr: addr}
	switch inst.Op {
	case arm64asm.BL:
		insn.Type = backend.TypeCall
		insn.Jump, insn.HasJump = target, hasTarget
		e.emit("4,pc,+,x30,=", fmt.Sprintf("%#x,pc,=", target))
	case arm64asm.BLR:
		insn.Type = backend.TypeUCall
		e.emit(e.value(inst.Args[0]), "4,pc,+,x30,=,pc,=")
	case arm64asm.B:
		insn.Jump, insn.HasJump = target, hasTarget
		if _, ok := inst.Args[0].(arm64asm.Cond); ok {
			insn.Type = backend.TypeCJump
			e.emit(unknown, "?{", fmt.Sprintf("%#x,pc,=", target), "}")
			break
		}
		insn.Type = backend.TypeJump
		e.emit(fmt.Sprintf("%#x,pc,=", target))
	case arm64asm.CBZ, arm64asm.CBNZ, arm64asm.TBZ, arm64asm.TBNZ:
		insn.Type = backend.TypeCJump
		insn.Jump, insn.HasJump = target, hasTarget
		e.emit(unknown, "?{", fmt.Sprintf("%#x,pc,=", target), "}")
	case arm64asm.BR:
		insn.Type = backend.TypeUJump
		e.emit(e.value(inst.Args[0]), "pc,=")
	case arm64asm.RET:
		insn.Type = backend.TypeRet
		src := "x30"
		if inst.Args[0] != nil {
			src = e.value(inst.Args[0])
		}
		e.emit(src, "pc,=")
	case arm64asm.NOP, arm64asm.HINT:
		insn.Type = backend.TypeNop
	case arm64asm.BRK, arm64asm.HLT:
		insn.Type = backend.TypeTrap
	default:
		e.data(inst)
	}

	insn.ESIL = parseEsil(strings.Join(e.tokens, ","))
	return insn
}

func branchTargetARM64(inst arm64asm.Inst, addr uint64) (uint64, bool) {
	for _, arg := range inst.Args {
		if rel, ok := arg.(arm64asm.PCRel); ok {
			return addr + uint64(int64(rel)), true
		}
	}
	return 0, false
}

type arm64Esil struct {
	addr   uint64
	tokens []string
}

func (e *arm64Esil) emit(tokens ...string) {
	e.tokens = append(e.tokens, tokens...)
}

// arm64Reg maps an operand register to its tracked 64-bit name. zero is
// set for the zero register.
func arm64Reg(arg arm64asm.Arg) (name string, bits int, zero bool, ok bool) {
	switch r := arg.(type) {
	case arm64asm.RegSP:
		switch arm64asm.Reg(r) {
		case arm64asm.SP:
			return "sp", 64, false, true
		case arm64asm.WSP:
			return "sp", 32, false, true
		}
		return arm64Reg(arm64asm.Reg(r))
	case arm64asm.Reg:
		switch {
		case r == arm64asm.XZR:
			return "xzr", 64, true, true
		case r == arm64asm.WZR:
			return "xzr", 32, true, true
		case r >= arm64asm.X0 && r <= arm64asm.X30:
			return fmt.Sprintf("x%d", r-arm64asm.X0), 64, false, true
		case r >= arm64asm.W0 && r <= arm64asm.W30:
			return fmt.Sprintf("x%d", r-arm64asm.W0), 32, false, true
		}
	}
	return "", 0, false, false
}

var (
	immShiftPattern = regexp.MustCompile(`^#(0x[0-9a-f]+)(?:, LSL #([0-9]+))?$`)
	memImmPattern   = regexp.MustCompile(`#(-?[0-9]+)`)
)

// value returns tokens pushing the value of a register or immediate
// operand.
func (e *arm64Esil) value(arg arm64asm.Arg) string {
	switch a := arg.(type) {
	case arm64asm.Reg, arm64asm.RegSP:
		name, bits, zero, ok := arm64Reg(a)
		switch {
		case !ok:
			return unknown
		case zero:
			return "0"
		case bits == 32:
			return name + ",0xffffffff,&"
		}
		return name
	case arm64asm.Imm:
		return fmt.Sprintf("%#x", a.Imm)
	case arm64asm.Imm64:
		return fmt.Sprintf("%#x", a.Imm)
	case arm64asm.ImmShift:
		m := immShiftPattern.FindStringSubmatch(a.String())
		if m == nil {
			return unknown
		}
		v, _ := strconv.ParseUint(m[1], 0, 64)
		if m[2] != "" {
			shift, _ := strconv.Atoi(m[2])
			v <<= shift
		}
		return fmt.Sprintf("%#x", v)
	case arm64asm.PCRel:
		return fmt.Sprintf("%#x", e.addr+uint64(int64(a)))
	}
	return unknown
}

func memOffset(m arm64asm.MemImmediate) int64 {
	if m.Mode == arm64asm.AddrPostReg {
		return 0
	}
	sub := memImmPattern.FindStringSubmatch(m.String())
	if sub == nil {
		return 0
	}
	v, _ := strconv.ParseInt(sub[1], 10, 64)
	return v
}

// address returns tokens pushing the address a memory operand accesses.
func (e *arm64Esil) address(m arm64asm.MemImmediate) string {
	base := e.value(m.Base)
	if m.Mode == arm64asm.AddrPostIndex || m.Mode == arm64asm.AddrPostReg {
		return base
	}
	return fmt.Sprintf("%#x,%s,+", uint64(memOffset(m)), base)
}

// writeback applies the base register update of pre- and post-indexed
// addressing.
func (e *arm64Esil) writeback(m arm64asm.MemImmediate) {
	name, _, _, ok := arm64Reg(m.Base)
	if !ok {
		return
	}
	switch m.Mode {
	case arm64asm.AddrPreIndex, arm64asm.AddrPostIndex:
		e.emit(fmt.Sprintf("%#x", uint64(memOffset(m))), name, "+=")
	case arm64asm.AddrPostReg:
		e.clobber(name)
	}
}

func (e *arm64Esil) assign(dst arm64asm.Arg, value string) {
	name, bits, zero, ok := arm64Reg(dst)
	if !ok || zero {
		return
	}
	if bits == 32 {
		e.emit(value, "0xffffffff,&", name, "=")
		return
	}
	e.emit(value, name, "=")
}

func (e *arm64Esil) clobber(name string) {
	e.emit(unknown, name, "=")
}

func (e *arm64Esil) clobberArg(arg arm64asm.Arg) {
	if name, _, zero, ok := arm64Reg(arg); ok && !zero {
		e.clobber(name)
	}
}

func loadWidth(dst arm64asm.Arg) int {
	if _, bits, _, ok := arm64Reg(dst); ok && bits == 32 {
		return 4
	}
	return 8
}

func (e *arm64Esil) data(inst arm64asm.Inst) {
	args := inst.Args
	switch inst.Op {
	case arm64asm.MOV, arm64asm.MOVZ:
		e.assign(args[0], e.value(args[1]))
	case arm64asm.ADD, arm64asm.SUB:
		if args[2] == nil {
			e.clobberArg(args[0])
			return
		}
		op := "+"
		if inst.Op == arm64asm.SUB {
			op = "-"
		}
		e.assign(args[0], fmt.Sprintf("%s,%s,%s", e.value(args[2]), e.value(args[1]), op))
	case arm64asm.ADR:
		e.assign(args[0], e.value(args[1]))
	case arm64asm.ADRP:
		if rel, ok := args[1].(arm64asm.PCRel); ok {
			e.assign(args[0], fmt.Sprintf("%#x", e.addr&^0xfff+uint64(int64(rel))))
		}
	case arm64asm.LDR, arm64asm.LDUR:
		switch m := args[1].(type) {
		case arm64asm.PCRel:
			e.assign(args[0], fmt.Sprintf("%s,[%d]", e.value(m), loadWidth(args[0])))
		case arm64asm.MemImmediate:
			e.assign(args[0], fmt.Sprintf("%s,[%d]", e.address(m), loadWidth(args[0])))
			e.writeback(m)
		default:
			e.clobberArg(args[0])
		}
	case arm64asm.LDP:
		e.clobberArg(args[0])
		e.clobberArg(args[1])
		if m, ok := args[2].(arm64asm.MemImmediate); ok {
			e.writeback(m)
		}
	case arm64asm.STR, arm64asm.STP:
		for _, arg := range args {
			if m, ok := arg.(arm64asm.MemImmediate); ok {
				e.writeback(m)
			}
		}
	case arm64asm.CMP, arm64asm.SVC:
	default:
		// Stores never write their first operand; loads and arithmetic do.
		if strings.HasPrefix(inst.Op.String(), "ST") {
			return
		}
		e.clobberArg(args[0])
	}
}
