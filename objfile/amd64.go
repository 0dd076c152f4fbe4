package objfile

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"github.com/maxgio92/callsig/backend"
	"github.com/maxgio92/callsig/esil"
)

// maxInstLenAMD64 is the longest encodable x86 instruction.
const maxInstLenAMD64 = 15

// isEndbr reports whether code starts with ENDBR64 (f3 0f 1e fa) or ENDBR32
// (f3 0f 1e fb), which x86asm does not recognise.
func isEndbr(code []byte) bool {
	return len(code) >= 4 &&
		code[0] == 0xf3 && code[1] == 0x0f && code[2] == 0x1e &&
		(code[3] == 0xfa || code[3] == 0xfb)
}

func decodeAMD64(code []byte, addr uint64) backend.Instruction {
	if isEndbr(code) {
		return backend.Instruction{Offset: addr, Size: 4, Opcode: "endbr64", Type: backend.TypeNop}
	}
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return backend.Instruction{Offset: addr, Size: 1, Opcode: "invalid", Type: backend.TypeIll}
	}
	insn := backend.Instruction{
		Offset: addr,
		Size:   inst.Len,
		Opcode: strings.ToLower(x86asm.IntelSyntax(inst, addr, nil)),
		Type:   backend.TypeOther,
	}
	next := addr + uint64(inst.Len)

	e := &x86Esil{}
	switch inst.Op {
	case x86asm.CALL:
		insn.Type = backend.TypeUCall
		if rel, ok := inst.Args[0].(x86asm.Rel); ok {
			insn.Type = backend.TypeCall
			insn.Jump, insn.HasJump = next+uint64(int64(rel)), true
		}
		e.emit("rip,8,rsp,-=,rsp,=[8]")
		e.emit(e.operand(inst, 0), "rip,=")
	case x86asm.JMP:
		// x86asm uses distinct Op values for conditional jumps, so JMP is
		// always unconditional.
		insn.Type = backend.TypeUJump
		if rel, ok := inst.Args[0].(x86asm.Rel); ok {
			insn.Type = backend.TypeJump
			insn.Jump, insn.HasJump = next+uint64(int64(rel)), true
		}
		e.emit(e.operand(inst, 0), "rip,=")
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JCXZ, x86asm.JE,
		x86asm.JECXZ, x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE,
		x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JRCXZ,
		x86asm.JS, x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		rel, ok := inst.Args[0].(x86asm.Rel)
		if !ok {
			break
		}
		insn.Type = backend.TypeCJump
		insn.Jump, insn.HasJump = next+uint64(int64(rel)), true
		if inst.Op == x86asm.LOOP || inst.Op == x86asm.LOOPE || inst.Op == x86asm.LOOPNE {
			e.clobber("rcx")
		}
		e.emit(unknown, "?{", fmt.Sprintf("%#x,rip,=", insn.Jump), "}")
	case x86asm.RET, x86asm.LRET:
		insn.Type = backend.TypeRet
		e.emit("rsp,[8],rip,=,8,rsp,+=")
	case x86asm.NOP:
		insn.Type = backend.TypeNop
	case x86asm.HLT, x86asm.UD1, x86asm.UD2, x86asm.INT, x86asm.INTO:
		insn.Type = backend.TypeTrap
	default:
		e.data(inst)
	}

	insn.ESIL = e.program()
	return insn
}

// unknown pushes a value the interpreter cannot know.
const unknown = "$u"

// x86Esil accumulates the ESIL tokens of one instruction.
type x86Esil struct {
	tokens []string
}

func (e *x86Esil) emit(tokens ...string) {
	e.tokens = append(e.tokens, tokens...)
}

func (e *x86Esil) clobber(regs ...string) {
	for _, r := range regs {
		e.emit(unknown, r, "=")
	}
}

func (e *x86Esil) program() esil.Program {
	return parseEsil(strings.Join(e.tokens, ","))
}

// data synthesizes the data-flow effect of a non-branching instruction.
// Unmodeled instructions clobber their register destination.
func (e *x86Esil) data(inst x86asm.Inst) {
	dst, _ := inst.Args[0].(x86asm.Reg)
	switch inst.Op {
	case x86asm.MOV:
		if reg, ok := inst.Args[0].(x86asm.Reg); ok {
			e.assign(reg, e.operand(inst, 1))
		}
	case x86asm.MOVZX:
		e.assign(dst, e.operand(inst, 1))
	case x86asm.LEA:
		if mem, ok := inst.Args[1].(x86asm.Mem); ok {
			e.assign(dst, e.address(mem))
		}
	case x86asm.ADD, x86asm.SUB, x86asm.AND, x86asm.OR, x86asm.XOR, x86asm.SHL, x86asm.SHR:
		if dst == 0 {
			return
		}
		if src, ok := inst.Args[1].(x86asm.Reg); ok && src == dst && (inst.Op == x86asm.XOR || inst.Op == x86asm.SUB) {
			e.assign(dst, "0")
			return
		}
		e.compound(dst, arithmetic[inst.Op], e.operand(inst, 1))
	case x86asm.INC:
		e.compound(dst, "+", "1")
	case x86asm.DEC:
		e.compound(dst, "-", "1")
	case x86asm.PUSH:
		e.emit(e.operand(inst, 0), "8,rsp,-=,rsp,=[8]")
	case x86asm.POP:
		if dst != 0 {
			e.assign(dst, "rsp,[8]")
		}
		e.emit("8,rsp,+=")
	case x86asm.LEAVE:
		e.emit("rbp,rsp,=,rsp,[8],rbp,=,8,rsp,+=")
	case x86asm.CMP, x86asm.TEST:
	case x86asm.MUL, x86asm.DIV, x86asm.IDIV, x86asm.RDTSC:
		e.clobber("rax", "rdx")
	case x86asm.IMUL:
		if inst.Args[1] == nil {
			e.clobber("rax", "rdx")
			return
		}
		e.clobberReg(dst)
	case x86asm.CQO, x86asm.CDQ:
		e.clobber("rdx")
	case x86asm.CPUID:
		e.clobber("rax", "rbx", "rcx", "rdx")
	case x86asm.SYSCALL:
		e.clobber("rax", "rcx", "r11")
	case x86asm.XCHG:
		e.clobberReg(dst)
		if src, ok := inst.Args[1].(x86asm.Reg); ok {
			e.clobberReg(src)
		}
	default:
		if isStringOp(inst) {
			e.clobber("rax", "rcx", "rsi", "rdi")
			return
		}
		e.clobberReg(dst)
	}
}

var arithmetic = map[x86asm.Op]string{
	x86asm.ADD: "+",
	x86asm.SUB: "-",
	x86asm.AND: "&",
	x86asm.OR:  "|",
	x86asm.XOR: "^",
	x86asm.SHL: "<<",
	x86asm.SHR: ">>",
}

func isStringOp(inst x86asm.Inst) bool {
	switch strings.TrimRight(inst.Op.String(), "BWDQ") {
	case "MOVS", "STOS", "LODS", "SCAS", "CMPS", "INS", "OUTS":
		return true
	}
	return false
}

// gpr describes how an x86 register operand maps onto a tracked 64-bit
// register.
type gpr struct {
	name  string
	bits  int
	shift int
}

func lookupGPR(r x86asm.Reg) (gpr, bool) {
	switch {
	case r >= x86asm.AL && r <= x86asm.R15B:
		i := int(r - x86asm.AL)
		if i < 4 {
			return gpr{name: name64(x86asm.RAX + x86asm.Reg(i)), bits: 8}, true
		}
		g := gpr{name: name64(x86asm.RAX + x86asm.Reg(i-4)), bits: 8}
		if r >= x86asm.AH && r <= x86asm.BH {
			g.shift = 8
		}
		return g, true
	case r >= x86asm.AX && r <= x86asm.R15W:
		return gpr{name: name64(x86asm.RAX + (r - x86asm.AX)), bits: 16}, true
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return gpr{name: name64(x86asm.RAX + (r - x86asm.EAX)), bits: 32}, true
	case r >= x86asm.RAX && r <= x86asm.R15:
		return gpr{name: name64(r), bits: 64}, true
	case r == x86asm.RIP:
		return gpr{name: "rip", bits: 64}, true
	}
	return gpr{}, false
}

func name64(r x86asm.Reg) string {
	return strings.ToLower(r.String())
}

// operand returns tokens pushing the value of argument i.
func (e *x86Esil) operand(inst x86asm.Inst, i int) string {
	switch arg := inst.Args[i].(type) {
	case x86asm.Reg:
		g, ok := lookupGPR(arg)
		if !ok {
			return unknown
		}
		v := g.name
		if g.shift > 0 {
			v = fmt.Sprintf("%d,%s,>>", g.shift, g.name)
		}
		if g.bits < 64 {
			v += fmt.Sprintf(",%#x,&", uint64(1)<<g.bits-1)
		}
		return v
	case x86asm.Imm:
		return fmt.Sprintf("%#x", uint64(arg))
	case x86asm.Rel:
		return fmt.Sprintf("%#x,rip,+", uint64(int64(arg)))
	case x86asm.Mem:
		width := inst.MemBytes
		switch width {
		case 0:
			width = 8
		case 1, 2, 4, 8, 16:
		default:
			return unknown
		}
		return fmt.Sprintf("%s,[%d]", e.address(arg), width)
	}
	return unknown
}

// address returns tokens pushing the effective address of mem.
func (e *x86Esil) address(mem x86asm.Mem) string {
	if mem.Segment == x86asm.FS || mem.Segment == x86asm.GS {
		return unknown
	}
	parts := []string{fmt.Sprintf("%#x", uint64(mem.Disp))}
	if mem.Base != 0 {
		g, ok := lookupGPR(mem.Base)
		if !ok {
			return unknown
		}
		parts = append(parts, g.name, "+")
	}
	if mem.Index != 0 {
		g, ok := lookupGPR(mem.Index)
		if !ok {
			return unknown
		}
		parts = append(parts, fmt.Sprintf("%d", mem.Scale), g.name, "*", "+")
	}
	return strings.Join(parts, ",")
}

// assign writes value into dst. 32-bit writes zero the upper half; 8 and
// 16-bit writes leave the register partially unknown, so it is clobbered.
func (e *x86Esil) assign(dst x86asm.Reg, value string) {
	g, ok := lookupGPR(dst)
	if !ok {
		return
	}
	switch g.bits {
	case 64:
		e.emit(value, g.name, "=")
	case 32:
		e.emit(value, "0xffffffff,&", g.name, "=")
	default:
		e.clobber(g.name)
	}
}

func (e *x86Esil) compound(dst x86asm.Reg, op, value string) {
	g, ok := lookupGPR(dst)
	if !ok {
		return
	}
	switch g.bits {
	case 64:
		e.emit(value, g.name, op+"=")
	case 32:
		e.emit(value, g.name, op+"=", "0xffffffff", g.name, "&=")
	default:
		e.clobber(g.name)
	}
}

func (e *x86Esil) clobberReg(r x86asm.Reg) {
	if g, ok := lookupGPR(r); ok {
		e.clobber(g.name)
	}
}
