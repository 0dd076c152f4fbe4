// Package arch describes the instruction-set specific conventions the graph
// builder relies on: where the program counter points during execution,
// how jump targets select an instruction set, and register aliasing.
package arch

import (
	"regexp"

	"github.com/pkg/errors"
)

// Architecture is the policy of one instruction set. Implementations are
// comparable values so a Position can be used as a map key.
type Architecture interface {
	// Name is the disassembler architecture name ("arm", "x86").
	Name() string
	// Bits selects the decoding mode within Name.
	Bits() int
	ProgramCounter() string
	ReturnRegister() string
	// WordSize is the machine word size in bytes.
	WordSize() int
	WordMask() uint64
	// ProgramCounterOf is the value the program counter register holds
	// while the instruction at offset executes.
	ProgramCounterOf(offset uint64, size int) uint64
	// ResolveJumpTarget maps the target of a branch instruction to the
	// address and instruction set execution continues in.
	ResolveJumpTarget(target uint64, opcode string) (uint64, Architecture)
	// ArithmeticJumpTarget is like ResolveJumpTarget for a program counter
	// computed by a non-branch instruction.
	ArithmeticJumpTarget(target uint64) (uint64, Architecture)
	// TranslateRegister maps sub-register aliases whose writes replace the
	// whole register to the full register.
	TranslateRegister(name string) string
	// PartialRegister returns the full register of an alias covering only
	// part of it. Writes to such an alias keep the remaining bits.
	PartialRegister(name string) (string, bool)
	// MapRelocationEntry maps the resolved address of a relocated pointer
	// to the value a load observes.
	MapRelocationEntry(target uint64) uint64
	String() string
}

// Supported architectures.
var (
	ARM     Architecture = arm{}
	Thumb   Architecture = thumb{}
	X86     Architecture = x86{}
	AArch64 Architecture = aarch64{}
)

// thumbBit marks an interworking target as Thumb code.
const thumbBit = 0x80000000

// ErrUnsupported is returned for architectures without a policy.
var ErrUnsupported = errors.New("unsupported architecture")

// Lookup returns the architecture for a disassembler name and bit width.
func Lookup(name string, bits int) (Architecture, error) {
	switch name {
	case "arm":
		switch bits {
		case 16:
			return Thumb, nil
		case 32:
			return ARM, nil
		case 64:
			return AArch64, nil
		}
	case "x86":
		if bits == 64 || bits == 0 {
			return X86, nil
		}
	}
	return nil, errors.Wrapf(ErrUnsupported, "%s/%d", name, bits)
}

func mask(wordSize int) uint64 {
	if wordSize >= 8 {
		return ^uint64(0)
	}
	return uint64(1)<<(wordSize*8) - 1
}

type arm struct{}

func (arm) Name() string           { return "arm" }
func (arm) Bits() int              { return 32 }
func (arm) ProgramCounter() string { return "pc" }
func (arm) ReturnRegister() string { return "r0" }
func (arm) WordSize() int          { return 4 }
func (arm) WordMask() uint64       { return mask(4) }
func (arm) String() string         { return "ARM" }

func (arm) ProgramCounterOf(offset uint64, _ int) uint64 { return offset + 8 }

func (a arm) ResolveJumpTarget(target uint64, _ string) (uint64, Architecture) {
	return a.ArithmeticJumpTarget(target)
}

func (a arm) ArithmeticJumpTarget(target uint64) (uint64, Architecture) {
	if target&thumbBit != 0 {
		return target &^ thumbBit & a.WordMask(), Thumb
	}
	return target & a.WordMask(), a
}

func (arm) TranslateRegister(name string) string     { return name }
func (arm) MapRelocationEntry(target uint64) uint64 { return target }

func (arm) PartialRegister(string) (string, bool) { return "", false }

type thumb struct{}

func (thumb) Name() string           { return "arm" }
func (thumb) Bits() int              { return 16 }
func (thumb) ProgramCounter() string { return "pc" }
func (thumb) ReturnRegister() string { return "r0" }
func (thumb) WordSize() int          { return 4 }
func (thumb) WordMask() uint64       { return mask(4) }
func (thumb) String() string         { return "THUMB" }

func (thumb) ProgramCounterOf(offset uint64, _ int) uint64 { return offset + 4 }

// exchangeBranch matches bx, blx and the other exchanging branches.
var exchangeBranch = regexp.MustCompile(`^\w+x`)

func (t thumb) ResolveJumpTarget(target uint64, opcode string) (uint64, Architecture) {
	if exchangeBranch.MatchString(opcode) && target&thumbBit == 0 {
		return target & t.WordMask(), ARM
	}
	return t.ArithmeticJumpTarget(target)
}

func (t thumb) ArithmeticJumpTarget(target uint64) (uint64, Architecture) {
	return target &^ thumbBit & t.WordMask(), t
}

func (thumb) TranslateRegister(name string) string     { return name }
func (thumb) MapRelocationEntry(target uint64) uint64 { return target | thumbBit }

func (thumb) PartialRegister(string) (string, bool) { return "", false }

type x86 struct{}

func (x86) Name() string           { return "x86" }
func (x86) Bits() int              { return 64 }
func (x86) ProgramCounter() string { return "rip" }
func (x86) ReturnRegister() string { return "rax" }
func (x86) WordSize() int          { return 8 }
func (x86) WordMask() uint64       { return mask(8) }
func (x86) String() string         { return "X86" }

func (x86) ProgramCounterOf(offset uint64, size int) uint64 { return offset + uint64(size) }

func (a x86) ResolveJumpTarget(target uint64, _ string) (uint64, Architecture) {
	return a.ArithmeticJumpTarget(target)
}

func (a x86) ArithmeticJumpTarget(target uint64) (uint64, Architecture) {
	return target & a.WordMask(), a
}

// 32-bit writes zero the upper half, 8- and 16-bit writes keep it.
var (
	x86Legacy          = regexp.MustCompile(`^e[a-z]{2}$`)
	x86Extended        = regexp.MustCompile(`^(r[0-9]+)d$`)
	x86ExtendedPartial = regexp.MustCompile(`^(r[0-9]+)[wbl]$`)
	x86GeneralPartial  = regexp.MustCompile(`^([abcd])[xlh]$`)
	x86IndexPartial    = regexp.MustCompile(`^(si|di|sp|bp)l?$`)
)

func (x86) TranslateRegister(name string) string {
	switch {
	case x86Legacy.MatchString(name):
		return "r" + name[1:]
	case x86Extended.MatchString(name):
		return x86Extended.ReplaceAllString(name, "$1")
	}
	return name
}

func (x86) PartialRegister(name string) (string, bool) {
	switch {
	case x86ExtendedPartial.MatchString(name):
		return x86ExtendedPartial.ReplaceAllString(name, "$1"), true
	case x86GeneralPartial.MatchString(name):
		return "r" + name[:1] + "x", true
	case x86IndexPartial.MatchString(name):
		return "r" + name[:2], true
	}
	return "", false
}

func (x86) MapRelocationEntry(target uint64) uint64 { return target }

type aarch64 struct{}

func (aarch64) Name() string           { return "arm" }
func (aarch64) Bits() int              { return 64 }
func (aarch64) ProgramCounter() string { return "pc" }
func (aarch64) ReturnRegister() string { return "x0" }
func (aarch64) WordSize() int          { return 8 }
func (aarch64) WordMask() uint64       { return mask(8) }
func (aarch64) String() string         { return "AARCH64" }

func (aarch64) ProgramCounterOf(offset uint64, _ int) uint64 { return offset }

func (a aarch64) ResolveJumpTarget(target uint64, _ string) (uint64, Architecture) {
	return a.ArithmeticJumpTarget(target)
}

func (a aarch64) ArithmeticJumpTarget(target uint64) (uint64, Architecture) {
	return target & a.WordMask(), a
}

var aarch64Word = regexp.MustCompile(`^w([0-9]+|zr)$`)

func (aarch64) PartialRegister(string) (string, bool) { return "", false }

func (aarch64) TranslateRegister(name string) string {
	if aarch64Word.MatchString(name) {
		return "x" + name[1:]
	}
	return name
}

func (aarch64) MapRelocationEntry(target uint64) uint64 { return target }
