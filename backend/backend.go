// Package backend defines what the signature extractor needs from a
// disassembler: decoded instructions with their ESIL semantics, raw memory,
// symbols and relocations.
package backend

import (
	"github.com/pkg/errors"

	"github.com/maxgio92/callsig/arch"
	"github.com/maxgio92/callsig/esil"
)

// Instruction types as reported by Instruction.Type.
const (
	TypeCall    = "call"
	TypeJump    = "jmp"
	TypeRet     = "ret"
	TypeCRet    = "cret"
	TypeCCall   = "ccall"
	TypeCJump   = "cjmp"
	TypeUCall   = "ucall"
	TypeUJump   = "ujmp"
	TypeNop     = "nop"
	TypeTrap    = "trap"
	TypeOther   = "other"
	TypeIll     = "ill"
	TypeInvalid = "invalid"
)

// Instruction is one decoded instruction.
type Instruction struct {
	Offset uint64
	Size   int
	Opcode string
	// Type classifies control flow the way radare2 does: call, jmp, cjmp,
	// ucall, ret and so on.
	Type string
	// Jump is the statically known branch target, valid when HasJump is set.
	Jump    uint64
	HasJump bool
	ESIL    esil.Program
	Flags   []string
}

// IsIllegal reports whether the bytes at the instruction's offset do not
// decode to a valid instruction.
func (i Instruction) IsIllegal() bool {
	return i.Type == "" || i.Type == TypeIll || i.Type == TypeInvalid
}

// Symbol is a named address in the binary.
type Symbol struct {
	Name      string
	Demangled string
	Address   uint64
	Size      uint64
}

// DisplayName returns the demangled name, or the raw name if there is none.
func (s Symbol) DisplayName() string {
	if s.Demangled != "" {
		return s.Demangled
	}
	return s.Name
}

// Relocation is a pointer slot the loader fills with the address of Name.
type Relocation struct {
	Name    string
	Address uint64
}

// Backend is a disassembler session. Implementations need not be safe for
// concurrent use.
type Backend interface {
	Disassemble(address uint64, a arch.Architecture) (Instruction, error)
	ReadBytes(address uint64, n int) ([]byte, error)
	Symbols() ([]Symbol, error)
	Relocations() ([]Relocation, error)
	Architecture() (arch.Architecture, error)
	Close() error
}

// Emulator is implemented by backends that can execute code concretely.
type Emulator interface {
	// FunctionEnd returns the address of the last instruction of the
	// function starting at address.
	FunctionEnd(address uint64) (uint64, error)
	// EmulateUntil executes from start until the program counter reaches
	// end, in a fresh machine state.
	EmulateUntil(start, end uint64, a arch.Architecture) error
	// Register reads a register of the machine state left by EmulateUntil.
	Register(name string) (uint64, error)
}

var (
	// ErrUnsupportedInstruction is returned for control flow the graph
	// builder does not model, such as memory-indirect jumps.
	ErrUnsupportedInstruction = errors.New("unsupported instruction")
	// ErrIllegalInstruction is returned when execution reaches bytes that
	// do not decode.
	ErrIllegalInstruction = errors.New("illegal instruction")
	// ErrNoEmulator is returned when packet IDs are requested from a backend
	// that cannot emulate.
	ErrNoEmulator = errors.New("backend cannot emulate")
)

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }
func (e *transientError) Cause() error  { return e.err }

// Transient marks err as a failure worth retrying, such as an I/O error
// talking to the disassembler.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err or any error it wraps was marked with
// Transient.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}
