package esil

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Environment supplies the architecture- and binary-dependent facts the
// interpreter needs.
type Environment interface {
	// CurrentAddress is the address of the instruction being interpreted.
	CurrentAddress() uint64
	// Load reads width bytes at address; width 0 means one machine word.
	Load(address uint64, width int) (uint64, bool)
	// TranslateRegister maps a register alias to its canonical name.
	TranslateRegister(name string) string
	// PartialRegister returns the full register a narrower alias is part
	// of, when writing the alias preserves the rest of the full register.
	PartialRegister(name string) (string, bool)
	// Mask truncates a value to the machine word.
	Mask(value uint64) uint64
	// WordSize is the machine word size in bytes.
	WordSize() int
}

// ErrMalformedProgram is returned when a program underflows the stack or
// assigns to something that is not a register.
var ErrMalformedProgram = errors.New("malformed esil program")

var errUnimplemented = errors.New("unimplemented esil operation")

type valueKind int

const (
	valueUnknown valueKind = iota
	valueNumeric
	valueRegister
)

// stackValue is a value on the interpreter stack. It never escapes a
// single Interpret call.
type stackValue struct {
	kind     valueKind
	numeric  uint64
	register string
	// partial marks a reference to part of register.
	partial bool
}

var unknownValue = stackValue{kind: valueUnknown}

type interpreter struct {
	env   Environment
	regs  map[string]uint64
	stack []stackValue
}

// Interpret evaluates program against state and returns the state after
// the instruction. A conditional block leaves only the registers it did not
// change. Programs using an unimplemented operation yield Unknown.
func Interpret(state State, program Program, env Environment) (State, error) {
	in := &interpreter{env: env, regs: state.Registers()}
	if err := in.run(program); err != nil {
		if errors.Is(err, errUnimplemented) {
			return Unknown, nil
		}
		return Unknown, errors.Wrapf(err, "interpret %q", program)
	}
	return NewState(in.regs), nil
}

func (in *interpreter) run(program Program) error {
	for _, cmd := range program {
		if err := in.eval(cmd); err != nil {
			return err
		}
	}
	return nil
}

func (in *interpreter) push(v stackValue) {
	in.stack = append(in.stack, v)
}

func (in *interpreter) pop(op fmt.Stringer) (stackValue, error) {
	if len(in.stack) == 0 {
		return stackValue{}, errors.Wrapf(ErrMalformedProgram, "stack underflow at %s", op)
	}
	v := in.stack[len(in.stack)-1]
	in.stack = in.stack[:len(in.stack)-1]
	return v, nil
}

func (in *interpreter) popRegister(op fmt.Stringer) (stackValue, error) {
	v, err := in.pop(op)
	if err != nil {
		return stackValue{}, err
	}
	if v.kind != valueRegister {
		return stackValue{}, errors.Wrapf(ErrMalformedProgram, "%s target is not a register", op)
	}
	return v, nil
}

func (in *interpreter) resolve(v stackValue) (uint64, bool) {
	switch v.kind {
	case valueNumeric:
		return v.numeric, true
	case valueRegister:
		if v.partial {
			return 0, false
		}
		n, ok := in.regs[v.register]
		return n, ok
	default:
		return 0, false
	}
}

// set assigns value to the register reg refers to. Writing part of a
// register leaves the whole register unknown.
func (in *interpreter) set(reg stackValue, value uint64, known bool) {
	if known && !reg.partial {
		in.regs[reg.register] = in.env.Mask(value)
		return
	}
	delete(in.regs, reg.register)
}

func numeric(v uint64, known bool) stackValue {
	if !known {
		return unknownValue
	}
	return stackValue{kind: valueNumeric, numeric: v}
}

func (in *interpreter) eval(cmd Command) error {
	switch cmd := cmd.(type) {
	case Register:
		if full, ok := in.env.PartialRegister(cmd.Name); ok {
			in.push(stackValue{kind: valueRegister, register: full, partial: true})
		} else {
			in.push(stackValue{kind: valueRegister, register: in.env.TranslateRegister(cmd.Name)})
		}
	case Literal:
		in.push(stackValue{kind: valueNumeric, numeric: cmd.Value})
	case Label:
		if cmd.Name == CurrentAddress {
			in.push(stackValue{kind: valueNumeric, numeric: in.env.CurrentAddress()})
		} else {
			in.push(unknownValue)
		}
	case Conditional:
		return in.conditional(cmd)
	case Operation:
		return in.operation(cmd)
	default:
		panic(fmt.Sprintf("esil: unhandled command %T", cmd))
	}
	return nil
}

func (in *interpreter) conditional(cmd Conditional) error {
	if _, err := in.pop(Operation("?{")); err != nil {
		return err
	}
	before := NewState(in.regs)
	stack := append([]stackValue(nil), in.stack...)
	if err := in.run(cmd.Body); err != nil {
		return err
	}
	in.regs = Intersect(before, NewState(in.regs)).Registers()
	in.stack = stack
	return nil
}

func (in *interpreter) operation(op Operation) error {
	switch {
	case unimplementedOps[op]:
		return errors.Wrapf(errUnimplemented, "%s", op)
	case binaryOps[op]:
		a, err := in.pop(op)
		if err != nil {
			return err
		}
		b, err := in.pop(op)
		if err != nil {
			return err
		}
		in.push(numeric(in.binary(op, a, b)))
		return nil
	case comparisonOps[op]:
		for range 2 {
			if _, err := in.pop(op); err != nil {
				return err
			}
		}
		in.push(unknownValue)
		return nil
	case unaryOps[op]:
		if _, err := in.pop(op); err != nil {
			return err
		}
		in.push(unknownValue)
		return nil
	}

	if base, ok := compoundBinary(op); ok {
		reg, err := in.popRegister(op)
		if err != nil {
			return err
		}
		operand, err := in.pop(op)
		if err != nil {
			return err
		}
		v, known := in.binary(base, reg, operand)
		in.set(reg, v, known)
		return nil
	}
	if store, width, ok := memoryAccess(op); ok {
		if store {
			return in.store(op, width)
		}
		return in.load(op, width)
	}

	switch op {
	case OpTrap, OpSyscall:
		_, err := in.pop(op)
		return err
	case OpAssign, OpAssignWeak:
		reg, err := in.popRegister(op)
		if err != nil {
			return err
		}
		v, err := in.pop(op)
		if err != nil {
			return err
		}
		n, known := in.resolve(v)
		in.set(reg, n, known)
	case OpIncRegister, OpDecRegister, OpNotRegister:
		reg, err := in.popRegister(op)
		if err != nil {
			return err
		}
		delete(in.regs, reg.register)
	case OpSwap:
		a, err := in.pop(op)
		if err != nil {
			return err
		}
		b, err := in.pop(op)
		if err != nil {
			return err
		}
		in.push(a)
		in.push(b)
	case OpDup:
		a, err := in.pop(op)
		if err != nil {
			return err
		}
		in.push(a)
		in.push(a)
	case OpNum:
		a, err := in.pop(op)
		if err != nil {
			return err
		}
		in.push(numeric(in.resolve(a)))
	case OpClear:
		in.stack = in.stack[:0]
	default:
		return errors.Wrapf(errUnimplemented, "%s", op)
	}
	return nil
}

// binary applies op with a as the left operand (the top of the stack).
func (in *interpreter) binary(op Operation, a, b stackValue) (uint64, bool) {
	x, ok := in.resolve(a)
	if !ok {
		return 0, false
	}
	y, ok := in.resolve(b)
	if !ok {
		return 0, false
	}
	bits := uint64(in.env.WordSize() * 8)
	var r uint64
	switch op {
	case OpAdd:
		r = x + y
	case OpSub:
		r = x - y
	case OpMul:
		r = x * y
	case OpDiv:
		if y == 0 {
			return 0, false
		}
		r = x / y
	case OpMod:
		if y == 0 {
			return 0, false
		}
		r = x % y
	case OpAnd:
		r = x & y
	case OpOr:
		r = x | y
	case OpXor:
		r = x ^ y
	case OpShiftLeft:
		r = x << y
	case OpShiftRight:
		r = in.env.Mask(x) >> y
	case OpRotateLeft, OpRotateRight:
		if bits == 0 {
			return 0, false
		}
		s := y % bits
		if op == OpRotateRight {
			s = (bits - s) % bits
		}
		x = in.env.Mask(x)
		r = x<<s | x>>((bits-s)%bits)
	default:
		panic(fmt.Sprintf("esil: unhandled binary operation %s", op))
	}
	return in.env.Mask(r), true
}

// maxMulti bounds the count operand of the multi-word memory operations.
const maxMulti = 64

func (in *interpreter) count(op Operation) (uint64, error) {
	v, err := in.pop(op)
	if err != nil {
		return 0, err
	}
	n, ok := in.resolve(v)
	if !ok || n > maxMulti {
		return 0, errors.Wrapf(ErrMalformedProgram, "%s with unusable count", op)
	}
	return n, nil
}

func (in *interpreter) load(op Operation, width int) error {
	if width < 0 {
		n, err := in.count(op)
		if err != nil {
			return err
		}
		for range n {
			in.push(unknownValue)
		}
		return nil
	}
	addr, err := in.pop(op)
	if err != nil {
		return err
	}
	a, ok := in.resolve(addr)
	if !ok {
		in.push(unknownValue)
		return nil
	}
	in.push(numeric(in.env.Load(a, width)))
	return nil
}

func (in *interpreter) store(op Operation, width int) error {
	if _, err := in.pop(op); err != nil {
		return err
	}
	if strings.HasPrefix(string(op), "++=") || strings.HasPrefix(string(op), "--=") {
		return nil
	}
	if width >= 0 {
		_, err := in.pop(op)
		return err
	}
	n, err := in.count(op)
	if err != nil {
		return err
	}
	for range n {
		if _, err := in.pop(op); err != nil {
			return err
		}
	}
	return nil
}
