// Package esil parses radare2 ESIL micro-programs and evaluates them
// abstractly, tracking which registers hold statically known values.
package esil

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Command is one element of an ESIL program: Register, Literal, Label,
// Conditional or Operation.
type Command interface {
	String() string
	command()
}

// Register pushes a reference to a register.
type Register struct {
	Name string
}

// Literal pushes a constant.
type Literal struct {
	Value uint64
}

// Label pushes an internal value such as a flag ($z, $c31) or the current
// address ($$).
type Label struct {
	Name string
}

// Conditional runs Body when the popped condition is non-zero.
type Conditional struct {
	Body Program
}

// Operation is an ESIL operator, identified by its token.
type Operation string

func (Register) command()    {}
func (Literal) command()     {}
func (Label) command()       {}
func (Conditional) command() {}
func (Operation) command()   {}

func (r Register) String() string    { return r.Name }
func (l Literal) String() string     { return strconv.FormatUint(l.Value, 10) }
func (l Label) String() string       { return l.Name }
func (c Conditional) String() string { return "?{," + c.Body.String() + ",}" }
func (o Operation) String() string   { return string(o) }

// CurrentAddress is the label holding the address of the instruction.
const CurrentAddress = "$$"

// Recognized operations.
const (
	OpTrap    Operation = "TRAP"
	OpSyscall Operation = "$"

	OpCompare      Operation = "=="
	OpLess         Operation = "<"
	OpLessEqual    Operation = "<="
	OpGreater      Operation = ">"
	OpGreaterEqual Operation = ">="

	OpShiftLeft   Operation = "<<"
	OpShiftRight  Operation = ">>"
	OpRotateLeft  Operation = "<<<"
	OpRotateRight Operation = ">>>"
	OpAnd         Operation = "&"
	OpOr          Operation = "|"
	OpXor         Operation = "^"
	OpAdd         Operation = "+"
	OpSub         Operation = "-"
	OpMul         Operation = "*"
	OpDiv         Operation = "/"
	OpMod         Operation = "%"

	OpNeg Operation = "!"
	OpInc Operation = "++"
	OpDec Operation = "--"

	OpAssign     Operation = "="
	OpAssignWeak Operation = ":="

	OpIncRegister Operation = "++="
	OpDecRegister Operation = "--="
	OpNotRegister Operation = "!="

	OpSwap  Operation = "SWAP"
	OpDup   Operation = "DUP"
	OpNum   Operation = "NUM"
	OpClear Operation = "CLEAR"

	OpPick  Operation = "PICK"
	OpRPick Operation = "RPICK"
	OpBreak Operation = "BREAK"
	OpTodo  Operation = "TODO"
	OpGoto  Operation = "GOTO"
	OpLoop  Operation = "LOOP"
)

var binaryOps = map[Operation]bool{
	OpShiftLeft: true, OpShiftRight: true, OpRotateLeft: true, OpRotateRight: true,
	OpAnd: true, OpOr: true, OpXor: true,
	OpAdd: true, OpSub: true, OpMul: true, OpDiv: true, OpMod: true,
}

var comparisonOps = map[Operation]bool{
	OpCompare: true, OpLess: true, OpLessEqual: true, OpGreater: true, OpGreaterEqual: true,
}

var unaryOps = map[Operation]bool{
	OpNeg: true, OpInc: true, OpDec: true,
}

var unimplementedOps = map[Operation]bool{
	OpPick: true, OpRPick: true, OpBreak: true, OpTodo: true, OpGoto: true, OpLoop: true,
}

var structuralOps = map[Operation]bool{
	OpTrap: true, OpSyscall: true, OpAssign: true, OpAssignWeak: true,
	OpIncRegister: true, OpDecRegister: true, OpNotRegister: true,
	OpSwap: true, OpDup: true, OpNum: true, OpClear: true,
}

// compoundBinary returns the arithmetic operation of a compound register
// assignment such as "+=".
func compoundBinary(op Operation) (Operation, bool) {
	s := string(op)
	if !strings.HasSuffix(s, "=") || strings.Contains(s, "[") {
		return "", false
	}
	base := Operation(strings.TrimSuffix(s, "="))
	return base, binaryOps[base]
}

// memoryAccess describes load ("[4]") and store ("=[4]", "+=[4]") tokens.
// width is 0 for the word-sized forms and -1 for the multi forms.
func memoryAccess(op Operation) (store bool, width int, ok bool) {
	s := string(op)
	open := strings.IndexByte(s, '[')
	if open < 0 || !strings.HasSuffix(s, "]") {
		return false, 0, false
	}
	switch size := s[open+1 : len(s)-1]; size {
	case "":
		width = 0
	case "*":
		width = -1
	case "1", "2", "4", "8", "16":
		width, _ = strconv.Atoi(size)
	default:
		return false, 0, false
	}
	prefix := s[:open]
	if prefix == "" {
		return false, width, true
	}
	if prefix == "=" {
		return true, width, true
	}
	base, isCompound := compoundBinary(Operation(prefix))
	if isCompound || base == OpInc || base == OpDec {
		return true, width, true
	}
	return false, 0, false
}

// Program is a parsed ESIL program.
type Program []Command

func (p Program) String() string {
	parts := make([]string, len(p))
	for i, c := range p {
		parts[i] = c.String()
	}
	return strings.Join(parts, ",")
}

// ErrInvalidProgram is returned by Parse for unbalanced conditionals.
var ErrInvalidProgram = errors.New("invalid esil")

// Parse parses comma-separated ESIL text.
func Parse(text string) (Program, error) {
	tokens := strings.Split(text, ",")
	if text == "" {
		tokens = nil
	}
	pos := 0
	var block func(nested bool) (Program, error)
	block = func(nested bool) (Program, error) {
		var prog Program
		for pos < len(tokens) {
			tok := strings.TrimSpace(tokens[pos])
			pos++
			switch tok {
			case "":
				continue
			case "}":
				if !nested {
					return nil, errors.Wrapf(ErrInvalidProgram, "unbalanced } in %q", text)
				}
				return prog, nil
			case "?{":
				body, err := block(true)
				if err != nil {
					return nil, err
				}
				prog = append(prog, Conditional{Body: body})
			default:
				prog = append(prog, parseToken(tok))
			}
		}
		if nested {
			return nil, errors.Wrapf(ErrInvalidProgram, "unterminated ?{ in %q", text)
		}
		return prog, nil
	}
	return block(false)
}

// MustParse is like Parse but panics on error.
func MustParse(text string) Program {
	p, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return p
}

func parseToken(tok string) Command {
	if v, ok := parseLiteral(tok); ok {
		return Literal{Value: v}
	}
	op := Operation(tok)
	if binaryOps[op] || comparisonOps[op] || unaryOps[op] || unimplementedOps[op] || structuralOps[op] {
		return op
	}
	if _, ok := compoundBinary(op); ok {
		return op
	}
	if _, _, ok := memoryAccess(op); ok {
		return op
	}
	if strings.HasPrefix(tok, "$") {
		return Label{Name: tok}
	}
	if isIdentifier(tok) {
		return Register{Name: tok}
	}
	// Any other operator is kept and treated as unimplemented.
	return op
}

func parseLiteral(tok string) (uint64, bool) {
	if rest, ok := strings.CutPrefix(tok, "0x"); ok {
		v, err := strconv.ParseUint(rest, 16, 64)
		return v, err == nil
	}
	if tok == "" || (tok[0] != '-' && (tok[0] < '0' || tok[0] > '9')) {
		return 0, false
	}
	if v, err := strconv.ParseUint(tok, 10, 64); err == nil {
		return v, true
	}
	v, err := strconv.ParseInt(tok, 10, 64)
	return uint64(v), err == nil
}

func isIdentifier(tok string) bool {
	for i, r := range tok {
		switch {
		case r == '_' || r == '.' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return tok != ""
}
