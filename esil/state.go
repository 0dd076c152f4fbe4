package esil

import (
	"maps"
	"slices"
	"strconv"
	"strings"
)

// State is an immutable partial map from register name to a statically
// known value. A register that is absent holds an unknown value. The zero
// State knows nothing.
//
// States are comparable and usable as map keys: two States are == exactly
// when they hold the same registers with the same values.
type State struct {
	// canonical "reg=value" list sorted by register, comma separated
	enc string
}

// Unknown is the state in which no register is known.
var Unknown = State{}

// NewState returns a state holding the given register values.
func NewState(registers map[string]uint64) State {
	if len(registers) == 0 {
		return Unknown
	}
	names := slices.Sorted(maps.Keys(registers))
	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(strconv.FormatUint(registers[name], 10))
	}
	return State{enc: b.String()}
}

// Registers returns a copy of the known register values.
func (s State) Registers() map[string]uint64 {
	result := make(map[string]uint64)
	if s.enc == "" {
		return result
	}
	for _, kv := range strings.Split(s.enc, ",") {
		name, value, _ := strings.Cut(kv, "=")
		v, _ := strconv.ParseUint(value, 10, 64)
		result[name] = v
	}
	return result
}

// Get returns the value of register and whether it is known.
func (s State) Get(register string) (uint64, bool) {
	v, ok := s.Registers()[register]
	return v, ok
}

// With returns a copy of s where register holds value.
func (s State) With(register string, value uint64) State {
	regs := s.Registers()
	regs[register] = value
	return NewState(regs)
}

// Without returns a copy of s where register is unknown.
func (s State) Without(register string) State {
	regs := s.Registers()
	if _, ok := regs[register]; !ok {
		return s
	}
	delete(regs, register)
	return NewState(regs)
}

// Len returns the number of known registers.
func (s State) Len() int {
	if s.enc == "" {
		return 0
	}
	return strings.Count(s.enc, ",") + 1
}

// IsUnknown reports whether no register is known.
func (s State) IsUnknown() bool {
	return s.enc == ""
}

// String renders the state as "reg=value,..." sorted by register.
func (s State) String() string {
	return s.enc
}

// Intersect returns the registers known with equal values in both a and b.
func Intersect(a, b State) State {
	if a == b {
		return a
	}
	ra, rb := a.Registers(), b.Registers()
	maps.DeleteFunc(ra, func(name string, v uint64) bool {
		w, ok := rb[name]
		return !ok || w != v
	})
	return NewState(ra)
}

// SubsetOf reports whether every register known in s is known with the same
// value in other.
func (s State) SubsetOf(other State) bool {
	ro := other.Registers()
	for name, v := range s.Registers() {
		if w, ok := ro[name]; !ok || w != v {
			return false
		}
	}
	return true
}
