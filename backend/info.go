package backend

import (
	"strings"

	"github.com/ianlancetaylor/demangle"
	"github.com/pkg/errors"

	"github.com/maxgio92/callsig/arch"
)

// Info is a read-only index of a binary's symbols and relocations. It is
// loaded once and safe to share between goroutines.
type Info struct {
	arch        arch.Architecture
	symbols     []Symbol
	byAddress   map[uint64]Symbol
	byName      map[string]Symbol
	relocations map[uint64]Relocation
}

// Load builds an Info from b.
func Load(b Backend) (*Info, error) {
	a, err := b.Architecture()
	if err != nil {
		return nil, errors.Wrap(err, "architecture")
	}
	symbols, err := b.Symbols()
	if err != nil {
		return nil, errors.Wrap(err, "symbols")
	}
	relocations, err := b.Relocations()
	if err != nil {
		return nil, errors.Wrap(err, "relocations")
	}
	return NewInfo(a, symbols, relocations), nil
}

// NewInfo indexes symbols and relocations. Symbols without a demangled name
// are demangled here. When several symbols share an address or a name, the
// first one wins.
func NewInfo(a arch.Architecture, symbols []Symbol, relocations []Relocation) *Info {
	info := &Info{
		arch:        a,
		byAddress:   make(map[uint64]Symbol, len(symbols)),
		byName:      make(map[string]Symbol, len(symbols)),
		relocations: make(map[uint64]Relocation, len(relocations)),
	}
	for _, s := range symbols {
		if s.Demangled == "" {
			s.Demangled = Demangle(s.Name)
		}
		info.symbols = append(info.symbols, s)
		if _, ok := info.byAddress[s.Address]; !ok {
			info.byAddress[s.Address] = s
		}
		if _, ok := info.byName[s.Name]; !ok {
			info.byName[s.Name] = s
		}
	}
	for _, r := range relocations {
		if _, ok := info.relocations[r.Address]; !ok {
			info.relocations[r.Address] = r
		}
	}
	return info
}

func (i *Info) Architecture() arch.Architecture { return i.arch }

// Symbols returns the symbols in backend order.
func (i *Info) Symbols() []Symbol { return i.symbols }

// SymbolAt returns the symbol starting at address.
func (i *Info) SymbolAt(address uint64) (Symbol, bool) {
	s, ok := i.byAddress[address]
	return s, ok
}

// SymbolNamed returns the symbol with the given raw name.
func (i *Info) SymbolNamed(name string) (Symbol, bool) {
	s, ok := i.byName[name]
	return s, ok
}

// RelocationAt returns the relocation patching address.
func (i *Info) RelocationAt(address uint64) (Relocation, bool) {
	r, ok := i.relocations[address]
	return r, ok
}

// symbolPrefixes are the namespaces radare2 puts in front of symbol names.
var symbolPrefixes = []string{"sym.imp.", "sym.", "imp.", "reloc."}

// Demangle returns the demangled form of an Itanium C++ symbol name without
// its parameter list, or "" when name is not mangled. radare2 namespace
// prefixes and the extra leading underscore of Mach-O names are ignored.
func Demangle(name string) string {
	for _, p := range symbolPrefixes {
		if rest, ok := strings.CutPrefix(name, p); ok {
			name = rest
			break
		}
	}
	if strings.HasPrefix(name, "__Z") {
		name = name[1:]
	}
	if !strings.HasPrefix(name, "_Z") {
		return ""
	}
	out, err := demangle.ToString(name, demangle.NoParams)
	if err != nil {
		return ""
	}
	return out
}
