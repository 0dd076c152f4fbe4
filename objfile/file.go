// Package objfile is a backend that reads ELF binaries directly and decodes
// x86-64 and AArch64 machine code with golang.org/x/arch, synthesizing ESIL
// for the instructions that matter to call signature extraction.
package objfile

import (
	"bytes"
	"cmp"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/maxgio92/callsig/arch"
	"github.com/maxgio92/callsig/backend"
	"github.com/maxgio92/callsig/esil"
)

// ImportPrefix names the synthetic symbols standing in for imported
// functions.
const ImportPrefix = "imp."

var errUnmapped = errors.New("address not mapped")

type decoder func(code []byte, addr uint64) backend.Instruction

func decoderFor(a arch.Architecture) (decoder, error) {
	switch a {
	case arch.X86:
		return decodeAMD64, nil
	case arch.AArch64:
		return decodeARM64, nil
	}
	return nil, errors.Wrapf(arch.ErrUnsupported, "native decoding of %s", a)
}

func parseEsil(text string) esil.Program {
	p, err := esil.Parse(text)
	if err != nil {
		log.WithError(err).Debugf("synthesized esil %q", text)
		return esil.Program{esil.OpTodo}
	}
	return p
}

type segment struct {
	addr       uint64
	data       []byte
	executable bool
}

func (s segment) contains(addr uint64) bool {
	return addr >= s.addr && addr-s.addr < uint64(len(s.data))
}

// File is a loaded ELF image. It is read-only after loading and safe for
// concurrent use.
type File struct {
	arch        arch.Architecture
	decode      decoder
	segments    []segment
	symbols     []backend.Symbol
	relocations []backend.Relocation
	closer      io.Closer
}

var _ backend.Backend = (*File)(nil)

// Open loads the ELF binary at path.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open binary")
	}
	file, err := NewFile(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	file.closer = f
	return file, nil
}

// NewFile loads an ELF binary from r. Imported functions get synthetic
// symbols past the end of the image, and the dynamic relocations that
// refer to them are reported as relocations. Stripped binaries get fcn.
// symbols for the function entries found by DetectFunctions.
func NewFile(r io.ReaderAt) (*File, error) {
	ef, err := elf.NewFile(r)
	if err != nil {
		return nil, errors.Wrap(err, "parse ELF file")
	}
	defer ef.Close()

	if ef.Class != elf.ELFCLASS64 || ef.ByteOrder != binary.LittleEndian {
		return nil, errors.Wrapf(arch.ErrUnsupported, "ELF %s %s", ef.Class, ef.Data)
	}
	f := &File{}
	switch ef.Machine {
	case elf.EM_X86_64:
		f.arch = arch.X86
	case elf.EM_AARCH64:
		f.arch = arch.AArch64
	default:
		return nil, errors.Wrapf(arch.ErrUnsupported, "ELF machine %s", ef.Machine)
	}
	f.decode, _ = decoderFor(f.arch)

	if err := f.loadSegments(ef); err != nil {
		return nil, err
	}
	imports, err := f.loadSymbols(ef)
	if err != nil {
		return nil, err
	}
	if err := f.loadRelocations(ef, imports); err != nil {
		return nil, err
	}
	if err := f.discoverFunctions(); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"arch":        f.arch,
		"symbols":     len(f.symbols),
		"relocations": len(f.relocations),
	}).Debug("loaded ELF image")
	return f, nil
}

func (f *File) loadSegments(ef *elf.File) error {
	for _, s := range ef.Sections {
		if s.Flags&elf.SHF_ALLOC == 0 || s.Size == 0 {
			continue
		}
		seg := segment{addr: s.Addr, executable: s.Flags&elf.SHF_EXECINSTR != 0}
		if s.Type == elf.SHT_NOBITS {
			seg.data = make([]byte, s.Size)
		} else {
			data, err := s.Data()
			if err != nil {
				return errors.Wrapf(err, "read section %s", s.Name)
			}
			seg.data = data
		}
		f.segments = append(f.segments, seg)
	}
	slices.SortFunc(f.segments, func(a, b segment) int {
		return cmp.Compare(a.addr, b.addr)
	})
	return nil
}

func (f *File) end() uint64 {
	var end uint64
	for _, s := range f.segments {
		end = max(end, s.addr+uint64(len(s.data)))
	}
	return end
}

// loadSymbols collects defined functions and objects from both symbol
// tables and allocates synthetic symbols for imports. It returns the
// synthetic name of every imported dynamic symbol by table index.
func (f *File) loadSymbols(ef *elf.File) (map[int]string, error) {
	static, err := ef.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, errors.Wrap(err, "read symbols")
	}
	dynamic, err := ef.DynamicSymbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, errors.Wrap(err, "read dynamic symbols")
	}

	for _, s := range slices.Concat(static, dynamic) {
		if s.Section == elf.SHN_UNDEF || s.Value == 0 || s.Name == "" {
			continue
		}
		switch elf.ST_TYPE(s.Info) {
		case elf.STT_FUNC, elf.STT_OBJECT:
			f.symbols = append(f.symbols, backend.Symbol{Name: s.Name, Address: s.Value, Size: s.Size})
		}
	}

	word := uint64(f.arch.WordSize())
	next := (f.end()+0xfff)&^0xfff + 0x1000
	imports := make(map[int]string)
	for i, s := range dynamic {
		if s.Section != elf.SHN_UNDEF || s.Name == "" {
			continue
		}
		name := ImportPrefix + s.Name
		imports[i+1] = name
		f.symbols = append(f.symbols, backend.Symbol{Name: name, Address: next})
		next += word
	}
	return imports, nil
}

func (f *File) loadRelocations(ef *elf.File, imports map[int]string) error {
	dynsym := -1
	for i, s := range ef.Sections {
		if s.Type == elf.SHT_DYNSYM {
			dynsym = i
		}
	}
	dynamic, _ := ef.DynamicSymbols()

	for _, s := range ef.Sections {
		if s.Type != elf.SHT_RELA || s.Flags&elf.SHF_ALLOC == 0 || int(s.Link) != dynsym {
			continue
		}
		data, err := s.Data()
		if err != nil {
			return errors.Wrapf(err, "read section %s", s.Name)
		}
		rd := bytes.NewReader(data)
		for {
			var rela elf.Rela64
			if err := binary.Read(rd, binary.LittleEndian, &rela); err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				return errors.Wrapf(err, "read relocation in %s", s.Name)
			}
			f.applyRelocation(rela, dynamic, imports)
		}
	}
	return nil
}

func (f *File) applyRelocation(rela elf.Rela64, dynamic []elf.Symbol, imports map[int]string) {
	sym := int(elf.R_SYM64(rela.Info))
	typ := elf.R_TYPE64(rela.Info)

	if f.isRelative(typ) {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(rela.Addend))
		f.patch(rela.Off, buf[:])
		return
	}
	if !f.isPointer(typ) || sym == 0 {
		return
	}
	name, ok := imports[sym]
	if !ok && sym <= len(dynamic) {
		name = dynamic[sym-1].Name
	}
	if name == "" {
		return
	}
	f.relocations = append(f.relocations, backend.Relocation{Name: name, Address: rela.Off})
}

func (f *File) isRelative(typ uint32) bool {
	switch f.arch {
	case arch.X86:
		return elf.R_X86_64(typ) == elf.R_X86_64_RELATIVE
	case arch.AArch64:
		return elf.R_AARCH64(typ) == elf.R_AARCH64_RELATIVE
	}
	return false
}

func (f *File) isPointer(typ uint32) bool {
	switch f.arch {
	case arch.X86:
		switch elf.R_X86_64(typ) {
		case elf.R_X86_64_GLOB_DAT, elf.R_X86_64_JMP_SLOT, elf.R_X86_64_64:
			return true
		}
	case arch.AArch64:
		switch elf.R_AARCH64(typ) {
		case elf.R_AARCH64_GLOB_DAT, elf.R_AARCH64_JUMP_SLOT, elf.R_AARCH64_ABS64:
			return true
		}
	}
	return false
}

func (f *File) patch(addr uint64, data []byte) {
	for _, s := range f.segments {
		if s.contains(addr) && s.contains(addr+uint64(len(data))-1) {
			copy(s.data[addr-s.addr:], data)
			return
		}
	}
}

// discoverFunctions names the function entries of a binary without
// function symbols.
func (f *File) discoverFunctions() error {
	for _, s := range f.symbols {
		if s.Size > 0 && f.isExecutable(s.Address) {
			return nil
		}
	}
	known := make(map[uint64]bool, len(f.symbols))
	for _, s := range f.symbols {
		known[s.Address] = true
	}
	for _, s := range f.segments {
		if !s.executable {
			continue
		}
		candidates, err := DetectFunctions(s.data, s.addr, f.arch)
		if err != nil {
			return errors.Wrap(err, "discover functions")
		}
		for _, c := range candidates {
			if known[c.Address] {
				continue
			}
			known[c.Address] = true
			f.symbols = append(f.symbols, backend.Symbol{Name: fmt.Sprintf("fcn.%08x", c.Address), Address: c.Address})
		}
		log.WithField("candidates", len(candidates)).Debugf("discovered functions at %#x", s.addr)
	}
	return nil
}

func (f *File) isExecutable(addr uint64) bool {
	for _, s := range f.segments {
		if s.contains(addr) {
			return s.executable
		}
	}
	return false
}

// bytesAt returns up to n bytes mapped at addr.
func (f *File) bytesAt(addr uint64, n int) []byte {
	for _, s := range f.segments {
		if s.contains(addr) {
			off := addr - s.addr
			return s.data[off:min(off+uint64(n), uint64(len(s.data)))]
		}
	}
	return nil
}

// Disassemble decodes the instruction at address. Unmapped addresses
// decode as invalid instructions.
func (f *File) Disassemble(address uint64, a arch.Architecture) (backend.Instruction, error) {
	if a != f.arch {
		return backend.Instruction{}, errors.Wrapf(arch.ErrUnsupported, "%s code in a %s binary", a, f.arch)
	}
	code := f.bytesAt(address, maxInstLenAMD64)
	if len(code) == 0 {
		return backend.Instruction{Offset: address, Size: 1, Type: backend.TypeInvalid}, nil
	}
	return f.decode(code, address), nil
}

// ReadBytes returns n bytes at address. The range must lie within one
// section.
func (f *File) ReadBytes(address uint64, n int) ([]byte, error) {
	data := f.bytesAt(address, n)
	if len(data) < n {
		return nil, errors.Wrapf(errUnmapped, "%#x+%d", address, n)
	}
	return slices.Clone(data), nil
}

func (f *File) Symbols() ([]backend.Symbol, error) {
	return slices.Clone(f.symbols), nil
}

func (f *File) Relocations() ([]backend.Relocation, error) {
	return slices.Clone(f.relocations), nil
}

func (f *File) Architecture() (arch.Architecture, error) {
	return f.arch, nil
}

// Close releases the underlying file when the File was opened by path.
func (f *File) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}
