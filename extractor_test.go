package callsig_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"

	"github.com/maxgio92/callsig"
	"github.com/maxgio92/callsig/arch"
	"github.com/maxgio92/callsig/backend"
	"github.com/maxgio92/callsig/esil"
)

// fakeBinary is an x86-64 backend serving hand-assembled instructions. It
// emulates packet ID getters by returning a fixed value per function.
type fakeBinary struct {
	instructions map[uint64]backend.Instruction
	symbols      []backend.Symbol
	ids          map[uint64]uint64
	emulated     uint64
}

func (f *fakeBinary) put(address uint64, size int, typ, program string, jump ...uint64) {
	insn := backend.Instruction{Offset: address, Size: size, Opcode: typ, Type: typ, ESIL: esil.MustParse(program)}
	if len(jump) > 0 {
		insn.Jump, insn.HasJump = jump[0], true
	}
	f.instructions[address] = insn
}

func (f *fakeBinary) declare(address uint64, name, demangled string) {
	f.symbols = append(f.symbols, backend.Symbol{Name: name, Demangled: demangled, Address: address})
}

func (f *fakeBinary) Disassemble(address uint64, _ arch.Architecture) (backend.Instruction, error) {
	insn, ok := f.instructions[address]
	if !ok {
		return backend.Instruction{Offset: address, Size: 1, Type: backend.TypeInvalid}, nil
	}
	return insn, nil
}

func (f *fakeBinary) ReadBytes(_ uint64, n int) ([]byte, error)  { return make([]byte, n), nil }
func (f *fakeBinary) Symbols() ([]backend.Symbol, error)         { return f.symbols, nil }
func (f *fakeBinary) Relocations() ([]backend.Relocation, error) { return nil, nil }
func (f *fakeBinary) Architecture() (arch.Architecture, error)   { return arch.X86, nil }
func (f *fakeBinary) Close() error                               { return nil }
func (f *fakeBinary) FunctionEnd(address uint64) (uint64, error) { return address, nil }

func (f *fakeBinary) EmulateUntil(start, _ uint64, _ arch.Architecture) error {
	if _, ok := f.ids[start]; !ok {
		return errors.Errorf("no code at 0x%x", start)
	}
	f.emulated = start
	return nil
}

func (f *fakeBinary) Register(name string) (uint64, error) {
	if name != "rax" {
		return 0, errors.Errorf("unexpected register %s", name)
	}
	return f.ids[f.emulated], nil
}

// staticBackend hides the emulator of the backend it wraps.
type staticBackend struct {
	backend.Backend
}

const (
	x86Ret  = "rsp,[8],rip,=,8,rsp,+="
	x86Push = "rip,8,rsp,-=,rsp,=[8],"
)

func call(f *fakeBinary, at, target uint64) {
	f.put(at, 5, backend.TypeCall, fmt.Sprintf("%s%#x,rip,=", x86Push, target), target)
}

func newFakeBinary() *fakeBinary {
	f := &fakeBinary{
		instructions: map[uint64]backend.Instruction{},
		ids:          map[uint64]uint64{0x700: 0x01, 0x780: 0x09},
	}

	f.declare(0x100, "_ZN11LoginPacket5writeER12BinaryStream", "LoginPacket::write")
	call(f, 0x100, 0x300)
	call(f, 0x105, 0x800)
	call(f, 0x10a, 0x400)
	f.put(0x10f, 1, backend.TypeRet, x86Ret)

	f.declare(0x200, "_ZN10TextPacket5writeER12BinaryStream", "TextPacket::write")
	call(f, 0x200, 0x500)
	f.put(0x205, 2, backend.TypeCJump, "$z,?{,0x210,rip,=,}", 0x210)
	call(f, 0x207, 0x400)
	f.put(0x20c, 2, backend.TypeJump, "0x205,rip,=", 0x205)
	f.put(0x210, 1, backend.TypeRet, x86Ret)

	f.declare(0x300, "_ZN12BinaryStream11writeVarIntEj", "BinaryStream::writeVarInt")
	f.put(0x300, 1, backend.TypeRet, x86Ret)

	f.declare(0x400, "_ZN12BinaryStream11writeStringERKNSt3__112basic_string", "BinaryStream::writeString")
	call(f, 0x400, 0x300)
	f.put(0x405, 1, backend.TypeRet, x86Ret)

	f.declare(0x500, "_ZN12BinaryStream9writeBoolEb", "BinaryStream::writeBool")
	f.put(0x500, 1, backend.TypeRet, x86Ret)

	f.declare(0x600, "_ZN12BrokenPacket5writeER12BinaryStream", "BrokenPacket::write")
	f.put(0x600, 2, "rjmp", "rax,rip,=")

	f.declare(0x680, "_ZN13DynamicPacket5writeER12BinaryStream", "DynamicPacket::write")
	f.put(0x680, 2, backend.TypeUCall, x86Push+"rax,rip,=")
	f.put(0x682, 1, backend.TypeRet, x86Ret)

	f.declare(0x700, "_ZNK11LoginPacket5getIdEv", "LoginPacket::getId")
	f.put(0x700, 1, backend.TypeRet, x86Ret)
	f.declare(0x780, "_ZNK12LogoutPacket5getIdEv", "LogoutPacket::getId")
	f.put(0x780, 1, backend.TypeRet, x86Ret)

	f.declare(0x800, "_ZN6Logger5debugEv", "Logger::debug")
	f.put(0x800, 1, backend.TypeRet, x86Ret)
	return f
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name    string
		open    func() backend.Backend
		wantIDs map[string]uint64
	}{
		{
			name:    "Emulator",
			open:    func() backend.Backend { return newFakeBinary() },
			wantIDs: map[string]uint64{"Login": 1, "Logout": 9},
		},
		{
			name:    "NoEmulator",
			open:    func() backend.Backend { return staticBackend{newFakeBinary()} },
			wantIDs: map[string]uint64{},
		},
	}

	wantPackets := map[string]string{
		"Login":   "VarInt String",
		"Text":    "Bool String*",
		"Broken":  callsig.ErrorSignature,
		"Dynamic": callsig.DynamicTerminal,
	}
	wantTypes := map[string]string{
		"VarInt": "",
		"String": "VarInt",
		"Bool":   "",
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := callsig.DefaultConfig()
			cfg.Workers = 2
			e, err := callsig.NewExtractor(cfg)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			var opened atomic.Int32
			report, err := e.Extract(context.Background(), func() (backend.Backend, error) {
				opened.Add(1)
				return tt.open(), nil
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if n := opened.Load(); n > int32(cfg.Workers) {
				t.Errorf("expected at most %d sessions, got %d", cfg.Workers, n)
			}

			for _, p := range report.Packets {
				if want, ok := wantPackets[p.Name]; ok && p.Signature != want {
					t.Errorf("packet %s: expected %q, got %q", p.Name, want, p.Signature)
				}
				want, hasID := tt.wantIDs[p.Name]
				switch {
				case hasID && (p.ID == nil || *p.ID != want):
					t.Errorf("packet %s: expected id %d, got %v", p.Name, want, p.ID)
				case !hasID && p.ID != nil:
					t.Errorf("packet %s: expected no id, got %d", p.Name, *p.ID)
				}
			}
			wantCount := len(wantPackets)
			if len(tt.wantIDs) > 0 {
				// Logout is known only by its ID.
				wantCount++
			}
			if len(report.Packets) != wantCount {
				t.Errorf("expected %d packets, got %d: %+v", wantCount, len(report.Packets), report.Packets)
			}

			for name, want := range wantTypes {
				if got, ok := report.Types[name]; !ok || got != want {
					t.Errorf("type %s: expected %q, got %q", name, want, got)
				}
			}

			failures := report.Failures()
			if len(failures) != 1 || failures[0].Name != "Broken" {
				t.Fatalf("expected one failure for Broken, got %+v", failures)
			}
			if !errors.Is(failures[0].Err, backend.ErrUnsupportedInstruction) {
				t.Errorf("expected %v, got %v", backend.ErrUnsupportedInstruction, failures[0].Err)
			}
		})
	}
}

func TestExtractOpenError(t *testing.T) {
	e, err := callsig.NewExtractor(callsig.DefaultConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = e.Extract(context.Background(), func() (backend.Backend, error) {
		return nil, errors.New("r2 not found")
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestPacketIDNoEmulator(t *testing.T) {
	_, err := callsig.PacketID(staticBackend{newFakeBinary()}, arch.X86, backend.Symbol{Address: 0x700})
	if !errors.Is(err, backend.ErrNoEmulator) {
		t.Errorf("expected %v, got %v", backend.ErrNoEmulator, err)
	}
}
