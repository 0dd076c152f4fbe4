package arch_test

import (
	"errors"
	"testing"

	"github.com/maxgio92/callsig/arch"
)

func TestLookup(t *testing.T) {
	tests := []struct {
		name    string
		bits    int
		want    arch.Architecture
		wantErr bool
	}{
		{name: "arm", bits: 16, want: arch.Thumb},
		{name: "arm", bits: 32, want: arch.ARM},
		{name: "arm", bits: 64, want: arch.AArch64},
		{name: "x86", bits: 64, want: arch.X86},
		{name: "x86", bits: 32, wantErr: true},
		{name: "mips", bits: 32, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := arch.Lookup(tt.name, tt.bits)
			if tt.wantErr {
				if !errors.Is(err, arch.ErrUnsupported) {
					t.Fatalf("expected ErrUnsupported, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestProgramCounterOf(t *testing.T) {
	tests := []struct {
		arch arch.Architecture
		want uint64
	}{
		{arch: arch.ARM, want: 0x1008},
		{arch: arch.Thumb, want: 0x1004},
		{arch: arch.X86, want: 0x1005},
		{arch: arch.AArch64, want: 0x1000},
	}

	for _, tt := range tests {
		t.Run(tt.arch.String(), func(t *testing.T) {
			if got := tt.arch.ProgramCounterOf(0x1000, 5); got != tt.want {
				t.Errorf("expected 0x%x, got 0x%x", tt.want, got)
			}
		})
	}
}

func TestJumpTargets(t *testing.T) {
	tests := []struct {
		name     string
		resolve  func() (uint64, arch.Architecture)
		wantAddr uint64
		wantArch arch.Architecture
	}{
		{
			name:     "ARMToThumb",
			resolve:  func() (uint64, arch.Architecture) { return arch.ARM.ArithmeticJumpTarget(0x80001001) },
			wantAddr: 0x1001,
			wantArch: arch.Thumb,
		},
		{
			name:     "ARMStays",
			resolve:  func() (uint64, arch.Architecture) { return arch.ARM.ResolveJumpTarget(0x2000, "bl 0x2000") },
			wantAddr: 0x2000,
			wantArch: arch.ARM,
		},
		{
			name:     "ThumbExchangeToARM",
			resolve:  func() (uint64, arch.Architecture) { return arch.Thumb.ResolveJumpTarget(0x3000, "blx 0x3000") },
			wantAddr: 0x3000,
			wantArch: arch.ARM,
		},
		{
			name:     "ThumbExchangeStaysThumb",
			resolve:  func() (uint64, arch.Architecture) { return arch.Thumb.ResolveJumpTarget(0x80003000, "bx r3") },
			wantAddr: 0x3000,
			wantArch: arch.Thumb,
		},
		{
			name:     "ThumbBranch",
			resolve:  func() (uint64, arch.Architecture) { return arch.Thumb.ResolveJumpTarget(0x3000, "b 0x3000") },
			wantAddr: 0x3000,
			wantArch: arch.Thumb,
		},
		{
			name:     "X86Mask",
			resolve:  func() (uint64, arch.Architecture) { return arch.X86.ArithmeticJumpTarget(0xffffffffffffffff) },
			wantAddr: 0xffffffffffffffff,
			wantArch: arch.X86,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, a := tt.resolve()
			if addr != tt.wantAddr {
				t.Errorf("expected address 0x%x, got 0x%x", tt.wantAddr, addr)
			}
			if a != tt.wantArch {
				t.Errorf("expected %s, got %s", tt.wantArch, a)
			}
		})
	}
}

func TestTranslateRegister(t *testing.T) {
	tests := []struct {
		arch arch.Architecture
		in   string
		want string
	}{
		{arch: arch.X86, in: "eax", want: "rax"},
		{arch: arch.X86, in: "esp", want: "rsp"},
		{arch: arch.X86, in: "r8d", want: "r8"},
		{arch: arch.X86, in: "rip", want: "rip"},
		{arch: arch.X86, in: "r8w", want: "r8w"},
		{arch: arch.AArch64, in: "w3", want: "x3"},
		{arch: arch.AArch64, in: "wzr", want: "xzr"},
		{arch: arch.ARM, in: "r0", want: "r0"},
	}

	for _, tt := range tests {
		t.Run(tt.arch.String()+"/"+tt.in, func(t *testing.T) {
			if got := tt.arch.TranslateRegister(tt.in); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestPartialRegister(t *testing.T) {
	tests := []struct {
		arch arch.Architecture
		in   string
		want string
		ok   bool
	}{
		{arch: arch.X86, in: "al", want: "rax", ok: true},
		{arch: arch.X86, in: "ah", want: "rax", ok: true},
		{arch: arch.X86, in: "bx", want: "rbx", ok: true},
		{arch: arch.X86, in: "spl", want: "rsp", ok: true},
		{arch: arch.X86, in: "di", want: "rdi", ok: true},
		{arch: arch.X86, in: "r8w", want: "r8", ok: true},
		{arch: arch.X86, in: "r15b", want: "r15", ok: true},
		{arch: arch.X86, in: "eax"},
		{arch: arch.X86, in: "r8d"},
		{arch: arch.X86, in: "rax"},
		{arch: arch.AArch64, in: "w3"},
		{arch: arch.ARM, in: "r0"},
	}

	for _, tt := range tests {
		t.Run(tt.arch.String()+"/"+tt.in, func(t *testing.T) {
			got, ok := tt.arch.PartialRegister(tt.in)
			if ok != tt.ok || got != tt.want {
				t.Errorf("expected %q (%v), got %q (%v)", tt.want, tt.ok, got, ok)
			}
		})
	}
}

func TestMapRelocationEntry(t *testing.T) {
	if got := arch.Thumb.MapRelocationEntry(0x1000); got != 0x80001000 {
		t.Errorf("expected 0x80001000, got 0x%x", got)
	}
	if got := arch.X86.MapRelocationEntry(0x1000); got != 0x1000 {
		t.Errorf("expected 0x1000, got 0x%x", got)
	}
}
