package objfile_test

import (
	"encoding/binary"
	"testing"

	"github.com/maxgio92/callsig/arch"
	"github.com/maxgio92/callsig/objfile"
)

// encodeRel32 writes an AMD64 CALL (0xE8) or JMP (0xE9) rel32 instruction at
// code[offset:].
func encodeRel32(code []byte, opcode byte, offset int, baseAddr, target uint64) {
	source := baseAddr + uint64(offset)
	rel := int32(int64(target) - int64(source+5))
	code[offset] = opcode
	binary.LittleEndian.PutUint32(code[offset+1:], uint32(rel))
}

// arm64Branch encodes an ARM64 BL (0x94000000) or B (0x14000000) word.
func arm64Branch(opBase uint32, source, target uint64) uint32 {
	off := int64(target) - int64(source)
	return opBase | uint32(off/4)&0x03ffffff
}

func TestDetectPrologues(t *testing.T) {
	tests := []struct {
		name      string
		code      []byte
		arch      arch.Architecture
		wantCount int
		wantType  objfile.PrologueType
		wantAddr  uint64
	}{
		{
			// The leading mov keeps push rbp away from a function boundary,
			// so only the classic pattern fires.
			name:      string(objfile.PrologueClassic),
			code:      []byte{0x48, 0x89, 0xc7, 0x55, 0x48, 0x89, 0xe5},
			arch:      arch.X86,
			wantCount: 1,
			wantType:  objfile.PrologueClassic,
			wantAddr:  3,
		},
		{
			name:      "ClassicAtBoundary",
			code:      []byte{0x55, 0x48, 0x89, 0xe5},
			arch:      arch.X86,
			wantCount: 1,
			wantType:  objfile.PrologueClassic,
			wantAddr:  0,
		},
		{
			name:      string(objfile.PrologueNoFramePointer),
			code:      []byte{0x48, 0x83, 0xec, 0x20},
			arch:      arch.X86,
			wantCount: 1,
			wantType:  objfile.PrologueNoFramePointer,
			wantAddr:  0,
		},
		{
			name:      string(objfile.ProloguePushOnly),
			code:      []byte{0x55, 0x90},
			arch:      arch.X86,
			wantCount: 1,
			wantType:  objfile.ProloguePushOnly,
			wantAddr:  0,
		},
		{
			name:      "AfterEndbr",
			code:      []byte{0x48, 0x89, 0xc7, 0xf3, 0x0f, 0x1e, 0xfa, 0x48, 0x83, 0xec, 0x20},
			arch:      arch.X86,
			wantCount: 1,
			wantType:  objfile.PrologueNoFramePointer,
			wantAddr:  7,
		},
		{
			name:      string(objfile.PrologueFramePair),
			code:      append(arm64Insn(0xd503201f), arm64Insn(0xa9bf7bfd)...),
			arch:      arch.AArch64,
			wantCount: 1,
			wantType:  objfile.PrologueFramePair,
			wantAddr:  4,
		},
		{
			name:      "EmptyNil",
			code:      nil,
			arch:      arch.X86,
			wantCount: 0,
		},
		{
			name:      "InvalidBytes",
			code:      []byte{0xde, 0xad, 0xbe, 0xef, 0xca, 0xfe},
			arch:      arch.X86,
			wantCount: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prologues, err := objfile.DetectPrologues(tt.code, 0, tt.arch)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(prologues) != tt.wantCount {
				t.Fatalf("expected %d prologue(s), got %d: %+v", tt.wantCount, len(prologues), prologues)
			}
			if tt.wantCount == 0 {
				return
			}
			if prologues[0].Type != tt.wantType {
				t.Errorf("expected type %s, got %s", tt.wantType, prologues[0].Type)
			}
			if prologues[0].Address != tt.wantAddr {
				t.Errorf("expected address 0x%x, got 0x%x", tt.wantAddr, prologues[0].Address)
			}
		})
	}
}

func TestDetectCallSites(t *testing.T) {
	tests := []struct {
		name       string
		code       []byte
		arch       arch.Architecture
		baseAddr   uint64
		wantCount  int
		wantType   objfile.CallSiteType
		wantConf   objfile.Confidence
		wantTarget uint64
	}{
		{
			name:       "call-rel32",
			code:       []byte{0xe8, 0x0b, 0x00, 0x00, 0x00},
			arch:       arch.X86,
			wantCount:  1,
			wantType:   objfile.CallSiteCall,
			wantConf:   objfile.ConfidenceHigh,
			wantTarget: 0x10,
		},
		{
			name:       "call-negative-offset",
			code:       []byte{0xe8, 0xe0, 0xff, 0xff, 0xff},
			arch:       arch.X86,
			baseAddr:   0x100,
			wantCount:  1,
			wantType:   objfile.CallSiteCall,
			wantConf:   objfile.ConfidenceHigh,
			wantTarget: 0xe5,
		},
		{
			name:      "call-register",
			code:      []byte{0xff, 0xd0},
			arch:      arch.X86,
			wantCount: 0,
		},
		{
			name:       "jmp-rel8",
			code:       []byte{0xeb, 0x0e},
			arch:       arch.X86,
			wantCount:  1,
			wantType:   objfile.CallSiteJump,
			wantConf:   objfile.ConfidenceMedium,
			wantTarget: 0x10,
		},
		{
			name:       "jcc",
			code:       []byte{0x74, 0x05},
			arch:       arch.X86,
			wantCount:  1,
			wantType:   objfile.CallSiteJump,
			wantConf:   objfile.ConfidenceLow,
			wantTarget: 0x7,
		},
		{
			name:       "endbr-then-call",
			code:       []byte{0xf3, 0x0f, 0x1e, 0xfa, 0xe8, 0x07, 0x00, 0x00, 0x00},
			arch:       arch.X86,
			wantCount:  1,
			wantType:   objfile.CallSiteCall,
			wantConf:   objfile.ConfidenceHigh,
			wantTarget: 0x10,
		},
		{
			name:       "bl-forward",
			code:       arm64Insn(0x94000400),
			arch:       arch.AArch64,
			baseAddr:   0x1000,
			wantCount:  1,
			wantType:   objfile.CallSiteCall,
			wantConf:   objfile.ConfidenceHigh,
			wantTarget: 0x2000,
		},
		{
			name:       "bl-backward",
			code:       arm64Insn(0x97ffffc0),
			arch:       arch.AArch64,
			baseAddr:   0x1000,
			wantCount:  1,
			wantType:   objfile.CallSiteCall,
			wantConf:   objfile.ConfidenceHigh,
			wantTarget: 0xf00,
		},
		{
			name:       "b-conditional",
			code:       arm64Insn(0x54000100),
			arch:       arch.AArch64,
			baseAddr:   0x1000,
			wantCount:  1,
			wantType:   objfile.CallSiteJump,
			wantConf:   objfile.ConfidenceLow,
			wantTarget: 0x1020,
		},
		{
			name:      "empty",
			code:      []byte{},
			arch:      arch.AArch64,
			wantCount: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			edges, err := objfile.DetectCallSites(tt.code, tt.baseAddr, tt.arch)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(edges) != tt.wantCount {
				t.Fatalf("expected %d edge(s), got %d: %+v", tt.wantCount, len(edges), edges)
			}
			if tt.wantCount == 0 {
				return
			}
			edge := edges[0]
			if edge.Type != tt.wantType {
				t.Errorf("expected type %s, got %s", tt.wantType, edge.Type)
			}
			if edge.Confidence != tt.wantConf {
				t.Errorf("expected confidence %s, got %s", tt.wantConf, edge.Confidence)
			}
			if edge.TargetAddr != tt.wantTarget {
				t.Errorf("expected target 0x%x, got 0x%x", tt.wantTarget, edge.TargetAddr)
			}
		})
	}
}

func TestDetectUnsupportedArch(t *testing.T) {
	if _, err := objfile.DetectCallSites([]byte{0x00}, 0, arch.Thumb); err == nil {
		t.Error("expected error for unsupported architecture, got nil")
	}
	if _, err := objfile.DetectPrologues([]byte{0x00}, 0, arch.ARM); err == nil {
		t.Error("expected error for unsupported architecture, got nil")
	}
	if _, err := objfile.DetectFunctions([]byte{0x00}, 0, arch.ARM); err == nil {
		t.Error("expected error for unsupported architecture, got nil")
	}
}

func TestDetectFunctions(t *testing.T) {
	tests := []struct {
		name  string
		arch  arch.Architecture
		build func() ([]byte, uint64)
		want  map[uint64]objfile.DetectionType
	}{
		{
			name: "amd64",
			arch: arch.X86,
			build: func() ([]byte, uint64) {
				const base = 0x1000
				code := make([]byte, 0x110)
				for i := range code {
					code[i] = 0x90
				}
				classic := []byte{0x55, 0x48, 0x89, 0xe5}
				copy(code[0x00:], classic)
				encodeRel32(code, 0xe8, 0x04, base, base+0x40)
				encodeRel32(code, 0xe8, 0x09, base, base+0x80)
				encodeRel32(code, 0xe9, 0x0e, base, base+0x100)
				copy(code[0x40:], append(classic, 0xc3))
				code[0x80] = 0xc3
				copy(code[0xc0:], append(classic, 0xc3))
				code[0x100] = 0xc3
				return code, base
			},
			want: map[uint64]objfile.DetectionType{
				0x1000: objfile.DetectionPrologueOnly,
				0x1040: objfile.DetectionBoth,
				0x1080: objfile.DetectionCallTarget,
				0x10c0: objfile.DetectionPrologueOnly,
				0x1100: objfile.DetectionJumpTarget,
			},
		},
		{
			name: "arm64",
			arch: arch.AArch64,
			build: func() ([]byte, uint64) {
				const base = 0x10000
				code := make([]byte, 0x100)
				for i := 0; i < len(code); i += 4 {
					binary.LittleEndian.PutUint32(code[i:], 0xd503201f)
				}
				put := func(off int, word uint32) { binary.LittleEndian.PutUint32(code[off:], word) }
				put(0x00, 0xa9bf7bfd)
				put(0x04, arm64Branch(0x94000000, base+0x04, base+0x40))
				put(0x08, arm64Branch(0x14000000, base+0x08, base+0x80))
				put(0x40, 0xa9bf7bfd)
				put(0x44, 0xd65f03c0)
				put(0x80, 0xd65f03c0)
				put(0xc0, 0xa9bf7bfd)
				put(0xc4, 0xd65f03c0)
				return code, base
			},
			want: map[uint64]objfile.DetectionType{
				0x10000: objfile.DetectionPrologueOnly,
				0x10040: objfile.DetectionBoth,
				0x10080: objfile.DetectionJumpTarget,
				0x100c0: objfile.DetectionPrologueOnly,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, base := tt.build()
			candidates, err := objfile.DetectFunctions(code, base, tt.arch)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			for _, c := range candidates {
				t.Logf("0x%x: %-15s (prologue: %s, calls: %d, jumps: %d)",
					c.Address, c.DetectionType, c.PrologueType, len(c.CalledFrom), len(c.JumpedFrom))
			}
			if len(candidates) != len(tt.want) {
				t.Fatalf("expected %d candidates, got %d", len(tt.want), len(candidates))
			}
			for _, c := range candidates {
				want, ok := tt.want[c.Address]
				if !ok {
					t.Errorf("unexpected candidate at 0x%x", c.Address)
					continue
				}
				if c.DetectionType != want {
					t.Errorf("0x%x: expected %s, got %s", c.Address, want, c.DetectionType)
				}
				if want == objfile.DetectionBoth && c.Confidence != objfile.ConfidenceHigh {
					t.Errorf("0x%x: expected high confidence, got %s", c.Address, c.Confidence)
				}
			}
		})
	}
}
