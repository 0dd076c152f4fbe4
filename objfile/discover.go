package objfile

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/pkg/errors"
	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"

	"github.com/maxgio92/callsig/arch"
	"github.com/maxgio92/callsig/backend"
)

// PrologueType represents the type of function prologue.
type PrologueType string

// Recognized function prologue patterns.
const (
	PrologueClassic        PrologueType = "classic"
	PrologueNoFramePointer PrologueType = "no-frame-pointer"
	ProloguePushOnly       PrologueType = "push-only"
	PrologueLEABased       PrologueType = "lea-based"
	PrologueFramePair      PrologueType = "frame-pair"
)

// Prologue represents a detected function prologue.
type Prologue struct {
	Address      uint64       `json:"address"`
	Type         PrologueType `json:"type"`
	Instructions string       `json:"instructions"`
}

// CallSiteType represents the type of call site instruction.
type CallSiteType string

// Recognized call site instruction types.
const (
	CallSiteCall CallSiteType = "call"
	CallSiteJump CallSiteType = "jump"
)

// Confidence represents the reliability of a detection.
type Confidence string

// Confidence levels.
const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
	ConfidenceNone   Confidence = "none"
)

// CallSiteEdge is a call or jump whose target is statically known.
type CallSiteEdge struct {
	SourceAddr uint64       `json:"source_addr"`
	TargetAddr uint64       `json:"target_addr"`
	Type       CallSiteType `json:"type"`
	Confidence Confidence   `json:"confidence"`
}

// DetectionType represents how a function was detected.
type DetectionType string

// Recognized detection types.
const (
	DetectionPrologueOnly DetectionType = "prologue-only"
	DetectionCallTarget   DetectionType = "call-target"
	DetectionJumpTarget   DetectionType = "jump-target"
	DetectionBoth         DetectionType = "both"
)

// FunctionCandidate is a potential function entry found by prologue
// detection, call site analysis, or both.
type FunctionCandidate struct {
	Address       uint64        `json:"address"`
	DetectionType DetectionType `json:"detection_type"`
	PrologueType  PrologueType  `json:"prologue_type,omitempty"`
	CalledFrom    []uint64      `json:"called_from,omitempty"`
	JumpedFrom    []uint64      `json:"jumped_from,omitempty"`
	Confidence    Confidence    `json:"confidence"`
}

// DetectPrologues scans raw machine code for function prologues. baseAddr
// is the virtual address of code[0].
func DetectPrologues(code []byte, baseAddr uint64, a arch.Architecture) ([]Prologue, error) {
	switch a {
	case arch.X86:
		return detectProloguesAMD64(code, baseAddr), nil
	case arch.AArch64:
		return detectProloguesARM64(code, baseAddr), nil
	}
	return nil, errors.Wrapf(arch.ErrUnsupported, "prologue detection for %s", a)
}

func detectProloguesAMD64(code []byte, baseAddr uint64) []Prologue {
	var result []Prologue

	offset := 0
	addr := baseAddr
	var prev *x86asm.Inst
	// atStart is set at the beginning of code, after a return, after
	// padding and after an ENDBR64 landing pad.
	atStart := true

	for offset < len(code) {
		if isEndbr(code[offset:]) {
			offset += 4
			addr += 4
			prev = nil
			atStart = true
			continue
		}
		inst, err := x86asm.Decode(code[offset:], 64)
		if err != nil {
			offset++
			addr++
			prev = nil
			atStart = false
			continue
		}

		// push rbp; mov rbp, rsp
		if prev != nil &&
			prev.Op == x86asm.PUSH && prev.Args[0] == x86asm.RBP &&
			inst.Op == x86asm.MOV && inst.Args[0] == x86asm.RBP && inst.Args[1] == x86asm.RSP {
			result = append(result, Prologue{
				Address:      addr - uint64(prev.Len),
				Type:         PrologueClassic,
				Instructions: "push rbp; mov rbp, rsp",
			})
		}

		if atStart {
			switch {
			case inst.Op == x86asm.SUB && inst.Args[0] == x86asm.RSP:
				if imm, ok := inst.Args[1].(x86asm.Imm); ok && imm > 0 {
					result = append(result, Prologue{
						Address:      addr,
						Type:         PrologueNoFramePointer,
						Instructions: fmt.Sprintf("sub rsp, 0x%x", imm),
					})
				}
			case inst.Op == x86asm.PUSH && inst.Args[0] == x86asm.RBP:
				result = append(result, Prologue{
					Address:      addr,
					Type:         ProloguePushOnly,
					Instructions: "push rbp",
				})
			case inst.Op == x86asm.LEA && inst.Args[0] == x86asm.RSP:
				result = append(result, Prologue{
					Address:      addr,
					Type:         PrologueLEABased,
					Instructions: "lea rsp, [rsp-offset]",
				})
			}
		}

		switch inst.Op {
		case x86asm.RET, x86asm.INT, x86asm.NOP, x86asm.UD2:
			atStart = true
		default:
			atStart = false
		}
		prev = &inst
		offset += inst.Len
		addr += uint64(inst.Len)
	}

	return dedupPrologues(result)
}

// dedupPrologues keeps the first prologue reported at each address, so a
// classic frame setup is not also reported as push-only.
func dedupPrologues(ps []Prologue) []Prologue {
	slices.SortStableFunc(ps, func(a, b Prologue) int {
		if a.Address != b.Address {
			return cmp.Compare(a.Address, b.Address)
		}
		return cmp.Compare(prologueRank(a.Type), prologueRank(b.Type))
	})
	return slices.CompactFunc(ps, func(a, b Prologue) bool { return a.Address == b.Address })
}

func prologueRank(t PrologueType) int {
	if t == PrologueClassic || t == PrologueFramePair {
		return 0
	}
	return 1
}

func detectProloguesARM64(code []byte, baseAddr uint64) []Prologue {
	var result []Prologue
	for offset := 0; offset+insnLenARM64 <= len(code); offset += insnLenARM64 {
		inst, err := arm64asm.Decode(code[offset : offset+insnLenARM64])
		if err != nil || inst.Op != arm64asm.STP {
			continue
		}
		// stp x29, x30, [sp, #-N]!
		m, ok := inst.Args[2].(arm64asm.MemImmediate)
		if !ok || m.Mode != arm64asm.AddrPreIndex || arm64asm.Reg(m.Base) != arm64asm.SP {
			continue
		}
		if inst.Args[0] != arm64asm.X29 || inst.Args[1] != arm64asm.X30 {
			continue
		}
		result = append(result, Prologue{
			Address:      baseAddr + uint64(offset),
			Type:         PrologueFramePair,
			Instructions: arm64asm.GNUSyntax(inst),
		})
	}
	return result
}

// DetectCallSites scans raw machine code for direct calls and jumps.
func DetectCallSites(code []byte, baseAddr uint64, a arch.Architecture) ([]CallSiteEdge, error) {
	decode, err := decoderFor(a)
	if err != nil {
		return nil, errors.Wrap(err, "call site detection")
	}

	var result []CallSiteEdge
	for offset := 0; offset < len(code); {
		insn := decode(code[offset:], baseAddr+uint64(offset))
		if edge, ok := callSite(insn); ok {
			result = append(result, edge)
		}
		offset += insn.Size
	}
	return result, nil
}

func callSite(insn backend.Instruction) (CallSiteEdge, bool) {
	if !insn.HasJump {
		return CallSiteEdge{}, false
	}
	edge := CallSiteEdge{SourceAddr: insn.Offset, TargetAddr: insn.Jump}
	switch insn.Type {
	case backend.TypeCall:
		edge.Type, edge.Confidence = CallSiteCall, ConfidenceHigh
	case backend.TypeJump:
		// Unconditional jumps may be tail calls.
		edge.Type, edge.Confidence = CallSiteJump, ConfidenceMedium
	default:
		edge.Type, edge.Confidence = CallSiteJump, ConfidenceLow
	}
	return edge, true
}

// DetectFunctions combines prologue detection and call site analysis.
// Entries found by both receive high confidence. Conditional branch targets
// are ignored.
func DetectFunctions(code []byte, baseAddr uint64, a arch.Architecture) ([]FunctionCandidate, error) {
	prologues, err := DetectPrologues(code, baseAddr, a)
	if err != nil {
		return nil, errors.Wrap(err, "detect prologues")
	}
	edges, err := DetectCallSites(code, baseAddr, a)
	if err != nil {
		return nil, errors.Wrap(err, "detect call sites")
	}

	candidates := make(map[uint64]*FunctionCandidate)
	for _, p := range prologues {
		candidates[p.Address] = &FunctionCandidate{
			Address:       p.Address,
			DetectionType: DetectionPrologueOnly,
			PrologueType:  p.Type,
			Confidence:    ConfidenceMedium,
		}
	}

	end := baseAddr + uint64(len(code))
	for _, edge := range edges {
		if edge.Confidence != ConfidenceHigh && edge.Confidence != ConfidenceMedium {
			continue
		}
		if edge.TargetAddr < baseAddr || edge.TargetAddr >= end {
			continue
		}
		candidate, ok := candidates[edge.TargetAddr]
		if ok {
			if candidate.DetectionType == DetectionPrologueOnly {
				candidate.DetectionType = DetectionBoth
			}
			candidate.Confidence = ConfidenceHigh
		} else {
			candidate = &FunctionCandidate{
				Address:       edge.TargetAddr,
				DetectionType: DetectionCallTarget,
				Confidence:    ConfidenceMedium,
			}
			if edge.Type == CallSiteJump {
				candidate.DetectionType = DetectionJumpTarget
			}
			candidates[edge.TargetAddr] = candidate
		}
		if edge.Type == CallSiteCall {
			candidate.CalledFrom = append(candidate.CalledFrom, edge.SourceAddr)
		} else {
			candidate.JumpedFrom = append(candidate.JumpedFrom, edge.SourceAddr)
		}
	}

	result := make([]FunctionCandidate, 0, len(candidates))
	for _, c := range candidates {
		result = append(result, *c)
	}
	slices.SortFunc(result, func(a, b FunctionCandidate) int {
		return cmp.Compare(a.Address, b.Address)
	})
	return result, nil
}
