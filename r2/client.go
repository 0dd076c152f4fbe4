package r2

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/maxgio92/callsig/arch"
	"github.com/maxgio92/callsig/backend"
	"github.com/maxgio92/callsig/esil"
)

// Client is a backend.Backend and backend.Emulator on top of a Session.
type Client struct {
	session Session
	bits    int
}

var (
	_ backend.Backend  = (*Client)(nil)
	_ backend.Emulator = (*Client)(nil)
)

// NewClient wraps session.
func NewClient(session Session) *Client {
	return &Client{session: session}
}

func (c *Client) void(cmd string) error {
	_, err := c.session.Cmd(cmd)
	return err
}

func (c *Client) json(cmd string, v any) error {
	out, err := c.session.Cmd(cmd)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), v); err != nil {
		return errors.Wrapf(err, "decode %q output", cmd)
	}
	return nil
}

func (c *Client) seek(address uint64) error {
	return c.void(fmt.Sprintf("s 0x%x", address))
}

// at seeks to address and selects the decoding mode of a.
func (c *Client) at(address uint64, a arch.Architecture) error {
	if a != nil && a.Bits() != c.bits {
		if err := c.void(fmt.Sprintf("e asm.bits=%d", a.Bits())); err != nil {
			return err
		}
		c.bits = a.Bits()
	}
	return c.seek(address)
}

type instruction struct {
	Offset  uint64   `json:"offset"`
	ESIL    string   `json:"esil"`
	Size    int      `json:"size"`
	Opcode  string   `json:"opcode"`
	Type    string   `json:"type"`
	Jump    *uint64  `json:"jump"`
	Fail    *uint64  `json:"fail"`
	Flags   []string `json:"flags"`
	FcnLast uint64   `json:"fcn_last"`
}

func (c *Client) disassembleOne(address uint64, a arch.Architecture) (instruction, error) {
	if err := c.at(address, a); err != nil {
		return instruction{}, err
	}
	var insns []instruction
	if err := c.json("pdj 1", &insns); err != nil {
		return instruction{}, err
	}
	if len(insns) != 1 {
		return instruction{}, errors.Errorf("pdj 1 at 0x%x returned %d instructions", address, len(insns))
	}
	return insns[0], nil
}

func (c *Client) Disassemble(address uint64, a arch.Architecture) (backend.Instruction, error) {
	raw, err := c.disassembleOne(address, a)
	if err != nil {
		return backend.Instruction{}, err
	}
	program, err := esil.Parse(raw.ESIL)
	if err != nil {
		log.WithError(err).Debugf("instruction at %#x: %s", address, raw.Opcode)
		program = esil.Program{esil.OpTodo}
	}
	insn := backend.Instruction{
		Offset: raw.Offset,
		Size:   raw.Size,
		Opcode: raw.Opcode,
		Type:   raw.Type,
		ESIL:   program,
		Flags:  raw.Flags,
	}
	if raw.Jump != nil {
		insn.Jump, insn.HasJump = *raw.Jump, true
	}
	return insn, nil
}

func (c *Client) ReadBytes(address uint64, n int) ([]byte, error) {
	if err := c.seek(address); err != nil {
		return nil, err
	}
	out, err := c.session.Cmd(fmt.Sprintf("p8 %d", n))
	if err != nil {
		return nil, err
	}
	data, err := hex.DecodeString(strings.TrimSpace(out))
	if err != nil {
		return nil, errors.Wrapf(err, "p8 at 0x%x", address)
	}
	return data, nil
}

type symbol struct {
	Name     string `json:"name"`
	Demname  string `json:"demname"`
	Flagname string `json:"flagname"`
	Size     uint64 `json:"size"`
	Vaddr    uint64 `json:"vaddr"`
	Paddr    uint64 `json:"paddr"`
}

func (c *Client) Symbols() ([]backend.Symbol, error) {
	var raw []symbol
	if err := c.json("isj", &raw); err != nil {
		return nil, err
	}
	out := make([]backend.Symbol, 0, len(raw))
	for _, s := range raw {
		out = append(out, backend.Symbol{Name: s.Name, Demangled: s.Demname, Address: s.Vaddr, Size: s.Size})
	}
	return out, nil
}

type relocation struct {
	Name  string `json:"name"`
	Vaddr uint64 `json:"vaddr"`
}

func (c *Client) Relocations() ([]backend.Relocation, error) {
	var raw []relocation
	if err := c.json("irj", &raw); err != nil {
		return nil, err
	}
	out := make([]backend.Relocation, 0, len(raw))
	for _, r := range raw {
		if r.Name == "" {
			continue
		}
		out = append(out, backend.Relocation{Name: r.Name, Address: r.Vaddr})
	}
	return out, nil
}

type fileInfo struct {
	Bin struct {
		Arch string `json:"arch"`
		Bits int    `json:"bits"`
	} `json:"bin"`
}

func (c *Client) Architecture() (arch.Architecture, error) {
	var info fileInfo
	if err := c.json("ij", &info); err != nil {
		return nil, err
	}
	a, err := arch.Lookup(info.Bin.Arch, info.Bin.Bits)
	if err != nil {
		return nil, err
	}
	c.bits = info.Bin.Bits
	return a, nil
}

// FunctionEnd analyzes the function at address and returns its last
// instruction.
func (c *Client) FunctionEnd(address uint64) (uint64, error) {
	if err := c.seek(address); err != nil {
		return 0, err
	}
	if err := c.void("aF"); err != nil {
		return 0, err
	}
	insn, err := c.disassembleOne(address, nil)
	if err != nil {
		return 0, err
	}
	return insn.FcnLast, nil
}

// Emulation stack used by EmulateUntil.
const (
	stackBase = 0x2000
	stackSize = 0xffff
)

// EmulateUntil steps the ESIL VM from start to end. Writes go to the IO
// cache and leave the file untouched.
func (c *Client) EmulateUntil(start, end uint64, a arch.Architecture) error {
	stack := fmt.Sprintf("0x%x 0x%x", stackBase, stackSize)
	setup := []string{"e io.cache=true", "aei", "aeim " + stack}
	for _, cmd := range setup {
		if err := c.void(cmd); err != nil {
			return err
		}
	}
	if err := c.seek(start); err != nil {
		return err
	}
	if err := c.void("aeip"); err != nil {
		return err
	}
	if err := c.at(start, a); err != nil {
		return err
	}
	return c.void(fmt.Sprintf("aesu 0x%x", end))
}

// Register reads a register of the ESIL VM and resets the VM.
func (c *Client) Register(name string) (uint64, error) {
	out, err := c.session.Cmd("aer " + name)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(out), 0, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "register %s", name)
	}
	for _, cmd := range []string{fmt.Sprintf("aeim- 0x%x 0x%x", stackBase, stackSize), "aei-"} {
		if err := c.void(cmd); err != nil {
			return 0, err
		}
	}
	return v, nil
}

func (c *Client) Close() error {
	return c.session.Close()
}
