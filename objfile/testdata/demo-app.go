package main

import (
	"fmt"
	"os"
)

type Stream struct {
	buf []byte
}

//go:noinline
func (s *Stream) writeVarInt(v uint32) {
	for v >= 0x80 {
		s.buf = append(s.buf, byte(v)|0x80)
		v >>= 7
	}
	s.buf = append(s.buf, byte(v))
}

//go:noinline
func (s *Stream) writeString(v string) {
	s.writeVarInt(uint32(len(v)))
	s.buf = append(s.buf, v...)
}

//go:noinline
func (s *Stream) writeBool(v bool) {
	if v {
		s.buf = append(s.buf, 1)
		return
	}
	s.buf = append(s.buf, 0)
}

type LoginPacket struct {
	Protocol uint32
	Name     string
}

//go:noinline
func (p *LoginPacket) write(s *Stream) {
	s.writeVarInt(p.Protocol)
	s.writeString(p.Name)
}

type TextPacket struct {
	Lines []string
	Raw   bool
}

//go:noinline
func (p *TextPacket) write(s *Stream) {
	s.writeBool(p.Raw)
	for _, line := range p.Lines {
		s.writeString(line)
	}
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: demo-app <name>")
		os.Exit(1)
	}

	s := &Stream{}
	(&LoginPacket{Protocol: 100, Name: os.Args[1]}).write(s)
	(&TextPacket{Lines: os.Args[1:], Raw: len(os.Args) > 2}).write(s)
	fmt.Printf("%x\n", s.buf)
}
