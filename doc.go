// Package callsig recovers the layout of serialized data from compiled
// binaries by describing what a function does as a regular expression over
// the calls it makes.
//
// # Signatures
//
// A signature is built in four steps. The function's control flow is
// walked instruction by instruction while an abstract interpreter tracks
// which registers hold statically known values (package esil). Calls and
// jumps become edges of a finite automaton, inlining callees that are not
// interesting on their own (package graph). The automaton is reduced to a
// regular expression by state elimination (package automaton), and the
// expression is simplified algebraically (package regex).
//
// For example, a packet serializer that writes a length-prefixed list of
// strings after a flag may yield
//
//	Bool VarInt String*
//
// # Terminals
//
// Calls are mapped to the words of a signature by [TerminalRule] patterns
// on the callee's demangled name. Calls with an unknown target become
// DYN, calls that never return cut the path, and other calls are inlined
// or dropped.
//
// # Extraction
//
// An [Extractor] runs the rules of a [Config] over every symbol of a binary
// in parallel, one disassembler session per worker, and collects the
// results in a [Report]. Disassembly is provided by radare2 (package r2) or
// by a native ELF decoder (package objfile).
package callsig
