// Package x86asm is a reference Assembler/Disassembler for the x86-32
// instruction subset the patcherex detour engine exercises. It is a
// deliberately small stand-in for a production disassembler (objdump,
// capstone, an angr-equivalent) — good enough to drive and test the core
// engine end to end, not a general-purpose x86 toolchain.
package x86asm

import "strings"

// register32 names the eight general-purpose 32-bit registers and their
// 3-bit ModR/M encoding.
var register32 = map[string]uint8{
	"eax": 0,
	"ecx": 1,
	"edx": 2,
	"ebx": 3,
	"esp": 4,
	"ebp": 5,
	"esi": 6,
	"edi": 7,
}

var register32Name = func() map[uint8]string {
	m := make(map[uint8]string, len(register32))
	for name, enc := range register32 {
		m[enc] = name
	}
	return m
}()

func isRegister(tok string) bool {
	_, ok := register32[strings.ToLower(tok)]
	return ok
}
