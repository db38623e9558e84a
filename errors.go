package patcherex

import "fmt"

// InvalidVAddrError is returned when a virtual address has no mapping to a
// file offset in the original image.
type InvalidVAddrError struct {
	Addr  uint32
	cause string
}

func (e *InvalidVAddrError) Error() string {
	return fmt.Sprintf("invalid vaddr %#x: %s", e.Addr, e.cause)
}

// MissingBlockError is returned when no basic block contains a requested
// instruction address.
type MissingBlockError struct {
	Addr  uint32
	cause string
}

func (e *MissingBlockError) Error() string {
	return fmt.Sprintf("no block contains address %#x: %s", e.Addr, e.cause)
}

// DetourError is returned when a detour cannot be placed: the block has no
// movable instructions, no trampoline slot fits inside the movable window,
// or an instruction under the trampoline is not movable.
type DetourError struct {
	Addr  uint32
	cause string
}

func (e *DetourError) Error() string {
	return fmt.Sprintf("detour failed at %#x: %s", e.Addr, e.cause)
}

// LengthMismatchError is returned when an inline replacement assembles to a
// different length than the instruction it replaces.
type LengthMismatchError struct {
	Addr uint32
	Want int
	Got  int
}

func (e *LengthMismatchError) Error() string {
	return fmt.Sprintf("length mismatch at %#x: want %d got %d", e.Addr, e.Want, e.Got)
}

// HeaderCorruptError is returned when the ELF header or a program header
// does not match the fixed CGC-style layout this package understands.
type HeaderCorruptError struct {
	cause string
}

func (e *HeaderCorruptError) Error() string {
	return fmt.Sprintf("header corrupt: %s", e.cause)
}

// AssemblerError wraps a failure propagated from the Assembler or
// Disassembler collaborator.
type AssemblerError struct {
	Addr  uint32
	cause string
}

func (e *AssemblerError) Error() string {
	return fmt.Sprintf("assembler error at %#x: %s", e.Addr, e.cause)
}

// DetourConflictError is returned when two InsertDetour patches target the
// same basic block, detected explicitly rather than silently corrupting
// one of the two detours.
type DetourConflictError struct {
	Addr      uint32
	OtherAddr uint32
}

func (e *DetourConflictError) Error() string {
	return fmt.Sprintf("detour at %#x conflicts with detour at %#x (same block)", e.Addr, e.OtherAddr)
}

func invalidVAddr(addr uint32, cause string) error {
	return &InvalidVAddrError{Addr: addr, cause: cause}
}

func missingBlock(addr uint32, cause string) error {
	return &MissingBlockError{Addr: addr, cause: cause}
}

func detourErr(addr uint32, cause string) error {
	return &DetourError{Addr: addr, cause: cause}
}

func headerCorrupt(cause string) error {
	return &HeaderCorruptError{cause: cause}
}

func assemblerErr(addr uint32, cause string) error {
	return &AssemblerError{Addr: addr, cause: cause}
}
