package patcherex

// Instruction is a decoded instruction as produced by a Disassembler: its
// virtual address, its raw encoded bytes, and a textual mnemonic+operands
// form that round-trips through an Assembler.
type Instruction struct {
	Addr uint32
	Bytes []byte
	Text  string

	// Overwritten classifies the instruction's relationship to a detour's
	// overwritten byte range. It is set by the detour engine and is zero
	// (OverwrittenOut) for instructions untouched by any detour.
	Overwritten OverwrittenKind
}

// End returns the address one past the instruction's last byte.
func (i Instruction) End() uint32 {
	return i.Addr + uint32(len(i.Bytes))
}

// OverwrittenKind tags a displaced instruction's relationship to a
// detour's 5-byte overwritten range.
type OverwrittenKind int

const (
	OverwrittenOut OverwrittenKind = iota
	OverwrittenPre
	OverwrittenCulprit
	OverwrittenPost
)

func (k OverwrittenKind) String() string {
	switch k {
	case OverwrittenOut:
		return "out"
	case OverwrittenPre:
		return "pre"
	case OverwrittenCulprit:
		return "culprit"
	case OverwrittenPost:
		return "post"
	default:
		return "unknown"
	}
}

// Block is a basic block as reported by a CFG provider: a contiguous,
// single-entry single-exit instruction sequence.
type Block struct {
	Start             uint32
	Size              uint32
	InstructionAddrs []uint32
}

// Contains reports whether addr names one of the block's instructions.
func (b Block) Contains(addr uint32) bool {
	for _, a := range b.InstructionAddrs {
		if a == addr {
			return true
		}
	}
	return false
}

// CFG enumerates the basic blocks of the original executable. Producing
// this analysis (recursive-descent disassembly, function recovery, etc.)
// is explicitly out of scope for this package; callers supply it.
type CFG interface {
	// Blocks returns every basic block, in any order.
	Blocks() []Block
}

// Loader translates virtual addresses in the original image to file
// offsets. Out of scope for this package to construct from scratch in the
// general case (it requires full segment/section semantics); SegmentLoader
// in this package provides a LOAD-segment-only reference implementation.
type Loader interface {
	// VAToFileOff returns the file offset backing va, or ok=false if va is
	// not mapped from any segment in the original image.
	VAToFileOff(va uint32) (off uint32, ok bool)
}

// Assembler compiles textual x86-32 assembly into bytes at a given load
// address, resolving named symbols against a caller-supplied map.
type Assembler interface {
	// Assemble compiles text to bytes as if loaded at base, with symbols
	// resolved through syms.
	Assemble(text string, base uint32, syms map[string]uint32) ([]byte, error)

	// AssembleWithPlaceholderSymbols compiles text to bytes using a
	// length-stable stand-in for any symbol reference, for use in the
	// two-pass layout's length-only first pass.
	AssembleWithPlaceholderSymbols(text string, base uint32) ([]byte, error)

	// EmitJmp returns the exact 5-byte encoding of a near relative jump
	// from fromVA to toVA, or an error if the displacement does not fit.
	EmitJmp(fromVA, toVA uint32) ([5]byte, error)
}

// Disassembler decodes a byte stream loaded at base into an ordered
// instruction list.
type Disassembler interface {
	Decode(bytes []byte, base uint32) ([]Instruction, error)
}
