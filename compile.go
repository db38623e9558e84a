package patcherex

import (
	"bytes"
	"fmt"
	"os"

	env "github.com/xyproto/env/v2"
	"golang.org/x/sys/unix"
)

// Default added-segment base virtual addresses and patched-marker tag.
// Hard-coded for bit-compatibility with existing patched images;
// overridable via Option or environment variable.
const (
	DefaultCodeBase = 0x09000000
	DefaultDataBase = 0x09100000
	defaultTag      = "SHELLPHISH\x00"
)

// Config resolves the added-segment base VAs, patched-marker tag, and
// verbosity, in precedence order: explicit Option, then environment
// variable, then hard default.
type Config struct {
	CodeBase uint32
	DataBase uint32
	Tag      string
	Verbose  bool
}

func defaultConfig() Config {
	return Config{
		CodeBase: uint32(env.IntOr("PATCHEREX_CODE_BASE", DefaultCodeBase)),
		DataBase: uint32(env.IntOr("PATCHEREX_DATA_BASE", DefaultDataBase)),
		Tag:      env.StrOr("PATCHEREX_TAG", defaultTag),
		Verbose:  env.Bool("PATCHEREX_VERBOSE"),
	}
}

// Option customizes a Patcher's Config at construction time, taking
// precedence over environment variables and defaults.
type Option func(*Config)

// WithCodeBase overrides the base VA of the added RX code segment.
func WithCodeBase(va uint32) Option { return func(c *Config) { c.CodeBase = va } }

// WithDataBase overrides the base VA of the added RW data segment.
func WithDataBase(va uint32) Option { return func(c *Config) { c.DataBase = va } }

// WithTag overrides the patched-marker tag. Must be <= 0x20 bytes.
func WithTag(tag string) Option { return func(c *Config) { c.Tag = tag } }

// WithVerbose enables debug-level tracing of the compile/detour pipeline.
func WithVerbose(v bool) Option { return func(c *Config) { c.Verbose = v } }

// Patcher owns one in-memory image and the set of patches to apply to it.
// A Patcher is single-use per Compile: calling Compile again resets its
// cursors, symbol map, and added regions before reapplying every
// registered patch.
type Patcher struct {
	cfg Config
	log *debugLogger

	asm         Assembler
	dis         Disassembler
	cfgProvider CFG

	image    *imageBuffer
	segments []segment

	originalHeaderEnd int
	baseline          []byte // post-header-setup image bytes, for resetForCompile

	patches []patch
	symbols map[string]uint32

	currCodeVA  uint32
	currDataVA  uint32
	currFileOff int

	addedCodeFileStart int
	addedDataFileStart int

	blocks *blockIndex

	detouredBlocks map[uint32]uint32 // block start -> first detour's instr addr, for conflict detection
}

// New opens filename, parses its fixed-layout ELF header and program
// headers, and relocates the header table to end-of-file, unless it is
// already patched. asm/dis/cfgProvider are the external collaborators; a
// caller using the reference implementations in internal/x86asm and
// internal/elfcfg constructs them there.
func New(filename string, asm Assembler, dis Disassembler, cfgProvider CFG, opts ...Option) (*Patcher, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return NewFromBytes(content, asm, dis, cfgProvider, opts...)
}

// NewFromBytes is New without touching the filesystem.
func NewFromBytes(content []byte, asm Assembler, dis Disassembler, cfgProvider CFG, opts ...Option) (*Patcher, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}

	log := newDebugLogger("patcherex", cfg.Verbose)

	ib := newImageBuffer(content, nil)
	segs, headerEnd, err := setupHeaders(ib, cfg.Tag)
	if err != nil {
		return nil, err
	}
	ib.loader = NewSegmentLoader(segs)

	p := &Patcher{
		cfg:               cfg,
		log:               log,
		asm:               asm,
		dis:               dis,
		cfgProvider:       cfgProvider,
		image:             ib,
		segments:          segs,
		originalHeaderEnd: headerEnd,
		baseline:          append([]byte(nil), ib.content...),
	}
	p.blocks = newBlockIndex(cfgProvider)
	log.Debugf("opened image: %d bytes, %d segments, header relocated to %#x", ib.Len(), len(segs), headerEnd)
	return p, nil
}

// resetForCompile restores the image bytes, the three cursors, the symbol
// map, and the added regions to the post-header-setup state, so
// re-entering Compile on the same Patcher is well-defined. Restoring from
// baseline (rather than truncating at originalHeaderEnd) is required
// because a prior Compile's InsertDetour/InlineReplace phases mutate
// bytes in place, below originalHeaderEnd: NOP-outs and the trampoline
// jmp overwrite the original code region, and InlineReplace overwrites a
// single instruction. Truncation alone would leave those in-place
// mutations intact, so a second Compile would decode its own previous
// output instead of the original code.
func (p *Patcher) resetForCompile() {
	p.symbols = make(map[string]uint32)
	p.image.content = append(p.image.content[:0], p.baseline...)
	p.currDataVA = p.cfg.DataBase
	p.currCodeVA = p.cfg.CodeBase
	p.currFileOff = roundUpToPage(p.originalHeaderEnd + 2*segDescSize)
	p.detouredBlocks = make(map[uint32]uint32)
}

// Compile runs the five-phase pipeline over every registered patch, in
// insertion order within each fixed kind-order (data -> code -> inline ->
// detours). A fatal error aborts the whole compile; already applied
// mutations are not rolled back — discard the Patcher on error.
func (p *Patcher) Compile() error {
	p.resetForCompile()

	// Phase 1: AddData layout. Extend the file out to curr_file_position
	// (room reserved for the two new program headers) before appending
	// data, then pad the added-data region out to a page boundary.
	p.addedDataFileStart = p.currFileOff
	if p.image.Len() < p.currFileOff {
		p.image.content = append(p.image.content, make([]byte, p.currFileOff-p.image.Len())...)
	}

	var dataBuf bytes.Buffer
	for i := range p.patches {
		pt := &p.patches[i]
		if pt.Kind != kindAddData {
			continue
		}
		if pt.Name != "" {
			if _, dup := p.symbols[pt.Name]; dup {
				return fmt.Errorf("duplicate symbol %q", pt.Name)
			}
			p.symbols[pt.Name] = p.currDataVA
		}
		dataBuf.Write(pt.Data)
		p.currDataVA += uint32(len(pt.Data))
		p.currFileOff += len(pt.Data)
	}
	p.image.append(dataBuf.Bytes())
	p.log.Debugf("phase1 data: %d bytes at VA %#x..%#x", dataBuf.Len(), p.cfg.DataBase, p.currDataVA)

	p.image.padTo(pageSize)
	p.currFileOff = p.image.Len()
	p.addedCodeFileStart = p.currFileOff

	// Phase 2: AddCode, two-pass symbol resolution.
	tmpCodeVA := p.currCodeVA
	for i := range p.patches {
		pt := &p.patches[i]
		if pt.Kind != kindAddCode {
			continue
		}
		b, err := p.asm.AssembleWithPlaceholderSymbols(pt.Asm, tmpCodeVA)
		if err != nil {
			return assemblerErr(tmpCodeVA, err.Error())
		}
		if pt.Name != "" {
			if _, dup := p.symbols[pt.Name]; dup {
				return fmt.Errorf("duplicate symbol %q", pt.Name)
			}
			p.symbols[pt.Name] = tmpCodeVA
		}
		tmpCodeVA += uint32(len(b))
	}

	var codeBuf bytes.Buffer
	for i := range p.patches {
		pt := &p.patches[i]
		if pt.Kind != kindAddCode {
			continue
		}
		b, err := p.asm.Assemble(pt.Asm, p.currCodeVA, p.symbols)
		if err != nil {
			return assemblerErr(p.currCodeVA, err.Error())
		}
		codeBuf.Write(b)
		p.currCodeVA += uint32(len(b))
		p.currFileOff += len(b)
	}
	p.image.append(codeBuf.Bytes())
	p.log.Debugf("phase2 code: %d bytes at VA %#x..%#x", codeBuf.Len(), p.addedCodeBase(), p.currCodeVA)

	// Phase 3: InlineReplace.
	for i := range p.patches {
		pt := &p.patches[i]
		if pt.Kind != kindInlineReplace {
			continue
		}
		if err := p.applyInlineReplace(pt); err != nil {
			return err
		}
	}

	// Phase 4: InsertDetour. Each detour may append further stub bytes to
	// the code region, so the code segment's final size is only known once
	// every detour has run; phase 5 (header finalization) therefore runs
	// last.
	for i := range p.patches {
		pt := &p.patches[i]
		if pt.Kind != kindInsertDetour {
			continue
		}
		if err := p.insertDetour(pt); err != nil {
			return err
		}
	}

	// Phase 5: write the two added-segment program headers.
	codeLen := p.currCodeVA - p.cfg.CodeBase
	code := segment{Type: ptLoad, Offset: uint32(p.addedCodeFileStart), Vaddr: p.cfg.CodeBase,
		Filesz: codeLen, Memsz: codeLen, Flags: 0x5}
	data := segment{Type: ptLoad, Offset: uint32(p.addedDataFileStart), Vaddr: p.cfg.DataBase,
		Filesz: uint32(dataBuf.Len()), Memsz: uint32(dataBuf.Len()), Flags: 0x6}
	if err := setAddedSegmentHeaders(p.image, p.cfg.Tag, p.originalHeaderEnd, code, data); err != nil {
		return err
	}

	return nil
}

func (p *Patcher) addedCodeBase() uint32 { return p.cfg.CodeBase }

func (p *Patcher) applyInlineReplace(pt *patch) error {
	b, err := p.asm.Assemble(pt.Asm, pt.Addr, p.symbols)
	if err != nil {
		return assemblerErr(pt.Addr, err.Error())
	}
	orig, err := p.readInstructionAt(pt.Addr)
	if err != nil {
		return err
	}
	if len(b) != len(orig.Bytes) {
		return &LengthMismatchError{Addr: pt.Addr, Want: len(orig.Bytes), Got: len(b)}
	}
	return p.image.patch(pt.Addr, b)
}

// readInstructionAt decodes the single instruction starting at addr by
// locating its containing block and re-decoding the block's bytes.
func (p *Patcher) readInstructionAt(addr uint32) (Instruction, error) {
	block, err := p.blocks.blockContaining(addr)
	if err != nil {
		return Instruction{}, err
	}
	raw, err := p.image.read(block.Start, block.Size)
	if err != nil {
		return Instruction{}, err
	}
	insts, err := p.dis.Decode(raw, block.Start)
	if err != nil {
		return Instruction{}, assemblerErr(addr, err.Error())
	}
	for _, in := range insts {
		if in.Addr == addr {
			return in, nil
		}
	}
	return Instruction{}, missingBlock(addr, "instruction not found in decoded block")
}

// Save writes the patched image to path with mode 0o755.
func (p *Patcher) Save(path string) error {
	if err := os.WriteFile(path, p.image.Bytes(), 0o755); err != nil {
		return err
	}
	return unix.Chmod(path, 0o755)
}

// Bytes returns the current image content, for callers that want to
// inspect or save it through their own I/O path.
func (p *Patcher) Bytes() []byte {
	return p.image.Bytes()
}
