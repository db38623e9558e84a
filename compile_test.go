package patcherex_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/ITh4cker/patcherex"
	"github.com/ITh4cker/patcherex/internal/elfcfg"
	"github.com/ITh4cker/patcherex/internal/x86asm"
)

const (
	testFixedHeaderSize = 0x34
	testSegDescSize     = 32
	testCodeVA          = 0x8048000
)

func encodeSegment(typ, off, vaddr, paddr, filesz, memsz, flags, align uint32) []byte {
	b := make([]byte, testSegDescSize)
	binary.LittleEndian.PutUint32(b[0:4], typ)
	binary.LittleEndian.PutUint32(b[4:8], off)
	binary.LittleEndian.PutUint32(b[8:12], vaddr)
	binary.LittleEndian.PutUint32(b[12:16], paddr)
	binary.LittleEndian.PutUint32(b[16:20], filesz)
	binary.LittleEndian.PutUint32(b[20:24], memsz)
	binary.LittleEndian.PutUint32(b[24:28], flags)
	binary.LittleEndian.PutUint32(b[28:32], align)
	return b
}

// buildImage assembles a minimal CGC-style image: a fixed header, a
// one-entry program-header table naming a single executable LOAD segment,
// and that segment's code, all at the fixed offsets header.go expects.
func buildImage(t *testing.T, code []byte) []byte {
	t.Helper()
	content := make([]byte, testFixedHeaderSize)
	binary.LittleEndian.PutUint32(content[0x1C:], testFixedHeaderSize) // e_phoff
	binary.LittleEndian.PutUint16(content[0x2A:], testSegDescSize)     // e_phentsize
	binary.LittleEndian.PutUint16(content[0x2C:], 1)                   // e_phnum

	codeOff := testFixedHeaderSize + testSegDescSize
	content = append(content, encodeSegment(patcherex.PTLoad, uint32(codeOff), testCodeVA, testCodeVA,
		uint32(len(code)), uint32(len(code)), 0x5, 0x1000)...)
	content = append(content, code...)
	return content
}

func TestCompileFullPipeline(t *testing.T) {
	var asm x86asm.Assembler
	var dis x86asm.Disassembler

	code, err := asm.Assemble("mov eax, 0x1\ninc eax\nret", testCodeVA, nil)
	if err != nil {
		t.Fatalf("Assemble original code: %v", err)
	}
	content := buildImage(t, code)

	cfg, err := elfcfg.Build(dis, []elfcfg.Region{{Base: testCodeVA, Code: code}})
	if err != nil {
		t.Fatalf("elfcfg.Build: %v", err)
	}

	p, err := patcherex.NewFromBytes(content, asm, dis, cfg)
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}

	p.AddData([]byte("hello\x00"), "greeting")
	p.AddCode("mov eax, 0x2a\nret", "helper")
	p.InlineReplace(testCodeVA+5, "dec eax") // the "inc eax" instruction, same length
	p.InsertDetour(testCodeVA, "inc ecx")    // the "mov eax, 0x1" instruction

	if err := p.Compile(); err != nil {
		t.Fatalf("Compile: %v", err)
	}

	out := p.Bytes()

	segs, err := patcherex.DumpSegments(out)
	if err != nil {
		t.Fatalf("DumpSegments(output): %v", err)
	}

	var sawCode, sawData bool
	for _, s := range segs {
		if s.Type != patcherex.PTLoad {
			continue
		}
		switch s.Vaddr {
		case patcherex.DefaultCodeBase:
			sawCode = true
			if s.Flags&0x1 == 0 {
				t.Error("added code segment must be executable")
			}
		case patcherex.DefaultDataBase:
			sawData = true
			if s.Filesz < uint32(len("hello\x00")) {
				t.Errorf("added data segment filesz %d too small", s.Filesz)
			}
		}
	}
	if !sawCode {
		t.Error("expected an added LOAD segment at the default code base")
	}
	if !sawData {
		t.Error("expected an added LOAD segment at the default data base")
	}

	// The inline replacement must be length-preserving: re-decoding at the
	// original instruction's address should show "dec eax", not "inc eax".
	origSeg := segs[0]
	codeBytes := out[origSeg.Offset : origSeg.Offset+origSeg.Filesz]
	insts, err := dis.Decode(codeBytes, testCodeVA)
	if err != nil {
		t.Fatalf("Decode patched original block: %v", err)
	}
	if len(insts) < 2 {
		t.Fatalf("expected at least 2 instructions in the patched block, got %d", len(insts))
	}
	// insts[0] is now the trampoline jmp where "mov eax, 0x1" used to be.
	if insts[0].Text[:3] != "jmp" {
		t.Errorf("expected the detour trampoline jmp at the block start, got %q", insts[0].Text)
	}
	if insts[1].Text != "dec eax" {
		t.Errorf("expected the inline-replaced instruction to read \"dec eax\", got %q", insts[1].Text)
	}
}

func TestCompileRejectsLengthMismatch(t *testing.T) {
	var asm x86asm.Assembler
	var dis x86asm.Disassembler

	code, err := asm.Assemble("mov eax, 0x1\nret", testCodeVA, nil)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	content := buildImage(t, code)
	cfg, err := elfcfg.Build(dis, []elfcfg.Region{{Base: testCodeVA, Code: code}})
	if err != nil {
		t.Fatalf("elfcfg.Build: %v", err)
	}
	p, err := patcherex.NewFromBytes(content, asm, dis, cfg)
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}

	// "mov eax, 0x1" is 5 bytes and "nop" is 1 byte, so replacing the mov
	// with a nop must fail with a length mismatch.
	p.InlineReplace(testCodeVA, "nop")
	err = p.Compile()
	if err == nil {
		t.Fatal("expected a length mismatch error")
	}
	if _, ok := err.(*patcherex.LengthMismatchError); !ok {
		t.Errorf("got %T, want *patcherex.LengthMismatchError", err)
	}
}

func TestCompileDetectsOverlappingDetours(t *testing.T) {
	var asm x86asm.Assembler
	var dis x86asm.Disassembler

	code, err := asm.Assemble("mov eax, 0x1\ninc eax\nret", testCodeVA, nil)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	content := buildImage(t, code)
	cfg, err := elfcfg.Build(dis, []elfcfg.Region{{Base: testCodeVA, Code: code}})
	if err != nil {
		t.Fatalf("elfcfg.Build: %v", err)
	}
	p, err := patcherex.NewFromBytes(content, asm, dis, cfg)
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}

	p.InsertDetour(testCodeVA, "nop")
	p.InsertDetour(testCodeVA+5, "nop") // same block as the first detour

	err = p.Compile()
	if err == nil {
		t.Fatal("expected a detour conflict error")
	}
	if _, ok := err.(*patcherex.DetourConflictError); !ok {
		t.Errorf("got %T, want *patcherex.DetourConflictError", err)
	}
}

// TestCompileIsReentrant exercises InsertDetour and InlineReplace, not
// just AddData, so it actually checks that a second Compile reproduces
// the first byte-for-byte: those two patch kinds mutate bytes in the
// original code region in place, below originalHeaderEnd, so a reset
// that only truncates appended bytes (and leaves those in-place
// mutations and phnum alone) would still pass a length-only comparison
// but decode the previous Compile's own trampoline/jmp as if it were the
// original instruction stream.
func TestCompileIsReentrant(t *testing.T) {
	var asm x86asm.Assembler
	var dis x86asm.Disassembler

	code, err := asm.Assemble("mov eax, 0x1\ninc eax\nret", testCodeVA, nil)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	content := buildImage(t, code)
	cfg, err := elfcfg.Build(dis, []elfcfg.Region{{Base: testCodeVA, Code: code}})
	if err != nil {
		t.Fatalf("elfcfg.Build: %v", err)
	}
	p, err := patcherex.NewFromBytes(content, asm, dis, cfg)
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}

	p.AddData([]byte{1, 2, 3, 4}, "x")
	p.AddCode("mov eax, 0x2a\nret", "helper")
	p.InlineReplace(testCodeVA+5, "dec eax") // the "inc eax" instruction, same length
	p.InsertDetour(testCodeVA, "inc ecx")    // the "mov eax, 0x1" instruction

	if err := p.Compile(); err != nil {
		t.Fatalf("Compile (first): %v", err)
	}
	first := append([]byte(nil), p.Bytes()...)

	if err := p.Compile(); err != nil {
		t.Fatalf("Compile (second): %v", err)
	}
	second := p.Bytes()

	if !bytes.Equal(first, second) {
		t.Errorf("re-entrant Compile produced different output: %d vs %d bytes", len(first), len(second))
	}
}
