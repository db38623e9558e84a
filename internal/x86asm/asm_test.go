package x86asm

import (
	"bytes"
	"testing"
)

func TestAssembleFixedEncodings(t *testing.T) {
	var a Assembler
	cases := []struct {
		text string
		want []byte
	}{
		{"nop", []byte{0x90}},
		{"ret", []byte{0xC3}},
		{"push eax", []byte{0x50}},
		{"pop edi", []byte{0x5F}},
		{"inc ecx", []byte{0xFF, 0xC1}},
		{"dec ebx", []byte{0xFF, 0xCB}},
		{"mov eax, edx", []byte{0x89, 0xD0}},
	}
	for _, c := range cases {
		got, err := a.Assemble(c.text, 0, nil)
		if err != nil {
			t.Fatalf("Assemble(%q): %v", c.text, err)
		}
		if !bytes.Equal(got, c.want) {
			t.Errorf("Assemble(%q) = % x, want % x", c.text, got, c.want)
		}
	}
}

func TestAssembleMovImmediate(t *testing.T) {
	var a Assembler
	got, err := a.Assemble("mov eax, 0x2a", 0, nil)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	want := []byte{0xB8, 0x2a, 0x00, 0x00, 0x00}
	if !bytes.Equal(got, want) {
		t.Errorf("got % x, want % x", got, want)
	}
}

func TestAssembleSymbolReference(t *testing.T) {
	var a Assembler
	syms := map[string]uint32{"buf": 0x09100000}
	got, err := a.Assemble("lea eax, [buf]", 0, syms)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	want := []byte{0x8D, 0x05, 0x00, 0x00, 0x10, 0x09}
	if !bytes.Equal(got, want) {
		t.Errorf("got % x, want % x", got, want)
	}

	if _, err := a.Assemble("lea eax, [missing]", 0, syms); err == nil {
		t.Error("expected error for undefined symbol")
	}
}

func TestAssembleWithPlaceholderSymbolsNeverErrors(t *testing.T) {
	var a Assembler
	resolved, err := a.Assemble("mov eax, 0x1000", 0x09000000, nil)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	placeholder, err := a.AssembleWithPlaceholderSymbols("mov eax, nowhere_yet", 0x09000000)
	if err != nil {
		t.Fatalf("AssembleWithPlaceholderSymbols: %v", err)
	}
	if len(resolved) != len(placeholder) {
		t.Errorf("placeholder pass length %d != real pass length %d", len(placeholder), len(resolved))
	}
}

func TestEmitJmp(t *testing.T) {
	var a Assembler
	got, err := a.EmitJmp(0x1000, 0x2000)
	if err != nil {
		t.Fatalf("EmitJmp: %v", err)
	}
	want := [5]byte{0xE9, 0xFB, 0x0F, 0x00, 0x00}
	if got != want {
		t.Errorf("EmitJmp = % x, want % x", got, want)
	}
}

func TestAssembleMultilineProgram(t *testing.T) {
	var a Assembler
	text := "mov eax, 0x1\ninc eax\nret"
	b, err := a.Assemble(text, 0, nil)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	want := []byte{0xB8, 0x01, 0x00, 0x00, 0x00, 0xFF, 0xC0, 0xC3}
	if !bytes.Equal(b, want) {
		t.Errorf("got % x, want % x", b, want)
	}
}
