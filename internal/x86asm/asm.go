package x86asm

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Assembler is the concrete x86-32 text assembler. The zero value is
// ready to use.
type Assembler struct{}

// Assemble compiles text (one instruction per non-blank, non-comment
// line) to bytes as if loaded at base, resolving symbol references
// through syms. A reference to a name absent from syms is an error.
func (Assembler) Assemble(text string, base uint32, syms map[string]uint32) ([]byte, error) {
	return assemble(text, base, syms, false)
}

// AssembleWithPlaceholderSymbols compiles text the same way, but
// substitutes a fixed stand-in address (0) for any symbol reference not
// present in syms, so the encoded length matches what the real symbol
// value will later produce (every instruction this assembler supports
// encodes symbol references at a fixed width regardless of value).
func (Assembler) AssembleWithPlaceholderSymbols(text string, base uint32) ([]byte, error) {
	return assemble(text, base, nil, true)
}

// EmitJmp returns the exact 5-byte encoding of a near relative jump from
// fromVA to toVA (opcode 0xE9 + rel32).
func (Assembler) EmitJmp(fromVA, toVA uint32) ([5]byte, error) {
	var out [5]byte
	rel := int64(toVA) - int64(fromVA) - 5
	out[0] = 0xE9
	binary.LittleEndian.PutUint32(out[1:], uint32(int32(rel)))
	return out, nil
}

func assemble(text string, base uint32, syms map[string]uint32, placeholder bool) ([]byte, error) {
	var out []byte
	pos := base
	for _, rawLine := range strings.Split(text, "\n") {
		line := stripComment(rawLine)
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		enc, err := assembleOne(line, pos, syms, placeholder)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", line, err)
		}
		out = append(out, enc...)
		pos += uint32(len(enc))
	}
	return out, nil
}

func stripComment(line string) string {
	if i := strings.IndexByte(line, ';'); i >= 0 {
		return line[:i]
	}
	if i := strings.IndexByte(line, '#'); i >= 0 {
		return line[:i]
	}
	return line
}

func assembleOne(line string, addr uint32, syms map[string]uint32, placeholder bool) ([]byte, error) {
	mnemonic, rest := splitMnemonic(line)
	ops := splitOperands(rest)

	resolve := func(tok string) (uint32, error) {
		return resolveValue(tok, syms, placeholder)
	}

	switch strings.ToLower(mnemonic) {
	case "nop":
		return []byte{0x90}, nil
	case "ret":
		return []byte{0xC3}, nil
	case "push":
		reg, err := regOperand(ops, 0)
		if err != nil {
			return nil, err
		}
		return []byte{0x50 + reg}, nil
	case "pop":
		reg, err := regOperand(ops, 0)
		if err != nil {
			return nil, err
		}
		return []byte{0x58 + reg}, nil
	case "inc":
		reg, err := regOperand(ops, 0)
		if err != nil {
			return nil, err
		}
		return []byte{0xFF, 0xC0 | reg}, nil
	case "dec":
		reg, err := regOperand(ops, 0)
		if err != nil {
			return nil, err
		}
		return []byte{0xFF, 0xC8 | reg}, nil
	case "mov":
		if len(ops) != 2 {
			return nil, fmt.Errorf("mov needs 2 operands, got %d", len(ops))
		}
		dst, err := regOperand(ops, 0)
		if err != nil {
			return nil, err
		}
		if isRegister(strings.TrimSpace(ops[1])) {
			src, err := regOperand(ops, 1)
			if err != nil {
				return nil, err
			}
			return []byte{0x89, 0xC0 | (src << 3) | dst}, nil
		}
		imm, err := resolve(ops[1])
		if err != nil {
			return nil, err
		}
		b := []byte{0xB8 + dst, 0, 0, 0, 0}
		binary.LittleEndian.PutUint32(b[1:], imm)
		return b, nil
	case "lea":
		if len(ops) != 2 {
			return nil, fmt.Errorf("lea needs 2 operands, got %d", len(ops))
		}
		dst, err := regOperand(ops, 0)
		if err != nil {
			return nil, err
		}
		mem := strings.TrimSpace(ops[1])
		if !strings.HasPrefix(mem, "[") || !strings.HasSuffix(mem, "]") {
			return nil, fmt.Errorf("lea operand must be [name] or [addr], got %q", mem)
		}
		disp, err := resolve(mem[1 : len(mem)-1])
		if err != nil {
			return nil, err
		}
		b := []byte{0x8D, 0x05 | (dst << 3), 0, 0, 0, 0}
		binary.LittleEndian.PutUint32(b[2:], disp)
		return b, nil
	case "add", "sub", "cmp":
		return arithRegImm(mnemonic, ops, resolve)
	case "jmp":
		return jmpOrCall(0xE9, ops, addr, 5, resolve)
	case "call":
		return jmpOrCall(0xE8, ops, addr, 5, resolve)
	default:
		return nil, fmt.Errorf("unsupported mnemonic %q", mnemonic)
	}
}

func arithRegImm(mnemonic string, ops []string, resolve func(string) (uint32, error)) ([]byte, error) {
	if len(ops) != 2 {
		return nil, fmt.Errorf("%s needs 2 operands, got %d", mnemonic, len(ops))
	}
	dst, err := regOperand(ops, 0)
	if err != nil {
		return nil, err
	}
	imm, err := resolve(ops[1])
	if err != nil {
		return nil, err
	}
	var ext uint8
	switch strings.ToLower(mnemonic) {
	case "add":
		ext = 0
	case "sub":
		ext = 5
	case "cmp":
		ext = 7
	}
	modrm := 0xC0 | (ext << 3) | dst
	// Always encode as imm32 (opcode 0x81) for a length that never
	// depends on the immediate's magnitude, matching how mov/lea keep
	// placeholder-pass lengths stable.
	b := []byte{0x81, modrm, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(b[2:], imm)
	return b, nil
}

func jmpOrCall(opcode byte, ops []string, addr uint32, length int, resolve func(string) (uint32, error)) ([]byte, error) {
	if len(ops) != 1 {
		return nil, fmt.Errorf("expected 1 operand, got %d", len(ops))
	}
	target, err := resolve(ops[0])
	if err != nil {
		return nil, err
	}
	rel := int64(target) - int64(addr) - int64(length)
	b := make([]byte, length)
	b[0] = opcode
	binary.LittleEndian.PutUint32(b[1:], uint32(int32(rel)))
	return b, nil
}

func regOperand(ops []string, i int) (uint8, error) {
	if i >= len(ops) {
		return 0, fmt.Errorf("missing operand %d", i)
	}
	tok := strings.ToLower(strings.TrimSpace(ops[i]))
	enc, ok := register32[tok]
	if !ok {
		return 0, fmt.Errorf("not a register: %q", tok)
	}
	return enc, nil
}

func splitMnemonic(line string) (mnemonic, rest string) {
	line = strings.TrimSpace(line)
	i := strings.IndexAny(line, " \t")
	if i < 0 {
		return line, ""
	}
	return line[:i], strings.TrimSpace(line[i+1:])
}

func splitOperands(rest string) []string {
	if rest == "" {
		return nil
	}
	parts := strings.Split(rest, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// resolveValue parses tok as a register-free immediate/address: a decimal
// or 0x-hex literal, or a symbol name looked up in syms. In placeholder
// mode, an unresolved symbol yields 0 rather than an error so pass-1
// length computation never fails on a forward reference.
func resolveValue(tok string, syms map[string]uint32, placeholder bool) (uint32, error) {
	tok = strings.TrimSpace(tok)
	tok = strings.TrimPrefix(tok, "$")
	if n, err := parseNumber(tok); err == nil {
		return n, nil
	}
	if syms != nil {
		if v, ok := syms[tok]; ok {
			return v, nil
		}
	}
	if placeholder {
		return 0, nil
	}
	return 0, fmt.Errorf("undefined symbol %q", tok)
}

func parseNumber(tok string) (uint32, error) {
	neg := false
	if strings.HasPrefix(tok, "-") {
		neg = true
		tok = tok[1:]
	}
	var v uint64
	var err error
	if strings.HasPrefix(tok, "0x") || strings.HasPrefix(tok, "0X") {
		v, err = strconv.ParseUint(tok[2:], 16, 64)
	} else {
		v, err = strconv.ParseUint(tok, 10, 64)
	}
	if err != nil {
		return 0, err
	}
	if neg {
		return uint32(-int64(v)), nil
	}
	return uint32(v), nil
}
