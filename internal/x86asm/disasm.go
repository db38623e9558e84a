package x86asm

import (
	"encoding/binary"
	"fmt"

	"github.com/ITh4cker/patcherex"
)

// Disassembler is the concrete x86-32 decoder for the instruction subset
// Assembler emits, plus the handful of extra forms (conditional short
// jumps) real basic blocks commonly terminate with.
type Disassembler struct{}

// Decode decodes buf, loaded at base, into an ordered instruction list.
// Text is reconstructed from the decoded operands (never copied from
// input bytes), so round-tripping through Assemble and the movability
// oracle's three-base comparison are both meaningful.
func (Disassembler) Decode(buf []byte, base uint32) ([]patcherex.Instruction, error) {
	var out []patcherex.Instruction
	i := 0
	for i < len(buf) {
		addr := base + uint32(i)
		n, text, err := decodeOne(buf[i:], addr)
		if err != nil {
			return nil, fmt.Errorf("decode at %#x: %w", addr, err)
		}
		out = append(out, patcherex.Instruction{
			Addr:  addr,
			Bytes: append([]byte(nil), buf[i:i+n]...),
			Text:  text,
		})
		i += n
	}
	return out, nil
}

// decodeOne decodes a single instruction at buf[0:], returning its length
// in bytes and its canonical text form.
func decodeOne(buf []byte, addr uint32) (int, string, error) {
	if len(buf) == 0 {
		return 0, "", fmt.Errorf("empty buffer")
	}
	op := buf[0]

	switch {
	case op == 0x90:
		return 1, "nop", nil
	case op == 0xC3:
		return 1, "ret", nil
	case op >= 0x50 && op <= 0x57:
		return 1, "push " + regName(op-0x50), nil
	case op >= 0x58 && op <= 0x5F:
		return 1, "pop " + regName(op-0x58), nil
	case op == 0xFF:
		if len(buf) < 2 {
			return 0, "", fmt.Errorf("truncated 0xFF")
		}
		modrm := buf[1]
		reg := modrm & 0x7
		switch (modrm >> 3) & 0x7 {
		case 0:
			return 2, "inc " + regName(reg), nil
		case 1:
			return 2, "dec " + regName(reg), nil
		}
		return 0, "", fmt.Errorf("unsupported 0xFF /%d", (modrm>>3)&0x7)
	case op == 0x89:
		if len(buf) < 2 {
			return 0, "", fmt.Errorf("truncated 0x89")
		}
		modrm := buf[1]
		if modrm&0xC0 != 0xC0 {
			return 0, "", fmt.Errorf("only register-direct mov supported")
		}
		dst := modrm & 0x7
		src := (modrm >> 3) & 0x7
		return 2, fmt.Sprintf("mov %s, %s", regName(dst), regName(src)), nil
	case op >= 0xB8 && op <= 0xBF:
		if len(buf) < 5 {
			return 0, "", fmt.Errorf("truncated mov imm32")
		}
		imm := binary.LittleEndian.Uint32(buf[1:5])
		return 5, fmt.Sprintf("mov %s, %#x", regName(op-0xB8), imm), nil
	case op == 0x8D:
		if len(buf) < 6 {
			return 0, "", fmt.Errorf("truncated lea")
		}
		modrm := buf[1]
		if modrm&0xC7 != 0x05 {
			return 0, "", fmt.Errorf("only absolute-displacement lea supported")
		}
		reg := (modrm >> 3) & 0x7
		disp := binary.LittleEndian.Uint32(buf[2:6])
		return 6, fmt.Sprintf("lea %s, [%#x]", regName(reg), disp), nil
	case op == 0x81:
		if len(buf) < 6 {
			return 0, "", fmt.Errorf("truncated arith imm32")
		}
		modrm := buf[1]
		if modrm&0xC0 != 0xC0 {
			return 0, "", fmt.Errorf("only register-direct arith supported")
		}
		reg := modrm & 0x7
		ext := (modrm >> 3) & 0x7
		imm := binary.LittleEndian.Uint32(buf[2:6])
		mnem, err := arithMnemonic(ext)
		if err != nil {
			return 0, "", err
		}
		return 6, fmt.Sprintf("%s %s, %#x", mnem, regName(reg), imm), nil
	case op == 0x83:
		if len(buf) < 3 {
			return 0, "", fmt.Errorf("truncated arith imm8")
		}
		modrm := buf[1]
		if modrm&0xC0 != 0xC0 {
			return 0, "", fmt.Errorf("only register-direct arith supported")
		}
		reg := modrm & 0x7
		ext := (modrm >> 3) & 0x7
		imm := int32(int8(buf[2]))
		mnem, err := arithMnemonic(ext)
		if err != nil {
			return 0, "", err
		}
		return 3, fmt.Sprintf("%s %s, %#x", mnem, regName(reg), uint32(imm)), nil
	case op == 0xE9:
		if len(buf) < 5 {
			return 0, "", fmt.Errorf("truncated jmp rel32")
		}
		rel := int32(binary.LittleEndian.Uint32(buf[1:5]))
		target := addr + 5 + uint32(rel)
		return 5, fmt.Sprintf("jmp %#x", target), nil
	case op == 0xEB:
		if len(buf) < 2 {
			return 0, "", fmt.Errorf("truncated jmp rel8")
		}
		rel := int32(int8(buf[1]))
		target := addr + 2 + uint32(rel)
		return 2, fmt.Sprintf("jmp %#x", target), nil
	case op == 0xE8:
		if len(buf) < 5 {
			return 0, "", fmt.Errorf("truncated call rel32")
		}
		rel := int32(binary.LittleEndian.Uint32(buf[1:5]))
		target := addr + 5 + uint32(rel)
		return 5, fmt.Sprintf("call %#x", target), nil
	case op >= 0x70 && op <= 0x7F:
		if len(buf) < 2 {
			return 0, "", fmt.Errorf("truncated jcc rel8")
		}
		rel := int32(int8(buf[1]))
		target := addr + 2 + uint32(rel)
		return 2, fmt.Sprintf("%s %#x", jccMnemonic(op), target), nil
	default:
		return 0, "", fmt.Errorf("unsupported opcode %#x", op)
	}
}

func regName(enc byte) string {
	return register32Name[enc]
}

func arithMnemonic(ext byte) (string, error) {
	switch ext {
	case 0:
		return "add", nil
	case 5:
		return "sub", nil
	case 7:
		return "cmp", nil
	default:
		return "", fmt.Errorf("unsupported arith extension /%d", ext)
	}
}

func jccMnemonic(op byte) string {
	names := map[byte]string{
		0x70: "jo", 0x71: "jno", 0x72: "jb", 0x73: "jae",
		0x74: "je", 0x75: "jne", 0x76: "jbe", 0x77: "ja",
		0x78: "js", 0x79: "jns", 0x7A: "jp", 0x7B: "jnp",
		0x7C: "jl", 0x7D: "jge", 0x7E: "jle", 0x7F: "jg",
	}
	return names[op]
}
