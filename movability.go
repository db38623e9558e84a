package patcherex

import "strings"

// Movability probe bases: chosen to exercise low, mid, and
// high 32-bit address spaces so any base-dependent encoding shows up as a
// textual difference.
const (
	movabilityBaseLow  = 0x00000000
	movabilityBaseMid  = 0x07f00000
	movabilityBaseHigh = 0xfe000000
)

// isMovable reports whether instrBytes disassembles to the same textual
// mnemonic+operands (ignoring the address prefix) at three different base
// addresses. This is a conservative test: false negatives are acceptable,
// false positives are not.
func isMovable(dis Disassembler, instrBytes []byte) (bool, error) {
	text := func(base uint32) (string, error) {
		decoded, err := dis.Decode(instrBytes, base)
		if err != nil {
			return "", err
		}
		if len(decoded) == 0 {
			return "", assemblerErr(base, "disassembly produced no instructions")
		}
		return operandsOnly(decoded[0].Text), nil
	}

	t1, err := text(movabilityBaseLow)
	if err != nil {
		return false, err
	}
	t2, err := text(movabilityBaseMid)
	if err != nil {
		return false, err
	}
	t3, err := text(movabilityBaseHigh)
	if err != nil {
		return false, err
	}
	return t1 == t2 && t2 == t3, nil
}

// operandsOnly strips a leading "addr:" style prefix some disassemblers
// embed in Instruction.Text, leaving just mnemonic+operands for
// comparison. Disassemblers that never embed an address prefix are
// unaffected.
func operandsOnly(text string) string {
	fields := strings.Fields(text)
	if len(fields) > 0 && strings.HasSuffix(fields[0], ":") {
		fields = fields[1:]
	}
	return strings.Join(fields, " ")
}
