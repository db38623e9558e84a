package patcherex

import (
	"sort"
	"strings"
)

const trampolineSize = 5

// insertDetour is the detour engine: it picks a 5-byte
// trampoline slot inside the block containing patch.Addr, classifies the
// instructions displaced by that trampoline, emits the pre/custom/culprit/
// post/jump-back stub, and writes the NOPs + jump back into the original
// block.
func (p *Patcher) insertDetour(pt *patch) error {
	A := pt.Addr

	// Step 1 - locate block and decode it.
	block, err := p.blocks.blockContaining(A)
	if err != nil {
		return err
	}
	if other, conflict := p.detouredBlocks[block.Start]; conflict {
		return &DetourConflictError{Addr: A, OtherAddr: other}
	}

	raw, err := p.image.read(block.Start, block.Size)
	if err != nil {
		return err
	}
	insts, err := p.dis.Decode(raw, block.Start)
	if err != nil {
		return assemblerErr(A, err.Error())
	}
	if len(insts) == 0 {
		return detourErr(A, "block decoded to no instructions")
	}

	p.log.Debugf("detour %#x: block=%#x size=%d insts=%d", A, block.Start, block.Size, len(insts))

	// Step 2 - determine the movable window.
	last := insts[len(insts)-1]
	lastMovable, err := isMovable(p.dis, last.Bytes)
	if err != nil {
		return assemblerErr(A, err.Error())
	}
	var window []Instruction
	if lastMovable {
		window = insts
	} else {
		window = insts[:len(insts)-1]
	}
	if len(window) == 0 {
		return detourErr(A, "no movable instructions")
	}
	wStart := window[0].Addr
	wEnd := wStart
	for _, in := range window {
		wEnd += uint32(len(in.Bytes))
	}

	// Step 3 - choose the trampoline slot.
	var D uint32
	found := false
	for off := -trampolineSize; off <= 0; off++ {
		d := int64(A) + int64(off)
		if d < 0 {
			continue
		}
		start := uint32(d)
		end := start + trampolineSize
		if start >= wStart && end <= wEnd {
			D = start
			found = true
			break
		}
	}
	if !found {
		return detourErr(A, "no space in bb")
	}
	omegaStart, omegaEnd := D, D+trampolineSize

	// Step 4 - classify displaced instructions.
	var pre, post []Instruction
	var culprit *Instruction
	anyNonOut := false
	for i := range window {
		in := &window[i]
		iStart, iEnd := in.Addr, in.End()
		if iEnd <= omegaStart || iStart >= omegaEnd {
			in.Overwritten = OverwrittenOut
			continue
		}
		anyNonOut = true
		switch {
		case in.Addr < A:
			in.Overwritten = OverwrittenPre
			pre = append(pre, *in)
		case in.Addr == A:
			in.Overwritten = OverwrittenCulprit
			c := *in
			culprit = &c
		default:
			in.Overwritten = OverwrittenPost
			post = append(post, *in)
		}
	}
	if !anyNonOut {
		return detourErr(A, "no instruction overlaps the trampoline range")
	}

	// Every non-out instruction must itself be movable, not just the
	// block terminator.
	for _, in := range append(append(append([]Instruction{}, pre...), post...), derefOrEmpty(culprit)...) {
		movable, err := isMovable(p.dis, in.Bytes)
		if err != nil {
			return assemblerErr(A, err.Error())
		}
		if !movable {
			return detourErr(A, "non-movable instruction in overwritten range")
		}
	}

	sort.Slice(pre, func(i, j int) bool { return pre[i].Addr < pre[j].Addr })
	sort.Slice(post, func(i, j int) bool { return post[i].Addr < post[j].Addr })

	// Step 5 - NOP out every overlapped instruction.
	for _, in := range window {
		if in.Overwritten == OverwrittenOut {
			continue
		}
		if err := p.image.patch(in.Addr, nopBytes(len(in.Bytes))); err != nil {
			return err
		}
	}

	// Step 6 - emit the trampoline jump.
	jmp, err := p.asm.EmitJmp(D, p.currCodeVA)
	if err != nil {
		return assemblerErr(D, err.Error())
	}
	if err := p.image.patch(D, jmp[:]); err != nil {
		return err
	}

	// Step 7 - build the relocation stub text.
	jmpBackTarget := highestNonOutEnd(window)
	stub := buildStubText(pre, culprit, post, pt.Asm, jmpBackTarget)
	p.log.Debugf("detour %#x: trampoline at %#x -> stub at %#x, jmp back to %#x", A, D, p.currCodeVA, jmpBackTarget)

	// Step 8 - assemble and append the stub.
	stubBytes, err := p.asm.Assemble(stub, p.currCodeVA, p.symbols)
	if err != nil {
		return assemblerErr(p.currCodeVA, err.Error())
	}
	p.image.append(stubBytes)
	p.currCodeVA += uint32(len(stubBytes))
	p.currFileOff += len(stubBytes)

	p.detouredBlocks[block.Start] = A
	return nil
}

func derefOrEmpty(in *Instruction) []Instruction {
	if in == nil {
		return nil
	}
	return []Instruction{*in}
}

// highestNonOutEnd returns the address immediately after the highest
// addressed non-out instruction in window: the resumption point for the
// jump back.
func highestNonOutEnd(window []Instruction) uint32 {
	var target uint32
	found := false
	for i := len(window) - 1; i >= 0; i-- {
		if window[i].Overwritten != OverwrittenOut {
			target = window[i].End()
			found = true
			break
		}
	}
	if !found {
		return 0
	}
	return target
}

func nopBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 0x90
	}
	return b
}

// buildStubText assembles the stub source in order: padding nops,
// pre-instructions, the user's injected code, the culprit, the
// post-instructions, and the jump back.
func buildStubText(pre []Instruction, culprit *Instruction, post []Instruction, userAsm string, jmpBackTarget uint32) string {
	var lines []string
	for i := 0; i < 5; i++ {
		lines = append(lines, "nop")
	}
	for _, in := range pre {
		lines = append(lines, in.Text)
	}
	lines = append(lines, "; --- custom code start")
	lines = append(lines, userAsm)
	lines = append(lines, "; --- custom code end")
	if culprit != nil {
		lines = append(lines, culprit.Text)
	}
	for _, in := range post {
		lines = append(lines, in.Text)
	}
	lines = append(lines, "jmp "+hexAddr(jmpBackTarget))

	nonEmpty := lines[:0]
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			nonEmpty = append(nonEmpty, l)
		}
	}
	return strings.Join(nonEmpty, "\n")
}

func hexAddr(v uint32) string {
	const hexdigits = "0123456789abcdef"
	if v == 0 {
		return "0x0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = hexdigits[v&0xf]
		v >>= 4
	}
	return "0x" + string(buf[i:])
}
