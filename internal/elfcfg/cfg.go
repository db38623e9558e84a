// Package elfcfg is a reference control-flow-graph provider for
// patcherex: a linear sweep over one or more executable regions that
// recovers basic-block boundaries good enough to drive and test the
// detour engine. It is explicitly not a production CFG recovery engine
// (no function detection, no indirect-branch resolution, no handling of
// data interleaved with code) — the CFG provider is an external
// collaborator behind an interface, and this is one implementation of it.
package elfcfg

import (
	"regexp"
	"sort"
	"strconv"

	"github.com/ITh4cker/patcherex"
)

// Region is one executable span to sweep: Code loaded at virtual address
// Base.
type Region struct {
	Base uint32
	Code []byte
}

// CFG is a patcherex.CFG built by sweeping each Region once.
type CFG struct {
	blocks []patcherex.Block
}

// Build decodes every region with dis and splits it into basic blocks: a
// block ends after a ret/jmp/call/conditional-jump, and a new block
// begins at the instruction after any terminator as well as at any
// in-range jump/call target, so every such target gets its own block
// entry.
func Build(dis patcherex.Disassembler, regions []Region) (*CFG, error) {
	var blocks []patcherex.Block
	for _, r := range regions {
		rb, err := sweep(dis, r)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, rb...)
	}
	return &CFG{blocks: blocks}, nil
}

func sweep(dis patcherex.Disassembler, r Region) ([]patcherex.Block, error) {
	insts, err := dis.Decode(r.Code, r.Base)
	if err != nil {
		return nil, err
	}
	if len(insts) == 0 {
		return nil, nil
	}

	regionEnd := r.Base + uint32(len(r.Code))
	starts := map[uint32]bool{r.Base: true}

	for i, in := range insts {
		if !isTerminator(in.Text) {
			continue
		}
		if i+1 < len(insts) {
			starts[insts[i+1].Addr] = true
		}
		if target, ok := branchTarget(in.Text); ok && target >= r.Base && target < regionEnd {
			starts[target] = true
		}
	}

	sorted := make([]uint32, 0, len(starts))
	for s := range starts {
		sorted = append(sorted, s)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	blocks := make([]patcherex.Block, 0, len(sorted))
	for idx, start := range sorted {
		end := regionEnd
		if idx+1 < len(sorted) {
			end = sorted[idx+1]
		}
		var addrs []uint32
		for _, in := range insts {
			if in.Addr >= start && in.Addr < end {
				addrs = append(addrs, in.Addr)
			}
		}
		if len(addrs) == 0 {
			continue
		}
		blocks = append(blocks, patcherex.Block{
			Start:             start,
			Size:              end - start,
			InstructionAddrs: addrs,
		})
	}
	return blocks, nil
}

var jumpTargetRE = regexp.MustCompile(`(?:jmp|call|j[a-z]{1,2}) (0x[0-9a-fA-F]+)$`)

func branchTarget(text string) (uint32, bool) {
	m := jumpTargetRE.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseUint(m[1][2:], 16, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

func isTerminator(text string) bool {
	_, isBranch := branchTarget(text)
	return isBranch || text == "ret"
}

// Blocks implements patcherex.CFG.
func (c *CFG) Blocks() []patcherex.Block {
	return c.blocks
}
