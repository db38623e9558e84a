// Command patcherex applies a patch script to a CGC-style ELF image and
// writes the patched result.
//
// Usage:
//
//	patcherex -in a.out -out a.out.patched -script patches.pex
//
// The script format is a small line-oriented DSL, one patch per block:
//
//	data NAME
//	hex DEADBEEF00
//	enddata
//
//	code NAME
//	mov eax, 0x1
//	ret
//	endcode
//
//	inline 0x8048123
//	inc eax
//	endinline
//
//	detour 0x8048456
//	mov ebx, 0x2a
//	enddetour
//
// Blank lines and lines starting with '#' are ignored everywhere.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/ITh4cker/patcherex"
	"github.com/ITh4cker/patcherex/internal/elfcfg"
	"github.com/ITh4cker/patcherex/internal/x86asm"
	kitlog "github.com/go-kit/log"
)

func main() {
	var (
		inPath      = flag.String("in", "", "input ELF image")
		outPath     = flag.String("out", "", "output path for the patched image")
		scriptPath  = flag.String("script", "", "patch script path")
		codeBase    = flag.Uint64("code-base", patcherex.DefaultCodeBase, "base VA of the added code segment")
		dataBase    = flag.Uint64("data-base", patcherex.DefaultDataBase, "base VA of the added data segment")
		verbose     = flag.Bool("v", false, "verbose mode (show per-phase compile tracing)")
		verboseLong = flag.Bool("verbose", false, "verbose mode (show per-phase compile tracing)")
	)
	flag.Parse()

	if *inPath == "" || *outPath == "" || *scriptPath == "" {
		fmt.Fprintln(os.Stderr, "usage: patcherex -in <elf> -out <elf> -script <patches.pex>")
		flag.PrintDefaults()
		os.Exit(2)
	}

	if err := run(*inPath, *outPath, *scriptPath, uint32(*codeBase), uint32(*dataBase), *verbose || *verboseLong); err != nil {
		logger := kitlog.NewLogfmtLogger(os.Stderr)
		logger.Log("msg", "patcherex: failed", "err", err)
		os.Exit(1)
	}
}

func run(inPath, outPath, scriptPath string, codeBase, dataBase uint32, verbose bool) error {
	script, err := os.ReadFile(scriptPath)
	if err != nil {
		return fmt.Errorf("reading script: %w", err)
	}
	ops, err := parseScript(string(script))
	if err != nil {
		return fmt.Errorf("parsing script: %w", err)
	}

	var asm x86asm.Assembler
	var dis x86asm.Disassembler

	content, err := os.ReadFile(inPath)
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	// A lightweight CFG built from the input's own LOAD(+X) content: good
	// enough for scripts that only touch instructions the input actually
	// contains. Callers who need a richer CFG should use the library
	// directly with their own patcherex.CFG.
	regions, err := executableRegions(content)
	if err != nil {
		return fmt.Errorf("scanning executable regions: %w", err)
	}
	cfg, err := elfcfg.Build(dis, regions)
	if err != nil {
		return fmt.Errorf("building cfg: %w", err)
	}

	p, err := patcherex.NewFromBytes(content, asm, dis, cfg,
		patcherex.WithCodeBase(codeBase),
		patcherex.WithDataBase(dataBase),
		patcherex.WithVerbose(verbose))
	if err != nil {
		return fmt.Errorf("opening image: %w", err)
	}

	for _, op := range ops {
		switch op.kind {
		case opData:
			p.AddData(op.data, op.name)
		case opCode:
			p.AddCode(op.asm, op.name)
		case opInline:
			p.InlineReplace(op.addr, op.asm)
		case opDetour:
			p.InsertDetour(op.addr, op.asm)
		}
	}

	if err := p.Compile(); err != nil {
		return fmt.Errorf("compiling: %w", err)
	}
	if err := p.Save(outPath); err != nil {
		return fmt.Errorf("saving: %w", err)
	}
	return nil
}

// executableRegions treats every LOAD segment with the executable flag
// bit (0x1) set as one sweep region, bounded by its file content.
func executableRegions(content []byte) ([]elfcfg.Region, error) {
	segs, err := patcherex.DumpSegments(content)
	if err != nil {
		return nil, err
	}
	var regions []elfcfg.Region
	for _, s := range segs {
		if s.Type != patcherex.PTLoad || s.Flags&0x1 == 0 {
			continue
		}
		end := s.Offset + s.Filesz
		if end > uint32(len(content)) {
			end = uint32(len(content))
		}
		if end <= s.Offset {
			continue
		}
		regions = append(regions, elfcfg.Region{Base: s.Vaddr, Code: content[s.Offset:end]})
	}
	return regions, nil
}

type opKind int

const (
	opData opKind = iota
	opCode
	opInline
	opDetour
)

type scriptOp struct {
	kind opKind
	name string
	data []byte
	asm  string
	addr uint32
}

func parseScript(text string) ([]scriptOp, error) {
	var ops []scriptOp
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "data":
			op, err := parseBlock(sc, opData, fields[1:])
			if err != nil {
				return nil, err
			}
			ops = append(ops, op)
		case "code":
			op, err := parseBlock(sc, opCode, fields[1:])
			if err != nil {
				return nil, err
			}
			ops = append(ops, op)
		case "inline":
			op, err := parseBlock(sc, opInline, fields[1:])
			if err != nil {
				return nil, err
			}
			ops = append(ops, op)
		case "detour":
			op, err := parseBlock(sc, opDetour, fields[1:])
			if err != nil {
				return nil, err
			}
			ops = append(ops, op)
		default:
			return nil, fmt.Errorf("unknown directive %q", fields[0])
		}
	}
	return ops, sc.Err()
}

var endFor = map[opKind]string{
	opData: "enddata", opCode: "endcode", opInline: "endinline", opDetour: "enddetour",
}

func parseBlock(sc *bufio.Scanner, kind opKind, args []string) (scriptOp, error) {
	op := scriptOp{kind: kind}
	switch kind {
	case opData, opCode:
		if len(args) != 1 {
			return op, fmt.Errorf("expected a name, got %v", args)
		}
		op.name = args[0]
	case opInline, opDetour:
		if len(args) != 1 {
			return op, fmt.Errorf("expected an address, got %v", args)
		}
		addr, err := parseAddr(args[0])
		if err != nil {
			return op, err
		}
		op.addr = addr
	}

	var body []string
	terminator := endFor[kind]
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), " \t")
		trimmed := strings.TrimSpace(line)
		if trimmed == terminator {
			goto done
		}
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		body = append(body, trimmed)
	}
	return op, fmt.Errorf("missing %s", terminator)

done:
	if kind == opData {
		data, err := parseDataBody(body)
		if err != nil {
			return op, err
		}
		op.data = data
		return op, nil
	}
	op.asm = strings.Join(body, "\n")
	return op, nil
}

func parseDataBody(lines []string) ([]byte, error) {
	var out []byte
	for _, l := range lines {
		fields := strings.Fields(l)
		if len(fields) != 2 || fields[0] != "hex" {
			return nil, fmt.Errorf("expected \"hex <digits>\", got %q", l)
		}
		hexDigits := fields[1]
		if len(hexDigits)%2 != 0 {
			return nil, fmt.Errorf("odd-length hex string %q", hexDigits)
		}
		for i := 0; i < len(hexDigits); i += 2 {
			var b byte
			if _, err := fmt.Sscanf(hexDigits[i:i+2], "%02x", &b); err != nil {
				return nil, fmt.Errorf("bad hex byte %q: %w", hexDigits[i:i+2], err)
			}
			out = append(out, b)
		}
	}
	return out, nil
}

func parseAddr(tok string) (uint32, error) {
	var v uint32
	tok = strings.TrimPrefix(tok, "0x")
	if _, err := fmt.Sscanf(tok, "%x", &v); err != nil {
		return 0, fmt.Errorf("bad address %q: %w", tok, err)
	}
	return v, nil
}
