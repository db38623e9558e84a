package patcherex

// Segment is the exported, read-only view of one decoded program-header
// entry, for callers that want to inspect an input image's layout
// without going through a Patcher (for example, to build a CFG from the
// executable LOAD segments before calling New).
type Segment struct {
	Type   uint32
	Offset uint32
	Vaddr  uint32
	Paddr  uint32
	Filesz uint32
	Memsz  uint32
	Flags  uint32
	Align  uint32
}

// Exported p_type values, mirroring the unexported constants header.go
// validates against.
const (
	PTNull     = ptNull
	PTLoad     = ptLoad
	PTPHDR     = ptPHDR
	PTGNUStack = ptGNUStack
	PTCGCPOV2  = ptCGCPOV2
)

// DumpSegments parses content's fixed-layout ELF header and program
// header table and returns every decoded segment, without relocating
// anything or checking the patched marker.
func DumpSegments(content []byte) ([]Segment, error) {
	segs, err := dumpSegments(content)
	if err != nil {
		return nil, err
	}
	out := make([]Segment, len(segs))
	for i, s := range segs {
		out[i] = Segment(s)
	}
	return out, nil
}
