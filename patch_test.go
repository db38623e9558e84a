package patcherex

import "testing"

func TestPatchRegistrationAppendsInCallOrder(t *testing.T) {
	p := &Patcher{}
	p.AddData([]byte{1, 2, 3}, "buf")
	p.InsertDetour(0x100, "inc eax")
	p.AddCode("ret", "fn")
	p.InlineReplace(0x200, "nop")

	if len(p.patches) != 4 {
		t.Fatalf("got %d patches, want 4", len(p.patches))
	}

	kinds := []patchKind{kindAddData, kindInsertDetour, kindAddCode, kindInlineReplace}
	for i, want := range kinds {
		if p.patches[i].Kind != want {
			t.Errorf("patches[%d].Kind = %v, want %v", i, p.patches[i].Kind, want)
		}
	}

	if p.patches[0].Name != "buf" {
		t.Errorf("AddData name = %q, want %q", p.patches[0].Name, "buf")
	}
	if p.patches[1].Addr != 0x100 || p.patches[1].Asm != "inc eax" {
		t.Errorf("InsertDetour patch = %+v", p.patches[1])
	}
	if p.patches[2].Name != "fn" || p.patches[2].Asm != "ret" {
		t.Errorf("AddCode patch = %+v", p.patches[2])
	}
	if p.patches[3].Addr != 0x200 || p.patches[3].Asm != "nop" {
		t.Errorf("InlineReplace patch = %+v", p.patches[3])
	}
}

func TestAddDataCopiesInput(t *testing.T) {
	p := &Patcher{}
	data := []byte{0xAA, 0xBB}
	p.AddData(data, "")
	data[0] = 0x00
	if p.patches[0].Data[0] != 0xAA {
		t.Error("AddData must copy its input, not alias the caller's slice")
	}
}
