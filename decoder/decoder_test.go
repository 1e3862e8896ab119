// decoder_test.go - end-to-end decode scenarios and progress invariants,
// grounded on spec.md §8's testable properties.

package decoder

import "testing"

func TestDisassembleNop(t *testing.T) {
	d := New([]byte{0x90}, 0x1000)
	insns := d.Disassemble(1)
	if len(insns) != 1 {
		t.Fatalf("got %d instructions, want 1", len(insns))
	}
	if insns[0].Mnemonic != "nop" {
		t.Fatalf("got mnemonic %q, want nop", insns[0].Mnemonic)
	}
	if len(insns[0].Bytes) != 1 {
		t.Fatalf("got %d bytes, want 1", len(insns[0].Bytes))
	}
}

func TestDisassembleCallRel32(t *testing.T) {
	d := New([]byte{0xE8, 0x00, 0x00, 0x00, 0x00}, 0x1000)
	insns := d.Disassemble(1)
	if len(insns) != 1 {
		t.Fatalf("got %d instructions, want 1", len(insns))
	}
	insn := insns[0]
	if insn.Mnemonic != "call" || !insn.IsCall {
		t.Fatalf("got mnemonic %q isCall=%v, want call/true", insn.Mnemonic, insn.IsCall)
	}
	if !insn.HasBranchTarget || insn.BranchTarget != 0x1005 {
		t.Fatalf("got branch target %#x (has=%v), want 0x1005", insn.BranchTarget, insn.HasBranchTarget)
	}
}

func TestDisassembleMovRbpRsp(t *testing.T) {
	d := New([]byte{0x48, 0x89, 0xE5}, 0x1000)
	insns := d.Disassemble(1)
	if len(insns) != 1 {
		t.Fatalf("got %d instructions, want 1", len(insns))
	}
	insn := insns[0]
	if insn.Mnemonic != "mov" {
		t.Fatalf("got mnemonic %q, want mov", insn.Mnemonic)
	}
	if insn.Operands != "rbp, rsp" {
		t.Fatalf("got operands %q, want %q", insn.Operands, "rbp, rsp")
	}
	if len(insn.Bytes) != 3 {
		t.Fatalf("got %d bytes, want 3", len(insn.Bytes))
	}
}

func TestDisassembleTruncatedFallsBackToDB(t *testing.T) {
	d := New([]byte{0xFF}, 0x1000)
	insns := d.Disassemble(1)
	if len(insns) != 1 {
		t.Fatalf("got %d instructions, want 1", len(insns))
	}
	insn := insns[0]
	if insn.Mnemonic != "db" {
		t.Fatalf("got mnemonic %q, want db", insn.Mnemonic)
	}
	if len(insn.Bytes) != 1 {
		t.Fatalf("got %d bytes, want 1", len(insn.Bytes))
	}
}

func TestDisassembleEmptyInputYieldsNoInstructions(t *testing.T) {
	d := New(nil, 0x1000)
	insns := d.DisassembleAll()
	if len(insns) != 0 {
		t.Fatalf("got %d instructions, want 0", len(insns))
	}
}

func TestDisassembleAlwaysMakesProgress(t *testing.T) {
	// A run of invalid/undefined opcodes must still advance at least one
	// byte per instruction and never loop forever.
	code := []byte{0x0F, 0xFF, 0x0F, 0xFF, 0x0F, 0xFF}
	d := New(code, 0x2000)
	insns := d.DisassembleAll()
	if len(insns) == 0 {
		t.Fatal("expected at least one instruction")
	}
	total := 0
	for _, insn := range insns {
		if len(insn.Bytes) == 0 {
			t.Fatal("instruction consumed zero bytes")
		}
		total += len(insn.Bytes)
	}
	if total != len(code) {
		t.Fatalf("consumed %d bytes, want %d", total, len(code))
	}
}

func TestDisassembleAllRespectsLimit(t *testing.T) {
	code := make([]byte, 10)
	for i := range code {
		code[i] = 0x90
	}
	d := New(code, 0x3000)
	insns := d.Disassemble(3)
	if len(insns) != 3 {
		t.Fatalf("got %d instructions, want 3", len(insns))
	}
}

func TestAnnotateInstructionsAttachesBranchSymbol(t *testing.T) {
	d := New([]byte{0xE8, 0x00, 0x00, 0x00, 0x00}, 0x1000)
	insns := d.Disassemble(1)
	symbols := map[uint64]string{0x1005: "target_fn"}
	AnnotateInstructions(insns, symbols, nil)
	if insns[0].Comment != "<target_fn>" {
		t.Fatalf("got comment %q, want <target_fn>", insns[0].Comment)
	}
}

func TestAnnotateInstructionsResolvesSyscallNumber(t *testing.T) {
	code := []byte{
		0xB8, 0x3C, 0x00, 0x00, 0x00, // mov eax, 60
		0x0F, 0x05, // syscall
	}
	d := New(code, 0x4000)
	insns := d.DisassembleAll()
	names := map[int64]string{60: "exit"}
	AnnotateInstructions(insns, nil, func(n int64) (string, bool) {
		name, ok := names[n]
		return name, ok
	})
	var found bool
	for _, insn := range insns {
		if insn.Mnemonic == "syscall" {
			found = true
			if insn.Comment != "sys_exit (60)" {
				t.Fatalf("got comment %q, want sys_exit (60)", insn.Comment)
			}
		}
	}
	if !found {
		t.Fatal("expected a syscall instruction")
	}
}
