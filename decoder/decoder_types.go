// decoder_types.go - Instruction record, register tables, and Intel-syntax
// formatting helpers.
//
// Register tables and condition-code names are grounded directly on
// original_source/kernel/src/binary_analysis/disasm.rs's REG64/REG32/
// REG16/REG8/REG8_NOREX/CC_NAMES constants; code shape (giant opcode
// switch, reader-closure-plus-cursor struct) generalizes the teacher's
// 32-bit x86Disasm in debug_disasm_x86.go to 64-bit operands, REX, and
// RIP-relative addressing.

package decoder

import "fmt"

// Instruction is one decoded x86_64 instruction.
type Instruction struct {
	Address      uint64
	Bytes        []byte
	Mnemonic     string
	Operands     string
	Comment      string // "" when absent
	BranchTarget uint64
	HasBranchTarget bool

	IsCall     bool
	IsRet      bool
	IsJump     bool
	IsCondJump bool
}

var reg64 = [16]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

var reg32 = [16]string{
	"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi",
	"r8d", "r9d", "r10d", "r11d", "r12d", "r13d", "r14d", "r15d",
}

var reg16 = [16]string{
	"ax", "cx", "dx", "bx", "sp", "bp", "si", "di",
	"r8w", "r9w", "r10w", "r11w", "r12w", "r13w", "r14w", "r15w",
}

var reg8 = [16]string{
	"al", "cl", "dl", "bl", "spl", "bpl", "sil", "dil",
	"r8b", "r9b", "r10b", "r11b", "r12b", "r13b", "r14b", "r15b",
}

var reg8NoREX = [8]string{"al", "cl", "dl", "bl", "ah", "ch", "dh", "bh"}

// ccNames are the sixteen Jcc/SETcc/CMOVcc condition mnemonics, indexed by
// the 4-bit condition code embedded in the opcode.
var ccNames = [16]string{
	"o", "no", "b", "nb", "z", "nz", "be", "a",
	"s", "ns", "p", "np", "l", "nl", "le", "g",
}

// regName resolves a (possibly REX-extended) register index to its Intel
// mnemonic at the given operand width. hasREX gates the 8-bit low-byte
// table: without a REX prefix, indices 4-7 name ah/ch/dh/bh; with one,
// they name spl/bpl/sil/dil and indices 8-15 become accessible.
func regName(idx uint8, size uint8, hasREX bool) string {
	i := idx & 0x0F
	switch size {
	case 8:
		return reg64[i]
	case 4:
		return reg32[i]
	case 2:
		return reg16[i]
	case 1:
		if hasREX {
			return reg8[i]
		}
		return reg8NoREX[i&7]
	default:
		return "?"
	}
}

func sizePrefix(size uint8) string {
	switch size {
	case 8:
		return "qword"
	case 4:
		return "dword"
	case 2:
		return "word"
	case 1:
		return "byte"
	default:
		return ""
	}
}

// formatImm renders an immediate the way the original decoder does:
// values 0..9 in decimal, larger ones in "0x" hex, and negative ones in
// hex with a leading '-'.
func formatImm(v int64) string {
	if v >= 0 && v <= 9 {
		return fmt.Sprintf("%d", v)
	}
	if v >= 0 {
		return fmt.Sprintf("0x%x", v)
	}
	return fmt.Sprintf("-0x%x", -v)
}

func formatAddr(v uint64) string {
	return fmt.Sprintf("0x%x", v)
}
