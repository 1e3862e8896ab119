// annotate.go - post-decode annotation pass: symbol comments on branch
// targets and syscall-number comments on syscall instructions.
//
// Grounded on original_source/kernel/src/binary_analysis/disasm.rs's
// annotate_instructions, generalized to Go's closure-based injection
// instead of a hardcoded crate::transpiler::syscall_name call: the source
// tracks the most recent "mov eax/rax, imm" (or self-XOR-zero idiom) as a
// syscall-number candidate and, on a syscall mnemonic, resolves and
// attaches a "sys_<name> (<num>)" comment.

package decoder

import "strconv"

// AnnotateInstructions walks insns in order, attaching a symbol-name
// comment to branch targets found in symbols, and a syscall-name comment
// to syscall instructions whose number can be recovered from the
// preceding mov-into-eax/rax. syscallName resolves a syscall number to a
// name; it may be nil if no such resolution is available.
func AnnotateInstructions(insns []Instruction, symbols map[uint64]string, syscallName func(int64) (string, bool)) {
	var pendingSyscallNum int64
	havePending := false

	for i := range insns {
		insn := &insns[i]

		if insn.HasBranchTarget {
			if name, ok := symbols[insn.BranchTarget]; ok {
				insn.Comment = "<" + name + ">"
			}
		}

		if num, ok := movEaxImm(insn); ok {
			pendingSyscallNum = num
			havePending = true
		} else if isXorSelfZero(insn, "eax") || isXorSelfZero(insn, "rax") {
			pendingSyscallNum = 0
			havePending = true
		}

		if insn.Mnemonic == "syscall" && havePending && syscallName != nil {
			if name, ok := syscallName(pendingSyscallNum); ok {
				insn.Comment = "sys_" + name + " (" + strconv.FormatInt(pendingSyscallNum, 10) + ")"
			}
			havePending = false
		}
	}
}

// movEaxImm recognizes "mov eax, <imm>" / "mov rax, <imm>" and recovers
// the immediate by re-parsing the already-formatted operand string,
// mirroring the source's parse_imm_str round-trip.
func movEaxImm(insn *Instruction) (int64, bool) {
	if insn.Mnemonic != "mov" {
		return 0, false
	}
	const eaxPrefix = "eax, "
	const raxPrefix = "rax, "
	var rest string
	switch {
	case len(insn.Operands) > len(eaxPrefix) && insn.Operands[:len(eaxPrefix)] == eaxPrefix:
		rest = insn.Operands[len(eaxPrefix):]
	case len(insn.Operands) > len(raxPrefix) && insn.Operands[:len(raxPrefix)] == raxPrefix:
		rest = insn.Operands[len(raxPrefix):]
	default:
		return 0, false
	}
	return parseImmStr(rest)
}

func isXorSelfZero(insn *Instruction, reg string) bool {
	if insn.Mnemonic != "xor" {
		return false
	}
	return insn.Operands == reg+", "+reg
}

// parseImmStr inverts formatImm/formatAddr: "0x.."/"-0x.."/decimal back
// to a signed value.
func parseImmStr(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	neg := false
	if s[0] == '-' {
		neg = true
		s = s[1:]
	}
	var v int64
	var err error
	if len(s) > 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		u, e := strconv.ParseUint(s[2:], 16, 64)
		v, err = int64(u), e
	} else {
		v, err = strconv.ParseInt(s, 10, 64)
	}
	if err != nil {
		return 0, false
	}
	if neg {
		v = -v
	}
	return v, true
}
