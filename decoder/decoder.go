// decoder.go - x86_64 instruction decoder: prefix/REX parsing, single-byte
// and two-byte opcode tables, ModR/M+SIB+displacement decode, Intel-syntax
// formatting, and branch-target computation.
//
// Ported one-for-one from original_source/kernel/src/binary_analysis/
// disasm.rs's Disassembler (decode_one/decode_0f/decode_modrm_operands/
// decode_rm/decode_sib/decode_alu_rm/decode_group1/decode_shift/
// decode_group_fe/decode_group3), generalizing the teacher's 32-bit
// x86Disasm (debug_disasm_x86.go) to REX, 64-bit operands, and the 0F
// table the teacher's 386 target never needed. The source's leak_str
// workaround for 'static mnemonic lifetimes has no Go analog (see
// DESIGN.md Open Question #3) and is simply an owned string here.

package decoder

// Disassembler decodes a byte slice as x86_64 machine code starting at a
// given base virtual address.
type Disassembler struct {
	code []byte
	base uint64
	pos  int
}

// New constructs a Disassembler over code, addressed starting at baseAddr.
func New(code []byte, baseAddr uint64) *Disassembler {
	return &Disassembler{code: code, base: baseAddr}
}

// Disassemble decodes up to limit instructions starting at the current
// position.
func (d *Disassembler) Disassemble(limit int) []Instruction {
	var out []Instruction
	for d.pos < len(d.code) && len(out) < limit {
		out = append(out, d.decodeOne())
	}
	return out
}

// DisassembleAll decodes the remainder of the code, bounded at 8192
// instructions (grounded on original_source/disasm.rs's disassemble_all).
func (d *Disassembler) DisassembleAll() []Instruction {
	return d.Disassemble(8192)
}

// decodeResult carries one opcode case's output before the shared
// success path builds an Instruction; a nil result means "unrecognized
// opcode", triggering the db fallback.
type decodeResult struct {
	mnemonic   string
	operands   string
	target     uint64
	hasTarget  bool
	isCall     bool
	isRet      bool
	isJump     bool
	isCondJump bool
}

func simple(mnemonic string) *decodeResult { return &decodeResult{mnemonic: mnemonic} }

func withOperands(mnemonic, operands string) *decodeResult {
	return &decodeResult{mnemonic: mnemonic, operands: operands}
}

func (d *Disassembler) decodeOne() Instruction {
	start := d.pos
	addr := d.base + uint64(start)

	has66, has67, hasF2, hasF3 := false, false, false, false

	for d.pos < len(d.code) {
		switch d.code[d.pos] {
		case 0x66:
			has66 = true
			d.pos++
		case 0x67:
			has67 = true
			d.pos++
		case 0xF2:
			hasF2 = true
			d.pos++
		case 0x26, 0x2E, 0x36, 0x3E, 0x64, 0x65:
			d.pos++
		case 0xF3:
			hasF3 = true
			d.pos++
		default:
			goto prefixesDone
		}
		if d.pos-start >= 4 {
			break
		}
	}
prefixesDone:
	_ = has67

	if d.pos >= len(d.code) {
		return d.makeDB(start, addr)
	}

	var rex uint8
	hasREX := false
	if b := d.code[d.pos]; b >= 0x40 && b <= 0x4F {
		rex = b
		d.pos++
		hasREX = true
	}
	rexW := rex&0x08 != 0
	rexR := rex&0x04 != 0
	rexX := rex&0x02 != 0
	rexB := rex&0x01 != 0

	var opSize uint8
	switch {
	case rexW:
		opSize = 8
	case has66:
		opSize = 2
	default:
		opSize = 4
	}

	if d.pos >= len(d.code) {
		return d.makeDB(start, addr)
	}

	opcode := d.code[d.pos]
	d.pos++

	if opcode == 0x0F {
		return d.decode0F(start, addr, rexR, rexB, rexX, opSize, hasREX)
	}

	result := d.decodeOpcode(opcode, opSize, hasREX, rexW, rexR, rexB, rexX, hasF2, hasF3, start, addr)
	if result == nil {
		return d.makeDB(start, addr)
	}
	return d.finish(start, addr, result)
}

func (d *Disassembler) finish(start int, addr uint64, r *decodeResult) Instruction {
	bytes := append([]byte(nil), d.code[start:d.pos]...)
	return Instruction{
		Address:         addr,
		Bytes:           bytes,
		Mnemonic:        r.mnemonic,
		Operands:        r.operands,
		BranchTarget:    r.target,
		HasBranchTarget: r.hasTarget,
		IsCall:          r.isCall,
		IsRet:           r.isRet,
		IsJump:          r.isJump,
		IsCondJump:      r.isCondJump,
	}
}

func (d *Disassembler) relTarget(start int, addr uint64, rel int64) uint64 {
	return uint64(int64(addr) + int64(d.pos-start) + rel)
}

// decodeOpcode dispatches the single-byte opcode table (spec.md §4.5 item 4).
func (d *Disassembler) decodeOpcode(opcode uint8, opSize uint8, hasREX, rexW, rexR, rexB, rexX bool, hasF2, hasF3 bool, start int, addr uint64) *decodeResult {
	switch {
	case opcode == 0x90:
		return simple("nop")
	case opcode == 0xC3:
		return &decodeResult{mnemonic: "ret", isRet: true}
	case opcode == 0xC2:
		imm, _ := d.readU16()
		return &decodeResult{mnemonic: "ret", operands: formatImm(int64(imm)), isRet: true}
	case opcode == 0xCC:
		return simple("int3")
	case opcode == 0xCD:
		imm, _ := d.readU8()
		return withOperands("int", formatImm(int64(imm)))
	case opcode == 0xF4:
		return simple("hlt")
	case opcode == 0xF8:
		return simple("clc")
	case opcode == 0xF9:
		return simple("stc")
	case opcode == 0xFA:
		return simple("cli")
	case opcode == 0xFB:
		return simple("sti")
	case opcode == 0xFC:
		return simple("cld")
	case opcode == 0xFD:
		return simple("std")
	case opcode == 0xC9:
		return simple("leave")
	case opcode == 0x99:
		if rexW {
			return simple("cqo")
		}
		return simple("cdq")
	case opcode == 0x98:
		switch {
		case rexW:
			return simple("cdqe")
		case opSize == 2:
			return simple("cbw")
		default:
			return simple("cwde")
		}

	case opcode >= 0x50 && opcode <= 0x57:
		r := (opcode - 0x50) | extBit(rexB)
		return withOperands("push", regName(r, 8, hasREX))
	case opcode >= 0x58 && opcode <= 0x5F:
		r := (opcode - 0x58) | extBit(rexB)
		return withOperands("pop", regName(r, 8, hasREX))
	case opcode == 0x6A:
		imm, _ := d.readI8()
		return withOperands("push", formatImm(int64(imm)))
	case opcode == 0x68:
		imm, _ := d.readI32()
		return withOperands("push", formatImm(int64(imm)))

	case opcode >= 0xB0 && opcode <= 0xB7:
		r := (opcode - 0xB0) | extBit(rexB)
		imm, _ := d.readU8()
		return withOperands("mov", regName(r, 1, hasREX)+", "+formatImm(int64(imm)))
	case opcode >= 0xB8 && opcode <= 0xBF:
		r := (opcode - 0xB8) | extBit(rexB)
		var imm int64
		if rexW {
			v, _ := d.readI64()
			imm = v
		} else {
			v, _ := d.readI32()
			imm = int64(v)
		}
		return withOperands("mov", regName(r, opSize, hasREX)+", "+formatImm(imm))

	case opcode >= 0x91 && opcode <= 0x97:
		r := (opcode - 0x90) | extBit(rexB)
		return withOperands("xchg", regName(0, opSize, hasREX)+", "+regName(r, opSize, hasREX))

	case opcode == 0xE8:
		rel, _ := d.readI32()
		target := d.relTarget(start, addr, int64(rel))
		return &decodeResult{mnemonic: "call", operands: formatAddr(target), target: target, hasTarget: true, isCall: true}
	case opcode == 0xE9:
		rel, _ := d.readI32()
		target := d.relTarget(start, addr, int64(rel))
		return &decodeResult{mnemonic: "jmp", operands: formatAddr(target), target: target, hasTarget: true, isJump: true}
	case opcode == 0xEB:
		rel, _ := d.readI8()
		target := d.relTarget(start, addr, int64(rel))
		return &decodeResult{mnemonic: "jmp", operands: formatAddr(target), target: target, hasTarget: true, isJump: true}

	case opcode >= 0x70 && opcode <= 0x7F:
		cc := opcode - 0x70
		rel, _ := d.readI8()
		target := d.relTarget(start, addr, int64(rel))
		return &decodeResult{mnemonic: "j" + ccNames[cc], operands: formatAddr(target), target: target, hasTarget: true, isCondJump: true}

	case opcode == 0xE0:
		rel, _ := d.readI8()
		target := d.relTarget(start, addr, int64(rel))
		return &decodeResult{mnemonic: "loopne", operands: formatAddr(target), target: target, hasTarget: true, isCondJump: true}
	case opcode == 0xE1:
		rel, _ := d.readI8()
		target := d.relTarget(start, addr, int64(rel))
		return &decodeResult{mnemonic: "loope", operands: formatAddr(target), target: target, hasTarget: true, isCondJump: true}
	case opcode == 0xE2:
		rel, _ := d.readI8()
		target := d.relTarget(start, addr, int64(rel))
		return &decodeResult{mnemonic: "loop", operands: formatAddr(target), target: target, hasTarget: true, isCondJump: true}

	case opcode == 0x00 || opcode == 0x01 || opcode == 0x02 || opcode == 0x03:
		return d.decodeAluRM(opcode, "add", opSize, hasREX, rexR, rexB, rexX)
	case opcode == 0x08 || opcode == 0x09 || opcode == 0x0A || opcode == 0x0B:
		return d.decodeAluRM(opcode, "or", opSize, hasREX, rexR, rexB, rexX)
	case opcode == 0x10 || opcode == 0x11 || opcode == 0x12 || opcode == 0x13:
		return d.decodeAluRM(opcode, "adc", opSize, hasREX, rexR, rexB, rexX)
	case opcode == 0x18 || opcode == 0x19 || opcode == 0x1A || opcode == 0x1B:
		return d.decodeAluRM(opcode, "sbb", opSize, hasREX, rexR, rexB, rexX)
	case opcode == 0x20 || opcode == 0x21 || opcode == 0x22 || opcode == 0x23:
		return d.decodeAluRM(opcode, "and", opSize, hasREX, rexR, rexB, rexX)
	case opcode == 0x28 || opcode == 0x29 || opcode == 0x2A || opcode == 0x2B:
		return d.decodeAluRM(opcode, "sub", opSize, hasREX, rexR, rexB, rexX)
	case opcode == 0x30 || opcode == 0x31 || opcode == 0x32 || opcode == 0x33:
		return d.decodeAluRM(opcode, "xor", opSize, hasREX, rexR, rexB, rexX)
	case opcode == 0x38 || opcode == 0x39 || opcode == 0x3A || opcode == 0x3B:
		return d.decodeAluRM(opcode, "cmp", opSize, hasREX, rexR, rexB, rexX)

	case opcode == 0x04:
		imm, _ := d.readU8()
		return withOperands("add", "al, "+formatImm(int64(imm)))
	case opcode == 0x05:
		imm, _ := d.readI32()
		return withOperands("add", regName(0, opSize, hasREX)+", "+formatImm(int64(imm)))
	case opcode == 0x0C:
		imm, _ := d.readU8()
		return withOperands("or", "al, "+formatImm(int64(imm)))
	case opcode == 0x0D:
		imm, _ := d.readI32()
		return withOperands("or", regName(0, opSize, hasREX)+", "+formatImm(int64(imm)))
	case opcode == 0x24:
		imm, _ := d.readU8()
		return withOperands("and", "al, "+formatImm(int64(imm)))
	case opcode == 0x25:
		imm, _ := d.readI32()
		return withOperands("and", regName(0, opSize, hasREX)+", "+formatImm(int64(imm)))
	case opcode == 0x2C:
		imm, _ := d.readU8()
		return withOperands("sub", "al, "+formatImm(int64(imm)))
	case opcode == 0x2D:
		imm, _ := d.readI32()
		return withOperands("sub", regName(0, opSize, hasREX)+", "+formatImm(int64(imm)))
	case opcode == 0x34:
		imm, _ := d.readU8()
		return withOperands("xor", "al, "+formatImm(int64(imm)))
	case opcode == 0x35:
		imm, _ := d.readI32()
		return withOperands("xor", regName(0, opSize, hasREX)+", "+formatImm(int64(imm)))
	case opcode == 0x3C:
		imm, _ := d.readU8()
		return withOperands("cmp", "al, "+formatImm(int64(imm)))
	case opcode == 0x3D:
		imm, _ := d.readI32()
		return withOperands("cmp", regName(0, opSize, hasREX)+", "+formatImm(int64(imm)))

	case opcode == 0x84:
		rm, reg := d.decodeModRMOperands(1, hasREX, rexR, rexB, rexX)
		return withOperands("test", rm+", "+reg)
	case opcode == 0x85:
		rm, reg := d.decodeModRMOperands(opSize, hasREX, rexR, rexB, rexX)
		return withOperands("test", rm+", "+reg)
	case opcode == 0xA8:
		imm, _ := d.readU8()
		return withOperands("test", "al, "+formatImm(int64(imm)))
	case opcode == 0xA9:
		imm, _ := d.readI32()
		return withOperands("test", regName(0, opSize, hasREX)+", "+formatImm(int64(imm)))

	case opcode == 0x88:
		rm, reg := d.decodeModRMOperands(1, hasREX, rexR, rexB, rexX)
		return withOperands("mov", rm+", "+reg)
	case opcode == 0x89:
		rm, reg := d.decodeModRMOperands(opSize, hasREX, rexR, rexB, rexX)
		return withOperands("mov", rm+", "+reg)
	case opcode == 0x8A:
		rm, reg := d.decodeModRMOperands(1, hasREX, rexR, rexB, rexX)
		return withOperands("mov", reg+", "+rm)
	case opcode == 0x8B:
		rm, reg := d.decodeModRMOperands(opSize, hasREX, rexR, rexB, rexX)
		return withOperands("mov", reg+", "+rm)
	case opcode == 0x8D:
		rm, reg := d.decodeModRMOperands(opSize, hasREX, rexR, rexB, rexX)
		return withOperands("lea", reg+", "+rm)
	case opcode == 0x86:
		rm, reg := d.decodeModRMOperands(1, hasREX, rexR, rexB, rexX)
		return withOperands("xchg", rm+", "+reg)
	case opcode == 0x87:
		rm, reg := d.decodeModRMOperands(opSize, hasREX, rexR, rexB, rexX)
		return withOperands("xchg", rm+", "+reg)

	case opcode == 0xC6:
		rm := d.decodeModRMRMOnly(1, hasREX, rexB, rexX)
		imm, _ := d.readU8()
		return withOperands("mov", rm+", "+formatImm(int64(imm)))
	case opcode == 0xC7:
		rm := d.decodeModRMRMOnly(opSize, hasREX, rexB, rexX)
		imm, _ := d.readI32()
		return withOperands("mov", rm+", "+formatImm(int64(imm)))

	case opcode == 0x80:
		return d.decodeGroup1(1, hasREX, rexB, rexX, true)
	case opcode == 0x81:
		return d.decodeGroup1(opSize, hasREX, rexB, rexX, false)
	case opcode == 0x83:
		return d.decodeGroup1(opSize, hasREX, rexB, rexX, true)

	case opcode == 0xC0:
		return d.decodeShift(1, hasREX, rexB, rexX, shiftImm8)
	case opcode == 0xC1:
		return d.decodeShift(opSize, hasREX, rexB, rexX, shiftImm8)
	case opcode == 0xD0:
		return d.decodeShift(1, hasREX, rexB, rexX, shiftOne)
	case opcode == 0xD1:
		return d.decodeShift(opSize, hasREX, rexB, rexX, shiftOne)
	case opcode == 0xD2:
		return d.decodeShift(1, hasREX, rexB, rexX, shiftCL)
	case opcode == 0xD3:
		return d.decodeShift(opSize, hasREX, rexB, rexX, shiftCL)

	case opcode == 0xFE:
		return d.decodeGroupFE(1, hasREX, rexB, rexX)
	case opcode == 0xFF:
		return d.decodeGroupFE(opSize, hasREX, rexB, rexX)

	case opcode == 0xF6:
		return d.decodeGroup3(1, hasREX, rexB, rexX)
	case opcode == 0xF7:
		return d.decodeGroup3(opSize, hasREX, rexB, rexX)

	case opcode == 0x6B:
		rm, reg := d.decodeModRMOperands(opSize, hasREX, rexR, rexB, rexX)
		imm, _ := d.readI8()
		return withOperands("imul", reg+", "+rm+", "+formatImm(int64(imm)))
	case opcode == 0x69:
		rm, reg := d.decodeModRMOperands(opSize, hasREX, rexR, rexB, rexX)
		imm, _ := d.readI32()
		return withOperands("imul", reg+", "+rm+", "+formatImm(int64(imm)))

	case opcode == 0xA4:
		if hasF3 {
			return simple("rep movsb")
		}
		return simple("movsb")
	case opcode == 0xA5:
		if hasF3 {
			return simple("rep movsd")
		}
		return simple("movsd")
	case opcode == 0xAA:
		if hasF3 {
			return simple("rep stosb")
		}
		return simple("stosb")
	case opcode == 0xAB:
		if hasF3 {
			return simple("rep stosd")
		}
		return simple("stosd")
	case opcode == 0xAC:
		return simple("lodsb")
	case opcode == 0xAD:
		return simple("lodsd")
	case opcode == 0xAE:
		if hasF2 {
			return simple("repne scasb")
		}
		return simple("scasb")
	case opcode == 0xAF:
		if hasF2 {
			return simple("repne scasd")
		}
		return simple("scasd")

	case opcode == 0xA0:
		moff := d.readU64OrU32(rexW)
		return withOperands("mov", "al, ["+formatAddr(moff)+"]")
	case opcode == 0xA1:
		moff := d.readU64OrU32(rexW)
		return withOperands("mov", regName(0, opSize, hasREX)+", ["+formatAddr(moff)+"]")
	case opcode == 0xA2:
		moff := d.readU64OrU32(rexW)
		return withOperands("mov", "["+formatAddr(moff)+"], al")
	case opcode == 0xA3:
		moff := d.readU64OrU32(rexW)
		return withOperands("mov", "["+formatAddr(moff)+"], "+regName(0, opSize, hasREX))

	case opcode == 0xE4:
		p, _ := d.readU8()
		return withOperands("in", "al, "+formatImm(int64(p)))
	case opcode == 0xE5:
		p, _ := d.readU8()
		return withOperands("in", "eax, "+formatImm(int64(p)))
	case opcode == 0xE6:
		p, _ := d.readU8()
		return withOperands("out", formatImm(int64(p))+", al")
	case opcode == 0xE7:
		p, _ := d.readU8()
		return withOperands("out", formatImm(int64(p))+", eax")
	case opcode == 0xEC:
		return withOperands("in", "al, dx")
	case opcode == 0xED:
		return withOperands("in", "eax, dx")
	case opcode == 0xEE:
		return withOperands("out", "dx, al")
	case opcode == 0xEF:
		return withOperands("out", "dx, eax")

	default:
		return nil
	}
}

// decode0F dispatches the two-byte 0x0F opcode table.
func (d *Disassembler) decode0F(start int, addr uint64, rexR, rexB, rexX bool, opSize uint8, hasREX bool) Instruction {
	if d.pos >= len(d.code) {
		return d.makeDB(start, addr)
	}
	op2 := d.code[d.pos]
	d.pos++

	var result *decodeResult
	switch {
	case op2 == 0x05:
		result = simple("syscall")
	case op2 == 0x07:
		result = simple("sysret")
	case op2 == 0xA2:
		result = simple("cpuid")
	case op2 == 0x31:
		result = simple("rdtsc")
	case op2 == 0x32:
		result = simple("rdmsr")
	case op2 == 0x30:
		result = simple("wrmsr")
	case op2 == 0x0B:
		result = simple("ud2")

	case op2 == 0x1F:
		d.decodeModRMRMOnly(opSize, hasREX, rexB, rexX)
		result = simple("nop")

	case op2 >= 0x80 && op2 <= 0x8F:
		cc := op2 - 0x80
		rel, _ := d.readI32()
		target := d.relTarget(start, addr, int64(rel))
		result = &decodeResult{mnemonic: "j" + ccNames[cc], operands: formatAddr(target), target: target, hasTarget: true, isCondJump: true}

	case op2 >= 0x90 && op2 <= 0x9F:
		cc := op2 - 0x90
		rm := d.decodeModRMRMOnly(1, hasREX, rexB, rexX)
		result = withOperands("set"+ccNames[cc], rm)

	case op2 >= 0x40 && op2 <= 0x4F:
		cc := op2 - 0x40
		rm, reg := d.decodeModRMOperands(opSize, hasREX, rexR, rexB, rexX)
		result = withOperands("cmov"+ccNames[cc], reg+", "+rm)

	case op2 == 0xB6:
		rm, reg := d.decodeModRMOperandsAsym(1, opSize, hasREX, rexR, rexB, rexX)
		result = withOperands("movzx", reg+", "+rm)
	case op2 == 0xB7:
		rm, reg := d.decodeModRMOperandsAsym(2, opSize, hasREX, rexR, rexB, rexX)
		result = withOperands("movzx", reg+", "+rm)
	case op2 == 0xBE:
		rm, reg := d.decodeModRMOperandsAsym(1, opSize, hasREX, rexR, rexB, rexX)
		result = withOperands("movsx", reg+", "+rm)
	case op2 == 0xBF:
		rm, reg := d.decodeModRMOperandsAsym(2, opSize, hasREX, rexR, rexB, rexX)
		result = withOperands("movsx", reg+", "+rm)

	case op2 == 0xAF:
		rm, reg := d.decodeModRMOperands(opSize, hasREX, rexR, rexB, rexX)
		result = withOperands("imul", reg+", "+rm)

	case op2 == 0xBC:
		rm, reg := d.decodeModRMOperands(opSize, hasREX, rexR, rexB, rexX)
		result = withOperands("bsf", reg+", "+rm)
	case op2 == 0xBD:
		rm, reg := d.decodeModRMOperands(opSize, hasREX, rexR, rexB, rexX)
		result = withOperands("bsr", reg+", "+rm)

	case op2 == 0xA3:
		rm, reg := d.decodeModRMOperands(opSize, hasREX, rexR, rexB, rexX)
		result = withOperands("bt", rm+", "+reg)
	case op2 == 0xAB:
		rm, reg := d.decodeModRMOperands(opSize, hasREX, rexR, rexB, rexX)
		result = withOperands("bts", rm+", "+reg)
	case op2 == 0xB3:
		rm, reg := d.decodeModRMOperands(opSize, hasREX, rexR, rexB, rexX)
		result = withOperands("btr", rm+", "+reg)
	case op2 == 0xBB:
		rm, reg := d.decodeModRMOperands(opSize, hasREX, rexR, rexB, rexX)
		result = withOperands("btc", rm+", "+reg)

	case op2 == 0xC0:
		rm, reg := d.decodeModRMOperands(1, hasREX, rexR, rexB, rexX)
		result = withOperands("xadd", rm+", "+reg)
	case op2 == 0xC1:
		rm, reg := d.decodeModRMOperands(opSize, hasREX, rexR, rexB, rexX)
		result = withOperands("xadd", rm+", "+reg)

	case op2 >= 0xC8 && op2 <= 0xCF:
		r := (op2 - 0xC8) | extBit(rexB)
		result = withOperands("bswap", regName(r, opSize, hasREX))

	default:
		result = nil
	}

	if result == nil {
		return d.makeDB(start, addr)
	}
	return d.finish(start, addr, result)
}

func extBit(set bool) uint8 {
	if set {
		return 8
	}
	return 0
}

// ---- ModR/M + SIB decode ----------------------------------------------

// decodeModRMOperands decodes ModR/M and returns (rm operand, reg operand),
// both at the same operand width.
func (d *Disassembler) decodeModRMOperands(size uint8, hasREX, rexR, rexB, rexX bool) (string, string) {
	return d.decodeModRMOperandsAsym(size, size, hasREX, rexR, rexB, rexX)
}

// decodeModRMOperandsAsym decodes ModR/M with independent widths for the
// rm and reg operands, needed by MOVZX/MOVSX where the source (rm) and
// destination (reg) sizes differ.
func (d *Disassembler) decodeModRMOperandsAsym(rmSize, regSize uint8, hasREX, rexR, rexB, rexX bool) (string, string) {
	if d.pos >= len(d.code) {
		return "?", "?"
	}
	modrm := d.code[d.pos]
	d.pos++

	modBits := (modrm >> 6) & 3
	regField := ((modrm >> 3) & 7) | extBit(rexR)
	rmField := modrm & 7

	regStr := regName(regField, regSize, hasREX)
	rmStr := d.decodeRM(modBits, rmField, rexB, rexX, rmSize, hasREX)
	return rmStr, regStr
}

// decodeModRMRMOnly decodes ModR/M and discards the reg field, for group
// instructions where it instead selects the opcode extension.
func (d *Disassembler) decodeModRMRMOnly(size uint8, hasREX, rexB, rexX bool) string {
	if d.pos >= len(d.code) {
		return "?"
	}
	modrm := d.code[d.pos]
	d.pos++
	modBits := (modrm >> 6) & 3
	rmField := modrm & 7
	return d.decodeRM(modBits, rmField, rexB, rexX, size, hasREX)
}

func (d *Disassembler) decodeRM(modBits uint8, rmLow uint8, rexB, rexX bool, size uint8, hasREX bool) string {
	rm := rmLow | extBit(rexB)

	if modBits == 3 {
		return regName(rm, size, hasREX)
	}

	if rmLow == 4 {
		return d.decodeSIB(modBits, rexB, rexX, size, hasREX)
	}

	if rmLow == 5 && modBits == 0 {
		disp, _ := d.readI32()
		return sizePrefix(size) + " [rip" + signedHex(int64(disp)) + "]"
	}

	base := regName(rm, 8, hasREX)
	switch modBits {
	case 0:
		return sizePrefix(size) + " [" + base + "]"
	case 1:
		disp, _ := d.readI8()
		if disp == 0 {
			return sizePrefix(size) + " [" + base + "]"
		}
		return sizePrefix(size) + " [" + base + signedHex(int64(disp)) + "]"
	case 2:
		disp, _ := d.readI32()
		if disp == 0 {
			return sizePrefix(size) + " [" + base + "]"
		}
		return sizePrefix(size) + " [" + base + signedHex(int64(disp)) + "]"
	default:
		return "?"
	}
}

func (d *Disassembler) decodeSIB(modBits uint8, rexB, rexX bool, size uint8, hasREX bool) string {
	if d.pos >= len(d.code) {
		return "?"
	}
	sib := d.code[d.pos]
	d.pos++

	scale := uint8(1) << ((sib >> 6) & 3)
	index := ((sib >> 3) & 7) | extBit(rexX)
	base := (sib & 7) | extBit(rexB)
	hasIndex := index != 4 // rsp cannot be an index

	if (base&7) == 5 && modBits == 0 {
		disp, _ := d.readI32()
		if hasIndex {
			if scale > 1 {
				return sizePrefix(size) + " [" + regName(index, 8, hasREX) + "*" + itoa(int(scale)) + signedHex(int64(disp)) + "]"
			}
			return sizePrefix(size) + " [" + regName(index, 8, hasREX) + signedHex(int64(disp)) + "]"
		}
		return sizePrefix(size) + " [" + formatAddr(uint64(int64(disp))) + "]"
	}

	baseStr := regName(base, 8, hasREX)
	addrExpr := baseStr
	if hasIndex {
		if scale > 1 {
			addrExpr = baseStr + "+" + regName(index, 8, hasREX) + "*" + itoa(int(scale))
		} else {
			addrExpr = baseStr + "+" + regName(index, 8, hasREX)
		}
	}

	switch modBits {
	case 0:
		return sizePrefix(size) + " [" + addrExpr + "]"
	case 1:
		disp, _ := d.readI8()
		if disp == 0 {
			return sizePrefix(size) + " [" + addrExpr + "]"
		}
		return sizePrefix(size) + " [" + addrExpr + signedHex(int64(disp)) + "]"
	case 2:
		disp, _ := d.readI32()
		if disp == 0 {
			return sizePrefix(size) + " [" + addrExpr + "]"
		}
		return sizePrefix(size) + " [" + addrExpr + signedHex(int64(disp)) + "]"
	default:
		return "?"
	}
}

func signedHex(v int64) string {
	if v >= 0 {
		return "+" + formatAddr(uint64(v))
	}
	return "-" + formatAddr(uint64(-v))
}

func itoa(v int) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// ---- Group decoders -----------------------------------------------------

var aluMnemonics = [8]string{"add", "or", "adc", "sbb", "and", "sub", "xor", "cmp"}

func (d *Disassembler) decodeAluRM(opcode uint8, mnemonic string, opSize uint8, hasREX, rexR, rexB, rexX bool) *decodeResult {
	isByte := opcode&1 == 0
	dir := opcode&2 != 0 // false: r/m,r   true: r,r/m
	sz := opSize
	if isByte {
		sz = 1
	}
	rm, reg := d.decodeModRMOperands(sz, hasREX, rexR, rexB, rexX)
	if dir {
		return withOperands(mnemonic, reg+", "+rm)
	}
	return withOperands(mnemonic, rm+", "+reg)
}

func (d *Disassembler) decodeGroup1(size uint8, hasREX, rexB, rexX bool, imm8 bool) *decodeResult {
	if d.pos >= len(d.code) {
		return nil
	}
	op := (d.code[d.pos] >> 3) & 7

	rm := d.decodeModRMRMOnly(size, hasREX, rexB, rexX)
	var imm int64
	if imm8 {
		v, _ := d.readI8()
		imm = int64(v)
	} else {
		v, _ := d.readI32()
		imm = int64(v)
	}
	return withOperands(aluMnemonics[op], rm+", "+formatImm(imm))
}

type shiftCount int

const (
	shiftOne shiftCount = iota
	shiftCL
	shiftImm8
)

var shiftMnemonics = [8]string{"rol", "ror", "rcl", "rcr", "shl", "shr", "sal", "sar"}

func (d *Disassembler) decodeShift(size uint8, hasREX, rexB, rexX bool, count shiftCount) *decodeResult {
	if d.pos >= len(d.code) {
		return nil
	}
	op := (d.code[d.pos] >> 3) & 7

	rm := d.decodeModRMRMOnly(size, hasREX, rexB, rexX)
	var countStr string
	switch count {
	case shiftOne:
		countStr = "1"
	case shiftCL:
		countStr = "cl"
	case shiftImm8:
		imm, _ := d.readU8()
		countStr = itoa(int(imm))
	}
	return withOperands(shiftMnemonics[op], rm+", "+countStr)
}

func (d *Disassembler) decodeGroupFE(size uint8, hasREX, rexB, rexX bool) *decodeResult {
	if d.pos >= len(d.code) {
		return nil
	}
	op := (d.code[d.pos] >> 3) & 7

	switch {
	case op == 0:
		rm := d.decodeModRMRMOnly(size, hasREX, rexB, rexX)
		return withOperands("inc", rm)
	case op == 1:
		rm := d.decodeModRMRMOnly(size, hasREX, rexB, rexX)
		return withOperands("dec", rm)
	case op == 2 && size > 1:
		rm := d.decodeModRMRMOnly(8, hasREX, rexB, rexX)
		return &decodeResult{mnemonic: "call", operands: rm, isCall: true}
	case op == 4 && size > 1:
		rm := d.decodeModRMRMOnly(8, hasREX, rexB, rexX)
		return &decodeResult{mnemonic: "jmp", operands: rm, isJump: true}
	case op == 6 && size > 1:
		rm := d.decodeModRMRMOnly(8, hasREX, rexB, rexX)
		return withOperands("push", rm)
	default:
		d.decodeModRMRMOnly(size, hasREX, rexB, rexX)
		return nil
	}
}

func (d *Disassembler) decodeGroup3(size uint8, hasREX, rexB, rexX bool) *decodeResult {
	if d.pos >= len(d.code) {
		return nil
	}
	op := (d.code[d.pos] >> 3) & 7

	switch op {
	case 0, 1:
		rm := d.decodeModRMRMOnly(size, hasREX, rexB, rexX)
		var imm int64
		if size == 1 {
			v, _ := d.readU8()
			imm = int64(v)
		} else {
			v, _ := d.readI32()
			imm = int64(v)
		}
		return withOperands("test", rm+", "+formatImm(imm))
	case 2:
		rm := d.decodeModRMRMOnly(size, hasREX, rexB, rexX)
		return withOperands("not", rm)
	case 3:
		rm := d.decodeModRMRMOnly(size, hasREX, rexB, rexX)
		return withOperands("neg", rm)
	case 4:
		rm := d.decodeModRMRMOnly(size, hasREX, rexB, rexX)
		return withOperands("mul", rm)
	case 5:
		rm := d.decodeModRMRMOnly(size, hasREX, rexB, rexX)
		return withOperands("imul", rm)
	case 6:
		rm := d.decodeModRMRMOnly(size, hasREX, rexB, rexX)
		return withOperands("div", rm)
	case 7:
		rm := d.decodeModRMRMOnly(size, hasREX, rexB, rexX)
		return withOperands("idiv", rm)
	default:
		return nil
	}
}

// ---- byte reading --------------------------------------------------------

func (d *Disassembler) readU8() (uint8, bool) {
	if d.pos >= len(d.code) {
		return 0, false
	}
	v := d.code[d.pos]
	d.pos++
	return v, true
}

func (d *Disassembler) readI8() (int8, bool) {
	v, ok := d.readU8()
	return int8(v), ok
}

func (d *Disassembler) readU16() (uint16, bool) {
	if d.pos+2 > len(d.code) {
		return 0, false
	}
	v := uint16(d.code[d.pos]) | uint16(d.code[d.pos+1])<<8
	d.pos += 2
	return v, true
}

func (d *Disassembler) readI32() (int32, bool) {
	if d.pos+4 > len(d.code) {
		return 0, false
	}
	v := uint32(d.code[d.pos]) | uint32(d.code[d.pos+1])<<8 | uint32(d.code[d.pos+2])<<16 | uint32(d.code[d.pos+3])<<24
	d.pos += 4
	return int32(v), true
}

func (d *Disassembler) readI64() (int64, bool) {
	if d.pos+8 > len(d.code) {
		return 0, false
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(d.code[d.pos+i]) << (8 * i)
	}
	d.pos += 8
	return int64(v), true
}

func (d *Disassembler) readU64OrU32(is64 bool) uint64 {
	if is64 {
		v, _ := d.readI64()
		return uint64(v)
	}
	v, _ := d.readI32()
	return uint64(uint32(v))
}

// makeDB emits the fallback pseudo-instruction, forcing at least one byte
// of progress (spec.md §4.5 item 8).
func (d *Disassembler) makeDB(start int, addr uint64) Instruction {
	if d.pos <= start {
		d.pos = start + 1
	}
	end := d.pos
	if end > len(d.code) {
		end = len(d.code)
	}
	bytes := append([]byte(nil), d.code[start:end]...)

	operands := ""
	for i, b := range bytes {
		if i > 0 {
			operands += ", "
		}
		operands += formatAddr(uint64(b))
	}
	return Instruction{
		Address:  addr,
		Bytes:    bytes,
		Mnemonic: "db",
		Operands: operands,
	}
}
