package riscv

// decodeCompressed expands a 16-bit RVC instruction into the same Inst
// shape its 32-bit equivalent would produce: translate never needs to
// know whether a block instruction was compressed.
func (d *Decoder) decodeCompressed(w uint16) *Inst {
	quadrant := w & 0x3
	funct3 := uint8((w >> 13) & 0x7)

	switch quadrant {
	case 0b00:
		return decodeQuadrant0(w, funct3)
	case 0b01:
		return decodeQuadrant1(w, funct3)
	case 0b10:
		return decodeQuadrant2(w, funct3)
	default:
		return illegal(2)
	}
}

// cReg maps a compressed 3-bit register field (x8..x15) to its full
// 5-bit register number.
func cReg(field uint16) uint8 { return uint8(field&0x7) + 8 }

func cRdRs1(w uint16) uint8 { return uint8((w >> 7) & 0x1F) }
func cRs2(w uint16) uint8   { return uint8((w >> 2) & 0x1F) }

func cSignExtend(value uint16, bits uint) int64 {
	return signExtend(uint64(value), bits)
}

func decodeQuadrant0(w uint16, f3 uint8) *Inst {
	rdp := cReg(w >> 2)
	rs1p := cReg(w >> 7)

	switch f3 {
	case 0b000: // C.ADDI4SPN
		nzuimm := ((w >> 7) & 0x30) | ((w >> 1) & 0x3C0) | ((w >> 4) & 0x4) | ((w >> 2) & 0x8)
		if nzuimm == 0 {
			return illegal(2)
		}
		return &Inst{Class: ClassALUI, Op: OpAddi, EncodedLength: 2, Rd: rdp, Rs1: 2, Imm: int64(nzuimm)}
	case 0b010: // C.LW
		imm := ((w >> 4) & 0x4) | ((w << 1) & 0x40) | ((w >> 7) & 0x38)
		return &Inst{Class: ClassLoad, Op: OpLw, EncodedLength: 2, Rd: rdp, Rs1: rs1p, Imm: int64(imm)}
	case 0b011: // C.LD
		imm := ((w << 1) & 0xC0) | ((w >> 7) & 0x38)
		return &Inst{Class: ClassLoad, Op: OpLd, EncodedLength: 2, Rd: rdp, Rs1: rs1p, Imm: int64(imm)}
	case 0b110: // C.SW
		imm := ((w >> 4) & 0x4) | ((w << 1) & 0x40) | ((w >> 7) & 0x38)
		return &Inst{Class: ClassStore, Op: OpSw, EncodedLength: 2, Rs1: rs1p, Rs2: rdp, Imm: int64(imm)}
	case 0b111: // C.SD
		imm := ((w << 1) & 0xC0) | ((w >> 7) & 0x38)
		return &Inst{Class: ClassStore, Op: OpSd, EncodedLength: 2, Rs1: rs1p, Rs2: rdp, Imm: int64(imm)}
	default:
		return illegal(2)
	}
}

func decodeQuadrant1(w uint16, f3 uint8) *Inst {
	rdRs1 := cRdRs1(w)

	switch f3 {
	case 0b000: // C.ADDI / C.NOP
		imm := cSignExtend(((w>>7)&0x20)|((w>>2)&0x1F), 6)
		return &Inst{Class: ClassALUI, Op: OpAddi, EncodedLength: 2, Rd: rdRs1, Rs1: rdRs1, Imm: imm}
	case 0b001: // C.ADDIW
		imm := cSignExtend(((w>>7)&0x20)|((w>>2)&0x1F), 6)
		if rdRs1 == 0 {
			return illegal(2)
		}
		return &Inst{Class: ClassALUI, Op: OpAddiw, EncodedLength: 2, Rd: rdRs1, Rs1: rdRs1, Imm: imm}
	case 0b010: // C.LI
		imm := cSignExtend(((w>>7)&0x20)|((w>>2)&0x1F), 6)
		return &Inst{Class: ClassALUI, Op: OpAddi, EncodedLength: 2, Rd: rdRs1, Rs1: 0, Imm: imm}
	case 0b011:
		if rdRs1 == 2 { // C.ADDI16SP
			raw := ((w >> 3) & 0x200) | ((w >> 2) & 0x10) | ((w << 1) & 0x40) | ((w << 4) & 0x180) | ((w << 3) & 0x20)
			imm := cSignExtend(raw, 10)
			if imm == 0 {
				return illegal(2)
			}
			return &Inst{Class: ClassALUI, Op: OpAddi, EncodedLength: 2, Rd: 2, Rs1: 2, Imm: imm}
		}
		// C.LUI
		raw := ((w >> 2) & 0x1F) | ((w >> 7) & 0x20)
		imm := cSignExtend(raw, 6) << 12
		if imm == 0 {
			return illegal(2)
		}
		return &Inst{Class: ClassALUI, Op: OpLui, EncodedLength: 2, Rd: rdRs1, Imm: imm}
	case 0b100:
		return decodeQuadrant1Misc(w)
	case 0b101: // C.J
		imm := decodeCJImm(w)
		return &Inst{Class: ClassJump, Op: OpJal, EncodedLength: 2, Rd: 0, Imm: imm, TerminatesBlock: true}
	case 0b110: // C.BEQZ
		imm := decodeCBImm(w)
		return &Inst{Class: ClassBranch, Op: OpBeq, EncodedLength: 2, Rs1: cReg(w >> 7), Rs2: 0, Imm: imm, TerminatesBlock: true}
	case 0b111: // C.BNEZ
		imm := decodeCBImm(w)
		return &Inst{Class: ClassBranch, Op: OpBne, EncodedLength: 2, Rs1: cReg(w >> 7), Rs2: 0, Imm: imm, TerminatesBlock: true}
	default:
		return illegal(2)
	}
}

func decodeQuadrant1Misc(w uint16) *Inst {
	funct2 := uint8((w >> 10) & 0x3)
	rdp := cReg(w >> 7)
	shamt := int64(((w >> 7) & 0x20) | ((w >> 2) & 0x1F))

	switch funct2 {
	case 0b00: // C.SRLI
		return &Inst{Class: ClassALUI, Op: OpSrli, EncodedLength: 2, Rd: rdp, Rs1: rdp, Imm: shamt}
	case 0b01: // C.SRAI
		return &Inst{Class: ClassALUI, Op: OpSrai, EncodedLength: 2, Rd: rdp, Rs1: rdp, Imm: shamt}
	case 0b10: // C.ANDI
		imm := cSignExtend(((w>>7)&0x20)|((w>>2)&0x1F), 6)
		return &Inst{Class: ClassALUI, Op: OpAndi, EncodedLength: 2, Rd: rdp, Rs1: rdp, Imm: imm}
	case 0b11:
		rs2p := cReg(w >> 2)
		isWord := (w>>12)&1 == 1
		funct2b := uint8((w >> 5) & 0x3)
		base := &Inst{Class: ClassALUR, EncodedLength: 2, Rd: rdp, Rs1: rdp, Rs2: rs2p}
		if isWord {
			switch funct2b {
			case 0b00:
				base.Op = OpSubw
			case 0b01:
				base.Op = OpAddw
			default:
				return illegal(2)
			}
			return base
		}
		switch funct2b {
		case 0b00:
			base.Op = OpSub
		case 0b01:
			base.Op = OpXor
		case 0b10:
			base.Op = OpOr
		case 0b11:
			base.Op = OpAnd
		}
		return base
	default:
		return illegal(2)
	}
}

func decodeQuadrant2(w uint16, f3 uint8) *Inst {
	rdRs1 := cRdRs1(w)
	rs2 := cRs2(w)

	switch f3 {
	case 0b000: // C.SLLI
		shamt := int64(((w >> 7) & 0x20) | ((w >> 2) & 0x1F))
		if rdRs1 == 0 {
			return illegal(2)
		}
		return &Inst{Class: ClassALUI, Op: OpSlli, EncodedLength: 2, Rd: rdRs1, Rs1: rdRs1, Imm: shamt}
	case 0b010: // C.LWSP
		if rdRs1 == 0 {
			return illegal(2)
		}
		imm := ((w >> 2) & 0x1C) | ((w >> 7) & 0x20) | ((w << 4) & 0xC0)
		return &Inst{Class: ClassLoad, Op: OpLw, EncodedLength: 2, Rd: rdRs1, Rs1: 2, Imm: int64(imm)}
	case 0b011: // C.LDSP
		if rdRs1 == 0 {
			return illegal(2)
		}
		imm := ((w >> 2) & 0x18) | ((w >> 7) & 0x20) | ((w << 4) & 0x1C0)
		return &Inst{Class: ClassLoad, Op: OpLd, EncodedLength: 2, Rd: rdRs1, Rs1: 2, Imm: int64(imm)}
	case 0b100:
		hi := (w >> 12) & 1
		switch {
		case hi == 0 && rs2 == 0: // C.JR
			if rdRs1 == 0 {
				return illegal(2)
			}
			return &Inst{Class: ClassJump, Op: OpJalr, EncodedLength: 2, Rd: 0, Rs1: rdRs1, Imm: 0, TerminatesBlock: true}
		case hi == 0: // C.MV
			return &Inst{Class: ClassALUR, Op: OpAdd, EncodedLength: 2, Rd: rdRs1, Rs1: 0, Rs2: rs2}
		case hi == 1 && rdRs1 == 0 && rs2 == 0: // C.EBREAK
			return &Inst{Class: ClassSystem, Op: OpEbreak, EncodedLength: 2, TerminatesBlock: true}
		case hi == 1 && rs2 == 0: // C.JALR
			return &Inst{Class: ClassJump, Op: OpJalr, EncodedLength: 2, Rd: 1, Rs1: rdRs1, Imm: 0, TerminatesBlock: true}
		default: // C.ADD
			return &Inst{Class: ClassALUR, Op: OpAdd, EncodedLength: 2, Rd: rdRs1, Rs1: rdRs1, Rs2: rs2}
		}
	case 0b110: // C.SWSP
		imm := ((w >> 7) & 0x3C) | ((w >> 1) & 0xC0)
		return &Inst{Class: ClassStore, Op: OpSw, EncodedLength: 2, Rs1: 2, Rs2: rs2, Imm: int64(imm)}
	case 0b111: // C.SDSP
		imm := ((w >> 7) & 0x38) | ((w >> 1) & 0x1C0)
		return &Inst{Class: ClassStore, Op: OpSd, EncodedLength: 2, Rs1: 2, Rs2: rs2, Imm: int64(imm)}
	default:
		return illegal(2)
	}
}

// decodeCJImm decodes the 11-bit scrambled immediate of C.J / C.JAL.
func decodeCJImm(w uint16) int64 {
	var v uint16
	v |= (w >> 1) & 0x800  // imm[11]
	v |= (w << 2) & 0x400  // imm[10]
	v |= (w >> 1) & 0x300  // imm[9:8]
	v |= (w << 1) & 0x80   // imm[7]
	v |= (w >> 1) & 0x40   // imm[6]
	v |= (w << 3) & 0x20   // imm[5]
	v |= (w >> 7) & 0x10   // imm[4]
	v |= (w >> 2) & 0xE    // imm[3:1]
	return cSignExtend(v, 12)
}

// decodeCBImm decodes the 8-bit scrambled immediate of C.BEQZ / C.BNEZ.
func decodeCBImm(w uint16) int64 {
	var v uint16
	v |= (w >> 4) & 0x100 // imm[8]
	v |= (w << 1) & 0xC0  // imm[7:6]
	v |= (w << 3) & 0x20  // imm[5]
	v |= (w >> 7) & 0x18  // imm[4:3]
	v |= (w >> 2) & 0x6   // imm[2:1]
	return cSignExtend(v, 9)
}
