package riscv

// Decoder decodes RV64 machine code into Inst records. It is stateless
// across calls to Decode — any state that affects decoding (the current
// vtype) is supplied explicitly by the caller, per the translation-cache
// key design (entry-PC, vtype-fingerprint).
type Decoder struct{}

// NewDecoder creates a new RV64 instruction decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Length returns 2 or 4: the encoded length of the instruction whose first
// two bytes (as a little-endian halfword) are given. Per spec: the low two
// bits of the first halfword select compressed (!=0b11) vs. standard (==0b11)
// encoding. Widths beyond 32 bits are not supported and decode as Illegal by
// Decode, but Length still reports 4 for them, so the caller advances PC
// deterministically instead of looping.
func Length(firstHalfword uint16) uint8 {
	if firstHalfword&0x3 != 0x3 {
		return 2
	}
	return 4
}

// Decode decodes one instruction of the given length, as the caller has
// already determined via Length. word32 is decoded whole when length is 4;
// only its low 16 bits are decoded when length is 2. Decode never inspects
// memory beyond what it is given.
func (d *Decoder) Decode(word32 uint32, length uint8) *Inst {
	if length == 2 {
		return d.decodeCompressed(uint16(word32))
	}
	return d.decode32(word32)
}

func illegal(length uint8) *Inst {
	return &Inst{Class: ClassIllegal, Op: OpIllegal, EncodedLength: length, TerminatesBlock: true}
}

// decode32 decodes a standard 32-bit RV64 instruction.
func (d *Decoder) decode32(w uint32) *Inst {
	opcode := w & 0x7F

	switch opcode {
	case 0b0110111:
		return d.decodeLUI(w)
	case 0b0010111:
		return d.decodeAUIPC(w)
	case 0b1101111:
		return d.decodeJAL(w)
	case 0b1100111:
		return d.decodeJALR(w)
	case 0b1100011:
		return d.decodeBranch(w)
	case 0b0000011:
		return d.decodeLoad(w)
	case 0b0100011:
		return d.decodeStore(w)
	case 0b0010011:
		return d.decodeOpImm(w, false)
	case 0b0011011:
		return d.decodeOpImm(w, true)
	case 0b0110011:
		return d.decodeOp(w, false)
	case 0b0111011:
		return d.decodeOp(w, true)
	case 0b0001111:
		return d.decodeMiscMem(w)
	case 0b1110011:
		return d.decodeSystem(w)
	case 0b0101111:
		return d.decodeAMO(w)
	case 0b0000111:
		return d.decodeLoadFPOrVector(w)
	case 0b0100111:
		return d.decodeStoreFPOrVector(w)
	case 0b1010011:
		return d.decodeOpFP(w)
	case 0b1010111:
		return d.decodeOpV(w)
	default:
		return illegal(4)
	}
}

func signExtend(value uint64, bits uint) int64 {
	shift := 64 - bits
	return int64(value<<shift) >> shift
}

func rd(w uint32) uint8     { return uint8((w >> 7) & 0x1F) }
func rs1(w uint32) uint8    { return uint8((w >> 15) & 0x1F) }
func rs2(w uint32) uint8    { return uint8((w >> 20) & 0x1F) }
func funct3(w uint32) uint8 { return uint8((w >> 12) & 0x7) }
func funct7(w uint32) uint8 { return uint8((w >> 25) & 0x7F) }

func iImm(w uint32) int64 { return signExtend(uint64(w>>20), 12) }
func sImm(w uint32) int64 {
	v := ((w >> 25) << 5) | ((w >> 7) & 0x1F)
	return signExtend(uint64(v), 12)
}
func bImm(w uint32) int64 {
	v := ((w >> 31) << 12) | (((w >> 7) & 0x1) << 11) | (((w >> 25) & 0x3F) << 5) | (((w >> 8) & 0xF) << 1)
	return signExtend(uint64(v), 13)
}
func uImm(w uint32) int64 { return int64(int32(w & 0xFFFFF000)) }
func jImm(w uint32) int64 {
	v := ((w >> 31) << 20) | (((w >> 12) & 0xFF) << 12) | (((w >> 20) & 0x1) << 11) | (((w >> 21) & 0x3FF) << 1)
	return signExtend(uint64(v), 21)
}

func (d *Decoder) decodeLUI(w uint32) *Inst {
	return &Inst{Class: ClassALUI, Op: OpLui, EncodedLength: 4, Rd: rd(w), Imm: uImm(w)}
}

func (d *Decoder) decodeAUIPC(w uint32) *Inst {
	return &Inst{Class: ClassALUI, Op: OpAuipc, EncodedLength: 4, Rd: rd(w), Imm: uImm(w)}
}

func (d *Decoder) decodeJAL(w uint32) *Inst {
	return &Inst{Class: ClassJump, Op: OpJal, EncodedLength: 4, Rd: rd(w), Imm: jImm(w), TerminatesBlock: true}
}

func (d *Decoder) decodeJALR(w uint32) *Inst {
	if funct3(w) != 0 {
		return illegal(4)
	}
	return &Inst{Class: ClassJump, Op: OpJalr, EncodedLength: 4, Rd: rd(w), Rs1: rs1(w), Imm: iImm(w), TerminatesBlock: true}
}

func (d *Decoder) decodeBranch(w uint32) *Inst {
	ops := [8]Op{OpBeq, OpBne, OpIllegal, OpIllegal, OpBlt, OpBge, OpBltu, OpBgeu}
	op := ops[funct3(w)]
	if op == OpIllegal {
		return illegal(4)
	}
	return &Inst{Class: ClassBranch, Op: op, EncodedLength: 4, Rs1: rs1(w), Rs2: rs2(w), Imm: bImm(w), TerminatesBlock: true}
}

func (d *Decoder) decodeLoad(w uint32) *Inst {
	var op Op
	switch funct3(w) {
	case 0b000:
		op = OpLb
	case 0b001:
		op = OpLh
	case 0b010:
		op = OpLw
	case 0b011:
		op = OpLd
	case 0b100:
		op = OpLbu
	case 0b101:
		op = OpLhu
	case 0b110:
		op = OpLwu
	default:
		return illegal(4)
	}
	return &Inst{Class: ClassLoad, Op: op, EncodedLength: 4, Rd: rd(w), Rs1: rs1(w), Imm: iImm(w)}
}

func (d *Decoder) decodeStore(w uint32) *Inst {
	var op Op
	switch funct3(w) {
	case 0b000:
		op = OpSb
	case 0b001:
		op = OpSh
	case 0b010:
		op = OpSw
	case 0b011:
		op = OpSd
	default:
		return illegal(4)
	}
	return &Inst{Class: ClassStore, Op: op, EncodedLength: 4, Rs1: rs1(w), Rs2: rs2(w), Imm: sImm(w)}
}

// decodeOpImm decodes OP-IMM (32-bit dest) and OP-IMM-32 (W-suffixed, 32-bit
// operation on a 64-bit register) instructions.
func (d *Decoder) decodeOpImm(w uint32, is32 bool) *Inst {
	f3 := funct3(w)
	top7 := funct7(w)

	if is32 {
		switch f3 {
		case 0b000:
			return &Inst{Class: ClassALUI, Op: OpAddiw, EncodedLength: 4, Rd: rd(w), Rs1: rs1(w), Imm: iImm(w)}
		case 0b001:
			if top7 != 0 {
				return illegal(4)
			}
			return &Inst{Class: ClassALUI, Op: OpSlliw, EncodedLength: 4, Rd: rd(w), Rs1: rs1(w), Imm: int64(rs2(w))}
		case 0b101:
			shamt := int64(rs2(w))
			if top7 == 0b0100000 {
				return &Inst{Class: ClassALUI, Op: OpSraiw, EncodedLength: 4, Rd: rd(w), Rs1: rs1(w), Imm: shamt}
			}
			if top7 == 0 {
				return &Inst{Class: ClassALUI, Op: OpSrliw, EncodedLength: 4, Rd: rd(w), Rs1: rs1(w), Imm: shamt}
			}
			return illegal(4)
		default:
			return illegal(4)
		}
	}

	switch f3 {
	case 0b000:
		return &Inst{Class: ClassALUI, Op: OpAddi, EncodedLength: 4, Rd: rd(w), Rs1: rs1(w), Imm: iImm(w)}
	case 0b010:
		return &Inst{Class: ClassALUI, Op: OpSlti, EncodedLength: 4, Rd: rd(w), Rs1: rs1(w), Imm: iImm(w)}
	case 0b011:
		return &Inst{Class: ClassALUI, Op: OpSltiu, EncodedLength: 4, Rd: rd(w), Rs1: rs1(w), Imm: iImm(w)}
	case 0b100:
		return &Inst{Class: ClassALUI, Op: OpXori, EncodedLength: 4, Rd: rd(w), Rs1: rs1(w), Imm: iImm(w)}
	case 0b110:
		return &Inst{Class: ClassALUI, Op: OpOri, EncodedLength: 4, Rd: rd(w), Rs1: rs1(w), Imm: iImm(w)}
	case 0b111:
		return &Inst{Class: ClassALUI, Op: OpAndi, EncodedLength: 4, Rd: rd(w), Rs1: rs1(w), Imm: iImm(w)}
	case 0b001:
		if top7&0b1111110 != 0 {
			return illegal(4)
		}
		shamt := int64(w>>20) & 0x3F
		return &Inst{Class: ClassALUI, Op: OpSlli, EncodedLength: 4, Rd: rd(w), Rs1: rs1(w), Imm: shamt}
	case 0b101:
		shamt := int64(w>>20) & 0x3F
		switch top7 &^ 0b0000001 {
		case 0b0100000:
			return &Inst{Class: ClassALUI, Op: OpSrai, EncodedLength: 4, Rd: rd(w), Rs1: rs1(w), Imm: shamt}
		case 0b0000000:
			return &Inst{Class: ClassALUI, Op: OpSrli, EncodedLength: 4, Rd: rd(w), Rs1: rs1(w), Imm: shamt}
		default:
			return illegal(4)
		}
	default:
		return illegal(4)
	}
}

// decodeOp decodes OP (register-register, 32-bit dest) and OP-32
// (W-suffixed) instructions, covering both RV64I and the RV64M extension
// (funct7 == 0000001 selects M).
func (d *Decoder) decodeOp(w uint32, is32 bool) *Inst {
	f3 := funct3(w)
	f7 := funct7(w)
	base := &Inst{Class: ClassALUR, EncodedLength: 4, Rd: rd(w), Rs1: rs1(w), Rs2: rs2(w)}

	if f7 == 0b0000001 {
		return decodeMulDiv(base, f3, is32)
	}

	if is32 {
		switch {
		case f3 == 0b000 && f7 == 0:
			base.Op = OpAddw
		case f3 == 0b000 && f7 == 0b0100000:
			base.Op = OpSubw
		case f3 == 0b001 && f7 == 0:
			base.Op = OpSllw
		case f3 == 0b101 && f7 == 0:
			base.Op = OpSrlw
		case f3 == 0b101 && f7 == 0b0100000:
			base.Op = OpSraw
		default:
			return illegal(4)
		}
		return base
	}

	switch {
	case f3 == 0b000 && f7 == 0:
		base.Op = OpAdd
	case f3 == 0b000 && f7 == 0b0100000:
		base.Op = OpSub
	case f3 == 0b001 && f7 == 0:
		base.Op = OpSll
	case f3 == 0b010 && f7 == 0:
		base.Op = OpSlt
	case f3 == 0b011 && f7 == 0:
		base.Op = OpSltu
	case f3 == 0b100 && f7 == 0:
		base.Op = OpXor
	case f3 == 0b101 && f7 == 0:
		base.Op = OpSrl
	case f3 == 0b101 && f7 == 0b0100000:
		base.Op = OpSra
	case f3 == 0b110 && f7 == 0:
		base.Op = OpOr
	case f3 == 0b111 && f7 == 0:
		base.Op = OpAnd
	default:
		return illegal(4)
	}
	return base
}

func decodeMulDiv(base *Inst, f3 uint8, is32 bool) *Inst {
	if is32 {
		switch f3 {
		case 0b000:
			base.Op = OpMulw
		case 0b100:
			base.Op = OpDivw
		case 0b101:
			base.Op = OpDivuw
		case 0b110:
			base.Op = OpRemw
		case 0b111:
			base.Op = OpRemuw
		default:
			return illegal(4)
		}
		return base
	}

	switch f3 {
	case 0b000:
		base.Op = OpMul
	case 0b001:
		base.Op = OpMulh
	case 0b010:
		base.Op = OpMulhsu
	case 0b011:
		base.Op = OpMulhu
	case 0b100:
		base.Op = OpDiv
	case 0b101:
		base.Op = OpDivu
	case 0b110:
		base.Op = OpRem
	case 0b111:
		base.Op = OpRemu
	default:
		return illegal(4)
	}
	return base
}

func (d *Decoder) decodeMiscMem(w uint32) *Inst {
	switch funct3(w) {
	case 0b000:
		return &Inst{Class: ClassSystem, Op: OpFence, EncodedLength: 4, TerminatesBlock: true}
	case 0b001:
		return &Inst{Class: ClassSystem, Op: OpFenceI, EncodedLength: 4, TerminatesBlock: true}
	default:
		return illegal(4)
	}
}

func (d *Decoder) decodeSystem(w uint32) *Inst {
	f3 := funct3(w)
	if f3 == 0 {
		imm := iImm(w)
		switch {
		case imm == 0 && rs1(w) == 0 && rd(w) == 0:
			return &Inst{Class: ClassSystem, Op: OpEcall, EncodedLength: 4, TerminatesBlock: true}
		case imm == 1 && rs1(w) == 0 && rd(w) == 0:
			return &Inst{Class: ClassSystem, Op: OpEbreak, EncodedLength: 4, TerminatesBlock: true}
		case uint64(imm)&0xFFF == 0b0001001_00000 && rd(w) == 0:
			return &Inst{Class: ClassSystem, Op: OpSfenceVMA, EncodedLength: 4, Rs1: rs1(w), Rs2: rs2(w), TerminatesBlock: true}
		default:
			return illegal(4)
		}
	}

	csr := uint16(w >> 20)
	var op Op
	switch f3 {
	case 0b001:
		op = OpCsrrw
	case 0b010:
		op = OpCsrrs
	case 0b011:
		op = OpCsrrc
	case 0b101:
		op = OpCsrrwi
	case 0b110:
		op = OpCsrrsi
	case 0b111:
		op = OpCsrrci
	default:
		return illegal(4)
	}
	return &Inst{Class: ClassSystem, Op: op, EncodedLength: 4, Rd: rd(w), Rs1: rs1(w), Csr: csr, Imm: int64(rs1(w))}
}

func (d *Decoder) decodeAMO(w uint32) *Inst {
	f3 := funct3(w)
	if f3 != 0b010 && f3 != 0b011 {
		return illegal(4)
	}
	is64 := f3 == 0b011
	funct5 := (w >> 27) & 0x1F

	ops32 := map[uint32]Op{
		0b00010: OpLrW, 0b00011: OpScW, 0b00001: OpAmoswapW, 0b00000: OpAmoaddW,
		0b01100: OpAmoandW, 0b01000: OpAmoorW, 0b00100: OpAmoxorW,
		0b10000: OpAmominW, 0b10100: OpAmomaxW, 0b11000: OpAmominuW, 0b11100: OpAmomaxuW,
	}
	ops64 := map[uint32]Op{
		0b00010: OpLrD, 0b00011: OpScD, 0b00001: OpAmoswapD, 0b00000: OpAmoaddD,
		0b01100: OpAmoandD, 0b01000: OpAmoorD, 0b00100: OpAmoxorD,
		0b10000: OpAmominD, 0b10100: OpAmomaxD, 0b11000: OpAmominuD, 0b11100: OpAmomaxuD,
	}

	table := ops32
	if is64 {
		table = ops64
	}
	op, ok := table[funct5]
	if !ok {
		return illegal(4)
	}
	return &Inst{Class: ClassAMO, Op: op, EncodedLength: 4, Rd: rd(w), Rs1: rs1(w), Rs2: rs2(w)}
}

func (d *Decoder) decodeOpFP(w uint32) *Inst {
	f7 := funct7(w)
	f3 := funct3(w)
	base := &Inst{Class: ClassFP, EncodedLength: 4, Rd: rd(w), Rs1: rs1(w), Rs2: rs2(w)}

	switch f7 {
	case 0b0000000:
		base.Op = OpFaddS
	case 0b0000001:
		base.Op = OpFaddD
	case 0b0000100:
		base.Op = OpFsubS
	case 0b0000101:
		base.Op = OpFsubD
	case 0b0001000:
		base.Op = OpFmulS
	case 0b0001001:
		base.Op = OpFmulD
	case 0b0001100:
		base.Op = OpFdivS
	case 0b0001101:
		base.Op = OpFdivD
	case 0b0101100:
		base.Op = OpFsqrtS
	case 0b0101101:
		base.Op = OpFsqrtD
	case 0b1110000:
		base.Op = OpFmvXW
	case 0b1111000:
		base.Op = OpFmvWX
	case 0b1100000:
		base.Op = OpFcvtWS
	case 0b1101000:
		base.Op = OpFcvtSW
	case 0b1100001:
		base.Op = OpFcvtLD
	case 0b1101001:
		base.Op = OpFcvtDL
	case 0b1010000:
		switch f3 {
		case 0b010:
			base.Op = OpFeqS
		case 0b001:
			base.Op = OpFltS
		case 0b000:
			base.Op = OpFleS
		default:
			return illegal(4)
		}
	case 0b1010001:
		switch f3 {
		case 0b010:
			base.Op = OpFeqD
		case 0b001:
			base.Op = OpFltD
		case 0b000:
			base.Op = OpFleD
		default:
			return illegal(4)
		}
	default:
		return illegal(4)
	}
	return base
}

func (d *Decoder) decodeLoadFPOrVector(w uint32) *Inst {
	f3 := funct3(w)
	switch f3 {
	case 0b010:
		return &Inst{Class: ClassFP, Op: OpFlw, EncodedLength: 4, Rd: rd(w), Rs1: rs1(w), Imm: iImm(w)}
	case 0b011:
		return &Inst{Class: ClassFP, Op: OpFld, EncodedLength: 4, Rd: rd(w), Rs1: rs1(w), Imm: iImm(w)}
	case 0b000, 0b101, 0b110, 0b111:
		return decodeVectorLoad(w, f3)
	default:
		return illegal(4)
	}
}

func (d *Decoder) decodeStoreFPOrVector(w uint32) *Inst {
	f3 := funct3(w)
	switch f3 {
	case 0b010:
		return &Inst{Class: ClassFP, Op: OpFsw, EncodedLength: 4, Rs1: rs1(w), Rs2: rs2(w), Imm: sImm(w)}
	case 0b011:
		return &Inst{Class: ClassFP, Op: OpFsd, EncodedLength: 4, Rs1: rs1(w), Rs2: rs2(w), Imm: sImm(w)}
	case 0b000, 0b101, 0b110, 0b111:
		return decodeVectorStore(w, f3)
	default:
		return illegal(4)
	}
}

func widthFromField(f3 uint8) IndexWidth {
	switch f3 {
	case 0b000:
		return Width8
	case 0b101:
		return Width16
	case 0b110:
		return Width32
	default:
		return Width64
	}
}

func decodeVectorLoad(w uint32, f3 uint8) *Inst {
	return &Inst{
		Class:         ClassVectorLoadStore,
		Op:            OpVleV,
		EncodedLength: 4,
		Vd:            rd(w),
		Rs1:           rs1(w),
		SEW:           widthFromField(f3),
		VM:            (w>>25)&1 == 1,
	}
}

func decodeVectorStore(w uint32, f3 uint8) *Inst {
	return &Inst{
		Class:         ClassVectorLoadStore,
		Op:            OpVseV,
		EncodedLength: 4,
		Vs2:           rd(w), // the data register sits in the rd field for stores
		Rs1:           rs1(w),
		SEW:           widthFromField(f3),
		VM:            (w>>25)&1 == 1,
	}
}

// decodeOpV decodes the OP-V major opcode: vector arithmetic and the
// vset{vli,ivli,vl} configuration instructions.
func (d *Decoder) decodeOpV(w uint32) *Inst {
	f3 := funct3(w)

	if f3 == 0b111 {
		return decodeVsetFamily(w)
	}

	f6 := uint8(w >> 26)
	vm := (w>>25)&1 == 1
	vs2 := rs2(w)
	vs1OrRs1 := rs1(w)
	vd := rd(w)

	opFor := func(vv, vx, vi Op) (Op, bool) {
		switch f3 {
		case 0b000:
			return vv, true // OPIVV
		case 0b100:
			return vx, true // OPIVX
		case 0b011:
			return vi, true // OPIVI
		default:
			return OpIllegal, false
		}
	}

	if f3 == 0b001 { // OPFVV
		switch f6 {
		case 0b000000:
			return vectorALUInst(OpVfaddVV, vd, vs1OrRs1, vs2, vm, w)
		case 0b000010:
			return vectorALUInst(OpVfsubVV, vd, vs1OrRs1, vs2, vm, w)
		case 0b100100:
			return vectorALUInst(OpVfmulVV, vd, vs1OrRs1, vs2, vm, w)
		default:
			return illegal(4)
		}
	}

	switch f6 {
	case 0b000000: // VADD
		op, ok := opFor(OpVaddVV, OpVaddVX, OpVaddVI)
		if !ok {
			return illegal(4)
		}
		return vectorALUInst(op, vd, vs1OrRs1, vs2, vm, w)
	case 0b000010: // VSUB
		op, ok := opFor(OpVsubVV, OpVsubVX, OpIllegal)
		if !ok || op == OpIllegal {
			return illegal(4)
		}
		return vectorALUInst(op, vd, vs1OrRs1, vs2, vm, w)
	case 0b001001:
		if f3 != 0b000 {
			return illegal(4)
		}
		return vectorALUInst(OpVandVV, vd, vs1OrRs1, vs2, vm, w)
	case 0b001010:
		if f3 != 0b000 {
			return illegal(4)
		}
		return vectorALUInst(OpVorVV, vd, vs1OrRs1, vs2, vm, w)
	case 0b001011:
		if f3 != 0b000 {
			return illegal(4)
		}
		return vectorALUInst(OpVxorVV, vd, vs1OrRs1, vs2, vm, w)
	case 0b000100:
		if f3 != 0b000 {
			return illegal(4)
		}
		return vectorALUInst(OpVminuVV, vd, vs1OrRs1, vs2, vm, w)
	case 0b000110:
		if f3 != 0b000 {
			return illegal(4)
		}
		return vectorALUInst(OpVmaxuVV, vd, vs1OrRs1, vs2, vm, w)
	case 0b100101: // OPMVV: VMUL
		if f3 != 0b010 {
			return illegal(4)
		}
		return vectorALUInst(OpVmulVV, vd, vs1OrRs1, vs2, vm, w)
	default:
		return illegal(4)
	}
}

func vectorALUInst(op Op, vd, vs1, vs2 uint8, vm bool, w uint32) *Inst {
	return &Inst{
		Class:         ClassVectorALU,
		Op:            op,
		EncodedLength: 4,
		Vd:            vd,
		Vs1:           vs1,
		Vs2:           vs2,
		VM:            vm,
		Funct3:        funct3(w),
		Funct6:        uint8(w >> 26),
	}
}

// decodeVsetFamily decodes vsetvli/vsetivli/vsetvl. All three terminate the
// current block: the translation cache keys a block on (PC, vtype
// fingerprint), so a vtype change must start a fresh block rather than let
// a single translated function lower vector instructions under two
// different vtypes.
func decodeVsetFamily(w uint32) *Inst {
	rdv := rd(w)

	if w>>31 == 0 {
		zimm := uint16((w >> 20) & 0x7FF)
		return &Inst{Class: ClassVectorConfig, Op: OpVsetvli, EncodedLength: 4, Rd: rdv, Rs1: rs1(w), VtypeImm: zimm, TerminatesBlock: true}
	}
	if (w>>30)&1 == 1 {
		uimm := rs1(w)
		zimm := uint16((w >> 20) & 0x3FF)
		return &Inst{Class: ClassVectorConfig, Op: OpVsetivli, EncodedLength: 4, Rd: rdv, Imm: int64(uimm), VtypeImm: zimm, TerminatesBlock: true}
	}
	if funct7(w) == 0b1000000 {
		return &Inst{Class: ClassVectorConfig, Op: OpVsetvl, EncodedLength: 4, Rd: rdv, Rs1: rs1(w), Rs2: rs2(w), TerminatesBlock: true}
	}
	return illegal(4)
}
