// Copyright The MemTrack Authors
// SPDX-License-Identifier: Apache-2.0

package stacktrack // import "github.com/memtrack-dev/memtrack/stacktrack"

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/memtrack-dev/memtrack/asm/amd"
)

// AdjustmentType is the semantic shape of a stack-pointer-writing
// instruction. It is derived once from the opcode and immutable.
type AdjustmentType uint8

const (
	// AdjustAbsolute sets the stack pointer to a computed address
	// (direct move, frame-pointer restore, address computation, exchange).
	AdjustAbsolute AdjustmentType = iota
	// AdjustRelativeNegative grows the stack by an operand amount.
	AdjustRelativeNegative
	// AdjustRelativePositive shrinks the stack by a signed operand amount.
	AdjustRelativePositive
	// AdjustReturnPop shrinks the stack by an immediate, logically after
	// the implicit pop of the return address.
	AdjustReturnPop
	// AdjustMaskAlign ANDs the stack pointer with an immediate mask.
	AdjustMaskAlign
	// AdjustInvalid marks an unrecognized shape; fatal if reached.
	AdjustInvalid

	adjustFastFirst = AdjustAbsolute
	adjustFastLast  = AdjustReturnPop
)

// ReturnAddrWidth is the pointer width of the tracked program: the size of
// the implicit return-address pop preceding an AdjustReturnPop adjustment.
const ReturnAddrWidth = 4

func (t AdjustmentType) String() string {
	switch t {
	case AdjustAbsolute:
		return "absolute"
	case AdjustRelativeNegative:
		return "negative"
	case AdjustRelativePositive:
		return "positive"
	case AdjustReturnPop:
		return "ret-immed"
	case AdjustMaskAlign:
		return "mask-align"
	}
	return "invalid"
}

// adjustmentTypeFor maps an opcode to its adjustment type. POP maps to
// AdjustReturnPop: the slow-path forward scan sees the mangled pop of a
// return-with-immediate rather than the return itself.
func adjustmentTypeFor(op x86asm.Op) AdjustmentType {
	switch op {
	case x86asm.MOV, x86asm.LEAVE, x86asm.LEA, x86asm.XCHG:
		return AdjustAbsolute
	case x86asm.INC, x86asm.DEC, x86asm.ADD:
		return AdjustRelativePositive
	case x86asm.SUB, x86asm.ENTER:
		return AdjustRelativeNegative
	case x86asm.RET, x86asm.POP:
		return AdjustReturnPop
	case x86asm.AND:
		return AdjustMaskAlign
	}
	return AdjustInvalid
}

// instAdjustmentType derives the adjustment type of a concrete instruction.
// A pop whose destination is the stack pointer itself replaces it with the
// loaded value and is absolute; only a pop into another register keeps the
// POP opcode's return-pop mapping. Both the instrumentation step and the
// shared slow path's forward scan derive the type here so the two dispatch
// strategies agree on every site.
func instAdjustmentType(inst *x86asm.Inst) AdjustmentType {
	if inst.Op == x86asm.POP {
		if reg, ok := inst.Args[0].(x86asm.Reg); ok && amd.IsSPReg(reg) {
			return AdjustAbsolute
		}
	}
	return adjustmentTypeFor(inst.Op)
}

func instImm(inst *x86asm.Inst, arg int) (int64, bool) {
	imm, ok := inst.Args[arg].(x86asm.Imm)
	return int64(imm), ok
}

// needsAdjustTracking decides whether an instruction confirmed to write the
// stack pointer requires explicit adjustment handling. Implicit adjustments
// folded into push/pop-style instructions are excluded: the memory access
// instrumentation covers them. The exceptions are a return with a non-zero
// immediate pop count, enter/leave, and a pop whose destination is the stack
// pointer itself.
func needsAdjustTracking(inst *x86asm.Inst, trackDefinedness bool) bool {
	op := inst.Op
	switch op {
	case x86asm.PUSH, x86asm.PUSHF, x86asm.PUSHFD, x86asm.PUSHA,
		x86asm.PUSHAD, x86asm.POPF, x86asm.POPFD, x86asm.POPA,
		x86asm.POPAD, x86asm.CALL, x86asm.LCALL,
		x86asm.LRET, x86asm.IRET, x86asm.IRETD:
		return false
	case x86asm.POP:
		reg, ok := inst.Args[0].(x86asm.Reg)
		if !ok || !amd.IsSPReg(reg) {
			return false
		}
	case x86asm.RET:
		if imm, ok := instImm(inst, 0); !ok || imm == 0 {
			return false
		}
	case x86asm.SYSENTER, x86asm.SYSEXIT:
		// The hidden return-style stack-pointer write is ignored.
		return false
	case x86asm.INT, x86asm.INTO:
		return false
	case x86asm.OR:
		// "or esp,esp" only tests flags.
		src, sok := inst.Args[1].(x86asm.Reg)
		dst, dok := inst.Args[0].(x86asm.Reg)
		if sok && dok && amd.IsSPReg(src) && amd.IsSPReg(dst) {
			return false
		}
	}
	if !trackDefinedness && shrinkOnly(inst) {
		// Leaks-only mode: shrinking the stack never introduces new
		// unsafe memory and so needs no tracking.
		return false
	}
	return true
}

// shrinkOnly reports whether the adjustment can only shrink the tracked
// region. LEAVE technically doesn't have to shrink the stack; it is assumed
// to.
func shrinkOnly(inst *x86asm.Inst) bool {
	switch inst.Op {
	case x86asm.INC, x86asm.RET, x86asm.LEAVE:
		return true
	case x86asm.ADD:
		imm, ok := instImm(inst, 1)
		return ok && imm >= 0
	case x86asm.SUB:
		imm, ok := instImm(inst, 1)
		return ok && imm <= 0
	}
	return false
}

// siteOperand extracts the operand the adjustment handler needs, when it is
// statically known. Register and memory shaped operands resolve at runtime
// and are supplied by the caller of Apply.
func siteOperand(inst *x86asm.Inst) (imm int64, hasImm bool) {
	switch inst.Op {
	case x86asm.INC:
		return 1, true
	case x86asm.DEC:
		return -1, true
	case x86asm.RET, x86asm.ENTER:
		return instImm(inst, 0)
	case x86asm.ADD, x86asm.SUB, x86asm.AND:
		return instImm(inst, 1)
	}
	return 0, false
}
