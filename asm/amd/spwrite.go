// Copyright The MemTrack Authors
// SPDX-License-Identifier: Apache-2.0

package amd // import "github.com/memtrack-dev/memtrack/asm/amd"

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// DecodeMode is the x86asm processor mode of the monitored program.
// The tracked program model is 32-bit x86.
const DecodeMode = 32

// spScanWindow bounds the forward scan of ScanForSPWrite. The scanned code
// only contains register restores and flag manipulation between the recorded
// site and the stack-pointer write, so a short window is sufficient.
const spScanWindow = 32

// ErrNoSPWrite is returned by ScanForSPWrite when no stack-pointer-writing
// instruction was found within the scan window. Callers treat this as
// fail-open: the adjustment is skipped rather than crashing.
var ErrNoSPWrite = errors.New("no stack-pointer write within scan window")

// ErrBranchBeforeSPWrite is returned when a control transfer precedes the
// expected stack-pointer write. This indicates a decoder/classifier mismatch
// and is fatal for the caller.
var ErrBranchBeforeSPWrite = errors.New("control transfer before stack-pointer write")

// IsSPReg reports whether reg is the stack-pointer register, including its
// 16-bit sub-register.
func IsSPReg(reg x86asm.Reg) bool {
	return reg == x86asm.ESP || reg == x86asm.SP
}

// WritesSP reports whether inst writes the stack-pointer register, either
// through an explicit destination operand or implicitly (push/pop family,
// call/return, frame setup and teardown).
func WritesSP(inst *x86asm.Inst) bool {
	switch inst.Op {
	case x86asm.RET, x86asm.LRET, x86asm.IRET, x86asm.IRETD,
		x86asm.LEAVE, x86asm.ENTER,
		x86asm.PUSH, x86asm.POP, x86asm.PUSHF, x86asm.POPF,
		x86asm.PUSHFD, x86asm.POPFD, x86asm.PUSHA, x86asm.POPA,
		x86asm.PUSHAD, x86asm.POPAD,
		x86asm.CALL, x86asm.LCALL,
		x86asm.SYSENTER, x86asm.SYSEXIT:
		return true
	case x86asm.XCHG:
		// Both operands are written.
		for _, arg := range inst.Args[:2] {
			if reg, ok := arg.(x86asm.Reg); ok && IsSPReg(reg) {
				return true
			}
		}
		return false
	case x86asm.MOV, x86asm.LEA, x86asm.ADD, x86asm.SUB, x86asm.INC,
		x86asm.DEC, x86asm.AND, x86asm.OR, x86asm.XOR, x86asm.ADC,
		x86asm.SBB:
		reg, ok := inst.Args[0].(x86asm.Reg)
		return ok && IsSPReg(reg)
	}
	return false
}

// IsControlTransfer reports whether inst diverts execution: any jump, call,
// return, interrupt or loop instruction.
func IsControlTransfer(inst *x86asm.Inst) bool {
	switch inst.Op {
	case x86asm.JMP, x86asm.LJMP, x86asm.CALL, x86asm.LCALL,
		x86asm.RET, x86asm.LRET, x86asm.IRET, x86asm.IRETD,
		x86asm.INT, x86asm.INTO,
		x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE,
		x86asm.JCXZ, x86asm.JECXZ,
		x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE,
		x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE,
		x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO, x86asm.JP,
		x86asm.JS:
		return true
	}
	return false
}

// ScanForSPWrite decodes forward through code until it finds an instruction
// that writes the stack-pointer register, and returns it. The scan is used
// by the shared slow path to recover the adjusting instruction from a
// recorded site: anything between the site and the write is register or
// flag restoration and never references the stack pointer.
//
// A control transfer before the write returns ErrBranchBeforeSPWrite and an
// undecodable byte sequence returns a decode error; both are fatal for the
// caller. Exhausting the window returns ErrNoSPWrite, which callers treat
// as fail-open.
func ScanForSPWrite(code []byte) (x86asm.Inst, error) {
	offs := 0
	for offs < len(code) && offs < spScanWindow {
		if ok, size := IsEndbr32(code[offs:]); ok {
			offs += size
			continue
		}
		inst, err := x86asm.Decode(code[offs:], DecodeMode)
		if err != nil {
			return x86asm.Inst{}, fmt.Errorf("decode at offset %d: %w", offs, err)
		}
		if WritesSP(&inst) {
			return inst, nil
		}
		if IsControlTransfer(&inst) {
			return x86asm.Inst{}, ErrBranchBeforeSPWrite
		}
		offs += inst.Len
	}
	return x86asm.Inst{}, ErrNoSPWrite
}
