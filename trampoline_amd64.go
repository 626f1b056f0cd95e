package ovrhook

import (
	"encoding/binary"
	"fmt"
	"math"

	"golang.org/x/arch/x86/x86asm"
)

const (
	// JMP [RIP+0] followed by the absolute 64-bit destination
	jumpLength = 14
	// longest x86-64 instruction is 15 bytes
	maxPrologue    = jumpLength + 15
	trampolineSize = maxPrologue + jumpLength
)

type patchPlan struct {
	// bytes of the original prologue replaced by the patch
	stolen int
	// written over the target
	patch []byte
	// relocated prologue plus the jump back
	trampoline []byte
}

func absJump(to uintptr) []byte {
	seq := make([]byte, jumpLength)
	seq[0], seq[1] = 0xff, 0x25 // JMP [RIP+0]
	binary.LittleEndian.PutUint64(seq[6:], uint64(to))
	return seq
}

// planPatch decodes whole instructions from prologue until a jump fits,
// copies them to the trampoline and fixes their relative displacements.
// Instruction lengths never change, so an offset into the stolen bytes is the
// same offset into the trampoline.
func planPatch(prologue []byte, target, detour, trampoline uintptr) (*patchPlan, error) {
	code := make([]byte, 0, trampolineSize)
	var refs []uintptr
	n := 0
	for n < jumpLength {
		if n >= len(prologue) {
			return nil, ErrShortPrologue
		}
		inst, err := x86asm.Decode(prologue[n:], 64)
		if err != nil {
			return nil, fmt.Errorf("decode at +%d: %w", n, err)
		}
		raw := append([]byte(nil), prologue[n:n+inst.Len]...)
		if isRelative(inst) {
			dest, err := relocate(raw, inst, target+uintptr(n), trampoline+uintptr(n))
			if err != nil {
				return nil, fmt.Errorf("%v at +%d: %w", inst, n, err)
			}
			refs = append(refs, dest)
		}
		code = append(code, raw...)
		n += inst.Len
		if n < jumpLength && endsFlow(inst) {
			return nil, ErrShortPrologue
		}
	}
	// a reference back into the stolen bytes would land on the patch
	for _, dest := range refs {
		if dest >= target && dest < target+uintptr(n) {
			return nil, ErrRelativeAddr
		}
	}
	code = append(code, absJump(target+uintptr(n))...)

	patch := absJump(detour)
	for len(patch) < n {
		patch = append(patch, 0xcc) // INT3
	}
	return &patchPlan{stolen: n, patch: patch, trampoline: code}, nil
}

func isRelative(inst x86asm.Inst) bool {
	if inst.PCRel != 0 {
		return true
	}
	for _, a := range inst.Args {
		if a == nil {
			break
		}
		if mem, ok := a.(x86asm.Mem); ok && mem.Base == x86asm.RIP {
			return true
		}
		if _, ok := a.(x86asm.Rel); ok {
			return true
		}
	}
	return false
}

// relocate rewrites the 32-bit displacement of raw, decoded at from, so that
// it still reaches the same destination when executed at to.
func relocate(raw []byte, inst x86asm.Inst, from, to uintptr) (uintptr, error) {
	if inst.PCRel != 4 {
		// rel8 branches cannot reach the trampoline
		return 0, ErrRelativeAddr
	}
	off := inst.PCRelOff
	disp := int64(int32(binary.LittleEndian.Uint32(raw[off:])))
	end := int64(inst.Len)
	dest := uintptr(int64(from) + end + disp)
	moved := int64(dest) - int64(to) - end
	if moved < math.MinInt32 || moved > math.MaxInt32 {
		return 0, ErrOutOfRange
	}
	binary.LittleEndian.PutUint32(raw[off:], uint32(int32(moved)))
	return dest, nil
}

func endsFlow(inst x86asm.Inst) bool {
	switch inst.Op {
	case x86asm.RET, x86asm.LRET, x86asm.JMP, x86asm.LJMP, x86asm.UD2, x86asm.INT, x86asm.HLT:
		return true
	}
	return false
}
