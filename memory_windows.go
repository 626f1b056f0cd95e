//go:build windows

package ovrhook

import (
	"syscall"

	"golang.org/x/sys/windows"
)

const (
	// VirtualAlloc placement granularity
	allocGranularity = 0x10000
	// search window on each side of the target, well inside rel32 reach
	allocReach = 1 << 30
)

var (
	modkernel32               = windows.NewLazySystemDLL("kernel32.dll")
	procFlushInstructionCache = modkernel32.NewProc("FlushInstructionCache")
)

type windowsMemory struct{}

func processMemory() codeMemory {
	// resolved now, write runs while other threads are suspended
	_ = procFlushInstructionCache.Find()
	return windowsMemory{}
}

func (windowsMemory) read(addr uintptr, n int) []byte {
	return makeSlice(addr, n)
}

func (windowsMemory) alloc(near uintptr, size int) (uintptr, error) {
	const kind = windows.MEM_COMMIT | windows.MEM_RESERVE
	if near != 0 {
		base := near &^ (allocGranularity - 1)
		for d := uintptr(allocGranularity); d < allocReach; d += allocGranularity {
			if base > d {
				if p, err := windows.VirtualAlloc(base-d, uintptr(size), kind, windows.PAGE_EXECUTE_READ); err == nil {
					return p, nil
				}
			}
			if p, err := windows.VirtualAlloc(base+d, uintptr(size), kind, windows.PAGE_EXECUTE_READ); err == nil {
				return p, nil
			}
		}
	}
	return windows.VirtualAlloc(0, uintptr(size), kind, windows.PAGE_EXECUTE_READ)
}

func (windowsMemory) free(addr uintptr, size int) error {
	return windows.VirtualFree(addr, 0, windows.MEM_RELEASE)
}

func (windowsMemory) write(addr uintptr, b []byte) error {
	var old uint32
	if err := windows.VirtualProtect(addr, uintptr(len(b)), windows.PAGE_EXECUTE_READWRITE, &old); err != nil {
		return err
	}
	copy(makeSlice(addr, len(b)), b)
	err := windows.VirtualProtect(addr, uintptr(len(b)), old, &old)
	syscall.SyscallN(procFlushInstructionCache.Addr(), uintptr(windows.CurrentProcess()), addr, uintptr(len(b)))
	return err
}
