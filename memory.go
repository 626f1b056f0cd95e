package ovrhook

import (
	"unsafe"
)

// codeMemory reads and rewrites executable memory.
type codeMemory interface {
	// read returns a view of n bytes at addr.
	read(addr uintptr, n int) []byte
	// alloc reserves executable memory, as close to near as the platform
	// allows so that 32-bit displacements can still reach it.
	alloc(near uintptr, size int) (uintptr, error)
	free(addr uintptr, size int) error
	// write copies b to addr, lifting and restoring page protection and
	// flushing the instruction cache. It must not allocate.
	write(addr uintptr, b []byte) error
}

func makeSlice(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

// pageSpan returns the page aligned range covering size bytes at addr.
func pageSpan(addr, size, pageSize uintptr) (start, length uintptr) {
	start = pageSize * (addr / pageSize)
	length = pageSize * ((addr + size + pageSize - 1 - start) / pageSize)
	return start, length
}

func sliceAddr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}
