//go:build unix

package ovrhook

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

var pageSize = uintptr(unix.Getpagesize())

type unixMemory struct {
	mu   sync.Mutex
	maps map[uintptr][]byte
}

func processMemory() codeMemory {
	return &unixMemory{maps: make(map[uintptr][]byte)}
}

func (m *unixMemory) read(addr uintptr, n int) []byte {
	return makeSlice(addr, n)
}

// alloc ignores near: anonymous mappings take no placement hint here, so
// relocations against far trampolines fail with ErrOutOfRange instead.
func (m *unixMemory) alloc(near uintptr, size int) (uintptr, error) {
	_, length := pageSpan(0, uintptr(size), pageSize)
	b, err := unix.Mmap(-1, 0, int(length), unix.PROT_READ|unix.PROT_EXEC, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return 0, fmt.Errorf("mmap: %w", err)
	}
	addr := sliceAddr(b)
	m.mu.Lock()
	m.maps[addr] = b
	m.mu.Unlock()
	return addr, nil
}

func (m *unixMemory) free(addr uintptr, size int) error {
	m.mu.Lock()
	b, ok := m.maps[addr]
	delete(m.maps, addr)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("free %#x: not allocated here", addr)
	}
	return unix.Munmap(b)
}

func (m *unixMemory) write(addr uintptr, b []byte) error {
	if err := mprotectSpan(addr, uintptr(len(b)), unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC); err != nil {
		return err
	}
	copy(makeSlice(addr, len(b)), b)
	return mprotectSpan(addr, uintptr(len(b)), unix.PROT_READ|unix.PROT_EXEC)
}

// mprotectSpan sets prot on every page touched by size bytes at addr.
func mprotectSpan(addr, size uintptr, prot int) error {
	start, length := pageSpan(addr, size, pageSize)
	return unix.Mprotect(makeSlice(start, int(length)), prot)
}
