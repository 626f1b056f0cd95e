//go:build !unix && !windows

package ovrhook

type noMemory struct{}

func processMemory() codeMemory {
	return noMemory{}
}

func (noMemory) read(addr uintptr, n int) []byte {
	return makeSlice(addr, n)
}

func (noMemory) alloc(uintptr, int) (uintptr, error) {
	return 0, ErrUnsupportedArch
}

func (noMemory) free(uintptr, int) error {
	return ErrUnsupportedArch
}

func (noMemory) write(uintptr, []byte) error {
	return ErrUnsupportedArch
}
