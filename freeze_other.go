//go:build !(windows && amd64)

package ovrhook

// Thread suspension is only implemented for the Windows target; elsewhere the
// table is used on code no other thread executes.
type soloFreezer struct{}

func processFreezer() threadFreezer {
	return soloFreezer{}
}

func (soloFreezer) freeze() (frozenThreads, error) {
	return soloFreezer{}, nil
}

func (soloFreezer) relocate(func(uintptr) (uintptr, bool)) error {
	return nil
}

func (soloFreezer) thaw() error {
	return nil
}
