//go:build !amd64

package ovrhook

const (
	maxPrologue    = 32
	trampolineSize = 64
)

type patchPlan struct {
	stolen     int
	patch      []byte
	trampoline []byte
}

func planPatch(prologue []byte, target, detour, trampoline uintptr) (*patchPlan, error) {
	return nil, ErrUnsupportedArch
}
