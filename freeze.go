package ovrhook

// threadFreezer stops every other thread of the process for the duration of
// a commit.
type threadFreezer interface {
	freeze() (frozenThreads, error)
}

type frozenThreads interface {
	// relocate offers the instruction pointer of every frozen thread to move
	// and applies the returned address when ok is true.
	relocate(move func(pc uintptr) (to uintptr, ok bool)) error
	thaw() error
}
