// Package resolver finds the target library in the current process and
// looks up its exports.
package resolver

import (
	"sync/atomic"
	"time"
)

// Handle is the base address of a loaded library. The host owns it; it is
// never freed here.
type Handle uintptr

// Loader inspects the libraries already mapped into the process.
type Loader interface {
	// FindLibrary reports the handle of a library the host has loaded. It
	// never loads the library itself.
	FindLibrary(name string) (Handle, bool)
	// ResolveSymbol returns the address of an export.
	ResolveSymbol(h Handle, export string) (uintptr, bool)
}

// Policy bounds the wait for the library. The host initializes the runtime
// lazily, so the library can appear well after this module was loaded.
type Policy struct {
	Interval time.Duration
	// MaxAttempts of zero waits forever.
	MaxAttempts int
}

// DefaultPolicy polls for about five seconds and then gives up, leaving the
// host untouched.
var DefaultPolicy = Policy{
	Interval:    10 * time.Millisecond,
	MaxAttempts: 500,
}

// Resolver drives a Loader with a Policy.
type Resolver struct {
	Loader Loader
	Policy Policy
	// Sleep defaults to time.Sleep.
	Sleep func(time.Duration)
}

// WaitLibrary polls until name is loaded or the policy runs out. It returns
// the number of lookups made.
func (r *Resolver) WaitLibrary(name string) (Handle, int, bool) {
	sleep := r.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	for attempt := 1; ; attempt++ {
		if h, ok := r.Loader.FindLibrary(name); ok && h != 0 {
			return h, attempt, true
		}
		if r.Policy.MaxAttempts > 0 && attempt >= r.Policy.MaxAttempts {
			return 0, attempt, false
		}
		sleep(r.Policy.Interval)
	}
}

// Symbol resolves export on h. A zero handle is never passed to the loader.
func (r *Resolver) Symbol(h Handle, export string) (uintptr, bool) {
	if h == 0 {
		return 0, false
	}
	addr, ok := r.Loader.ResolveSymbol(h, export)
	return addr, ok && addr != 0
}

// Lazy is a symbol address that is written at most once and read from any
// thread. Concurrent resolvers race benignly: the first stored address
// settles and every later reader sees that value.
type Lazy struct {
	Name string
	addr atomic.Uintptr
}

// Load returns the settled address or zero.
func (l *Lazy) Load() uintptr {
	return l.addr.Load()
}

// Settle stores addr unless an address has settled already, and returns the
// settled value.
func (l *Lazy) Settle(addr uintptr) uintptr {
	if addr != 0 {
		l.addr.CompareAndSwap(0, addr)
	}
	return l.addr.Load()
}

// Resolve returns the settled address, looking it up in library first if
// nothing has settled yet. It returns zero when the library or the export is
// absent.
func (l *Lazy) Resolve(loader Loader, library string) uintptr {
	if addr := l.addr.Load(); addr != 0 {
		return addr
	}
	h, ok := loader.FindLibrary(library)
	if !ok || h == 0 {
		return 0
	}
	addr, ok := loader.ResolveSymbol(h, l.Name)
	if !ok {
		return 0
	}
	return l.Settle(addr)
}
