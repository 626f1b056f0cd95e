//go:build windows

package resolver

import (
	"golang.org/x/sys/windows"
)

// GET_MODULE_HANDLE_EX_FLAG_UNCHANGED_REFCOUNT: the host keeps sole
// ownership of the library.
const unchangedRefcount = 0x2

type systemLoader struct{}

// SystemLoader looks at the modules of the current process.
func SystemLoader() Loader {
	return systemLoader{}
}

func (systemLoader) FindLibrary(name string) (Handle, bool) {
	p, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return 0, false
	}
	var h windows.Handle
	if err := windows.GetModuleHandleEx(unchangedRefcount, p, &h); err != nil {
		return 0, false
	}
	return Handle(h), h != 0
}

func (systemLoader) ResolveSymbol(h Handle, export string) (uintptr, bool) {
	if h == 0 {
		return 0, false
	}
	addr, err := windows.GetProcAddress(windows.Handle(h), export)
	if err != nil {
		return 0, false
	}
	return addr, addr != 0
}
