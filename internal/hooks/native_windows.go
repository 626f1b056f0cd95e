//go:build windows

package hooks

import (
	"math"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/k2io/ovrhook/internal/ovr"
)

type nativeCaller struct{}

// NativeCaller calls runtime functions through syscall.SyscallN. The
// float arguments travel as their bit patterns: the runtime's stdcall
// bridge mirrors the first four integer registers into XMM0-XMM3, which is
// where the x64 convention expects floats in those positions.
func NativeCaller() Caller {
	return nativeCaller{}
}

func (nativeCaller) SetControllerVibration(fn, session uintptr, controller int32, frequency, amplitude float32) ovr.Result {
	r, _, _ := syscall.SyscallN(fn,
		session,
		uintptr(uint32(controller)),
		uintptr(math.Float32bits(frequency)),
		uintptr(math.Float32bits(amplitude)))
	return ovr.Result(int32(uint32(r)))
}

// GetHmdDesc passes out as the hidden return pointer: ovrHmdDesc is larger
// than 8 bytes, so the x64 convention returns it through a buffer supplied
// in the first argument register.
func (nativeCaller) GetHmdDesc(fn uintptr, out *ovr.HmdDesc, session uintptr) {
	syscall.SyscallN(fn, uintptr(unsafe.Pointer(out)), session)
}

// NativeEntries creates the C-callable entry points for c. Callbacks are
// never released, so this must only run once per process.
func NativeEntries(c *Context) Entries {
	return Entries{
		SubmitControllerVibration: windows.NewCallback(func(session, controller, buffer uintptr) uintptr {
			buf := (*ovr.HapticsBuffer)(unsafe.Pointer(buffer))
			return uintptr(uint32(c.SubmitControllerVibration(session, int32(uint32(controller)), buf)))
		}),
		GetHmdDesc: windows.NewCallback(func(out, session uintptr) uintptr {
			c.GetHmdDesc((*ovr.HmdDesc)(unsafe.Pointer(out)), session)
			return out
		}),
	}
}
