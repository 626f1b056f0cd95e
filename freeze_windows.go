//go:build windows && amd64

package ovrhook

import (
	"encoding/binary"
	"errors"
	"runtime"
	"runtime/debug"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

// CONTEXT layout for x86-64
const (
	contextSize        = 0x4d0
	contextFlagsOffset = 0x30
	contextRipOffset   = 0xf8
	contextControl     = 0x00100001 // CONTEXT_AMD64 | CONTEXT_CONTROL

	// THREAD_SUSPEND_RESUME | THREAD_GET_CONTEXT | THREAD_SET_CONTEXT
	threadAccess = 0x0002 | 0x0008 | 0x0010
	suspendFail  = 0xffffffff
)

var (
	procSuspendThread    = modkernel32.NewProc("SuspendThread")
	procGetThreadContext = modkernel32.NewProc("GetThreadContext")
	procSetThreadContext = modkernel32.NewProc("SetThreadContext")
)

type windowsFreezer struct{}

func processFreezer() threadFreezer {
	for _, p := range []*windows.LazyProc{procSuspendThread, procGetThreadContext, procSetThreadContext} {
		_ = p.Find()
	}
	return windowsFreezer{}
}

// threadContext holds a CONTEXT record; GetThreadContext wants it 16-byte
// aligned, so the record starts at the first aligned offset.
type threadContext [contextSize + 16]byte

func (c *threadContext) record() []byte {
	off := (16 - sliceAddr(c[:])%16) % 16
	return c[off : off+contextSize]
}

type suspended struct {
	handles   []windows.Handle
	contexts  []threadContext
	gcPercent int
}

func (windowsFreezer) freeze() (frozenThreads, error) {
	// pinned first: the thread that suspends the others must not change
	// between the snapshot and the last SuspendThread
	runtime.LockOSThread()
	self := windows.GetCurrentThreadId()
	ids, err := otherThreads(self)
	if err != nil {
		runtime.UnlockOSThread()
		return nil, err
	}
	s := &suspended{
		handles:   make([]windows.Handle, 0, len(ids)),
		contexts:  make([]threadContext, len(ids)),
		gcPercent: debug.SetGCPercent(-1),
	}
	for _, id := range ids {
		if id == windows.GetCurrentThreadId() {
			continue
		}
		h, err := windows.OpenThread(threadAccess, false, id)
		if err != nil {
			// exited since the snapshot
			continue
		}
		r, _, _ := syscall.SyscallN(procSuspendThread.Addr(), uintptr(h))
		if uint32(r) == suspendFail {
			windows.CloseHandle(h)
			continue
		}
		s.handles = append(s.handles, h)
	}
	return s, nil
}

// otherThreads lists the threads of the process except self.
func otherThreads(self uint32) ([]uint32, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPTHREAD, 0)
	if err != nil {
		return nil, err
	}
	defer windows.CloseHandle(snap)
	pid := windows.GetCurrentProcessId()
	var ids []uint32
	var entry windows.ThreadEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))
	for err = windows.Thread32First(snap, &entry); err == nil; err = windows.Thread32Next(snap, &entry) {
		if entry.OwnerProcessID == pid && entry.ThreadID != self {
			ids = append(ids, entry.ThreadID)
		}
	}
	if !errors.Is(err, windows.ERROR_NO_MORE_FILES) {
		return nil, err
	}
	return ids, nil
}

func (s *suspended) relocate(move func(uintptr) (uintptr, bool)) error {
	var err error
	for i, h := range s.handles {
		rec := s.contexts[i].record()
		binary.LittleEndian.PutUint32(rec[contextFlagsOffset:], contextControl)
		ptr := uintptr(unsafe.Pointer(&rec[0]))
		if r, _, e := syscall.SyscallN(procGetThreadContext.Addr(), uintptr(h), ptr); r == 0 {
			err = errnoErr(e)
			continue
		}
		pc := uintptr(binary.LittleEndian.Uint64(rec[contextRipOffset:]))
		to, ok := move(pc)
		if !ok {
			continue
		}
		binary.LittleEndian.PutUint64(rec[contextRipOffset:], uint64(to))
		if r, _, e := syscall.SyscallN(procSetThreadContext.Addr(), uintptr(h), ptr); r == 0 {
			err = errnoErr(e)
		}
	}
	return err
}

func (s *suspended) thaw() error {
	var err error
	for _, h := range s.handles {
		if _, e := windows.ResumeThread(h); e != nil {
			err = e
		}
		windows.CloseHandle(h)
	}
	debug.SetGCPercent(s.gcPercent)
	runtime.UnlockOSThread()
	return err
}

func errnoErr(e syscall.Errno) error {
	if e == 0 {
		return syscall.EINVAL
	}
	return e
}
