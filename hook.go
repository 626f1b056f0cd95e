// Package ovrhook rebinds exported native functions of an already loaded
// library so that calls land in a replacement function first.
//
// An interception overwrites the first instructions of the target with an
// absolute jump to the replacement. The overwritten instructions are moved
// into a trampoline that jumps back behind the patch, so the replacement can
// still call the original implementation through the trampoline.
//
// Interceptions are installed in transactions:
//
//	t := ovrhook.NewTable()
//	_ = t.Begin()
//	_ = t.Attach("ovr_GetHmdDesc", &slot, detour)
//	err := t.Commit()
//
// A commit either patches every queued target or none of them.
package ovrhook

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	// ErrDoubleHook means the target is already hooked or queued
	ErrDoubleHook = errors.New("double hook")
	// ErrRelativeAddr means the prologue holds a relative reference that cannot be moved
	ErrRelativeAddr = errors.New("relative address in instruction")
	// ErrOutOfRange means a relocated displacement no longer fits in 32 bits
	ErrOutOfRange = errors.New("relocated displacement out of range")
	// ErrShortPrologue means the function ends before the patch fits
	ErrShortPrologue = errors.New("function too short to patch")
	// ErrUnsupportedArch means the patch engine does not know this architecture
	ErrUnsupportedArch = errors.New("unsupported architecture")
	// ErrTransactionOpen means Begin was called twice
	ErrTransactionOpen = errors.New("transaction already open")
	// ErrNoTransaction means Attach or Commit was called without Begin
	ErrNoTransaction = errors.New("no open transaction")
	// ErrNilDetour means the replacement address is zero
	ErrNilDetour = errors.New("nil detour")
)

// Stage names the commit step a TransactionError happened in.
type Stage string

const (
	StagePrepare Stage = "prepare"
	StageFreeze  Stage = "freeze"
	StageWrite   Stage = "write"
)

// TransactionError reports a failed commit. The table is left exactly as it
// was before Begin.
type TransactionError struct {
	Stage Stage
	Name  string
	Err   error
}

func (e *TransactionError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("commit %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("commit %s %s: %v", e.Stage, e.Name, e.Err)
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}

// Record describes one interception.
type Record struct {
	Name string
	// Target is the original entry point that gets patched.
	Target uintptr
	// Detour is the replacement the patched entry point jumps to.
	Detour uintptr
	// Trampoline calls the original implementation once installed.
	Trampoline uintptr
	Installed  bool

	slot  *atomic.Uintptr
	plan  *patchPlan
	saved []byte
}

// Table holds the interceptions of the process.
type Table struct {
	mu      sync.Mutex
	mem     codeMemory
	freezer threadFreezer
	// installed interceptions with target addresses as keys
	records map[uintptr]*Record
	pending []*Record
	open    bool
}

// NewTable returns a table patching the memory of the current process.
func NewTable() *Table {
	return newTable(processMemory(), processFreezer())
}

func newTable(mem codeMemory, freezer threadFreezer) *Table {
	return &Table{
		mem:     mem,
		freezer: freezer,
		records: make(map[uintptr]*Record),
	}
}

// Begin opens a transaction.
func (t *Table) Begin() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.open {
		return ErrTransactionOpen
	}
	t.open = true
	t.pending = nil
	return nil
}

// Attach queues the interception of the function whose address is held by
// slot. A zero slot means the symbol was not resolved: the interception is
// skipped and nil is returned. After a successful commit slot holds the
// trampoline address, so loading it always yields a callable original.
func (t *Table) Attach(name string, slot *atomic.Uintptr, detour uintptr) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open {
		return ErrNoTransaction
	}
	target := slot.Load()
	if target == 0 {
		Logger().Info("attach skipped, symbol not resolved", zap.String("name", name))
		return nil
	}
	if detour == 0 {
		return fmt.Errorf("attach %s: %w", name, ErrNilDetour)
	}
	if _, ok := t.records[target]; ok {
		return fmt.Errorf("attach %s: %w", name, ErrDoubleHook)
	}
	for _, r := range t.pending {
		if r.Target == target {
			return fmt.Errorf("attach %s: %w", name, ErrDoubleHook)
		}
	}
	t.pending = append(t.pending, &Record{
		Name:   name,
		Target: target,
		Detour: detour,
		slot:   slot,
	})
	return nil
}

// Abort drops the open transaction without touching memory.
func (t *Table) Abort() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.open = false
	t.pending = nil
}

// Commit installs every queued interception as one unit. All other threads
// of the process are suspended while the entry points are rewritten; a thread
// stopped inside a rewritten prologue resumes at the same instruction in the
// trampoline. If a patch cannot be written or a thread cannot be moved, every
// written byte is restored and a *TransactionError is returned.
func (t *Table) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open {
		return ErrNoTransaction
	}
	pending := t.pending
	t.pending, t.open = nil, false
	if len(pending) == 0 {
		return nil
	}

	for i, r := range pending {
		if err := t.prepare(r); err != nil {
			t.release(pending[:i+1])
			return &TransactionError{Stage: StagePrepare, Name: r.Name, Err: err}
		}
	}

	// Everything below runs with the other threads suspended and must not
	// allocate: a suspended thread may own the heap. Errors go to a slice
	// sized for the worst case and are combined after thaw.
	move := func(pc uintptr) (uintptr, bool) {
		for _, r := range pending {
			if pc >= r.Target && pc < r.Target+uintptr(r.plan.stolen) {
				return r.Trampoline + (pc - r.Target), true
			}
		}
		return 0, false
	}
	back := func(pc uintptr) (uintptr, bool) {
		for _, r := range pending {
			if pc >= r.Trampoline && pc < r.Trampoline+uintptr(r.plan.stolen) {
				return r.Target + (pc - r.Trampoline), true
			}
		}
		return 0, false
	}
	errs := make([]error, 0, len(pending)+3)
	frozen, err := t.freezer.freeze()
	if err != nil {
		t.release(pending)
		return &TransactionError{Stage: StageFreeze, Err: err}
	}
	stage := StageWrite
	var failed *Record
	written := 0
	for _, r := range pending {
		if err := t.mem.write(r.Target, r.plan.patch); err != nil {
			errs = append(errs, err)
			failed = r
			// the failed write may have landed partially
			written++
			break
		}
		written++
	}
	if failed == nil {
		if err := frozen.relocate(move); err != nil {
			// a thread may still sit inside a patched prologue
			errs = append(errs, err)
			stage = StageFreeze
			if err := frozen.relocate(back); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if len(errs) == 0 {
		for _, r := range pending {
			r.slot.Store(r.Trampoline)
		}
	} else {
		errs = t.rollback(pending[:written], errs)
	}
	thawErr := frozen.thaw()

	if len(errs) > 0 {
		t.release(pending)
		err := multierr.Combine(errs...)
		name := ""
		if failed != nil {
			name = failed.Name
		}
		Logger().Warn("commit rolled back",
			zap.String("stage", string(stage)),
			zap.String("name", name),
			zap.Error(multierr.Append(err, thawErr)))
		return &TransactionError{Stage: stage, Name: name, Err: err}
	}
	if thawErr != nil {
		Logger().Warn("thread resume incomplete", zap.Error(thawErr))
	}
	for _, r := range pending {
		r.Installed = true
		t.records[r.Target] = r
		Logger().Info("interception installed",
			zap.String("name", r.Name),
			zap.Uintptr("target", r.Target),
			zap.Uintptr("trampoline", r.Trampoline),
			zap.Int("stolen", r.plan.stolen))
	}
	return nil
}

// prepare plans the patch of r and writes its trampoline. Nothing visible to
// other threads changes here.
func (t *Table) prepare(r *Record) error {
	prologue := t.mem.read(r.Target, maxPrologue)
	r.saved = append([]byte(nil), prologue...)
	tramp, err := t.mem.alloc(r.Target, trampolineSize)
	if err != nil {
		return fmt.Errorf("trampoline: %w", err)
	}
	r.Trampoline = tramp
	plan, err := planPatch(prologue, r.Target, r.Detour, tramp)
	if err != nil {
		return err
	}
	r.plan = plan
	r.saved = r.saved[:plan.stolen]
	return t.mem.write(tramp, plan.trampoline)
}

// rollback restores the saved prologues in reverse order and appends any
// failure to errs, which has room for one error per record.
func (t *Table) rollback(written []*Record, errs []error) []error {
	for i := len(written) - 1; i >= 0; i-- {
		r := written[i]
		if err := t.mem.write(r.Target, r.saved); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// release frees trampolines of records that did not get installed.
func (t *Table) release(records []*Record) {
	for _, r := range records {
		if r.Trampoline != 0 {
			if err := t.mem.free(r.Trampoline, trampolineSize); err != nil {
				Logger().Debug("trampoline free failed", zap.String("name", r.Name), zap.Error(err))
			}
		}
		r.Trampoline = 0
		r.plan = nil
	}
}

// Records returns a copy of the installed interceptions.
func (t *Table) Records() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, Record{
			Name:       r.Name,
			Target:     r.Target,
			Detour:     r.Detour,
			Trampoline: r.Trampoline,
			Installed:  r.Installed,
		})
	}
	return out
}

// Installed reports whether target is intercepted.
func (t *Table) Installed(target uintptr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[target]
	return ok && r.Installed
}
