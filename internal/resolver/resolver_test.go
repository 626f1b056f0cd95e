package resolver

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeLoader makes the library appear after a number of lookups.
type fakeLoader struct {
	appearAfter int
	symbols     map[string]uintptr
	finds       atomic.Int32
	resolves    atomic.Int32
	zeroHandle  atomic.Bool
}

func (f *fakeLoader) FindLibrary(name string) (Handle, bool) {
	n := int(f.finds.Add(1))
	if f.appearAfter < 0 || n < f.appearAfter {
		return 0, false
	}
	return 0x18000000, true
}

func (f *fakeLoader) ResolveSymbol(h Handle, export string) (uintptr, bool) {
	if h == 0 {
		f.zeroHandle.Store(true)
	}
	f.resolves.Add(1)
	addr, ok := f.symbols[export]
	return addr, ok
}

func TestWaitLibrary(t *testing.T) {
	tests := []struct {
		name        string
		appearAfter int
		policy      Policy
		found       bool
		attempts    int
		sleeps      int
	}{
		{"already loaded", 1, DefaultPolicy, true, 1, 0},
		{"loaded late", 4, DefaultPolicy, true, 4, 3},
		{"never loaded", -1, Policy{Interval: time.Millisecond, MaxAttempts: 5}, false, 5, 4},
		{"unbounded", 50, Policy{Interval: time.Millisecond}, true, 50, 49},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var slept []time.Duration
			r := &Resolver{
				Loader: &fakeLoader{appearAfter: tt.appearAfter},
				Policy: tt.policy,
				Sleep:  func(d time.Duration) { slept = append(slept, d) },
			}
			h, attempts, ok := r.WaitLibrary("LibOVRRT64_1.dll")
			if ok != tt.found || attempts != tt.attempts {
				t.Errorf("WaitLibrary = (%v, %d), want (%v, %d)", ok, attempts, tt.found, tt.attempts)
			}
			if ok && h == 0 {
				t.Error("found library with zero handle")
			}
			if len(slept) != tt.sleeps {
				t.Errorf("slept %d times, want %d", len(slept), tt.sleeps)
			}
			for _, d := range slept {
				if d != tt.policy.Interval {
					t.Errorf("slept %v, want %v", d, tt.policy.Interval)
				}
			}
		})
	}
}

func TestSymbolNeverUsesZeroHandle(t *testing.T) {
	l := &fakeLoader{symbols: map[string]uintptr{"ovr_GetHmdDesc": 0x1000}}
	r := &Resolver{Loader: l}
	if _, ok := r.Symbol(0, "ovr_GetHmdDesc"); ok {
		t.Error("resolved against a zero handle")
	}
	if l.zeroHandle.Load() || l.resolves.Load() != 0 {
		t.Error("loader was called with a zero handle")
	}
	if addr, ok := r.Symbol(0x18000000, "ovr_GetHmdDesc"); !ok || addr != 0x1000 {
		t.Errorf("Symbol = %#x, %v", addr, ok)
	}
	if _, ok := r.Symbol(0x18000000, "ovr_Missing"); ok {
		t.Error("resolved a missing export")
	}
}

func TestLazyResolve(t *testing.T) {
	l := &fakeLoader{appearAfter: 2, symbols: map[string]uintptr{"ovr_SetControllerVibration": 0x2000}}
	lazy := &Lazy{Name: "ovr_SetControllerVibration"}
	if addr := lazy.Resolve(l, "LibOVRRT64_1.dll"); addr != 0 {
		t.Fatalf("resolved %#x before the library exists", addr)
	}
	if addr := lazy.Resolve(l, "LibOVRRT64_1.dll"); addr != 0x2000 {
		t.Fatalf("Resolve = %#x", addr)
	}
	finds := l.finds.Load()
	if addr := lazy.Resolve(l, "LibOVRRT64_1.dll"); addr != 0x2000 {
		t.Fatalf("Resolve = %#x", addr)
	}
	if l.finds.Load() != finds {
		t.Error("settled address looked up again")
	}
}

func TestLazySettleIsWriteOnce(t *testing.T) {
	var lazy Lazy
	if got := lazy.Settle(0); got != 0 {
		t.Errorf("Settle(0) = %#x", got)
	}
	if got := lazy.Settle(0x10); got != 0x10 {
		t.Errorf("first Settle = %#x", got)
	}
	if got := lazy.Settle(0x20); got != 0x10 {
		t.Errorf("second Settle = %#x, want first value", got)
	}
}

func TestLazyConcurrentResolve(t *testing.T) {
	l := &fakeLoader{appearAfter: 1, symbols: map[string]uintptr{"ovr_SetControllerVibration": 0x12345678}}
	lazy := &Lazy{Name: "ovr_SetControllerVibration"}
	const workers = 64
	var wg sync.WaitGroup
	results := make([]uintptr, workers)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			for j := 0; j < 100; j++ {
				results[i] = lazy.Resolve(l, "LibOVRRT64_1.dll")
			}
		}(i)
	}
	close(start)
	wg.Wait()
	for i, got := range results {
		if got != 0x12345678 {
			t.Fatalf("worker %d saw %#x", i, got)
		}
	}
}
