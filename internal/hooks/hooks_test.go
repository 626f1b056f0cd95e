package hooks

import (
	"bytes"
	"math"
	"sync"
	"testing"
	"unsafe"

	"github.com/k2io/ovrhook/internal/config"
	"github.com/k2io/ovrhook/internal/ovr"
	"github.com/k2io/ovrhook/internal/resolver"
)

const (
	setVibrationAddr = uintptr(0x5000)
	hmdTrampoline    = uintptr(0x6000)
	session          = uintptr(0xabc0)
)

type vibrationCall struct {
	fn, session          uintptr
	controller           int32
	frequency, amplitude float32
}

type fakeCaller struct {
	mu         sync.Mutex
	vibrations []vibrationCall
	descs      int
	result     ovr.Result
	desc       ovr.HmdDesc
}

func (f *fakeCaller) SetControllerVibration(fn, session uintptr, controller int32, frequency, amplitude float32) ovr.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vibrations = append(f.vibrations, vibrationCall{fn, session, controller, frequency, amplitude})
	return f.result
}

func (f *fakeCaller) GetHmdDesc(fn uintptr, out *ovr.HmdDesc, session uintptr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.descs++
	*out = f.desc
}

type fakeLoader struct {
	loaded  bool
	symbols map[string]uintptr
}

func (l *fakeLoader) FindLibrary(string) (resolver.Handle, bool) {
	return 0x18000000, l.loaded
}

func (l *fakeLoader) ResolveSymbol(_ resolver.Handle, export string) (uintptr, bool) {
	a, ok := l.symbols[export]
	return a, ok
}

func newTestContext(strength, fov float32, caller Caller) *Context {
	cfg := config.Default()
	cfg.HapticStrength, cfg.FovMultiplier = strength, fov
	loader := &fakeLoader{loaded: true, symbols: map[string]uintptr{ovr.ExportSetControllerVibration: setVibrationAddr}}
	return NewContext(cfg, loader, ovr.LibraryName, caller)
}

func buffer(samples []byte) *ovr.HapticsBuffer {
	b := &ovr.HapticsBuffer{SamplesCount: int32(len(samples))}
	if len(samples) > 0 {
		b.Samples = unsafe.Pointer(&samples[0])
	}
	return b
}

func near(a, b float32) bool {
	return math.Abs(float64(a-b)) < 1e-4
}

func TestVibration(t *testing.T) {
	tests := []struct {
		name      string
		samples   []byte
		strength  float32
		frequency float32
		amplitude float32
	}{
		{"empty", nil, 1.4, 0, 0},
		{"silence", bytes.Repeat([]byte{0}, 32), 1.4, 0, 0},
		{"below deadband", bytes.Repeat([]byte{2}, 32), 5, 0, 0},
		{"mean 2.5 below deadband", []byte{2, 3, 2, 3}, 5, 0, 0},
		{"just above deadband", []byte{3, 3}, 1, 1, 3.0 / 255},
		{"default strength at 128", bytes.Repeat([]byte{128}, 20), 1.4, 1, 0.702745},
		{"mixed samples average 128", []byte{0, 255, 128, 129}, 1.4, 1, 0.702745},
		{"clamped", bytes.Repeat([]byte{255}, 8), 4, 1, 1},
		{"zero strength", bytes.Repeat([]byte{200}, 8), 0, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, a := Vibration(tt.samples, tt.strength)
			if f != tt.frequency || !near(a, tt.amplitude) {
				t.Errorf("Vibration = (%v, %v), want (%v, %v)", f, a, tt.frequency, tt.amplitude)
			}
		})
	}
}

func TestVibrationNeverExceedsOne(t *testing.T) {
	for v := 0; v < 256; v++ {
		for _, s := range []float32{0.5, 1, 1.4, 2.5, 5} {
			_, a := Vibration([]byte{byte(v)}, s)
			if a < 0 || a > 1 {
				t.Fatalf("Vibration(%d, %v) amplitude %v", v, s, a)
			}
			mean := float32(v) / 255
			if mean > Deadband && !near(a, float32(math.Min(1, float64(mean*s)))) {
				t.Fatalf("Vibration(%d, %v) = %v, want min(1, %v)", v, s, a, mean*s)
			}
		}
	}
}

func TestSubmitControllerVibration(t *testing.T) {
	tests := []struct {
		name      string
		buf       *ovr.HapticsBuffer
		frequency float32
		amplitude float32
	}{
		{"nil buffer", nil, 0, 0},
		{"zero samples", buffer(nil), 0, 0},
		{"weak", buffer([]byte{1, 2, 1}), 0, 0},
		{"strong", buffer(bytes.Repeat([]byte{128}, 10)), 1, 0.702745},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caller := &fakeCaller{result: 7}
			c := newTestContext(1.4, 1, caller)
			res := c.SubmitControllerVibration(session, 2, tt.buf)
			if res != 7 {
				t.Errorf("result = %d, want the call-through result", res)
			}
			if len(caller.vibrations) != 1 {
				t.Fatalf("%d call-throughs, want exactly 1", len(caller.vibrations))
			}
			got := caller.vibrations[0]
			if got.fn != setVibrationAddr || got.session != session || got.controller != 2 {
				t.Errorf("call-through %+v", got)
			}
			if got.frequency != tt.frequency || !near(got.amplitude, tt.amplitude) {
				t.Errorf("call-through (%v, %v), want (%v, %v)", got.frequency, got.amplitude, tt.frequency, tt.amplitude)
			}
		})
	}
}

func TestSubmitWithoutSetVibration(t *testing.T) {
	caller := &fakeCaller{result: 7}
	c := NewContext(config.Default(), &fakeLoader{loaded: true}, ovr.LibraryName, caller)
	if res := c.SubmitControllerVibration(session, 1, buffer([]byte{200})); res != ovr.Success {
		t.Errorf("result = %d, want success", res)
	}
	if len(caller.vibrations) != 0 {
		t.Error("called through without a resolved export")
	}

	c = NewContext(config.Default(), &fakeLoader{}, ovr.LibraryName, caller)
	if res := c.SubmitControllerVibration(session, 1, buffer([]byte{200})); res != ovr.Success {
		t.Errorf("result = %d without library", res)
	}
}

func TestSubmitUsesSettledAddress(t *testing.T) {
	caller := &fakeCaller{}
	c := NewContext(config.Default(), &fakeLoader{}, ovr.LibraryName, caller)
	c.SetVibration.Settle(0x7000)
	c.SubmitControllerVibration(session, 1, nil)
	if len(caller.vibrations) != 1 || caller.vibrations[0].fn != 0x7000 {
		t.Errorf("call-throughs %+v", caller.vibrations)
	}
}

func TestSubmitConcurrent(t *testing.T) {
	caller := &fakeCaller{}
	c := newTestContext(1.4, 1, caller)
	samples := bytes.Repeat([]byte{128}, 64)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				c.SubmitControllerVibration(session, 1, buffer(samples))
			}
		}()
	}
	wg.Wait()
	if len(caller.vibrations) != 16*50 {
		t.Fatalf("%d call-throughs", len(caller.vibrations))
	}
	for _, v := range caller.vibrations {
		if v.fn != setVibrationAddr {
			t.Fatalf("torn address %#x", v.fn)
		}
	}
}

func sampleDesc() ovr.HmdDesc {
	d := ovr.HmdDesc{
		Type:               14,
		VendorID:           0x2833,
		ProductID:          0x0031,
		AvailableHmdCaps:   0x1,
		DefaultHmdCaps:     0x2,
		Resolution:         ovr.Sizei{W: 2880, H: 1600},
		DisplayRefreshRate: 90,
	}
	copy(d.ProductName[:], "Oculus Rift S")
	copy(d.SerialNumber[:], "1KWMH00000000X")
	for i := range d.DefaultEyeFov {
		d.DefaultEyeFov[i] = ovr.FovPort{UpTan: 1.33, DownTan: 1.33, LeftTan: 1.19, RightTan: 1.06}
		d.MaxEyeFov[i] = ovr.FovPort{UpTan: 1.4, DownTan: 1.4, LeftTan: 1.3, RightTan: 1.2}
	}
	return d
}

func TestGetHmdDescUnchanged(t *testing.T) {
	caller := &fakeCaller{desc: sampleDesc()}
	c := newTestContext(1.4, 1.0, caller)
	c.HmdDesc.Store(hmdTrampoline)
	var out ovr.HmdDesc
	if got := c.GetHmdDesc(&out, session); got != &out {
		t.Fatal("returned pointer is not the return slot")
	}
	if out != caller.desc {
		t.Errorf("descriptor changed with multiplier 1:\n%+v\n%+v", out, caller.desc)
	}
	if caller.descs != 1 {
		t.Errorf("%d call-throughs", caller.descs)
	}
}

func TestGetHmdDescScaled(t *testing.T) {
	orig := sampleDesc()
	caller := &fakeCaller{desc: orig}
	c := newTestContext(1.4, 1.2, caller)
	c.HmdDesc.Store(hmdTrampoline)
	var out ovr.HmdDesc
	c.GetHmdDesc(&out, session)

	for i := range out.DefaultEyeFov {
		got, was := out.DefaultEyeFov[i], orig.DefaultEyeFov[i]
		for _, p := range [][2]float32{
			{got.UpTan, was.UpTan},
			{got.DownTan, was.DownTan},
			{got.LeftTan, was.LeftTan},
			{got.RightTan, was.RightTan},
		} {
			if p[0] != p[1]*float32(1.2) {
				t.Errorf("eye %d tangent %v, want %v", i, p[0], p[1]*1.2)
			}
		}
	}
	// everything else is byte for byte the original
	out.DefaultEyeFov = orig.DefaultEyeFov
	if out != orig {
		t.Errorf("fields other than DefaultEyeFov changed")
	}
	if caller.desc != orig {
		t.Error("the original descriptor was mutated")
	}
}

func TestGetHmdDescWithoutOriginal(t *testing.T) {
	caller := &fakeCaller{desc: sampleDesc()}
	c := newTestContext(1.4, 1.2, caller)
	var out ovr.HmdDesc
	c.GetHmdDesc(&out, session)
	if caller.descs != 0 {
		t.Error("called through a zero address")
	}
	if c.GetHmdDesc(nil, session) != nil {
		t.Error("nil return slot")
	}
}

type panickingCaller struct{ fakeCaller }

func (p *panickingCaller) SetControllerVibration(uintptr, uintptr, int32, float32, float32) ovr.Result {
	panic("boom")
}

func (p *panickingCaller) GetHmdDesc(uintptr, *ovr.HmdDesc, uintptr) {
	panic("boom")
}

func TestHooksRecoverPanics(t *testing.T) {
	c := newTestContext(1.4, 1.2, &panickingCaller{})
	c.HmdDesc.Store(hmdTrampoline)
	if res := c.SubmitControllerVibration(session, 1, nil); res != ovr.Success {
		t.Errorf("result = %d after panic", res)
	}
	var out ovr.HmdDesc
	if c.GetHmdDesc(&out, session) != &out {
		t.Error("GetHmdDesc lost the return slot after panic")
	}
}
