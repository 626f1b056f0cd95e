// Package hooks holds the replacements for the intercepted runtime calls.
//
// Both hooks run on host threads, possibly several at once. They only read
// the Context after the bootstrap published it, except for the write-once
// lazy lookup of ovr_SetControllerVibration.
package hooks

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/k2io/ovrhook/internal/config"
	"github.com/k2io/ovrhook/internal/ovr"
	"github.com/k2io/ovrhook/internal/resolver"
)

// Deadband is the normalized amplitude at or below which a haptic buffer is
// treated as silence.
const Deadband = 0.01

// Caller invokes original runtime functions by address with the C calling
// convention.
type Caller interface {
	SetControllerVibration(fn, session uintptr, controller int32, frequency, amplitude float32) ovr.Result
	// GetHmdDesc fills out, the caller-owned return slot.
	GetHmdDesc(fn uintptr, out *ovr.HmdDesc, session uintptr)
}

// Entries are the native addresses the patched entry points jump to.
type Entries struct {
	SubmitControllerVibration uintptr
	GetHmdDesc                uintptr
}

// Context is the process-wide state shared by the hooks. It is built once by
// the bootstrap and is read-only afterwards.
type Context struct {
	cfg     config.Config
	loader  resolver.Loader
	library string
	caller  Caller

	// Submit and HmdDesc hold the original entry points, replaced by their
	// trampolines when the interceptions are installed.
	Submit  atomic.Uintptr
	HmdDesc atomic.Uintptr
	// SetVibration is the call-through target of the haptics hook.
	SetVibration resolver.Lazy

	firstSubmit sync.Once
	firstHmd    sync.Once
}

// NewContext builds the hook state for library.
func NewContext(cfg config.Config, loader resolver.Loader, library string, caller Caller) *Context {
	return &Context{
		cfg:          cfg,
		loader:       loader,
		library:      library,
		caller:       caller,
		SetVibration: resolver.Lazy{Name: ovr.ExportSetControllerVibration},
	}
}

// Config returns the settings the hooks run with.
func (c *Context) Config() config.Config {
	return c.cfg
}

// Vibration turns a buffer of amplitude samples into the constant
// frequency/amplitude pair that replaces it.
func Vibration(samples []byte, strength float32) (frequency, amplitude float32) {
	if len(samples) == 0 {
		return 0, 0
	}
	var total uint64
	for _, s := range samples {
		total += uint64(s)
	}
	mean := float32(float64(total) / float64(len(samples)) / 255)
	if mean <= Deadband {
		return 0, 0
	}
	amplitude = mean * strength
	if amplitude > 1 {
		amplitude = 1
	}
	return 1, amplitude
}

// SubmitControllerVibration replaces ovr_SubmitControllerVibration. The
// buffered samples are collapsed into a single ovr_SetControllerVibration
// call whose result is returned. Without that export nothing is called and
// ovrSuccess is returned.
func (c *Context) SubmitControllerVibration(session uintptr, controller int32, buf *ovr.HapticsBuffer) (res ovr.Result) {
	fn := c.SetVibration.Resolve(c.loader, c.library)
	if fn == 0 {
		return ovr.Success
	}
	defer func() {
		if r := recover(); r != nil {
			Logger().Error("haptics hook panicked", zap.Any("panic", r))
			res = ovr.Success
		}
	}()
	frequency, amplitude := Vibration(buf.Bytes(), c.cfg.HapticStrength)
	c.firstSubmit.Do(func() {
		Logger().Info("haptics hook active",
			zap.Float32("strength", c.cfg.HapticStrength),
			zap.Float32("amplitude", amplitude))
	})
	return c.caller.SetControllerVibration(fn, session, controller, frequency, amplitude)
}

// GetHmdDesc replaces ovr_GetHmdDesc. The original always fills out first;
// the default eye FOV is then scaled in place. out is the caller's return
// slot, never runtime memory.
func (c *Context) GetHmdDesc(out *ovr.HmdDesc, session uintptr) (res *ovr.HmdDesc) {
	fn := c.HmdDesc.Load()
	if fn == 0 || out == nil {
		return out
	}
	defer func() {
		if r := recover(); r != nil {
			Logger().Error("fov hook panicked", zap.Any("panic", r))
			res = out
		}
	}()
	c.caller.GetHmdDesc(fn, out, session)
	ScaleFov(out, c.cfg.FovMultiplier)
	c.firstHmd.Do(func() {
		Logger().Info("fov hook active", zap.Float32("multiplier", c.cfg.FovMultiplier))
	})
	return out
}

// ScaleFov multiplies the four tangents of both default eye FOV ports by m.
// A multiplier of exactly 1 leaves d untouched.
func ScaleFov(d *ovr.HmdDesc, m float32) {
	if m == 1 {
		return
	}
	for i := range d.DefaultEyeFov {
		d.DefaultEyeFov[i].Scale(m)
	}
}
