// Package bootstrap installs the hooks once per process, off the thread that
// loaded the module.
//
// The sequencer walks Idle, LoadingConfig, WaitingForLibrary,
// ResolvingSymbols and Installing to Done. Any failure ends in Disabled with
// nothing intercepted. States only move forward.
package bootstrap

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/k2io/ovrhook/internal/config"
	"github.com/k2io/ovrhook/internal/hooks"
	"github.com/k2io/ovrhook/internal/ovr"
	"github.com/k2io/ovrhook/internal/resolver"
)

// State is a step of the sequencer.
type State int32

const (
	Idle State = iota
	LoadingConfig
	WaitingForLibrary
	ResolvingSymbols
	Installing
	Done
	Disabled
)

var stateNames = [...]string{
	Idle:              "idle",
	LoadingConfig:     "loading-config",
	WaitingForLibrary: "waiting-for-library",
	ResolvingSymbols:  "resolving-symbols",
	Installing:        "installing",
	Done:              "done",
	Disabled:          "disabled",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int32(s))
	}
	return stateNames[s]
}

// Terminal reports whether the sequencer stops in s.
func (s State) Terminal() bool {
	return s == Done || s == Disabled
}

var (
	// ErrLibraryAbsent means the runtime was not loaded before the wait ran out.
	ErrLibraryAbsent = errors.New("library never loaded")
	// ErrNoSymbols means neither hooked export exists in the library.
	ErrNoSymbols = errors.New("no interceptable export resolved")
	// ErrNoEntries means the options carry no way to build native entries.
	ErrNoEntries = errors.New("no native entries")
)

// Installer applies interceptions as one transaction. *ovrhook.Table is the
// process implementation.
type Installer interface {
	Begin() error
	Attach(name string, slot *atomic.Uintptr, detour uintptr) error
	Commit() error
	Abort()
}

// Options wires a Sequencer.
type Options struct {
	ConfigPath string
	Library    string
	Loader     resolver.Loader
	Policy     resolver.Policy
	// Sleep defaults to time.Sleep.
	Sleep  func(time.Duration)
	Table  Installer
	Caller hooks.Caller
	// Entries turns the hook context into native entry points.
	Entries func(*hooks.Context) hooks.Entries
	// OnConfig runs right after the configuration is loaded, before
	// anything else is logged.
	OnConfig func(config.Config)
}

// Sequencer runs the install once.
type Sequencer struct {
	opts  Options
	once  sync.Once
	state atomic.Int32
	done  chan struct{}
	ctx   atomic.Pointer[hooks.Context]
	// written before done is closed
	err error
}

// New returns an idle sequencer.
func New(opts Options) *Sequencer {
	return &Sequencer{
		opts: opts,
		done: make(chan struct{}),
	}
}

// Start runs the sequence on its own goroutine and returns immediately.
func (s *Sequencer) Start() {
	go s.Run()
}

// Run runs the sequence and returns the terminal state. Only the first call
// does any work; later calls wait for it.
func (s *Sequencer) Run() State {
	s.once.Do(func() {
		defer close(s.done)
		defer func() {
			if r := recover(); r != nil {
				s.disable(fmt.Errorf("panic: %v", r))
			}
		}()
		s.run()
	})
	<-s.done
	return s.State()
}

// State returns the current state.
func (s *Sequencer) State() State {
	return State(s.state.Load())
}

// Done is closed once a terminal state is reached.
func (s *Sequencer) Done() <-chan struct{} {
	return s.done
}

// Context returns the hook context once resolving has begun, nil before.
func (s *Sequencer) Context() *hooks.Context {
	return s.ctx.Load()
}

// Err returns why the sequencer was disabled. It is only meaningful after
// Done is closed.
func (s *Sequencer) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *Sequencer) run() {
	s.enter(LoadingConfig)
	cfg, err := config.Load(s.opts.ConfigPath)
	if s.opts.OnConfig != nil {
		s.opts.OnConfig(cfg)
	}
	if err != nil {
		Logger().Warn("configuration lines skipped", zap.String("path", s.opts.ConfigPath), zap.Error(err))
	}
	Logger().Info("configuration loaded",
		zap.Float32("haptic_strength", cfg.HapticStrength),
		zap.Float32("fov_multiplier", cfg.FovMultiplier))
	if err := ovr.CheckLayout(); err != nil {
		s.disable(err)
		return
	}

	s.enter(WaitingForLibrary)
	r := resolver.Resolver{Loader: s.opts.Loader, Policy: s.opts.Policy, Sleep: s.opts.Sleep}
	h, attempts, ok := r.WaitLibrary(s.opts.Library)
	if !ok {
		s.disable(fmt.Errorf("%s after %d attempts: %w", s.opts.Library, attempts, ErrLibraryAbsent))
		return
	}
	Logger().Info("library found", zap.String("library", s.opts.Library), zap.Int("attempts", attempts))

	s.enter(ResolvingSymbols)
	c := hooks.NewContext(cfg, s.opts.Loader, s.opts.Library, s.opts.Caller)
	for _, sym := range []struct {
		export string
		slot   *atomic.Uintptr
	}{
		{ovr.ExportSubmitControllerVibration, &c.Submit},
		{ovr.ExportGetHmdDesc, &c.HmdDesc},
	} {
		if addr, ok := r.Symbol(h, sym.export); ok {
			sym.slot.Store(addr)
		} else {
			Logger().Warn("export missing, not intercepted", zap.String("export", sym.export))
		}
	}
	if addr, ok := r.Symbol(h, ovr.ExportSetControllerVibration); ok {
		c.SetVibration.Settle(addr)
	}
	s.ctx.Store(c)
	if c.Submit.Load() == 0 && c.HmdDesc.Load() == 0 {
		s.disable(ErrNoSymbols)
		return
	}

	s.enter(Installing)
	if s.opts.Entries == nil || s.opts.Table == nil {
		s.disable(ErrNoEntries)
		return
	}
	entries := s.opts.Entries(c)
	if err := s.install(c, entries); err != nil {
		s.disable(err)
		return
	}
	s.enter(Done)
}

func (s *Sequencer) install(c *hooks.Context, e hooks.Entries) error {
	t := s.opts.Table
	if err := t.Begin(); err != nil {
		return err
	}
	if err := t.Attach(ovr.ExportSubmitControllerVibration, &c.Submit, e.SubmitControllerVibration); err != nil {
		t.Abort()
		return err
	}
	if err := t.Attach(ovr.ExportGetHmdDesc, &c.HmdDesc, e.GetHmdDesc); err != nil {
		t.Abort()
		return err
	}
	return t.Commit()
}

// enter moves forward to next. A sequencer never goes back.
func (s *Sequencer) enter(next State) bool {
	for {
		cur := s.state.Load()
		if State(cur).Terminal() || next <= State(cur) {
			return false
		}
		if s.state.CompareAndSwap(cur, int32(next)) {
			Logger().Debug("bootstrap state", zap.Stringer("from", State(cur)), zap.Stringer("to", next))
			return true
		}
	}
}

func (s *Sequencer) disable(err error) {
	s.err = err
	if s.enter(Disabled) {
		Logger().Warn("interception disabled", zap.Error(err))
	}
}
