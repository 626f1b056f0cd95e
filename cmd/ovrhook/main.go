//go:build windows

// Command ovrhook is built with -buildmode=c-shared into the module that is
// loaded into the host. Loading it starts the bootstrap; the host thread that
// loaded it returns immediately.
package main

import "C"

import (
	"go.uber.org/zap"

	"github.com/k2io/ovrhook"
	"github.com/k2io/ovrhook/internal/bootstrap"
	"github.com/k2io/ovrhook/internal/config"
	"github.com/k2io/ovrhook/internal/hooks"
	"github.com/k2io/ovrhook/internal/logging"
	"github.com/k2io/ovrhook/internal/ovr"
	"github.com/k2io/ovrhook/internal/resolver"
)

var seq *bootstrap.Sequencer

func init() {
	seq = bootstrap.New(bootstrap.Options{
		ConfigPath: config.DefaultPath,
		Library:    ovr.LibraryName,
		Loader:     resolver.SystemLoader(),
		Policy:     resolver.DefaultPolicy,
		Table:      ovrhook.NewTable(),
		Caller:     hooks.NativeCaller(),
		Entries:    hooks.NativeEntries,
		OnConfig:   setupLogging,
	})
	seq.Start()
}

func setupLogging(cfg config.Config) {
	l, err := logging.New(cfg)
	if err != nil {
		// nothing to log to
		return
	}
	ovrhook.SetLogger(l.Named("table"))
	hooks.SetLogger(l.Named("hooks"))
	bootstrap.SetLogger(l.Named("bootstrap"))
	l.Info("module loaded", zap.String("library", ovr.LibraryName))
}

// OvrHookExport gives injectors an ordinal 1 export to import.
//
//export OvrHookExport
func OvrHookExport() {}

func main() {}
