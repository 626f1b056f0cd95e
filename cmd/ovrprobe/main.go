// Command ovrprobe checks a runtime build and a settings file against what
// the interception module expects, without injecting anything.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"go.uber.org/multierr"

	"github.com/k2io/ovrhook/internal/config"
	"github.com/k2io/ovrhook/internal/ovr"
	"github.com/k2io/ovrhook/internal/pexport"
)

var errMissingExports = errors.New("required exports missing")

func main() {
	var (
		lib     = flag.String("lib", "", "Path to "+ovr.LibraryName+" to inspect")
		cfgPath = flag.String("config", config.DefaultPath, "Path to the settings file")
	)
	flag.Parse()

	if err := probe(os.Stdout, *lib, *cfgPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type styles struct {
	title, ok, bad, dim lipgloss.Style
}

func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		title: r.NewStyle().Bold(true),
		ok:    r.NewStyle().Foreground(lipgloss.Color("#98FB98")),
		bad:   r.NewStyle().Foreground(lipgloss.Color("#FF6B6B")),
		dim:   r.NewStyle().Foreground(lipgloss.Color("#666666")),
	}
}

func probe(w io.Writer, lib, cfgPath string) error {
	st := newStyles(w)

	fmt.Fprintln(w, st.title.Render("abi"))
	if err := ovr.CheckLayout(); err != nil {
		fmt.Fprintf(w, "  %s\n", st.bad.Render(err.Error()))
		return err
	}
	fmt.Fprintf(w, "  %s\n", st.ok.Render("layout ok"))

	fmt.Fprintln(w, st.title.Render("config "+cfgPath))
	cfg, err := config.Load(cfgPath)
	fmt.Fprintf(w, "  HapticStrength  %g\n", cfg.HapticStrength)
	fmt.Fprintf(w, "  FovMultiplier   %g\n", cfg.FovMultiplier)
	if cfg.LogFile != "" {
		fmt.Fprintf(w, "  LogFile         %s (%s)\n", cfg.LogFile, cfg.LogLevel)
	}
	for _, e := range multierr.Errors(err) {
		fmt.Fprintf(w, "  %s\n", st.dim.Render("skipped "+e.Error()))
	}

	if lib == "" {
		return nil
	}
	fmt.Fprintln(w, st.title.Render("library "+lib))
	d, err := pexport.Open(lib)
	if err != nil {
		return err
	}
	if d.Library != ovr.LibraryName {
		fmt.Fprintf(w, "  %s\n", st.dim.Render("image name "+d.Library))
	}
	missing := 0
	for _, name := range ovr.RequiredExports {
		e, ok := d.Lookup(name)
		switch {
		case !ok:
			missing++
			fmt.Fprintf(w, "  %-32s %s\n", name, st.bad.Render("missing"))
		case e.Forward != "":
			fmt.Fprintf(w, "  %-32s %s\n", name, st.ok.Render("forwarded to "+e.Forward))
		default:
			fmt.Fprintf(w, "  %-32s %s\n", name, st.ok.Render(fmt.Sprintf("rva %#x", e.RVA)))
		}
	}
	if missing > 0 {
		return fmt.Errorf("%d of %d: %w", missing, len(ovr.RequiredExports), errMissingExports)
	}
	return nil
}
