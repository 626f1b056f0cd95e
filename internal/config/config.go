// Package config reads the plain text settings file that sits next to the
// host executable.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"strconv"
	"strings"

	"go.uber.org/multierr"
)

// DefaultPath is looked up relative to the host's working directory.
const DefaultPath = "haptics_config.txt"

const (
	DefaultHapticStrength = 1.4
	DefaultFovMultiplier  = 1.0

	MaxHapticStrength = 5.0
	MinFovMultiplier  = 0.1
)

// Config is read once at startup and never changes afterwards.
type Config struct {
	// HapticStrength multiplies the mean haptic amplitude.
	HapticStrength float32
	// FovMultiplier scales the default per-eye FOV tangents, 1 disables it.
	FovMultiplier float32
	// LogFile enables logging to the given path when set.
	LogFile  string
	LogLevel string
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		HapticStrength: DefaultHapticStrength,
		FovMultiplier:  DefaultFovMultiplier,
		LogLevel:       "info",
	}
}

// LineError describes a line that was skipped.
type LineError struct {
	Line int
	Text string
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d %q: %v", e.Line, e.Text, e.Err)
}

func (e *LineError) Unwrap() error {
	return e.Err
}

var (
	ErrNoSeparator = errors.New("missing '='")
	ErrNotFinite   = errors.New("value is not a finite number")
)

// Load reads path. A missing file yields the defaults and no error. Any other
// error still comes with a usable Config.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return Default(), err
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads key=value lines. Blank lines and lines starting with '#' or
// '/' are comments, unknown keys are ignored. Malformed lines are skipped and
// reported together in the returned error; the Config is valid either way.
func Parse(r io.Reader) (Config, error) {
	cfg := Default()
	var errs error
	sc := bufio.NewScanner(r)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' || line[0] == '/' {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			errs = multierr.Append(errs, &LineError{Line: n, Text: line, Err: ErrNoSeparator})
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if err := cfg.set(key, value); err != nil {
			errs = multierr.Append(errs, &LineError{Line: n, Text: line, Err: err})
		}
	}
	if err := sc.Err(); err != nil {
		errs = multierr.Append(errs, err)
	}
	cfg.clamp()
	return cfg, errs
}

func (c *Config) set(key, value string) error {
	switch key {
	case "HapticStrength":
		v, err := parseFloat(value)
		if err != nil {
			return err
		}
		c.HapticStrength = v
	case "FovMultiplier":
		v, err := parseFloat(value)
		if err != nil {
			return err
		}
		c.FovMultiplier = v
	case "LogFile":
		c.LogFile = value
	case "LogLevel":
		c.LogLevel = value
	}
	return nil
}

// parseFloat reads the leading decimal number of s and ignores whatever
// follows it, so "2.0 # strong" is 2.0.
func parseFloat(s string) (float32, error) {
	v, err := strconv.ParseFloat(numericPrefix(s), 32)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, ErrNotFinite
	}
	return float32(v), nil
}

// numericPrefix returns the longest prefix of s shaped like
// [+-]digits[.digits][(e|E)[+-]digits]. Without any digit s is returned
// whole so that the parse error names the full value.
func numericPrefix(s string) string {
	i := 0
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		i++
	}
	digits := 0
	for ; i < len(s) && isDigit(s[i]); i++ {
		digits++
	}
	if i < len(s) && s[i] == '.' {
		i++
		for ; i < len(s) && isDigit(s[i]); i++ {
			digits++
		}
	}
	if digits == 0 {
		return s
	}
	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		j := i + 1
		if j < len(s) && (s[j] == '+' || s[j] == '-') {
			j++
		}
		if j < len(s) && isDigit(s[j]) {
			for j < len(s) && isDigit(s[j]) {
				j++
			}
			i = j
		}
	}
	return s[:i]
}

func isDigit(b byte) bool {
	return '0' <= b && b <= '9'
}

func (c *Config) clamp() {
	if c.HapticStrength > MaxHapticStrength {
		c.HapticStrength = MaxHapticStrength
	}
	if c.HapticStrength < 0 {
		c.HapticStrength = 0
	}
	if c.FovMultiplier < MinFovMultiplier {
		c.FovMultiplier = DefaultFovMultiplier
	}
}
