// Package color provides terminal color output for console commands.
// It respects the NO_COLOR environment variable (https://no-color.org/).
package color

import (
	"fmt"
	"os"
	"sync"
)

var state struct {
	mu      sync.Mutex
	once    sync.Once
	enabled bool
}

// Init decides once whether color is used, from the environment and the
// --no-color flag.
func Init(noColorFlag bool) {
	state.once.Do(func() {
		_, noColor := os.LookupEnv("NO_COLOR")
		state.mu.Lock()
		state.enabled = !noColor && os.Getenv("TERM") != "dumb" && !noColorFlag
		state.mu.Unlock()
	})
}

// Enabled returns true if color output is enabled.
func Enabled() bool {
	Init(false)
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.enabled
}

// Disable turns off color output.
func Disable() {
	Init(false)
	state.mu.Lock()
	state.enabled = false
	state.mu.Unlock()
}

// Enable turns on color output.
func Enable() {
	Init(false)
	state.mu.Lock()
	state.enabled = true
	state.mu.Unlock()
}

// ANSI codes
const (
	Reset   = "\033[0m"
	Bold    = "\033[1m"
	DimCode = "\033[2m"
	Red     = "\033[31m"
	Green   = "\033[32m"
	Yellow  = "\033[33m"
	Cyan    = "\033[36m"
)

func wrap(code, s string) string {
	if !Enabled() {
		return s
	}
	return code + s + Reset
}

// Success formats a success message in green.
func Success(s string) string { return wrap(Green, s) }

// Successf formats a success message with printf-style arguments.
func Successf(format string, args ...any) string { return Success(fmt.Sprintf(format, args...)) }

// Error formats an error message in red.
func Error(s string) string { return wrap(Red, s) }

// Errorf formats an error message with printf-style arguments.
func Errorf(format string, args ...any) string { return Error(fmt.Sprintf(format, args...)) }

// Warning formats a warning in yellow.
func Warning(s string) string { return wrap(Yellow, s) }

// Code formats a key code in cyan.
func Code(s string) string { return wrap(Cyan, s) }

// Header formats a header in bold.
func Header(s string) string { return wrap(Bold, s) }

// Dim formats secondary information.
func Dim(s string) string { return wrap(DimCode, s) }

// LEDs renders the two indicator LEDs as two glyphs, lit ones colored.
func LEDs(red, green bool) string {
	r, g := Dim("o"), Dim("o")
	if red {
		r = wrap(Red+Bold, "R")
	}
	if green {
		g = wrap(Green+Bold, "G")
	}
	return "[" + r + g + "]"
}
