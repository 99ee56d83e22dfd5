// Package cron parses and evaluates cron-like access windows.
//
// A window is a list of five-field time domains separated by ';'. The fields
// are minute, hour, day of month, month and weekday. An instant is inside the
// window when it is inside at least one domain. Parsing is permissive: a
// token that is malformed or out of range is dropped and parsing continues
// with the next item, so a damaged domain simply matches less.
package cron

import (
	"strings"
	"time"
)

// Separator splits a window into domains.
const Separator = ';'

// MaxSpecLen is the longest window spec a stored record can carry,
// terminator excluded.
const MaxSpecLen = 254 - 9 - 1

// Domain is the event mask of a single cron entry. Bit i of a field is set
// when value i is allowed. Sunday is kept in both weekday bit 0 and bit 7.
type Domain struct {
	Minute  uint64
	Hour    uint32
	Day     uint32
	Month   uint16
	Weekday uint8
}

// Contains reports whether every field of the instant mask t intersects d.
func (d Domain) Contains(t Domain) bool {
	return d.Minute&t.Minute != 0 &&
		d.Hour&t.Hour != 0 &&
		d.Day&t.Day != 0 &&
		d.Month&t.Month != 0 &&
		d.Weekday&t.Weekday != 0
}

// IsZero reports whether no bit is set in any field.
func (d Domain) IsZero() bool {
	return d == Domain{}
}

// InstantDomain converts t to a single-bit-per-field mask using the same
// representation as the parser.
func InstantDomain(t time.Time) Domain {
	var d Domain
	setMinute(&d, t.Minute())
	setHour(&d, t.Hour())
	setDay(&d, t.Day())
	setMonth(&d, int(t.Month()))
	setWeekday(&d, int(t.Weekday()))
	return d
}

// Window is an OR-combined list of domains. Always is the sentinel for an
// empty spec, which grants access at any time.
type Window struct {
	Domains []Domain
	Always  bool
}

// Parse turns a window spec into a Window. It never fails; see the package
// documentation for the recovery rules.
func Parse(spec string) Window {
	spec = strings.TrimRight(spec, "\x00")
	if strings.TrimSpace(spec) == "" {
		return Window{Always: true}
	}
	parts := strings.Split(spec, string(Separator))
	w := Window{Domains: make([]Domain, 0, len(parts))}
	for _, p := range parts {
		w.Domains = append(w.Domains, ParseDomain(p))
	}
	return w
}

// Match reports whether t lies inside the window.
func (w Window) Match(t time.Time) bool {
	if w.Always {
		return true
	}
	inst := InstantDomain(t)
	for _, d := range w.Domains {
		if d.Contains(inst) {
			return true
		}
	}
	return false
}

// Match parses spec and evaluates it at t.
func Match(spec string, t time.Time) bool {
	return Parse(spec).Match(t)
}

// String renders the window back into a normalized spec. Dropped tokens are
// not reproduced.
func (w Window) String() string {
	if w.Always {
		return ""
	}
	out := make([]string, len(w.Domains))
	for i, d := range w.Domains {
		out[i] = d.String()
	}
	return strings.Join(out, string(Separator))
}
