package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Mode selects how an opened lock closes again.
type Mode int

const (
	// ModeNormal closes the relay after the opening time.
	ModeNormal Mode = iota
	// ModeBistable keeps the relay open until any valid key is presented.
	ModeBistable
	// ModeBistableSameKey keeps the relay open until the opening key is
	// presented again.
	ModeBistableSameKey
)

var modeNames = [...]string{"normal", "bistable", "bistable_same_key"}

func (m Mode) String() string {
	if m < 0 || int(m) >= len(modeNames) {
		return fmt.Sprintf("mode(%d)", int(m))
	}
	return modeNames[m]
}

// Valid reports whether m is one of the defined modes.
func (m Mode) Valid() bool { return m >= 0 && int(m) < len(modeNames) }

// ParseMode accepts the mode name or its number.
func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range modeNames {
		if s == n {
			return Mode(i), nil
		}
	}
	if n, err := strconv.Atoi(s); err == nil && Mode(n).Valid() {
		return Mode(n), nil
	}
	return 0, fmt.Errorf("unknown mode %q (want %s)", s, strings.Join(modeNames[:], ", "))
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("invalid mode %d", int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// ReaderConfig is the part of the configuration the access controller
// consults on every decision.
type ReaderConfig struct {
	DeviceName  string
	SUKey       uint64
	OpeningTime time.Duration
	Mode        Mode
}

// Default reader settings applied on first run.
const (
	DefaultDeviceName  = "ibgate"
	DefaultOpeningTime = 3000 * time.Millisecond
)

// DefaultReaderConfig returns the first-run reader settings.
func DefaultReaderConfig() ReaderConfig {
	return ReaderConfig{
		DeviceName:  DefaultDeviceName,
		OpeningTime: DefaultOpeningTime,
		Mode:        ModeNormal,
	}
}
