package hw

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/ibgate-project/ibgate/internal/onewire"
	"github.com/ibgate-project/ibgate/pkg/errclass"
)

// SimState is a snapshot of the simulated board.
type SimState struct {
	Present     bool   `json:"present"`
	Code        string `json:"code,omitempty"`
	RelayOpen   bool   `json:"relay_open"`
	RelayCycles int    `json:"relay_cycles"`
	Red         bool   `json:"red"`
	Green       bool   `json:"green"`
	SUEnabled   bool   `json:"su_enabled"`
}

// Sim is an in-memory board implementing every interface of this
// package. A button press is latched until Button has reported it once.
type Sim struct {
	mu       sync.Mutex
	present  bool
	rom      onewire.ROM
	pressed  bool
	su       bool
	relay    bool
	cycles   int
	red      bool
	green    bool
	onOutput func(SimState)
}

var (
	_ CredentialReader = (*Sim)(nil)
	_ Inputs           = (*Sim)(nil)
	_ Relay            = (*Sim)(nil)
	_ LEDs             = (*Sim)(nil)
)

// NewSim returns a board with nothing on the probe. onOutput, if set, is
// called after every relay or LED change.
func NewSim(onOutput func(SimState)) *Sim {
	return &Sim{onOutput: onOutput}
}

func (s *Sim) stateLocked() SimState {
	st := SimState{
		Present:     s.present,
		RelayOpen:   s.relay,
		RelayCycles: s.cycles,
		Red:         s.red,
		Green:       s.green,
		SUEnabled:   s.su,
	}
	if s.present {
		st.Code = fmt.Sprintf("%016X", s.rom.Uint64())
	}
	return st
}

// State returns a snapshot.
func (s *Sim) State() SimState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Sim) output(change func()) {
	s.mu.Lock()
	change()
	st := s.stateLocked()
	fn := s.onOutput
	s.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

// Touch puts a key with the given code on the probe. The code is used
// as the raw ROM, so a code with a bad CRC byte reads as a CRC error.
func (s *Sim) Touch(code uint64) {
	s.TouchROM(onewire.ROMFromCode(code))
}

// TouchROM puts a key with an arbitrary ROM on the probe.
func (s *Sim) TouchROM(rom onewire.ROM) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.present, s.rom = true, rom
}

// Release takes the key off the probe.
func (s *Sim) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.present = false
}

// Press latches one button press.
func (s *Sim) Press() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pressed = true
}

// SetSU sets the superuser enable input.
func (s *Sim) SetSU(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.su = on
}

// Presence implements CredentialReader.
func (s *Sim) Presence() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.present
}

// ReadCode implements CredentialReader.
func (s *Sim) ReadCode() (uint64, error) {
	s.mu.Lock()
	present, rom := s.present, s.rom
	s.mu.Unlock()
	if !present {
		return 0, errclass.ErrNotFound.WithMessage("no key on the probe")
	}
	return onewire.DecodeROM(rom)
}

// Button implements Inputs.
func (s *Sim) Button() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pressed
	s.pressed = false
	return p
}

// SUEnabled implements Inputs.
func (s *Sim) SUEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.su
}

// Open implements Relay.
func (s *Sim) Open() {
	s.output(func() {
		if !s.relay {
			s.cycles++
		}
		s.relay = true
	})
}

// Close implements Relay.
func (s *Sim) Close() {
	s.output(func() { s.relay = false })
}

// SetRed implements LEDs.
func (s *Sim) SetRed(on bool) {
	s.output(func() { s.red = on })
}

// SetGreen implements LEDs.
func (s *Sim) SetGreen(on bool) {
	s.output(func() { s.green = on })
}

// SimHelp lists the console commands Exec understands.
const SimHelp = `touch <code>   put a key on the probe (hex, ROM order)
release        take the key off the probe
button         press the manual open button
su on|off      set the superuser enable input
state          print the board state`

// Exec runs one console command against the board.
func (s *Sim) Exec(line string) (string, error) {
	f := strings.Fields(line)
	if len(f) == 0 {
		return "", nil
	}
	switch f[0] {
	case "touch":
		if len(f) != 2 {
			return "", fmt.Errorf("usage: %s <code>", f[0])
		}
		code, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(f[1]), "0x"), 16, 64)
		if err != nil {
			return "", fmt.Errorf("bad code %q", f[1])
		}
		s.Touch(code)
		return fmt.Sprintf("key %016X on probe", code), nil
	case "release":
		s.Release()
		return "probe empty", nil
	case "button":
		s.Press()
		return "button pressed", nil
	case "su":
		if len(f) != 2 || (f[1] != "on" && f[1] != "off") {
			return "", fmt.Errorf("usage: su on|off")
		}
		s.SetSU(f[1] == "on")
		return "su " + f[1], nil
	case "state":
		st := s.State()
		return fmt.Sprintf("relay=%t red=%t green=%t present=%t su=%t cycles=%d",
			st.RelayOpen, st.Red, st.Green, st.Present, st.SUEnabled, st.RelayCycles), nil
	case "help":
		return SimHelp, nil
	}
	return "", fmt.Errorf("unknown command %q (try help)", f[0])
}
