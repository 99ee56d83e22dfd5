// Package hw defines the reader hardware the access controller drives and
// a simulated board for running without it.
package hw

// CredentialReader is the 1-Wire touch probe.
type CredentialReader interface {
	// Presence reports whether a key is on the probe.
	Presence() bool
	// ReadCode reads and checks the ROM of the key on the probe.
	ReadCode() (uint64, error)
}

// Inputs are the discrete inputs of the board.
type Inputs interface {
	// Button reports whether the manual open button is held.
	Button() bool
	// SUEnabled reports whether the superuser enable jumper is set.
	SUEnabled() bool
}

// Relay switches the lock.
type Relay interface {
	Open()
	Close()
}

// LEDs are the two indicator lamps.
type LEDs interface {
	SetRed(on bool)
	SetGreen(on bool)
}
