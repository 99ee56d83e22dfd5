package model

import "time"

// Lease is stored at <data-dir>/ibgate.lock while a process drives the
// partitions.
type Lease struct {
	HolderNonce  string    `json:"holder_nonce"`
	Hostname     string    `json:"hostname,omitempty"`
	PID          int       `json:"pid"`
	AcquiredAt   time.Time `json:"acquired_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	FencingToken int64     `json:"fencing_token"`
	Purpose      string    `json:"purpose,omitempty"`
}

// IsExpired returns true if the lease has expired.
func (l *Lease) IsExpired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// LeaseState is the observed state of the instance lease.
type LeaseState string

const (
	LeaseFree    LeaseState = "free"
	LeaseHeld    LeaseState = "held"
	LeaseExpired LeaseState = "expired"
)
