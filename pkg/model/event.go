package model

import (
	"fmt"
	"time"
)

// EventKind identifies a loggable access-control event.
type EventKind string

const (
	EventAccessGranted   EventKind = "AccessGranted"
	EventAccessDenied    EventKind = "AccessDenied"
	EventKeyUnknown      EventKind = "KeyUnknown"
	EventLogStorageFull  EventKind = "LogStorageFull"
	EventSystemUp        EventKind = "SystemUp"
	EventDatabaseUpdated EventKind = "DatabaseUpdated"
)

var eventKinds = []EventKind{
	EventAccessGranted,
	EventAccessDenied,
	EventKeyUnknown,
	EventLogStorageFull,
	EventSystemUp,
	EventDatabaseUpdated,
}

// Number returns the numeric type code used in messages posted to the
// server, or -1 for an unknown kind.
func (k EventKind) Number() int {
	for i, v := range eventKinds {
		if v == k {
			return i
		}
	}
	return -1
}

// Valid reports whether k is a known kind.
func (k EventKind) Valid() bool { return k.Number() >= 0 }

// ParseEventKind accepts a kind name or its numeric type code.
func ParseEventKind(s string) (EventKind, error) {
	for i, v := range eventKinds {
		if string(v) == s || fmt.Sprint(i) == s {
			return v, nil
		}
	}
	return "", fmt.Errorf("unknown event kind %q", s)
}

// Detail keys.
const (
	DetailReason           = "reason"
	DetailRecordsCommitted = "records_committed"
	DetailState            = "state"
)

// Reasons attached to AccessDenied.
const (
	ReasonOutOfDomain = "out_of_domain"
	ReasonReadError   = "read_error"
)

// Event is one decision or system event handed to the log.
type Event struct {
	Code    uint64         `json:"code"`
	Kind    EventKind      `json:"kind"`
	Time    time.Time      `json:"time"`
	Details map[string]any `json:"details,omitempty"`
}
