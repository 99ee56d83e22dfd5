// Package metrics keeps in-process counters for the access controller.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process-wide registry.
func Default() *Registry {
	defaultOnce.Do(func() { defaultRegistry = NewRegistry() })
	return defaultRegistry
}

// Registry holds all counters.
type Registry struct {
	granted         atomic.Uint64
	denied          atomic.Uint64
	unknown         atomic.Uint64
	syncs           atomic.Uint64
	syncSkipped     atomic.Uint64
	rebuildFailures atomic.Uint64
	skipped         atomic.Uint64
	lastRebuild     atomic.Int64
	lastRebuildSize atomic.Int64
}

// NewRegistry creates a new metrics registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// RecordDecision counts one access decision by log kind name.
func (r *Registry) RecordDecision(kind string) {
	switch kind {
	case "AccessGranted":
		r.granted.Add(1)
	case "AccessDenied":
		r.denied.Add(1)
	case "KeyUnknown":
		r.unknown.Add(1)
	}
}

// RecordSync counts one sync attempt. rebuilt is false when the checksum
// matched and nothing was written.
func (r *Registry) RecordSync(rebuilt bool, committed int, duration time.Duration, err error) {
	r.syncs.Add(1)
	switch {
	case err != nil:
		r.rebuildFailures.Add(1)
	case !rebuilt:
		r.syncSkipped.Add(1)
	default:
		r.lastRebuild.Store(int64(duration))
		r.lastRebuildSize.Store(int64(committed))
	}
}

// RecordSkippedTransition counts an event dropped because the transition
// lock could not be taken in time.
func (r *Registry) RecordSkippedTransition() {
	r.skipped.Add(1)
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Granted            uint64        `json:"granted"`
	Denied             uint64        `json:"denied"`
	Unknown            uint64        `json:"unknown"`
	Syncs              uint64        `json:"syncs"`
	SyncsUnchanged     uint64        `json:"syncs_unchanged"`
	RebuildFailures    uint64        `json:"rebuild_failures"`
	SkippedTransitions uint64        `json:"skipped_transitions"`
	LastRebuild        time.Duration `json:"last_rebuild_ns"`
	LastRebuildRecords int64         `json:"last_rebuild_records"`
}

// Snapshot returns the current counter values.
func (r *Registry) Snapshot() Snapshot {
	return Snapshot{
		Granted:            r.granted.Load(),
		Denied:             r.denied.Load(),
		Unknown:            r.unknown.Load(),
		Syncs:              r.syncs.Load(),
		SyncsUnchanged:     r.syncSkipped.Load(),
		RebuildFailures:    r.rebuildFailures.Load(),
		SkippedTransitions: r.skipped.Load(),
		LastRebuild:        time.Duration(r.lastRebuild.Load()),
		LastRebuildRecords: r.lastRebuildSize.Load(),
	}
}
