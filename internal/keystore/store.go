// Package keystore is the flash-resident credential database.
//
// Two equally sized partitions, labelled "A" and "B", hold append-only
// sequences of records. The ACTIVE partition answers lookups. A refresh is
// written into the INACTIVE partition and only becomes visible when the
// role label persisted in NVS is switched over, so a failed or interrupted
// refresh never affects production lookups.
package keystore

import (
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"github.com/ibgate-project/ibgate/internal/flash"
	"github.com/ibgate-project/ibgate/internal/nvs"
	"github.com/ibgate-project/ibgate/pkg/codec"
	"github.com/ibgate-project/ibgate/pkg/errclass"
	"github.com/ibgate-project/ibgate/pkg/logging"
)

// Partition labels.
const (
	LabelA = "A"
	LabelB = "B"
)

// DefaultLabel is the ACTIVE partition used on first start and when the
// persisted label is unrecognized.
const DefaultLabel = LabelA

const (
	nvsNamespace = "keystore"
	keyLabel     = "active"
	keyState     = "sync_state"
)

// SyncState is persisted next to the role label. Active describes the data
// readable from the ACTIVE partition. Building is non-zero only while a
// rebuild is in flight. Source is the last checksum reported by the feed.
type SyncState struct {
	Active   uint64 `cbor:"1,keyasint" json:"checksum_active"`
	Building uint64 `cbor:"2,keyasint" json:"checksum_building"`
	Source   uint64 `cbor:"3,keyasint" json:"checksum_source"`
}

// Sink is notified after every successful activation.
type Sink interface {
	DatabaseUpdated(recordsCommitted int)
}

// Store is the dual-partition key store.
type Store struct {
	log *logging.Logger
	ns  *nvs.Namespace

	// writeMu serializes writers: Append, Rebuild, Activate, Sync, Erase.
	writeMu sync.Mutex

	// mu guards the role label and the ACTIVE cursor. Lookups take it for
	// reading; only role swaps and cursor moves take it for writing.
	mu       sync.RWMutex
	parts    map[string]*flash.Partition
	active   string
	cursor   int64
	count    int
	state    SyncState
	labelErr error
	rebuilds int

	// staged rebuild awaiting Activate
	staged *stagedBuild

	sinks []Sink
}

type stagedBuild struct {
	checksum  uint64
	cursor    int64
	committed int
}

// Open loads the store rooted at dir: partitions live in dir/flash, the
// role label and sync state in dir/nvs. A rebuild found in flight is
// discarded.
func Open(afs afero.Fs, dir string, size int64, log *logging.Logger) (*Store, error) {
	if log == nil {
		log = logging.Nop()
	}
	s := &Store{
		log:   log.With("component", "keystore"),
		parts: make(map[string]*flash.Partition, 2),
	}

	ns, err := nvs.Open(afs, filepath.Join(dir, "nvs"), nvsNamespace)
	if err != nil {
		return nil, fmt.Errorf("open keystore: %w", err)
	}
	s.ns = ns

	for _, label := range []string{LabelA, LabelB} {
		p, err := flash.Open(afs, filepath.Join(dir, "flash"), label, size)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("open keystore: %w", err)
		}
		s.parts[label] = p
	}

	if err := s.loadLabel(); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.loadState(); err != nil {
		s.Close()
		return nil, err
	}
	if s.state.Building != 0 {
		s.log.Warn("discarding interrupted rebuild", map[string]any{
			"checksum_building": fmt.Sprintf("%016x", s.state.Building),
			"partition":         s.inactiveLabel(),
		})
		if err := s.inactive().Erase(); err != nil {
			s.Close()
			return nil, fmt.Errorf("open keystore: %w", err)
		}
		s.state.Building = 0
		if err := s.persist(); err != nil {
			s.Close()
			return nil, err
		}
	}

	if err := s.reloadCursor(); err != nil {
		s.log.ErrorErr("active partition framing broken", err, map[string]any{"partition": s.active})
	}
	s.log.Info("keystore opened", map[string]any{
		"active":   s.active,
		"records":  s.count,
		"used":     s.cursor,
		"capacity": size,
		"checksum": fmt.Sprintf("%016x", s.state.Active),
	})
	return s, nil
}

// Peek reads the persisted label and sync state under dir without
// opening the partitions or repairing anything. An absent label reads as
// "".
func Peek(afs afero.Fs, dir string) (string, SyncState, error) {
	var st SyncState
	ns, err := nvs.Open(afs, filepath.Join(dir, "nvs"), nvsNamespace)
	if err != nil {
		return "", st, err
	}
	label, err := ns.GetString(keyLabel)
	if err != nil && !errors.Is(err, nvs.ErrNotFound) {
		return "", st, err
	}
	b, err := ns.GetBlob(keyState)
	switch {
	case errors.Is(err, nvs.ErrNotFound):
	case err != nil:
		return label, st, err
	default:
		if err := codec.Unmarshal(b, &st); err != nil {
			return label, st, fmt.Errorf("decode sync state: %w", err)
		}
	}
	return label, st, nil
}

func (s *Store) loadLabel() error {
	label, err := s.ns.GetString(keyLabel)
	switch {
	case errors.Is(err, nvs.ErrNotFound):
		s.log.Info("first start, partition A active")
		s.active = DefaultLabel
		if err := s.ns.SetString(keyLabel, s.active); err != nil {
			return err
		}
		return s.ns.Commit()
	case err != nil:
		return fmt.Errorf("open keystore: read label: %w", err)
	}

	if label != LabelA && label != LabelB {
		s.labelErr = errclass.ErrCorruptLabel.WithMessagef("persisted label %q, using %s", label, DefaultLabel)
		s.log.Error("corrupt partition label", map[string]any{"label": label, "fallback": DefaultLabel})
		label = DefaultLabel
	}
	s.active = label
	return nil
}

func (s *Store) loadState() error {
	b, err := s.ns.GetBlob(keyState)
	if errors.Is(err, nvs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open keystore: read sync state: %w", err)
	}
	if err := codec.Unmarshal(b, &s.state); err != nil {
		s.log.ErrorErr("sync state unreadable, forcing resync", err)
		s.state = SyncState{}
	}
	return nil
}

// persist writes the label and sync state in one NVS commit.
func (s *Store) persist() error {
	b, err := codec.Marshal(s.state)
	if err != nil {
		return fmt.Errorf("encode sync state: %w", err)
	}
	if err := s.ns.SetString(keyLabel, s.active); err != nil {
		return err
	}
	if err := s.ns.SetBlob(keyState, b); err != nil {
		return err
	}
	if err := s.ns.Commit(); err != nil {
		return fmt.Errorf("persist keystore state: %w", err)
	}
	return nil
}

func other(label string) string {
	if label == LabelA {
		return LabelB
	}
	return LabelA
}

func (s *Store) inactiveLabel() string        { return other(s.active) }
func (s *Store) inactive() *flash.Partition   { return s.parts[s.inactiveLabel()] }
func (s *Store) activePart() *flash.Partition { return s.parts[s.active] }

// reloadCursor recomputes the first free offset of the ACTIVE partition.
func (s *Store) reloadCursor() error {
	p := s.activePart()
	buf, err := p.ReadAt(0, p.Size())
	if err != nil {
		return err
	}
	end, count, err := scan(buf, nil)
	s.cursor, s.count = int64(end), count
	return err
}

// AddSink registers a receiver of DatabaseUpdated notifications.
func (s *Store) AddSink(sink Sink) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.sinks = append(s.sinks, sink)
}

// Append writes rec at the end of the ACTIVE partition. Nothing is written
// when the record does not fit.
func (s *Store) Append(rec Record) error {
	b, err := EncodeRecord(rec)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.activePart()
	if int64(len(b)) > p.Size()-s.cursor {
		return errclass.ErrNoSpace.WithMessagef("partition %s: %d bytes free, record needs %d", s.active, p.Size()-s.cursor, len(b))
	}
	if err := p.WriteAt(s.cursor, b); err != nil {
		return err
	}
	if err := p.Sync(); err != nil {
		return err
	}
	s.cursor += int64(len(b))
	s.count++
	return nil
}

// usedRegion copies the used bytes of the ACTIVE partition.
func (s *Store) usedRegion() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activePart().ReadAt(0, s.cursor)
}

// Lookup returns the first record stored for code.
func (s *Store) Lookup(code uint64) (Record, error) {
	buf, err := s.usedRegion()
	if err != nil {
		return Record{}, err
	}
	var (
		found Record
		ok    bool
	)
	_, _, err = scan(buf, func(_ int, r Record) bool {
		if r.Code == code {
			found, ok = r, true
			return false
		}
		return true
	})
	if ok {
		return found, nil
	}
	if err != nil {
		return Record{}, err
	}
	return Record{}, errclass.ErrNotFound.WithMessagef("code %016X", code)
}

// Records iterates the ACTIVE partition in storage order, duplicates
// included.
func (s *Store) Records() iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		buf, err := s.usedRegion()
		if err != nil {
			yield(Record{}, err)
			return
		}
		stopped := false
		_, _, err = scan(buf, func(_ int, r Record) bool {
			if !yield(r, nil) {
				stopped = true
				return false
			}
			return true
		})
		if err != nil && !stopped {
			yield(Record{}, err)
		}
	}
}

// Status is a snapshot of the store.
type Status struct {
	Active     string    `json:"active"`
	Inactive   string    `json:"inactive"`
	Checksums  SyncState `json:"checksums"`
	UsedBytes  int64     `json:"used_bytes"`
	Capacity   int64     `json:"capacity"`
	Records    int       `json:"records"`
	Rebuilds   int       `json:"rebuilds"`
	Staged     bool      `json:"staged"`
	LabelError string    `json:"label_error,omitempty"`
	LabelErr   error     `json:"-"`
}

// Status returns a snapshot of the store state.
func (s *Store) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		Active:    s.active,
		Inactive:  s.inactiveLabel(),
		Checksums: s.state,
		UsedBytes: s.cursor,
		Capacity:  s.activePart().Size(),
		Records:   s.count,
		Rebuilds:  s.rebuilds,
		Staged:    s.staged != nil,
		LabelErr:  s.labelErr,
	}
	if s.labelErr != nil {
		st.LabelError = s.labelErr.Error()
	}
	return st
}

// Erase wipes both partitions and resets the persisted state to first
// start.
func (s *Store) Erase() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, label := range []string{LabelA, LabelB} {
		if err := s.parts[label].Erase(); err != nil {
			return err
		}
	}
	s.active = DefaultLabel
	s.state = SyncState{}
	s.cursor, s.count = 0, 0
	s.staged = nil
	s.labelErr = nil
	if err := s.persist(); err != nil {
		return err
	}
	s.log.Warn("key store erased")
	return nil
}

// Partition returns the partition with the given label, for diagnostics.
func (s *Store) Partition(label string) (*flash.Partition, bool) {
	p, ok := s.parts[label]
	return p, ok
}

// Close releases both partitions.
func (s *Store) Close() error {
	var errs []error
	for _, p := range s.parts {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
