// Package eventlog persists access decisions and system events until the
// log sender has delivered them.
//
// Records are JSON lines in a single file of bounded size. Each record
// carries the hash of its predecessor, so truncation or edits show up in
// Verify. When the capacity is reached one LogStorageFull marker is written
// into a reserved tail, the OnFull hooks run and further appends fail with
// E_LOG_FULL until space is freed by Ack or Clear.
package eventlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/afero"
	"k8s.io/utils/clock"

	"github.com/ibgate-project/ibgate/internal/integrity"
	"github.com/ibgate-project/ibgate/internal/nvs"
	"github.com/ibgate-project/ibgate/pkg/codec"
	"github.com/ibgate-project/ibgate/pkg/errclass"
	"github.com/ibgate-project/ibgate/pkg/fsutil"
	"github.com/ibgate-project/ibgate/pkg/logging"
	"github.com/ibgate-project/ibgate/pkg/model"
	"github.com/ibgate-project/ibgate/pkg/uuidutil"
)

const (
	// FileName is the log file inside the log directory.
	FileName = "events.jsonl"

	// DefaultCapacity bounds the log file.
	DefaultCapacity = 64 << 10

	// markerReserve is kept free for the LogStorageFull marker.
	markerReserve = 512

	nvsNamespace = "eventlog"
	keyAnchor    = "anchor"
	keyNextSeq   = "next_seq"
	keyFull      = "full"
)

// Record is one line of the log.
type Record struct {
	ID         string            `json:"id"`
	Seq        uint64            `json:"seq"`
	Code       uint64            `json:"code"`
	Kind       model.EventKind   `json:"kind"`
	Timestamp  time.Time         `json:"timestamp"`
	Details    map[string]string `json:"details,omitempty"`
	PrevHash   string            `json:"prev_hash"`
	RecordHash string            `json:"record_hash"`
}

// CodeHex returns the credential code as the reader prints it.
func (r Record) CodeHex() string { return fmt.Sprintf("%016X", r.Code) }

// hashedFields is the CBOR payload chained into RecordHash.
type hashedFields struct {
	ID        string            `cbor:"1,keyasint"`
	Seq       uint64            `cbor:"2,keyasint"`
	Code      uint64            `cbor:"3,keyasint"`
	Kind      string            `cbor:"4,keyasint"`
	Timestamp int64             `cbor:"5,keyasint"`
	Details   map[string]string `cbor:"6,keyasint,omitempty"`
}

func computeHash(prev integrity.Hash, r *Record) (integrity.Hash, error) {
	payload, err := codec.Marshal(hashedFields{
		ID:        r.ID,
		Seq:       r.Seq,
		Code:      r.Code,
		Kind:      string(r.Kind),
		Timestamp: r.Timestamp.UnixNano(),
		Details:   r.Details,
	})
	if err != nil {
		return integrity.Hash{}, fmt.Errorf("encode record %d: %w", r.Seq, err)
	}
	return integrity.ChainHash(prev, payload), nil
}

// Stats summarizes the log for status output.
type Stats struct {
	Records  int   `json:"records"`
	Bytes    int64 `json:"bytes"`
	Capacity int64 `json:"capacity"`
	Full     bool  `json:"full"`
}

// Store is the bounded, hash-chained event log.
type Store struct {
	fs       afero.Fs
	path     string
	capacity int64
	clock    clock.PassiveClock
	log      *logging.Logger
	ns       *nvs.Namespace

	mu        sync.Mutex
	size      int64
	count     int
	nextSeq   uint64
	last      integrity.Hash
	full      bool
	onFull    []func()
	onCleared []func()
}

// Open opens or creates the log in dir. A capacity of zero selects
// DefaultCapacity; clk may be nil for the wall clock.
func Open(fs afero.Fs, dir string, capacity int64, clk clock.PassiveClock, log *logging.Logger) (*Store, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if capacity <= markerReserve {
		return nil, errclass.ErrConfigInvalid.WithMessagef("log capacity %d must exceed %d bytes", capacity, markerReserve)
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if log == nil {
		log = logging.Nop()
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	ns, err := nvs.Open(fs, dir, nvsNamespace)
	if err != nil {
		return nil, err
	}
	s := &Store{
		fs:       fs,
		path:     filepath.Join(dir, FileName),
		capacity: capacity,
		clock:    clk,
		log:      log.With("component", "eventlog"),
		ns:       ns,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	anchor, err := s.ns.GetBlob(keyAnchor)
	switch {
	case errors.Is(err, nvs.ErrNotFound):
	case err != nil:
		return err
	default:
		copy(s.last[:], anchor)
	}
	if s.nextSeq, err = s.ns.GetUint64(keyNextSeq); err != nil && !errors.Is(err, nvs.ErrNotFound) {
		return err
	}

	recs, size, err := s.readAll()
	if err != nil {
		return err
	}
	s.size, s.count = size, len(recs)
	full, err := s.ns.GetUint64(keyFull)
	switch {
	case errors.Is(err, nvs.ErrNotFound):
		// no flag saved yet: a trailing marker means the log filled up
		s.full = len(recs) > 0 && recs[len(recs)-1].Kind == model.EventLogStorageFull
	case err != nil:
		return err
	default:
		s.full = full != 0
	}
	if n := len(recs); n > 0 {
		tail := recs[n-1]
		if h, err := integrity.ParseHash(tail.RecordHash); err == nil {
			s.last = h
		}
		if tail.Seq >= s.nextSeq {
			s.nextSeq = tail.Seq + 1
		}
	}
	return nil
}

// readAll parses the log file. A missing file is an empty log.
func (s *Store) readAll() ([]Record, int64, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read event log: %w", err)
	}
	var recs []Record
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 1024), int(s.capacity))
	line := 0
	for sc.Scan() {
		line++
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			return nil, 0, fmt.Errorf("event log line %d: %w", line, err)
		}
		recs = append(recs, r)
	}
	if err := sc.Err(); err != nil {
		return nil, 0, fmt.Errorf("scan event log: %w", err)
	}
	return recs, int64(len(data)), nil
}

// OnFull registers a hook run once each time the log becomes full.
func (s *Store) OnFull(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFull = append(s.onFull, fn)
}

// OnCleared registers a hook run after Clear.
func (s *Store) OnCleared(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCleared = append(s.onCleared, fn)
}

func (s *Store) newRecord(ev model.Event) (*Record, []byte, error) {
	ts := ev.Time
	if ts.IsZero() {
		ts = s.clock.Now()
	}
	r := &Record{
		ID:        uuidutil.NewV7(),
		Seq:       s.nextSeq,
		Code:      ev.Code,
		Kind:      ev.Kind,
		Timestamp: ts.UTC(),
		Details:   stringify(ev.Details),
		PrevHash:  s.last.String(),
	}
	h, err := computeHash(s.last, r)
	if err != nil {
		return nil, nil, err
	}
	r.RecordHash = h.String()
	line, err := json.Marshal(r)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal event: %w", err)
	}
	return r, append(line, '\n'), nil
}

func stringify(details map[string]any) map[string]string {
	if len(details) == 0 {
		return nil
	}
	out := make(map[string]string, len(details))
	for k, v := range details {
		switch v := v.(type) {
		case string:
			out[k] = v
		case int:
			out[k] = strconv.Itoa(v)
		default:
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}

func (s *Store) write(r *Record, line []byte) error {
	f, err := s.fs.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errclass.ErrFlashIO.Wrap(fmt.Errorf("open event log: %w", err))
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return errclass.ErrFlashIO.Wrap(fmt.Errorf("write event log: %w", err))
	}
	if err := f.Sync(); err != nil {
		return errclass.ErrFlashIO.Wrap(fmt.Errorf("sync event log: %w", err))
	}
	h, _ := integrity.ParseHash(r.RecordHash)
	s.last = h
	s.nextSeq = r.Seq + 1
	s.size += int64(len(line))
	s.count++
	return nil
}

// Append stores ev. When the record does not fit, the LogStorageFull
// marker is written instead, the OnFull hooks run and E_LOG_FULL is
// returned.
func (s *Store) Append(ev model.Event) (Record, error) {
	if !ev.Kind.Valid() {
		return Record{}, fmt.Errorf("append event: unknown kind %q", ev.Kind)
	}
	s.mu.Lock()
	if s.full {
		s.mu.Unlock()
		return Record{}, errclass.ErrLogFull.WithMessagef("dropped %s", ev.Kind)
	}
	r, line, err := s.newRecord(ev)
	if err != nil {
		s.mu.Unlock()
		return Record{}, err
	}
	if s.size+int64(len(line)) <= s.capacity-markerReserve {
		err = s.write(r, line)
		s.mu.Unlock()
		if err != nil {
			return Record{}, err
		}
		return *r, nil
	}

	err = s.markFull(ev.Kind)
	hooks := append([]func(){}, s.onFull...)
	s.mu.Unlock()
	if err != nil {
		return Record{}, err
	}
	s.log.Warn("log storage full", map[string]any{"bytes": s.Usage().Bytes, "dropped": string(ev.Kind)})
	for _, fn := range hooks {
		fn()
	}
	return Record{}, errclass.ErrLogFull.WithMessagef("%d byte log is full, dropped %s", s.capacity, ev.Kind)
}

func (s *Store) markFull(dropped model.EventKind) error {
	marker, line, err := s.newRecord(model.Event{
		Kind:    model.EventLogStorageFull,
		Details: map[string]any{"dropped": string(dropped)},
	})
	if err != nil {
		return err
	}
	if err := s.write(marker, line); err != nil {
		return err
	}
	s.full = true
	return s.saveFull(true)
}

// saveFull persists the full flag. load trusts it over markers left in the
// file by an earlier fill.
func (s *Store) saveFull(full bool) error {
	var v uint64
	if full {
		v = 1
	}
	if err := s.ns.SetUint64(keyFull, v); err != nil {
		return err
	}
	return s.ns.Commit()
}

// Log implements the controller's decision sink.
func (s *Store) Log(ev model.Event) error {
	_, err := s.Append(ev)
	return err
}

// DatabaseUpdated implements keystore.Sink.
func (s *Store) DatabaseUpdated(recordsCommitted int) {
	_, err := s.Append(model.Event{
		Kind:    model.EventDatabaseUpdated,
		Details: map[string]any{model.DetailRecordsCommitted: recordsCommitted},
	})
	if err != nil {
		s.log.ErrorErr("log database update", err)
	}
}

// All returns every stored record, oldest first.
func (s *Store) All() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, _, err := s.readAll()
	return recs, err
}

// Pending returns up to n of the oldest records; n <= 0 means all.
func (s *Store) Pending(n int) ([]Record, error) {
	recs, err := s.All()
	if err != nil {
		return nil, err
	}
	if n > 0 && len(recs) > n {
		recs = recs[:n]
	}
	return recs, nil
}

// Ack drops every record with Seq <= through, which the server has
// received. The chain anchor moves to the first kept record so Verify
// still holds.
func (s *Store) Ack(through uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, _, err := s.readAll()
	if err != nil {
		return 0, err
	}
	drop := 0
	for drop < len(recs) && recs[drop].Seq <= through {
		drop++
	}
	if drop == 0 {
		return 0, nil
	}

	kept := recs[drop:]
	anchor := s.last
	if len(kept) > 0 {
		if anchor, err = integrity.ParseHash(kept[0].PrevHash); err != nil {
			return 0, fmt.Errorf("record %d: prev hash: %w", kept[0].Seq, err)
		}
	}
	var buf bytes.Buffer
	for i := range kept {
		line, err := json.Marshal(&kept[i])
		if err != nil {
			return 0, fmt.Errorf("marshal event: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if err := s.saveAnchor(anchor); err != nil {
		return 0, err
	}
	if err := fsutil.AtomicWrite(s.fs, s.path, buf.Bytes(), 0o644); err != nil {
		return 0, errclass.ErrFlashIO.Wrap(err)
	}
	s.size, s.count = int64(buf.Len()), len(kept)
	if s.full && s.size <= s.capacity-markerReserve {
		if err := s.saveFull(false); err != nil {
			return drop, err
		}
		s.full = false
	}
	return drop, nil
}

func (s *Store) saveAnchor(anchor integrity.Hash) error {
	if err := s.ns.SetBlob(keyAnchor, anchor[:]); err != nil {
		return err
	}
	if err := s.ns.SetUint64(keyNextSeq, s.nextSeq); err != nil {
		return err
	}
	return s.ns.Commit()
}

// Clear deletes every record, including unsent ones, and runs the
// OnCleared hooks. It is the superuser's way out of a full log.
func (s *Store) Clear() error {
	s.mu.Lock()
	if err := s.saveAnchor(integrity.Hash{}); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.saveFull(false); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.fs.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.mu.Unlock()
		return errclass.ErrFlashIO.Wrap(fmt.Errorf("remove event log: %w", err))
	}
	dropped := s.count
	s.last = integrity.Hash{}
	s.size, s.count, s.full = 0, 0, false
	hooks := append([]func(){}, s.onCleared...)
	s.mu.Unlock()

	s.log.Info("log cleared", map[string]any{"dropped": dropped})
	for _, fn := range hooks {
		fn()
	}
	return nil
}

// Full reports whether appends are currently refused.
func (s *Store) Full() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.full
}

// Usage returns size figures.
func (s *Store) Usage() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Records: s.count, Bytes: s.size, Capacity: s.capacity, Full: s.full}
}

// Verify walks the chain from the persisted anchor and returns the number
// of intact records before the first break.
func (s *Store) Verify() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, _, err := s.readAll()
	if err != nil {
		return 0, err
	}
	var prev integrity.Hash
	if anchor, err := s.ns.GetBlob(keyAnchor); err == nil {
		copy(prev[:], anchor)
	}
	for i := range recs {
		r := &recs[i]
		if r.PrevHash != prev.String() {
			return i, fmt.Errorf("record %d: chain broken: prev hash %.12s, want %.12s", r.Seq, r.PrevHash, prev.String())
		}
		h, err := computeHash(prev, r)
		if err != nil {
			return i, err
		}
		if h.String() != r.RecordHash {
			return i, fmt.Errorf("record %d: content does not match its hash", r.Seq)
		}
		prev = h
	}
	return len(recs), nil
}

// Export writes the records as JSON lines to w.
func (s *Store) Export(w io.Writer) error {
	recs, err := s.All()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	for i := range recs {
		if err := enc.Encode(&recs[i]); err != nil {
			return err
		}
	}
	return nil
}
