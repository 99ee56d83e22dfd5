package keystore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/ibgate-project/ibgate/pkg/errclass"
)

// Feed is the authoritative source of records.
type Feed interface {
	FetchChecksum(ctx context.Context) (uint64, error)
	FetchRecords(ctx context.Context) (iter.Seq2[Record, error], error)
}

// Rebuild erases the INACTIVE partition and writes records into it. It
// stops at the first error, including running out of space, and returns
// how many records were committed; the ACTIVE partition and its checksum
// are left untouched in that case. A successful rebuild is staged until
// Activate.
func (s *Store) Rebuild(checksum uint64, records iter.Seq2[Record, error]) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.rebuild(checksum, records)
}

func (s *Store) rebuild(checksum uint64, records iter.Seq2[Record, error]) (int, error) {
	// 0 means "no data"; a building checksum must stay non-zero
	checksum = nonZero(checksum)

	s.mu.Lock()
	s.staged = nil
	target := s.inactive()
	s.state.Building = checksum
	err := s.persist()
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}

	log := s.log.With("partition", target.Label())
	log.Info("rebuild started", map[string]any{"checksum": fmt.Sprintf("%016x", checksum)})

	if err := target.Erase(); err != nil {
		return s.abortRebuild(0, err)
	}

	var off int64
	committed := 0
	for rec, err := range records {
		if err != nil {
			return s.abortRebuild(committed, fmt.Errorf("feed: %w", err))
		}
		b, err := EncodeRecord(rec)
		if err != nil {
			return s.abortRebuild(committed, err)
		}
		if free := target.Size() - off; int64(len(b)) > free {
			return s.abortRebuild(committed, errclass.ErrNoSpace.WithMessagef(
				"partition %s: %d bytes free, record %s needs %d", target.Label(), free, rec.CodeHex(), len(b)))
		}
		if err := target.WriteAt(off, b); err != nil {
			return s.abortRebuild(committed, err)
		}
		off += int64(len(b))
		committed++
	}
	if err := target.Sync(); err != nil {
		return s.abortRebuild(committed, err)
	}

	s.mu.Lock()
	s.staged = &stagedBuild{checksum: checksum, cursor: off, committed: committed}
	s.mu.Unlock()
	log.Info("rebuild complete", map[string]any{"records": committed, "used": off})
	return committed, nil
}

func (s *Store) abortRebuild(committed int, cause error) (int, error) {
	s.mu.Lock()
	s.state.Building = 0
	err := s.persist()
	s.mu.Unlock()
	if err != nil {
		s.log.ErrorErr("clear checksum_building after failed rebuild", err)
	}
	s.log.Warn("rebuild aborted", map[string]any{"committed": committed, "error": cause.Error()})
	return committed, fmt.Errorf("rebuild aborted after %d records: %w", committed, cause)
}

// Activate makes the staged rebuild live: the roles swap, checksum_building
// becomes checksum_active, both are persisted, and the partition that was
// ACTIVE is erased. The persisted label is authoritative, so a failure
// before the commit leaves the previous roles in place.
func (s *Store) Activate() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.activate()
}

func (s *Store) activate() error {
	st := s.staged
	if st == nil {
		return errors.New("activate: no completed rebuild")
	}

	s.mu.Lock()
	prevActive, prevState := s.active, s.state
	prevCursor, prevCount := s.cursor, s.count

	s.active = other(s.active)
	s.state.Active = s.state.Building
	s.state.Building = 0
	s.cursor, s.count = st.cursor, st.committed
	if err := s.persist(); err != nil {
		s.active, s.state = prevActive, prevState
		s.cursor, s.count = prevCursor, prevCount
		s.mu.Unlock()
		return fmt.Errorf("activate: %w", err)
	}
	s.labelErr = nil
	s.rebuilds++
	s.staged = nil
	s.mu.Unlock()

	s.log.Info("partition activated", map[string]any{
		"active":   s.active,
		"records":  st.committed,
		"checksum": fmt.Sprintf("%016x", s.state.Active),
	})

	if err := s.parts[prevActive].Erase(); err != nil {
		// The new data is already live; the next rebuild erases again.
		s.log.ErrorErr("erase previous partition", err, map[string]any{"partition": prevActive})
	}

	for _, sink := range s.sinks {
		sink.DatabaseUpdated(st.committed)
	}
	return nil
}

// SkipInvalid drops pairs whose error is E_RECORD_INVALID, reporting each
// to onSkip. Other errors pass through.
func SkipInvalid(records iter.Seq2[Record, error], onSkip func(error)) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		for rec, err := range records {
			if err != nil && errors.Is(err, errclass.ErrRecordInvalid) {
				if onSkip != nil {
					onSkip(err)
				}
				continue
			}
			if !yield(rec, err) {
				return
			}
		}
	}
}

// SyncResult describes one sync attempt.
type SyncResult struct {
	Source    uint64        `json:"checksum_source"`
	Active    uint64        `json:"checksum_active"`
	Rebuilt   bool          `json:"rebuilt"`
	Committed int           `json:"committed"`
	Skipped   int           `json:"skipped"`
	Problems  error         `json:"-"`
	Duration  time.Duration `json:"duration_ns"`
}

// Sync refreshes the store from feed when the feed checksum differs from
// checksum_active. Invalid feed lines are skipped and collected in
// Problems; any other failure aborts without touching the ACTIVE data.
func (s *Store) Sync(ctx context.Context, feed Feed) (SyncResult, error) {
	return s.sync(ctx, feed, false)
}

// ForceSync rebuilds from feed regardless of checksums.
func (s *Store) ForceSync(ctx context.Context, feed Feed) (SyncResult, error) {
	return s.sync(ctx, feed, true)
}

func (s *Store) sync(ctx context.Context, feed Feed, force bool) (SyncResult, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	start := time.Now()
	source, err := feed.FetchChecksum(ctx)
	if err != nil {
		return SyncResult{}, fmt.Errorf("sync: %w", errclass.ErrFeedUnavailable.Wrap(err))
	}

	source = nonZero(source)
	s.mu.Lock()
	s.state.Source = source
	active := s.state.Active
	err = s.persist()
	s.mu.Unlock()
	if err != nil {
		return SyncResult{}, err
	}

	res := SyncResult{Source: source, Active: active}
	if source == active && !force {
		s.log.Debug("feed unchanged", map[string]any{"checksum": fmt.Sprintf("%016x", source)})
		return res, nil
	}

	records, err := feed.FetchRecords(ctx)
	if err != nil {
		return res, fmt.Errorf("sync: %w", errclass.ErrFeedUnavailable.Wrap(err))
	}

	var problems *multierror.Error
	filtered := SkipInvalid(records, func(err error) {
		res.Skipped++
		problems = multierror.Append(problems, err)
		s.log.Warn("skipping feed line", map[string]any{"error": err.Error()})
	})

	res.Committed, err = s.rebuild(source, filtered)
	res.Problems = problems.ErrorOrNil()
	if err != nil {
		res.Duration = time.Since(start)
		return res, fmt.Errorf("sync: %w", err)
	}
	if err := s.activate(); err != nil {
		res.Duration = time.Since(start)
		return res, fmt.Errorf("sync: %w", err)
	}
	res.Rebuilt = true
	res.Active = source
	res.Duration = time.Since(start)
	return res, nil
}

func nonZero(checksum uint64) uint64 {
	if checksum == 0 {
		return 1
	}
	return checksum
}

// PartitionReport is the framing check of one partition.
type PartitionReport struct {
	Label      string `json:"label"`
	Role       string `json:"role"`
	Records    int    `json:"records"`
	End        int64  `json:"end"`
	Size       int64  `json:"size"`
	TailErased bool   `json:"tail_erased"`
	Err        error  `json:"-"`
}

// Inspect walks both partitions and reports their framing.
func (s *Store) Inspect() []PartitionReport {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	active := s.active
	s.mu.RUnlock()

	reports := make([]PartitionReport, 0, 2)
	for _, label := range []string{LabelA, LabelB} {
		p := s.parts[label]
		r := PartitionReport{Label: label, Role: "inactive", Size: p.Size()}
		if label == active {
			r.Role = "active"
		}
		buf, err := p.ReadAt(0, p.Size())
		if err != nil {
			r.Err = err
			reports = append(reports, r)
			continue
		}
		end, count, err := scan(buf, nil)
		r.End, r.Records, r.Err = int64(end), count, err
		r.TailErased = err == nil && isErased(buf[end:])
		reports = append(reports, r)
	}
	return reports
}

func isErased(b []byte) bool {
	for _, c := range b {
		if c != EndOfData {
			return false
		}
	}
	return true
}
