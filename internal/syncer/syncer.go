// Package syncer keeps the key store in step with its feed: once at start,
// then on every interval tick or when asked to.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/ibgate-project/ibgate/internal/keystore"
	"github.com/ibgate-project/ibgate/pkg/errclass"
	"github.com/ibgate-project/ibgate/pkg/logging"
	"github.com/ibgate-project/ibgate/pkg/metrics"
)

// DefaultInterval matches the config default.
const DefaultInterval = 10 * time.Minute

// Store is the part of keystore.Store the syncer drives.
type Store interface {
	Sync(ctx context.Context, feed keystore.Feed) (keystore.SyncResult, error)
	ForceSync(ctx context.Context, feed keystore.Feed) (keystore.SyncResult, error)
}

// Options configures a Syncer.
type Options struct {
	Interval time.Duration
	Clock    clock.WithTicker
	Logger   *logging.Logger
	Metrics  *metrics.Registry
}

// Status is the outcome of the most recent attempt.
type Status struct {
	At     time.Time           `json:"at"`
	Result keystore.SyncResult `json:"result"`
	Error  string              `json:"error,omitempty"`
}

// Syncer runs Store.Sync periodically.
type Syncer struct {
	store   Store
	clock   clock.WithTicker
	log     *logging.Logger
	metrics *metrics.Registry

	trigger chan struct{}
	reset   chan struct{}

	mu       sync.Mutex
	feed     keystore.Feed
	interval time.Duration
	last     Status
}

// New returns a syncer for store fed by feed.
func New(store Store, feed keystore.Feed, opts Options) (*Syncer, error) {
	if store == nil || feed == nil {
		return nil, errors.New("syncer: store and feed are required")
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	return &Syncer{
		store:    store,
		feed:     feed,
		clock:    opts.Clock,
		log:      opts.Logger.With("component", "syncer"),
		metrics:  opts.Metrics,
		trigger:  make(chan struct{}, 1),
		reset:    make(chan struct{}, 1),
		interval: opts.Interval,
	}, nil
}

// TriggerNow requests a sync without waiting for the next tick. Requests
// made while one is pending collapse into it.
func (s *Syncer) TriggerNow() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// SetFeed swaps the feed used from the next attempt on.
func (s *Syncer) SetFeed(feed keystore.Feed) {
	s.mu.Lock()
	s.feed = feed
	s.mu.Unlock()
}

// SetInterval changes the period and restarts the wait.
func (s *Syncer) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	changed := d != s.interval
	s.interval = d
	s.mu.Unlock()
	if changed {
		select {
		case s.reset <- struct{}{}:
		default:
		}
	}
}

func (s *Syncer) currentInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Last returns the status of the latest attempt.
func (s *Syncer) Last() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// SyncOnce runs a single attempt. force skips the checksum comparison.
func (s *Syncer) SyncOnce(ctx context.Context, force bool) (keystore.SyncResult, error) {
	s.mu.Lock()
	feed := s.feed
	s.mu.Unlock()

	start := s.clock.Now()
	var (
		res keystore.SyncResult
		err error
	)
	if force {
		res, err = s.store.ForceSync(ctx, feed)
	} else {
		res, err = s.store.Sync(ctx, feed)
	}
	s.metrics.RecordSync(res.Rebuilt, res.Committed, s.clock.Since(start), err)

	st := Status{At: start, Result: res}
	fields := map[string]any{
		"checksum_source": fmt.Sprintf("%016x", res.Source),
		"rebuilt":         res.Rebuilt,
		"committed":       res.Committed,
	}
	switch {
	case err != nil:
		st.Error = err.Error()
		fields["error_code"] = errclass.Code(err)
		if errors.Is(err, errclass.ErrFeedUnavailable) {
			s.log.Warn("feed unavailable, keeping current keys", fields)
		} else {
			s.log.ErrorErr("sync failed", err, fields)
		}
	case res.Rebuilt:
		if res.Skipped > 0 {
			fields["skipped"] = res.Skipped
		}
		s.log.Info("key database updated", fields)
	default:
		s.log.Debug("key database up to date", fields)
	}

	s.mu.Lock()
	s.last = st
	s.mu.Unlock()
	return res, err
}

// Run syncs once immediately and then on every tick or trigger until ctx
// is done. Failed attempts are logged and retried at the next tick.
func (s *Syncer) Run(ctx context.Context) error {
	s.SyncOnce(ctx, false)

	t := s.clock.NewTimer(s.currentInterval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.reset:
		case <-s.trigger:
			s.SyncOnce(ctx, false)
		case <-t.C():
			s.SyncOnce(ctx, false)
		}
		if !t.Stop() {
			select {
			case <-t.C():
			default:
			}
		}
		t.Reset(s.currentInterval())
	}
}
