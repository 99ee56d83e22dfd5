package syncer_test

import (
	"context"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/ibgate-project/ibgate/internal/keystore"
	"github.com/ibgate-project/ibgate/internal/syncer"
	"github.com/ibgate-project/ibgate/pkg/errclass"
	"github.com/ibgate-project/ibgate/pkg/metrics"
)

type nopFeed struct{}

func (nopFeed) FetchChecksum(context.Context) (uint64, error) { return 1, nil }
func (nopFeed) FetchRecords(context.Context) (iter.Seq2[keystore.Record, error], error) {
	return func(func(keystore.Record, error) bool) {}, nil
}

type countingStore struct {
	mu     sync.Mutex
	syncs  int
	forced int
	err    error
}

func (c *countingStore) Sync(context.Context, keystore.Feed) (keystore.SyncResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncs++
	if c.err != nil {
		return keystore.SyncResult{}, c.err
	}
	return keystore.SyncResult{Source: 1, Active: 1, Rebuilt: c.syncs == 1, Committed: 3}, nil
}

func (c *countingStore) ForceSync(context.Context, keystore.Feed) (keystore.SyncResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forced++
	return keystore.SyncResult{Rebuilt: true, Committed: 3}, nil
}

func (c *countingStore) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncs
}

func TestRun_InitialIntervalAndTrigger(t *testing.T) {
	store := &countingStore{}
	fake := clocktesting.NewFakeClock(time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC))
	reg := metrics.NewRegistry()
	s, err := syncer.New(store, nopFeed{}, syncer.Options{Interval: time.Minute, Clock: fake, Metrics: reg})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return store.count() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, fake.HasWaiters, time.Second, time.Millisecond)

	fake.Step(time.Minute)
	require.Eventually(t, func() bool { return store.count() == 2 }, time.Second, time.Millisecond)

	s.TriggerNow()
	require.Eventually(t, func() bool { return store.count() == 3 }, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	snap := reg.Snapshot()
	assert.EqualValues(t, 3, snap.Syncs)
	assert.EqualValues(t, 2, snap.SyncsUnchanged)
	assert.EqualValues(t, 3, snap.LastRebuildRecords)
}

func TestSyncOnce_FailureIsRecorded(t *testing.T) {
	store := &countingStore{err: errclass.ErrFeedUnavailable.WithMessage("connection refused")}
	reg := metrics.NewRegistry()
	s, err := syncer.New(store, nopFeed{}, syncer.Options{Metrics: reg})
	require.NoError(t, err)

	_, err = s.SyncOnce(context.Background(), false)
	assert.ErrorIs(t, err, errclass.ErrFeedUnavailable)
	assert.Contains(t, s.Last().Error, "connection refused")
	assert.EqualValues(t, 1, reg.Snapshot().RebuildFailures)
}

func TestSyncOnce_Force(t *testing.T) {
	store := &countingStore{}
	s, err := syncer.New(store, nopFeed{}, syncer.Options{Metrics: metrics.NewRegistry()})
	require.NoError(t, err)

	res, err := s.SyncOnce(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, res.Rebuilt)
	assert.Equal(t, 1, store.forced)
	assert.Zero(t, store.count())
	assert.Empty(t, s.Last().Error)
}

func TestSetInterval_RestartsWait(t *testing.T) {
	store := &countingStore{}
	fake := clocktesting.NewFakeClock(time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC))
	s, err := syncer.New(store, nopFeed{}, syncer.Options{Interval: time.Hour, Clock: fake, Metrics: metrics.NewRegistry()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	require.Eventually(t, func() bool { return store.count() == 1 }, time.Second, time.Millisecond)

	s.SetInterval(time.Minute)
	require.Eventually(t, func() bool {
		fake.Step(time.Minute)
		return store.count() >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestNew_RequiresStoreAndFeed(t *testing.T) {
	_, err := syncer.New(nil, nopFeed{}, syncer.Options{})
	assert.Error(t, err)
	_, err = syncer.New(&countingStore{}, nil, syncer.Options{})
	assert.Error(t, err)
}
