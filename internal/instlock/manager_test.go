package instlock_test

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/ibgate-project/ibgate/internal/instlock"
	"github.com/ibgate-project/ibgate/pkg/errclass"
	"github.com/ibgate-project/ibgate/pkg/model"
)

func setup(t *testing.T) (*instlock.Manager, *clocktesting.FakeClock) {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/d", 0o755))
	fake := clocktesting.NewFakeClock(time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC))
	return instlock.NewManager(fs, "/d", time.Second, fake), fake
}

func TestManager_Acquire(t *testing.T) {
	mgr, _ := setup(t)

	rec, err := mgr.Acquire("run")
	require.NoError(t, err)
	assert.NotEmpty(t, rec.HolderNonce)
	assert.Equal(t, int64(1), rec.FencingToken)
	assert.Equal(t, "run", rec.Purpose)
	assert.Equal(t, "/d/ibgate.lock", mgr.Path())
}

func TestManager_Acquire_Conflict(t *testing.T) {
	mgr, _ := setup(t)
	_, err := mgr.Acquire("first")
	require.NoError(t, err)

	_, err = mgr.Acquire("second")
	require.ErrorIs(t, err, errclass.ErrInstanceLocked)
}

func TestManager_Renew(t *testing.T) {
	mgr, fake := setup(t)
	rec, err := mgr.Acquire("run")
	require.NoError(t, err)

	fake.Step(500 * time.Millisecond)
	renewed, err := mgr.Renew(rec.HolderNonce)
	require.NoError(t, err)
	assert.True(t, renewed.ExpiresAt.After(rec.ExpiresAt))

	_, err = mgr.Renew("wrong-nonce")
	require.ErrorIs(t, err, errclass.ErrLockNotHeld)
}

func TestManager_ReleaseAndReacquire(t *testing.T) {
	mgr, _ := setup(t)
	rec, err := mgr.Acquire("run")
	require.NoError(t, err)

	require.ErrorIs(t, mgr.Release("other"), errclass.ErrLockNotHeld)
	require.NoError(t, mgr.Release(rec.HolderNonce))
	require.NoError(t, mgr.Release(rec.HolderNonce), "releasing twice is a no-op")

	_, err = mgr.Acquire("again")
	require.NoError(t, err)
}

func TestManager_Steal(t *testing.T) {
	mgr, fake := setup(t)
	rec1, err := mgr.Acquire("first")
	require.NoError(t, err)

	_, err = mgr.Steal("early")
	require.ErrorIs(t, err, errclass.ErrInstanceLocked)

	fake.Step(2 * time.Second)
	rec2, err := mgr.AcquireOrSteal("second")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec2.FencingToken)
	assert.NotEqual(t, rec1.HolderNonce, rec2.HolderNonce)

	_, err = mgr.Renew(rec1.HolderNonce)
	assert.ErrorIs(t, err, errclass.ErrLockNotHeld, "old holder lost the lease")
}

func TestManager_Status(t *testing.T) {
	mgr, fake := setup(t)

	state, rec, err := mgr.Status()
	require.NoError(t, err)
	assert.Equal(t, model.LeaseFree, state)
	assert.Nil(t, rec)

	acquired, err := mgr.Acquire("run")
	require.NoError(t, err)
	state, rec, err = mgr.Status()
	require.NoError(t, err)
	assert.Equal(t, model.LeaseHeld, state)
	assert.Equal(t, acquired.HolderNonce, rec.HolderNonce)

	fake.Step(2 * time.Second)
	state, _, err = mgr.Status()
	require.NoError(t, err)
	assert.Equal(t, model.LeaseExpired, state)
}

func TestManager_HoldRenewsAndReleases(t *testing.T) {
	mgr, fake := setup(t)
	rec, err := mgr.Acquire("run")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mgr.Hold(ctx, rec, nil) }()

	// Three renewal periods per TTL: after several TTLs the lease is
	// still held.
	require.Eventually(t, fake.HasWaiters, time.Second, time.Millisecond)
	for range 9 {
		fake.Step(time.Second / 3)
		require.Eventually(t, func() bool {
			st, cur, err := mgr.Status()
			return err == nil && st == model.LeaseHeld && cur.ExpiresAt.After(fake.Now())
		}, time.Second, time.Millisecond)
	}

	cancel()
	require.NoError(t, <-done)
	state, _, err := mgr.Status()
	require.NoError(t, err)
	assert.Equal(t, model.LeaseFree, state)
}
