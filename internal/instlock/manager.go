// Package instlock keeps a single process in charge of a data directory
// through an expiring lease file.
package instlock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"
	"k8s.io/utils/clock"

	"github.com/ibgate-project/ibgate/pkg/errclass"
	"github.com/ibgate-project/ibgate/pkg/fsutil"
	"github.com/ibgate-project/ibgate/pkg/logging"
	"github.com/ibgate-project/ibgate/pkg/model"
	"github.com/ibgate-project/ibgate/pkg/uuidutil"
)

// FileName is the lease file under the data directory.
const FileName = "ibgate.lock"

// DefaultTTL is how long a lease lasts without renewal.
const DefaultTTL = 30 * time.Second

// Manager handles the instance lease.
type Manager struct {
	fs    afero.Fs
	path  string
	ttl   time.Duration
	clock clock.WithTicker
	mu    sync.Mutex
}

// NewManager creates a lease manager for the data directory root.
func NewManager(afs afero.Fs, root string, ttl time.Duration, clk clock.WithTicker) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Manager{fs: afs, path: filepath.Join(root, FileName), ttl: ttl, clock: clk}
}

// Path returns the lease file path.
func (m *Manager) Path() string { return m.path }

// Acquire takes the lease if nobody holds it.
func (m *Manager) Acquire(purpose string) (*model.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquire(purpose)
}

func (m *Manager) acquire(purpose string) (*model.Lease, error) {
	file, err := m.fs.OpenFile(m.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			rec, readErr := m.read()
			if readErr != nil {
				return nil, fmt.Errorf("read existing lease: %w", readErr)
			}
			if rec.IsExpired(m.clock.Now()) {
				return nil, errclass.ErrInstanceLocked.WithMessage("lease exists but expired, use steal")
			}
			return nil, errclass.ErrInstanceLocked.WithMessagef("held by pid %d on %s until %s",
				rec.PID, rec.Hostname, rec.ExpiresAt.Format(time.RFC3339))
		}
		return nil, fmt.Errorf("create lease: %w", err)
	}
	defer file.Close()

	rec := m.newLease(purpose, 1)
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		m.fs.Remove(m.path)
		return nil, fmt.Errorf("marshal lease: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		m.fs.Remove(m.path)
		return nil, fmt.Errorf("write lease: %w", err)
	}
	if err := file.Sync(); err != nil {
		m.fs.Remove(m.path)
		return nil, fmt.Errorf("sync lease: %w", err)
	}
	return rec, nil
}

func (m *Manager) newLease(purpose string, token int64) *model.Lease {
	now := m.clock.Now().UTC()
	host, _ := os.Hostname()
	return &model.Lease{
		HolderNonce:  uuidutil.NewV4(),
		Hostname:     host,
		PID:          os.Getpid(),
		AcquiredAt:   now,
		ExpiresAt:    now.Add(m.ttl),
		FencingToken: token,
		Purpose:      purpose,
	}
}

// Renew extends the lease held under holderNonce.
func (m *Manager) Renew(holderNonce string) (*model.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.read()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errclass.ErrLockNotHeld.WithMessage("no lease held")
		}
		return nil, fmt.Errorf("read lease: %w", err)
	}
	if rec.HolderNonce != holderNonce {
		return nil, errclass.ErrLockNotHeld.WithMessage("nonce mismatch")
	}
	rec.ExpiresAt = m.clock.Now().UTC().Add(m.ttl)
	if err := m.write(rec); err != nil {
		return nil, fmt.Errorf("update lease: %w", err)
	}
	return rec, nil
}

// Steal takes over a lease whose holder let it expire.
func (m *Manager) Steal(purpose string) (*model.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.read()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return m.acquire(purpose)
		}
		return nil, fmt.Errorf("read lease: %w", err)
	}
	if !rec.IsExpired(m.clock.Now()) {
		return nil, errclass.ErrInstanceLocked.WithMessage("lease not expired yet")
	}
	next := m.newLease(purpose, rec.FencingToken+1)
	if err := m.write(next); err != nil {
		return nil, fmt.Errorf("steal lease: %w", err)
	}
	return next, nil
}

// AcquireOrSteal takes a free lease or one that has expired.
func (m *Manager) AcquireOrSteal(purpose string) (*model.Lease, error) {
	rec, err := m.Acquire(purpose)
	if err == nil {
		return rec, nil
	}
	if st, _, serr := m.Status(); serr == nil && st == model.LeaseExpired {
		return m.Steal(purpose)
	}
	return nil, err
}

// Release frees the lease.
func (m *Manager) Release(holderNonce string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.read()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read lease: %w", err)
	}
	if rec.HolderNonce != holderNonce {
		return errclass.ErrLockNotHeld.WithMessage("cannot release: nonce mismatch")
	}
	if err := m.fs.Remove(m.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove lease: %w", err)
	}
	return nil
}

// Status returns the current lease state.
func (m *Manager) Status() (model.LeaseState, *model.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.read()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return model.LeaseFree, nil, nil
		}
		return model.LeaseFree, nil, fmt.Errorf("read lease: %w", err)
	}
	if rec.IsExpired(m.clock.Now()) {
		return model.LeaseExpired, rec, nil
	}
	return model.LeaseHeld, rec, nil
}

// Hold renews lease at a third of the TTL until ctx is done, then
// releases it. A renewal failure means another process took over; Hold
// returns the error so the caller can stop driving the hardware.
func (m *Manager) Hold(ctx context.Context, lease *model.Lease, log *logging.Logger) error {
	if log == nil {
		log = logging.Nop()
	}
	t := m.clock.NewTicker(m.ttl / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := m.Release(lease.HolderNonce); err != nil {
				log.ErrorErr("release lease", err)
			}
			return nil
		case <-t.C():
			if _, err := m.Renew(lease.HolderNonce); err != nil {
				return fmt.Errorf("renew lease: %w", err)
			}
		}
	}
}

func (m *Manager) read() (*model.Lease, error) {
	data, err := afero.ReadFile(m.fs, m.path)
	if err != nil {
		return nil, err
	}
	var rec model.Lease
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse lease: %w", err)
	}
	return &rec, nil
}

func (m *Manager) write(rec *model.Lease) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal lease: %w", err)
	}
	return fsutil.AtomicWrite(m.fs, m.path, data, 0o644)
}
