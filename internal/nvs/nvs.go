// Package nvs is a small persistent key-value store modelled on the
// namespaced NVS of embedded SDKs. Values are blobs; helpers cover strings
// and unsigned integers. Changes become durable on Commit.
package nvs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"github.com/ibgate-project/ibgate/pkg/codec"
	"github.com/ibgate-project/ibgate/pkg/errclass"
	"github.com/ibgate-project/ibgate/pkg/fsutil"
)

// ErrNotFound is returned when a key has no value.
var ErrNotFound = errclass.ErrNotFound

// MaxKeyLen mirrors the 15 character key limit of embedded NVS.
const MaxKeyLen = 15

// Namespace is one persisted key space.
type Namespace struct {
	mu      sync.Mutex
	fs      afero.Fs
	path    string
	name    string
	values  map[string][]byte
	pending bool
}

// Open loads <dir>/<namespace>.cbor, or starts empty if it does not exist.
func Open(afs afero.Fs, dir, namespace string) (*Namespace, error) {
	if namespace == "" || len(namespace) > MaxKeyLen {
		return nil, fmt.Errorf("nvs: invalid namespace %q", namespace)
	}
	if err := afs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("nvs: mkdir %s: %w", dir, err)
	}
	n := &Namespace{
		fs:     afs,
		path:   filepath.Join(dir, namespace+".cbor"),
		name:   namespace,
		values: make(map[string][]byte),
	}
	data, err := afero.ReadFile(afs, n.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return n, nil
	case err != nil:
		return nil, fmt.Errorf("nvs: read %s: %w", n.path, err)
	}
	if err := codec.Unmarshal(data, &n.values); err != nil {
		return nil, fmt.Errorf("nvs: decode %s: %w", n.path, err)
	}
	if n.values == nil {
		n.values = make(map[string][]byte)
	}
	return n, nil
}

// Name returns the namespace name.
func (n *Namespace) Name() string { return n.name }

func checkKey(key string) error {
	if key == "" || len(key) > MaxKeyLen {
		return fmt.Errorf("nvs: invalid key %q", key)
	}
	return nil
}

// GetBlob returns a copy of the value stored under key.
func (n *Namespace) GetBlob(key string) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	v, ok := n.values[key]
	if !ok {
		return nil, ErrNotFound.WithMessagef("nvs %s: %s", n.name, key)
	}
	return append([]byte(nil), v...), nil
}

// SetBlob stages value under key until the next Commit.
func (n *Namespace) SetBlob(key string, value []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.values[key] = append([]byte(nil), value...)
	n.pending = true
	return nil
}

// GetString returns a string value.
func (n *Namespace) GetString(key string) (string, error) {
	b, err := n.GetBlob(key)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// SetString stages a string value.
func (n *Namespace) SetString(key, value string) error {
	return n.SetBlob(key, []byte(value))
}

// GetUint64 returns an unsigned integer value.
func (n *Namespace) GetUint64(key string) (uint64, error) {
	b, err := n.GetBlob(key)
	if err != nil {
		return 0, err
	}
	if len(b) != 8 {
		return 0, fmt.Errorf("nvs %s: %s holds %d bytes, not a u64", n.name, key, len(b))
	}
	return binary.LittleEndian.Uint64(b), nil
}

// SetUint64 stages an unsigned integer value.
func (n *Namespace) SetUint64(key string, v uint64) error {
	return n.SetBlob(key, binary.LittleEndian.AppendUint64(nil, v))
}

// Erase removes key. Missing keys are not an error.
func (n *Namespace) Erase(key string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.values[key]; ok {
		delete(n.values, key)
		n.pending = true
	}
	return nil
}

// EraseAll removes every key of the namespace.
func (n *Namespace) EraseAll() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.values = make(map[string][]byte)
	n.pending = true
	return nil
}

// Keys returns the stored keys.
func (n *Namespace) Keys() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	keys := make([]string, 0, len(n.values))
	for k := range n.values {
		keys = append(keys, k)
	}
	return keys
}

// Commit atomically persists staged changes.
func (n *Namespace) Commit() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.pending {
		return nil
	}
	data, err := codec.Marshal(n.values)
	if err != nil {
		return fmt.Errorf("nvs %s: encode: %w", n.name, err)
	}
	if err := fsutil.AtomicWrite(n.fs, n.path, data, 0o644); err != nil {
		return fmt.Errorf("nvs %s: commit: %w", n.name, err)
	}
	n.pending = false
	return nil
}
