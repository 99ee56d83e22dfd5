// Package flash emulates erasable NOR flash partitions on top of an afero
// filesystem. Erased bytes read as 0xFF and a write may only clear bits.
package flash

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"github.com/ibgate-project/ibgate/pkg/errclass"
)

// Erased is the value of an erased byte.
const Erased = 0xFF

const chunkSize = 4096

// Partition is a fixed-size, bounds-checked region.
type Partition struct {
	mu    sync.Mutex
	file  afero.File
	path  string
	label string
	size  int64
}

// FileName returns the backing file name for a partition label.
func FileName(label string) string {
	return "part_" + label + ".bin"
}

// Open creates or opens <dir>/part_<label>.bin. A new file is erased. An
// existing smaller file is extended with erased bytes; a larger one is
// rejected because shrinking would lose records.
func Open(afs afero.Fs, dir, label string, size int64) (*Partition, error) {
	if size <= 0 {
		return nil, errclass.ErrFlashIO.WithMessagef("partition %s: invalid size %d", label, size)
	}
	if err := afs.MkdirAll(dir, 0o755); err != nil {
		return nil, errclass.ErrFlashIO.WithMessagef("partition %s: mkdir: %v", label, err)
	}
	path := filepath.Join(dir, FileName(label))

	existing := int64(0)
	info, err := afs.Stat(path)
	switch {
	case err == nil:
		existing = info.Size()
	case !errors.Is(err, fs.ErrNotExist):
		return nil, errclass.ErrFlashIO.WithMessagef("partition %s: stat: %v", label, err)
	}
	if existing > size {
		return nil, errclass.ErrFlashIO.WithMessagef("partition %s: file holds %d bytes, configured size %d", label, existing, size)
	}

	f, err := afs.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errclass.ErrFlashIO.WithMessagef("partition %s: open: %v", label, err)
	}
	p := &Partition{file: f, path: path, label: label, size: size}
	if existing < size {
		if err := p.fill(existing, size-existing); err != nil {
			f.Close()
			return nil, err
		}
	}
	return p, nil
}

// Label returns the partition label.
func (p *Partition) Label() string { return p.label }

// Size returns the capacity in bytes.
func (p *Partition) Size() int64 { return p.size }

// Path returns the backing file path.
func (p *Partition) Path() string { return p.path }

func (p *Partition) check(off, n int64) error {
	if off < 0 || n < 0 || off > p.size || n > p.size-off {
		return errclass.ErrOutOfBounds.WithMessagef("partition %s: [%d,+%d) outside %d bytes", p.label, off, n, p.size)
	}
	return nil
}

// ReadAt returns n bytes starting at off.
func (p *Partition) ReadAt(off, n int64) ([]byte, error) {
	if err := p.check(off, n); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.read(off, n)
}

func (p *Partition) read(off, n int64) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := p.file.ReadAt(buf, off); err != nil && !errors.Is(err, io.EOF) {
		return nil, errclass.ErrFlashIO.WithMessagef("partition %s: read at %d: %v", p.label, off, err)
	}
	return buf, nil
}

// WriteAt programs b at off. Programming can only clear bits, so writing a
// byte whose 1-bits are already 0 fails with E_FLASH_IO.
func (p *Partition) WriteAt(off int64, b []byte) error {
	if err := p.check(off, int64(len(b))); err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	cur, err := p.read(off, int64(len(b)))
	if err != nil {
		return err
	}
	for i := range b {
		if cur[i]&b[i] != b[i] {
			return errclass.ErrFlashIO.WithMessagef("partition %s: write at %d over unerased byte 0x%02x", p.label, off+int64(i), cur[i])
		}
	}
	if _, err := p.file.WriteAt(b, off); err != nil {
		return errclass.ErrFlashIO.WithMessagef("partition %s: write at %d: %v", p.label, off, err)
	}
	return nil
}

// Erase sets the whole partition to 0xFF.
func (p *Partition) Erase() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fill(0, p.size); err != nil {
		return err
	}
	return p.sync()
}

// EraseRange sets [off, off+n) to 0xFF.
func (p *Partition) EraseRange(off, n int64) error {
	if err := p.check(off, n); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fill(off, n)
}

// IsErased reports whether every byte of the partition is 0xFF.
func (p *Partition) IsErased() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ff := bytes.Repeat([]byte{Erased}, chunkSize)
	for off := int64(0); off < p.size; off += chunkSize {
		n := min(chunkSize, p.size-off)
		b, err := p.read(off, n)
		if err != nil {
			return false, err
		}
		if !bytes.Equal(b, ff[:n]) {
			return false, nil
		}
	}
	return true, nil
}

func (p *Partition) fill(off, n int64) error {
	ff := bytes.Repeat([]byte{Erased}, chunkSize)
	for n > 0 {
		k := min(chunkSize, n)
		if _, err := p.file.WriteAt(ff[:k], off); err != nil {
			return errclass.ErrFlashIO.WithMessagef("partition %s: erase at %d: %v", p.label, off, err)
		}
		off += k
		n -= k
	}
	return nil
}

// Sync flushes written data to the backing store.
func (p *Partition) Sync() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sync()
}

func (p *Partition) sync() error {
	if err := p.file.Sync(); err != nil {
		return errclass.ErrFlashIO.WithMessagef("partition %s: sync: %v", p.label, err)
	}
	return nil
}

// Close releases the backing file.
func (p *Partition) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.file.Close(); err != nil {
		return fmt.Errorf("close partition %s: %w", p.label, err)
	}
	return nil
}
