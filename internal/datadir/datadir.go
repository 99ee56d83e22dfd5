// Package datadir lays out and opens the on-disk state of one reader.
package datadir

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/ibgate-project/ibgate/pkg/config"
	"github.com/ibgate-project/ibgate/pkg/errclass"
	"github.com/ibgate-project/ibgate/pkg/fsutil"
	"github.com/ibgate-project/ibgate/pkg/pathutil"
	"github.com/ibgate-project/ibgate/pkg/uuidutil"
)

const (
	FormatVersion     = 1
	FormatVersionFile = "format_version"
	DeviceIDFile      = "device_id"
	FlashDirName      = "flash"
	NVSDirName        = "nvs"
	LogDirName        = "log"
)

// Dir is an initialized data directory.
type Dir struct {
	FS            afero.Fs
	Root          string
	FormatVersion int
	DeviceID      string
}

// Init creates the layout under root and writes a default config carrying
// the device name. It refuses a directory that is already initialized.
func Init(afs afero.Fs, root, deviceName string) (*Dir, error) {
	name, err := pathutil.ValidateName(deviceName)
	if err != nil {
		return nil, err
	}
	if ok, _ := afero.Exists(afs, filepath.Join(root, FormatVersionFile)); ok {
		return nil, fmt.Errorf("data directory %s is already initialized", root)
	}

	for _, dir := range []string{root, filepath.Join(root, FlashDirName), filepath.Join(root, NVSDirName), filepath.Join(root, LogDirName)} {
		if err := afs.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	cfg := config.Default()
	cfg.DeviceName = name
	if err := config.Save(afs, root, cfg); err != nil {
		return nil, fmt.Errorf("write config: %w", err)
	}

	id := uuidutil.NewV4()
	if err := fsutil.AtomicWrite(afs, filepath.Join(root, DeviceIDFile), []byte(id+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("write device_id: %w", err)
	}
	// format_version goes last: its presence marks a complete layout.
	if err := fsutil.AtomicWrite(afs, filepath.Join(root, FormatVersionFile), []byte(fmt.Sprintf("%d\n", FormatVersion)), 0o644); err != nil {
		return nil, fmt.Errorf("write format_version: %w", err)
	}

	return &Dir{FS: afs, Root: root, FormatVersion: FormatVersion, DeviceID: id}, nil
}

// Open checks the format version of root and returns the directory.
func Open(afs afero.Fs, root string) (*Dir, error) {
	version, err := ReadFormatVersion(afs, root)
	if err != nil {
		return nil, err
	}
	if version > FormatVersion {
		return nil, errclass.ErrFormatUnsupported.WithMessagef("format version %d > supported %d", version, FormatVersion)
	}
	id, err := readDeviceID(afs, root)
	if err != nil {
		return nil, err
	}
	return &Dir{FS: afs, Root: root, FormatVersion: version, DeviceID: id}, nil
}

// ReadFormatVersion returns the layout version stored under root.
func ReadFormatVersion(afs afero.Fs, root string) (int, error) {
	data, err := afero.ReadFile(afs, filepath.Join(root, FormatVersionFile))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, errclass.ErrNotInitialized.WithMessagef("no data directory at %s (run 'ibgate init')", root)
	}
	if err != nil {
		return 0, fmt.Errorf("read format_version: %w", err)
	}
	var version int
	if _, err := fmt.Sscanf(string(data), "%d", &version); err != nil {
		return 0, fmt.Errorf("parse format_version: %w", err)
	}
	return version, nil
}

func readDeviceID(afs afero.Fs, root string) (string, error) {
	data, err := afero.ReadFile(afs, filepath.Join(root, DeviceIDFile))
	if err != nil {
		return "", fmt.Errorf("read device_id: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// FlashPath is where the partition images live.
func (d *Dir) FlashPath() string { return filepath.Join(d.Root, FlashDirName) }

// NVSPath is where the key store keeps its label and sync state.
func (d *Dir) NVSPath() string { return filepath.Join(d.Root, NVSDirName) }

// LogPath is the event log directory.
func (d *Dir) LogPath() string { return filepath.Join(d.Root, LogDirName) }

// ConfigPath is the config file.
func (d *Dir) ConfigPath() string { return config.Path(d.Root) }

// LoadConfig reads the config of this directory.
func (d *Dir) LoadConfig() (*config.Config, error) { return config.Load(d.FS, d.Root) }
