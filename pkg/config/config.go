// Package config provides the device configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/ibgate-project/ibgate/pkg/errclass"
	"github.com/ibgate-project/ibgate/pkg/fsutil"
	"github.com/ibgate-project/ibgate/pkg/logging"
	"github.com/ibgate-project/ibgate/pkg/model"
	"github.com/ibgate-project/ibgate/pkg/pathutil"
)

// FileName is the configuration file inside the data directory.
const FileName = "config.yaml"

// Config represents the ibgate configuration.
type Config struct {
	DeviceName    string        `yaml:"device_name"`
	SUKey         string        `yaml:"su_key"`
	OpeningTimeMS int           `yaml:"opening_time_ms"`
	Mode          model.Mode    `yaml:"mode"`
	Server        ServerConfig  `yaml:"server"`
	Sync          SyncConfig    `yaml:"sync"`
	Log           LogConfig     `yaml:"log"`
	Flash         FlashConfig   `yaml:"flash"`
	Logging       LoggingConfig `yaml:"logging"`
}

// ServerConfig locates the feed and the log endpoint.
type ServerConfig struct {
	BaseURL      string `yaml:"base_url"`
	ChecksumPath string `yaml:"checksum_path"`
	DatabasePath string `yaml:"database_path"`
	LogPath      string `yaml:"log_path"`
}

// SyncConfig schedules feed synchronization.
type SyncConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// LogConfig sizes the event log and paces its delivery.
type LogConfig struct {
	CapacityBytes int64   `yaml:"capacity_bytes"`
	SendRate      float64 `yaml:"send_rate"`
}

// FlashConfig sizes each key store partition.
type FlashConfig struct {
	PartitionSize int64 `yaml:"partition_size"`
}

// LoggingConfig configures logging behavior.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Limits.
const (
	MinOpeningTimeMS = 100
	MaxOpeningTimeMS = 600000
	MinSyncInterval  = 10 * time.Second
	MinPartitionSize = 4 << 10
)

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		DeviceName:    model.DefaultDeviceName,
		SUKey:         "0",
		OpeningTimeMS: int(model.DefaultOpeningTime / time.Millisecond),
		Mode:          model.ModeNormal,
		Server: ServerConfig{
			ChecksumPath: "/ib/checksum",
			DatabasePath: "/ib/db.csv",
			LogPath:      "/ib/log",
		},
		Sync:    SyncConfig{Interval: 10 * time.Minute},
		Log:     LogConfig{CapacityBytes: 64 << 10, SendRate: 2},
		Flash:   FlashConfig{PartitionSize: 512 << 10},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Path returns the configuration file path under root.
func Path(root string) string {
	return filepath.Join(root, FileName)
}

// Load reads root/config.yaml on top of the defaults. A missing file
// yields the defaults.
func Load(fs afero.Fs, root string) (*Config, error) {
	cfg := Default()
	data, err := afero.ReadFile(fs, Path(root))
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errclass.ErrConfigInvalid.WithMessagef("parse config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to root/config.yaml atomically.
func Save(fs afero.Fs, root string, cfg *Config) error {
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := fsutil.AtomicWrite(fs, Path(root), data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// ParseSUKey parses a superuser credential: hex with an optional 0x
// prefix. Zero or an empty string means no superuser.
func ParseSUKey(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("su_key %q is not a hex code", s)
	}
	return v, nil
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var result *multierror.Error
	add := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	if _, err := pathutil.ValidateName(c.DeviceName); err != nil {
		add("device_name: %v", err)
	}
	if _, err := ParseSUKey(c.SUKey); err != nil {
		add("%v", err)
	}
	if c.OpeningTimeMS < MinOpeningTimeMS || c.OpeningTimeMS > MaxOpeningTimeMS {
		add("opening_time_ms %d outside %d..%d", c.OpeningTimeMS, MinOpeningTimeMS, MaxOpeningTimeMS)
	}
	if !c.Mode.Valid() {
		add("mode %d is not defined", int(c.Mode))
	}
	if c.Sync.Interval < MinSyncInterval {
		add("sync.interval %s below %s", c.Sync.Interval, MinSyncInterval)
	}
	if c.Log.CapacityBytes < 1024 {
		add("log.capacity_bytes %d below 1024", c.Log.CapacityBytes)
	}
	if c.Log.SendRate < 0 {
		add("log.send_rate %g is negative", c.Log.SendRate)
	}
	if c.Flash.PartitionSize < MinPartitionSize {
		add("flash.partition_size %d below %d", c.Flash.PartitionSize, MinPartitionSize)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		add("logging.level: %v", err)
	}
	if err := result.ErrorOrNil(); err != nil {
		return errclass.ErrConfigInvalid.Wrap(err)
	}
	return nil
}

// Reader extracts the settings the access controller needs.
func (c *Config) Reader() (model.ReaderConfig, error) {
	su, err := ParseSUKey(c.SUKey)
	if err != nil {
		return model.ReaderConfig{}, errclass.ErrConfigInvalid.WithMessage(err.Error())
	}
	return model.ReaderConfig{
		DeviceName:  c.DeviceName,
		SUKey:       su,
		OpeningTime: time.Duration(c.OpeningTimeMS) * time.Millisecond,
		Mode:        c.Mode,
	}, nil
}

type field struct {
	get func(c *Config) string
	set func(c *Config, v string) error
}

func stringField(p func(c *Config) *string) field {
	return field{
		get: func(c *Config) string { return *p(c) },
		set: func(c *Config, v string) error {
			*p(c) = v
			return nil
		},
	}
}

func intField(p func(c *Config) *int64) field {
	return field{
		get: func(c *Config) string { return strconv.FormatInt(*p(c), 10) },
		set: func(c *Config, v string) error {
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return fmt.Errorf("not an integer: %q", v)
			}
			*p(c) = n
			return nil
		},
	}
}

var fields = map[string]field{
	"device_name": {
		get: func(c *Config) string { return c.DeviceName },
		set: func(c *Config, v string) error {
			name, err := pathutil.ValidateName(v)
			if err != nil {
				return err
			}
			c.DeviceName = name
			return nil
		},
	},
	"su_key": {
		get: func(c *Config) string { return c.SUKey },
		set: func(c *Config, v string) error {
			code, err := ParseSUKey(v)
			if err != nil {
				return err
			}
			c.SUKey = fmt.Sprintf("%016X", code)
			if code == 0 {
				c.SUKey = "0"
			}
			return nil
		},
	},
	"opening_time_ms": {
		get: func(c *Config) string { return strconv.Itoa(c.OpeningTimeMS) },
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("not an integer: %q", v)
			}
			c.OpeningTimeMS = n
			return nil
		},
	},
	"mode": {
		get: func(c *Config) string { return c.Mode.String() },
		set: func(c *Config, v string) error {
			m, err := model.ParseMode(v)
			if err != nil {
				return err
			}
			c.Mode = m
			return nil
		},
	},
	"server.base_url":      stringField(func(c *Config) *string { return &c.Server.BaseURL }),
	"server.checksum_path": stringField(func(c *Config) *string { return &c.Server.ChecksumPath }),
	"server.database_path": stringField(func(c *Config) *string { return &c.Server.DatabasePath }),
	"server.log_path":      stringField(func(c *Config) *string { return &c.Server.LogPath }),
	"sync.interval": {
		get: func(c *Config) string { return c.Sync.Interval.String() },
		set: func(c *Config, v string) error {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				return err
			}
			c.Sync.Interval = d
			return nil
		},
	},
	"log.capacity_bytes": intField(func(c *Config) *int64 { return &c.Log.CapacityBytes }),
	"log.send_rate": {
		get: func(c *Config) string { return strconv.FormatFloat(c.Log.SendRate, 'g', -1, 64) },
		set: func(c *Config, v string) error {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return fmt.Errorf("not a number: %q", v)
			}
			c.Log.SendRate = f
			return nil
		},
	},
	"flash.partition_size": intField(func(c *Config) *int64 { return &c.Flash.PartitionSize }),
	"logging.level":        stringField(func(c *Config) *string { return &c.Logging.Level }),
}

// Keys lists the settable keys in sorted order.
func Keys() []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns the string form of key.
func (c *Config) Get(key string) (string, error) {
	f, ok := fields[key]
	if !ok {
		return "", errclass.ErrConfigInvalid.WithMessagef("unknown key %q", key)
	}
	return f.get(c), nil
}

// Set parses value into key and validates the result. On error c is left
// unchanged.
func (c *Config) Set(key, value string) error {
	f, ok := fields[key]
	if !ok {
		return errclass.ErrConfigInvalid.WithMessagef("unknown key %q", key)
	}
	next := *c
	if err := f.set(&next, value); err != nil {
		return errclass.ErrConfigInvalid.WithMessagef("%s: %v", key, err)
	}
	if err := next.Validate(); err != nil {
		return err
	}
	*c = next
	return nil
}
