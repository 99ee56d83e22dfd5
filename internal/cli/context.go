package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/ibgate-project/ibgate/internal/datadir"
	"github.com/ibgate-project/ibgate/internal/eventlog"
	"github.com/ibgate-project/ibgate/internal/instlock"
	"github.com/ibgate-project/ibgate/internal/keystore"
	"github.com/ibgate-project/ibgate/pkg/color"
	"github.com/ibgate-project/ibgate/pkg/config"
	"github.com/ibgate-project/ibgate/pkg/errclass"
	"github.com/ibgate-project/ibgate/pkg/logging"
)

// requireDataDir opens the data directory, or exits with error.
func requireDataDir() *datadir.Dir {
	d, err := datadir.Open(appFS, dataDir)
	if err != nil {
		if errors.Is(err, errclass.ErrNotInitialized) {
			fmtErr("no data directory at %s", dataDir)
			fmt.Fprintf(os.Stderr, "  run %s to create one, or pass --data-dir\n", color.Code("ibgate init"))
			os.Exit(1)
		}
		exitErr("%v", err)
	}
	return d
}

func requireConfig(d *datadir.Dir) *config.Config {
	cfg, err := d.LoadConfig()
	if err != nil {
		exitErr("load config: %v", err)
	}
	return cfg
}

func openStore(d *datadir.Dir, cfg *config.Config, log *logging.Logger) *keystore.Store {
	s, err := keystore.Open(appFS, d.Root, cfg.Flash.PartitionSize, log)
	if err != nil {
		exitErr("open key store: %v", err)
	}
	return s
}

func openEventLog(d *datadir.Dir, cfg *config.Config, log *logging.Logger) *eventlog.Store {
	s, err := eventlog.Open(appFS, d.LogPath(), cfg.Log.CapacityBytes, nil, log)
	if err != nil {
		exitErr("open event log: %v", err)
	}
	return s
}

// takeLease makes this process the only one touching the partitions and
// the log. It exits when a reader is running.
func takeLease(d *datadir.Dir, purpose string) func() {
	mgr := instlock.NewManager(appFS, d.Root, instlock.DefaultTTL, nil)
	lease, err := mgr.AcquireOrSteal(purpose)
	if err != nil {
		if errors.Is(err, errclass.ErrInstanceLocked) {
			exitErr("data directory in use (%v); stop the reader first", err)
		}
		exitErr("acquire lease: %v", err)
	}
	return func() { mgr.Release(lease.HolderNonce) }
}

func fmtErr(format string, args ...any) {
	prefix := "ibgate: "
	if color.Enabled() {
		prefix = color.Error("ibgate:") + " "
	}
	fmt.Fprintf(os.Stderr, prefix+format+"\n", args...)
}

func exitErr(format string, args ...any) {
	fmtErr(format, args...)
	os.Exit(1)
}
