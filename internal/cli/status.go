package cli

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/ibgate-project/ibgate/internal/instlock"
	"github.com/ibgate-project/ibgate/internal/keystore"
	"github.com/ibgate-project/ibgate/pkg/color"
	"github.com/ibgate-project/ibgate/pkg/model"
)

// statusReport is printed by "ibgate status". It never takes the lease,
// so it is safe while a reader runs.
type statusReport struct {
	DataDir  string             `json:"data_dir"`
	DeviceID string             `json:"device_id"`
	Lease    string             `json:"lease"`
	Holder   *model.Lease       `json:"holder,omitempty"`
	Active   string             `json:"active_partition"`
	Sync     keystore.SyncState `json:"sync_state"`
	Reader   *runStatus         `json:"reader,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show reader and database status without interrupting a running reader",
	Run: func(cmd *cobra.Command, args []string) {
		d := requireDataDir()
		rep := statusReport{DataDir: d.Root, DeviceID: d.DeviceID, Lease: "free"}

		mgr := instlock.NewManager(appFS, d.Root, instlock.DefaultTTL, nil)
		state, lease, err := mgr.Status()
		if err != nil {
			exitErr("read lease: %v", err)
		}
		switch state {
		case model.LeaseHeld:
			rep.Lease, rep.Holder = "held", lease
		case model.LeaseExpired:
			rep.Lease, rep.Holder = "expired", lease
		}

		label, st, err := keystore.Peek(appFS, d.Root)
		if err != nil {
			fmtErr("warning: %v", err)
		}
		if label == "" {
			label = keystore.DefaultLabel
		}
		rep.Active, rep.Sync = label, st

		if rep.Lease == "held" {
			if data, err := afero.ReadFile(appFS, filepath.Join(d.Root, StatusFileName)); err == nil {
				var rs runStatus
				if json.Unmarshal(data, &rs) == nil && rs.Running {
					rep.Reader = &rs
				}
			}
		}

		if jsonOutput {
			outputJSON(rep)
			return
		}
		printStatus(rep)
	},
}

func printStatus(rep statusReport) {
	fmt.Println(color.Header("ibgate " + rep.DeviceID))
	printKV("data dir", rep.DataDir)
	lease := color.Success(rep.Lease)
	if rep.Holder != nil {
		lease = fmt.Sprintf("%s by %s (pid %d, %s)", rep.Lease, rep.Holder.Purpose, rep.Holder.PID, rep.Holder.Hostname)
		if rep.Lease == "held" {
			lease = color.Warning(lease)
		}
	}
	printKV("lease", lease)
	printKV("active partition", rep.Active)
	printKV("checksum active", fmt.Sprintf("%016x", rep.Sync.Active))
	printKV("checksum source", fmt.Sprintf("%016x", rep.Sync.Source))
	if rep.Sync.Building != 0 {
		printKV("interrupted build", color.Warning(fmt.Sprintf("%016x", rep.Sync.Building)))
	}
	r := rep.Reader
	if r == nil {
		printKV("reader", color.Dim("not running"))
		return
	}
	fmt.Println(color.Header("Reader"))
	printKV("up since", r.StartedAt.Local().Format(time.DateTime))
	printKV("state", r.State)
	printKV("relay", map[bool]string{true: color.Success("open"), false: "closed"}[r.RelayOpen])
	printKV("indicator", r.Indicator)
	printKV("keys", r.Store.Records)
	printKV("log", fmt.Sprintf("%d records, %d / %d bytes", r.Log.Records, r.Log.Bytes, r.Log.Capacity))
	if r.Log.Full {
		printKV("lockout", color.Error("event log full"))
	}
	printKV("decisions", fmt.Sprintf("%d granted, %d denied, %d unknown", r.Metrics.Granted, r.Metrics.Denied, r.Metrics.Unknown))
	if r.Sync != nil && !r.Sync.At.IsZero() {
		last := r.Sync.At.Local().Format(time.DateTime)
		if r.Sync.Error != "" {
			last += " " + color.Error(r.Sync.Error)
		}
		printKV("last sync", last)
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
