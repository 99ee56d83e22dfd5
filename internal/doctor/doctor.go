package doctor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"k8s.io/utils/clock"

	"github.com/ibgate-project/ibgate/internal/datadir"
	"github.com/ibgate-project/ibgate/internal/eventlog"
	"github.com/ibgate-project/ibgate/internal/instlock"
	"github.com/ibgate-project/ibgate/internal/integrity"
	"github.com/ibgate-project/ibgate/internal/keystore"
	"github.com/ibgate-project/ibgate/pkg/config"
	"github.com/ibgate-project/ibgate/pkg/errclass"
	"github.com/ibgate-project/ibgate/pkg/logging"
)

// Severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// usageWarnPercent is the log fill level reported as a warning.
const usageWarnPercent = 80

// Finding represents a detected issue.
type Finding struct {
	Category    string `json:"category"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	Path        string `json:"path,omitempty"`
}

// Result contains doctor check results.
type Result struct {
	Healthy      bool                       `json:"healthy"`
	Findings     []Finding                  `json:"findings"`
	Partitions   []keystore.PartitionReport `json:"partitions,omitempty"`
	ActiveDigest string                     `json:"active_digest,omitempty"`
	Log          *eventlog.Stats            `json:"log,omitempty"`
}

func (r *Result) add(f Finding) {
	r.Findings = append(r.Findings, f)
	if f.Severity == SeverityCritical || f.Severity == SeverityError {
		r.Healthy = false
	}
}

// Doctor performs data directory health checks.
type Doctor struct {
	fs    afero.Fs
	root  string
	clock clock.WithTicker
	log   *logging.Logger
}

// NewDoctor creates a doctor for the data directory root.
func NewDoctor(fs afero.Fs, root string, clk clock.WithTicker) *Doctor {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Doctor{fs: fs, root: root, clock: clk, log: logging.Nop()}
}

// Check runs all diagnostic checks. The partitions and the event log are
// only opened when no other process holds the instance lease; strict adds
// a digest of the ACTIVE partition.
func (d *Doctor) Check(strict bool) (*Result, error) {
	result := &Result{Healthy: true}

	if !d.checkFormatVersion(result) {
		return result, nil
	}
	cfg := d.checkConfig(result)
	d.checkSyncState(result)

	lease := instlock.NewManager(d.fs, d.root, instlock.DefaultTTL, d.clock)
	held, err := lease.AcquireOrSteal("doctor")
	if err != nil {
		if !errors.Is(err, errclass.ErrInstanceLocked) {
			return nil, err
		}
		result.add(Finding{
			Category:    "lease",
			Description: fmt.Sprintf("another instance is running, partition and log checks skipped (%v)", err),
			Severity:    SeverityInfo,
			Path:        lease.Path(),
		})
	} else {
		defer lease.Release(held.HolderNonce)
		if held.FencingToken > 1 {
			result.add(Finding{
				Category:    "lease",
				Description: "stale lease from a previous run was taken over",
				Severity:    SeverityInfo,
				Path:        lease.Path(),
			})
		}
		d.checkPartitions(result, cfg, strict)
		d.checkEventLog(result, cfg)
	}

	d.checkOrphanTmp(result)
	return result, nil
}

func (d *Doctor) checkFormatVersion(result *Result) bool {
	version, err := datadir.ReadFormatVersion(d.fs, d.root)
	if err != nil {
		result.add(Finding{
			Category:    "format",
			Description: fmt.Sprintf("format_version missing or unreadable: %v", err),
			Severity:    SeverityCritical,
			Path:        filepath.Join(d.root, datadir.FormatVersionFile),
		})
		return false
	}
	if version > datadir.FormatVersion {
		result.add(Finding{
			Category:    "format",
			Description: fmt.Sprintf("format version %d > supported %d", version, datadir.FormatVersion),
			Severity:    SeverityCritical,
		})
		return false
	}
	return true
}

func (d *Doctor) checkConfig(result *Result) *config.Config {
	cfg, err := config.Load(d.fs, d.root)
	if err != nil {
		result.add(Finding{
			Category:    "config",
			Description: err.Error(),
			Severity:    SeverityError,
			Path:        config.Path(d.root),
		})
		return config.Default()
	}
	return cfg
}

func (d *Doctor) checkSyncState(result *Result) {
	label, st, err := keystore.Peek(d.fs, d.root)
	if err != nil {
		result.add(Finding{Category: "keystore", Description: fmt.Sprintf("sync state unreadable: %v", err), Severity: SeverityError})
		return
	}
	switch label {
	case keystore.LabelA, keystore.LabelB, "":
	default:
		result.add(Finding{
			Category:    "keystore",
			Description: fmt.Sprintf("corrupt partition label %q, partition %s will be used", label, keystore.DefaultLabel),
			Severity:    SeverityWarning,
		})
	}
	if st.Building != 0 {
		result.add(Finding{
			Category:    "keystore",
			Description: fmt.Sprintf("interrupted rebuild (checksum %016x) will be discarded on next start", st.Building),
			Severity:    SeverityWarning,
		})
	}
	if st.Active == 0 {
		result.add(Finding{
			Category:    "keystore",
			Description: "key database was never synced",
			Severity:    SeverityInfo,
		})
	}
}

func (d *Doctor) checkPartitions(result *Result, cfg *config.Config, strict bool) {
	store, err := keystore.Open(d.fs, d.root, cfg.Flash.PartitionSize, d.log)
	if err != nil {
		result.add(Finding{Category: "keystore", Description: fmt.Sprintf("cannot open key store: %v", err), Severity: SeverityCritical})
		return
	}
	defer store.Close()

	st := store.Status()
	result.Partitions = store.Inspect()
	for _, r := range result.Partitions {
		p, _ := store.Partition(r.Label)
		switch {
		case r.Err != nil && r.Role == "active":
			result.add(Finding{
				Category:    "partition",
				Description: fmt.Sprintf("active partition %s framing broken after %d records: %v", r.Label, r.Records, r.Err),
				Severity:    SeverityCritical,
				Path:        p.Path(),
			})
		case r.Err != nil:
			result.add(Finding{
				Category:    "partition",
				Description: fmt.Sprintf("inactive partition %s framing broken: %v", r.Label, r.Err),
				Severity:    SeverityWarning,
				Path:        p.Path(),
			})
		case !r.TailErased:
			result.add(Finding{
				Category:    "partition",
				Description: fmt.Sprintf("partition %s has data after its end marker at %d", r.Label, r.End),
				Severity:    SeverityWarning,
				Path:        p.Path(),
			})
		}
	}

	if strict {
		p, _ := store.Partition(st.Active)
		used, err := p.ReadAt(0, st.UsedBytes)
		if err != nil {
			result.add(Finding{Category: "partition", Description: fmt.Sprintf("read active partition: %v", err), Severity: SeverityError})
			return
		}
		result.ActiveDigest = integrity.PartitionDigest(used).String()
	}
}

func (d *Doctor) checkEventLog(result *Result, cfg *config.Config) {
	dir := filepath.Join(d.root, datadir.LogDirName)
	log, err := eventlog.Open(d.fs, dir, cfg.Log.CapacityBytes, d.clock, d.log)
	if err != nil {
		result.add(Finding{Category: "log", Description: fmt.Sprintf("cannot open event log: %v", err), Severity: SeverityError, Path: dir})
		return
	}
	stats := log.Usage()
	result.Log = &stats

	if n, err := log.Verify(); err != nil {
		result.add(Finding{
			Category:    "log",
			Description: fmt.Sprintf("hash chain broken after %d good records: %v", n, err),
			Severity:    SeverityCritical,
			Path:        filepath.Join(dir, eventlog.FileName),
		})
	}
	switch {
	case stats.Full:
		result.add(Finding{
			Category:    "log",
			Description: "log storage full, the reader stays locked until the superuser clears it",
			Severity:    SeverityWarning,
		})
	case stats.Capacity > 0 && stats.Bytes*100/stats.Capacity >= usageWarnPercent:
		result.add(Finding{
			Category:    "log",
			Description: fmt.Sprintf("log storage %d%% used", stats.Bytes*100/stats.Capacity),
			Severity:    SeverityInfo,
		})
	}
}

func (d *Doctor) checkOrphanTmp(result *Result) {
	afero.Walk(d.fs, d.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if strings.HasPrefix(info.Name(), ".ibgate-tmp-") {
			result.add(Finding{
				Category:    "tmp",
				Description: fmt.Sprintf("orphan temp file: %s", info.Name()),
				Severity:    SeverityInfo,
				Path:        path,
			})
		}
		return nil
	})
}

// Summary counts findings by severity.
func (r *Result) Summary() map[string]int {
	out := make(map[string]int)
	for _, f := range r.Findings {
		out[f.Severity]++
	}
	return out
}
