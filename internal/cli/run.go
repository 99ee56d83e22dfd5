package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ibgate-project/ibgate/internal/controller"
	"github.com/ibgate-project/ibgate/internal/datadir"
	"github.com/ibgate-project/ibgate/internal/eventlog"
	"github.com/ibgate-project/ibgate/internal/feed"
	"github.com/ibgate-project/ibgate/internal/hw"
	"github.com/ibgate-project/ibgate/internal/instlock"
	"github.com/ibgate-project/ibgate/internal/keystore"
	"github.com/ibgate-project/ibgate/internal/logsender"
	"github.com/ibgate-project/ibgate/internal/syncer"
	"github.com/ibgate-project/ibgate/pkg/color"
	"github.com/ibgate-project/ibgate/pkg/config"
	"github.com/ibgate-project/ibgate/pkg/fsutil"
	"github.com/ibgate-project/ibgate/pkg/logging"
	"github.com/ibgate-project/ibgate/pkg/metrics"
	"github.com/ibgate-project/ibgate/pkg/model"
)

// StatusFileName is written into the data directory while a reader runs.
const StatusFileName = "status.json"

const statusInterval = 2 * time.Second

var runSim bool

// errConsoleClosed stops the reader when the console is quit.
var errConsoleClosed = errors.New("console closed")

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the reader",
	Long: `Run the reader: poll the probe and the button, drive the relay and the
LEDs, sync the key database and deliver the event log.

With --sim the board is simulated and driven from a console on stdin:

` + hw.SimHelp + `
quit           stop the reader`,
	Run: func(cmd *cobra.Command, args []string) {
		if !runSim {
			exitErr("no hardware backend is built in; use --sim")
		}
		d := requireDataDir()
		cfg := requireConfig(d)
		log := newLogger(cfg.Logging.Level)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := runReader(ctx, d, cfg, log, os.Stdin, os.Stdout); err != nil {
			exitErr("%v", err)
		}
	},
}

// notifyingLog writes events to the log and wakes the sender.
type notifyingLog struct {
	log    *eventlog.Store
	sender *logsender.Sender
}

func (n notifyingLog) Log(ev model.Event) error {
	err := n.log.Log(ev)
	if err == nil && n.sender != nil {
		n.sender.Notify()
	}
	return err
}

// runStatus is the content of the status file.
type runStatus struct {
	PID       int              `json:"pid"`
	DeviceID  string           `json:"device_id"`
	StartedAt time.Time        `json:"started_at"`
	UpdatedAt time.Time        `json:"updated_at"`
	Running   bool             `json:"running"`
	State     string           `json:"state"`
	RelayOpen bool             `json:"relay_open"`
	Indicator string           `json:"indicator"`
	Store     keystore.Status  `json:"store"`
	Log       eventlog.Stats   `json:"log"`
	Sync      *syncer.Status   `json:"sync,omitempty"`
	Metrics   metrics.Snapshot `json:"metrics"`
}

// runReader wires the reader around a simulated board and blocks until
// ctx is done or the console is quit.
func runReader(ctx context.Context, d *datadir.Dir, cfg *config.Config, log *logging.Logger, console io.Reader, out io.Writer) error {
	rc, err := cfg.Reader()
	if err != nil {
		return err
	}

	mgr := instlock.NewManager(d.FS, d.Root, instlock.DefaultTTL, nil)
	lease, err := mgr.AcquireOrSteal("run")
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}

	store, err := keystore.Open(d.FS, d.Root, cfg.Flash.PartitionSize, log)
	if err != nil {
		mgr.Release(lease.HolderNonce)
		return fmt.Errorf("open key store: %w", err)
	}
	defer store.Close()
	evlog, err := eventlog.Open(d.FS, d.LogPath(), cfg.Log.CapacityBytes, nil, log)
	if err != nil {
		mgr.Release(lease.HolderNonce)
		return fmt.Errorf("open event log: %w", err)
	}
	store.AddSink(evlog)

	var outMu sync.Mutex
	printf := func(format string, args ...any) {
		outMu.Lock()
		defer outMu.Unlock()
		fmt.Fprintf(out, format, args...)
	}
	var lastRelay bool // guarded by outMu
	sim := hw.NewSim(func(st hw.SimState) {
		outMu.Lock()
		defer outMu.Unlock()
		if st.RelayOpen == lastRelay {
			return
		}
		lastRelay = st.RelayOpen
		word := color.Error("closed")
		if st.RelayOpen {
			word = color.Success("open")
		}
		fmt.Fprintf(out, "relay %s  leds %s\n", word, color.LEDs(st.Red, st.Green))
	})

	reg := metrics.NewRegistry()
	var (
		syn    *syncer.Syncer
		sender *logsender.Sender
	)
	if cfg.Server.BaseURL != "" {
		f, err := feed.NewHTTPFeed(feedConfig(cfg), log)
		if err != nil {
			mgr.Release(lease.HolderNonce)
			return err
		}
		syn, err = syncer.New(store, f, syncer.Options{Interval: cfg.Sync.Interval, Logger: log, Metrics: reg})
		if err != nil {
			mgr.Release(lease.HolderNonce)
			return err
		}
		sender, err = logsender.New(evlog, logsender.Options{
			URL:    strings.TrimRight(cfg.Server.BaseURL, "/") + cfg.Server.LogPath,
			Device: cfg.DeviceName,
			Rate:   cfg.Log.SendRate,
		}, nil, log)
		if err != nil {
			mgr.Release(lease.HolderNonce)
			return err
		}
	} else {
		log.Warn("server.base_url not set, key sync and log delivery disabled")
	}

	syncNow := func() { log.Warn("sync requested but no server is configured") }
	if syn != nil {
		syncNow = syn.TriggerNow
	}
	ctrl, err := controller.New(controller.Options{
		Store:    store,
		Reader:   sim,
		Inputs:   sim,
		Relay:    sim,
		LEDs:     sim,
		Log:      notifyingLog{log: evlog, sender: sender},
		ClearLog: evlog.Clear,
		SyncNow:  syncNow,
		Config:   rc,
		Logger:   log,
		Metrics:  reg,
	})
	if err != nil {
		mgr.Release(lease.HolderNonce)
		return err
	}
	evlog.OnFull(ctrl.EnterLockout)
	if evlog.Full() {
		ctrl.EnterLockout()
	}
	if err := evlog.Log(model.Event{
		Kind:    model.EventSystemUp,
		Details: map[string]any{"device_id": d.DeviceID},
	}); err != nil {
		log.ErrorErr("log system up", err)
	}

	started := time.Now()
	writeStatus := func(running bool) {
		st := runStatus{
			PID:       os.Getpid(),
			DeviceID:  d.DeviceID,
			StartedAt: started,
			UpdatedAt: time.Now(),
			Running:   running,
			State:     ctrl.State().String(),
			RelayOpen: ctrl.RelayOpen(),
			Indicator: ctrl.Indicator().Pattern().String(),
			Store:     store.Status(),
			Log:       evlog.Usage(),
			Metrics:   reg.Snapshot(),
		}
		if syn != nil {
			last := syn.Last()
			st.Sync = &last
		}
		data, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return
		}
		if err := fsutil.AtomicWrite(d.FS, filepath.Join(d.Root, StatusFileName), data, 0o644); err != nil {
			log.ErrorErr("write status", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mgr.Hold(gctx, lease, log) })
	g.Go(func() error { return ctrl.Run(gctx) })
	g.Go(func() error {
		ctrl.Indicator().Run(gctx)
		return nil
	})
	if syn != nil {
		g.Go(func() error { return syn.Run(gctx) })
	}
	if sender != nil {
		g.Go(func() error { return sender.Run(gctx) })
	}
	if w, err := config.NewWatcher(d.FS, d.Root, func(next *config.Config) {
		applyConfig(ctrl, syn, log, cfg, next)
		cfg = next
	}, log); err != nil {
		log.Warn("config reload disabled", map[string]any{"error": err.Error()})
	} else {
		g.Go(func() error { return w.Run(gctx) })
	}
	g.Go(func() error {
		t := time.NewTicker(statusInterval)
		defer t.Stop()
		for {
			writeStatus(true)
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
			}
		}
	})
	g.Go(func() error { return runConsole(gctx, sim, console, printf) })

	printf("reader running in %s mode; type help for commands\n", rc.Mode)
	err = g.Wait()
	writeStatus(false)
	if errors.Is(err, errConsoleClosed) {
		return nil
	}
	return err
}

// applyConfig pushes a reloaded configuration into the running reader.
func applyConfig(ctrl *controller.Controller, s *syncer.Syncer, log *logging.Logger, prev, next *config.Config) {
	if rc, err := next.Reader(); err != nil {
		log.Warn("ignoring reader settings", map[string]any{"error": err.Error()})
	} else if err := ctrl.SetConfig(rc); err != nil {
		log.Warn("ignoring reader settings", map[string]any{"error": err.Error()})
	}
	if s != nil {
		if next.Sync.Interval != prev.Sync.Interval {
			s.SetInterval(next.Sync.Interval)
		}
		if next.Server != prev.Server && next.Server.BaseURL != "" {
			if f, err := feed.NewHTTPFeed(feedConfig(next), log); err != nil {
				log.Warn("ignoring server settings", map[string]any{"error": err.Error()})
			} else {
				s.SetFeed(f)
			}
		}
	}
	if lvl, err := logging.ParseLevel(next.Logging.Level); err == nil && logLevel == "" {
		log.SetLevel(lvl)
	}
}

// runConsole executes simulator commands read line by line. EOF or
// "quit" stops the reader.
func runConsole(ctx context.Context, sim *hw.Sim, console io.Reader, printf func(string, ...any)) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(console)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return errConsoleClosed
			}
			line = strings.TrimSpace(line)
			if line == "quit" || line == "exit" {
				return errConsoleClosed
			}
			msg, err := sim.Exec(line)
			switch {
			case err != nil:
				printf("%s %v\n", color.Error("error:"), err)
			case msg != "":
				printf("%s\n", msg)
			}
		}
	}
}

func init() {
	runCmd.Flags().BoolVar(&runSim, "sim", false, "simulate the board and read commands from stdin")
	rootCmd.AddCommand(runCmd)
}
