package cli

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/ibgate-project/ibgate/internal/feed"
	"github.com/ibgate-project/ibgate/internal/keystore"
	"github.com/ibgate-project/ibgate/internal/syncer"
	"github.com/ibgate-project/ibgate/pkg/color"
	"github.com/ibgate-project/ibgate/pkg/config"
	"github.com/ibgate-project/ibgate/pkg/cron"
	"github.com/ibgate-project/ibgate/pkg/errclass"
	"github.com/ibgate-project/ibgate/pkg/logging"
	"github.com/ibgate-project/ibgate/pkg/progress"
)

var (
	dbLookupAt string
	dbListMax  int
	dbForce    bool
	dbEraseYes bool
)

var dbCmd = &cobra.Command{
	Use:   "db <command>",
	Short: "Inspect and maintain the key database",
	Long: `Inspect and maintain the flash-resident key database.

These commands need exclusive access to the data directory and refuse to
run while a reader is running.`,
	DisableFlagsInUseLine: true,
}

// withStore runs fn with the key store open under the instance lease.
func withStore(purpose string, fn func(store *keystore.Store)) {
	d := requireDataDir()
	cfg := requireConfig(d)
	release := takeLease(d, purpose)
	defer release()
	log := newLogger(cfg.Logging.Level)
	store := openStore(d, cfg, log)
	defer store.Close()
	fn(store)
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show partition roles, checksums and usage",
	Run: func(cmd *cobra.Command, args []string) {
		withStore("db status", func(store *keystore.Store) {
			st := store.Status()
			if jsonOutput {
				outputJSON(st)
				return
			}
			printStoreStatus(st)
		})
	},
}

func printStoreStatus(st keystore.Status) {
	fmt.Println(color.Header("Key database"))
	printKV("active", st.Active)
	printKV("inactive", st.Inactive)
	printKV("records", st.Records)
	printKV("used", fmt.Sprintf("%d / %d bytes", st.UsedBytes, st.Capacity))
	printKV("checksum active", fmt.Sprintf("%016x", st.Checksums.Active))
	printKV("checksum source", fmt.Sprintf("%016x", st.Checksums.Source))
	if st.Checksums.Building != 0 {
		printKV("building", fmt.Sprintf("%016x", st.Checksums.Building))
	}
	if st.LabelError != "" {
		printKV("label", color.Warning(st.LabelError))
	}
}

var dbLookupCmd = &cobra.Command{
	Use:   "lookup <code>",
	Short: "Look up a key and evaluate its access window",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		code, err := feed.ParseCode(args[0])
		if err != nil {
			exitErr("%v", err)
		}
		at := parseAt(dbLookupAt)
		found := true
		withStore("db lookup", func(store *keystore.Store) {
			rec, err := store.Lookup(code)
			if errors.Is(err, errclass.ErrNotFound) {
				found = false
				if jsonOutput {
					outputJSON(map[string]any{"code": fmt.Sprintf("%016X", code), "found": false})
				} else {
					fmt.Printf("%s: %s\n", color.Code(fmt.Sprintf("%016X", code)), color.Warning("unknown key"))
				}
				return
			}
			if err != nil {
				exitErr("lookup: %v", err)
			}
			allowed := cron.Match(rec.Window, at)
			if jsonOutput {
				outputJSON(map[string]any{"code": rec.CodeHex(), "found": true, "window": rec.Window, "at": at, "allowed": allowed})
				return
			}
			window := rec.Window
			if window == "" {
				window = color.Dim("(always)")
			}
			verdict := color.Success("allowed")
			if !allowed {
				verdict = color.Error("outside window")
			}
			fmt.Printf("%s  %s  %s at %s\n", color.Code(rec.CodeHex()), window, verdict, at.Format(time.RFC3339))
		})
		if !found {
			os.Exit(1)
		}
	},
}

var dbListCmd = &cobra.Command{
	Use:   "list",
	Short: "List records of the active partition in storage order",
	Run: func(cmd *cobra.Command, args []string) {
		withStore("db list", func(store *keystore.Store) {
			var recs []keystore.Record
			for rec, err := range store.Records() {
				if err != nil {
					exitErr("read records: %v", err)
				}
				recs = append(recs, rec)
				if dbListMax > 0 && len(recs) >= dbListMax {
					break
				}
			}
			if jsonOutput {
				outputJSON(recs)
				return
			}
			for _, r := range recs {
				fmt.Printf("%s|%s\n", r.CodeHex(), r.Window)
			}
		})
	},
}

var dbAddCmd = &cobra.Command{
	Use:   "add <code> [window]",
	Short: "Append one key to the active partition",
	Long: `Append one key to the active partition.

The window uses the feed syntax ("* 9-11 * * 1-5;..."); quote it. Without
a window the key is always allowed. Added keys are replaced by the next
database update from the feed.`,
	Args: cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		line := args[0]
		if len(args) == 2 {
			line += "|" + args[1]
		}
		rec, err := feed.ParseLine(line)
		if err != nil {
			exitErr("%v", err)
		}
		for _, w := range cron.Validate(rec.Window) {
			fmtErr("warning: %v", w)
		}
		withStore("db add", func(store *keystore.Store) {
			if err := store.Append(rec); err != nil {
				exitErr("add: %v", err)
			}
			if jsonOutput {
				outputJSON(rec)
				return
			}
			fmt.Printf("Added %s\n", color.Code(rec.CodeHex()))
		})
	},
}

// trackedFeed reports every record read from the wrapped feed.
type trackedFeed struct {
	keystore.Feed
	cb progress.Callback
}

func (f trackedFeed) FetchRecords(ctx context.Context) (iter.Seq2[keystore.Record, error], error) {
	seq, err := f.Feed.FetchRecords(ctx)
	if err != nil {
		return nil, err
	}
	return progress.Track("import", seq, f.cb), nil
}

// syncFrom runs one sync against f and prints the outcome. Database
// updates are recorded in the event log.
func syncFrom(op string, f keystore.Feed, force bool) {
	d := requireDataDir()
	cfg := requireConfig(d)
	release := takeLease(d, op)
	defer release()
	log := newLogger(cfg.Logging.Level)
	store := openStore(d, cfg, log)
	defer store.Close()
	evlog := openEventLog(d, cfg, log)
	store.AddSink(evlog)

	counter := progress.NewCounter(op, !jsonOutput)
	s, err := syncer.New(store, trackedFeed{Feed: f, cb: counter.Callback()}, syncer.Options{Logger: log})
	if err != nil {
		exitErr("%v", err)
	}
	res, err := s.SyncOnce(context.Background(), force)
	if err != nil {
		exitErr("%s: %v", op, err)
	}
	if res.Rebuilt {
		counter.Done(fmt.Sprintf("%s complete: %d records", op, res.Committed))
	}

	if jsonOutput {
		out := map[string]any{"result": res}
		if res.Problems != nil {
			out["problems"] = problemList(res.Problems)
		}
		outputJSON(out)
		return
	}
	if !res.Rebuilt {
		fmt.Printf("Key database up to date (checksum %016x)\n", res.Active)
		return
	}
	fmt.Printf("Key database updated: %s records, checksum %016x\n", color.Success(fmt.Sprint(res.Committed)), res.Active)
	if res.Skipped > 0 {
		fmt.Printf("%s %d invalid lines skipped:\n", color.Warning("warning:"), res.Skipped)
		for _, p := range problemList(res.Problems) {
			fmt.Printf("  %s\n", p)
		}
	}
}

func problemList(err error) []string {
	var merr *multierror.Error
	if !errors.As(err, &merr) {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(merr.Errors))
	for _, e := range merr.Errors {
		out = append(out, e.Error())
	}
	return out
}

var dbImportCmd = &cobra.Command{
	Use:   "import <file.csv>",
	Short: "Rebuild the key database from a local CSV file",
	Long: `Rebuild the key database from a local CSV file of "code|window" lines.

The file is written into the inactive partition and activated only when
complete. An unchanged file is skipped unless --force is given.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		syncFrom("import", feed.NewFileFeed(appFS, args[0]), dbForce)
	},
}

var dbSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync the key database from the server feed",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := requireConfig(requireDataDir())
		if cfg.Server.BaseURL == "" {
			exitErr("server.base_url is not set (ibgate config set server.base_url <url>)")
		}
		f, err := feed.NewHTTPFeed(feedConfig(cfg), logging.Nop())
		if err != nil {
			exitErr("%v", err)
		}
		syncFrom("sync", f, dbForce)
	},
}

func feedConfig(cfg *config.Config) feed.HTTPConfig {
	return feed.HTTPConfig{
		BaseURL:      cfg.Server.BaseURL,
		ChecksumPath: cfg.Server.ChecksumPath,
		DatabasePath: cfg.Server.DatabasePath,
	}
}

var dbEraseCmd = &cobra.Command{
	Use:   "erase",
	Short: "Erase both partitions and reset the sync state",
	Run: func(cmd *cobra.Command, args []string) {
		if !dbEraseYes {
			exitErr("erase deletes every key; pass --yes to confirm")
		}
		withStore("db erase", func(store *keystore.Store) {
			if err := store.Erase(); err != nil {
				exitErr("erase: %v", err)
			}
			if jsonOutput {
				outputJSON(store.Status())
				return
			}
			fmt.Println("Key database erased.")
		})
	},
}

func parseAt(s string) time.Time {
	if s == "" {
		return time.Now()
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02 15:04"} {
		if t, err := time.ParseInLocation(layout, strings.TrimSpace(s), time.Local); err == nil {
			return t
		}
	}
	exitErr("bad --at %q: want RFC3339 or YYYY-MM-DDTHH:MM", s)
	return time.Time{}
}

func init() {
	dbLookupCmd.Flags().StringVar(&dbLookupAt, "at", "", "evaluate the window at this local time instead of now")
	dbListCmd.Flags().IntVar(&dbListMax, "limit", 0, "print at most n records")
	dbImportCmd.Flags().BoolVar(&dbForce, "force", false, "rebuild even if the checksum is unchanged")
	dbSyncCmd.Flags().BoolVar(&dbForce, "force", false, "rebuild even if the checksum is unchanged")
	dbEraseCmd.Flags().BoolVar(&dbEraseYes, "yes", false, "confirm erasing")
	dbCmd.AddCommand(dbStatusCmd, dbLookupCmd, dbListCmd, dbAddCmd, dbImportCmd, dbSyncCmd, dbEraseCmd)
	rootCmd.AddCommand(dbCmd)
}
