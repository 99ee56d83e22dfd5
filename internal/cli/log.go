package cli

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/ibgate-project/ibgate/internal/eventlog"
	"github.com/ibgate-project/ibgate/pkg/color"
	"github.com/ibgate-project/ibgate/pkg/model"
)

var (
	logPending bool
	logLimit   int
	logClearOK bool
)

var logCmd = &cobra.Command{
	Use:   "log <command>",
	Short: "Inspect and maintain the event log",
}

// withEventLog runs fn with the event log open under the instance lease.
func withEventLog(purpose string, fn func(evlog *eventlog.Store)) {
	d := requireDataDir()
	cfg := requireConfig(d)
	release := takeLease(d, purpose)
	defer release()
	log := newLogger(cfg.Logging.Level)
	fn(openEventLog(d, cfg, log))
}

var logShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print log records, oldest first",
	Run: func(cmd *cobra.Command, args []string) {
		withEventLog("log show", func(evlog *eventlog.Store) {
			var (
				recs []eventlog.Record
				err  error
			)
			if logPending {
				recs, err = evlog.Pending(logLimit)
			} else {
				recs, err = evlog.All()
				if err == nil && logLimit > 0 && len(recs) > logLimit {
					recs = recs[len(recs)-logLimit:]
				}
			}
			if err != nil {
				exitErr("read log: %v", err)
			}
			if jsonOutput {
				outputJSON(recs)
				return
			}
			if len(recs) == 0 {
				fmt.Println("No records.")
				return
			}
			for _, r := range recs {
				printRecord(r)
			}
		})
	},
}

func printRecord(r eventlog.Record) {
	kind := string(r.Kind)
	switch r.Kind {
	case model.EventAccessGranted:
		kind = color.Success(kind)
	case model.EventAccessDenied, model.EventKeyUnknown, model.EventLogStorageFull:
		kind = color.Error(kind)
	}
	line := fmt.Sprintf("%6d  %s  %-14s", r.Seq, r.Timestamp.Local().Format(time.DateTime), kind)
	if r.Code != 0 {
		line += "  " + color.Code(r.CodeHex())
	}
	for _, k := range slices.Sorted(maps.Keys(r.Details)) {
		line += "  " + color.Dim(k+"="+r.Details[k])
	}
	fmt.Println(line)
}

var logClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every record and leave lockout",
	Run: func(cmd *cobra.Command, args []string) {
		if !logClearOK {
			exitErr("clear deletes undelivered records; pass --yes to confirm")
		}
		withEventLog("log clear", func(evlog *eventlog.Store) {
			if err := evlog.Clear(); err != nil {
				exitErr("clear: %v", err)
			}
			if !jsonOutput {
				fmt.Println("Event log cleared.")
				return
			}
			outputJSON(evlog.Usage())
		})
	},
}

var logVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the hash chain of the log",
	Run: func(cmd *cobra.Command, args []string) {
		broken := false
		withEventLog("log verify", func(evlog *eventlog.Store) {
			n, err := evlog.Verify()
			broken = err != nil
			if jsonOutput {
				out := map[string]any{"records": n, "ok": err == nil}
				if err != nil {
					out["error"] = err.Error()
				}
				outputJSON(out)
			} else if err == nil {
				fmt.Printf("%s %d records, chain intact\n", color.Success("ok:"), n)
			} else {
				fmt.Printf("%s after %d records: %v\n", color.Error("broken:"), n, err)
			}
		})
		if broken {
			os.Exit(1)
		}
	},
}

var logExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the log as JSON lines to stdout",
	Run: func(cmd *cobra.Command, args []string) {
		withEventLog("log export", func(evlog *eventlog.Store) {
			if err := evlog.Export(os.Stdout); err != nil {
				exitErr("export: %v", err)
			}
		})
	},
}

var logUsageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show log size and capacity",
	Run: func(cmd *cobra.Command, args []string) {
		withEventLog("log usage", func(evlog *eventlog.Store) {
			st := evlog.Usage()
			if jsonOutput {
				outputJSON(st)
				return
			}
			printLogStats(st)
		})
	},
}

func printLogStats(st eventlog.Stats) {
	full := color.Success("no")
	if st.Full {
		full = color.Error("yes (reader locked out)")
	}
	printKV("records", st.Records)
	printKV("size", fmt.Sprintf("%d / %d bytes", st.Bytes, st.Capacity))
	printKV("full", full)
}

func init() {
	logShowCmd.Flags().BoolVar(&logPending, "pending", false, "only records not yet delivered")
	logShowCmd.Flags().IntVar(&logLimit, "limit", 0, "print at most n records")
	logClearCmd.Flags().BoolVar(&logClearOK, "yes", false, "confirm clearing")
	logCmd.AddCommand(logShowCmd, logClearCmd, logVerifyCmd, logExportCmd, logUsageCmd)
	rootCmd.AddCommand(logCmd)
}

