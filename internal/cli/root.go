package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/ibgate-project/ibgate/pkg/color"
	"github.com/ibgate-project/ibgate/pkg/logging"
)

// DefaultDataDir is used when neither --data-dir nor IBGATE_DATA_DIR is set.
const DefaultDataDir = "/var/lib/ibgate"

var (
	jsonOutput bool
	noColor    bool
	dataDir    string
	logLevel   string

	// appFS is the filesystem every command works on.
	appFS afero.Fs = afero.NewOsFs()

	rootCmd = &cobra.Command{
		Use:   "ibgate",
		Short: "ibgate - iButton access controller",
		Long: `ibgate drives an iButton door reader: it matches touched keys against a
flash-resident key database with per-key cron access windows, opens the
lock relay, keeps a hash-chained event log and syncs the key database
from a server feed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			color.Init(noColor)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", defaultDataDir(), "data directory (env IBGATE_DATA_DIR)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level from the config")
}

func defaultDataDir() string {
	if d := os.Getenv("IBGATE_DATA_DIR"); d != "" {
		return d
	}
	return DefaultDataDir
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmtErr("%v", err)
		os.Exit(1)
	}
}

// outputJSON prints v as JSON if --json flag is set, otherwise does nothing.
func outputJSON(v any) error {
	if !jsonOutput {
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newLogger builds the process logger from the configured level, or the
// --log-level override.
func newLogger(level string) *logging.Logger {
	if logLevel != "" {
		level = logLevel
	}
	lvl, err := logging.ParseLevel(level)
	if err != nil {
		fmtErr("%v, using info", err)
		lvl = logging.LevelInfo
	}
	l := logging.NewLogger(lvl)
	logging.SetGlobal(l)
	return l
}

func printKV(key string, value any) {
	fmt.Printf("  %-18s %v\n", key+":", value)
}
