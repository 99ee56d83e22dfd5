package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ibgate-project/ibgate/internal/datadir"
	"github.com/ibgate-project/ibgate/pkg/color"
	"github.com/ibgate-project/ibgate/pkg/model"
)

var initCmd = &cobra.Command{
	Use:   "init [device-name]",
	Short: "Initialize a data directory",
	Long: `Initialize the data directory given by --data-dir.

This creates:
  - flash/ for the two key store partitions
  - nvs/ for the partition label and sync state
  - log/ for the event log
  - config.yaml with defaults and the device name
  - format_version and device_id`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		name := model.DefaultDeviceName
		if len(args) == 1 {
			name = args[0]
		}

		d, err := datadir.Init(appFS, dataDir, name)
		if err != nil {
			exitErr("failed to initialize data directory: %v", err)
		}

		if jsonOutput {
			outputJSON(map[string]any{
				"data_dir":       d.Root,
				"format_version": d.FormatVersion,
				"device_id":      d.DeviceID,
				"device_name":    name,
			})
			return
		}
		fmt.Printf("Initialized ibgate data directory in %s\n", color.Success(d.Root))
		fmt.Printf("  Device: %s (%s)\n", color.Code(name), color.Dim(d.DeviceID))
		fmt.Printf("  Next: set %s and run %s\n", color.Code("server.base_url"), color.Code("ibgate db sync"))
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
