package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ibgate-project/ibgate/internal/doctor"
	"github.com/ibgate-project/ibgate/pkg/color"
)

var doctorStrict bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check data directory health",
	Long: `Check data directory health.

Checks the format version, the config, the persisted partition label and
sync state, the framing of both key store partitions and the event log
hash chain. Partitions and log are skipped while a reader is running.
Use --strict to also digest the active partition.`,
	Run: func(cmd *cobra.Command, args []string) {
		doc := doctor.NewDoctor(appFS, dataDir, nil)
		result, err := doc.Check(doctorStrict)
		if err != nil {
			exitErr("doctor: %v", err)
		}

		if jsonOutput {
			outputJSON(result)
			if !result.Healthy {
				os.Exit(1)
			}
			return
		}

		for _, p := range result.Partitions {
			fmt.Printf("partition %s (%s): %d records, %d/%d bytes\n", p.Label, p.Role, p.Records, p.End, p.Size)
		}
		if result.ActiveDigest != "" {
			fmt.Printf("active digest: %s\n", color.Dim(result.ActiveDigest))
		}
		if result.Log != nil {
			fmt.Printf("event log: %d records, %d/%d bytes\n", result.Log.Records, result.Log.Bytes, result.Log.Capacity)
		}

		if len(result.Findings) == 0 {
			fmt.Println(color.Success("Data directory is healthy."))
			return
		}
		fmt.Printf("Findings (%d):\n", len(result.Findings))
		for _, f := range result.Findings {
			fmt.Printf("  [%s] %s: %s\n", severity(f.Severity), f.Category, f.Description)
		}
		if !result.Healthy {
			os.Exit(1)
		}
	},
}

func severity(s string) string {
	switch s {
	case doctor.SeverityCritical, doctor.SeverityError:
		return color.Error(s)
	case doctor.SeverityWarning:
		return color.Warning(s)
	}
	return color.Dim(s)
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorStrict, "strict", false, "also digest the active partition")
	rootCmd.AddCommand(doctorCmd)
}
