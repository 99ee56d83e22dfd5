package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ibgate-project/ibgate/pkg/color"
	"github.com/ibgate-project/ibgate/pkg/cron"
)

var cronAt string

var cronCmd = &cobra.Command{
	Use:   "cron <command>",
	Short: "Work with access window specs",
}

var cronCheckCmd = &cobra.Command{
	Use:   "check <spec>",
	Short: "Parse a window spec and evaluate it",
	Long: `Parse a window spec, report the tokens the reader would drop and
evaluate it at --at (default now). Domains are separated by ';' and each
has five fields: minute hour day-of-month month day-of-week.

Exits 1 when the instant is outside the window.`,
	Example: `  ibgate cron check "* 9-11 * * 1-5;* 10-11 * * 6"
  ibgate cron check "0-29 8 * * *" --at 2025-01-15T08:15`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		spec := args[0]
		at := parseAt(cronAt)
		w := cron.Parse(spec)
		problems := cron.Validate(spec)
		match := w.Match(at)

		if jsonOutput {
			msgs := make([]string, len(problems))
			for i, p := range problems {
				msgs[i] = p.Error()
			}
			outputJSON(map[string]any{
				"spec":       spec,
				"normalized": w.String(),
				"always":     w.Always,
				"domains":    len(w.Domains),
				"problems":   msgs,
				"at":         at,
				"match":      match,
			})
		} else {
			for _, p := range problems {
				fmt.Printf("%s %v\n", color.Warning("dropped:"), p)
			}
			if w.Always {
				fmt.Println("window: always")
			} else {
				for i, d := range w.Domains {
					fmt.Printf("domain %d: %s\n", i+1, d)
				}
			}
			verdict := color.Success("inside")
			if !match {
				verdict = color.Error("outside")
			}
			fmt.Printf("%s is %s the window\n", at.Format(time.RFC3339), verdict)
		}
		if !match {
			os.Exit(1)
		}
	},
}

func init() {
	cronCheckCmd.Flags().StringVar(&cronAt, "at", "", "evaluate at this local time instead of now")
	cronCmd.AddCommand(cronCheckCmd)
	rootCmd.AddCommand(cronCmd)
}
