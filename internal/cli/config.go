package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ibgate-project/ibgate/pkg/color"
	"github.com/ibgate-project/ibgate/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config <command>",
	Short: "Manage reader configuration",
	Long: `Manage the reader configuration stored in <data-dir>/config.yaml.

A running reader picks up saved changes without a restart.

Available commands:
  show              - Show current configuration
  get <key>         - Get a configuration value
  set <key> <value> - Set and save a configuration value`,
	DisableFlagsInUseLine: true,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Run: func(cmd *cobra.Command, args []string) {
		d := requireDataDir()
		cfg := requireConfig(d)

		if jsonOutput {
			out := make(map[string]string)
			for _, k := range config.Keys() {
				out[k], _ = cfg.Get(k)
			}
			outputJSON(out)
			return
		}

		fmt.Println(color.Dim("# " + d.ConfigPath()))
		for _, k := range config.Keys() {
			v, _ := cfg.Get(k)
			if v == "" {
				v = color.Dim("(not set)")
			}
			fmt.Printf("%s: %s\n", k, v)
		}
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := requireConfig(requireDataDir())
		v, err := cfg.Get(args[0])
		if err != nil {
			exitErr("%v (keys: %s)", err, strings.Join(config.Keys(), ", "))
		}
		if jsonOutput {
			outputJSON(map[string]string{args[0]: v})
			return
		}
		fmt.Println(v)
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set and save a configuration value",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		d := requireDataDir()
		cfg := requireConfig(d)
		if err := cfg.Set(args[0], args[1]); err != nil {
			exitErr("%v", err)
		}
		if err := config.Save(appFS, d.Root, cfg); err != nil {
			exitErr("save config: %v", err)
		}
		v, _ := cfg.Get(args[0])
		if jsonOutput {
			outputJSON(map[string]string{args[0]: v})
			return
		}
		fmt.Printf("Set %s = %s\n", color.Code(args[0]), v)
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configGetCmd, configSetCmd)
	rootCmd.AddCommand(configCmd)
}
