package commands

import (
	"encoding/json"
	"fmt"

	"github.com/kardianos/gokdc/config"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var showOutput string

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long: `Show the configuration after the file, environment overrides and
defaults are applied. Principal passwords are masked.`,
	RunE: runConfigShow,
}

func init() {
	configShowCmd.Flags().StringVarP(&showOutput, "output", "o", "yaml", "Output format (yaml|json)")
	configCmd.AddCommand(configShowCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	cfg = cfg.Redacted()

	switch showOutput {
	case "yaml":
		return config.WriteYAML(cmd.OutOrStdout(), cfg)
	case "json":
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	default:
		return fmt.Errorf("unsupported output format: %s (use yaml or json)", showOutput)
	}
}
