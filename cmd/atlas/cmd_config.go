package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"atlas/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or initialize configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(config.DefaultPath(workspace))
		if err != nil {
			return err
		}

		// keys stay out of the printout
		for name, pc := range cfg.Providers {
			if len(pc.APIKeys) > 0 {
				pc.APIKeys = []string{fmt.Sprintf("(%d keys configured)", len(pc.APIKeys))}
				cfg.Providers[name] = pc
			}
		}

		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Printf("# %s\n%s", config.DefaultPath(workspace), data)

		if enabled := cfg.EnabledProviders(); len(enabled) > 0 {
			fmt.Printf("\n# providers with keys: %v\n", enabled)
		} else {
			fmt.Println("\n# no provider keys found; set ANTHROPIC_API_KEY or similar")
		}
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.DefaultPath(workspace)
		if err := config.DefaultConfig().Save(path); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", path)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
}
