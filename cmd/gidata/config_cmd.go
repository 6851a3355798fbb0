package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/qmeasure/gidata-go/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigPathCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides",
		RunE: func(_ *cobra.Command, _ []string) error {
			if resolvedCfg == nil {
				return fmt.Errorf("no configuration loaded")
			}

			return config.RenderEffective(resolvedCfg, os.Stdout)
		},
	}
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file path in use",
		RunE: func(_ *cobra.Command, _ []string) error {
			path := flagConfigPath
			if path == "" {
				path = config.DefaultConfigPath()
			}

			fmt.Println(path)

			return nil
		},
	}
}
