package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Verify the configured credentials against the backend",
		Long: `Login authenticates against the backend of the active profile and
reports which backend variant answered. It makes no changes; use it to
check a profile before running fetch or stream.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			client, err := connectClient(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			if flagJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")

				return enc.Encode(map[string]string{
					"profile": resolvedCfg.Name,
					"url":     resolvedCfg.URL,
					"backend": string(client.Kind()),
				})
			}

			fmt.Printf("authenticated against %s (%s backend)\n", resolvedCfg.URL, client.Kind())

			return nil
		},
	}
}
