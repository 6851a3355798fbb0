package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

func newChannelsCmd() *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "channels",
		Short: "List the channels of the connected backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			client, err := connectClient(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			if refresh {
				if err := client.RefreshChannels(ctx); err != nil {
					return err
				}
			}

			chans, err := client.Channels(ctx)
			if err != nil {
				return err
			}

			statusf("%d channels on %s backend\n", len(chans), client.Kind())

			if flagJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")

				return enc.Encode(chans)
			}

			rows := make([][]string, len(chans))
			for i, ch := range chans {
				rows[i] = []string{ch.Name, ch.SourceID, ch.Unit}
			}

			printTable(os.Stdout, []string{"NAME", "SOURCE", "UNIT"}, rows)

			return nil
		},
	}

	cmd.Flags().BoolVar(&refresh, "refresh", false, "force a mapping cache refresh first")

	return cmd
}
