package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

func newWriteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "write CHANNEL=VALUE [CHANNEL=VALUE...]",
		Short: "Set output channel values",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values := make(map[string]float64, len(args))

			for _, arg := range args {
				name, raw, ok := strings.Cut(arg, "=")
				if !ok || name == "" {
					return fmt.Errorf("invalid assignment %q: want CHANNEL=VALUE", arg)
				}

				v, err := strconv.ParseFloat(raw, 64)
				if err != nil {
					return fmt.Errorf("invalid value in %q: %w", arg, err)
				}

				values[name] = v
			}

			ctx := cmd.Context()

			client, err := connectClient(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Write(ctx, values); err != nil {
				return err
			}

			statusf("wrote %d channels\n", len(values))

			return nil
		},
	}
}
