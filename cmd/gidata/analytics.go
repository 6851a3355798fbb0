package main

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

func newAnalyticsCmd() *cobra.Command {
	var query string

	cmd := &cobra.Command{
		Use:   "analytics",
		Short: "Run a server-side analytics query (cloud GraphQL only)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if query == "" {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("reading query from stdin: %w", err)
				}

				query = string(data)
			}

			ctx := cmd.Context()

			client, err := connectClient(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			frame, err := client.Analytics(ctx, query, nil)
			if err != nil {
				return err
			}

			if !isatty.IsTerminal(os.Stdout.Fd()) {
				return frame.WriteCSV(os.Stdout)
			}

			return renderFrame(frame)
		},
	}

	cmd.Flags().StringVarP(&query, "query", "Q", "", "GraphQL analytics query (default: read from stdin)")

	return cmd
}
