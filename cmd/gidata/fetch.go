package main

import (
	"fmt"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/qmeasure/gidata-go/pkg/timeframe"
)

func newFetchCmd() *cobra.Command {
	var (
		match    []string
		last     time.Duration
		from, to string
		resample time.Duration
		agg      string
		csvOut   bool
		output   string
	)

	cmd := &cobra.Command{
		Use:   "fetch [channel...]",
		Short: "Fetch samples as a table or CSV",
		Long: `Fetch samples for the named channels (or --match patterns).
Without a time range the trailing window (--last) of live data is read;
with --from/--to the recorded history is queried instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if len(args) == 0 && len(match) == 0 {
				return fmt.Errorf("no channels selected: pass names or --match patterns")
			}

			client, err := connectClient(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			ds := client.Dataset().Channels(args...).Match(match...).Last(last)

			if from != "" || to != "" {
				fromT, toT, err := parseRange(from, to)
				if err != nil {
					return err
				}

				ds = ds.Between(fromT, toT)
			}

			if resample > 0 {
				a, err := parseAggregate(agg)
				if err != nil {
					return err
				}

				ds = ds.Resample(resample, a)
			}

			out := os.Stdout
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()

				out = f
			}

			// Piped or redirected output defaults to CSV so results
			// feed straight into other tools.
			if csvOut || output != "" || !isatty.IsTerminal(os.Stdout.Fd()) {
				return ds.CSV(ctx, out)
			}

			frame, err := ds.Frame(ctx)
			if err != nil {
				return err
			}

			return renderFrame(frame)
		},
	}

	cmd.Flags().StringSliceVarP(&match, "match", "m", nil, "glob patterns matched against channel names")
	cmd.Flags().DurationVar(&last, "last", time.Minute, "trailing live window when no range is given")
	cmd.Flags().StringVar(&from, "from", "", "range start (RFC 3339)")
	cmd.Flags().StringVar(&to, "to", "", "range end (RFC 3339, default now)")
	cmd.Flags().DurationVar(&resample, "resample", 0, "collapse samples into fixed buckets")
	cmd.Flags().StringVar(&agg, "agg", "mean", "resample aggregate: mean, min, max, last")
	cmd.Flags().BoolVar(&csvOut, "csv", false, "force CSV output")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write CSV to file instead of stdout")

	return cmd
}

func parseRange(from, to string) (time.Time, time.Time, error) {
	if from == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("--to requires --from")
	}

	fromT, err := time.Parse(time.RFC3339, from)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parsing --from: %w", err)
	}

	toT := time.Now()

	if to != "" {
		toT, err = time.Parse(time.RFC3339, to)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parsing --to: %w", err)
		}
	}

	if !toT.After(fromT) {
		return time.Time{}, time.Time{}, fmt.Errorf("--to must be after --from")
	}

	return fromT, toT, nil
}

func parseAggregate(s string) (timeframe.Aggregate, error) {
	switch s {
	case "mean":
		return timeframe.AggMean, nil
	case "min":
		return timeframe.AggMin, nil
	case "max":
		return timeframe.AggMax, nil
	case "last":
		return timeframe.AggLast, nil
	default:
		return 0, fmt.Errorf("unknown aggregate %q (want mean, min, max, or last)", s)
	}
}

func renderFrame(frame *timeframe.Frame) error {
	names := frame.Columns()
	headers := append([]string{"TIME"}, names...)

	rows := make([][]string, frame.Len())
	times := frame.Times()

	for i := range rows {
		row := make([]string, len(headers))
		row[0] = formatTime(times[i])

		for ci, name := range names {
			v, err := frame.At(name, i)
			if err != nil {
				return err
			}

			row[ci+1] = formatValue(v)
		}

		rows[i] = row
	}

	printTable(os.Stdout, headers, rows)
	statusf("%d rows\n", frame.Len())

	return nil
}
