package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/qmeasure/gidata-go"
	"github.com/qmeasure/gidata-go/internal/config"
)

func newStreamCmd() *cobra.Command {
	var (
		match    []string
		interval time.Duration
		onChange bool
		follow   bool
	)

	cmd := &cobra.Command{
		Use:   "stream [channel...]",
		Short: "Stream live values until interrupted",
		Long: `Subscribe to live delivery for the named channels (or --match
patterns) and print one line per event. With --follow-config the
connection is rebuilt when the config file or token file changes, so
rotated credentials are picked up without a restart.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && len(match) == 0 {
				return fmt.Errorf("no channels selected: pass names or --match patterns")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			reload := make(chan struct{}, 1)

			if follow {
				holder := config.NewHolder(resolvedCfg, flagConfigPath)

				go watchConfig(ctx, holder, reload)
			}

			for {
				err := streamOnce(ctx, args, match, interval, onChange, reload)
				if err != nil {
					return err
				}

				select {
				case <-ctx.Done():
					return nil
				default:
					// Reload requested: reconnect with fresh credentials.
				}
			}
		},
	}

	cmd.Flags().StringSliceVarP(&match, "match", "m", nil, "glob patterns matched against channel names")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "delivery interval")
	cmd.Flags().BoolVar(&onChange, "on-change", false, "deliver only when a value changes")
	cmd.Flags().BoolVar(&follow, "follow-config", false, "reconnect when the config or token file changes")

	return cmd
}

// watchConfig re-resolves the profile on file changes and signals the
// stream loop to reconnect.
func watchConfig(ctx context.Context, holder *config.Holder, reload chan<- struct{}) {
	logger := buildLogger()

	tokenFile := ""
	// The resolved profile no longer carries the token_file path, so
	// re-read the raw config to find it.
	if cfg, err := config.LoadOrDefault(holder.Path()); err == nil {
		if p, ok := cfg.Profiles[holder.Profile().Name]; ok {
			tokenFile = p.TokenFile
		}
	}

	err := config.Watch(ctx, holder.Path(), tokenFile, logger, func() {
		resolved, err := config.Resolve(config.ReadEnvOverrides(), config.CLIOverrides{
			ConfigPath: holder.Path(),
			Profile:    holder.Profile().Name,
		})
		if err != nil {
			logger.Error("config reload failed", "error", err)
			return
		}

		holder.Update(resolved)
		resolvedCfg = resolved

		select {
		case reload <- struct{}{}:
		default:
		}
	})
	if err != nil {
		logger.Error("config watcher stopped", "error", err)
	}
}

// streamOnce connects, subscribes, and prints events until the context
// ends, the subscription terminally fails, or a reload is requested.
func streamOnce(ctx context.Context, names, match []string, interval time.Duration, onChange bool, reload <-chan struct{}) error {
	client, err := connectClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	ds := client.Dataset().Channels(names...).Match(match...).Every(interval)
	if onChange {
		ds = ds.OnChange()
	}

	if resolvedCfg.Stream.Buffer > 0 {
		ds = ds.Buffer(resolvedCfg.Stream.Buffer)
	}

	sub, err := ds.Stream(ctx)
	if err != nil {
		return err
	}
	defer sub.Cancel()

	statusf("streaming from %s backend, interrupt to stop\n", client.Kind())

	enc := json.NewEncoder(os.Stdout)

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-reload:
			statusf("reloading connection\n")
			return nil

		case ev, ok := <-sub.Events():
			if !ok {
				return sub.Err()
			}

			printEvent(enc, ev)
		}
	}
}

func printEvent(enc *json.Encoder, ev gidata.StreamEvent) {
	switch ev.Type {
	case gidata.EventGap:
		fmt.Fprintf(os.Stderr, "gap: connection re-established (epoch %d, %d events dropped): %s\n",
			ev.Gap.Epoch, ev.Gap.Dropped, ev.Gap.Reason)

	case gidata.EventFrame:
		if flagJSON {
			_ = enc.Encode(ev.Frame)
			return
		}

		for _, v := range ev.Frame.Values {
			fmt.Printf("%s  %s=%s\n", formatTime(ev.Frame.Timestamp), v.ID, formatValue(v.Value))
		}
	}
}
