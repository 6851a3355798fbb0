package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// watchDebounce coalesces rapid successive writes (editors often
	// truncate then write) into one reload.
	watchDebounce = 250 * time.Millisecond

	watchErrInitBackoff = time.Second
	watchErrMaxBackoff  = time.Minute
	watchErrBackoffMult = 2
)

// Watch observes the config file and the profile's token file (if any)
// and invokes onChange after each modification. It blocks until ctx is
// cancelled. Long-running commands use it to pick up rotated tokens
// without a restart.
func Watch(ctx context.Context, cfgPath, tokenFile string, logger *slog.Logger, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the parent directories: editors and token rotation replace
	// files by rename, which drops a watch on the file itself.
	dirs := map[string]bool{}
	targets := map[string]bool{}

	for _, p := range []string{cfgPath, tokenFile} {
		if p == "" {
			continue
		}

		abs, err := filepath.Abs(p)
		if err != nil {
			continue
		}

		dirs[filepath.Dir(abs)] = true
		targets[abs] = true
	}

	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return err
		}
	}

	var debounce *time.Timer

	fire := make(chan struct{}, 1)
	errBackoff := watchErrInitBackoff

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			abs, err := filepath.Abs(ev.Name)
			if err != nil || !targets[abs] {
				continue
			}

			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}

			if debounce != nil {
				debounce.Stop()
			}

			debounce = time.AfterFunc(watchDebounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

			errBackoff = watchErrInitBackoff

		case <-fire:
			logger.Info("configuration changed, reloading")
			onChange()

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			logger.Warn("config watcher error",
				slog.String("error", watchErr.Error()),
				slog.Duration("backoff", errBackoff),
			)

			// Backoff prevents a tight loop under sustained errors
			// (e.g. kernel buffer overflow).
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(errBackoff):
			}

			errBackoff *= watchErrBackoffMult
			if errBackoff > watchErrMaxBackoff {
				errBackoff = watchErrMaxBackoff
			}
		}
	}
}
