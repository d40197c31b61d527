package logscan

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"
)

const (
	DefaultPollInterval     = 50 * time.Millisecond
	DefaultFileWaitInterval = 100 * time.Millisecond
)

// WaitForFile blocks until path exists as a regular file or ctx ends.
func WaitForFile(ctx context.Context, path string, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultFileWaitInterval
	}
	probe := func() error {
		fi, err := os.Stat(path)
		if err != nil {
			return err
		}
		if !fi.Mode().IsRegular() {
			return backoff.Permanent(fmt.Errorf("%s is not a regular file", path))
		}
		return nil
	}
	return backoff.Retry(probe, backoff.WithContext(backoff.NewConstantBackOff(interval), ctx))
}

// TailConfig configures Tail.
type TailConfig struct {
	// PollInterval bounds how long Tail sleeps between reads when no
	// filesystem notification arrives. Defaults to DefaultPollInterval.
	PollInterval time.Duration

	// OnIdle, if set, is called whenever the reader has caught up with the
	// end of the file. A non-nil error stops the tail and is returned.
	OnIdle func() error

	Logger *slog.Logger
}

// Tail reads path from the start and hands every complete line (without its
// terminator) to fn. It keeps following the file as it grows until fn
// reports done, fn or OnIdle fail, or ctx ends.
func Tail(ctx context.Context, path string, cfg TailConfig, fn func(line string) (done bool, err error)) error {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	// Notifications only shorten the wait; the ticker keeps us correct
	// when the watcher is unavailable.
	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	if w, err := fsnotify.NewWatcher(); err != nil {
		logger.Debug("file watcher unavailable, polling only", "path", path, "error", err)
	} else if err := w.Add(path); err != nil {
		logger.Debug("failed to watch log file, polling only", "path", path, "error", err)
		w.Close()
	} else {
		defer w.Close()
		events = w.Events
		watchErrs = w.Errors
	}

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	reader := bufio.NewReader(f)
	var partial strings.Builder
	for {
		for {
			chunk, err := reader.ReadString('\n')
			partial.WriteString(chunk)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return fmt.Errorf("read log file: %w", err)
			}
			line := strings.TrimRight(partial.String(), "\r\n")
			partial.Reset()

			done, err := fn(line)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}

		if cfg.OnIdle != nil {
			if err := cfg.OnIdle(); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-events:
		case err := <-watchErrs:
			logger.Debug("file watcher error", "path", path, "error", err)
		case <-ticker.C:
		}
	}
}
