package intake

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDuration = 100 * time.Millisecond

// watchLoop scans when the database directory changes, debounced, with the
// poll ticker as a safety net. Falls back to pure polling when fsnotify is
// unavailable.
func (in *Intake) watchLoop(ctx context.Context) {
	watcher := in.initWatcher()
	if watcher == nil {
		in.pollLoop(ctx)
		return
	}
	defer func() { _ = watcher.Close() }()

	ticker := time.NewTicker(in.cfg.PollInterval)
	defer ticker.Stop()
	debounce := newDebounceTimer()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				in.pollLoop(ctx)
				return
			}
			if relevant(ev) {
				resetDebounceTimer(debounce)
			}
		case <-debounce.C:
			in.scan(ctx)
		case err, ok := <-watcher.Errors:
			if !ok {
				in.pollLoop(ctx)
				return
			}
			in.log.Warn().Err(err).Msg("fsnotify: watcher error")
		case <-ticker.C:
			in.scan(ctx)
		}
	}
}

// pollLoop is the fallback when push is unavailable.
func (in *Intake) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(in.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			in.scan(ctx)
		}
	}
}

// initWatcher watches the database directory. Returns nil when push is
// disabled or cannot be set up.
func (in *Intake) initWatcher() *fsnotify.Watcher {
	if in.cfg.WatchDir == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		in.log.Warn().Err(err).Msg("fsnotify: failed to create watcher (falling back to polling)")
		return nil
	}
	if err := watcher.Add(in.cfg.WatchDir); err != nil {
		_ = watcher.Close()
		in.log.Warn().Err(err).Str("dir", in.cfg.WatchDir).Msg("fsnotify: failed to watch (falling back to polling)")
		return nil
	}
	return watcher
}

// relevant filters out events that cannot mean a new command: SQLite's
// shared-memory index and journal churn on every read.
func relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return false
	}
	name := filepath.Base(ev.Name)
	return !strings.HasSuffix(name, "-shm") && !strings.HasSuffix(name, "-journal")
}

// newDebounceTimer creates a stopped timer.
func newDebounceTimer() *time.Timer {
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	return timer
}

func resetDebounceTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(debounceDuration)
}
