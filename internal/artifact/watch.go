package artifact

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/ansible/ansible-runner/internal/event"
)

// watchFallback bounds how long a missed inotify delivery can stall the
// stream.
const watchFallback = 500 * time.Millisecond

// Watch tails an artifact directory while a run is writing it, invoking
// fn for each event in strict counter order as the files land. It
// returns once the status file appears and every persisted event has
// been delivered, or earlier when ctx is done.
func Watch(ctx context.Context, dir string, fn func(event.Record), log *zap.SugaredLogger) error {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	eventsDir := filepath.Join(dir, eventsDirName)
	if err := os.MkdirAll(eventsDir, dirMode); err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	if err := w.Add(eventsDir); err != nil {
		return err
	}

	next := 1
	// deliver hands over every already-persisted event from counter
	// `next` upward, stopping at the first gap. Renames can be observed
	// out of order, so gaps close on a later pass.
	deliver := func() error {
		for {
			entries, err := os.ReadDir(eventsDir)
			if err != nil {
				return err
			}
			var name string
			for _, e := range entries {
				if c, ok := parseEventFileName(e.Name()); ok && c == next {
					name = e.Name()
					break
				}
			}
			if name == "" {
				return nil
			}
			data, err := os.ReadFile(filepath.Join(eventsDir, name))
			if err != nil {
				return err
			}
			rec, err := event.Decode(data)
			if err != nil {
				log.Warnw("skipping malformed event file", "file", name, "error", err)
				next++
				continue
			}
			fn(rec)
			next++
		}
	}

	finished := func() bool {
		_, err := os.Stat(filepath.Join(dir, statusFileName))
		return err == nil
	}

	ticker := time.NewTicker(watchFallback)
	defer ticker.Stop()

	// Catch up on anything persisted before the watch started.
	if err := deliver(); err != nil {
		return err
	}
	if finished() {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			if strings.HasPrefix(filepath.Base(ev.Name), ".tmp-") {
				continue
			}
			if err := deliver(); err != nil {
				return err
			}
			if finished() {
				return deliver()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warnw("artifact watch error", "error", err)
		case <-ticker.C:
			if err := deliver(); err != nil {
				return err
			}
			if finished() {
				return deliver()
			}
		}
	}
}
