package history

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watch invalidates the resolver's cached health verdict whenever the
// CLI rewrites its index. Blocks until ctx is done; callers run it in
// a goroutine. A missing config directory downgrades to a warning and
// an idle wait: the bridge works without the index.
func (r *Resolver) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Watch the directory, not the file: the CLI replaces the file on
	// compaction, which would drop a file-level watch.
	if err := w.Add(r.ConfigDir); err != nil {
		slog.Warn("session index watch unavailable", "dir", r.ConfigDir, "error", err)
		<-ctx.Done()
		return nil
	}

	historyPath := r.historyPath()
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Name != historyPath {
				continue
			}
			if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Rename) {
				slog.Debug("session index changed", "op", ev.Op.String())
				r.invalidate()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("session index watcher error", "error", err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
