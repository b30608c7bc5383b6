package dialogue

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"
)

// watcher marks the store's indices dirty when document files change
// underneath it (another tool editing the tree, manual cleanup, restore
// from backup). Rebuilds are rate limited; bursts of file events collapse
// into a single dirty flag that the next read resolves.
type watcher struct {
	fsw     *fsnotify.Watcher
	limiter *rate.Limiter
	done    chan struct{}
}

// Watch starts watching the dialogue and card directories. It creates
// them first so the watches can be registered.
func (s *Store) Watch() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watch != nil {
		return nil
	}

	for _, dir := range []string{s.dialogueDir(), s.cardDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create watch dir: %w", err)
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	for _, dir := range []string{s.dialogueDir(), s.cardDir()} {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	w := &watcher{
		fsw: fsw,
		// At most one eager rebuild every 2s; everything else just
		// flips the dirty flag.
		limiter: rate.NewLimiter(rate.Every(2*time.Second), 1),
		done:    make(chan struct{}),
	}
	s.watch = w
	go w.run(s)
	return nil
}

func (w *watcher) run(s *Store) {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !relevantEvent(event) {
				continue
			}
			if w.limiter.Allow() {
				if _, _, err := s.VerifyAndRepair(); err != nil {
					dialogueLog.Warn("watch_rebuild_failed", slog.String("error", err.Error()))
				}
			} else {
				s.markDirty()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			dialogueLog.Warn("watch_error", slog.String("error", err.Error()))
		}
	}
}

// relevantEvent filters out index mirror writes and tmp-file churn from
// our own atomic renames.
func relevantEvent(event fsnotify.Event) bool {
	name := filepath.Base(event.Name)
	if name == indexFileName || strings.HasSuffix(name, ".tmp") {
		return false
	}
	if filepath.Ext(name) != ".json" {
		return false
	}
	return event.Has(fsnotify.Create) || event.Has(fsnotify.Write) ||
		event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)
}

func (w *watcher) stop() error {
	close(w.done)
	return w.fsw.Close()
}
