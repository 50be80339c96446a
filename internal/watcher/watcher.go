// Package watcher observes the content cache directory and reports
// documents whose cached state changed on disk, so external writers (a
// second process, a file restore) feed the same dirty-tracking path as
// in-process edits.
package watcher

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/draftpad/docsync/internal/docsync"
)

type Logger interface {
	Printf(format string, args ...any)
}

// Watcher translates filesystem events on cache files into per-document
// dirty notifications.
type Watcher struct {
	fs      *fsnotify.Watcher
	onDirty func(documentID string)
	logger  Logger
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// New starts watching dir. onDirty is invoked once per write or create of
// a cache file, with the decoded document ID.
func New(dir string, onDirty func(documentID string), logger Logger) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fs.Add(dir); err != nil {
		_ = fs.Close()
		return nil, err
	}
	w := &Watcher{
		fs:      fs,
		onDirty: onDirty,
		logger:  logger,
		done:    make(chan struct{}),
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run()
	}()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			documentID, ok := docsync.DocumentIDFromCacheFile(filepath.Base(ev.Name))
			if !ok {
				continue
			}
			if w.onDirty != nil {
				w.onDirty(documentID)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Printf("cache watch error: %v", err)
			}
		}
	}
}

func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.fs.Close()
		w.wg.Wait()
	})
	return err
}
