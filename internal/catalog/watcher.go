// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package catalog

import (
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the write bursts editors produce into a single
// reload.
const reloadDebounce = 200 * time.Millisecond

// Watcher hot-reloads a Catalog when its backing file changes.
type Watcher struct {
	catalog *Catalog
	path    string
	fsw     *fsnotify.Watcher
	done    chan struct{}
}

// Watch starts watching path and reloading catalog on change. The watch
// is placed on the parent directory so atomic rename-into-place saves are
// seen too.
func Watch(catalog *Catalog, path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		catalog: catalog,
		path:    path,
		fsw:     fsw,
		done:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}

func (w *Watcher) run() {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.done:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
				timerC = timer.C
			} else {
				timer.Reset(reloadDebounce)
			}

		case <-timerC:
			if err := w.catalog.Reload(w.path); err != nil {
				log.Printf("CATALOG_RELOAD_FAILED | path=%s error=%v", w.path, err)
			} else {
				log.Printf("CATALOG_RELOADED | path=%s models=%d", w.path, len(w.catalog.Models()))
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("CATALOG_WATCH_ERROR | error=%v", err)
		}
	}
}
