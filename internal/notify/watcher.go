// Package notify watches the transcript sources directory and triggers
// re-scans when sources change.
package notify

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces the burst of write events an editor or appender
// produces into one callback per source.
const debounceWindow = 500 * time.Millisecond

// watchedExtensions mirrors the file types the scanner treats as transcripts.
var watchedExtensions = map[string]bool{
	".txt":   true,
	".md":    true,
	".jsonl": true,
	".log":   true,
}

// SourceWatcher watches a sources directory tree and dispatches a debounced
// callback with the source ID (path relative to the root) of each changed
// transcript.
type SourceWatcher struct {
	root     string
	callback func(sourceID string)
	watcher  *fsnotify.Watcher
	done     chan struct{}

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewSourceWatcher creates a watcher over root. The callback runs on the
// watcher goroutine; keep it quick or hand off to a channel.
func NewSourceWatcher(root string, callback func(sourceID string)) *SourceWatcher {
	return &SourceWatcher{
		root:     root,
		callback: callback,
		done:     make(chan struct{}),
		pending:  make(map[string]*time.Timer),
	}
}

// Start begins watching the root and all existing subdirectories. New
// subdirectories are added as they appear. Call Stop() to clean up.
func (sw *SourceWatcher) Start() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	err = filepath.Walk(sw.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if strings.HasPrefix(info.Name(), ".") && path != sw.root {
				return filepath.SkipDir
			}
			return w.Add(path)
		}
		return nil
	})
	if err != nil {
		_ = w.Close()
		return err
	}
	sw.watcher = w

	go sw.loop()
	log.Printf("notify: watching %s for transcript changes", sw.root)
	return nil
}

// Stop shuts down the watcher and cancels pending debounce timers.
func (sw *SourceWatcher) Stop() {
	if sw.watcher != nil {
		_ = sw.watcher.Close()
	}
	<-sw.done

	sw.mu.Lock()
	for _, t := range sw.pending {
		t.Stop()
	}
	sw.pending = map[string]*time.Timer{}
	sw.mu.Unlock()
}

func (sw *SourceWatcher) loop() {
	defer close(sw.done)
	for {
		select {
		case evt, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			sw.handleEvent(evt)
		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("notify: watcher error: %v", err)
		}
	}
}

func (sw *SourceWatcher) handleEvent(evt fsnotify.Event) {
	if evt.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	// Newly created directories need their own watch.
	if info, err := os.Stat(evt.Name); err == nil && info.IsDir() {
		if !strings.HasPrefix(info.Name(), ".") {
			_ = sw.watcher.Add(evt.Name)
		}
		return
	}

	if !watchedExtensions[strings.ToLower(filepath.Ext(evt.Name))] {
		return
	}

	rel, err := filepath.Rel(sw.root, evt.Name)
	if err != nil {
		return
	}
	sw.schedule(filepath.ToSlash(rel))
}

// schedule arms (or re-arms) the debounce timer for one source.
func (sw *SourceWatcher) schedule(sourceID string) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if t, ok := sw.pending[sourceID]; ok {
		t.Reset(debounceWindow)
		return
	}
	sw.pending[sourceID] = time.AfterFunc(debounceWindow, func() {
		sw.mu.Lock()
		delete(sw.pending, sourceID)
		sw.mu.Unlock()
		if sw.callback != nil {
			sw.callback(sourceID)
		}
	})
}
