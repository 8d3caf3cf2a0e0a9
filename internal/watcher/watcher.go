// Package watcher reloads the vector index when the corpus file is
// changed on disk by another process or a manual edit.
package watcher

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultDebounce is how long the watcher waits after the last event
// before reconciling, so editors that write in several steps trigger
// one refresh instead of many.
const defaultDebounce = 2 * time.Second

// Refresher reconciles the index against the corpus on disk.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Watcher observes the directory holding the corpus file and refreshes
// the index after changes settle. Events for other files in the
// directory, including the cache and ledger the index itself writes,
// are ignored.
type Watcher struct {
	corpusPath string
	base       string
	refresher  Refresher
	debounce   time.Duration

	mu         sync.Mutex
	fw         *fsnotify.Watcher
	timer      *time.Timer
	done       chan struct{}
	refreshing bool
	queued     bool
	stopped    bool
}

// New creates a watcher for the corpus file at corpusPath. A zero
// debounce selects the default window.
func New(corpusPath string, r Refresher, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Watcher{
		corpusPath: corpusPath,
		base:       filepath.Base(corpusPath),
		refresher:  r,
		debounce:   debounce,
	}
}

// Start begins watching. The watch is on the corpus file's directory,
// not the file itself, so atomic replace-by-rename keeps working.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.fw != nil {
		return fmt.Errorf("watcher already started")
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	dir := filepath.Dir(w.corpusPath)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	w.fw = fw
	w.done = make(chan struct{})
	go w.loop(fw, w.done)
	log.Printf("[watch] observing %s", w.corpusPath)
	return nil
}

func (w *Watcher) loop(fw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != w.base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			log.Printf("Warning: corpus watch: %v", err)
		}
	}
}

// schedule arms the debounce timer, restarting it when events keep
// arriving.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.fire)
}

// fire runs a refresh, or queues exactly one follow-up when a refresh
// is already in flight. Changes written during a reconcile are picked
// up by that single follow-up pass.
func (w *Watcher) fire() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	if w.refreshing {
		w.queued = true
		w.mu.Unlock()
		return
	}
	w.refreshing = true
	w.mu.Unlock()

	for {
		if err := w.refresher.Refresh(context.Background()); err != nil {
			log.Printf("Warning: corpus change reconcile failed: %v", err)
		} else {
			log.Printf("[watch] corpus change applied")
		}

		w.mu.Lock()
		if w.queued && !w.stopped {
			w.queued = false
			w.mu.Unlock()
			continue
		}
		w.refreshing = false
		w.mu.Unlock()
		return
	}
}

// Stop ends the watch and cancels any pending refresh. Safe to call
// more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	fw, done := w.fw, w.done
	w.fw = nil
	w.done = nil
	w.mu.Unlock()

	if fw != nil {
		fw.Close()
		<-done
	}
}
