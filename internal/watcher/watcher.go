// Package watcher converts filesystem notifications for a thread's
// mailbox directories into a typed, debounced event stream. Agent
// processes write message files incrementally, so every notification is
// held back until the file has been quiet for a debounce window.
package watcher

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/0xultravioleta/council/internal/model"
	"github.com/0xultravioleta/council/internal/workspace"
)

// DefaultDebounce is the per-file quiet window before an event is emitted.
const DefaultDebounce = 300 * time.Millisecond

const eventBuffer = 64

// EventType mirrors the underlying notification kind.
type EventType string

const (
	EventAdd    EventType = "add"
	EventChange EventType = "change"
)

// Source names the mailbox directory an event came from.
type Source string

const (
	SourceOutbox Source = "outbox"
	SourceInbox  Source = "inbox"
)

// Event is one debounced mailbox notification. Message is nil when the
// file could not be parsed yet (e.g. a write in progress); the event is
// delivered regardless so the caller can decide to retry or ignore.
type Event struct {
	Type      EventType
	Source    Source
	Path      string
	Filename  string
	Message   *model.Message
	Timestamp string
	ThreadID  string
}

// Options configures a ThreadWatcher.
type Options struct {
	ThreadID   string
	BasePath   string
	Debounce   time.Duration // 0 means DefaultDebounce
	WatchInbox bool
}

// ThreadWatcher watches one thread's outbox/ (and optionally inbox/).
type ThreadWatcher struct {
	opts  Options
	paths workspace.ThreadPaths

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	timers  map[string]*time.Timer
	stopped bool

	events chan Event
	errors chan error
	wg     sync.WaitGroup
}

// New creates a watcher; call Start to begin receiving events.
func New(opts Options) *ThreadWatcher {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	return &ThreadWatcher{
		opts:   opts,
		paths:  workspace.ForThread(opts.BasePath, opts.ThreadID),
		timers: make(map[string]*time.Timer),
		events: make(chan Event, eventBuffer),
		errors: make(chan error, 1),
	}
}

// Events is the debounced event stream. It is closed after Stop.
func (w *ThreadWatcher) Events() <-chan Event { return w.events }

// Errors carries failures of the underlying filesystem subscription.
func (w *ThreadWatcher) Errors() <-chan error { return w.errors }

// Start begins watching. Calling Start on an active watcher is a no-op.
func (w *ThreadWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.fsw != nil {
		return nil
	}
	if w.stopped {
		return fmt.Errorf("watcher for %s already stopped", w.opts.ThreadID)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}

	watchDirs := []string{w.paths.Outbox}
	if w.opts.WatchInbox {
		watchDirs = append(watchDirs, w.paths.Inbox)
	}
	for _, dir := range watchDirs {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	w.fsw = fsw
	w.wg.Add(1)
	go w.loop(fsw)
	return nil
}

// IsActive reports whether the watcher is currently running.
func (w *ThreadWatcher) IsActive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fsw != nil
}

// Stop cancels all pending debounce timers, releases the filesystem
// subscription, and waits for the event loop to drain. No event is
// emitted after Stop returns.
func (w *ThreadWatcher) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	for path, timer := range w.timers {
		timer.Stop()
		delete(w.timers, path)
	}
	fsw := w.fsw
	w.fsw = nil
	w.mu.Unlock()

	if fsw != nil {
		if err := fsw.Close(); err != nil {
			return fmt.Errorf("close fsnotify watcher: %w", err)
		}
	}
	w.wg.Wait()
	close(w.events)
	return nil
}

func (w *ThreadWatcher) loop(fsw *fsnotify.Watcher) {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			switch {
			case event.Has(fsnotify.Create):
				w.schedule(event.Name, EventAdd)
			case event.Has(fsnotify.Write):
				w.schedule(event.Name, EventChange)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			default:
			}
		}
	}
}

// schedule (re)arms the debounce timer for a path. Another notification
// for the same path before the window elapses restarts it.
func (w *ThreadWatcher) schedule(path string, typ EventType) {
	if !strings.HasSuffix(path, ".json") {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}

	if existing, ok := w.timers[path]; ok {
		existing.Stop()
	}
	w.timers[path] = time.AfterFunc(w.opts.Debounce, func() {
		w.fire(path, typ)
	})
}

// fire runs in the timer's goroutine. It holds the mutex across the
// emit so that Stop, which takes the same mutex before closing the
// channel, cannot observe a half-finished emission.
func (w *ThreadWatcher) fire(path string, typ EventType) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	delete(w.timers, path)

	event := Event{
		Type:      typ,
		Path:      path,
		Filename:  filepath.Base(path),
		Message:   parseMessage(path),
		Timestamp: model.Now(),
		ThreadID:  w.opts.ThreadID,
	}

	switch filepath.Base(filepath.Dir(path)) {
	case "outbox":
		event.Source = SourceOutbox
	case "inbox":
		event.Source = SourceInbox
	default:
		return
	}

	select {
	case w.events <- event:
	default:
		// Subscriber is not keeping up; drop rather than block the timer.
	}
}

// parseMessage best-effort reads a message file. A failure returns nil;
// the event still carries the path so the caller can retry.
func parseMessage(path string) *model.Message {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var msg model.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil
	}
	return &msg
}
