package watcher

import (
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Multi fans the event streams of many thread watchers into one
// subscription.
type Multi struct {
	basePath string
	debounce time.Duration

	mu       sync.Mutex
	watchers map[string]*ThreadWatcher

	events chan Event
	errors chan error
	wg     sync.WaitGroup
}

// NewMulti creates a multiplexer rooted at basePath. debounce 0 means
// DefaultDebounce for every registered watcher.
func NewMulti(basePath string, debounce time.Duration) *Multi {
	return &Multi{
		basePath: basePath,
		debounce: debounce,
		watchers: make(map[string]*ThreadWatcher),
		events:   make(chan Event, eventBuffer),
		errors:   make(chan error, 1),
	}
}

// Events is the merged event stream across all watched threads.
func (m *Multi) Events() <-chan Event { return m.events }

// Errors carries failures from any registered watcher.
func (m *Multi) Errors() <-chan error { return m.errors }

// Watch registers and starts a watcher for threadID. If one is already
// registered, it is returned as-is; no duplicate subscription is made.
func (m *Multi) Watch(threadID string) (*ThreadWatcher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.watchers[threadID]; ok {
		return existing, nil
	}

	w := New(Options{
		ThreadID: threadID,
		BasePath: m.basePath,
		Debounce: m.debounce,
	})
	if err := w.Start(); err != nil {
		return nil, err
	}

	m.watchers[threadID] = w
	m.wg.Add(1)
	go m.forward(w)
	return w, nil
}

// forward copies one watcher's streams into the merged channels until the
// watcher's event channel closes.
func (m *Multi) forward(w *ThreadWatcher) {
	defer m.wg.Done()
	for {
		select {
		case event, ok := <-w.Events():
			if !ok {
				return
			}
			select {
			case m.events <- event:
			default:
			}
		case err := <-w.Errors():
			select {
			case m.errors <- err:
			default:
			}
		}
	}
}

// Unwatch stops and removes the watcher for threadID. Unknown threads are
// a no-op.
func (m *Multi) Unwatch(threadID string) error {
	m.mu.Lock()
	w, ok := m.watchers[threadID]
	delete(m.watchers, threadID)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return w.Stop()
}

// StopAll tears every registered watcher down concurrently and waits for
// all forwarding to finish.
func (m *Multi) StopAll() error {
	m.mu.Lock()
	watchers := make([]*ThreadWatcher, 0, len(m.watchers))
	for id, w := range m.watchers {
		watchers = append(watchers, w)
		delete(m.watchers, id)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, w := range watchers {
		w := w
		g.Go(w.Stop)
	}
	err := g.Wait()
	m.wg.Wait()
	return err
}

// WatchedThreads returns the IDs currently under watch.
func (m *Multi) WatchedThreads() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.watchers))
	for id := range m.watchers {
		ids = append(ids, id)
	}
	return ids
}
