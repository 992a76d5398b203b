package watcher

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xultravioleta/council/internal/model"
	"github.com/0xultravioleta/council/internal/thread"
	"github.com/0xultravioleta/council/internal/workspace"
)

const testDebounce = 30 * time.Millisecond

func newWatchedThread(t *testing.T, watchInbox bool) (string, *model.ThreadState, *ThreadWatcher) {
	t.Helper()
	base := t.TempDir()
	state, _, err := thread.Create(base, thread.CreateOptions{Title: "x", Repos: []string{"api", "worker"}})
	require.NoError(t, err)

	w := New(Options{
		ThreadID:   state.ID,
		BasePath:   base,
		Debounce:   testDebounce,
		WatchInbox: watchInbox,
	})
	require.NoError(t, w.Start())
	t.Cleanup(func() { _ = w.Stop() })
	return base, state, w
}

func waitEvent(t *testing.T, w *ThreadWatcher) Event {
	t.Helper()
	select {
	case event, ok := <-w.Events():
		require.True(t, ok, "event channel closed unexpectedly")
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func expectNoEvent(t *testing.T, events <-chan Event, d time.Duration) {
	t.Helper()
	select {
	case event, ok := <-events:
		if ok {
			t.Fatalf("unexpected event: %+v", event)
		}
	case <-time.After(d):
	}
}

func writeMessageFile(t *testing.T, dir, name string, msg *model.Message) string {
	t.Helper()
	data, err := json.MarshalIndent(msg, "", "  ")
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func testMessage(threadID string) *model.Message {
	return &model.Message{
		ThreadID:  threadID,
		MessageID: "msg_120000_ab12",
		From:      "api",
		To:        "worker",
		Type:      model.TypeQuestion,
		Timestamp: "2026-08-28T12:00:00.000Z",
		Summary:   "why 500?",
	}
}

func TestWatcher_EmitsOutboxAdd(t *testing.T) {
	base, state, w := newWatchedThread(t, false)
	paths := workspace.ForThread(base, state.ID)

	writeMessageFile(t, paths.Outbox, "m1.json", testMessage(state.ID))

	event := waitEvent(t, w)
	assert.Equal(t, EventAdd, event.Type)
	assert.Equal(t, SourceOutbox, event.Source)
	assert.Equal(t, "m1.json", event.Filename)
	assert.Equal(t, state.ID, event.ThreadID)
	require.NotNil(t, event.Message)
	assert.Equal(t, "api", event.Message.From)
}

func TestWatcher_IgnoresNonJSON(t *testing.T) {
	base, state, w := newWatchedThread(t, false)
	paths := workspace.ForThread(base, state.ID)

	require.NoError(t, os.WriteFile(filepath.Join(paths.Outbox, "notes.txt"), []byte("hi"), 0644))
	expectNoEvent(t, w.Events(), 5*testDebounce)
}

func TestWatcher_DebouncesBursts(t *testing.T) {
	base, state, w := newWatchedThread(t, false)
	paths := workspace.ForThread(base, state.ID)
	path := filepath.Join(paths.Outbox, "m1.json")

	// Incremental writes inside the debounce window coalesce to one event.
	require.NoError(t, os.WriteFile(path, []byte(`{"thread_id":`), 0644))
	time.Sleep(testDebounce / 3)
	data, _ := json.Marshal(testMessage(state.ID))
	require.NoError(t, os.WriteFile(path, data, 0644))

	event := waitEvent(t, w)
	require.NotNil(t, event.Message, "final content should parse")
	expectNoEvent(t, w.Events(), 5*testDebounce)
}

func TestWatcher_UnparseableFileStillEmits(t *testing.T) {
	base, state, w := newWatchedThread(t, false)
	paths := workspace.ForThread(base, state.ID)

	require.NoError(t, os.WriteFile(filepath.Join(paths.Outbox, "partial.json"), []byte(`{"thread`), 0644))

	event := waitEvent(t, w)
	assert.Nil(t, event.Message, "parse failure must not suppress the event")
	assert.Equal(t, "partial.json", event.Filename)
}

func TestWatcher_InboxClassification(t *testing.T) {
	base, state, w := newWatchedThread(t, true)
	paths := workspace.ForThread(base, state.ID)

	writeMessageFile(t, paths.Inbox, "m1.json", testMessage(state.ID))

	event := waitEvent(t, w)
	assert.Equal(t, SourceInbox, event.Source)
}

func TestWatcher_StartIdempotent(t *testing.T) {
	_, _, w := newWatchedThread(t, false)
	assert.NoError(t, w.Start())
	assert.True(t, w.IsActive())
}

func TestWatcher_NoEventsAfterStop(t *testing.T) {
	base, state, w := newWatchedThread(t, false)
	paths := workspace.ForThread(base, state.ID)

	// Arm a debounce timer, then stop before it fires.
	writeMessageFile(t, paths.Outbox, "m1.json", testMessage(state.ID))
	require.NoError(t, w.Stop())

	// The channel must be closed with nothing further delivered.
	deadline := time.After(5 * testDebounce)
	for {
		select {
		case _, ok := <-w.Events():
			if ok {
				continue // events emitted before Stop are fine
			}
			return
		case <-deadline:
			t.Fatal("event channel not closed after Stop")
		}
	}
}

func TestWatcher_StopIdempotent(t *testing.T) {
	_, _, w := newWatchedThread(t, false)
	require.NoError(t, w.Stop())
	assert.NoError(t, w.Stop())
	assert.False(t, w.IsActive())
}
