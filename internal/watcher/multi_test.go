package watcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xultravioleta/council/internal/model"
	"github.com/0xultravioleta/council/internal/thread"
	"github.com/0xultravioleta/council/internal/workspace"
)

func createThread(t *testing.T, base string) *model.ThreadState {
	t.Helper()
	state, _, err := thread.Create(base, thread.CreateOptions{Title: "x", Repos: []string{"api", "worker"}})
	require.NoError(t, err)
	return state
}

func TestMulti_WatchReturnsExisting(t *testing.T) {
	base := t.TempDir()
	state := createThread(t, base)

	m := NewMulti(base, testDebounce)
	defer m.StopAll()

	w1, err := m.Watch(state.ID)
	require.NoError(t, err)
	w2, err := m.Watch(state.ID)
	require.NoError(t, err)
	assert.Same(t, w1, w2, "no duplicate subscriptions for one thread")
	assert.Equal(t, []string{state.ID}, m.WatchedThreads())
}

func TestMulti_MergesEventsWithThreadID(t *testing.T) {
	base := t.TempDir()
	s1 := createThread(t, base)
	s2 := createThread(t, base)

	m := NewMulti(base, testDebounce)
	defer m.StopAll()

	_, err := m.Watch(s1.ID)
	require.NoError(t, err)
	_, err = m.Watch(s2.ID)
	require.NoError(t, err)

	writeMessageFile(t, workspace.ForThread(base, s1.ID).Outbox, "m1.json", testMessage(s1.ID))
	writeMessageFile(t, workspace.ForThread(base, s2.ID).Outbox, "m2.json", testMessage(s2.ID))

	got := make(map[string]bool)
	for i := 0; i < 2; i++ {
		select {
		case event := <-m.Events():
			got[event.ThreadID] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out; received %d events", i)
		}
	}
	assert.True(t, got[s1.ID] && got[s2.ID], "expected events from both threads, got %v", got)
}

func TestMulti_Unwatch(t *testing.T) {
	base := t.TempDir()
	state := createThread(t, base)

	m := NewMulti(base, testDebounce)
	defer m.StopAll()

	w, err := m.Watch(state.ID)
	require.NoError(t, err)
	require.NoError(t, m.Unwatch(state.ID))

	assert.False(t, w.IsActive())
	assert.Empty(t, m.WatchedThreads())

	// Unwatching an unknown thread is a no-op.
	assert.NoError(t, m.Unwatch("th_20260828_000000_zzzz"))
}

func TestMulti_StopAll(t *testing.T) {
	base := t.TempDir()
	s1 := createThread(t, base)
	s2 := createThread(t, base)

	m := NewMulti(base, testDebounce)
	w1, err := m.Watch(s1.ID)
	require.NoError(t, err)
	w2, err := m.Watch(s2.ID)
	require.NoError(t, err)

	require.NoError(t, m.StopAll())
	assert.False(t, w1.IsActive())
	assert.False(t, w2.IsActive())
	assert.Empty(t, m.WatchedThreads())
}
