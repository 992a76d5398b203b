package mailbox

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xultravioleta/council/internal/model"
	"github.com/0xultravioleta/council/internal/thread"
	"github.com/0xultravioleta/council/internal/workspace"
)

func newThread(t *testing.T) (string, *model.ThreadState, workspace.ThreadPaths) {
	t.Helper()
	base := t.TempDir()
	state, paths, err := thread.Create(base, thread.CreateOptions{
		Title: "checkout 500s",
		Repos: []string{"api", "worker"},
	})
	require.NoError(t, err)
	return base, state, paths
}

func makeMessage(threadID, from, to, ts string) *model.Message {
	id, _ := model.GenerateMessageID()
	return &model.Message{
		ThreadID:  threadID,
		MessageID: id,
		From:      from,
		To:        to,
		Type:      model.TypeQuestion,
		Timestamp: ts,
		Summary:   "why 500?",
	}
}

func TestWriteOutbox_FilenameConvention(t *testing.T) {
	base, state, paths := newThread(t)

	msg := makeMessage(state.ID, "api", "worker", "2026-08-28T12:34:56.789Z")
	path, err := WriteOutbox(base, state.ID, msg)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(paths.Outbox, "2026-08-28T1234_api_to_worker.json"), path)
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestWriteOutbox_RejectsInvalid(t *testing.T) {
	base, state, _ := newThread(t)

	msg := makeMessage(state.ID, "api", "worker", "2026-08-28T12:34:56.789Z")
	msg.Summary = ""
	_, err := WriteOutbox(base, state.ID, msg)
	assert.Error(t, err)

	msg = makeMessage(state.ID, "api", "worker", "2026-08-28T12:34:56.789Z")
	msg.MessageID = "not-a-message-id"
	_, err = WriteOutbox(base, state.ID, msg)
	assert.ErrorContains(t, err, "malformed message ID")
}

func TestReadMessages_SortedByTimestamp(t *testing.T) {
	base, state, paths := newThread(t)

	// Written out of order on purpose; listing order must not matter.
	later := makeMessage(state.ID, "worker", "api", "2026-08-28T12:35:00.000Z")
	earlier := makeMessage(state.ID, "api", "worker", "2026-08-28T12:34:00.000Z")
	_, err := WriteOutbox(base, state.ID, later)
	require.NoError(t, err)
	_, err = WriteOutbox(base, state.ID, earlier)
	require.NoError(t, err)

	msgs, err := ReadMessages(paths.Outbox)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "api", msgs[0].From)
	assert.Equal(t, "worker", msgs[1].From)
}

func TestReadMessages_SkipsInvalidFiles(t *testing.T) {
	base, state, paths := newThread(t)

	_, err := WriteOutbox(base, state.ID, makeMessage(state.ID, "api", "worker", "2026-08-28T12:34:00.000Z"))
	require.NoError(t, err)

	// Half-written file and a schema-invalid file are both ignored.
	require.NoError(t, os.WriteFile(filepath.Join(paths.Outbox, "partial.json"), []byte(`{"thread_id": "th`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(paths.Outbox, "nosummary.json"), []byte(`{"thread_id":"x","message_id":"y","from":"a","to":"b","type":"question","timestamp":"t"}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(paths.Outbox, "notes.txt"), []byte("not json"), 0644))

	msgs, err := ReadMessages(paths.Outbox)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	// Skipped files stay in place for a later pass.
	_, err = os.Stat(filepath.Join(paths.Outbox, "partial.json"))
	assert.NoError(t, err)
}

func TestReadMessages_MissingDir(t *testing.T) {
	msgs, err := ReadMessages(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestDeliver_MovesFile(t *testing.T) {
	base, state, paths := newThread(t)

	msg := makeMessage(state.ID, "api", "worker", "2026-08-28T12:34:56.789Z")
	path, err := WriteOutbox(base, state.ID, msg)
	require.NoError(t, err)

	require.NoError(t, Deliver(base, state.ID, msg))

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "file should be gone from outbox")
	_, err = os.Stat(filepath.Join(paths.Inbox, filepath.Base(path)))
	assert.NoError(t, err, "file should be in inbox")
}

func TestDeliver_FallbackScan(t *testing.T) {
	base, state, paths := newThread(t)

	msg := makeMessage(state.ID, "api", "worker", "2026-08-28T12:34:56.789Z")
	// Simulate naming skew: the file exists under an unexpected name.
	skewed := filepath.Join(paths.Outbox, "oddname_api_to_worker.json")
	require.NoError(t, os.WriteFile(skewed, []byte("{}"), 0644))

	require.NoError(t, Deliver(base, state.ID, msg))
	_, err := os.Stat(filepath.Join(paths.Inbox, "oddname_api_to_worker.json"))
	assert.NoError(t, err)
}

func TestDeliver_Undeliverable(t *testing.T) {
	base, state, _ := newThread(t)

	msg := makeMessage(state.ID, "api", "worker", "2026-08-28T12:34:56.789Z")
	err := Deliver(base, state.ID, msg)
	assert.True(t, errors.Is(err, ErrUndeliverable), "got %v", err)
}

func TestClearInboxFor(t *testing.T) {
	base, state, _ := newThread(t)

	toWorker := makeMessage(state.ID, "api", "worker", "2026-08-28T12:34:00.000Z")
	toAll := makeMessage(state.ID, "api", model.BroadcastTarget, "2026-08-28T12:35:00.000Z")
	toAPI := makeMessage(state.ID, "worker", "api", "2026-08-28T12:36:00.000Z")
	for _, m := range []*model.Message{toWorker, toAll, toAPI} {
		_, err := WriteInbox(base, state.ID, m)
		require.NoError(t, err)
	}

	cleared, err := ClearInboxFor(base, state.ID, "worker")
	require.NoError(t, err)
	assert.Equal(t, 2, cleared)

	remaining, err := ReadInbox(base, state.ID)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "api", remaining[0].To)
}
