package tick

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xultravioleta/council/internal/mailbox"
	"github.com/0xultravioleta/council/internal/model"
	"github.com/0xultravioleta/council/internal/thread"
	"github.com/0xultravioleta/council/internal/workspace"
)

func setupWorkspace(t *testing.T, repos []string, maxTurns int) string {
	t.Helper()
	base := t.TempDir()

	var reg strings.Builder
	reg.WriteString("repos:\n")
	for _, r := range repos {
		fmt.Fprintf(&reg, "  %s:\n    path: \"../%s\"\n", r, r)
	}
	fmt.Fprintf(&reg, "council:\n  max_turns: %d\n", maxTurns)
	require.NoError(t, os.WriteFile(filepath.Join(base, "registry.yaml"), []byte(reg.String()), 0644))

	return base
}

func setupThread(t *testing.T, base string, repos []string) *model.ThreadState {
	t.Helper()
	state, _, err := thread.Create(base, thread.CreateOptions{Title: "why 500?", Repos: repos})
	require.NoError(t, err)
	return state
}

func enqueue(t *testing.T, base, threadID, from, to string, typ model.MessageType, ts string) *model.Message {
	t.Helper()
	id, err := model.GenerateMessageID()
	require.NoError(t, err)
	msg := &model.Message{
		ThreadID:  threadID,
		MessageID: id,
		From:      from,
		To:        to,
		Type:      typ,
		Timestamp: ts,
		Summary:   "why 500?",
	}
	_, err = mailbox.WriteOutbox(base, threadID, msg)
	require.NoError(t, err)
	return msg
}

func TestRun_QuestionScenario(t *testing.T) {
	repos := []string{"A", "B"}
	base := setupWorkspace(t, repos, 14)
	state := setupThread(t, base, repos)
	enqueue(t, base, state.ID, "A", "B", model.TypeQuestion, "2026-08-28T12:00:00.000Z")

	result, err := New(base, nil).Run(state.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Turn)
	assert.Equal(t, []string{"B"}, result.NewPendingRepos)
	assert.Equal(t, OutcomeActive, result.Status)
	require.Len(t, result.ProcessedMessages, 1)

	paths := workspace.ForThread(base, state.ID)
	outbox, _ := os.ReadDir(paths.Outbox)
	assert.Empty(t, outbox, "outbox should be drained")
	inbox, _ := os.ReadDir(paths.Inbox)
	assert.Len(t, inbox, 1, "message should be delivered to inbox")

	transcript, err := thread.ReadTranscript(base, state.ID)
	require.NoError(t, err)
	assert.Contains(t, transcript, "A -> B")

	saved, err := thread.LoadState(base, state.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, saved.Turn)
	assert.Equal(t, []string{"B"}, saved.PendingFor)
	assert.Equal(t, "A", saved.LastMessageFrom)
	assert.Equal(t, "B", saved.LastMessageTo)
}

func TestRun_ResolutionScenario(t *testing.T) {
	repos := []string{"A", "B"}
	base := setupWorkspace(t, repos, 14)
	state := setupThread(t, base, repos)
	enqueue(t, base, state.ID, "B", "A", model.TypeResolution, "2026-08-28T12:00:00.000Z")

	result, err := New(base, nil).Run(state.ID)
	require.NoError(t, err)

	assert.Equal(t, OutcomeResolved, result.Status)
	assert.Equal(t, 1, result.Turn)
	assert.Empty(t, result.NewPendingRepos)

	saved, err := thread.LoadState(base, state.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusResolved, saved.Status)
	assert.Empty(t, saved.PendingFor)
}

func TestRun_ResolutionOverridesQuestion(t *testing.T) {
	repos := []string{"A", "B"}
	base := setupWorkspace(t, repos, 14)
	state := setupThread(t, base, repos)
	enqueue(t, base, state.ID, "A", "B", model.TypeQuestion, "2026-08-28T12:00:00.000Z")
	enqueue(t, base, state.ID, "B", "A", model.TypeResolution, "2026-08-28T12:01:00.000Z")

	result, err := New(base, nil).Run(state.ID)
	require.NoError(t, err)

	assert.Equal(t, OutcomeResolved, result.Status)
	assert.Empty(t, result.NewPendingRepos, "resolution must clear the question's addressing")
}

func TestRun_Broadcast(t *testing.T) {
	repos := []string{"A", "B", "C"}
	base := setupWorkspace(t, repos, 14)
	state := setupThread(t, base, repos)
	enqueue(t, base, state.ID, "A", model.BroadcastTarget, model.TypeContextInjection, "2026-08-28T12:00:00.000Z")

	result, err := New(base, nil).Run(state.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "C"}, result.NewPendingRepos)
}

func TestRun_PendingSetReplaced(t *testing.T) {
	repos := []string{"A", "B", "C"}
	base := setupWorkspace(t, repos, 14)
	state := setupThread(t, base, repos)

	// C is pending from a previous turn but receives nothing this tick.
	state.PendingFor = []string{"C"}
	require.NoError(t, thread.SaveState(base, state))

	enqueue(t, base, state.ID, "A", "B", model.TypeQuestion, "2026-08-28T12:00:00.000Z")

	result, err := New(base, nil).Run(state.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, result.NewPendingRepos)
	assert.NotContains(t, result.NewPendingRepos, "C")
}

func TestRun_UnknownRecipientIgnored(t *testing.T) {
	repos := []string{"A", "B"}
	base := setupWorkspace(t, repos, 14)
	state := setupThread(t, base, repos)
	enqueue(t, base, state.ID, "A", "ghost", model.TypeQuestion, "2026-08-28T12:00:00.000Z")

	result, err := New(base, nil).Run(state.ID)
	require.NoError(t, err)
	assert.Empty(t, result.NewPendingRepos)
	assert.Equal(t, 1, result.Turn)
}

func TestRun_EmptyOutboxIdempotent(t *testing.T) {
	repos := []string{"A", "B"}
	base := setupWorkspace(t, repos, 14)
	state := setupThread(t, base, repos)
	engine := New(base, nil)

	first, err := engine.Run(state.ID)
	require.NoError(t, err)
	second, err := engine.Run(state.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, first.Turn)
	assert.Equal(t, 2, second.Turn)
	assert.Equal(t, first.NewPendingRepos, second.NewPendingRepos)
	assert.Empty(t, second.NewPendingRepos)
}

func TestRun_TranscriptOrderFollowsTimestamps(t *testing.T) {
	repos := []string{"A", "B"}
	base := setupWorkspace(t, repos, 14)
	state := setupThread(t, base, repos)

	// Enqueue the later message first; drain order must follow timestamps.
	enqueue(t, base, state.ID, "B", "A", model.TypeAnswer, "2026-08-28T12:05:00.000Z")
	enqueue(t, base, state.ID, "A", "B", model.TypeQuestion, "2026-08-28T12:00:00.000Z")

	_, err := New(base, nil).Run(state.ID)
	require.NoError(t, err)

	transcript, err := thread.ReadTranscript(base, state.ID)
	require.NoError(t, err)
	i := strings.Index(transcript, "A -> B")
	j := strings.Index(transcript, "B -> A")
	require.True(t, i >= 0 && j >= 0, "both entries present:\n%s", transcript)
	assert.Less(t, i, j, "T1 entry must precede T2 entry")
}

func TestRun_MaxTurnsShortCircuit(t *testing.T) {
	repos := []string{"A", "B"}
	base := setupWorkspace(t, repos, 3)
	state := setupThread(t, base, repos)

	state.Turn = 3
	state.PendingFor = []string{"B"}
	require.NoError(t, thread.SaveState(base, state))
	enqueue(t, base, state.ID, "A", "B", model.TypeQuestion, "2026-08-28T12:00:00.000Z")

	result, err := New(base, nil).Run(state.ID)
	require.NoError(t, err)

	assert.Equal(t, OutcomeMaxTurns, result.Status)
	assert.Equal(t, 3, result.Turn)
	assert.Empty(t, result.ProcessedMessages)

	saved, err := thread.LoadState(base, state.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, saved.Turn, "turn must be unchanged")
	assert.Equal(t, []string{"B"}, saved.PendingFor, "pending must be unchanged")

	paths := workspace.ForThread(base, state.ID)
	outbox, _ := os.ReadDir(paths.Outbox)
	assert.Len(t, outbox, 1, "outbox must not be drained at max turns")
}

func TestRun_InactiveThreadRejected(t *testing.T) {
	repos := []string{"A", "B"}
	base := setupWorkspace(t, repos, 14)
	state := setupThread(t, base, repos)

	state.Status = model.StatusPaused
	state.PendingFor = []string{"B"}
	require.NoError(t, thread.SaveState(base, state))

	_, err := New(base, nil).Run(state.ID)
	assert.True(t, errors.Is(err, ErrNotActive), "got %v", err)

	saved, err := thread.LoadState(base, state.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, saved.Turn)
	assert.Equal(t, []string{"B"}, saved.PendingFor)
}

func TestRun_ThreadNotFound(t *testing.T) {
	base := setupWorkspace(t, []string{"A", "B"}, 14)
	_, err := New(base, nil).Run("th_20260828_000000_zzzz")
	assert.True(t, errors.Is(err, thread.ErrThreadNotFound), "got %v", err)
}
