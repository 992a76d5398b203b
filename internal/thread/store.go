// Package thread owns a thread's persistent state and its append-only
// transcript. It is pure file I/O; last writer wins on state updates.
package thread

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/0xultravioleta/council/internal/jsonfile"
	"github.com/0xultravioleta/council/internal/model"
	"github.com/0xultravioleta/council/internal/workspace"
)

// ErrThreadNotFound is returned when a thread's state file is absent or
// unreadable.
var ErrThreadNotFound = errors.New("thread not found")

// CreateOptions names a new thread.
type CreateOptions struct {
	Title string
	Repos []string
}

// Create builds the thread directory tree, the initial state.json, and the
// transcript header. The thread starts active with turn 0 and nothing
// pending.
func Create(basePath string, opts CreateOptions) (*model.ThreadState, workspace.ThreadPaths, error) {
	if len(opts.Repos) < 2 {
		return nil, workspace.ThreadPaths{}, fmt.Errorf("a thread needs at least 2 repos, got %d", len(opts.Repos))
	}
	if err := validateUniqueRepos(opts.Repos); err != nil {
		return nil, workspace.ThreadPaths{}, err
	}

	threadID, err := model.GenerateThreadID()
	if err != nil {
		return nil, workspace.ThreadPaths{}, err
	}
	paths := workspace.ForThread(basePath, threadID)

	for _, dir := range paths.Dirs() {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, workspace.ThreadPaths{}, fmt.Errorf("create thread dir %s: %w", dir, err)
		}
	}

	now := model.Now()
	state := &model.ThreadState{
		ID:         threadID,
		Title:      opts.Title,
		Repos:      opts.Repos,
		CreatedAt:  now,
		UpdatedAt:  now,
		Turn:       0,
		Status:     model.StatusActive,
		PendingFor: []string{},
		Suspects:   []string{},
	}
	if err := jsonfile.AtomicWrite(paths.State, state); err != nil {
		return nil, workspace.ThreadPaths{}, fmt.Errorf("write initial state: %w", err)
	}

	header := initialTranscript(threadID, opts.Title, opts.Repos, now)
	if err := os.WriteFile(paths.Transcript, []byte(header), 0644); err != nil {
		return nil, workspace.ThreadPaths{}, fmt.Errorf("write transcript header: %w", err)
	}

	return state, paths, nil
}

func validateUniqueRepos(repos []string) error {
	seen := make(map[string]bool, len(repos))
	for _, r := range repos {
		if r == "" {
			return fmt.Errorf("repo name must not be empty")
		}
		if seen[r] {
			return fmt.Errorf("duplicate repo %q", r)
		}
		seen[r] = true
	}
	return nil
}

func initialTranscript(threadID, title string, repos []string, createdAt string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Thread: %s\n\n", title)
	fmt.Fprintf(&sb, "**ID:** %s\n", threadID)
	fmt.Fprintf(&sb, "**Created:** %s\n", createdAt)
	fmt.Fprintf(&sb, "**Repos:** %s\n", strings.Join(repos, ", "))
	sb.WriteString("\n---\n\n## Timeline\n\n")
	return sb.String()
}

// LoadState reads a thread's state.json. A corrupt state file is restored
// from the last atomic write's backup when possible; otherwise it is moved
// to the workspace quarantine so the operator can inspect it.
func LoadState(basePath, threadID string) (*model.ThreadState, error) {
	paths := workspace.ForThread(basePath, threadID)

	var state model.ThreadState
	err := jsonfile.Read(paths.State, &state)
	if err == nil {
		return &state, nil
	}
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("thread %s: %w", threadID, ErrThreadNotFound)
	}

	if restoreErr := jsonfile.RestoreFromBackup(paths.State); restoreErr == nil {
		if jsonfile.Read(paths.State, &state) == nil {
			return &state, nil
		}
	}
	if quarantineErr := jsonfile.Quarantine(basePath, paths.State); quarantineErr == nil {
		return nil, fmt.Errorf("thread %s: state file corrupt, quarantined: %v: %w", threadID, err, ErrThreadNotFound)
	}
	return nil, fmt.Errorf("thread %s: %v: %w", threadID, err, ErrThreadNotFound)
}

// SaveState rewrites a thread's state.json wholesale, refreshing updated_at.
func SaveState(basePath string, state *model.ThreadState) error {
	paths := workspace.ForThread(basePath, state.ID)
	state.UpdatedAt = model.Now()
	if err := jsonfile.AtomicWrite(paths.State, state); err != nil {
		return fmt.Errorf("save state for %s: %w", state.ID, err)
	}
	return nil
}

// List returns summaries of every thread in the workspace, newest first.
// Directories with unreadable state files are skipped.
func List(basePath string) ([]model.ThreadSummary, error) {
	threadsDir := filepath.Join(basePath, workspace.ThreadsDir)
	entries, err := os.ReadDir(threadsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read threads dir: %w", err)
	}

	var threads []model.ThreadSummary
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), "th_") {
			continue
		}
		state, err := LoadState(basePath, entry.Name())
		if err != nil {
			continue
		}
		threads = append(threads, model.ThreadSummary{
			ID:        state.ID,
			Title:     state.Title,
			Status:    state.Status,
			Repos:     state.Repos,
			CreatedAt: state.CreatedAt,
			Turn:      state.Turn,
		})
	}

	sort.Slice(threads, func(i, j int) bool {
		return threads[i].CreatedAt > threads[j].CreatedAt
	})
	return threads, nil
}
