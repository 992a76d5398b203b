// Package tick advances a thread by one turn: drain the outbox, deliver
// each message, recompute who owes a response, detect resolution, persist.
package tick

import (
	"errors"
	"fmt"
	"log"

	"github.com/0xultravioleta/council/internal/mailbox"
	"github.com/0xultravioleta/council/internal/model"
	"github.com/0xultravioleta/council/internal/registry"
	"github.com/0xultravioleta/council/internal/thread"
)

// ErrNotActive is returned when a tick is requested for a thread whose
// status is not active. The thread is not mutated.
var ErrNotActive = errors.New("thread is not active")

// Outcome is the reported result classification of one tick.
type Outcome string

const (
	OutcomeActive   Outcome = "active"
	OutcomeResolved Outcome = "resolved"
	// OutcomeMaxTurns means the turn budget is exhausted; the thread was
	// not mutated and the caller decides whether to close it.
	OutcomeMaxTurns Outcome = "max_turns"
)

// Result reports what one tick did.
type Result struct {
	Turn              int             `json:"turn"`
	PendingRepos      []string        `json:"pending_repos"` // pending set before the tick
	ProcessedMessages []model.Message `json:"processed_messages"`
	NewPendingRepos   []string        `json:"new_pending_repos"`
	Status            Outcome         `json:"status"`
}

// Engine runs ticks against one workspace. It holds no in-memory lock
// across the filesystem operations of a tick; callers serialize ticks
// per thread.
type Engine struct {
	basePath string
	logger   *log.Logger
}

// New creates an Engine. logger may be nil to discard delivery-miss
// warnings.
func New(basePath string, logger *log.Logger) *Engine {
	return &Engine{basePath: basePath, logger: logger}
}

// Run advances threadID by one tick. It fails without mutation when the
// thread is missing or not active; a turn budget hit is a normal outcome,
// not an error.
func (e *Engine) Run(threadID string) (*Result, error) {
	reg, err := registry.Load(e.basePath)
	if err != nil {
		return nil, err
	}
	state, err := thread.LoadState(e.basePath, threadID)
	if err != nil {
		return nil, err
	}

	if state.Status != model.StatusActive {
		return nil, fmt.Errorf("thread %s has status %s: %w", threadID, state.Status, ErrNotActive)
	}

	if state.Turn >= reg.Council.MaxTurns {
		return &Result{
			Turn:              state.Turn,
			PendingRepos:      state.PendingFor,
			ProcessedMessages: nil,
			NewPendingRepos:   []string{},
			Status:            OutcomeMaxTurns,
		}, nil
	}

	processed, err := e.drainOutbox(threadID, state)
	if err != nil {
		return nil, err
	}

	newPending := computePendingRepos(processed, state)
	resolved := containsResolution(processed)

	newStatus := model.StatusActive
	if resolved {
		newStatus = model.StatusResolved
		newPending = []string{}
	}

	oldPending := state.PendingFor
	state.Turn++
	state.Status = newStatus
	state.PendingFor = newPending
	if len(processed) > 0 {
		last := processed[len(processed)-1]
		state.LastMessageFrom = last.From
		state.LastMessageTo = last.To
	}

	if err := thread.SaveState(e.basePath, state); err != nil {
		return nil, err
	}

	outcome := OutcomeActive
	if resolved {
		outcome = OutcomeResolved
	}
	return &Result{
		Turn:              state.Turn,
		PendingRepos:      oldPending,
		ProcessedMessages: processed,
		NewPendingRepos:   newPending,
		Status:            outcome,
	}, nil
}

// drainOutbox reads the outbox oldest-first and, per message, appends a
// transcript line then relocates the file into the inbox. A delivery miss
// is logged and the message still counts as drained for this tick.
func (e *Engine) drainOutbox(threadID string, state *model.ThreadState) ([]model.Message, error) {
	outbox, err := mailbox.ReadOutbox(e.basePath, threadID)
	if err != nil {
		return nil, err
	}

	processed := make([]model.Message, 0, len(outbox))
	for i := range outbox {
		msg := &outbox[i]

		if err := thread.AppendToTranscript(e.basePath, threadID, msg); err != nil {
			return nil, err
		}

		if err := mailbox.Deliver(e.basePath, threadID, msg); err != nil {
			if !errors.Is(err, mailbox.ErrUndeliverable) {
				return nil, err
			}
			e.warnf("delivery_miss thread=%s message=%s from=%s to=%s", threadID, msg.MessageID, msg.From, msg.To)
		}

		processed = append(processed, *msg)
	}
	return processed, nil
}

// computePendingRepos replaces the pending set from scratch: every drained
// message adds its recipient (or, for broadcast, every repo but the
// sender). A repo pending before the tick that received nothing new is no
// longer pending.
func computePendingRepos(processed []model.Message, state *model.ThreadState) []string {
	pending := make([]string, 0)
	seen := make(map[string]bool)

	add := func(repo string) {
		if !seen[repo] {
			seen[repo] = true
			pending = append(pending, repo)
		}
	}

	for _, msg := range processed {
		if msg.To == model.BroadcastTarget {
			for _, repo := range state.Repos {
				if repo != msg.From {
					add(repo)
				}
			}
		} else if state.HasRepo(msg.To) {
			add(msg.To)
		}
	}
	return pending
}

func containsResolution(processed []model.Message) bool {
	for _, msg := range processed {
		if msg.Type == model.TypeResolution {
			return true
		}
	}
	return false
}

func (e *Engine) warnf(format string, args ...any) {
	if e.logger != nil {
		e.logger.Printf("WARN tick: "+format, args...)
	}
}
