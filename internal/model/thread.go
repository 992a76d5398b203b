package model

// ThreadStatus is the lifecycle state of a thread. Only active threads
// may tick; every other status is terminal with respect to the engine.
type ThreadStatus string

const (
	StatusActive    ThreadStatus = "active"
	StatusPaused    ThreadStatus = "paused"
	StatusResolved  ThreadStatus = "resolved"
	StatusBlocked   ThreadStatus = "blocked"
	StatusAbandoned ThreadStatus = "abandoned"
)

var validThreadStatuses = map[ThreadStatus]bool{
	StatusActive:    true,
	StatusPaused:    true,
	StatusResolved:  true,
	StatusBlocked:   true,
	StatusAbandoned: true,
}

// ValidThreadStatus reports whether s is a known thread status.
func ValidThreadStatus(s ThreadStatus) bool {
	return validThreadStatuses[s]
}

// ThreadState is the persistent state of one coordination session,
// rewritten wholesale to state.json on every save.
type ThreadState struct {
	ID                string       `json:"id"`
	Title             string       `json:"title"`
	Repos             []string     `json:"repos"`
	CreatedAt         string       `json:"created_at"`
	UpdatedAt         string       `json:"updated_at"`
	Turn              int          `json:"turn"`
	Status            ThreadStatus `json:"status"`
	PendingFor        []string     `json:"pending_for"`
	Suspects          []string     `json:"suspects"`
	LastMessageFrom   string       `json:"last_message_from,omitempty"`
	LastMessageTo     string       `json:"last_message_to,omitempty"`
	ResolutionSummary string       `json:"resolution_summary,omitempty"`
}

// HasRepo reports whether name is a participant in the thread.
func (s *ThreadState) HasRepo(name string) bool {
	for _, r := range s.Repos {
		if r == name {
			return true
		}
	}
	return false
}

// ThreadSummary is the listing projection of a thread's state.
type ThreadSummary struct {
	ID        string       `json:"id"`
	Title     string       `json:"title"`
	Status    ThreadStatus `json:"status"`
	Repos     []string     `json:"repos"`
	CreatedAt string       `json:"created_at"`
	Turn      int          `json:"turn"`
}
