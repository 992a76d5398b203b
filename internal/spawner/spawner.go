// Package spawner manages agent processes: one session per (thread, repo),
// spawned with a rendered prompt, tracked until exit.
package spawner

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/0xultravioleta/council/internal/events"
	"github.com/0xultravioleta/council/internal/mailbox"
	"github.com/0xultravioleta/council/internal/model"
	"github.com/0xultravioleta/council/internal/prompt"
	"github.com/0xultravioleta/council/internal/registry"
	"github.com/0xultravioleta/council/internal/thread"
	"github.com/0xultravioleta/council/internal/workspace"
)

// DefaultCommand is the agent CLI invoked when Options.Command is empty.
const DefaultCommand = "claude"

const outputBuffer = 256

// SessionStatus tracks a spawned process's lifecycle.
type SessionStatus string

const (
	StatusRunning SessionStatus = "running"
	StatusExited  SessionStatus = "exited"
	StatusError   SessionStatus = "error"
)

// Options tunes how an agent process is launched.
type Options struct {
	// Command overrides the agent executable (default "claude").
	Command string
	// PrintMode adds --print for non-interactive runs.
	PrintMode bool
	// UseStdin pipes the prompt via stdin instead of the -p flag.
	UseStdin bool
	// Env adds extra environment variables.
	Env map[string]string
}

// Session is one tracked agent process.
type Session struct {
	PID       int
	ThreadID  string
	Repo      string
	Cwd       string
	StartedAt string

	cmd   *exec.Cmd
	done  chan struct{}
	pumps sync.WaitGroup

	mu       sync.Mutex
	status   SessionStatus
	exitCode int
}

// Status returns the session's current lifecycle state.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// ExitCode returns the process exit code; meaningful only once exited.
func (s *Session) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

func (s *Session) finish(status SessionStatus, exitCode int) {
	s.mu.Lock()
	s.status = status
	s.exitCode = exitCode
	s.mu.Unlock()
	close(s.done)
}

// OutputLine is one line of agent stdout or stderr.
type OutputLine struct {
	ThreadID string
	Repo     string
	Stream   string // stdout | stderr
	Line     string
}

// Supervisor owns the session table. Sessions are keyed by
// "<threadID>:<repo>"; a running key cannot be spawned twice.
type Supervisor struct {
	basePath string
	bus      *events.Bus

	mu       sync.Mutex
	sessions map[string]*Session
	starting map[string]struct{}
	output   chan OutputLine
	wg       sync.WaitGroup
}

// New creates a Supervisor rooted at the workspace. bus may be nil.
func New(basePath string, bus *events.Bus) *Supervisor {
	return &Supervisor{
		basePath: basePath,
		bus:      bus,
		sessions: make(map[string]*Session),
		starting: make(map[string]struct{}),
		output:   make(chan OutputLine, outputBuffer),
	}
}

// Output streams line-oriented stdout/stderr from all sessions. Lines are
// dropped when the channel is full.
func (s *Supervisor) Output() <-chan OutputLine {
	return s.output
}

func sessionKey(threadID, repo string) string {
	return threadID + ":" + repo
}

// Spawn launches an agent for one repo of a thread. The repo must be in
// the thread's pending set; the rendered prompt is persisted to
// prompts/<repo>_prompt.md before launch.
func (s *Supervisor) Spawn(threadID, repo string, opts Options) (session *Session, err error) {
	key := sessionKey(threadID, repo)

	// Reserve the key before launching so two concurrent Spawn calls for
	// the same thread/repo cannot both pass the duplicate check.
	s.mu.Lock()
	if _, ok := s.starting[key]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("session already running for %s", key)
	}
	if existing, ok := s.sessions[key]; ok && existing.Status() == StatusRunning {
		s.mu.Unlock()
		return nil, fmt.Errorf("session already running for %s", key)
	}
	s.starting[key] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.starting, key)
		if err == nil {
			s.sessions[key] = session
		}
		s.mu.Unlock()
	}()

	reg, err := registry.Load(s.basePath)
	if err != nil {
		return nil, err
	}
	cwd, err := reg.ResolveRepoPath(s.basePath, repo)
	if err != nil {
		return nil, err
	}

	promptData, err := prompt.GenerateForRepo(s.basePath, threadID, repo)
	if err != nil {
		return nil, err
	}
	if promptData == nil {
		return nil, fmt.Errorf("no pending messages for repo %q in thread %s", repo, threadID)
	}

	paths := workspace.ForThread(s.basePath, threadID)
	promptFile := filepath.Join(paths.Prompts, repo+"_prompt.md")
	if err := os.WriteFile(promptFile, []byte(promptData.Prompt), 0644); err != nil {
		return nil, fmt.Errorf("write prompt file: %w", err)
	}

	command := opts.Command
	if command == "" {
		command = DefaultCommand
	}
	var args []string
	if opts.PrintMode {
		args = append(args, "--print")
	}
	if !opts.UseStdin {
		args = append(args, "-p", promptData.Prompt)
	}

	cmd := exec.Command(command, args...)
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(),
		"COUNCIL_THREAD_ID="+threadID,
		"COUNCIL_REPO="+repo,
		"COUNCIL_OUTBOX="+paths.Outbox,
	)
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdinPipe io.WriteCloser
	if opts.UseStdin {
		stdinPipe, err = cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("stdin pipe: %w", err)
		}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s for repo %q: %w", command, repo, err)
	}

	session = &Session{
		PID:       cmd.Process.Pid,
		ThreadID:  threadID,
		Repo:      repo,
		Cwd:       cwd,
		StartedAt: model.Now(),
		cmd:       cmd,
		done:      make(chan struct{}),
		status:    StatusRunning,
	}

	if stdinPipe != nil {
		go func() {
			stdinPipe.Write([]byte(promptData.Prompt))
			stdinPipe.Close()
		}()
	}

	s.wg.Add(2)
	session.pumps.Add(2)
	go s.pumpOutput(session, "stdout", stdout)
	go s.pumpOutput(session, "stderr", stderr)

	if s.bus != nil {
		s.bus.Publish(events.EventSessionStarted, map[string]interface{}{
			"thread_id": threadID,
			"repo":      repo,
			"pid":       session.PID,
		})
	}

	go s.waitSession(session)

	return session, nil
}

func (s *Supervisor) pumpOutput(session *Session, stream string, r io.Reader) {
	defer s.wg.Done()
	defer session.pumps.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := OutputLine{
			ThreadID: session.ThreadID,
			Repo:     session.Repo,
			Stream:   stream,
			Line:     scanner.Text(),
		}
		select {
		case s.output <- line:
		default:
		}
	}
}

func (s *Supervisor) waitSession(session *Session) {
	// Drain stdout/stderr before Wait closes the pipes.
	session.pumps.Wait()
	err := session.cmd.Wait()

	status := StatusExited
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			status = StatusError
			exitCode = -1
		}
	}
	session.finish(status, exitCode)

	// A clean exit means the agent consumed its inbox; drop the delivered
	// files so the next prompt only carries new messages.
	cleared := 0
	if status == StatusExited && exitCode == 0 {
		cleared, _ = mailbox.ClearInboxFor(s.basePath, session.ThreadID, session.Repo)
	}

	if s.bus != nil {
		s.bus.Publish(events.EventSessionEnded, map[string]interface{}{
			"thread_id": session.ThreadID,
			"repo":      session.Repo,
			"pid":       session.PID,
			"exit_code": exitCode,
			"status":    string(status),
			"cleared":   cleared,
		})
	}
}

// GetSession looks up the session for a thread/repo pair.
func (s *Supervisor) GetSession(threadID, repo string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionKey(threadID, repo)]
	return session, ok
}

// ActiveSessions returns every session still running.
func (s *Supervisor) ActiveSessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	var active []*Session
	for _, session := range s.sessions {
		if session.Status() == StatusRunning {
			active = append(active, session)
		}
	}
	return active
}

// ThreadSessions returns every session (any status) for a thread.
func (s *Supervisor) ThreadSessions(threadID string) []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Session
	for _, session := range s.sessions {
		if session.ThreadID == threadID {
			out = append(out, session)
		}
	}
	return out
}

// Kill terminates one running session. Returns false when there is no
// running session for the pair.
func (s *Supervisor) Kill(threadID, repo string) bool {
	session, ok := s.GetSession(threadID, repo)
	if !ok || session.Status() != StatusRunning {
		return false
	}
	session.cmd.Process.Signal(syscall.SIGTERM)
	return true
}

// KillThread terminates every running session of a thread and returns how
// many were signalled.
func (s *Supervisor) KillThread(threadID string) int {
	killed := 0
	for _, session := range s.ThreadSessions(threadID) {
		if session.Status() == StatusRunning {
			session.cmd.Process.Signal(syscall.SIGTERM)
			killed++
		}
	}
	return killed
}

// KillAll terminates every running session.
func (s *Supervisor) KillAll() int {
	killed := 0
	for _, session := range s.ActiveSessions() {
		session.cmd.Process.Signal(syscall.SIGTERM)
		killed++
	}
	return killed
}

// WaitForSession blocks until the session exits. A zero timeout waits
// forever; on timeout the process is terminated and an error returned.
func (s *Supervisor) WaitForSession(threadID, repo string, timeout time.Duration) (int, error) {
	session, ok := s.GetSession(threadID, repo)
	if !ok {
		return 0, fmt.Errorf("no session found for %s", sessionKey(threadID, repo))
	}

	if timeout <= 0 {
		<-session.done
		return session.ExitCode(), nil
	}

	select {
	case <-session.done:
		return session.ExitCode(), nil
	case <-time.After(timeout):
		session.cmd.Process.Signal(syscall.SIGTERM)
		return 0, fmt.Errorf("session %s timed out after %s", sessionKey(threadID, repo), timeout)
	}
}

// SpawnAllPending launches an agent for every repo in the thread's
// pending set.
func (s *Supervisor) SpawnAllPending(threadID string, opts Options) ([]*Session, error) {
	state, err := thread.LoadState(s.basePath, threadID)
	if err != nil {
		return nil, err
	}

	var sessions []*Session
	for _, repo := range state.PendingFor {
		session, err := s.Spawn(threadID, repo, opts)
		if err != nil {
			return sessions, fmt.Errorf("spawn %s: %w", repo, err)
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}
