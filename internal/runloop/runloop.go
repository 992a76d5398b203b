// Package runloop drives one thread end to end: watch the outbox, batch
// bursts into single ticks, regenerate prompts, and optionally respawn
// agents until the thread resolves or runs out of turns.
package runloop

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/0xultravioleta/council/internal/events"
	"github.com/0xultravioleta/council/internal/lock"
	"github.com/0xultravioleta/council/internal/model"
	"github.com/0xultravioleta/council/internal/prompt"
	"github.com/0xultravioleta/council/internal/spawner"
	"github.com/0xultravioleta/council/internal/thread"
	"github.com/0xultravioleta/council/internal/tick"
	"github.com/0xultravioleta/council/internal/uds"
	"github.com/0xultravioleta/council/internal/watcher"
	"github.com/0xultravioleta/council/internal/workspace"
)

// DefaultBatchDelay is how long a tick waits after the first outbox event
// so that a burst of messages lands in one tick.
const DefaultBatchDelay = 500 * time.Millisecond

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func parseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// StopReason classifies why a run loop ended.
type StopReason string

const (
	StopResolved    StopReason = "resolved"
	StopMaxTurns    StopReason = "max_turns"
	StopTimeout     StopReason = "timeout"
	StopInterrupted StopReason = "interrupted"
)

// Result summarizes a completed run.
type Result struct {
	Reason   StopReason
	Ticks    int
	Duration time.Duration
}

// Options configures a Loop.
type Options struct {
	ThreadID string
	// Spawn launches agent sessions for newly pending repos.
	Spawn        bool
	SpawnOptions spawner.Options
	// Timeout bounds the whole run; 0 means unbounded.
	Timeout time.Duration
	// BatchDelay overrides DefaultBatchDelay when positive.
	BatchDelay time.Duration
	// Debounce is passed through to the outbox watcher.
	Debounce time.Duration
	LogLevel string
	// LogWriter receives run-loop logs; defaults to os.Stderr.
	LogWriter io.Writer
}

// Loop runs one thread until a stop condition. One Loop per thread per
// process; a flock on locks/<thread>.lock keeps other processes out.
type Loop struct {
	basePath   string
	opts       Options
	engine     *tick.Engine
	supervisor *spawner.Supervisor
	bus        *events.Bus
	audit      *events.AuditLogger
	fileLock   *lock.FileLock
	watcher    *watcher.ThreadWatcher
	server     *uds.Server

	logger   *log.Logger
	logLevel LogLevel

	sf        singleflight.Group
	mu        sync.Mutex
	tickTimer *time.Timer
	ticks     int
	stopped   bool
	reason    StopReason
	done      chan struct{}
	shutdown  sync.Once
	wg        sync.WaitGroup
}

// New prepares a Loop; Run acquires the locks and starts it.
func New(basePath string, opts Options) (*Loop, error) {
	if opts.ThreadID == "" {
		return nil, fmt.Errorf("thread id is required")
	}
	if opts.BatchDelay <= 0 {
		opts.BatchDelay = DefaultBatchDelay
	}
	w := opts.LogWriter
	if w == nil {
		w = os.Stderr
	}

	logger := log.New(w, "", 0)
	bus := events.NewBus(100)

	return &Loop{
		basePath:   basePath,
		opts:       opts,
		engine:     tick.New(basePath, logger),
		supervisor: spawner.New(basePath, bus),
		bus:        bus,
		logger:     logger,
		logLevel:   parseLogLevel(opts.LogLevel),
		fileLock: lock.ForThread(
			filepath.Join(basePath, workspace.LocksDir), opts.ThreadID),
		done: make(chan struct{}),
	}, nil
}

// Supervisor exposes the loop's session table, for status commands.
func (l *Loop) Supervisor() *spawner.Supervisor { return l.supervisor }

// Run blocks until the thread resolves, hits its turn budget, times out,
// or Stop is called.
func (l *Loop) Run() (*Result, error) {
	start := time.Now()

	if err := l.fileLock.TryLock(); err != nil {
		return nil, fmt.Errorf("run-loop lock: %w", err)
	}
	defer l.fileLock.Unlock()

	state, err := thread.LoadState(l.basePath, l.opts.ThreadID)
	if err != nil {
		return nil, err
	}
	if state.Status != model.StatusActive {
		return nil, fmt.Errorf("thread %s is not active (status: %s)", state.ID, state.Status)
	}
	l.log(LogLevelInfo, "run starting thread=%s title=%q turn=%d pending=%s",
		state.ID, state.Title, state.Turn, strings.Join(state.PendingFor, ","))

	audit, err := events.NewAuditLogger(
		filepath.Join(l.basePath, workspace.LogsDir, "audit.jsonl"), 0)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	l.audit = audit
	l.subscribeAudit()

	l.watcher = watcher.New(watcher.Options{
		ThreadID: l.opts.ThreadID,
		BasePath: l.basePath,
		Debounce: l.opts.Debounce,
	})
	if err := l.watcher.Start(); err != nil {
		audit.Close()
		return nil, fmt.Errorf("start watcher: %w", err)
	}

	l.server = uds.NewServer(filepath.Join(l.basePath, uds.DefaultSocketName))
	l.server.SetLogger(l.logger)
	l.registerHandlers()
	if err := l.server.Start(); err != nil {
		l.watcher.Stop()
		audit.Close()
		return nil, fmt.Errorf("start control socket: %w", err)
	}

	l.wg.Add(1)
	go l.watchLoop()

	var timeoutTimer *time.Timer
	if l.opts.Timeout > 0 {
		timeoutTimer = time.AfterFunc(l.opts.Timeout, func() {
			l.log(LogLevelWarn, "timeout reached after %s", l.opts.Timeout)
			l.Stop(StopTimeout)
		})
		defer timeoutTimer.Stop()
	}

	// Repos already pending at startup get their prompts (and sessions)
	// immediately; subsequent rounds are event-driven.
	if len(state.PendingFor) > 0 {
		l.preparePending(state.PendingFor)
	}

	<-l.done
	l.cleanup()

	l.mu.Lock()
	res := &Result{Reason: l.reason, Ticks: l.ticks, Duration: time.Since(start)}
	l.mu.Unlock()
	l.log(LogLevelInfo, "run complete reason=%s ticks=%d duration=%s",
		res.Reason, res.Ticks, res.Duration.Round(time.Millisecond))
	return res, nil
}

// Stop ends the run; the first caller's reason wins.
func (l *Loop) Stop(reason StopReason) {
	l.shutdown.Do(func() {
		l.mu.Lock()
		l.stopped = true
		l.reason = reason
		if l.tickTimer != nil {
			l.tickTimer.Stop()
		}
		l.mu.Unlock()
		close(l.done)
	})
}

// registerHandlers exposes the run loop over the control socket.
func (l *Loop) registerHandlers() {
	l.server.Handle("ping", func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok", "thread_id": l.opts.ThreadID})
	})

	l.server.Handle("status", func(req *uds.Request) *uds.Response {
		state, err := thread.LoadState(l.basePath, l.opts.ThreadID)
		if err != nil {
			return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
		}
		l.mu.Lock()
		ticks := l.ticks
		l.mu.Unlock()
		return uds.SuccessResponse(map[string]interface{}{
			"thread_id": state.ID,
			"status":    string(state.Status),
			"turn":      state.Turn,
			"pending":   state.PendingFor,
			"ticks":     ticks,
			"sessions":  len(l.supervisor.ThreadSessions(l.opts.ThreadID)),
		})
	})

	l.server.Handle("tick", func(req *uds.Request) *uds.Response {
		var params struct {
			ThreadID string `json:"thread_id"`
		}
		if err := req.DecodeParams(&params); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
		if params.ThreadID != "" && params.ThreadID != l.opts.ThreadID {
			return uds.ErrorResponse(uds.ErrCodeValidation,
				fmt.Sprintf("this run loop owns thread %s, not %s", l.opts.ThreadID, params.ThreadID))
		}
		res, err := l.doTick()
		if err != nil {
			if errors.Is(err, tick.ErrNotActive) {
				return uds.ErrorResponse(uds.ErrCodeNotActive, err.Error())
			}
			return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
		}
		return uds.SuccessResponse(res)
	})

	l.server.Handle("shutdown", func(req *uds.Request) *uds.Response {
		l.log(LogLevelInfo, "shutdown requested via control socket")
		go l.Stop(StopInterrupted)
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

func (l *Loop) cleanup() {
	if l.server != nil {
		l.server.Stop()
	}
	if l.watcher != nil {
		l.watcher.Stop()
	}
	l.wg.Wait()
	if killed := l.supervisor.KillThread(l.opts.ThreadID); killed > 0 {
		l.log(LogLevelInfo, "killed %d session(s)", killed)
	}
	l.bus.Close()
	if l.audit != nil {
		l.audit.Close()
	}
}

func (l *Loop) subscribeAudit() {
	l.bus.Subscribe(events.EventTickCompleted, func(e events.Event) {
		l.audit.Log(string(events.EventTickCompleted), e.Data)
	})
	l.bus.Subscribe(events.EventMessageDelivered, func(e events.Event) {
		l.audit.Log(string(events.EventMessageDelivered), e.Data)
	})
	l.bus.Subscribe(events.EventSessionStarted, func(e events.Event) {
		l.audit.Log(string(events.EventSessionStarted), e.Data)
	})
	l.bus.Subscribe(events.EventSessionEnded, func(e events.Event) {
		l.audit.Log(string(events.EventSessionEnded), e.Data)
	})
	l.bus.Subscribe(events.EventThreadClosed, func(e events.Event) {
		l.audit.Log(string(events.EventThreadClosed), e.Data)
	})
}

// watchLoop turns outbox events into batched ticks.
func (l *Loop) watchLoop() {
	defer l.wg.Done()

	for {
		select {
		case event, ok := <-l.watcher.Events():
			if !ok {
				return
			}
			if event.Source != watcher.SourceOutbox {
				continue
			}
			if event.Message != nil {
				l.log(LogLevelInfo, "outbox message file=%s from=%s to=%s type=%s",
					event.Filename, event.Message.From, event.Message.To, event.Message.Type)
			} else {
				l.log(LogLevelInfo, "outbox change file=%s", event.Filename)
			}
			l.scheduleTick()
		case err, ok := <-l.watcher.Errors():
			if !ok {
				return
			}
			l.log(LogLevelError, "watcher error=%v", err)
		case <-l.done:
			return
		}
	}
}

// scheduleTick arms the batch timer once; events arriving while it is
// armed ride along in the same tick.
func (l *Loop) scheduleTick() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped || l.tickTimer != nil {
		return
	}
	l.tickTimer = time.AfterFunc(l.opts.BatchDelay, func() {
		l.mu.Lock()
		l.tickTimer = nil
		stopped := l.stopped
		l.mu.Unlock()
		if !stopped {
			l.doTick()
		}
	})
}

func (l *Loop) doTick() (*tick.Result, error) {
	// Bookkeeping lives inside the singleflight func: callers that
	// piggyback on an in-flight tick share its result, while the tick
	// count, events, and stop decision run exactly once per engine run.
	result, err, _ := l.sf.Do("tick", func() (interface{}, error) {
		res, err := l.engine.Run(l.opts.ThreadID)
		if err != nil {
			l.log(LogLevelError, "tick error=%v", err)
			return nil, err
		}

		l.mu.Lock()
		l.ticks++
		count := l.ticks
		l.mu.Unlock()

		l.log(LogLevelInfo, "tick #%d processed=%d turn=%d status=%s pending=%s",
			count, len(res.ProcessedMessages), res.Turn, res.Status,
			strings.Join(res.NewPendingRepos, ","))
		for _, msg := range res.ProcessedMessages {
			l.bus.Publish(events.EventMessageDelivered, map[string]interface{}{
				"thread_id":  l.opts.ThreadID,
				"message_id": msg.MessageID,
				"from":       msg.From,
				"to":         msg.To,
				"type":       string(msg.Type),
			})
		}
		l.bus.Publish(events.EventTickCompleted, map[string]interface{}{
			"thread_id": l.opts.ThreadID,
			"turn":      res.Turn,
			"processed": len(res.ProcessedMessages),
			"status":    string(res.Status),
		})

		switch res.Status {
		case tick.OutcomeResolved:
			l.log(LogLevelInfo, "thread resolved")
			l.bus.Publish(events.EventThreadClosed, map[string]interface{}{
				"thread_id": l.opts.ThreadID,
				"reason":    string(StopResolved),
			})
			l.Stop(StopResolved)
		case tick.OutcomeMaxTurns:
			l.log(LogLevelWarn, "turn budget exhausted")
			l.bus.Publish(events.EventThreadClosed, map[string]interface{}{
				"thread_id": l.opts.ThreadID,
				"reason":    string(StopMaxTurns),
			})
			l.Stop(StopMaxTurns)
		default:
			if len(res.NewPendingRepos) > 0 {
				l.preparePending(res.NewPendingRepos)
			}
		}
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*tick.Result), nil
}

// preparePending renders prompts for the pending repos and, when enabled,
// spawns a session per repo. Already-running sessions are left alone.
func (l *Loop) preparePending(repos []string) {
	prompts, err := prompt.GenerateAll(l.basePath, l.opts.ThreadID)
	if err != nil {
		l.log(LogLevelError, "generate prompts error=%v", err)
		return
	}
	for _, p := range prompts {
		l.log(LogLevelInfo, "prompt ready repo=%s messages=%d", p.Repo, len(p.InboxMessages))
	}
	if !l.opts.Spawn {
		return
	}

	for _, repo := range repos {
		if existing, ok := l.supervisor.GetSession(l.opts.ThreadID, repo); ok &&
			existing.Status() == spawner.StatusRunning {
			l.log(LogLevelDebug, "session already running repo=%s pid=%d", repo, existing.PID)
			continue
		}
		session, err := l.supervisor.Spawn(l.opts.ThreadID, repo, l.opts.SpawnOptions)
		if err != nil {
			l.log(LogLevelError, "spawn repo=%s error=%v", repo, err)
			continue
		}
		l.log(LogLevelInfo, "spawned repo=%s pid=%d", repo, session.PID)
	}
}

func (l *Loop) log(level LogLevel, format string, args ...any) {
	if level < l.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	l.logger.Printf("%s %s runloop: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
