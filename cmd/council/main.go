package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/0xultravioleta/council/internal/mailbox"
	"github.com/0xultravioleta/council/internal/model"
	"github.com/0xultravioleta/council/internal/prompt"
	"github.com/0xultravioleta/council/internal/runloop"
	"github.com/0xultravioleta/council/internal/spawner"
	"github.com/0xultravioleta/council/internal/thread"
	"github.com/0xultravioleta/council/internal/tick"
	"github.com/0xultravioleta/council/internal/uds"
	"github.com/0xultravioleta/council/internal/watcher"
	"github.com/0xultravioleta/council/internal/workspace"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "thread":
		runThread(os.Args[2:])
	case "send":
		runSend(os.Args[2:])
	case "tick":
		runTick(os.Args[2:])
	case "prompts":
		runPrompts(os.Args[2:])
	case "spawn":
		runSpawn(os.Args[2:])
	case "run":
		runRun(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "watch":
		runWatch(os.Args[2:])
	case "close":
		runClose(os.Args[2:])
	case "version":
		fmt.Printf("council %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`council - multi-repo agent coordination

Usage:
  council init [dir]                           Initialize a .council/ workspace
  council thread new --title <t> --repos a,b   Create a thread
  council thread list                          List threads
  council thread show --thread <id>            Show thread state and transcript
  council send --thread <id> --to <repo> --summary <s> [options]
                                               Write a message to the outbox
  council tick --thread <id>                   Advance the thread by one tick
  council prompts --thread <id> [--repo <r>]   Print prompts for pending repos
  council spawn --thread <id> [--repo <r>]     Spawn agent sessions
  council run --thread <id> [--spawn] [--timeout <dur>]
                                               Watch, tick, and respawn until done
  council status [--thread <id>]               Show workspace or thread status
  council watch [--thread <id>]                Stream mailbox traffic live
  council close --thread <id> [--summary <s>] [--status resolved|abandoned]
                                               Close a thread
  council version                              Print version`)
}

// findWorkspace walks up from the working directory to the nearest
// .council directory.
func findWorkspace() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		if workspace.Exists(dir) {
			return filepath.Join(dir, workspace.Dir)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func mustWorkspace() string {
	base := findWorkspace()
	if base == "" {
		fmt.Fprintln(os.Stderr, "error: .council/ directory not found. Run 'council init' first.")
		os.Exit(1)
	}
	return base
}

// flagValue consumes the value following args[i], exiting on a bare flag.
func flagValue(args []string, i int, name string) string {
	if i+1 >= len(args) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n", name)
		os.Exit(1)
	}
	return args[i+1]
}

func runInit(args []string) {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	base, err := workspace.Init(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Initialized %s\n", base)
	fmt.Println("Edit registry.yaml to register your repos.")
}

func runThread(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: council thread <new|list|show> [options]")
		os.Exit(1)
	}
	switch args[0] {
	case "new":
		runThreadNew(args[1:])
	case "list":
		runThreadList(args[1:])
	case "show":
		runThreadShow(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown thread subcommand: %s\n", args[0])
		fmt.Fprintln(os.Stderr, "usage: council thread <new|list|show> [options]")
		os.Exit(1)
	}
}

func runThreadNew(args []string) {
	var title string
	var repos []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--title":
			title = flagValue(args, i, "--title")
			i++
		case "--repos":
			repos = splitList(flagValue(args, i, "--repos"))
			i++
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
			os.Exit(1)
		}
	}
	if title == "" || len(repos) == 0 {
		fmt.Fprintln(os.Stderr, "usage: council thread new --title <t> --repos a,b[,c]")
		os.Exit(1)
	}

	base := mustWorkspace()
	state, paths, err := thread.Create(base, thread.CreateOptions{Title: title, Repos: repos})
	if err != nil {
		fmt.Fprintf(os.Stderr, "thread new: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Created thread %s\n", state.ID)
	fmt.Printf("  Title: %s\n", state.Title)
	fmt.Printf("  Repos: %s\n", strings.Join(state.Repos, ", "))
	fmt.Printf("  Root:  %s\n", paths.Root)
}

func runThreadList(_ []string) {
	base := mustWorkspace()
	threads, err := thread.List(base)
	if err != nil {
		fmt.Fprintf(os.Stderr, "thread list: %v\n", err)
		os.Exit(1)
	}
	if len(threads) == 0 {
		fmt.Println("No threads yet. Create one with 'council thread new'.")
		return
	}
	for _, t := range threads {
		fmt.Printf("%s  %-9s turn=%-3d %s  [%s]\n",
			t.ID, t.Status, t.Turn, t.Title, strings.Join(t.Repos, ","))
	}
}

func runThreadShow(args []string) {
	threadID := parseThreadFlag(args)
	base := mustWorkspace()

	state, err := thread.LoadState(base, threadID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "thread show: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Thread:  %s\n", state.ID)
	fmt.Printf("Title:   %s\n", state.Title)
	fmt.Printf("Status:  %s\n", state.Status)
	fmt.Printf("Turn:    %d\n", state.Turn)
	fmt.Printf("Repos:   %s\n", strings.Join(state.Repos, ", "))
	fmt.Printf("Pending: %s\n", orNone(state.PendingFor))
	if len(state.Suspects) > 0 {
		fmt.Printf("Suspects: %s\n", strings.Join(state.Suspects, ", "))
	}
	if state.ResolutionSummary != "" {
		fmt.Printf("Resolution: %s\n", state.ResolutionSummary)
	}

	transcript, err := thread.ReadTranscript(base, threadID)
	if err == nil && transcript != "" {
		fmt.Println()
		fmt.Print(transcript)
	}
}

func runSend(args []string) {
	var threadID, from, to, msgType, summary string
	var notes, questions, evidence []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--thread":
			threadID = flagValue(args, i, "--thread")
			i++
		case "--from":
			from = flagValue(args, i, "--from")
			i++
		case "--to":
			to = flagValue(args, i, "--to")
			i++
		case "--type":
			msgType = flagValue(args, i, "--type")
			i++
		case "--summary":
			summary = flagValue(args, i, "--summary")
			i++
		case "--note":
			notes = append(notes, flagValue(args, i, "--note"))
			i++
		case "--question":
			questions = append(questions, flagValue(args, i, "--question"))
			i++
		case "--evidence":
			evidence = append(evidence, flagValue(args, i, "--evidence"))
			i++
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
			os.Exit(1)
		}
	}
	if threadID == "" || to == "" || summary == "" {
		fmt.Fprintln(os.Stderr, "usage: council send --thread <id> --to <repo|ALL> --summary <s> [--from <repo>] [--type <t>] [--question <q>]...")
		os.Exit(1)
	}
	if from == "" {
		from = model.HumanSender
	}
	if msgType == "" {
		if len(questions) > 0 {
			msgType = string(model.TypeQuestion)
		} else {
			msgType = string(model.TypeContextInjection)
		}
	}

	base := mustWorkspace()
	msgID, err := model.GenerateMessageID()
	if err != nil {
		fmt.Fprintf(os.Stderr, "send: %v\n", err)
		os.Exit(1)
	}
	msg := &model.Message{
		ThreadID:     threadID,
		MessageID:    msgID,
		From:         from,
		To:           to,
		Type:         model.MessageType(msgType),
		Timestamp:    model.Now(),
		Summary:      summary,
		Notes:        notes,
		Questions:    questions,
		EvidenceRefs: evidence,
	}
	path, err := mailbox.WriteOutbox(base, threadID, msg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "send: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Queued %s -> %s (%s)\n", from, to, msg.Type)
	fmt.Printf("  %s\n", path)
}

func runTick(args []string) {
	threadID := parseThreadFlag(args)
	base := mustWorkspace()

	// A live run loop owns the thread's tick serialization; go through it.
	client := uds.NewClient(filepath.Join(base, uds.DefaultSocketName))
	client.SetTimeout(5 * time.Second)
	if resp, err := client.SendCommand("tick", map[string]string{"thread_id": threadID}); err == nil {
		// A loop bound to a different thread does not block a direct tick.
		if !resp.Success && resp.Error.Code != uds.ErrCodeValidation {
			fmt.Fprintf(os.Stderr, "tick: %s\n", resp.Error.Message)
			os.Exit(1)
		}
		if resp.Success {
			var result tick.Result
			if err := json.Unmarshal(resp.Data, &result); err != nil {
				fmt.Fprintf(os.Stderr, "tick: decode response: %v\n", err)
				os.Exit(1)
			}
			printTickResult(&result)
			return
		}
	}

	engine := tick.New(base, nil)
	result, err := engine.Run(threadID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tick: %v\n", err)
		os.Exit(1)
	}
	printTickResult(result)
}

func printTickResult(result *tick.Result) {
	fmt.Printf("Tick complete\n")
	fmt.Printf("  Processed: %d message(s)\n", len(result.ProcessedMessages))
	fmt.Printf("  Turn:      %d\n", result.Turn)
	fmt.Printf("  Status:    %s\n", result.Status)
	fmt.Printf("  Pending:   %s\n", orNone(result.NewPendingRepos))
}

func runPrompts(args []string) {
	var threadID, repo string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--thread":
			threadID = flagValue(args, i, "--thread")
			i++
		case "--repo":
			repo = flagValue(args, i, "--repo")
			i++
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
			os.Exit(1)
		}
	}
	if threadID == "" {
		fmt.Fprintln(os.Stderr, "usage: council prompts --thread <id> [--repo <r>]")
		os.Exit(1)
	}
	base := mustWorkspace()

	if repo != "" {
		p, err := prompt.GenerateForRepo(base, threadID, repo)
		if err != nil {
			fmt.Fprintf(os.Stderr, "prompts: %v\n", err)
			os.Exit(1)
		}
		if p == nil {
			fmt.Fprintf(os.Stderr, "repo %q is not pending in thread %s\n", repo, threadID)
			os.Exit(1)
		}
		fmt.Print(p.Prompt)
		return
	}

	prompts, err := prompt.GenerateAll(base, threadID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "prompts: %v\n", err)
		os.Exit(1)
	}
	if len(prompts) == 0 {
		fmt.Println("No pending repos.")
		return
	}
	for _, p := range prompts {
		fmt.Printf("==== %s (%d inbox message(s)) ====\n\n", p.Repo, len(p.InboxMessages))
		fmt.Print(p.Prompt)
		fmt.Println()
	}
}

func runSpawn(args []string) {
	var threadID, repo, command string
	var useStdin bool
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--thread":
			threadID = flagValue(args, i, "--thread")
			i++
		case "--repo":
			repo = flagValue(args, i, "--repo")
			i++
		case "--command":
			command = flagValue(args, i, "--command")
			i++
		case "--stdin":
			useStdin = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
			os.Exit(1)
		}
	}
	if threadID == "" {
		fmt.Fprintln(os.Stderr, "usage: council spawn --thread <id> [--repo <r>] [--command <c>] [--stdin]")
		os.Exit(1)
	}
	base := mustWorkspace()

	sup := spawner.New(base, nil)
	opts := spawner.Options{Command: command, UseStdin: useStdin}

	var sessions []*spawner.Session
	var err error
	if repo != "" {
		var session *spawner.Session
		session, err = sup.Spawn(threadID, repo, opts)
		if session != nil {
			sessions = append(sessions, session)
		}
	} else {
		sessions, err = sup.SpawnAllPending(threadID, opts)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "spawn: %v\n", err)
		os.Exit(1)
	}
	for _, s := range sessions {
		fmt.Printf("Spawned %s (PID %d) in %s\n", s.Repo, s.PID, s.Cwd)
	}

	for _, s := range sessions {
		code, err := sup.WaitForSession(s.ThreadID, s.Repo, 0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "wait %s: %v\n", s.Repo, err)
			continue
		}
		fmt.Printf("%s exited with code %d\n", s.Repo, code)
	}
}

func runRun(args []string) {
	var threadID, logLevel string
	var spawn bool
	var timeout time.Duration
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--thread":
			threadID = flagValue(args, i, "--thread")
			i++
		case "--spawn":
			spawn = true
		case "--timeout":
			d, err := time.ParseDuration(flagValue(args, i, "--timeout"))
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid --timeout value: %s\n", args[i+1])
				os.Exit(1)
			}
			timeout = d
			i++
		case "--log-level":
			logLevel = flagValue(args, i, "--log-level")
			i++
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
			os.Exit(1)
		}
	}
	if threadID == "" {
		fmt.Fprintln(os.Stderr, "usage: council run --thread <id> [--spawn] [--timeout <dur>] [--log-level <l>]")
		os.Exit(1)
	}
	base := mustWorkspace()

	loop, err := runloop.New(base, runloop.Options{
		ThreadID: threadID,
		Spawn:    spawn,
		Timeout:  timeout,
		LogLevel: logLevel,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "interrupted, stopping run loop")
		loop.Stop(runloop.StopInterrupted)
		<-sigCh
		os.Exit(1)
	}()

	result, err := loop.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Run complete\n")
	fmt.Printf("  Reason:   %s\n", result.Reason)
	fmt.Printf("  Ticks:    %d\n", result.Ticks)
	fmt.Printf("  Duration: %s\n", result.Duration.Round(time.Millisecond))
}

func runStatus(args []string) {
	var threadID string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--thread":
			threadID = flagValue(args, i, "--thread")
			i++
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
			os.Exit(1)
		}
	}
	base := mustWorkspace()

	if threadID == "" {
		runThreadList(nil)
		return
	}

	state, err := thread.LoadState(base, threadID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s  %s  turn=%d  pending=%s\n",
		state.ID, state.Status, state.Turn, orNone(state.PendingFor))

	// A live run loop answers on the control socket.
	client := uds.NewClient(filepath.Join(base, uds.DefaultSocketName))
	client.SetTimeout(time.Second)
	if client.Ping() == nil {
		fmt.Println("Run loop: active")
	} else {
		fmt.Println("Run loop: not running")
	}
}

// runWatch streams mailbox events to stdout. Without --thread it follows
// every active thread in the workspace.
func runWatch(args []string) {
	var threadID string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--thread":
			threadID = flagValue(args, i, "--thread")
			i++
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
			os.Exit(1)
		}
	}
	base := mustWorkspace()

	var threadIDs []string
	if threadID != "" {
		threadIDs = []string{threadID}
	} else {
		threads, err := thread.List(base)
		if err != nil {
			fmt.Fprintf(os.Stderr, "watch: %v\n", err)
			os.Exit(1)
		}
		for _, t := range threads {
			if t.Status == model.StatusActive {
				threadIDs = append(threadIDs, t.ID)
			}
		}
	}
	if len(threadIDs) == 0 {
		fmt.Println("No active threads to watch.")
		return
	}

	multi := watcher.NewMulti(base, 0)
	for _, id := range threadIDs {
		if _, err := multi.Watch(id); err != nil {
			fmt.Fprintf(os.Stderr, "watch %s: %v\n", id, err)
			os.Exit(1)
		}
	}
	fmt.Printf("Watching %s (Ctrl+C to exit)\n", strings.Join(threadIDs, ", "))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case event := <-multi.Events():
			if event.Message != nil {
				fmt.Printf("%s %s %s -> %s (%s) %s\n",
					event.Timestamp, event.ThreadID,
					event.Message.From, event.Message.To,
					event.Message.Type, event.Message.Summary)
			} else {
				fmt.Printf("%s %s %s %s\n",
					event.Timestamp, event.ThreadID, event.Source, event.Filename)
			}
		case err := <-multi.Errors():
			fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		case <-sigCh:
			multi.StopAll()
			return
		}
	}
}

func runClose(args []string) {
	var threadID, summary string
	status := model.StatusResolved
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--thread":
			threadID = flagValue(args, i, "--thread")
			i++
		case "--summary":
			summary = flagValue(args, i, "--summary")
			i++
		case "--status":
			status = model.ThreadStatus(flagValue(args, i, "--status"))
			i++
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
			os.Exit(1)
		}
	}
	if threadID == "" {
		fmt.Fprintln(os.Stderr, "usage: council close --thread <id> [--summary <s>] [--status resolved|abandoned]")
		os.Exit(1)
	}
	if !model.ValidThreadStatus(status) || status == model.StatusActive {
		fmt.Fprintf(os.Stderr, "close: invalid terminal status %q\n", status)
		os.Exit(1)
	}
	base := mustWorkspace()

	state, err := thread.LoadState(base, threadID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "close: %v\n", err)
		os.Exit(1)
	}
	state.Status = status
	state.PendingFor = nil
	if summary != "" {
		state.ResolutionSummary = summary
	}
	if err := thread.SaveState(base, state); err != nil {
		fmt.Fprintf(os.Stderr, "close: %v\n", err)
		os.Exit(1)
	}

	if summary != "" {
		paths := workspace.ForThread(base, threadID)
		content := fmt.Sprintf("# Resolution: %s\n\n%s\n", state.Title, summary)
		if err := os.WriteFile(paths.Resolution, []byte(content), 0644); err != nil {
			fmt.Fprintf(os.Stderr, "close: write resolution: %v\n", err)
			os.Exit(1)
		}
	}
	fmt.Printf("Closed %s (%s)\n", state.ID, state.Status)
}

func parseThreadFlag(args []string) string {
	var threadID string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--thread":
			threadID = flagValue(args, i, "--thread")
			i++
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
			os.Exit(1)
		}
	}
	if threadID == "" {
		fmt.Fprintln(os.Stderr, "--thread is required")
		os.Exit(1)
	}
	return threadID
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func orNone(items []string) string {
	if len(items) == 0 {
		return "(none)"
	}
	return strings.Join(items, ", ")
}
