// Package workspace defines the on-disk layout of a council workspace
// (.council directory) and per-thread path resolution.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

// Dir is the workspace directory name, created at the root of the
// coordinating checkout.
const Dir = ".council"

// Subdirectories of the workspace root.
const (
	ThreadsDir = "threads"
	ScansDir   = "scans"
	RunsDir    = "runs"
	LogsDir    = "logs"
	LocksDir   = "locks"
)

// ThreadPaths resolves every path inside one thread's directory tree.
type ThreadPaths struct {
	Root       string
	Inbox      string
	Outbox     string
	Evidence   string
	Artifacts  string
	Prompts    string
	Transcript string
	State      string
	Resolution string
}

// ForThread returns the path set for a thread under basePath (the
// workspace root, i.e. the .council directory itself).
func ForThread(basePath, threadID string) ThreadPaths {
	root := filepath.Join(basePath, ThreadsDir, threadID)
	return ThreadPaths{
		Root:       root,
		Inbox:      filepath.Join(root, "inbox"),
		Outbox:     filepath.Join(root, "outbox"),
		Evidence:   filepath.Join(root, "evidence"),
		Artifacts:  filepath.Join(root, "artifacts"),
		Prompts:    filepath.Join(root, "prompts"),
		Transcript: filepath.Join(root, "transcript.md"),
		State:      filepath.Join(root, "state.json"),
		Resolution: filepath.Join(root, "resolution.md"),
	}
}

// Dirs returns every directory that must exist for the thread.
func (p ThreadPaths) Dirs() []string {
	return []string{p.Root, p.Inbox, p.Outbox, p.Evidence, p.Artifacts, p.Prompts}
}

// Exists reports whether a workspace is present under parentDir.
func Exists(parentDir string) bool {
	_, err := os.Stat(filepath.Join(parentDir, Dir))
	return err == nil
}

// Init creates the workspace skeleton and a commented default registry.
// Existing files are left untouched except registry.yaml, which is only
// written when absent.
func Init(parentDir string) (string, error) {
	base := filepath.Join(parentDir, Dir)
	for _, sub := range []string{"", ThreadsDir, ScansDir, RunsDir, LogsDir, LocksDir} {
		if err := os.MkdirAll(filepath.Join(base, sub), 0755); err != nil {
			return "", fmt.Errorf("create workspace dir %s: %w", sub, err)
		}
	}

	registryPath := filepath.Join(base, "registry.yaml")
	if _, err := os.Stat(registryPath); os.IsNotExist(err) {
		if err := os.WriteFile(registryPath, []byte(defaultRegistry), 0644); err != nil {
			return "", fmt.Errorf("write default registry: %w", err)
		}
	}

	return base, nil
}

const defaultRegistry = `# Council Registry
# Configure your repos and council settings here

repos:
  # Example repo configuration:
  # "my-app":
  #   path: "../my-app"
  #   tech_hints: ["typescript", "web"]
  #   quick_commands:
  #     dev: "pnpm dev"
  #     test: "pnpm test"
  #
  # "my-server":
  #   path: "../my-server"
  #   tech_hints: ["go", "server"]
  #   logs:
  #     kind: "cloudwatch"
  #     group: "/ecs/my-service"
  #     region: "us-east-1"
  #   quick_commands:
  #     run: "make dev"
  #     test: "make test"

council:
  parallelism: 3
  max_turns: 14
  stop_when:
    - "resolution_confirmed"
    - "action_plan_ready"
    - "blocked_missing_evidence"
`
