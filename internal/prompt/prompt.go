// Package prompt renders the briefing each agent receives when spawned:
// thread context, its repo's registry entry, and a digest of the inbox
// messages addressed to it.
package prompt

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/0xultravioleta/council/internal/mailbox"
	"github.com/0xultravioleta/council/internal/model"
	"github.com/0xultravioleta/council/internal/registry"
	"github.com/0xultravioleta/council/internal/thread"
)

// Generated is one rendered prompt, ready to hand to a spawned agent.
type Generated struct {
	Repo          string
	RepoConfig    registry.RepoConfig
	Prompt        string
	InboxMessages []model.Message
}

// GenerateAll renders a prompt for every repo in the thread's pending set.
// Repos missing from the registry are skipped.
func GenerateAll(basePath, threadID string) ([]*Generated, error) {
	reg, err := registry.Load(basePath)
	if err != nil {
		return nil, err
	}
	state, err := thread.LoadState(basePath, threadID)
	if err != nil {
		return nil, err
	}
	inbox, err := mailbox.ReadInbox(basePath, threadID)
	if err != nil {
		return nil, fmt.Errorf("read inbox: %w", err)
	}

	var prompts []*Generated
	for _, repo := range state.PendingFor {
		repoConfig, ok := reg.Repos[repo]
		if !ok {
			continue
		}

		var repoMessages []model.Message
		for _, m := range inbox {
			if m.To == repo || m.To == model.BroadcastTarget {
				repoMessages = append(repoMessages, m)
			}
		}

		var b strings.Builder
		writeSystemPrompt(&b, repo, repoConfig, state)
		b.WriteString("\n## Inbox Messages\n\n")
		writeInboxDigest(&b, repoMessages)
		b.WriteString("\n## Your Task\n\nReview the messages above and investigate in your codebase. When ready, respond with a message to the appropriate repo.\n")

		prompts = append(prompts, &Generated{
			Repo:          repo,
			RepoConfig:    repoConfig,
			Prompt:        b.String(),
			InboxMessages: repoMessages,
		})
	}
	return prompts, nil
}

// GenerateForRepo renders the prompt for one repo. Returns nil when the
// repo is not in the thread's pending set.
func GenerateForRepo(basePath, threadID, repo string) (*Generated, error) {
	prompts, err := GenerateAll(basePath, threadID)
	if err != nil {
		return nil, err
	}
	for _, p := range prompts {
		if p.Repo == repo {
			return p, nil
		}
	}
	return nil, nil
}

func writeSystemPrompt(b *strings.Builder, repo string, repoConfig registry.RepoConfig, state *model.ThreadState) {
	var otherRepos []string
	for _, r := range state.Repos {
		if r != repo {
			otherRepos = append(otherRepos, r)
		}
	}
	others := strings.Join(otherRepos, ", ")
	if others == "" {
		others = "none"
	}

	fmt.Fprintf(b, `# Council Session - %s

You are an AI assistant working on the **%s** codebase as part of a multi-repo debugging session.

## Thread Context
- **Thread ID:** %s
- **Title:** %s
- **Your repo:** %s
- **Other repos in session:** %s

## Your Codebase
- **Path:** %s
`, repo, repo, state.ID, state.Title, repo, others, repoConfig.Path)

	if len(repoConfig.TechHints) > 0 {
		fmt.Fprintf(b, "- **Technologies:** %s\n", strings.Join(repoConfig.TechHints, ", "))
	}
	if len(repoConfig.QuickCommands) > 0 {
		b.WriteString("- **Quick commands:**\n")
		for _, name := range sortedKeys(repoConfig.QuickCommands) {
			fmt.Fprintf(b, "  - `%s`: `%s`\n", name, repoConfig.QuickCommands[name])
		}
	}

	fmt.Fprintf(b, `
## Instructions

You are participating in a collaborative debugging session. Other AI assistants are working on other repos.

**Your role:**
1. Read incoming messages from other repos
2. Investigate issues in YOUR codebase (%s)
3. Respond with findings, hypotheses, or requests for more information

**Response format:**
When you have something to communicate, create a JSON message file in your outbox with this structure:

`+"```json"+`
{
  "to": "<target_repo or ALL>",
  "type": "<message_type>",
  "summary": "<one-line summary>",
  "content": "<detailed content>",
  "questions": ["optional array of questions"],
  "evidence": ["optional array of evidence/findings"]
}
`+"```"+`

**Message types:**
- `+"`answer`"+` - Direct response to a question
- `+"`hypothesis`"+` - Theory about what might be wrong
- `+"`request_evidence`"+` - Ask another repo for logs, traces, etc.
- `+"`repro`"+` - Steps to reproduce an issue
- `+"`patch_proposal`"+` - Proposed code fix
- `+"`decision`"+` - A decision point that needs consensus

`, repo)
}

func writeInboxDigest(b *strings.Builder, messages []model.Message) {
	if len(messages) == 0 {
		b.WriteString("No pending messages.\n")
		return
	}

	for i := range messages {
		msg := &messages[i]
		fmt.Fprintf(b, "### From: %s | Type: %s | %s\n\n", msg.From, msg.Type, clockTime(msg.Timestamp))
		fmt.Fprintf(b, "**Summary:** %s\n\n", msg.Summary)

		writeList(b, "Notes", msg.Notes)
		writeList(b, "Questions", msg.Questions)
		writeList(b, "Asks", msg.Asks)
		writeList(b, "Evidence", msg.EvidenceRefs)

		b.WriteString("---\n\n")
	}
}

func writeList(b *strings.Builder, heading string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "**%s:**\n", heading)
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
	b.WriteString("\n")
}

func clockTime(timestamp string) string {
	parsed, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return "??:??"
	}
	return parsed.UTC().Format("15:04")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
