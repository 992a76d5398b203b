// Package mailbox implements the per-thread inbox/outbox directory pair.
// Delivery is a file rename from outbox/ to inbox/; the rename is the
// delivery.
package mailbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/0xultravioleta/council/internal/model"
	"github.com/0xultravioleta/council/internal/workspace"
)

// ErrUndeliverable is returned when neither the derived filename nor the
// fallback scan can locate a message's file in the outbox. The message is
// lost for this tick; the caller logs and moves on.
var ErrUndeliverable = errors.New("message file not found in outbox")

// WriteOutbox serializes a message into the thread's outbox under its
// deterministic filename and returns the written path.
func WriteOutbox(basePath, threadID string, msg *model.Message) (string, error) {
	paths := workspace.ForThread(basePath, threadID)
	return writeMessage(paths.Outbox, msg)
}

// WriteInbox serializes a message directly into the thread's inbox,
// bypassing delivery. Used for operator context injections.
func WriteInbox(basePath, threadID string, msg *model.Message) (string, error) {
	paths := workspace.ForThread(basePath, threadID)
	return writeMessage(paths.Inbox, msg)
}

func writeMessage(dir string, msg *model.Message) (string, error) {
	if err := msg.Validate(); err != nil {
		return "", fmt.Errorf("invalid message: %w", err)
	}
	// Reads stay lenient for agent-written files; our own writers carry
	// well-formed IDs.
	if !model.ValidateThreadID(msg.ThreadID) {
		return "", fmt.Errorf("invalid message: malformed thread ID %q", msg.ThreadID)
	}
	if !model.ValidateMessageID(msg.MessageID) {
		return "", fmt.Errorf("invalid message: malformed message ID %q", msg.MessageID)
	}
	data, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}
	path := filepath.Join(dir, model.MessageFilename(msg))
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return "", fmt.Errorf("write message file: %w", err)
	}
	return path, nil
}

// ReadMessages parses every *.json file in dir, skipping files that fail
// schema validation, and returns the survivors sorted by timestamp
// ascending. This sort is the sole ordering guarantee in the system.
func ReadMessages(dir string) ([]model.Message, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read mailbox dir: %w", err)
	}

	var messages []model.Message
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		var msg model.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			// Possibly a write in progress; the file stays for a later pass.
			continue
		}
		if err := msg.Validate(); err != nil {
			continue
		}
		messages = append(messages, msg)
	}

	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Timestamp < messages[j].Timestamp
	})
	return messages, nil
}

// ReadInbox returns the delivered messages of a thread, oldest first.
func ReadInbox(basePath, threadID string) ([]model.Message, error) {
	paths := workspace.ForThread(basePath, threadID)
	return ReadMessages(paths.Inbox)
}

// ReadOutbox returns the undelivered messages of a thread, oldest first.
func ReadOutbox(basePath, threadID string) ([]model.Message, error) {
	paths := workspace.ForThread(basePath, threadID)
	return ReadMessages(paths.Outbox)
}

// Deliver moves a message's file from outbox/ to inbox/. The expected
// filename is re-derived from the message; if the file is not there
// (clock or naming skew), a linear scan matches on message id or on the
// (sender, recipient) pair and moves the first hit.
func Deliver(basePath, threadID string, msg *model.Message) error {
	paths := workspace.ForThread(basePath, threadID)
	filename := model.MessageFilename(msg)

	src := filepath.Join(paths.Outbox, filename)
	dst := filepath.Join(paths.Inbox, filename)
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	entries, err := os.ReadDir(paths.Outbox)
	if err != nil {
		return fmt.Errorf("scan outbox: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if strings.Contains(name, msg.MessageID) ||
			(strings.Contains(name, msg.From) && strings.Contains(name, msg.To)) {
			if err := os.Rename(filepath.Join(paths.Outbox, name), filepath.Join(paths.Inbox, name)); err != nil {
				return fmt.Errorf("deliver %s: %w", name, err)
			}
			return nil
		}
	}

	return fmt.Errorf("deliver %s from %s: %w", msg.MessageID, msg.From, ErrUndeliverable)
}

// ClearInboxFor removes delivered inbox files addressed to repo or to the
// broadcast target, returning how many were removed. Called after a repo's
// agent has consumed its prompt.
func ClearInboxFor(basePath, threadID, repo string) (int, error) {
	paths := workspace.ForThread(basePath, threadID)
	entries, err := os.ReadDir(paths.Inbox)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read inbox: %w", err)
	}

	cleared := 0
	for _, entry := range entries {
		name := entry.Name()
		if strings.Contains(name, "_to_"+repo+".json") ||
			strings.Contains(name, "_to_"+model.BroadcastTarget+".json") {
			if err := os.Remove(filepath.Join(paths.Inbox, name)); err != nil {
				return cleared, fmt.Errorf("remove %s: %w", name, err)
			}
			cleared++
		}
	}
	return cleared, nil
}
