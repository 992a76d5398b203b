package thread

import (
	"fmt"
	"os"
	"time"

	"github.com/0xultravioleta/council/internal/model"
	"github.com/0xultravioleta/council/internal/workspace"
)

// FormatTranscriptEntry renders one transcript line for a message:
// [HH:MM:SS] from -> to: summary (type)
// HUMAN senders get the >>> arrow; the type suffix is omitted for
// question and context_injection.
func FormatTranscriptEntry(msg *model.Message) string {
	clock := "??:??:??"
	if t, err := time.Parse(time.RFC3339, msg.Timestamp); err == nil {
		clock = t.UTC().Format("15:04:05")
	}

	arrow := "->"
	if msg.From == model.HumanSender {
		arrow = ">>>"
	}

	entry := fmt.Sprintf("[%s] %s %s %s: %s", clock, msg.From, arrow, msg.To, msg.Summary)
	if msg.Type != model.TypeQuestion && msg.Type != model.TypeContextInjection {
		entry += fmt.Sprintf(" (%s)", msg.Type)
	}
	return entry + "\n"
}

// AppendToTranscript appends one formatted message line to the thread's
// transcript. The transcript is the authoritative human-audited ordering
// record; lines must be appended in drain order.
func AppendToTranscript(basePath, threadID string, msg *model.Message) error {
	return AppendRaw(basePath, threadID, FormatTranscriptEntry(msg))
}

// AppendRaw appends arbitrary text to the transcript.
func AppendRaw(basePath, threadID, text string) error {
	paths := workspace.ForThread(basePath, threadID)
	f, err := os.OpenFile(paths.Transcript, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(text); err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}
	return nil
}

// ReadTranscript returns the transcript's full content, or "" when absent.
func ReadTranscript(basePath, threadID string) (string, error) {
	paths := workspace.ForThread(basePath, threadID)
	data, err := os.ReadFile(paths.Transcript)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read transcript: %w", err)
	}
	return string(data), nil
}
