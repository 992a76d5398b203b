package thread

import (
	"strings"
	"testing"

	"github.com/0xultravioleta/council/internal/model"
)

func transcriptMessage(from, to string, typ model.MessageType) *model.Message {
	return &model.Message{
		ThreadID:  "th_20260828_123456_a1b2",
		MessageID: "msg_123456_c3d4",
		From:      from,
		To:        to,
		Type:      typ,
		Timestamp: "2026-08-28T12:34:56.789Z",
		Summary:   "nonce mismatch on retry",
	}
}

func TestFormatTranscriptEntry(t *testing.T) {
	entry := FormatTranscriptEntry(transcriptMessage("api", "worker", model.TypeHypothesis))
	want := "[12:34:56] api -> worker: nonce mismatch on retry (hypothesis)\n"
	if entry != want {
		t.Errorf("entry = %q, want %q", entry, want)
	}
}

func TestFormatTranscriptEntry_QuestionHasNoTypeSuffix(t *testing.T) {
	entry := FormatTranscriptEntry(transcriptMessage("api", "worker", model.TypeQuestion))
	if strings.Contains(entry, "(question)") {
		t.Errorf("question entries must not carry a type suffix: %q", entry)
	}
}

func TestFormatTranscriptEntry_HumanArrow(t *testing.T) {
	entry := FormatTranscriptEntry(transcriptMessage(model.HumanSender, "ALL", model.TypeContextInjection))
	if !strings.Contains(entry, "HUMAN >>> ALL") {
		t.Errorf("expected >>> arrow for HUMAN sender: %q", entry)
	}
	if strings.Contains(entry, "(context_injection)") {
		t.Errorf("context_injection entries must not carry a type suffix: %q", entry)
	}
}

func TestFormatTranscriptEntry_BadTimestamp(t *testing.T) {
	msg := transcriptMessage("api", "worker", model.TypeAnswer)
	msg.Timestamp = "not-a-time"
	entry := FormatTranscriptEntry(msg)
	if !strings.HasPrefix(entry, "[??:??:??]") {
		t.Errorf("expected placeholder clock for bad timestamp: %q", entry)
	}
}

func TestAppendToTranscript_Order(t *testing.T) {
	base := t.TempDir()
	state, _, err := Create(base, CreateOptions{Title: "x", Repos: []string{"api", "worker"}})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	first := transcriptMessage("api", "worker", model.TypeQuestion)
	second := transcriptMessage("worker", "api", model.TypeAnswer)
	second.Summary = "checked the logs"

	if err := AppendToTranscript(base, state.ID, first); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := AppendToTranscript(base, state.ID, second); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	content, err := ReadTranscript(base, state.ID)
	if err != nil {
		t.Fatalf("ReadTranscript failed: %v", err)
	}
	i := strings.Index(content, "nonce mismatch")
	j := strings.Index(content, "checked the logs")
	if i < 0 || j < 0 || i > j {
		t.Errorf("transcript lines out of order:\n%s", content)
	}
}

func TestReadTranscript_Missing(t *testing.T) {
	content, err := ReadTranscript(t.TempDir(), "th_20260828_000000_zzzz")
	if err != nil {
		t.Fatalf("ReadTranscript failed: %v", err)
	}
	if content != "" {
		t.Errorf("expected empty transcript, got %q", content)
	}
}
