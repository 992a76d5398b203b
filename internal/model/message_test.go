package model

import (
	"regexp"
	"testing"
)

func validTestMessage() Message {
	return Message{
		ThreadID:  "th_20260828_123456_a1b2",
		MessageID: "msg_123456_c3d4",
		From:      "api",
		To:        "worker",
		Type:      TypeQuestion,
		Timestamp: "2026-08-28T12:34:56.789Z",
		Summary:   "why 500?",
	}
}

func TestMessage_Validate(t *testing.T) {
	m := validTestMessage()
	if err := m.Validate(); err != nil {
		t.Fatalf("valid message rejected: %v", err)
	}
}

func TestMessage_Validate_MissingFields(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Message)
	}{
		{"thread_id", func(m *Message) { m.ThreadID = "" }},
		{"message_id", func(m *Message) { m.MessageID = "" }},
		{"from", func(m *Message) { m.From = "" }},
		{"to", func(m *Message) { m.To = "" }},
		{"timestamp", func(m *Message) { m.Timestamp = "" }},
		{"summary", func(m *Message) { m.Summary = "" }},
		{"type", func(m *Message) { m.Type = "banter" }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			m := validTestMessage()
			c.mutate(&m)
			if err := m.Validate(); err == nil {
				t.Errorf("expected validation error for missing %s", c.name)
			}
		})
	}
}

func TestCompactTimestamp(t *testing.T) {
	got := CompactTimestamp("2026-08-28T12:34:56.789Z")
	if len(got) != 15 {
		t.Errorf("expected 15 chars, got %d (%q)", len(got), got)
	}
	if got != "2026-08-28T1234" {
		t.Errorf("CompactTimestamp = %q, want %q", got, "2026-08-28T1234")
	}
}

func TestMessageFilename(t *testing.T) {
	m := validTestMessage()
	got := MessageFilename(&m)
	want := "2026-08-28T1234_api_to_worker.json"
	if got != want {
		t.Errorf("MessageFilename = %q, want %q", got, want)
	}
}

func TestNow_Format(t *testing.T) {
	ts := Now()
	iso := regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3}Z$`)
	if !iso.MatchString(ts) {
		t.Errorf("Now() = %q, not ISO-8601 with milliseconds", ts)
	}
}
