// Package model defines the data structures for council threads, messages,
// and session state shared across the engine packages.
package model

import (
	"fmt"
	"strings"
	"time"
)

const (
	// BroadcastTarget addresses every participant except the sender.
	BroadcastTarget = "ALL"
	// HumanSender is the sentinel sender for operator-injected messages.
	HumanSender = "HUMAN"
)

// MessageType classifies a message's intent.
type MessageType string

const (
	TypeQuestion         MessageType = "question"
	TypeAnswer           MessageType = "answer"
	TypeRequestEvidence  MessageType = "request_evidence"
	TypeHypothesis       MessageType = "hypothesis"
	TypeRepro            MessageType = "repro"
	TypePatchProposal    MessageType = "patch_proposal"
	TypeDecision         MessageType = "decision"
	TypeResolution       MessageType = "resolution"
	TypeContextInjection MessageType = "context_injection"
)

var validMessageTypes = map[MessageType]bool{
	TypeQuestion:         true,
	TypeAnswer:           true,
	TypeRequestEvidence:  true,
	TypeHypothesis:       true,
	TypeRepro:            true,
	TypePatchProposal:    true,
	TypeDecision:         true,
	TypeResolution:       true,
	TypeContextInjection: true,
}

// ValidMessageType reports whether t is a known message type.
func ValidMessageType(t MessageType) bool {
	return validMessageTypes[t]
}

// MessageContext carries optional environment hints attached to a message.
type MessageContext struct {
	Env        string `json:"env,omitempty"`
	TimeWindow string `json:"time_window,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	Commit     string `json:"commit,omitempty"`
}

// FixProposal is a structured patch suggestion.
type FixProposal struct {
	File   string `json:"file"`
	Change string `json:"change"`
}

// Message is one unit of communication between repos in a thread.
// Messages are immutable once written to disk.
type Message struct {
	ThreadID     string          `json:"thread_id"`
	MessageID    string          `json:"message_id"`
	From         string          `json:"from"`
	To           string          `json:"to"`
	Type         MessageType     `json:"type"`
	Timestamp    string          `json:"timestamp"`
	Summary      string          `json:"summary"`
	Context      *MessageContext `json:"context,omitempty"`
	EvidenceRefs []string        `json:"evidence_refs,omitempty"`
	Questions    []string        `json:"questions,omitempty"`
	Asks         []string        `json:"asks,omitempty"`
	Notes        []string        `json:"notes,omitempty"`
	Suspects     []string        `json:"suspects,omitempty"`
	FixProposal  *FixProposal    `json:"fix_proposal,omitempty"`
}

// Validate checks that all required fields are present and well-formed.
// A message is either fully valid or rejected; there is no partial parse.
func (m *Message) Validate() error {
	if m.ThreadID == "" {
		return fmt.Errorf("thread_id is required")
	}
	if m.MessageID == "" {
		return fmt.Errorf("message_id is required")
	}
	if m.From == "" {
		return fmt.Errorf("from is required")
	}
	if m.To == "" {
		return fmt.Errorf("to is required")
	}
	if !ValidMessageType(m.Type) {
		return fmt.Errorf("unknown message type: %q", m.Type)
	}
	if m.Timestamp == "" {
		return fmt.Errorf("timestamp is required")
	}
	if m.Summary == "" {
		return fmt.Errorf("summary is required")
	}
	return nil
}

// Now returns the current time as an ISO-8601 UTC string with
// millisecond precision. This string is the engine's only ordering key.
func Now() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}

// CompactTimestamp strips ':' and '.' from an ISO-8601 timestamp and
// truncates to 15 characters, e.g. "2026-08-28T12:34:56.789Z" →
// "2026-08-28T1234". The result names message files and doubles as the
// fallback search key during delivery.
func CompactTimestamp(ts string) string {
	s := strings.NewReplacer(":", "", ".", "").Replace(ts)
	if len(s) > 15 {
		s = s[:15]
	}
	return s
}

// MessageFilename derives the deterministic on-disk name for a message:
// <timestamp-compact>_<from>_to_<to>.json
func MessageFilename(m *Message) string {
	return fmt.Sprintf("%s_%s_to_%s.json", CompactTimestamp(m.Timestamp), m.From, m.To)
}
