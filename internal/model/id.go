package model

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"time"
)

var (
	threadIDRegex  = regexp.MustCompile(`^th_[0-9]{8}_[0-9]{6}_[0-9a-z]{4}$`)
	messageIDRegex = regexp.MustCompile(`^msg_[0-9]{6}_[0-9a-z]{4}$`)
)

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

func randomSuffix(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate random bytes: %w", err)
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = base36[int(b)%len(base36)]
	}
	return string(out), nil
}

// GenerateThreadID returns a time-derived unique thread ID:
// th_YYYYMMDD_HHMMSS_xxxx
func GenerateThreadID() (string, error) {
	suffix, err := randomSuffix(4)
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	return fmt.Sprintf("th_%s_%s_%s", now.Format("20060102"), now.Format("150405"), suffix), nil
}

// GenerateMessageID returns a message ID unique within a thread:
// msg_HHMMSS_xxxx
func GenerateMessageID() (string, error) {
	suffix, err := randomSuffix(4)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("msg_%s_%s", time.Now().UTC().Format("150405"), suffix), nil
}

// ValidateThreadID reports whether id matches the thread ID format.
func ValidateThreadID(id string) bool {
	return threadIDRegex.MatchString(id)
}

// ValidateMessageID reports whether id matches the message ID format.
func ValidateMessageID(id string) bool {
	return messageIDRegex.MatchString(id)
}
