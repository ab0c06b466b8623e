package chat

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 16384
	MaxTextChars    = 4000
)

// ValidateMessage checks outbound message content before it is sent. The
// server applies its own rules; this only catches what would certainly be
// rejected.
func ValidateMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("message content cannot be empty")
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	return nil
}

// ValidateReaction checks an outbound reaction value.
func ValidateReaction(emoji string) error {
	if strings.TrimSpace(emoji) == "" {
		return fmt.Errorf("reaction cannot be empty")
	}
	if len(emoji) > 50 {
		return fmt.Errorf("reaction exceeds 50 byte limit")
	}
	return nil
}
