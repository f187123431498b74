package chat

import (
	"fmt"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count
)

// ValidateContent checks that trimmed message content meets size and encoding
// requirements. Emptiness is checked separately by the pipeline so it can
// report ErrEmptyMessage distinctly.
func ValidateContent(text string) error {
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("%w: over %d bytes", ErrMessageTooLong, MaxMessageBytes)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("%w: over %d characters", ErrMessageTooLong, MaxTextChars)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("chat: message contains invalid UTF-8")
	}
	return nil
}
