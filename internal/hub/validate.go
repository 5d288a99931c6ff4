package hub

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count
)

// ErrEmptyMessage is returned for a message without content.
var ErrEmptyMessage = errors.New("message text is empty")

// ValidateContent checks that chat message content meets length and encoding
// requirements before it is persisted.
func ValidateContent(text string) error {
	if len(text) == 0 {
		return ErrEmptyMessage
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
