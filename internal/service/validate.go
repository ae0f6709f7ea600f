package service

import (
	"errors"
	"unicode/utf8"

	"github.com/teamly-hr/chatstream/internal/model"
)

const maxContentLength = 100000 // ~100KB

// ValidateContent validates an outbound message body. Media kinds carry an
// opaque reference rather than text, so only presence is checked.
func ValidateContent(content string, kind model.MessageKind) error {
	if len(content) == 0 {
		return errors.New("content cannot be empty")
	}
	if kind != model.KindText && kind != "" {
		return nil
	}
	if len(content) > maxContentLength {
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}
