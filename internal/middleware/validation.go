package middleware

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// MaxMessageRunes bounds a web visitor message.
	MaxMessageRunes = 2000

	maxAnswerRunes = 16
	maxLabelRunes  = 64
)

// ValidateMessageContent validates message content.
func ValidateMessageContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return errors.New("content cannot be empty")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	if utf8.RuneCountInString(content) > MaxMessageRunes {
		return errors.New("content exceeds maximum length")
	}
	return nil
}

// SanitizeAnswer normalizes a challenge answer: surrounding space is dropped
// and only letters, digits and a leading minus sign survive.
func SanitizeAnswer(answer string) (string, error) {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return "", errors.New("answer cannot be empty")
	}
	if utf8.RuneCountInString(answer) > maxAnswerRunes {
		return "", errors.New("answer exceeds maximum length")
	}
	var b strings.Builder
	for i, r := range answer {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || (r == '-' && i == 0) {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "", errors.New("answer contains no usable characters")
	}
	return b.String(), nil
}

// SanitizeLabel trims a visitor supplied display name. Control characters
// are removed and long names are cut.
func SanitizeLabel(label string) string {
	label = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, strings.TrimSpace(label))
	if utf8.RuneCountInString(label) > maxLabelRunes {
		label = string([]rune(label)[:maxLabelRunes])
	}
	return label
}
