package domain

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

// ValidateQuery checks a parsed query before any provider is called.
func ValidateQuery(q Query) error {
	msg := strings.TrimSpace(q.Message)
	if msg == "" {
		return NewValidationError("message", q.Message, ErrEmptyQuery)
	}
	if utf8.RuneCountInString(msg) > MaxMessageRunes {
		return NewValidationError("message", truncate(msg, 32), ErrQueryTooLong)
	}
	if q.K < 1 {
		return NewValidationError("k", strconv.Itoa(q.K), ErrNonPositiveK)
	}
	return nil
}

// ValidateK rejects negative result counts. Zero is allowed and means "no results".
func ValidateK(k int) error {
	if k < 0 {
		return NewValidationError("k", strconv.Itoa(k), ErrNegativeK)
	}
	return nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}
