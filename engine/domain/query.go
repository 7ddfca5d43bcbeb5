package domain

import (
	"strconv"
	"strings"
)

// ParseQuery splits an optional trailing result count off raw user text.
//
// "rpg games 5" yields Message "rpg games" and K 5; text without a trailing
// count keeps the whole (trimmed) text and DefaultK. Only unsigned decimal
// literals of at least 1 qualify, so "top -3 rpgs" or "racing 0" are left
// untouched. Input that is empty, or that holds nothing but a count, is
// rejected with ErrInvalidArgument.
func ParseQuery(raw string) (Query, error) {
	q := ParseQueryLenient(raw)
	if strings.TrimSpace(raw) == "" {
		return Query{}, NewValidationError("message", raw, ErrEmptyQuery)
	}
	if q.Message == "" {
		return Query{}, NewValidationError("message", raw, ErrBareCount)
	}
	return q, nil
}

// ParseQueryLenient applies the same extraction as ParseQuery but never fails:
// a bare count produces an empty Message.
func ParseQueryLenient(raw string) Query {
	tokens := strings.Fields(raw)
	if len(tokens) == 0 {
		return Query{K: DefaultK}
	}
	if k, ok := parseCount(tokens[len(tokens)-1]); ok {
		return Query{
			Message:  strings.Join(tokens[:len(tokens)-1], " "),
			K:        k,
			Explicit: true,
		}
	}
	return Query{Message: strings.TrimSpace(raw), K: DefaultK}
}

// parseCount accepts digits only; signs, zero and overflowing values are not counts.
func parseCount(tok string) (int, bool) {
	if tok == "" {
		return 0, false
	}
	for i := 0; i < len(tok); i++ {
		if tok[i] < '0' || tok[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(tok)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}
