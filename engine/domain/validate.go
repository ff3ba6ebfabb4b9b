package domain

import (
	"errors"
	"strings"
	"unicode/utf8"
)

var (
	ErrQueryEmpty   = errors.New("query is empty")
	ErrQueryTooLong = errors.New("query too long")
)

// MaxQueryLen bounds a single user query in runes.
const MaxQueryLen = 4000

// ValidateQuery checks a raw user query before it enters the pipeline.
func ValidateQuery(q string) error {
	if strings.TrimSpace(q) == "" {
		return ErrQueryEmpty
	}
	if utf8.RuneCountInString(q) > MaxQueryLen {
		return ErrQueryTooLong
	}
	return nil
}
