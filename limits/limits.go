package limits

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultMaxConnecting is the default number of outbound connects in flight
	DefaultMaxConnecting = 4

	// MaxWordLength is the longest protocol word a handler may register
	MaxWordLength = 64

	// MaxHandshakeLine is the longest line accepted in an HTTP CONNECT reply
	MaxHandshakeLine = 8192

	// MaxHandshakeLines is the most header lines accepted in an HTTP CONNECT reply
	MaxHandshakeLines = 128

	// MaxResolveCycles bounds chained abstract address resolution
	MaxResolveCycles = 8

	// DefaultConnectTimeout bounds the raw TCP connect when callers pass zero
	DefaultConnectTimeout = 30 * time.Second

	// DefaultWordReadTimeout bounds how long a blocking front end waits for
	// the protocol word
	DefaultWordReadTimeout = 15 * time.Second
)

var (
	// ErrWordEmpty indicates an empty protocol word
	ErrWordEmpty = errors.New("empty protocol word")

	// ErrWordTooLong indicates a protocol word longer than MaxWordLength
	ErrWordTooLong = errors.New("protocol word too long")

	// ErrWordInvalid indicates a protocol word containing whitespace
	ErrWordInvalid = errors.New("protocol word contains whitespace")
)

// ValidateWord checks a protocol word before it is registered.
func ValidateWord(word string) error {
	if word == "" {
		return ErrWordEmpty
	}
	if len(word) > MaxWordLength {
		return fmt.Errorf("%w: length %d exceeds limit %d", ErrWordTooLong, len(word), MaxWordLength)
	}
	if strings.ContainsAny(word, " \t\r\n") {
		return fmt.Errorf("%w: %q", ErrWordInvalid, word)
	}
	return nil
}

// ConnectTimeout returns d, or DefaultConnectTimeout when d is not positive.
func ConnectTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultConnectTimeout
	}
	return d
}
