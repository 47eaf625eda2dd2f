package invoker

import (
	"errors"
	"fmt"
	"strings"
)

// Validation errors. All of these are raised before a process is spawned.
var (
	// ErrPromptTooLong indicates the prompt exceeds the configured byte ceiling
	ErrPromptTooLong = errors.New("prompt too long")
	// ErrNullByte indicates the prompt contains a NUL byte
	ErrNullByte = errors.New("null byte detected")
	// ErrForbiddenChars indicates the prompt contains shell metacharacters
	ErrForbiddenChars = errors.New("forbidden characters")
	// ErrInvalidModelName indicates a model name outside the allowed pattern
	ErrInvalidModelName = errors.New("invalid model name")
)

// Runtime errors. These surface after a process has been spawned.
var (
	// ErrSpawnFailed indicates the process could not be started
	ErrSpawnFailed = errors.New("spawn failed")
	// ErrChunkTimeout indicates the process stalled between output chunks
	ErrChunkTimeout = errors.New("chunk timeout")
	// ErrOverallTimeout indicates the invocation exceeded its total deadline
	ErrOverallTimeout = errors.New("overall timeout")
	// ErrOutputTooLarge indicates the cumulative output exceeded its ceiling
	ErrOutputTooLarge = errors.New("output too large")
	// ErrProcessFailed indicates the process exited non-zero
	ErrProcessFailed = errors.New("process failed")
	// ErrCanceled indicates the invocation was canceled by its caller
	ErrCanceled = errors.New("invocation canceled")
)

// ForbiddenCharsError lists which forbidden characters matched. The list
// is for audit logging only and must never reach a client-facing message.
type ForbiddenCharsError struct {
	Chars []string
}

func (e *ForbiddenCharsError) Error() string {
	return fmt.Sprintf("forbidden characters: %s", strings.Join(e.Chars, " "))
}

// Is makes the typed error match ErrForbiddenChars.
func (e *ForbiddenCharsError) Is(target error) bool {
	return target == ErrForbiddenChars
}
