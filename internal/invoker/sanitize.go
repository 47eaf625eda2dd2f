package invoker

import (
	"regexp"
	"strings"
	"unicode"
)

// forbiddenChars is the shell metacharacter class rejected in prompts.
// Arguments are never passed through a shell, so rejecting these is a
// redundant layer, but a prompt carrying them has no legitimate use here.
const forbiddenChars = ";&|`$(){}[]<>\\"

const maxModelNameLen = 100

var modelNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// SanitizePrompt validates and cleans a prompt for subprocess invocation.
// Checks run in a fixed order: byte-length ceiling, NUL bytes, forbidden
// characters, then control-character stripping. The function is total and
// idempotent: sanitizing an already-clean prompt returns it unchanged.
func SanitizePrompt(text string, maxBytes int) (string, error) {
	if len(text) > maxBytes {
		return "", ErrPromptTooLong
	}
	if strings.IndexByte(text, 0) >= 0 {
		return "", ErrNullByte
	}
	if matched := matchForbidden(text); len(matched) > 0 {
		return "", &ForbiddenCharsError{Chars: matched}
	}
	return stripControl(text), nil
}

// ValidateModel validates a model-name override. Empty means "use the
// default" and is valid as-is.
func ValidateModel(name string) (string, error) {
	if name == "" {
		return "", nil
	}
	if len(name) > maxModelNameLen || !modelNamePattern.MatchString(name) {
		return "", ErrInvalidModelName
	}
	return name, nil
}

// matchForbidden returns the distinct forbidden characters present in
// text, in order of first appearance.
func matchForbidden(text string) []string {
	var matched []string
	seen := make(map[rune]bool)
	for _, r := range text {
		if strings.ContainsRune(forbiddenChars, r) && !seen[r] {
			seen[r] = true
			matched = append(matched, string(r))
		}
	}
	return matched
}

// stripControl removes non-printable control characters, keeping tab,
// newline and carriage return.
func stripControl(text string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\t', '\n', '\r':
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, text)
}

// escapeArg is a defensive second layer applied to every user-derived
// argument. The argument vector is passed to the OS directly, so there is
// no shell to interpret metacharacters, but a clean prompt must already
// have none; any that appear here are dropped rather than forwarded.
func escapeArg(arg string) string {
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(forbiddenChars, r) {
			return -1
		}
		return r
	}, arg)
}
