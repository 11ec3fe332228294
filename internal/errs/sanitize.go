package errs

import (
	"regexp"
	"strings"
)

var (
	pathPattern  = regexp.MustCompile(`(?:[A-Za-z]:|~)?(?:[\\/][^\s\\/:"'()]+){2,}[\\/]?`)
	framePattern = regexp.MustCompile(`^[\w./\-]+\.[\w$*()]+\(.*\)$`)
	goFileLine   = regexp.MustCompile(`\.go:\d+`)
)

// PathPlaceholder replaces filesystem paths in sanitized messages.
const PathPlaceholder = "<path>"

// Sanitize strips stack traces and filesystem paths from a message so it
// can be shown in the UI process.
func Sanitize(msg string) string {
	lines := strings.Split(msg, "\n")
	kept := lines[:0]
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			continue
		case strings.HasPrefix(trimmed, "goroutine "),
			strings.HasPrefix(trimmed, "at "),
			goFileLine.MatchString(trimmed),
			framePattern.MatchString(trimmed):
			continue
		}
		kept = append(kept, pathPattern.ReplaceAllString(trimmed, PathPlaceholder))
	}
	return strings.Join(kept, " ")
}

// Message returns the sanitized text of err, or "" for nil.
func Message(err error) string {
	if err == nil {
		return ""
	}
	return Sanitize(err.Error())
}
