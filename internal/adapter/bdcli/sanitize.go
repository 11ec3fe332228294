package bdcli

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/steveyegge/beadsboard/internal/errs"
)

var (
	// idPattern matches beads ids such as bd-a1b2c3 or proj.sub-12. A
	// leading hyphen would be read as a flag.
	idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

	// labelPattern allows the characters bd accepts in label names.
	labelPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:/+-]*$`)
)

const (
	maxIDLength    = 128
	maxLabelLength = 64
)

// SanitizeText strips control characters and collapses whitespace runs
// into single spaces. Newlines and tabs in multi-line fields are kept when
// multiline is true.
func SanitizeText(s string, multiline bool) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		switch {
		case multiline && (r == '\n' || r == '\t'):
			b.WriteRune(r)
			space = false
		case unicode.IsSpace(r):
			if !space {
				b.WriteByte(' ')
				space = true
			}
		case unicode.IsControl(r) || r == unicode.ReplacementChar:
		default:
			b.WriteRune(r)
			space = false
		}
	}
	return strings.TrimSpace(b.String())
}

// ValidateID rejects anything that is not a plain beads id.
func ValidateID(id string) error {
	if len(id) == 0 || len(id) > maxIDLength || !idPattern.MatchString(id) {
		return errs.Validation("id", "invalid item id %q", truncate(id, 40))
	}
	return nil
}

// ValidateLabel rejects labels bd would misparse.
func ValidateLabel(label string) error {
	if len(label) == 0 || len(label) > maxLabelLength || !labelPattern.MatchString(label) {
		return errs.Validation("label", "invalid label %q", truncate(label, 40))
	}
	return nil
}

// flag renders a --name=value argument. The value travels inside the same
// argv element, so it can never be taken for a separate flag.
func flag(name, value string) string {
	return "--" + name + "=" + value
}

func intFlag(name string, v int) string {
	return flag(name, strconv.Itoa(v))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
