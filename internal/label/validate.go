package label

import (
	"fmt"
	"regexp"
	"strings"
)

var fieldTokenRe = regexp.MustCompile(`\^F[DVS]|\^X[AZ]`)

// Validate rejects programs that must not reach the bridge: empty ones,
// ones cut off before their end marker, and ones whose labels or fields are
// not properly closed.
func Validate(code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return ErrEmptyProgram
	}
	if !strings.HasPrefix(code, labelStart) {
		return fmt.Errorf("%w: missing %s", ErrTruncatedProgram, labelStart)
	}
	if !strings.HasSuffix(code, labelEnd) {
		return fmt.Errorf("%w: missing trailing %s", ErrTruncatedProgram, labelEnd)
	}

	inLabel := false
	inField := false
	for _, loc := range fieldTokenRe.FindAllStringIndex(code, -1) {
		switch code[loc[0]:loc[1]] {
		case "^XA":
			if inLabel {
				return fmt.Errorf("%w: %s at offset %d inside open label", ErrUnbalancedProgram, labelStart, loc[0])
			}
			inLabel = true
		case "^XZ":
			if !inLabel {
				return fmt.Errorf("%w: %s at offset %d without %s", ErrUnbalancedProgram, labelEnd, loc[0], labelStart)
			}
			if inField {
				return fmt.Errorf("%w: unterminated field before offset %d", ErrTruncatedProgram, loc[0])
			}
			inLabel = false
		case "^FD", "^FV":
			if inField {
				return fmt.Errorf("%w: unterminated field before offset %d", ErrTruncatedProgram, loc[0])
			}
			inField = true
		case "^FS":
			inField = false
		}
	}
	return nil
}
