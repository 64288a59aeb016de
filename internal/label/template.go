package label

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	labelStart = "^XA"
	labelEnd   = "^XZ"
)

// Template is a ZPL body with {{NAME}} placeholders. Templates are supplied
// by the template store and are never modified while rendering.
type Template struct {
	ID             int64    `json:"id"`
	Name           string   `json:"name"`
	Body           string   `json:"body"`
	IsDefault      bool     `json:"is_default"`
	RequiredFields []string `json:"required_fields,omitempty"`
}

var (
	placeholderRe = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)
	markerRe      = regexp.MustCompile(`\^X[AZ]`)
	quantityRe    = regexp.MustCompile(`\^PQ[^\^~]*`)
)

// Render substitutes variables into the template body. Placeholders without a
// value render as the empty string. The result always opens with ^XA and
// closes with ^XZ.
func Render(t Template, vars map[string]string) (string, error) {
	body := strings.TrimSpace(t.Body)
	if body == "" {
		if t.Name != "" {
			return "", fmt.Errorf("%w: %s", ErrEmptyTemplate, t.Name)
		}
		return "", ErrEmptyTemplate
	}

	out := placeholderRe.ReplaceAllStringFunc(body, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		return sanitizeFieldData(vars[name])
	})
	return balance(out), nil
}

// CheckRequired reports every required field that is absent or blank.
func CheckRequired(t Template, vars map[string]string) error {
	var errs []error
	for _, name := range t.RequiredFields {
		if strings.TrimSpace(vars[name]) == "" {
			errs = append(errs, fmt.Errorf("%w: %s", ErrMissingField, name))
		}
	}
	return errors.Join(errs...)
}

// Placeholders lists the distinct placeholder names in body, in order of first
// appearance.
func Placeholders(body string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, m := range placeholderRe.FindAllStringSubmatch(body, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

// WithQuantity sets the print quantity of every label in code, replacing any
// ^PQ directive already present.
func WithQuantity(code string, qty int) string {
	if qty < 1 {
		qty = 1
	}
	code = quantityRe.ReplaceAllString(code, "")
	return strings.ReplaceAll(code, labelEnd, "^PQ"+strconv.Itoa(qty)+labelEnd)
}

// sanitizeFieldData drops the ZPL command prefixes so a substituted value can
// only ever be field data.
func sanitizeFieldData(s string) string {
	if !strings.ContainsAny(s, "^~") {
		return s
	}
	return strings.Map(func(r rune) rune {
		if r == '^' || r == '~' {
			return -1
		}
		return r
	}, s)
}

// balance pairs every ^XA with a ^XZ, opening or closing labels where the
// body leaves them dangling.
func balance(code string) string {
	var sb strings.Builder
	sb.Grow(len(code) + 2*len(labelStart))

	open := false
	prev := 0
	for _, loc := range markerRe.FindAllStringIndex(code, -1) {
		seg := code[prev:loc[0]]
		if !open && strings.TrimSpace(seg) != "" {
			sb.WriteString(labelStart)
			open = true
		}
		sb.WriteString(seg)

		if code[loc[0]:loc[1]] == labelStart {
			if open {
				sb.WriteString(labelEnd)
			}
			sb.WriteString(labelStart)
			open = true
		} else {
			if !open {
				sb.WriteString(labelStart)
			}
			sb.WriteString(labelEnd)
			open = false
		}
		prev = loc[1]
	}

	tail := code[prev:]
	if !open && strings.TrimSpace(tail) != "" {
		sb.WriteString(labelStart)
		open = true
	}
	sb.WriteString(tail)
	if open {
		sb.WriteString(labelEnd)
	}
	return sb.String()
}
