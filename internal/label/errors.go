package label

import "errors"

// Validation errors. They are raised before a job is queued and are never
// retried.
var (
	ErrEmptyTemplate      = errors.New("template body is empty")
	ErrMissingField       = errors.New("required field is missing")
	ErrEmptyProduct       = errors.New("product has no printable fields")
	ErrEmptyProgram       = errors.New("device program is empty")
	ErrTruncatedProgram   = errors.New("device program is truncated")
	ErrUnbalancedProgram  = errors.New("device program has unbalanced start/end markers")
	ErrUnsupportedElement = errors.New("unsupported element type")
)
