package protocol

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformedLine is returned for a line that is not a JSON object.
	ErrMalformedLine = errors.New("malformed line")
	// ErrMissingType is returned for an object without a string "type" field.
	ErrMissingType = errors.New("missing type discriminator")
	// ErrDuplicateID is wrapped by a ValidationError when a batch repeats an id.
	ErrDuplicateID = errors.New("duplicate target id")
)

// ValidationError reports why a targets_update batch was rejected.
type ValidationError struct {
	Index   int      // offending record, -1 when the envelope itself is bad
	Missing []string // required fields not present
	Record  string   // raw record, for the log line
	Err     error    // decode failure, if any
}

func (e *ValidationError) Error() string {
	if e.Index < 0 {
		if e.Err != nil {
			return fmt.Sprintf("invalid targets_update: %v", e.Err)
		}
		return "invalid targets_update: missing targets field"
	}
	if len(e.Missing) > 0 {
		return fmt.Sprintf("target[%d] missing required fields: %s", e.Index, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("target[%d] invalid: %v", e.Index, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }
