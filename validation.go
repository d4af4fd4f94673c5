package billfold

import (
	"fmt"
	"sort"
	"strings"
)

// ValidationError collects per-field complaints about an event payload. It is
// reported before any write; the caller can correct the input and retry.
type ValidationError struct {
	Fields map[string][]string
}

// NewValidationError returns an empty validation error.
func NewValidationError() *ValidationError {
	return &ValidationError{Fields: map[string][]string{}}
}

// Add records a complaint about field.
func (e *ValidationError) Add(field, desc string) *ValidationError {
	e.Fields[field] = append(e.Fields[field], desc)
	return e
}

// Err returns nil if no complaints were recorded, otherwise the error itself.
// This avoids accidentally returning a typed nil as a non-nil error.
func (e *ValidationError) Err() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	fields := make([]string, 0, len(e.Fields))
	for field := range e.Fields {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var b strings.Builder
	b.WriteString("invalid payload: ")
	for i, field := range fields {
		if i > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s: %s", field, strings.Join(e.Fields[field], ", "))
	}
	return b.String()
}
