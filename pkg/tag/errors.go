// ABOUTME: Error taxonomy for tag operations
// ABOUTME: Sentinel errors plus typed errors carrying the offending input or violations

package tag

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidExpression marks a malformed criterion or attribute filter
	ErrInvalidExpression = errors.New("invalid expression")

	// ErrNotFound is returned when no live tag has the requested name
	ErrNotFound = errors.New("tag not found")

	// ErrAlreadyExists is returned when a clone target name is already live
	ErrAlreadyExists = errors.New("tag already exists")

	// ErrValidationFailed marks a definition that failed structural checks
	ErrValidationFailed = errors.New("invalid tag")
)

// ExpressionError echoes the input that could not be parsed
type ExpressionError struct {
	Kind  string // "component criterion" or "attribute key value pair"
	Input string
}

func (e *ExpressionError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Kind, e.Input)
}

func (e *ExpressionError) Is(target error) bool {
	return target == ErrInvalidExpression
}

// Violation is one failed constraint on a submitted definition
type Violation struct {
	Field   string
	Message string
}

// ValidationError aggregates every violation found in a definition
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.Field+": "+v.Message)
	}
	return ErrValidationFailed.Error() + ": " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}
