package model

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrInvalidInput marks caller errors: missing IP, malformed IP, empty traffic
// sample. Such requests are rejected before any state is touched.
var ErrInvalidInput = errors.New("invalid input")

// Invalidf wraps ErrInvalidInput with a formatted detail message.
func Invalidf(format string, args ...interface{}) error {
	return errors.Wrap(ErrInvalidInput, fmt.Sprintf(format, args...))
}

// IsInvalidInput reports whether err was produced by Invalidf.
func IsInvalidInput(err error) bool {
	return errors.Cause(err) == ErrInvalidInput
}
