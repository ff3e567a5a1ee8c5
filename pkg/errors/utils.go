package errors

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
)

// Helper to check if an error is of our Error type
func IsCoded(err error) bool {
	var e *Error
	return stderrors.As(err, &e)
}

// Helper to extract context from our errors
func GetContext(err error) map[string]string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Context
	}
	return nil
}

// Helper to get error code
func GetCode(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code.String()
	}
	return ""
}

// FormatError renders an error for logging. Context keys are sorted so the
// output is stable.
func FormatError(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if !stderrors.As(err, &e) {
		return err.Error()
	}

	var parts []string
	parts = append(parts, fmt.Sprintf("Code: %s", e.Code))
	parts = append(parts, fmt.Sprintf("Message: %s", e.Message))

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts = append(parts, "Context:")
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("  %s: %v", k, e.Context[k]))
		}
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause: %v", e.Cause))
	}

	return strings.Join(parts, "\n")
}

// AsError converts any error to the coded format:
//   - InternalError types are transformed using their Transform() method
//   - existing *Error values are returned as-is
//   - anything else is wrapped in a generic internal error
//
//	if err := someOperation(); err != nil {
//	    return AsError(err).AddContext("operation", "someOperation")
//	}
func AsError(err error) *Error {
	if err == nil {
		return nil
	}

	if ie, ok := err.(InternalError); ok {
		return ie.Transform()
	}

	if e, ok := err.(*Error); ok {
		return e
	}

	return New(CommonInternal, err.Error(), err)
}
