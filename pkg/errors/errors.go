package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"time"
)

// Error - simplified structure
type Error struct {
	Code      Code
	Message   string
	Cause     error
	Context   map[string]string
	Stack     []Frame
	Timestamp time.Time
}

// Frame represents a stack frame
type Frame struct {
	Function string
	File     string
	Line     int
}

// InternalError is implemented by package-local error types that know how to
// present themselves as an *Error.
type InternalError interface {
	error
	Transform() *Error
}

// New creates an error with a compulsory code. cause may be nil.
func New(code Code, message string, cause error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
		Stack:     captureStackTrace(),
	}
}

func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...), nil)
}

func Wrap(code Code, err error, message string) *Error {
	return New(code, message, err)
}

func Wrapf(code Code, err error, format string, args ...interface{}) *Error {
	return Wrap(code, err, fmt.Sprintf(format, args...))
}

// WithAdditional returns *Error directly
func WithAdditional(cause error, format string, args ...interface{}) *Error {
	if cause == nil {
		return nil
	}
	if coded, ok := cause.(*Error); ok {
		newErr := &Error{
			Code:      coded.Code,
			Message:   coded.Message,
			Cause:     coded.Cause,
			Context:   make(map[string]string, len(coded.Context)+1),
			Stack:     coded.Stack,
			Timestamp: coded.Timestamp,
		}
		for k, v := range coded.Context {
			newErr.Context[k] = v
		}

		nextIndex := 0
		for {
			if _, exists := newErr.Context[fmt.Sprintf("additional_%d", nextIndex)]; !exists {
				break
			}
			nextIndex++
		}
		newErr.Context[fmt.Sprintf("additional_%d", nextIndex)] = fmt.Sprintf(format, args...)
		return newErr
	}

	newErr := Wrap(CommonInternal, cause, fmt.Sprintf(format, args...))
	newErr.AddContext("additional_0", fmt.Sprintf(format, args...))
	return newErr
}

// Methods on *Error for chaining - only essential ones
func (e *Error) AddContext(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// AddContextf is AddContext with a formatted value.
func (e *Error) AddContextf(key, format string, args ...interface{}) *Error {
	return e.AddContext(key, fmt.Sprintf(format, args...))
}

func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// Error methods
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is lets the standard library match two *Error values by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code.Equals(t.Code)
}

// HasCode reports whether err, or any error in its cause chain, carries code.
func HasCode(err error, code Code) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Code.Equals(code) {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}

// Helper functions
func captureStackTrace() []Frame {
	var frames []Frame
	for i := 2; i < 12; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		fn := runtime.FuncForPC(pc)
		name := "unknown"
		if fn != nil {
			name = fn.Name()
		}
		frames = append(frames, Frame{
			Function: name,
			File:     file,
			Line:     line,
		})
	}
	return frames
}
