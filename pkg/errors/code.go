package errors

import (
	"fmt"
	"regexp"
	"strings"
)

// Code identifies an error kind as "<package>.<name>", for example
// "tables.lock_timeout". The zero Code is invalid.
type Code struct {
	value string
}

var (
	CommonInternal     = MustNewCode("common.internal")
	CommonNotFound     = MustNewCode("common.not_found")
	CommonValidation   = MustNewCode("common.validation")
	CommonInvalidInput = MustNewCode("common.invalid_input")
)

// Table storage error kinds. Every package in the storage stack reports
// failures with one of these so callers can branch on the kind alone.
var (
	TableValidation           = MustNewCode("tables.validation")
	TableNotInitialized       = MustNewCode("tables.not_initialized")
	TableAlreadyInitialized   = MustNewCode("tables.already_initialized")
	TableAlreadyAttached      = MustNewCode("tables.already_attached")
	TableOutOfBounds          = MustNewCode("tables.out_of_bounds")
	TableOptimisticLock       = MustNewCode("tables.optimistic_lock")
	TableConcurrency          = MustNewCode("tables.concurrency")
	TableLockTimeout          = MustNewCode("tables.lock_timeout")
	TableInvalidPath          = MustNewCode("tables.invalid_path")
	TableQuery                = MustNewCode("tables.query")
	TableUnsupportedOperation = MustNewCode("tables.unsupported_operation")
	TableStorageIO            = MustNewCode("tables.storage_io")
	TableClosed               = MustNewCode("tables.closed")
)

var codePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*\.[a-z][a-z0-9_]*$`)

// NewCode validates s. Names must not repeat "err": the code already says
// it is an error.
func NewCode(s string) (Code, error) {
	if !codePattern.MatchString(s) {
		return Code{}, fmt.Errorf("invalid code %q: want lower-case package.name", s)
	}
	if strings.Contains(s, "err") {
		return Code{}, fmt.Errorf("invalid code %q: must not contain \"err\"", s)
	}
	return Code{value: s}, nil
}

// MustNewCode is NewCode for package-level variables; it panics on an
// invalid code.
func MustNewCode(s string) Code {
	code, err := NewCode(s)
	if err != nil {
		panic(err)
	}
	return code
}

func (c Code) String() string {
	return c.value
}

// Package returns the part before the dot.
func (c Code) Package() string {
	pkg, _, _ := strings.Cut(c.value, ".")
	if pkg == c.value {
		return ""
	}
	return pkg
}

// Name returns the part after the dot.
func (c Code) Name() string {
	_, name, ok := strings.Cut(c.value, ".")
	if !ok {
		return c.value
	}
	return name
}

func (c Code) IsValid() bool {
	return codePattern.MatchString(c.value)
}

func (c Code) Equals(other Code) bool {
	return c.value == other.value
}
