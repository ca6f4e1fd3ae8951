// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package errors defines the error type and functions used by
// varq and its internal packages.
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Error is the type that implements the error interface.
// It contains a number of fields, each of different type.
// An Error value may leave some values unset.
type Error struct {
	Code Code
	Op   Op
	Err  error
}

func (e *Error) DebugString() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(string(e.Op))
	}
	if e.Code != Unspecified {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Code.String())
	}
	if e.Err != nil {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Code != Unspecified {
		b.WriteString(e.Code.String())
	}
	if e.Err != nil {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Code defines the canonical error code.
type Code int8

// List of canonical error codes.
const (
	Unspecified Code = iota
	NotFound
	FailedPrecondition
	Internal
	AlreadyExists
	Unknown
	// Note: If you add a new value here, make sure to update String method.
)

func (c Code) String() string {
	switch c {
	case Unspecified:
		return "ERROR_CODE_UNSPECIFIED"
	case NotFound:
		return "NOT_FOUND"
	case FailedPrecondition:
		return "FAILED_PRECONDITION"
	case Internal:
		return "INTERNAL_ERROR"
	case AlreadyExists:
		return "ALREADY_EXISTS"
	case Unknown:
		return "UNKNOWN"
	}
	panic(fmt.Sprintf("unknown error code %d", c))
}

// Op describes an operation, usually as the package and method,
// such as "rdb.MoveToActive".
type Op string

// E builds an error value from its arguments.
// There must be at least one argument or E panics.
// The type of each argument determines its meaning.
// If more than one argument of a given type is presented,
// only the last one is recorded.
//
// The types are:
//
//	errors.Op
//		The operation being performed.
//	errors.Code
//		The canonical error code.
//	string
//		Treated as an error message.
//	error
//		The underlying error.
func E(args ...interface{}) error {
	if len(args) == 0 {
		panic("call to errors.E with no arguments")
	}
	e := &Error{}
	for _, arg := range args {
		switch arg := arg.(type) {
		case Op:
			e.Op = arg
		case Code:
			e.Code = arg
		case error:
			e.Err = arg
		case string:
			e.Err = errors.New(arg)
		default:
			_, file, line, _ := runtime.Caller(1)
			panic(fmt.Sprintf("errors.E: bad call from %s:%d: %v", file, line, args))
		}
	}
	return e
}

// CanonicalCode returns the canonical code of the given error if one is present.
// Otherwise it returns Unspecified.
func CanonicalCode(err error) Code {
	if err == nil {
		return Unspecified
	}
	e, ok := err.(*Error)
	if !ok {
		return Unspecified
	}
	if e.Code == Unspecified {
		return CanonicalCode(e.Err)
	}
	return e.Code
}

/******************************************
    Domain Specific Error Types & Values
*******************************************/

// ErrJobIdConflict indicates that a job with the given ID already exists.
var ErrJobIdConflict = errors.New("job ID conflicts with another job")

// ErrDuplicateJob indicates that another job currently owns the
// deduplication id given to the job.
var ErrDuplicateJob = errors.New("job already deduplicated")

// ErrNoProcessableJob indicates that there is no job ready to be leased.
var ErrNoProcessableJob = errors.New("no job is ready for processing")

// RedisCommandError indicates that the given redis command returned error.
type RedisCommandError struct {
	Command string // redis command (e.g. "hgetall", "zadd", etc)
	Err     error  // underlying error
}

func (e *RedisCommandError) Error() string {
	return fmt.Sprintf("redis command error: %s failed: %v", strings.ToUpper(e.Command), e.Err)
}

func (e *RedisCommandError) Unwrap() error { return e.Err }

// ScriptErrorCode is a negative integer returned by an atomic script
// to signal a failed state transition.
type ScriptErrorCode int

const (
	CodeJobNotFound  ScriptErrorCode = -1
	CodeLockMissing  ScriptErrorCode = -2
	CodeJobNotActive ScriptErrorCode = -3
	CodeLockNotOwned ScriptErrorCode = -6
)

func (c ScriptErrorCode) String() string {
	switch c {
	case CodeJobNotFound:
		return "job hash missing"
	case CodeLockMissing:
		return "lock missing"
	case CodeJobNotActive:
		return "job not in active state"
	case CodeLockNotOwned:
		return "lock held by another token"
	}
	return fmt.Sprintf("script error %d", int(c))
}

// ScriptError describes a failed state transition reported by an atomic
// script through its negative return code.
type ScriptError struct {
	Code      ScriptErrorCode
	JobID     string
	Operation string
	State     string
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("%s: job %s in %s: %s", e.Operation, e.JobID, e.State, e.Code)
}

// CycleError is returned by the script preprocessor when an include chain
// references a file already on the visitation stack.
type CycleError struct {
	// Path is the canonical path of the offending reference.
	Path string
	// Stack lists the include chain from the root command to the reference.
	Stack []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("scripts: cyclic include of %q via %s", e.Path, strings.Join(e.Stack, " -> "))
}

// IncludeNotFoundError describes an @include directive whose reference
// does not resolve to a file.
type IncludeNotFoundError struct {
	Reference string
	InFile    string
	Line      int
	Column    int
}

func (e *IncludeNotFoundError) Error() string {
	return fmt.Sprintf("scripts: include %q not found (%s:%d:%d)", e.Reference, e.InFile, e.Line, e.Column)
}

// ScriptLoadError indicates that the server kept reporting NOSCRIPT for a
// script even after it was reloaded.
type ScriptLoadError struct {
	Name string
	SHA  string
}

func (e *ScriptLoadError) Error() string {
	return fmt.Sprintf("scripts: %s (sha1 %s) not loaded after reload", e.Name, e.SHA)
}

/*************************************************
    Standard Library errors package functions
*************************************************/

// New returns an error that formats as the given text.
// Each call to New returns a distinct error value even if the text is identical.
//
// This function is the errors.New function from the standard library (https://golang.org/pkg/errors/#New).
// It is exported from this package for import convenience.
func New(text string) error { return errors.New(text) }

// Is reports whether any error in err's chain matches target.
//
// This function is the errors.Is function from the standard library (https://golang.org/pkg/errors/#Is).
// It is exported from this package for import convenience.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target, and if so, sets
// target to that error value and returns true. Otherwise, it returns false.
//
// This function is the errors.As function from the standard library (https://golang.org/pkg/errors/#As).
// It is exported from this package for import convenience.
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Unwrap returns the result of calling the Unwrap method on err, if err's type contains
// an Unwrap method returning error. Otherwise, Unwrap returns nil.
//
// This function is the errors.Unwrap function from the standard library (https://golang.org/pkg/errors/#Unwrap).
// It is exported from this package for import convenience.
func Unwrap(err error) error { return errors.Unwrap(err) }
