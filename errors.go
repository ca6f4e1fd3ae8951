// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package varq

import (
	"github.com/varq/varq/internal/errors"
)

// Sentinel errors surfaced by the client facade. Match with errors.Is.
var (
	// ErrJobIdConflict indicates that a job with the given custom ID
	// already exists in the queue. The existing job is untouched; the
	// conflict is also visible as a duplicated event.
	ErrJobIdConflict = errors.ErrJobIdConflict

	// ErrJobNotFound indicates an operation referenced a job whose body
	// hash is absent.
	ErrJobNotFound = errors.New("varq: job not found")
)

// ScriptError describes a failed state transition reported by an atomic
// script. Match with errors.As to read the code, job id, operation and
// expected state.
type ScriptError = errors.ScriptError

// Script error codes carried by ScriptError.
const (
	CodeJobNotFound  = errors.CodeJobNotFound
	CodeLockMissing  = errors.CodeLockMissing
	CodeJobNotActive = errors.CodeJobNotActive
	CodeLockNotOwned = errors.CodeLockNotOwned
)

// CycleError is raised by the script preprocessor on a cyclic include.
type CycleError = errors.CycleError

// IncludeNotFoundError describes an unresolvable @include reference.
type IncludeNotFoundError = errors.IncludeNotFoundError

// ScriptLoadError indicates the server kept reporting a script as not
// loaded even after a reload.
type ScriptLoadError = errors.ScriptLoadError

// IsJobNotFound reports whether the error is a missing-job condition,
// either the sentinel or the -1 script code.
func IsJobNotFound(err error) bool {
	if errors.Is(err, ErrJobNotFound) {
		return true
	}
	var serr *ScriptError
	return errors.As(err, &serr) && serr.Code == CodeJobNotFound
}
