// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package varq

import (
	"fmt"
	"os"
)

// Logger defines logging methods used by the library. Implementations
// should be cheap; the hot paths only log on script reloads.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// FmtLogger is a minimal logger that prints messages with level prefixes.
// Debug/Info go to stdout; Warn/Error go to stderr.
type FmtLogger struct{}

// NewFmtLogger creates a new FmtLogger.
func NewFmtLogger() *FmtLogger { return &FmtLogger{} }

func (FmtLogger) Debugf(format string, args ...any) { fmt.Printf("[DEBUG] "+format+"\n", args...) }
func (FmtLogger) Infof(format string, args ...any)  { fmt.Printf("[INFO]  "+format+"\n", args...) }
func (FmtLogger) Warnf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "[WARN]  "+format+"\n", args...)
}
func (FmtLogger) Errorf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "[ERROR] "+format+"\n", args...)
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...any) {}
func (nopLogger) Infof(string, ...any)  {}
func (nopLogger) Warnf(string, ...any)  {}
func (nopLogger) Errorf(string, ...any) {}
