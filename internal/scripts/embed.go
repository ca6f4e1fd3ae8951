// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package scripts

import (
	"embed"
	"io/fs"
	"sync"
)

//go:embed lua
var luaFS embed.FS

var (
	defaultOnce sync.Once
	defaultCmds []*Command
	defaultErr  error
)

// DefaultCommands assembles the embedded fragment tree once and caches the
// result. Assembly is deterministic, so the SHAs are stable across
// processes built from the same sources.
func DefaultCommands() ([]*Command, error) {
	defaultOnce.Do(func() {
		sub, err := fs.Sub(luaFS, "lua")
		if err != nil {
			defaultErr = err
			return
		}
		defaultCmds, defaultErr = NewPreprocessor(sub).Commands()
	})
	return defaultCmds, defaultErr
}
