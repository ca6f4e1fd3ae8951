// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package scripts assembles the atomic Lua commands from their source
// fragments and ships them to the Redis server by SHA.
//
// A fragment is either a top-level command or an include. Includes live
// under includes/ and are not emitted as commands. A command filename may
// encode its key count as name-<N>.lua; without the suffix the count is
// supplied at call time.
package scripts

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io/fs"
	pathpkg "path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/varq/varq/internal/errors"
)

// includeDirectiveRe matches one @include directive line. The quote pair is
// validated in code because the pattern language has no backreferences.
var includeDirectiveRe = regexp.MustCompile(`^(-{2,4})[ \t]*@include[ \t]+(["'])(.+?)(["'])[; \t]*$`)

// commandFileRe splits a command filename into its name and optional
// key-count suffix.
var commandFileRe = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9]*?)(?:-(\d+))?\.lua$`)

// A Command is one fully assembled, self-contained script.
type Command struct {
	// Name is the command filename without the key-count suffix.
	Name string

	// NumKeys is the key count encoded in the filename, or -1 when the
	// count is supplied at call time.
	NumKeys int

	// Source is the preprocessed script body. Byte-identical for the same
	// input tree regardless of where assembly runs, because SHA is the
	// script's identity.
	Source string

	// SHA is the hex SHA-1 of Source.
	SHA string
}

// MissingIncludeHandler is invoked for every unresolvable @include
// reference before the stub comment is emitted.
type MissingIncludeHandler func(err *errors.IncludeNotFoundError)

// Preprocessor expands @include directives over a fragment tree. It is
// pure: the same tree always assembles to the same bytes.
type Preprocessor struct {
	fsys    fs.FS
	aliases map[string]string
	onMiss  MissingIncludeHandler
}

// PreprocessorOption configures a Preprocessor.
type PreprocessorOption func(*Preprocessor)

// WithAlias maps an <alias> reference prefix to a directory inside the tree.
func WithAlias(alias, dir string) PreprocessorOption {
	return func(p *Preprocessor) { p.aliases[alias] = dir }
}

// WithMissingIncludeHandler observes unresolved references. The stub is
// emitted either way; the handler returns nothing and cannot make assembly
// fail.
func WithMissingIncludeHandler(h MissingIncludeHandler) PreprocessorOption {
	return func(p *Preprocessor) { p.onMiss = h }
}

// NewPreprocessor returns a Preprocessor over the given fragment tree.
// Top-level commands are the *.lua entries of the tree root.
func NewPreprocessor(fsys fs.FS, opts ...PreprocessorOption) *Preprocessor {
	p := &Preprocessor{
		fsys:    fsys,
		aliases: make(map[string]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProcessFile assembles the fragment at path into a single script.
func (p *Preprocessor) ProcessFile(path string) (string, error) {
	var sb strings.Builder
	seen := make(map[string]bool)
	if err := p.expand(pathpkg.Clean(path), nil, seen, &sb); err != nil {
		return "", err
	}
	return collapseBlankLines(sb.String()), nil
}

// Commands assembles every top-level command of the tree, sorted by name.
func (p *Preprocessor) Commands() ([]*Command, error) {
	entries, err := fs.ReadDir(p.fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("scripts: cannot read fragment tree: %v", err)
	}
	var cmds []*Command
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := commandFileRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		src, err := p.ProcessFile(e.Name())
		if err != nil {
			return nil, err
		}
		numKeys := -1
		if m[2] != "" {
			if numKeys, err = strconv.Atoi(m[2]); err != nil {
				return nil, fmt.Errorf("scripts: bad key count in %q: %v", e.Name(), err)
			}
		}
		sum := sha1.Sum([]byte(src))
		cmds = append(cmds, &Command{
			Name:    m[1],
			NumKeys: numKeys,
			Source:  src,
			SHA:     hex.EncodeToString(sum[:]),
		})
	}
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })
	return cmds, nil
}

// expand writes the fragment at path with its includes recursively
// substituted. The stack holds the canonical paths being expanded and
// detects cycles; seen implements include-once within one command closure.
func (p *Preprocessor) expand(path string, stack []string, seen map[string]bool, sb *strings.Builder) error {
	data, err := fs.ReadFile(p.fsys, path)
	if err != nil {
		return fmt.Errorf("scripts: cannot read fragment %q: %v", path, err)
	}
	stack = append(stack, path)
	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		m := includeDirectiveRe.FindStringSubmatch(strings.TrimRight(line, "\r"))
		if m == nil || m[2] != m[4] {
			sb.WriteString(line)
			if i < len(lines)-1 {
				sb.WriteByte('\n')
			}
			continue
		}
		ref := m[3]
		refPath, ok := p.resolve(path, ref)
		if !ok {
			if p.onMiss != nil {
				p.onMiss(&errors.IncludeNotFoundError{
					Reference: ref,
					InFile:    path,
					Line:      i + 1,
					Column:    strings.Index(line, "@include") + 1,
				})
			}
			sb.WriteString("-- Include not found: " + ref + "\n")
			continue
		}
		for _, s := range stack {
			if s == refPath {
				return &errors.CycleError{Path: refPath, Stack: append(append([]string(nil), stack...), refPath)}
			}
		}
		if seen[refPath] {
			// include-once: later references assemble to nothing
			continue
		}
		seen[refPath] = true
		if err := p.expand(refPath, stack, seen, sb); err != nil {
			return err
		}
		sb.WriteByte('\n')
	}
	return nil
}

// resolve maps an @include reference to a tree path. The .lua extension is
// implicit; "~/" and "<alias>/" prefixes resolve against configured roots,
// anything else against the directory of the including file.
func (p *Preprocessor) resolve(fromFile, ref string) (string, bool) {
	name := ref
	if !strings.HasSuffix(name, ".lua") {
		name += ".lua"
	}
	var candidate string
	switch {
	case strings.HasPrefix(name, "~/"):
		candidate = name[2:]
	case strings.HasPrefix(name, "<"):
		i := strings.Index(name, ">")
		if i < 0 {
			return "", false
		}
		root, ok := p.aliases[name[1:i]]
		if !ok {
			return "", false
		}
		candidate = pathpkg.Join(root, strings.TrimPrefix(name[i+1:], "/"))
	default:
		candidate = pathpkg.Join(pathpkg.Dir(fromFile), name)
	}
	candidate = pathpkg.Clean(candidate)
	if fi, err := fs.Stat(p.fsys, candidate); err != nil || fi.IsDir() {
		return "", false
	}
	return candidate, true
}

// collapseBlankLines reduces every run of whitespace-only lines to a single
// blank line and guarantees a trailing newline.
func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			if blank {
				continue
			}
			blank = true
			out = append(out, "")
			continue
		}
		blank = false
		out = append(out, l)
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n") + "\n"
}
