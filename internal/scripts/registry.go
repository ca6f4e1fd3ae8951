// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package scripts

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/varq/varq/internal/errors"
)

// Registry invokes preprocessed commands by SHA against one logical server.
// The first use of a command ships its body with SCRIPT LOAD; subsequent
// calls go through EVALSHA. A NOSCRIPT reply triggers exactly one
// transparent reload and retry.
//
// A Registry is safe for concurrent use by multiple goroutines.
type Registry struct {
	client   redis.UniversalClient
	commands map[string]*Command

	mu     sync.Mutex
	loaded map[string]bool // by SHA

	// Debugf observes reloads; nil disables logging.
	Debugf func(format string, args ...interface{})
}

// NewRegistry returns a Registry over the given command set.
func NewRegistry(client redis.UniversalClient, commands []*Command) *Registry {
	byName := make(map[string]*Command, len(commands))
	for _, c := range commands {
		byName[c.Name] = c
	}
	return &Registry{
		client:   client,
		commands: byName,
		loaded:   make(map[string]bool),
	}
}

// Command returns the named command, or nil.
func (r *Registry) Command(name string) *Command {
	return r.commands[name]
}

// Run invokes the named command with the given keys and arguments and
// returns the raw script reply.
func (r *Registry) Run(ctx context.Context, name string, keys []string, args ...interface{}) (interface{}, error) {
	cmd := r.commands[name]
	if cmd == nil {
		return nil, errors.E(errors.Internal, fmt.Sprintf("scripts: unknown command %q", name))
	}
	if cmd.NumKeys >= 0 && len(keys) != cmd.NumKeys {
		return nil, errors.E(errors.Internal,
			fmt.Sprintf("scripts: %s expects %d keys, got %d", cmd.Name, cmd.NumKeys, len(keys)))
	}
	if err := r.ensureLoaded(ctx, cmd); err != nil {
		return nil, err
	}
	res, err := r.client.EvalSha(ctx, cmd.SHA, keys, args...).Result()
	if err != nil && isNoScript(err) {
		if r.Debugf != nil {
			r.Debugf("script %s (sha1 %s) missing on server, reloading", cmd.Name, cmd.SHA)
		}
		if err := r.load(ctx, cmd); err != nil {
			return nil, err
		}
		res, err = r.client.EvalSha(ctx, cmd.SHA, keys, args...).Result()
		if err != nil && isNoScript(err) {
			return nil, &errors.ScriptLoadError{Name: cmd.Name, SHA: cmd.SHA}
		}
	}
	return res, err
}

func (r *Registry) ensureLoaded(ctx context.Context, cmd *Command) error {
	r.mu.Lock()
	ok := r.loaded[cmd.SHA]
	r.mu.Unlock()
	if ok {
		return nil
	}
	return r.load(ctx, cmd)
}

func (r *Registry) load(ctx context.Context, cmd *Command) error {
	sha, err := r.client.ScriptLoad(ctx, cmd.Source).Result()
	if err != nil {
		return errors.E(errors.Unknown, fmt.Sprintf("scripts: cannot load %s: %v", cmd.Name, err))
	}
	if sha != cmd.SHA {
		// The local digest is the script's identity; a disagreement means
		// the assembled source differs from what reached the server.
		return errors.E(errors.Internal,
			fmt.Sprintf("scripts: %s sha mismatch: local %s, server %s", cmd.Name, cmd.SHA, sha))
	}
	r.mu.Lock()
	r.loaded[cmd.SHA] = true
	r.mu.Unlock()
	return nil
}

func isNoScript(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOSCRIPT")
}
