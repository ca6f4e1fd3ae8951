// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package rdb encapsulates the interactions with redis.
//
// Every mutating operation resolves to exactly one atomic script
// invocation, so queue invariants hold across concurrent callers without
// client-side coordination.
package rdb

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cast"

	"github.com/varq/varq/internal/base"
	"github.com/varq/varq/internal/codec"
	"github.com/varq/varq/internal/errors"
	"github.com/varq/varq/internal/scripts"
	"github.com/varq/varq/internal/timeutil"
)

// RDB is a client interface to query and mutate one queue's state.
type RDB struct {
	client   redis.UniversalClient
	registry *scripts.Registry
	clock    timeutil.Clock
}

// NewRDB returns a new instance of RDB over the embedded command set.
func NewRDB(client redis.UniversalClient) (*RDB, error) {
	cmds, err := scripts.DefaultCommands()
	if err != nil {
		return nil, errors.E(errors.Op("rdb.NewRDB"), errors.Internal, err)
	}
	return &RDB{
		client:   client,
		registry: scripts.NewRegistry(client, cmds),
		clock:    timeutil.NewRealClock(),
	}, nil
}

// Close closes the connection with redis server.
func (r *RDB) Close() error {
	return r.client.Close()
}

// Client returns the reference to underlying redis client.
func (r *RDB) Client() redis.UniversalClient {
	return r.client
}

// Registry returns the script registry shared by this instance.
func (r *RDB) Registry() *scripts.Registry {
	return r.registry
}

// SetClock sets the clock used by RDB to the given clock.
//
// Use this function to set the clock to SimulatedClock in tests.
func (r *RDB) SetClock(c timeutil.Clock) {
	r.clock = c
}

// Ping checks the connection with redis server.
func (r *RDB) Ping() error {
	return r.client.Ping(context.Background()).Err()
}

func (r *RDB) now() int64 {
	return r.clock.Now().UnixMilli()
}

// AddParams carries one job across the add scripts.
type AddParams struct {
	// JobID is the custom job id, empty to draw one from the id counter.
	JobID string

	// Name of the job.
	Name string

	// Data is the opaque JSON payload.
	Data []byte

	// RepeatJobKey links the job to its repeat-job template, if any.
	RepeatJobKey string

	// Opts is the packed option set of the job.
	Opts codec.AddOpts
}

// addKeys assembles the key array shared by the add scripts, in the exact
// order they expect.
func addKeys(qk base.QueueKeys) []string {
	return []string{
		qk.Wait,
		qk.Paused,
		qk.Meta,
		qk.ID,
		qk.Delayed,
		qk.Prioritized,
		qk.Active,
		qk.Events,
		qk.PC,
		qk.Marker,
	}
}

func (r *RDB) add(ctx context.Context, op errors.Op, command string, qk base.QueueKeys, p *AddParams) (string, error) {
	dedupKey := ""
	if p.Opts.De != nil {
		dedupKey = qk.DeduplicationKey(p.Opts.De.ID)
	}
	packedArgs, err := codec.PackAddArgs(codec.AddArgs{
		KeyPrefix:        qk.Prefix,
		JobID:            p.JobID,
		Name:             p.Name,
		Timestamp:        r.now(),
		RepeatJobKey:     p.RepeatJobKey,
		DeduplicationKey: dedupKey,
	})
	if err != nil {
		return "", errors.E(op, errors.Internal, fmt.Sprintf("cannot pack args: %v", err))
	}
	packedOpts, err := codec.PackAddOpts(p.Opts)
	if err != nil {
		return "", errors.E(op, errors.Internal, fmt.Sprintf("cannot pack options: %v", err))
	}
	res, err := r.registry.Run(ctx, command, addKeys(qk), packedArgs, p.Data, packedOpts)
	if err != nil {
		return "", errors.E(op, errors.Unknown, err)
	}
	if n, ok := res.(int64); ok && n < 0 {
		// Duplicate custom ids are reported through the duplicated event
		// and the -1 return; surface a typed error to the caller.
		return "", errors.E(op, errors.AlreadyExists, errors.ErrJobIdConflict)
	}
	jobID, err := cast.ToStringE(res)
	if err != nil {
		return "", errors.E(op, errors.Internal, fmt.Sprintf("unexpected return value from Lua script: %v", res))
	}
	return jobID, nil
}

// AddStandard adds the given job to the wait or paused list, or to the
// prioritized set when it carries a priority. It returns the id the job
// ended up with, which belongs to an older job when the add collapsed onto
// an existing deduplication owner.
func (r *RDB) AddStandard(ctx context.Context, qk base.QueueKeys, p *AddParams) (string, error) {
	return r.add(ctx, "rdb.AddStandard", "addStandardJob", qk, p)
}

// AddDelayed adds the given job to the delayed set, scheduled for
// timestamp+delay. Opts.Delay must be positive.
func (r *RDB) AddDelayed(ctx context.Context, qk base.QueueKeys, p *AddParams) (string, error) {
	if p.Opts.Delay <= 0 {
		return "", errors.E(errors.Op("rdb.AddDelayed"), errors.FailedPrecondition, "delay must be positive")
	}
	return r.add(ctx, "rdb.AddDelayed", "addDelayedJob", qk, p)
}

// LeaseResult is the decoded outcome of a lease attempt.
type LeaseResult struct {
	// Msg is the leased job, nil when nothing was obtained.
	Msg *base.JobMessage

	// RemainingBudget is the rate-limit budget left after this lease,
	// meaningful only when Msg is set and a limiter is configured.
	RemainingBudget int64

	// RateLimitWaitMs is the time until the rate-limit budget resets;
	// non-zero only when the limiter blocked the lease.
	RateLimitWaitMs int64

	// NextDelayedTs is the absolute ms time of the earliest delayed job,
	// zero when none is scheduled.
	NextDelayedTs int64
}

func leaseKeys(qk base.QueueKeys) []string {
	return []string{
		qk.Wait,
		qk.Active,
		qk.Prioritized,
		qk.Events,
		qk.Stalled,
		qk.Limiter,
		qk.Delayed,
		qk.Paused,
		qk.Meta,
		qk.PC,
		qk.Marker,
	}
}

func decodeLease(op errors.Op, res interface{}) (*LeaseResult, error) {
	reply, err := codec.DecodeLeaseReply(res)
	if err != nil {
		return nil, errors.E(op, errors.Internal, err)
	}
	out := &LeaseResult{
		NextDelayedTs: reply.NextDelayedTs,
	}
	if reply.JobID == "" {
		out.RateLimitWaitMs = reply.RateLimitMs
		return out, nil
	}
	out.RemainingBudget = reply.RateLimitMs
	if out.Msg, err = base.DecodeJobFields(reply.JobID, reply.Fields); err != nil {
		return nil, errors.E(op, errors.Internal, err)
	}
	return out, nil
}

// MoveToActive leases the next processable job for the worker token in
// opts. A result with a nil Msg carries the reason in its other fields.
func (r *RDB) MoveToActive(ctx context.Context, qk base.QueueKeys, opts codec.FetchOpts) (*LeaseResult, error) {
	var op errors.Op = "rdb.MoveToActive"
	packedOpts, err := codec.PackFetchOpts(opts)
	if err != nil {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("cannot pack options: %v", err))
	}
	res, err := r.registry.Run(ctx, "moveToActive", leaseKeys(qk), qk.Prefix, r.now(), packedOpts)
	if err != nil {
		return nil, errors.E(op, errors.Unknown, err)
	}
	return decodeLease(op, res)
}

// FinishParams carries one finished job into moveToFinished.
type FinishParams struct {
	JobID string

	// Target is base.StateCompleted or base.StateFailed.
	Target string

	// Payload is the return value or failure reason.
	Payload string

	// FetchNext inlines the next lease into the same invocation.
	FetchNext bool

	Opts codec.FinishOpts
}

func (p *FinishParams) property() string {
	if p.Target == base.StateFailed {
		return base.FieldFailedReason
	}
	return base.FieldReturnValue
}

// MoveToFinished moves an active job into the completed or failed set,
// applying retention, dedup release, and the optional inline next lease.
func (r *RDB) MoveToFinished(ctx context.Context, qk base.QueueKeys, p *FinishParams) (*LeaseResult, error) {
	var op errors.Op = "rdb.MoveToFinished"
	if p.Target != base.StateCompleted && p.Target != base.StateFailed {
		return nil, errors.E(op, errors.FailedPrecondition, fmt.Sprintf("bad target %q", p.Target))
	}
	packedOpts, err := codec.PackFinishOpts(p.Opts)
	if err != nil {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("cannot pack options: %v", err))
	}
	keys := append(leaseKeys(qk)[:10:10],
		qk.TargetKey(p.Target),
		qk.JobKey(p.JobID),
		qk.MetricsKey(p.Target),
		qk.Marker,
	)
	fetchNext := ""
	if p.FetchNext {
		fetchNext = "1"
	}
	res, err := r.registry.Run(ctx, "moveToFinished", keys,
		p.JobID, r.now(), p.property(), p.Payload, p.Target, fetchNext, qk.Prefix, packedOpts)
	if err != nil {
		return nil, errors.E(op, errors.Unknown, err)
	}
	if n, ok := res.(int64); ok {
		if n < 0 {
			return nil, scriptError(op, n, p.JobID, base.StateActive)
		}
		return nil, nil
	}
	return decodeLease(op, res)
}

// MoveToCompleted is MoveToFinished with the completed target.
func (r *RDB) MoveToCompleted(ctx context.Context, qk base.QueueKeys, jobID, returnValue string, fetchNext bool, opts codec.FinishOpts) (*LeaseResult, error) {
	return r.MoveToFinished(ctx, qk, &FinishParams{
		JobID:     jobID,
		Target:    base.StateCompleted,
		Payload:   returnValue,
		FetchNext: fetchNext,
		Opts:      opts,
	})
}

// MoveToFailed is MoveToFinished with the failed target.
func (r *RDB) MoveToFailed(ctx context.Context, qk base.QueueKeys, jobID, failedReason string, fetchNext bool, opts codec.FinishOpts) (*LeaseResult, error) {
	return r.MoveToFinished(ctx, qk, &FinishParams{
		JobID:     jobID,
		Target:    base.StateFailed,
		Payload:   failedReason,
		FetchNext: fetchNext,
		Opts:      opts,
	})
}

// Retry moves an active job back to the wait or paused list (or the
// prioritized set when the job carries a priority) for another attempt.
func (r *RDB) Retry(ctx context.Context, qk base.QueueKeys, jobID string, lifo bool, opts codec.RetryOpts) error {
	var op errors.Op = "rdb.Retry"
	packedOpts, err := codec.PackRetryOpts(opts)
	if err != nil {
		return errors.E(op, errors.Internal, fmt.Sprintf("cannot pack options: %v", err))
	}
	keys := []string{
		qk.Active,
		qk.Wait,
		qk.Paused,
		qk.JobKey(jobID),
		qk.Meta,
		qk.Events,
		qk.Delayed,
		qk.Prioritized,
		qk.PC,
		qk.Marker,
		qk.Stalled,
	}
	pushCmd := "LPUSH"
	if lifo {
		pushCmd = "RPUSH"
	}
	res, err := r.registry.Run(ctx, "retryJob", keys,
		qk.Prefix, r.now(), pushCmd, jobID, opts.Token, packedOpts)
	if err != nil {
		return errors.E(op, errors.Unknown, err)
	}
	n, err := cast.ToInt64E(res)
	if err != nil {
		return errors.E(op, errors.Internal, fmt.Sprintf("unexpected return value from Lua script: %v", res))
	}
	if n < 0 {
		return scriptError(op, n, jobID, base.StateActive)
	}
	return nil
}

// GetCounts returns the number of jobs per requested state.
func (r *RDB) GetCounts(ctx context.Context, qk base.QueueKeys, states ...string) (map[string]int64, error) {
	var op errors.Op = "rdb.GetCounts"
	args := make([]interface{}, len(states))
	for i, s := range states {
		args[i] = s
	}
	res, err := r.registry.Run(ctx, "getCounts", []string{qk.Prefix}, args...)
	if err != nil {
		return nil, errors.E(op, errors.Unknown, err)
	}
	counts, err := codec.DecodeCounts(res)
	if err != nil {
		return nil, errors.E(op, errors.Internal, err)
	}
	if len(counts) != len(states) {
		return nil, errors.E(op, errors.Internal,
			fmt.Sprintf("requested %d states, got %d counts", len(states), len(counts)))
	}
	out := make(map[string]int64, len(states))
	for i, s := range states {
		out[s] = counts[i]
	}
	return out, nil
}

// Pause stops dispatch for the queue and moves the wait list aside.
func (r *RDB) Pause(ctx context.Context, qk base.QueueKeys) error {
	return r.pause(ctx, qk, true)
}

// Resume restores dispatch for the queue.
func (r *RDB) Resume(ctx context.Context, qk base.QueueKeys) error {
	return r.pause(ctx, qk, false)
}

func (r *RDB) pause(ctx context.Context, qk base.QueueKeys, pause bool) error {
	var op errors.Op = "rdb.Pause"
	src, dst, ev := qk.Wait, qk.Paused, base.EventPaused
	if !pause {
		op = "rdb.Resume"
		src, dst, ev = qk.Paused, qk.Wait, base.EventResumed
	}
	keys := []string{src, dst, qk.Meta, qk.Prioritized, qk.Events, qk.Marker}
	if _, err := r.registry.Run(ctx, "pause", keys, ev); err != nil {
		return errors.E(op, errors.Unknown, err)
	}
	return nil
}

// ExtendLock extends the lease of the job for lockDurationMs when the
// token still owns it. It reports whether the lock was extended.
func (r *RDB) ExtendLock(ctx context.Context, qk base.QueueKeys, jobID, token string, lockDurationMs int64) (bool, error) {
	var op errors.Op = "rdb.ExtendLock"
	keys := []string{qk.LockKey(jobID), qk.Stalled}
	res, err := r.registry.Run(ctx, "extendLock", keys, token, lockDurationMs, jobID)
	if err != nil {
		return false, errors.E(op, errors.Unknown, err)
	}
	n, err := cast.ToInt64E(res)
	if err != nil {
		return false, errors.E(op, errors.Internal, fmt.Sprintf("unexpected return value from Lua script: %v", res))
	}
	return n == 1, nil
}

// GetJob reads the job body hash. Returns a NotFound error when the hash
// is absent.
func (r *RDB) GetJob(ctx context.Context, qk base.QueueKeys, jobID string) (*base.JobMessage, error) {
	var op errors.Op = "rdb.GetJob"
	fields, err := r.client.HGetAll(ctx, qk.JobKey(jobID)).Result()
	if err != nil {
		return nil, errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "hgetall", Err: err})
	}
	msg, err := base.DecodeJobFields(jobID, fields)
	if err != nil {
		return nil, errors.E(op, errors.CanonicalCode(err), err)
	}
	return msg, nil
}

// scriptError translates a negative script return code into the typed
// error of the taxonomy.
func scriptError(op errors.Op, code int64, jobID, state string) error {
	serr := &errors.ScriptError{
		Code:      errors.ScriptErrorCode(code),
		JobID:     jobID,
		Operation: string(op),
		State:     state,
	}
	switch serr.Code {
	case errors.CodeJobNotFound:
		return errors.E(op, errors.NotFound, serr)
	case errors.CodeLockMissing, errors.CodeJobNotActive, errors.CodeLockNotOwned:
		return errors.E(op, errors.FailedPrecondition, serr)
	}
	return errors.E(op, errors.Unknown, serr)
}
