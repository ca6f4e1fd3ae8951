// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package varq

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/varq/varq/internal/base"
	"github.com/varq/varq/internal/codec"
	"github.com/varq/varq/internal/errors"
	"github.com/varq/varq/internal/rdb"
)

// A Client drives one queue's atomic state machine: producers add jobs,
// workers lease them with MoveToActive and report back through
// MoveToCompleted, MoveToFailed or Retry.
//
// Clients are safe for concurrent use by multiple goroutines; no
// client-side locks are held across operations.
type Client struct {
	rdb     *rdb.RDB
	keys    base.QueueKeys
	queue   string
	prefix  string
	encoder Encoder
	logger  Logger

	// maxMetricsSize enables the finished-job metrics sample stream when
	// positive.
	maxMetricsSize int
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithPrefix overrides the key namespace root (default "varq").
func WithPrefix(prefix string) ClientOption {
	return func(c *Client) { c.prefix = prefix }
}

// WithEncoder overrides payload serialization.
func WithEncoder(e Encoder) ClientOption {
	return func(c *Client) { c.encoder = e }
}

// WithLogger routes library diagnostics to the given logger.
func WithLogger(l Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithMetrics keeps up to maxDataPoints per-minute samples of finished
// jobs in the metrics stream.
func WithMetrics(maxDataPoints int) ClientOption {
	return func(c *Client) { c.maxMetricsSize = maxDataPoints }
}

// NewClient returns a new Client for the given queue.
func NewClient(rc redis.UniversalClient, queue string, opts ...ClientOption) (*Client, error) {
	if err := base.ValidateQueueName(queue); err != nil {
		return nil, fmt.Errorf("varq: %v", err)
	}
	c := &Client{
		queue:   queue,
		prefix:  base.DefaultKeyPrefix,
		encoder: &JSONEncoder{},
		logger:  nopLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	r, err := rdb.NewRDB(rc)
	if err != nil {
		return nil, err
	}
	c.rdb = r
	c.keys = base.KeysForQueue(c.prefix, queue)
	r.Registry().Debugf = c.logger.Debugf
	return c, nil
}

// Queue returns the queue name this client operates on.
func (c *Client) Queue() string { return c.queue }

// Close closes the connection with redis.
func (c *Client) Close() error { return c.rdb.Close() }

// Ping checks the connection with the redis server.
func (c *Client) Ping() error { return c.rdb.Ping() }

func (c *Client) addParams(name string, payload any, o composedOptions, delay time.Duration) (*rdb.AddParams, error) {
	data, err := c.encoder.Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("varq: cannot encode payload: %w", err)
	}
	return &rdb.AddParams{
		JobID:        o.jobID,
		Name:         name,
		Data:         data,
		RepeatJobKey: o.repeatKey,
		Opts: codec.AddOpts{
			Delay:           delay.Milliseconds(),
			Priority:        int64(o.priority),
			Lifo:            o.lifo,
			Attempts:        int64(o.attempts),
			StackTraceLimit: int64(o.stackTraceLimit),
			KeepCompleted:   o.wireKeep(o.keepCompleted),
			KeepFailed:      o.wireKeep(o.keepFailed),
			De:              o.wireDedup(),
			Limiter:         o.wireLimiter(),
		},
	}, nil
}

// AddStandard adds a job eligible for immediate leasing. It returns the
// id the job ended up with; when a Deduplication option collapsed the add
// onto an existing job, the returned id is the existing owner's.
func (c *Client) AddStandard(ctx context.Context, name string, payload any, opts ...Option) (string, error) {
	p, err := c.addParams(name, payload, composeOptions(opts...), 0)
	if err != nil {
		return "", err
	}
	return c.rdb.AddStandard(ctx, c.keys, p)
}

// AddDelayed adds a job scheduled to become leasable after delay.
func (c *Client) AddDelayed(ctx context.Context, name string, payload any, delay time.Duration, opts ...Option) (string, error) {
	p, err := c.addParams(name, payload, composeOptions(opts...), delay)
	if err != nil {
		return "", err
	}
	return c.rdb.AddDelayed(ctx, c.keys, p)
}

func (c *Client) leaseFromResult(res *rdb.LeaseResult, token string) *Lease {
	l := &Lease{
		Token:           token,
		RemainingBudget: int(res.RemainingBudget),
		RateLimitWait:   time.Duration(res.RateLimitWaitMs) * time.Millisecond,
	}
	if res.NextDelayedTs > 0 {
		l.NextDelayedAt = time.UnixMilli(res.NextDelayedTs)
	}
	l.Job = fromMessage(res.Msg)
	return l
}

// MoveToActive leases the next processable job to the given worker token.
// An empty token draws a fresh one; the token used is echoed on the
// Lease. A Lease with a nil Job carries the wait hints instead.
func (c *Client) MoveToActive(ctx context.Context, token string, opts ...Option) (*Lease, error) {
	o := composeOptions(opts...)
	if token == "" {
		token = uuid.NewString()
	}
	res, err := c.rdb.MoveToActive(ctx, c.keys, codec.FetchOpts{
		Token:        token,
		LockDuration: o.lockDuration.Milliseconds(),
		Limiter:      o.wireLimiter(),
	})
	if err != nil {
		return nil, err
	}
	return c.leaseFromResult(res, token), nil
}

func (c *Client) moveToFinished(ctx context.Context, jobID, token, target, payload string, o composedOptions) (*Lease, error) {
	keep := o.keepCompleted
	if target == base.StateFailed {
		keep = o.keepFailed
	}
	res, err := c.rdb.MoveToFinished(ctx, c.keys, &rdb.FinishParams{
		JobID:     jobID,
		Target:    target,
		Payload:   payload,
		FetchNext: o.fetchNext,
		Opts: codec.FinishOpts{
			Token:          token,
			KeepJobs:       o.wireKeep(keep),
			Attempts:       int64(o.attempts),
			MaxMetricsSize: int64(c.maxMetricsSize),
			LockDuration:   o.lockDuration.Milliseconds(),
			Limiter:        o.wireLimiter(),
		},
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	return c.leaseFromResult(res, token), nil
}

// MoveToCompleted finishes an active job with the given return value.
// The lease must still be owned by token. With the FetchNext option the
// next lease is acquired in the same atomic invocation and returned.
func (c *Client) MoveToCompleted(ctx context.Context, jobID, token string, returnValue any, opts ...Option) (*Lease, error) {
	data, err := c.encoder.Encode(returnValue)
	if err != nil {
		return nil, fmt.Errorf("varq: cannot encode return value: %w", err)
	}
	return c.moveToFinished(ctx, jobID, token, base.StateCompleted, string(data), composeOptions(opts...))
}

// MoveToFailed finishes an active job with the given failure reason.
func (c *Client) MoveToFailed(ctx context.Context, jobID, token, failedReason string, opts ...Option) (*Lease, error) {
	return c.moveToFinished(ctx, jobID, token, base.StateFailed, failedReason, composeOptions(opts...))
}

// Retry returns an active job to the queue for another attempt. The
// lease must still be owned by token.
func (c *Client) Retry(ctx context.Context, jobID, token string, opts ...Option) error {
	o := composeOptions(opts...)
	return c.rdb.Retry(ctx, c.keys, jobID, o.lifo, codec.RetryOpts{Token: token})
}

// GetCounts returns the number of jobs per state. Without arguments every
// state is reported.
func (c *Client) GetCounts(ctx context.Context, states ...State) (map[State]int64, error) {
	if len(states) == 0 {
		states = AllStates
	}
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = string(s)
	}
	counts, err := c.rdb.GetCounts(ctx, c.keys, names...)
	if err != nil {
		return nil, err
	}
	out := make(map[State]int64, len(counts))
	for s, n := range counts {
		out[State(s)] = n
	}
	return out, nil
}

// Pause stops dispatch for the queue. Jobs keep accumulating and leases
// already held stay valid.
func (c *Client) Pause(ctx context.Context) error {
	return c.rdb.Pause(ctx, c.keys)
}

// Resume restores dispatch for the queue.
func (c *Client) Resume(ctx context.Context) error {
	return c.rdb.Resume(ctx, c.keys)
}

// ExtendLock extends the lease of an active job when token still owns
// it. It reports whether the lock was extended.
func (c *Client) ExtendLock(ctx context.Context, jobID, token string, d time.Duration) (bool, error) {
	return c.rdb.ExtendLock(ctx, c.keys, jobID, token, d.Milliseconds())
}

// GetJob reads a job body. Returns ErrJobNotFound when no body exists.
func (c *Client) GetJob(ctx context.Context, jobID string) (*Job, error) {
	msg, err := c.rdb.GetJob(ctx, c.keys, jobID)
	if err != nil {
		if errors.CanonicalCode(err) == errors.NotFound {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return fromMessage(msg), nil
}
