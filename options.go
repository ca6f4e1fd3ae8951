// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package varq

import (
	"fmt"
	"time"

	"github.com/varq/varq/internal/codec"
)

// OptionType describes the type of an option.
type OptionType int

const (
	JobIDOpt OptionType = iota
	PriorityOpt
	LIFOOpt
	AttemptsOpt
	StackTraceLimitOpt
	KeepCompletedOpt
	KeepFailedOpt
	DeduplicationOpt
	RateLimitOpt
	RepeatKeyOpt
	LockDurationOpt
	FetchNextOpt
)

// Option specifies job behavior on add and lease operations. Unknown
// options are ignored by operations they do not apply to.
type Option interface {
	// String returns a string representation of the option.
	String() string

	// Type describes the type of the option.
	Type() OptionType

	// Value returns a value used to create this option.
	Value() interface{}
}

// Internal option representations.
type (
	jobIDOption           string
	priorityOption        int
	lifoOption            bool
	attemptsOption        int
	stackTraceLimitOption int
	keepCompletedOption   KeepPolicy
	keepFailedOption      KeepPolicy
	deduplicationOption   Dedup
	rateLimitOption       RateLimit
	repeatKeyOption       string
	lockDurationOption    time.Duration
	fetchNextOption       bool
)

// KeepPolicy bounds retention of finished jobs. A negative Count keeps
// everything; Count zero drops the job body on finish.
type KeepPolicy struct {
	Count int
	Age   time.Duration
}

// Dedup is the deduplication descriptor of an add.
type Dedup struct {
	// ID is the caller-controlled deduplication identifier.
	ID string

	// TTL bounds how long the id stays owned; zero keeps it until the
	// owning job finishes.
	TTL time.Duration

	// Replace lets the new job take over an owner that is still delayed.
	// It takes effect only with a positive TTL.
	Replace bool

	// Extend refreshes the TTL whenever another add hits the same id.
	Extend bool
}

// RateLimit is the lease-time rate-limit budget of a queue.
type RateLimit struct {
	// Max leases per window.
	Max int

	// Window length; the default is one second.
	Window time.Duration
}

// JobID returns an option to specify the job ID. Adding a second job with
// the same id returns ErrJobIdConflict.
func JobID(id string) Option {
	return jobIDOption(id)
}

func (id jobIDOption) String() string     { return fmt.Sprintf("JobID(%q)", string(id)) }
func (id jobIDOption) Type() OptionType   { return JobIDOpt }
func (id jobIDOption) Value() interface{} { return string(id) }

// Priority returns an option to specify the priority of a job.
// Higher priorities lease earlier; zero keeps the job on the plain FIFO
// path. Negative values are treated as zero.
func Priority(n int) Option {
	if n < 0 {
		n = 0
	}
	return priorityOption(n)
}

func (n priorityOption) String() string     { return fmt.Sprintf("Priority(%d)", int(n)) }
func (n priorityOption) Type() OptionType   { return PriorityOpt }
func (n priorityOption) Value() interface{} { return int(n) }

// LIFO returns an option that pushes the job to the pop side of the wait
// list so it leases before earlier arrivals.
func LIFO() Option {
	return lifoOption(true)
}

func (l lifoOption) String() string     { return "LIFO()" }
func (l lifoOption) Type() OptionType   { return LIFOOpt }
func (l lifoOption) Value() interface{} { return bool(l) }

// Attempts returns an option to specify the total number of processing
// attempts before retries are exhausted.
func Attempts(n int) Option {
	if n < 1 {
		n = 1
	}
	return attemptsOption(n)
}

func (n attemptsOption) String() string     { return fmt.Sprintf("Attempts(%d)", int(n)) }
func (n attemptsOption) Type() OptionType   { return AttemptsOpt }
func (n attemptsOption) Value() interface{} { return int(n) }

// StackTraceLimit returns an option bounding the stacktrace entries kept
// on failure.
func StackTraceLimit(n int) Option {
	if n < 0 {
		n = 0
	}
	return stackTraceLimitOption(n)
}

func (n stackTraceLimitOption) String() string     { return fmt.Sprintf("StackTraceLimit(%d)", int(n)) }
func (n stackTraceLimitOption) Type() OptionType   { return StackTraceLimitOpt }
func (n stackTraceLimitOption) Value() interface{} { return int(n) }

// KeepCompleted returns an option bounding retention of completed jobs.
// KeepCompleted(0, 0) removes the body immediately on completion.
func KeepCompleted(count int, age time.Duration) Option {
	return keepCompletedOption(KeepPolicy{Count: count, Age: age})
}

func (p keepCompletedOption) String() string {
	return fmt.Sprintf("KeepCompleted(%d, %v)", p.Count, p.Age)
}
func (p keepCompletedOption) Type() OptionType   { return KeepCompletedOpt }
func (p keepCompletedOption) Value() interface{} { return KeepPolicy(p) }

// KeepFailed returns an option bounding retention of failed jobs.
func KeepFailed(count int, age time.Duration) Option {
	return keepFailedOption(KeepPolicy{Count: count, Age: age})
}

func (p keepFailedOption) String() string {
	return fmt.Sprintf("KeepFailed(%d, %v)", p.Count, p.Age)
}
func (p keepFailedOption) Type() OptionType   { return KeepFailedOpt }
func (p keepFailedOption) Value() interface{} { return KeepPolicy(p) }

// Deduplication returns an option that collapses concurrent adds sharing
// the descriptor's ID onto a single surviving job.
func Deduplication(d Dedup) Option {
	return deduplicationOption(d)
}

func (d deduplicationOption) String() string     { return fmt.Sprintf("Deduplication(%q)", d.ID) }
func (d deduplicationOption) Type() OptionType   { return DeduplicationOpt }
func (d deduplicationOption) Value() interface{} { return Dedup(d) }

// Limiter returns an option carrying the queue's rate-limit budget into a
// lease operation.
func Limiter(max int, window time.Duration) Option {
	return rateLimitOption(RateLimit{Max: max, Window: window})
}

func (r rateLimitOption) String() string     { return fmt.Sprintf("Limiter(%d, %v)", r.Max, r.Window) }
func (r rateLimitOption) Type() OptionType   { return RateLimitOpt }
func (r rateLimitOption) Value() interface{} { return RateLimit(r) }

// RepeatKey returns an option linking the job to a repeat-job template.
func RepeatKey(key string) Option {
	return repeatKeyOption(key)
}

func (k repeatKeyOption) String() string     { return fmt.Sprintf("RepeatKey(%q)", string(k)) }
func (k repeatKeyOption) Type() OptionType   { return RepeatKeyOpt }
func (k repeatKeyOption) Value() interface{} { return string(k) }

// LockDuration returns an option bounding how long a lease stays owned
// before the stalled watchdog may reclaim it.
func LockDuration(d time.Duration) Option {
	return lockDurationOption(d)
}

func (d lockDurationOption) String() string     { return fmt.Sprintf("LockDuration(%v)", time.Duration(d)) }
func (d lockDurationOption) Type() OptionType   { return LockDurationOpt }
func (d lockDurationOption) Value() interface{} { return time.Duration(d) }

// FetchNext returns an option that makes MoveToCompleted and MoveToFailed
// lease the next job within the same atomic invocation.
func FetchNext() Option {
	return fetchNextOption(true)
}

func (f fetchNextOption) String() string     { return "FetchNext()" }
func (f fetchNextOption) Type() OptionType   { return FetchNextOpt }
func (f fetchNextOption) Value() interface{} { return bool(f) }

// Default values of the closed option set.
const (
	defaultAttempts        = 3
	defaultStackTraceLimit = 10
	defaultLockDuration    = 30 * time.Second
	defaultLimiterWindow   = time.Second
)

// composedOptions is the normalized form of an option list.
type composedOptions struct {
	jobID           string
	priority        int
	lifo            bool
	attempts        int
	stackTraceLimit int
	keepCompleted   KeepPolicy
	keepFailed      KeepPolicy
	dedup           *Dedup
	limiter         *RateLimit
	repeatKey       string
	lockDuration    time.Duration
	fetchNext       bool
}

// composeOptions merges the given options into the defaults: three
// attempts, ten stacktrace entries, keep all finished jobs.
func composeOptions(opts ...Option) composedOptions {
	res := composedOptions{
		attempts:        defaultAttempts,
		stackTraceLimit: defaultStackTraceLimit,
		keepCompleted:   KeepPolicy{Count: -1},
		keepFailed:      KeepPolicy{Count: -1},
		lockDuration:    defaultLockDuration,
	}
	for _, opt := range opts {
		switch opt := opt.(type) {
		case jobIDOption:
			res.jobID = string(opt)
		case priorityOption:
			res.priority = int(opt)
		case lifoOption:
			res.lifo = bool(opt)
		case attemptsOption:
			res.attempts = int(opt)
		case stackTraceLimitOption:
			res.stackTraceLimit = int(opt)
		case keepCompletedOption:
			res.keepCompleted = KeepPolicy(opt)
		case keepFailedOption:
			res.keepFailed = KeepPolicy(opt)
		case deduplicationOption:
			d := Dedup(opt)
			res.dedup = &d
		case rateLimitOption:
			r := RateLimit(opt)
			if r.Window <= 0 {
				r.Window = defaultLimiterWindow
			}
			res.limiter = &r
		case repeatKeyOption:
			res.repeatKey = string(opt)
		case lockDurationOption:
			res.lockDuration = time.Duration(opt)
		case fetchNextOption:
			res.fetchNext = bool(opt)
		}
	}
	return res
}

func (o composedOptions) wireKeep(p KeepPolicy) codec.KeepJobs {
	return codec.KeepJobs{Count: int64(p.Count), Age: int64(p.Age / time.Second)}
}

func (o composedOptions) wireDedup() *codec.Dedup {
	if o.dedup == nil {
		return nil
	}
	return &codec.Dedup{
		ID:      o.dedup.ID,
		TTL:     o.dedup.TTL.Milliseconds(),
		Replace: o.dedup.Replace,
		Extend:  o.dedup.Extend,
	}
}

func (o composedOptions) wireLimiter() *codec.Limiter {
	if o.limiter == nil {
		return nil
	}
	return &codec.Limiter{
		Max:      int64(o.limiter.Max),
		Duration: o.limiter.Window.Milliseconds(),
	}
}
