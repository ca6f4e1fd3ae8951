// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package varq implements the core of a Redis-backed job queue: an atomic
// server-side state machine compiled from Lua fragments, driven by a thin
// client facade.
//
// All authoritative state lives in Redis. Each operation resolves to
// exactly one script invocation, so queue invariants are preserved across
// concurrent producers and workers without client-side coordination.
package varq

import (
	"time"

	"github.com/varq/varq/internal/base"
)

// State identifies one of the queue's job states.
type State string

const (
	StateWait        State = base.StateWait
	StatePaused      State = base.StatePaused
	StateActive      State = base.StateActive
	StatePrioritized State = base.StatePrioritized
	StateDelayed     State = base.StateDelayed
	StateCompleted   State = base.StateCompleted
	StateFailed      State = base.StateFailed
)

// AllStates lists every queryable state; GetCounts reports all of them
// when called without arguments.
var AllStates = []State{
	StateWait,
	StatePaused,
	StateActive,
	StatePrioritized,
	StateDelayed,
	StateCompleted,
	StateFailed,
}

// A Job describes a unit of work and its metadata.
type Job struct {
	// ID is the identifier of the job within its queue.
	ID string

	// Name indicates the kind of work to be performed.
	Name string

	// Data is the opaque JSON payload supplied at add time.
	Data []byte

	// Timestamp is the time the job was added.
	Timestamp time.Time

	// Delay is the scheduling delay the job was added with.
	Delay time.Duration

	// Priority of the job; higher leases earlier.
	Priority int

	// AttemptsMade is the number of processing attempts recorded so far.
	AttemptsMade int

	// RepeatJobKey links the job to its repeat-job template, if any.
	RepeatJobKey string

	// DeduplicationID is the dedup identifier the job owns, if any.
	DeduplicationID string

	// ReturnValue is the completion payload, nil while the job is alive.
	ReturnValue []byte

	// FailedReason is the failure message, empty while the job is alive.
	FailedReason string

	// FinishedOn is the finish time, zero while the job is alive.
	FinishedOn time.Time

	// ProcessedOn is the time of the most recent lease.
	ProcessedOn time.Time
}

func fromMessage(msg *base.JobMessage) *Job {
	if msg == nil {
		return nil
	}
	j := &Job{
		ID:              msg.ID,
		Name:            msg.Name,
		Data:            msg.Data,
		Delay:           time.Duration(msg.Delay) * time.Millisecond,
		Priority:        int(msg.Priority),
		AttemptsMade:    int(msg.AttemptsMade),
		RepeatJobKey:    msg.RepeatJobKey,
		DeduplicationID: msg.DeduplicationID,
		ReturnValue:     msg.ReturnValue,
		FailedReason:    msg.FailedReason,
	}
	if msg.Timestamp > 0 {
		j.Timestamp = time.UnixMilli(msg.Timestamp)
	}
	if msg.FinishedOn > 0 {
		j.FinishedOn = time.UnixMilli(msg.FinishedOn)
	}
	if msg.ProcessedOn > 0 {
		j.ProcessedOn = time.UnixMilli(msg.ProcessedOn)
	}
	return j
}

// A Lease is the outcome of a lease attempt. Job is nil when nothing was
// obtained; the remaining fields carry the reason.
type Lease struct {
	// Job is the leased job, nil when no job was available.
	Job *Job

	// Token owns the lease; matches the token passed to MoveToActive.
	Token string

	// RemainingBudget is the rate-limit budget left after this lease,
	// meaningful only when a limiter is configured.
	RemainingBudget int

	// RateLimitWait is the time until the rate-limit budget resets.
	// Non-zero only when the limiter blocked the lease.
	RateLimitWait time.Duration

	// NextDelayedAt is the time of the earliest delayed job, zero when
	// none is scheduled. Callers may sleep until it before retrying.
	NextDelayedAt time.Time
}
