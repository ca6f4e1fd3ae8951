// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package base defines foundational types and constants used in varq package.
package base

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/varq/varq/internal/errors"
)

// Version of varq library.
const Version = "0.1.0"

// DefaultKeyPrefix is the key namespace root used if none is specified by user.
const DefaultKeyPrefix = "varq"

// DefaultQueueName is the queue name used if none is specified by user.
const DefaultQueueName = "default"

// DefaultMaxEvents is the approximate cap applied to the events stream when
// the queue meta carries no explicit opts.maxLenEvents.
const DefaultMaxEvents = 10000

// Job states, as carried in script error translations and the prev field of
// waiting events.
const (
	StateWait        = "wait"
	StatePaused      = "paused"
	StateActive      = "active"
	StatePrioritized = "prioritized"
	StateDelayed     = "delayed"
	StateCompleted   = "completed"
	StateFailed      = "failed"
)

// Events emitted by the atomic scripts onto the events stream.
const (
	EventAdded            = "added"
	EventWaiting          = "waiting"
	EventDelayed          = "delayed"
	EventDeduplicated     = "deduplicated"
	EventDebounced        = "debounced"
	EventActive           = "active"
	EventCompleted        = "completed"
	EventFailed           = "failed"
	EventRemoved          = "removed"
	EventRetriesExhausted = "retries-exhausted"
	EventDrained          = "drained"
	EventDuplicated       = "duplicated"
	EventPaused           = "paused"
	EventResumed          = "resumed"
)

// Job hash field names. The short codes are part of the persisted layout and
// must match what the scripts read and write.
const (
	FieldName            = "name"
	FieldData            = "data"
	FieldOpts            = "opts"
	FieldTimestamp       = "timestamp"
	FieldDelay           = "delay"
	FieldPriority        = "priority"
	FieldAttemptsMade    = "atm"
	FieldRepeatJobKey    = "rjk"
	FieldDeduplicationID = "deid"
	FieldDelayedMember   = "dlm"
	FieldReturnValue     = "returnvalue"
	FieldFailedReason    = "failedReason"
	FieldFinishedOn      = "finishedOn"
	FieldProcessedOn     = "processedOn"
)

// ValidateQueueName validates a given qname to be used as a queue name.
// Returns nil if valid, otherwise returns non-nil error.
func ValidateQueueName(qname string) error {
	if len(strings.TrimSpace(qname)) == 0 {
		return fmt.Errorf("queue name must contain one or more characters")
	}
	if strings.ContainsAny(qname, ": ") {
		return fmt.Errorf("queue name must not contain colons or spaces")
	}
	return nil
}

// QueueKeyPrefix returns the namespace prefix for all keys of the given queue:
// "<prefix>:<qname>:". The empty suffix is the job-hash prefix to which a
// jobId is appended.
func QueueKeyPrefix(prefix, qname string) string {
	return prefix + ":" + qname + ":"
}

// QueueKeys holds the precomputed key set of one queue so hot paths avoid
// repeated concatenations.
type QueueKeys struct {
	Prefix      string // "<prefix>:<qname>:"
	Wait        string
	Paused      string
	Active      string
	Prioritized string
	Delayed     string
	Completed   string
	Failed      string
	Stalled     string
	Marker      string
	Meta        string
	ID          string
	PC          string
	Limiter     string
	Events      string
}

// KeysForQueue returns the precomputed key set for the provided queue.
func KeysForQueue(prefix, qname string) QueueKeys {
	p := QueueKeyPrefix(prefix, qname)
	return QueueKeys{
		Prefix:      p,
		Wait:        p + "wait",
		Paused:      p + "paused",
		Active:      p + "active",
		Prioritized: p + "prioritized",
		Delayed:     p + "delayed",
		Completed:   p + "completed",
		Failed:      p + "failed",
		Stalled:     p + "stalled",
		Marker:      p + "marker",
		Meta:        p + "meta",
		ID:          p + "id",
		PC:          p + "pc",
		Limiter:     p + "limiter",
		Events:      p + "events",
	}
}

// JobKey returns the key of the job body hash.
func (k QueueKeys) JobKey(jobID string) string { return k.Prefix + jobID }

// LockKey returns the key holding the lease token of an active job.
func (k QueueKeys) LockKey(jobID string) string { return k.Prefix + jobID + ":lock" }

// LogsKey returns the key of the per-job log list.
func (k QueueKeys) LogsKey(jobID string) string { return k.Prefix + jobID + ":logs" }

// DeduplicationKey returns the key owning the given deduplication id.
func (k QueueKeys) DeduplicationKey(id string) string { return k.Prefix + "de:" + id }

// MetricsKey returns the key of the metrics stream for the given target set
// ("completed" or "failed").
func (k QueueKeys) MetricsKey(target string) string { return k.Prefix + "metrics:" + target }

// TargetKey returns the retention set key for the given finished target.
func (k QueueKeys) TargetKey(target string) string { return k.Prefix + target }

// Widths of the two zero-padded fields of a delayed member.
const (
	delayedTimestampWidth = 20
	delayedSeqWidth       = 12
)

// DelayedMember encodes a (timestamp, seq, jobId) triple as the
// lexicographic member stored in the delayed set. All members share score
// zero; the string order is the chronological order.
func DelayedMember(timestamp, seq int64, jobID string) string {
	return fmt.Sprintf("%020d:%012d:%s", timestamp, seq, jobID)
}

// DelayedBucketPrefix returns the member prefix shared by all entries of one
// millisecond bucket.
func DelayedBucketPrefix(timestamp int64) string {
	return fmt.Sprintf("%020d:", timestamp)
}

// ParseDelayedMember splits a delayed member back into its triple.
func ParseDelayedMember(member string) (timestamp, seq int64, jobID string, err error) {
	if len(member) < delayedTimestampWidth+delayedSeqWidth+2 {
		return 0, 0, "", fmt.Errorf("malformed delayed member %q", member)
	}
	if member[delayedTimestampWidth] != ':' || member[delayedTimestampWidth+1+delayedSeqWidth] != ':' {
		return 0, 0, "", fmt.Errorf("malformed delayed member %q", member)
	}
	tsPart := member[:delayedTimestampWidth]
	seqPart := member[delayedTimestampWidth+1 : delayedTimestampWidth+1+delayedSeqWidth]
	jobID = member[delayedTimestampWidth+1+delayedSeqWidth+1:]
	timestamp, err = strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return 0, 0, "", fmt.Errorf("malformed delayed member %q: %v", member, err)
	}
	seq, err = strconv.ParseInt(seqPart, 10, 64)
	if err != nil {
		return 0, 0, "", fmt.Errorf("malformed delayed member %q: %v", member, err)
	}
	return timestamp, seq, jobID, nil
}

// JobMessage is the parsed form of a job body hash.
type JobMessage struct {
	// ID is the identifier of the job within its queue.
	ID string

	// Name indicates the kind of work to be performed.
	Name string

	// Data holds the opaque JSON payload supplied at add time.
	Data []byte

	// Opts is the encoded option set the job was added with.
	Opts []byte

	// Timestamp is the add time in Unix milliseconds.
	Timestamp int64

	// Delay is the requested delay in milliseconds, zero for standard adds.
	Delay int64

	// Priority of the job; higher is leased earlier.
	Priority int64

	// AttemptsMade is the number of processing attempts recorded so far.
	AttemptsMade int64

	// RepeatJobKey links the job to its repeat-job template, if any.
	RepeatJobKey string

	// DeduplicationID is the dedup identifier the job owns, if any.
	DeduplicationID string

	// ReturnValue and FailedReason are set on finish, mutually exclusive.
	ReturnValue  []byte
	FailedReason string

	// FinishedOn is the finish time in Unix milliseconds, zero while alive.
	FinishedOn int64

	// ProcessedOn is the time of the most recent lease in Unix milliseconds.
	ProcessedOn int64
}

// DecodeJobFields parses the HGETALL view of a job body hash.
func DecodeJobFields(id string, fields map[string]string) (*JobMessage, error) {
	if len(fields) == 0 {
		return nil, errors.E(errors.NotFound, fmt.Sprintf("job %s has no body hash", id))
	}
	msg := &JobMessage{
		ID:              id,
		Name:            fields[FieldName],
		Data:            []byte(fields[FieldData]),
		Opts:            []byte(fields[FieldOpts]),
		RepeatJobKey:    fields[FieldRepeatJobKey],
		DeduplicationID: fields[FieldDeduplicationID],
		FailedReason:    fields[FieldFailedReason],
	}
	if v, ok := fields[FieldReturnValue]; ok {
		msg.ReturnValue = []byte(v)
	}
	var err error
	parse := func(field string, dst *int64) {
		v, ok := fields[field]
		if !ok || v == "" || err != nil {
			return
		}
		var n int64
		if n, err = strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
	parse(FieldTimestamp, &msg.Timestamp)
	parse(FieldDelay, &msg.Delay)
	parse(FieldPriority, &msg.Priority)
	parse(FieldAttemptsMade, &msg.AttemptsMade)
	parse(FieldFinishedOn, &msg.FinishedOn)
	parse(FieldProcessedOn, &msg.ProcessedOn)
	if err != nil {
		return nil, errors.E(errors.Internal, fmt.Sprintf("cannot decode job %s: %v", id, err))
	}
	return msg, nil
}
