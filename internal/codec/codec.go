// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package codec implements the binary packing of compound script arguments
// and the decoding of script return tuples.
//
// Compound values cross the wire as msgpack so the Lua side can read them
// with cmsgpack.unpack. The byte shape is part of the script contract: a
// struct field renamed here must be renamed in the scripts too.
package codec

import (
	"fmt"

	"github.com/spf13/cast"
	"github.com/vmihailenco/msgpack/v5"
)

// KeepJobs bounds retention of finished jobs. Count -1 keeps all, 0 keeps
// none; Age is in seconds.
type KeepJobs struct {
	Count int64 `msgpack:"count"`
	Age   int64 `msgpack:"age"`
}

// Dedup describes the deduplication descriptor of an add call.
type Dedup struct {
	ID      string `msgpack:"id"`
	TTL     int64  `msgpack:"ttl"`
	Replace bool   `msgpack:"replace"`
	Extend  bool   `msgpack:"extend"`
}

// Limiter carries the rate-limit budget of a queue.
type Limiter struct {
	Max      int64 `msgpack:"max"`
	Duration int64 `msgpack:"duration"`
}

// AddArgs is the positional tuple packed into ARGV[1] of the add scripts.
type AddArgs struct {
	KeyPrefix        string
	JobID            string // empty when the id should come from the id counter
	Name             string
	Timestamp        int64
	RepeatJobKey     string
	DeduplicationKey string
}

// PackAddArgs encodes the tuple as a msgpack array. Optional strings travel
// as empty strings, never nil, so the Lua array has no holes.
func PackAddArgs(a AddArgs) ([]byte, error) {
	return msgpack.Marshal([]interface{}{
		a.KeyPrefix,
		a.JobID,
		a.Name,
		a.Timestamp,
		a.RepeatJobKey,
		a.DeduplicationKey,
	})
}

// AddOpts is the option map packed into ARGV[3] of the add scripts.
type AddOpts struct {
	Delay           int64    `msgpack:"delay"`
	Priority        int64    `msgpack:"priority"`
	Lifo            bool     `msgpack:"lifo"`
	Attempts        int64    `msgpack:"attempts"`
	StackTraceLimit int64    `msgpack:"stackTraceLimit"`
	KeepCompleted   KeepJobs `msgpack:"removeOnComplete"`
	KeepFailed      KeepJobs `msgpack:"removeOnFail"`
	De              *Dedup   `msgpack:"de,omitempty"`
	Limiter         *Limiter `msgpack:"limiter,omitempty"`
}

func PackAddOpts(o AddOpts) ([]byte, error) { return msgpack.Marshal(o) }

// FetchOpts is the option map of moveToActive.
type FetchOpts struct {
	Token        string   `msgpack:"token"`
	LockDuration int64    `msgpack:"lockDuration"`
	Limiter      *Limiter `msgpack:"limiter,omitempty"`
	Name         string   `msgpack:"name,omitempty"`
}

func PackFetchOpts(o FetchOpts) ([]byte, error) { return msgpack.Marshal(o) }

// FinishOpts is the option map of moveToFinished.
type FinishOpts struct {
	Token          string    `msgpack:"token"`
	KeepJobs       KeepJobs  `msgpack:"keepJobs"`
	Attempts       int64     `msgpack:"attempts"`
	MaxMetricsSize int64     `msgpack:"maxMetricsSize"`
	LockDuration   int64     `msgpack:"lockDuration"`
	Limiter        *Limiter  `msgpack:"limiter,omitempty"`
	FieldsToUpdate []FieldKV `msgpack:"fieldsToUpdate,omitempty"`
}

func PackFinishOpts(o FinishOpts) ([]byte, error) { return msgpack.Marshal(o) }

// RetryOpts is the option map of retryJob.
type RetryOpts struct {
	Token          string    `msgpack:"token"`
	FieldsToUpdate []FieldKV `msgpack:"fieldsToUpdate,omitempty"`
}

func PackRetryOpts(o RetryOpts) ([]byte, error) { return msgpack.Marshal(o) }

// FieldKV is one job-hash field update applied inside a script.
type FieldKV struct {
	Field string `msgpack:"field"`
	Value string `msgpack:"value"`
}

// LeaseReply is the decoded fixed-shape tuple
// {jobId, body[], rateLimitWait, nextDelayedTimestamp} returned by
// moveToActive and by moveToFinished when fetchNext is set.
type LeaseReply struct {
	// JobID is empty when no job was leased.
	JobID string

	// Fields is the flat field/value view of the job body, nil without a job.
	Fields map[string]string

	// RateLimitMs is the time until the rate-limit budget resets when no
	// job was leased, zero when the limiter did not block. With a leased
	// job the slot carries the remaining rate-limit budget instead.
	RateLimitMs int64

	// NextDelayedTs is the absolute Unix-millisecond time of the earliest
	// delayed job, zero when the delayed set is empty.
	NextDelayedTs int64
}

// DecodeLeaseReply parses the raw EVALSHA reply of a lease-shaped script.
func DecodeLeaseReply(v interface{}) (*LeaseReply, error) {
	arr, ok := v.([]interface{})
	if !ok || len(arr) != 4 {
		return nil, fmt.Errorf("codec: unexpected lease reply shape: %v", v)
	}
	var r LeaseReply
	// Slot 0 is the integer 0 or the jobId string.
	if s, err := cast.ToStringE(arr[0]); err == nil && s != "0" && s != "" {
		r.JobID = s
	}
	if fields, ok := arr[1].([]interface{}); ok && len(fields) > 0 {
		if len(fields)%2 != 0 {
			return nil, fmt.Errorf("codec: odd field list in lease reply: %v", fields)
		}
		r.Fields = make(map[string]string, len(fields)/2)
		for i := 0; i < len(fields); i += 2 {
			k, err := cast.ToStringE(fields[i])
			if err != nil {
				return nil, fmt.Errorf("codec: bad field name in lease reply: %v", fields[i])
			}
			val, err := cast.ToStringE(fields[i+1])
			if err != nil {
				return nil, fmt.Errorf("codec: bad field value in lease reply: %v", fields[i+1])
			}
			r.Fields[k] = val
		}
	}
	var err error
	if r.RateLimitMs, err = cast.ToInt64E(arr[2]); err != nil {
		return nil, fmt.Errorf("codec: bad rate-limit slot in lease reply: %v", arr[2])
	}
	if r.NextDelayedTs, err = cast.ToInt64E(arr[3]); err != nil {
		return nil, fmt.Errorf("codec: bad delayed-timestamp slot in lease reply: %v", arr[3])
	}
	return &r, nil
}

// DecodeCounts parses the parallel integer array returned by getCounts.
func DecodeCounts(v interface{}) ([]int64, error) {
	arr, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("codec: unexpected counts reply: %v", v)
	}
	out := make([]int64, len(arr))
	for i, e := range arr {
		n, err := cast.ToInt64E(e)
		if err != nil {
			return nil, fmt.Errorf("codec: bad count at %d: %v", i, e)
		}
		out[i] = n
	}
	return out, nil
}
