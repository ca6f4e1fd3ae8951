// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package rdb

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/varq/varq/internal/base"
	"github.com/varq/varq/internal/codec"
	"github.com/varq/varq/internal/errors"
	"github.com/varq/varq/internal/timeutil"
)

// setup returns an RDB connected to the test server, skipping when no
// server is reachable. Each call starts with a clean database.
func setup(t *testing.T) (*RDB, base.QueueKeys) {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 13})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skipping integration test: redis ping failed: %v", err)
	}
	require.NoError(t, client.FlushDB(context.Background()).Err())
	r, err := NewRDB(client)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, base.KeysForQueue("varq", "test")
}

func defaultAddOpts() codec.AddOpts {
	return codec.AddOpts{
		Attempts:        3,
		StackTraceLimit: 10,
		KeepCompleted:   codec.KeepJobs{Count: -1},
		KeepFailed:      codec.KeepJobs{Count: -1},
	}
}

func addStandard(t *testing.T, r *RDB, qk base.QueueKeys, name, data string, mut func(*codec.AddOpts)) string {
	t.Helper()
	opts := defaultAddOpts()
	if mut != nil {
		mut(&opts)
	}
	id, err := r.AddStandard(context.Background(), qk, &AddParams{
		Name: name,
		Data: []byte(data),
		Opts: opts,
	})
	require.NoError(t, err)
	return id
}

func fetchOpts(token string, mut func(*codec.FetchOpts)) codec.FetchOpts {
	o := codec.FetchOpts{Token: token, LockDuration: 30000}
	if mut != nil {
		mut(&o)
	}
	return o
}

func finishOpts(token string) codec.FinishOpts {
	return codec.FinishOpts{
		Token:        token,
		KeepJobs:     codec.KeepJobs{Count: -1},
		Attempts:     3,
		LockDuration: 30000,
	}
}

// eventCount tallies occurrences of each event name on the events stream.
func eventCount(t *testing.T, r *RDB, qk base.QueueKeys) map[string]int {
	t.Helper()
	msgs, err := r.Client().XRange(context.Background(), qk.Events, "-", "+").Result()
	require.NoError(t, err)
	counts := make(map[string]int)
	for _, m := range msgs {
		if ev, ok := m.Values["event"].(string); ok {
			counts[ev]++
		}
	}
	return counts
}

// stateMembership reports how many of the queue's state sets hold the
// given job id.
func stateMembership(t *testing.T, r *RDB, qk base.QueueKeys, jobID string) int {
	t.Helper()
	ctx := context.Background()
	n := 0
	for _, listKey := range []string{qk.Wait, qk.Paused, qk.Active} {
		ids, err := r.Client().LRange(ctx, listKey, 0, -1).Result()
		require.NoError(t, err)
		for _, id := range ids {
			if id == jobID {
				n++
			}
		}
	}
	for _, zsetKey := range []string{qk.Prioritized, qk.Completed, qk.Failed} {
		err := r.Client().ZScore(ctx, zsetKey, jobID).Err()
		if err == nil {
			n++
		} else {
			require.ErrorIs(t, err, redis.Nil)
		}
	}
	members, err := r.Client().ZRange(ctx, qk.Delayed, 0, -1).Result()
	require.NoError(t, err)
	for _, m := range members {
		_, _, id, err := base.ParseDelayedMember(m)
		require.NoError(t, err)
		if id == jobID {
			n++
		}
	}
	return n
}

func TestAddStandardAssignsSequentialIds(t *testing.T) {
	r, qk := setup(t)
	id1 := addStandard(t, r, qk, "T", `{"n":1}`, nil)
	id2 := addStandard(t, r, qk, "T", `{"n":2}`, nil)
	require.Equal(t, "1", id1)
	require.Equal(t, "2", id2)
	require.Equal(t, 1, stateMembership(t, r, qk, id1))
	require.Equal(t, 1, stateMembership(t, r, qk, id2))
}

func TestAddStandardCustomIdConflict(t *testing.T) {
	r, qk := setup(t)
	ctx := context.Background()
	p := &AddParams{JobID: "X", Name: "T", Data: []byte(`{}`), Opts: defaultAddOpts()}
	id, err := r.AddStandard(ctx, qk, p)
	require.NoError(t, err)
	require.Equal(t, "X", id)

	_, err = r.AddStandard(ctx, qk, p)
	require.ErrorIs(t, err, errors.ErrJobIdConflict)

	counts := eventCount(t, r, qk)
	require.Equal(t, 1, counts["added"], "exactly one added event")
	require.Equal(t, 1, counts["duplicated"])

	// the stored body is the first add's
	msg, err := r.GetJob(ctx, qk, "X")
	require.NoError(t, err)
	require.Equal(t, "T", msg.Name)
	require.Equal(t, 1, stateMembership(t, r, qk, "X"))
}

func TestMoveToActiveFIFO(t *testing.T) {
	r, qk := setup(t)
	ctx := context.Background()
	addStandard(t, r, qk, "T", `{"n":1}`, nil)
	addStandard(t, r, qk, "T", `{"n":2}`, nil)

	resA, err := r.MoveToActive(ctx, qk, fetchOpts("tA", nil))
	require.NoError(t, err)
	require.NotNil(t, resA.Msg)
	require.Equal(t, "T", resA.Msg.Name)
	require.Equal(t, `{"n":1}`, string(resA.Msg.Data))

	resB, err := r.MoveToActive(ctx, qk, fetchOpts("tB", nil))
	require.NoError(t, err)
	require.NotNil(t, resB.Msg)
	require.Equal(t, `{"n":2}`, string(resB.Msg.Data))

	// both leased: nothing left
	resC, err := r.MoveToActive(ctx, qk, fetchOpts("tC", nil))
	require.NoError(t, err)
	require.Nil(t, resC.Msg)
}

func TestMoveToActiveRoundTripsBody(t *testing.T) {
	r, qk := setup(t)
	addStandard(t, r, qk, "resize", `{"w":640,"h":480}`, func(o *codec.AddOpts) { o.Priority = 3 })
	res, err := r.MoveToActive(context.Background(), qk, fetchOpts("tA", nil))
	require.NoError(t, err)
	require.NotNil(t, res.Msg)
	want := &base.JobMessage{
		ID:          res.Msg.ID,
		Name:        "resize",
		Data:        []byte(`{"w":640,"h":480}`),
		Opts:        res.Msg.Opts,
		Timestamp:   res.Msg.Timestamp,
		Priority:    3,
		ProcessedOn: res.Msg.ProcessedOn,
	}
	if diff := cmp.Diff(want, res.Msg); diff != "" {
		t.Errorf("leased body differed from the stored job (-want, +got)\n%s", diff)
	}
}

func TestMoveToActivePriorityOrder(t *testing.T) {
	r, qk := setup(t)
	ctx := context.Background()
	// priorities 0, 5, 5, 10 added in that order lease as 10, 5, 5, 0
	// with the two fives in arrival order
	idP0 := addStandard(t, r, qk, "T", `{"p":0}`, nil)
	idP5a := addStandard(t, r, qk, "T", `{"p":"5a"}`, func(o *codec.AddOpts) { o.Priority = 5 })
	idP5b := addStandard(t, r, qk, "T", `{"p":"5b"}`, func(o *codec.AddOpts) { o.Priority = 5 })
	idP10 := addStandard(t, r, qk, "T", `{"p":10}`, func(o *codec.AddOpts) { o.Priority = 10 })

	var got []string
	for i := 0; i < 4; i++ {
		res, err := r.MoveToActive(ctx, qk, fetchOpts(fmt.Sprintf("t%d", i), nil))
		require.NoError(t, err)
		require.NotNil(t, res.Msg)
		got = append(got, res.Msg.ID)
	}
	require.Equal(t, []string{idP10, idP5a, idP5b, idP0}, got)
}

func TestDelayedPromotion(t *testing.T) {
	r, qk := setup(t)
	ctx := context.Background()
	clock := timeutil.NewSimulatedClock(time.UnixMilli(1_700_000_000_000))
	r.SetClock(clock)
	t0 := clock.Now().UnixMilli()

	opts := defaultAddOpts()
	opts.Delay = 100
	jobID, err := r.AddDelayed(ctx, qk, &AddParams{Name: "T", Data: []byte(`{}`), Opts: opts})
	require.NoError(t, err)
	require.Equal(t, 1, stateMembership(t, r, qk, jobID))

	// the delayed member carries a parseable (timestamp, seq) slot
	members, err := r.Client().ZRange(ctx, qk.Delayed, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, members, 1)
	ts, seq, memberID, err := base.ParseDelayedMember(members[0])
	require.NoError(t, err)
	require.Equal(t, jobID, memberID)
	require.Equal(t, t0+100, ts)
	require.EqualValues(t, 0, seq)

	// halfway there: no lease, the next ripe time comes back instead
	clock.AdvanceTime(50 * time.Millisecond)
	res, err := r.MoveToActive(ctx, qk, fetchOpts("tA", nil))
	require.NoError(t, err)
	require.Nil(t, res.Msg)
	require.EqualValues(t, 0, res.RateLimitWaitMs)
	require.Equal(t, t0+100, res.NextDelayedTs)

	// ripe: the job is promoted and leased in one invocation
	clock.AdvanceTime(50 * time.Millisecond)
	res, err = r.MoveToActive(ctx, qk, fetchOpts("tA", nil))
	require.NoError(t, err)
	require.NotNil(t, res.Msg)
	require.Equal(t, jobID, res.Msg.ID)
}

func TestDelayedSameBucketKeepsArrivalOrder(t *testing.T) {
	r, qk := setup(t)
	ctx := context.Background()
	clock := timeutil.NewSimulatedClock(time.UnixMilli(1_700_000_000_000))
	r.SetClock(clock)

	opts := defaultAddOpts()
	opts.Delay = 10
	id1, err := r.AddDelayed(ctx, qk, &AddParams{Name: "T", Data: []byte(`{"n":1}`), Opts: opts})
	require.NoError(t, err)
	id2, err := r.AddDelayed(ctx, qk, &AddParams{Name: "T", Data: []byte(`{"n":2}`), Opts: opts})
	require.NoError(t, err)

	members, err := r.Client().ZRange(ctx, qk.Delayed, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, members, 2)
	_, seq1, m1, err := base.ParseDelayedMember(members[0])
	require.NoError(t, err)
	_, seq2, m2, err := base.ParseDelayedMember(members[1])
	require.NoError(t, err)
	require.Equal(t, id1, m1)
	require.Equal(t, id2, m2)
	require.Less(t, seq1, seq2)

	clock.AdvanceTime(20 * time.Millisecond)
	res, err := r.MoveToActive(ctx, qk, fetchOpts("tA", nil))
	require.NoError(t, err)
	require.Equal(t, id1, res.Msg.ID)
	res, err = r.MoveToActive(ctx, qk, fetchOpts("tB", nil))
	require.NoError(t, err)
	require.Equal(t, id2, res.Msg.ID)
}

func TestDeduplication(t *testing.T) {
	r, qk := setup(t)
	ctx := context.Background()

	opts := defaultAddOpts()
	opts.De = &codec.Dedup{ID: "X", TTL: 60000}
	first, err := r.AddStandard(ctx, qk, &AddParams{Name: "T", Data: []byte(`{}`), Opts: opts})
	require.NoError(t, err)

	second, err := r.AddStandard(ctx, qk, &AddParams{Name: "T", Data: []byte(`{}`), Opts: opts})
	require.NoError(t, err)
	require.Equal(t, first, second)

	counts := eventCount(t, r, qk)
	require.Equal(t, 1, counts["debounced"])
	require.Equal(t, 1, counts["deduplicated"])
	require.Equal(t, 1, counts["added"])

	// only the first job was stored
	require.Equal(t, 1, stateMembership(t, r, qk, first))
	owner, err := r.Client().Get(ctx, qk.DeduplicationKey("X")).Result()
	require.NoError(t, err)
	require.Equal(t, first, owner)
	ttl, err := r.Client().PTTL(ctx, qk.DeduplicationKey("X")).Result()
	require.NoError(t, err)
	require.Greater(t, ttl, time.Duration(0))
}

func TestDeduplicationReplaceDelayed(t *testing.T) {
	r, qk := setup(t)
	ctx := context.Background()

	opts := defaultAddOpts()
	opts.Delay = 60000
	opts.De = &codec.Dedup{ID: "X", TTL: 60000, Replace: true}
	first, err := r.AddDelayed(ctx, qk, &AddParams{Name: "T", Data: []byte(`{"v":1}`), Opts: opts})
	require.NoError(t, err)

	second, err := r.AddDelayed(ctx, qk, &AddParams{Name: "T", Data: []byte(`{"v":2}`), Opts: opts})
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	// the first job is gone, replaced by the second
	require.Equal(t, 0, stateMembership(t, r, qk, first))
	require.Equal(t, 1, stateMembership(t, r, qk, second))
	require.False(t, r.Client().Exists(ctx, qk.JobKey(first)).Val() == 1)

	counts := eventCount(t, r, qk)
	require.Equal(t, 1, counts["removed"])

	owner, err := r.Client().Get(ctx, qk.DeduplicationKey("X")).Result()
	require.NoError(t, err)
	require.Equal(t, second, owner)
}

func TestMoveToCompletedTokenMismatch(t *testing.T) {
	r, qk := setup(t)
	ctx := context.Background()
	jobID := addStandard(t, r, qk, "T", `{}`, nil)

	res, err := r.MoveToActive(ctx, qk, fetchOpts("tA", nil))
	require.NoError(t, err)
	require.Equal(t, jobID, res.Msg.ID)

	_, err = r.MoveToCompleted(ctx, qk, jobID, `"ok"`, false, finishOpts("tWRONG"))
	require.Error(t, err)
	var serr *errors.ScriptError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, errors.CodeLockNotOwned, serr.Code)

	// the job stays active
	ids, err := r.Client().LRange(ctx, qk.Active, 0, -1).Result()
	require.NoError(t, err)
	require.Equal(t, []string{jobID}, ids)

	// correct token succeeds
	next, err := r.MoveToCompleted(ctx, qk, jobID, `"ok"`, false, finishOpts("tA"))
	require.NoError(t, err)
	require.Nil(t, next)

	err = r.Client().ZScore(ctx, qk.Completed, jobID).Err()
	require.NoError(t, err)
	require.Equal(t, 1, stateMembership(t, r, qk, jobID))

	msg, err := r.GetJob(ctx, qk, jobID)
	require.NoError(t, err)
	require.Equal(t, `"ok"`, string(msg.ReturnValue))
	require.EqualValues(t, 1, msg.AttemptsMade)
	require.Greater(t, msg.FinishedOn, int64(0))
}

func TestMoveToCompletedMissingJob(t *testing.T) {
	r, qk := setup(t)
	_, err := r.MoveToCompleted(context.Background(), qk, "ghost", `"ok"`, false, finishOpts("tA"))
	var serr *errors.ScriptError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, errors.CodeJobNotFound, serr.Code)
}

func TestMoveToCompletedMissingLock(t *testing.T) {
	r, qk := setup(t)
	ctx := context.Background()
	jobID := addStandard(t, r, qk, "T", `{}`, nil)
	res, err := r.MoveToActive(ctx, qk, fetchOpts("tA", nil))
	require.NoError(t, err)
	require.Equal(t, jobID, res.Msg.ID)

	// simulate an expired lease
	require.NoError(t, r.Client().Del(ctx, qk.LockKey(jobID)).Err())
	_, err = r.MoveToCompleted(ctx, qk, jobID, `"ok"`, false, finishOpts("tA"))
	var serr *errors.ScriptError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, errors.CodeLockMissing, serr.Code)
}

func TestMoveToCompletedRemovesBodyWithKeepCountZero(t *testing.T) {
	r, qk := setup(t)
	ctx := context.Background()
	jobID := addStandard(t, r, qk, "T", `{}`, nil)
	_, err := r.MoveToActive(ctx, qk, fetchOpts("tA", nil))
	require.NoError(t, err)

	opts := finishOpts("tA")
	opts.KeepJobs = codec.KeepJobs{Count: 0}
	_, err = r.MoveToCompleted(ctx, qk, jobID, `"ok"`, false, opts)
	require.NoError(t, err)

	require.EqualValues(t, 0, r.Client().Exists(ctx, qk.JobKey(jobID)).Val())
	require.Equal(t, 0, stateMembership(t, r, qk, jobID))
}

func TestMoveToCompletedFetchNext(t *testing.T) {
	r, qk := setup(t)
	ctx := context.Background()
	id1 := addStandard(t, r, qk, "T", `{"n":1}`, nil)
	id2 := addStandard(t, r, qk, "T", `{"n":2}`, nil)

	res, err := r.MoveToActive(ctx, qk, fetchOpts("tA", nil))
	require.NoError(t, err)
	require.Equal(t, id1, res.Msg.ID)

	next, err := r.MoveToCompleted(ctx, qk, id1, `"ok"`, true, finishOpts("tA"))
	require.NoError(t, err)
	require.NotNil(t, next)
	require.NotNil(t, next.Msg)
	require.Equal(t, id2, next.Msg.ID)
}

func TestMoveToFailedRetriesExhausted(t *testing.T) {
	r, qk := setup(t)
	ctx := context.Background()
	jobID := addStandard(t, r, qk, "T", `{}`, nil)
	_, err := r.MoveToActive(ctx, qk, fetchOpts("tA", nil))
	require.NoError(t, err)

	opts := finishOpts("tA")
	opts.Attempts = 1
	_, err = r.MoveToFailed(ctx, qk, jobID, "boom", false, opts)
	require.NoError(t, err)

	counts := eventCount(t, r, qk)
	require.Equal(t, 1, counts["failed"])
	require.Equal(t, 1, counts["retries-exhausted"])

	msg, err := r.GetJob(ctx, qk, jobID)
	require.NoError(t, err)
	require.Equal(t, "boom", msg.FailedReason)
}

func TestMoveToFinishedEmitsDrained(t *testing.T) {
	r, qk := setup(t)
	ctx := context.Background()
	jobID := addStandard(t, r, qk, "T", `{}`, nil)
	_, err := r.MoveToActive(ctx, qk, fetchOpts("tA", nil))
	require.NoError(t, err)
	_, err = r.MoveToCompleted(ctx, qk, jobID, `"ok"`, false, finishOpts("tA"))
	require.NoError(t, err)
	require.Equal(t, 1, eventCount(t, r, qk)["drained"])
}

func TestRateLimiter(t *testing.T) {
	r, qk := setup(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		addStandard(t, r, qk, "T", fmt.Sprintf(`{"n":%d}`, i), nil)
	}
	limited := func(o *codec.FetchOpts) {
		o.Limiter = &codec.Limiter{Max: 2, Duration: 60000}
	}

	res, err := r.MoveToActive(ctx, qk, fetchOpts("tA", limited))
	require.NoError(t, err)
	require.NotNil(t, res.Msg)
	require.EqualValues(t, 1, res.RemainingBudget)

	res, err = r.MoveToActive(ctx, qk, fetchOpts("tB", limited))
	require.NoError(t, err)
	require.NotNil(t, res.Msg)
	require.EqualValues(t, 0, res.RemainingBudget)

	res, err = r.MoveToActive(ctx, qk, fetchOpts("tC", limited))
	require.NoError(t, err)
	require.Nil(t, res.Msg)
	require.Greater(t, res.RateLimitWaitMs, int64(0))

	// one job still waits
	n, err := r.Client().LLen(ctx, qk.Wait).Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestRetry(t *testing.T) {
	r, qk := setup(t)
	ctx := context.Background()
	jobID := addStandard(t, r, qk, "T", `{}`, nil)
	_, err := r.MoveToActive(ctx, qk, fetchOpts("tA", nil))
	require.NoError(t, err)

	require.NoError(t, r.Retry(ctx, qk, jobID, false, codec.RetryOpts{Token: "tA"}))

	// back on wait with one recorded attempt
	ids, err := r.Client().LRange(ctx, qk.Wait, 0, -1).Result()
	require.NoError(t, err)
	require.Equal(t, []string{jobID}, ids)
	msg, err := r.GetJob(ctx, qk, jobID)
	require.NoError(t, err)
	require.EqualValues(t, 1, msg.AttemptsMade)

	counts := eventCount(t, r, qk)
	require.GreaterOrEqual(t, counts["waiting"], 2)

	// wrong token cannot retry a fresh lease
	_, err = r.MoveToActive(ctx, qk, fetchOpts("tB", nil))
	require.NoError(t, err)
	err = r.Retry(ctx, qk, jobID, false, codec.RetryOpts{Token: "tZ"})
	var serr *errors.ScriptError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, errors.CodeLockNotOwned, serr.Code)
}

func TestPauseAndResume(t *testing.T) {
	r, qk := setup(t)
	ctx := context.Background()
	jobID := addStandard(t, r, qk, "T", `{}`, nil)

	require.NoError(t, r.Pause(ctx, qk))

	// the waiting job moved aside and nothing can be leased
	require.EqualValues(t, 1, r.Client().LLen(ctx, qk.Paused).Val())
	res, err := r.MoveToActive(ctx, qk, fetchOpts("tA", nil))
	require.NoError(t, err)
	require.Nil(t, res.Msg)

	// adds while paused land on the paused list
	id2 := addStandard(t, r, qk, "T", `{"n":2}`, nil)
	require.EqualValues(t, 2, r.Client().LLen(ctx, qk.Paused).Val())

	require.NoError(t, r.Resume(ctx, qk))
	res, err = r.MoveToActive(ctx, qk, fetchOpts("tA", nil))
	require.NoError(t, err)
	require.NotNil(t, res.Msg)
	require.Equal(t, jobID, res.Msg.ID)

	res, err = r.MoveToActive(ctx, qk, fetchOpts("tB", nil))
	require.NoError(t, err)
	require.NotNil(t, res.Msg)
	require.Equal(t, id2, res.Msg.ID)
}

func TestConcurrencyCap(t *testing.T) {
	r, qk := setup(t)
	ctx := context.Background()
	require.NoError(t, r.Client().HSet(ctx, qk.Meta, "concurrency", 1).Err())
	addStandard(t, r, qk, "T", `{"n":1}`, nil)
	addStandard(t, r, qk, "T", `{"n":2}`, nil)

	res, err := r.MoveToActive(ctx, qk, fetchOpts("tA", nil))
	require.NoError(t, err)
	require.NotNil(t, res.Msg)

	// the cap is reached; the second job stays in wait
	res, err = r.MoveToActive(ctx, qk, fetchOpts("tB", nil))
	require.NoError(t, err)
	require.Nil(t, res.Msg)
	require.EqualValues(t, 1, r.Client().LLen(ctx, qk.Wait).Val())
}

func TestExtendLock(t *testing.T) {
	r, qk := setup(t)
	ctx := context.Background()
	jobID := addStandard(t, r, qk, "T", `{}`, nil)
	_, err := r.MoveToActive(ctx, qk, fetchOpts("tA", nil))
	require.NoError(t, err)

	ok, err := r.ExtendLock(ctx, qk, jobID, "tA", 60000)
	require.NoError(t, err)
	require.True(t, ok)

	ttl, err := r.Client().PTTL(ctx, qk.LockKey(jobID)).Result()
	require.NoError(t, err)
	require.Greater(t, ttl, 30*time.Second)

	ok, err = r.ExtendLock(ctx, qk, jobID, "tWRONG", 60000)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetCounts(t *testing.T) {
	r, qk := setup(t)
	ctx := context.Background()
	addStandard(t, r, qk, "T", `{"n":1}`, nil)
	addStandard(t, r, qk, "T", `{"n":2}`, nil)
	addStandard(t, r, qk, "T", `{"p":1}`, func(o *codec.AddOpts) { o.Priority = 1 })
	opts := defaultAddOpts()
	opts.Delay = 60000
	_, err := r.AddDelayed(ctx, qk, &AddParams{Name: "T", Data: []byte(`{}`), Opts: opts})
	require.NoError(t, err)
	_, err = r.MoveToActive(ctx, qk, fetchOpts("tA", nil))
	require.NoError(t, err)

	counts, err := r.GetCounts(ctx, qk,
		base.StateWait, base.StatePaused, base.StateActive, base.StatePrioritized,
		base.StateDelayed, base.StateCompleted, base.StateFailed)
	require.NoError(t, err)
	want := map[string]int64{
		base.StateWait:        2,
		base.StatePaused:      0,
		base.StateActive:      1,
		base.StatePrioritized: 0,
		base.StateDelayed:     1,
		base.StateCompleted:   0,
		base.StateFailed:      0,
	}
	if diff := cmp.Diff(want, counts); diff != "" {
		t.Errorf("counts differed (-want, +got)\n%s", diff)
	}
}

func TestLegacyWaitMarkerConsumed(t *testing.T) {
	r, qk := setup(t)
	ctx := context.Background()
	jobID := addStandard(t, r, qk, "T", `{}`, nil)
	// a pre-V5 client left a marker on the pop side of the wait list
	require.NoError(t, r.Client().RPush(ctx, qk.Wait, "0:123").Err())

	res, err := r.MoveToActive(ctx, qk, fetchOpts("tA", nil))
	require.NoError(t, err)
	require.NotNil(t, res.Msg)
	require.Equal(t, jobID, res.Msg.ID)

	// the marker is gone from both lists
	require.EqualValues(t, 0, r.Client().LLen(ctx, qk.Wait).Val())
	ids, err := r.Client().LRange(ctx, qk.Active, 0, -1).Result()
	require.NoError(t, err)
	require.Equal(t, []string{jobID}, ids)
}

func TestConcurrentLeasesAreExclusive(t *testing.T) {
	r, qk := setup(t)
	ctx := context.Background()
	const jobs = 20
	for i := 0; i < jobs; i++ {
		addStandard(t, r, qk, "T", fmt.Sprintf(`{"n":%d}`, i), nil)
	}

	var (
		mu     sync.Mutex
		leased []string
		wg     sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			token := fmt.Sprintf("t%d", w)
			for {
				res, err := r.MoveToActive(ctx, qk, fetchOpts(token, nil))
				if err != nil || res.Msg == nil {
					return
				}
				mu.Lock()
				leased = append(leased, res.Msg.ID)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	require.Len(t, leased, jobs)
	seen := make(map[string]bool, jobs)
	for _, id := range leased {
		require.False(t, seen[id], "job %s leased twice", id)
		seen[id] = true
	}
}

func TestMembershipInvariantAcrossLifecycle(t *testing.T) {
	r, qk := setup(t)
	ctx := context.Background()
	jobID := addStandard(t, r, qk, "T", `{}`, nil)
	require.Equal(t, 1, stateMembership(t, r, qk, jobID))

	_, err := r.MoveToActive(ctx, qk, fetchOpts("tA", nil))
	require.NoError(t, err)
	require.Equal(t, 1, stateMembership(t, r, qk, jobID))

	require.NoError(t, r.Retry(ctx, qk, jobID, false, codec.RetryOpts{Token: "tA"}))
	require.Equal(t, 1, stateMembership(t, r, qk, jobID))

	_, err = r.MoveToActive(ctx, qk, fetchOpts("tB", nil))
	require.NoError(t, err)
	_, err = r.MoveToFailed(ctx, qk, jobID, "boom", false, finishOpts("tB"))
	require.NoError(t, err)
	require.Equal(t, 1, stateMembership(t, r, qk, jobID))
}
