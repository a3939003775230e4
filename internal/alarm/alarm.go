// Package alarm implements the single-slot per-controller alarm (spec §5
// "Shared resources": "The alarm is a single slot per controller —
// re-arming replaces the prior schedule"). It is backed by a Redis sorted
// set per controller kind, scored by due-time in Unix milliseconds, so
// arming is just an upsert and a sweep is a cheap range query — no
// in-memory timers to lose across restarts.
package alarm

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Kind distinguishes the App Controller's alarm set from the Instance
// Controller's — each controller owns exactly one slot within its kind.
type Kind string

const (
	KindApp      Kind = "app"
	KindInstance Kind = "instance"
)

func zsetKey(kind Kind) string {
	return "kiloclaw:alarms:" + string(kind)
}

// Scheduler arms, disarms, and sweeps due alarms for a controller kind.
type Scheduler struct {
	rdb *redis.Client
}

// New creates a Scheduler over rdb.
func New(rdb *redis.Client) *Scheduler {
	return &Scheduler{rdb: rdb}
}

// Arm schedules (or reschedules) userID's next alarm at dueAt. Re-arming
// before a prior alarm fires simply overwrites the score — there is only
// ever one slot.
func (s *Scheduler) Arm(ctx context.Context, kind Kind, userID string, dueAt time.Time) error {
	return s.rdb.ZAdd(ctx, zsetKey(kind), redis.Z{
		Score:  float64(dueAt.UnixMilli()),
		Member: userID,
	}).Err()
}

// Disarm removes userID's pending alarm, if any.
func (s *Scheduler) Disarm(ctx context.Context, kind Kind, userID string) error {
	return s.rdb.ZRem(ctx, zsetKey(kind), userID).Err()
}

// Due returns the user IDs whose alarm is scheduled at or before now, in
// ascending due-time order. It does not remove them — the caller disarms or
// re-arms as part of handling each one, so a crash between Due and handling
// simply leaves the alarm to be picked up again on the next sweep.
func (s *Scheduler) Due(ctx context.Context, kind Kind, now time.Time) ([]string, error) {
	return s.rdb.ZRangeByScore(ctx, zsetKey(kind), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
}
