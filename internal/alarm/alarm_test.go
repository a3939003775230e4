package alarm

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return New(rdb)
}

func TestArmAndDue(t *testing.T) {
	s := newTestScheduler(t)
	ctx := context.Background()
	now := time.Now()

	if err := s.Arm(ctx, KindInstance, "user-1", now.Add(-time.Minute)); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if err := s.Arm(ctx, KindInstance, "user-2", now.Add(time.Hour)); err != nil {
		t.Fatalf("Arm: %v", err)
	}

	due, err := s.Due(ctx, KindInstance, now)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 1 || due[0] != "user-1" {
		t.Errorf("Due() = %v, want [user-1]", due)
	}
}

func TestArmOverwritesPriorSchedule(t *testing.T) {
	s := newTestScheduler(t)
	ctx := context.Background()
	now := time.Now()

	if err := s.Arm(ctx, KindApp, "user-1", now.Add(-time.Hour)); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if err := s.Arm(ctx, KindApp, "user-1", now.Add(time.Hour)); err != nil {
		t.Fatalf("Arm: %v", err)
	}

	due, err := s.Due(ctx, KindApp, now)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("Due() = %v, want empty (re-arm should have replaced the slot)", due)
	}
}

func TestDisarm(t *testing.T) {
	s := newTestScheduler(t)
	ctx := context.Background()
	now := time.Now()

	if err := s.Arm(ctx, KindInstance, "user-1", now.Add(-time.Minute)); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if err := s.Disarm(ctx, KindInstance, "user-1"); err != nil {
		t.Fatalf("Disarm: %v", err)
	}

	due, err := s.Due(ctx, KindInstance, now)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("Due() = %v, want empty after disarm", due)
	}
}

func TestKindsAreIndependent(t *testing.T) {
	s := newTestScheduler(t)
	ctx := context.Background()
	now := time.Now()

	if err := s.Arm(ctx, KindApp, "user-1", now.Add(-time.Minute)); err != nil {
		t.Fatalf("Arm: %v", err)
	}

	instanceDue, err := s.Due(ctx, KindInstance, now)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(instanceDue) != 0 {
		t.Errorf("instance Due() = %v, want empty — app and instance alarms must not share a slot", instanceDue)
	}
}
