package store

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(rdb, logger)
}

func TestAppRecordRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, err := s.GetApp(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetApp: %v", err)
	}
	if !rec.Empty() {
		t.Fatalf("expected empty record for unwritten user, got %+v", rec)
	}

	want := AppRecord{UserID: "user-1", AppName: "dev-abc", IPv6Allocated: true}
	if err := s.PutApp(ctx, "user-1", want); err != nil {
		t.Fatalf("PutApp: %v", err)
	}

	got, err := s.GetApp(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetApp: %v", err)
	}
	if got != want {
		t.Errorf("GetApp() = %+v, want %+v", got, want)
	}

	if err := s.DeleteApp(ctx, "user-1"); err != nil {
		t.Fatalf("DeleteApp: %v", err)
	}
	got, err = s.GetApp(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetApp after delete: %v", err)
	}
	if !got.Empty() {
		t.Errorf("expected empty record after delete, got %+v", got)
	}
}

func TestInstanceRecordRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	want := InstanceRecord{
		UserID:    "user-2",
		SandboxID: "sandbox-xyz",
		Status:    StatusRunning,
		EnvVars:   map[string]string{"FOO": "bar"},
	}
	if err := s.PutInstance(ctx, "user-2", want); err != nil {
		t.Fatalf("PutInstance: %v", err)
	}

	got, err := s.GetInstance(ctx, "user-2")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got.SandboxID != want.SandboxID || got.Status != want.Status || got.EnvVars["FOO"] != "bar" {
		t.Errorf("GetInstance() = %+v, want %+v", got, want)
	}
}

func TestGetCorruptRecordIsFailSafe(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.rdb.Set(ctx, appKeyPrefix+"user-3", "{not json", 0).Err(); err != nil {
		t.Fatalf("seeding corrupt record: %v", err)
	}

	rec, err := s.GetApp(ctx, "user-3")
	if err != nil {
		t.Fatalf("GetApp on corrupt record should not error, got: %v", err)
	}
	if !rec.Empty() {
		t.Errorf("expected empty record for corrupt data, got %+v", rec)
	}
}
