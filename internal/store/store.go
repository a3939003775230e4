// Package store implements the controller-local persisted key-value layout
// (spec §6 "Persisted state layout"): one JSON record per controller, keyed
// by record kind and user ID. A validation failure on read is treated as a
// fresh (empty) record rather than a fatal error — the reconciler rediscovers
// real state from the provider's own metadata tags, so fail-safe here never
// strands a user.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const (
	appKeyPrefix      = "kiloclaw:app:"
	instanceKeyPrefix = "kiloclaw:instance:"
)

// Store is the Redis-backed controller record store.
type Store struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// New creates a Store over rdb.
func New(rdb *redis.Client, logger *slog.Logger) *Store {
	return &Store{rdb: rdb, logger: logger}
}

// GetApp loads the Application record for userID. A missing key or a record
// that fails to parse both return a zero-value AppRecord — callers branch on
// AppRecord.Empty(), not on the error, to decide whether to start fresh.
func (s *Store) GetApp(ctx context.Context, userID string) (AppRecord, error) {
	var rec AppRecord
	ok, err := s.get(ctx, appKeyPrefix+userID, &rec)
	if err != nil {
		return AppRecord{}, err
	}
	if !ok {
		return AppRecord{}, nil
	}
	return rec, nil
}

// PutApp persists the Application record for userID.
func (s *Store) PutApp(ctx context.Context, userID string, rec AppRecord) error {
	return s.put(ctx, appKeyPrefix+userID, rec)
}

// DeleteApp wipes the Application record for userID.
func (s *Store) DeleteApp(ctx context.Context, userID string) error {
	return s.rdb.Del(ctx, appKeyPrefix+userID).Err()
}

// GetInstance loads the Instance record for userID, fail-safe on corruption.
func (s *Store) GetInstance(ctx context.Context, userID string) (InstanceRecord, error) {
	var rec InstanceRecord
	ok, err := s.get(ctx, instanceKeyPrefix+userID, &rec)
	if err != nil {
		return InstanceRecord{}, err
	}
	if !ok {
		return InstanceRecord{}, nil
	}
	return rec, nil
}

// PutInstance persists the Instance record for userID.
func (s *Store) PutInstance(ctx context.Context, userID string, rec InstanceRecord) error {
	return s.put(ctx, instanceKeyPrefix+userID, rec)
}

// DeleteInstance wipes the Instance record for userID. Invariant 3 (§3):
// callers MUST only invoke this once both pending-destroy IDs are clear.
func (s *Store) DeleteInstance(ctx context.Context, userID string) error {
	return s.rdb.Del(ctx, instanceKeyPrefix+userID).Err()
}

// get fetches and unmarshals a record. ok=false means "treat as a fresh
// record" — either the key is genuinely absent, or it failed to parse and
// was logged.
func (s *Store) get(ctx context.Context, key string, out any) (bool, error) {
	val, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := json.Unmarshal(val, out); err != nil {
		s.logger.Error("corrupt controller record, treating as fresh", "key", key, "error", err)
		return false, nil
	}
	return true, nil
}

func (s *Store) put(ctx context.Context, key string, rec any) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, key, buf, 0).Err()
}
