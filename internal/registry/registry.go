// Package registry is the external relational registry of spec §4.3.9: a
// fallback source of truth used only to rehydrate a user's instance record
// after catastrophic local-storage loss. It is the reader, never the
// authority — the Instance Controller's persisted KV record always wins
// when both exist.
package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when the registry has no record for a user.
var ErrNotFound = errors.New("registry: record not found")

// Entry is the narrow slice of instance identity the registry remembers.
// Fly identifiers are deliberately absent — recovering them is the job of
// the metadata-recovery pass that follows a restore (spec §4.3.9).
type Entry struct {
	UserID            string
	SandboxID         string
	AppName           string
	HasActiveInstance bool
}

// Registry reads and writes the external instances table.
type Registry struct {
	pool *pgxpool.Pool
}

// New creates a Registry backed by the given pool.
func New(pool *pgxpool.Pool) *Registry {
	return &Registry{pool: pool}
}

// Lookup returns the registry's record for userID, or ErrNotFound.
func (r *Registry) Lookup(ctx context.Context, userID string) (Entry, error) {
	var e Entry
	err := r.pool.QueryRow(ctx,
		`SELECT user_id, sandbox_id, app_name, has_active_instance
		 FROM instances WHERE user_id = $1`,
		userID,
	).Scan(&e.UserID, &e.SandboxID, &e.AppName, &e.HasActiveInstance)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("looking up registry entry for %q: %w", userID, err)
	}
	return e, nil
}

// Upsert records that userID has an active instance with the given identity
// and returns any write failure as an error. No controller in this module
// calls it; the controllers only read the registry through Lookup
// (spec §4.3.9: the registry is a fallback, not the authority).
func (r *Registry) Upsert(ctx context.Context, e Entry) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO instances (user_id, sandbox_id, app_name, has_active_instance, updated_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (user_id) DO UPDATE SET
		   sandbox_id = EXCLUDED.sandbox_id,
		   app_name = EXCLUDED.app_name,
		   has_active_instance = EXCLUDED.has_active_instance,
		   updated_at = now()`,
		e.UserID, e.SandboxID, e.AppName, e.HasActiveInstance,
	)
	if err != nil {
		return fmt.Errorf("upserting registry entry for %q: %w", e.UserID, err)
	}
	return nil
}

// MarkDestroyed clears the active flag for userID; the instance destroy path
// in this module does not call it. The row
// itself is kept (not deleted) so a later re-provision of the same user
// doesn't need to guess whether they've used the system before.
func (r *Registry) MarkDestroyed(ctx context.Context, userID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE instances SET has_active_instance = FALSE, updated_at = now() WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("marking registry entry destroyed for %q: %w", userID, err)
	}
	return nil
}
