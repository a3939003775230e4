package instancectl

import (
	"context"
	"fmt"

	"github.com/kiloclaw/sandboxd/internal/registry"
	"github.com/kiloclaw/sandboxd/internal/store"
)

// restoreFromRegistry implements §4.3.9: hydrate a fresh local record from
// the external relational registry when local storage was lost, then run
// metadata recovery right away to rediscover IDs. The
// registry is a reader, never the authority — callers must not treat a
// restored record as fully trustworthy until reconciliation runs.
func (c *Controller) restoreFromRegistry(ctx context.Context, userID string) (store.InstanceRecord, error) {
	if c.cfg.Registry == nil {
		return store.InstanceRecord{}, nil
	}

	entry, err := c.cfg.Registry.Lookup(ctx, userID)
	if err != nil {
		if err == registry.ErrNotFound {
			return store.InstanceRecord{}, nil
		}
		return store.InstanceRecord{}, fmt.Errorf("looking up registry entry: %w", err)
	}
	if !entry.HasActiveInstance {
		return store.InstanceRecord{}, nil
	}

	rec := store.InstanceRecord{
		UserID:        entry.UserID,
		SandboxID:     entry.SandboxID,
		Status:        store.StatusProvisioned,
		FlyAppName:    entry.AppName,
		ProvisionedAt: ptrMillis(nowMillis()),
	}

	if err := c.cfg.Store.PutInstance(ctx, userID, rec); err != nil {
		return store.InstanceRecord{}, fmt.Errorf("persisting restored record: %w", err)
	}

	fc := c.cfg.NewFlyClient(rec.FlyAppName)
	if err := c.recoverMetadata(ctx, userID, fc, &rec); err != nil {
		c.cfg.Logger.Warn("metadata recovery after registry restore failed", "user_id", userID, "error", err)
	}
	if err := c.cfg.Store.PutInstance(ctx, userID, rec); err != nil {
		return store.InstanceRecord{}, fmt.Errorf("persisting metadata-recovered record: %w", err)
	}

	c.armAlarm(ctx, userID, rec.Status)
	return rec, nil
}
