package instancectl

import (
	"context"
	"fmt"

	"github.com/kiloclaw/sandboxd/internal/store"
	"github.com/kiloclaw/sandboxd/pkg/providererr"
)

// Destroy implements the two-phase destroy of §4.3.4. Once status=destroying
// is persisted, the controller must see it through — cancellation never
// resurrects the record (spec §5).
func (c *Controller) Destroy(ctx context.Context, userID string) error {
	return c.withUserLock(userID, func() error {
		rec, err := c.cfg.Store.GetInstance(ctx, userID)
		if err != nil {
			return fmt.Errorf("loading instance record: %w", err)
		}
		if rec.Empty() {
			return nil
		}

		if rec.Status != store.StatusDestroying {
			rec.PendingDestroyMachineID = rec.FlyMachineID
			rec.PendingDestroyVolumeID = rec.FlyVolumeID
			rec.Status = store.StatusDestroying
			if err := c.cfg.Store.PutInstance(ctx, userID, rec); err != nil {
				return fmt.Errorf("persisting destroy intent: %w", err)
			}
			c.publishLifecycleEvent(ctx, userID, "destroying", nil)
		}

		fc := c.cfg.NewFlyClient(rec.FlyAppName)

		if rec.PendingDestroyMachineID != "" {
			if err := fc.DestroyMachine(ctx, rec.PendingDestroyMachineID); err != nil && !providererr.NotFound(err) {
				c.cfg.Logger.Warn("destroy: machine delete failed, will retry via alarm", "user_id", userID, "error", err)
			} else {
				rec.PendingDestroyMachineID = ""
			}
		}
		if rec.PendingDestroyVolumeID != "" {
			if err := fc.DeleteVolume(ctx, rec.PendingDestroyVolumeID); err != nil && !providererr.NotFound(err) {
				c.cfg.Logger.Warn("destroy: volume delete failed, will retry via alarm", "user_id", userID, "error", err)
			} else {
				rec.PendingDestroyVolumeID = ""
			}
		}

		if rec.PendingDestroyMachineID == "" && rec.PendingDestroyVolumeID == "" {
			c.publishLifecycleEvent(ctx, userID, "destroyed", nil)
			return c.cfg.Store.DeleteInstance(ctx, userID)
		}

		if err := c.cfg.Store.PutInstance(ctx, userID, rec); err != nil {
			return fmt.Errorf("persisting destroy progress: %w", err)
		}
		c.armAlarm(ctx, userID, store.StatusDestroying)
		return nil
	})
}
