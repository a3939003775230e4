package instancectl

import (
	"context"
	"fmt"

	"github.com/kiloclaw/sandboxd/internal/store"
	"github.com/kiloclaw/sandboxd/pkg/providererr"
)

// Stop implements §4.3.3. A not_found on the machine is treated as success;
// any other failure leaves status untouched since the real state is
// unknown.
func (c *Controller) Stop(ctx context.Context, userID string) error {
	return c.withUserLock(userID, func() error {
		rec, err := c.cfg.Store.GetInstance(ctx, userID)
		if err != nil {
			return fmt.Errorf("loading instance record: %w", err)
		}
		if rec.Empty() {
			return fmt.Errorf("no instance record for user %q", userID)
		}

		switch rec.Status {
		case store.StatusStopped, store.StatusProvisioned, store.StatusDestroying:
			return nil
		}

		if rec.FlyMachineID != "" {
			fc := c.cfg.NewFlyClient(rec.FlyAppName)
			if err := fc.StopAndWaitMachine(ctx, rec.FlyMachineID, startupTimeout); err != nil {
				if !providererr.NotFound(err) {
					return fmt.Errorf("stopping machine: %w", err)
				}
			}
		}

		rec.Status = store.StatusStopped
		rec.LastStoppedAt = ptrMillis(nowMillis())
		if err := c.cfg.Store.PutInstance(ctx, userID, rec); err != nil {
			return fmt.Errorf("persisting stopped status: %w", err)
		}
		c.armAlarm(ctx, userID, store.StatusStopped)
		c.publishLifecycleEvent(ctx, userID, "stopped", nil)
		return nil
	})
}
