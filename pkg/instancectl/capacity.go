package instancectl

import (
	"context"
	"fmt"

	"github.com/kiloclaw/sandboxd/internal/store"
	"github.com/kiloclaw/sandboxd/internal/telemetry"
	"github.com/kiloclaw/sandboxd/pkg/flyclient"
)

// recoverCapacity implements §4.3.11. It never touches rec.Status — the
// caller retries machine creation once the replacement volume is in place.
func (c *Controller) recoverCapacity(ctx context.Context, userID string, fc *flyclient.Client, rec *store.InstanceRecord, machineCfg flyclient.MachineConfig) error {
	path := "fresh_provision"
	if rec.LastStartedAt != nil {
		path = "existing_instance"
	}

	regions := deprioritize(c.regionsOrDefault(rec), rec.FlyRegion)

	if rec.FlyMachineID != "" {
		if err := fc.DestroyMachine(ctx, rec.FlyMachineID); err != nil {
			c.cfg.Logger.Warn("destroying stranded machine during capacity recovery failed", "user_id", userID, "error", err)
		}
		rec.FlyMachineID = ""
	}

	cpus, memMB, _ := guestFromSize(rec.MachineSize)
	hint := flyclient.ComputeHint{CPUs: cpus, MemoryMB: memMB}

	if path == "fresh_provision" {
		oldVolumeID := rec.FlyVolumeID
		if oldVolumeID != "" {
			if err := fc.DeleteVolume(ctx, oldVolumeID); err != nil {
				telemetry.CapacityRecoveryTotal.WithLabelValues(path, "delete_old_volume_failed").Inc()
				return fmt.Errorf("deleting volume before fresh recreate: %w", err)
			}
		}

		vol, err := fc.CreateVolumeWithFallback(ctx, volumeName(rec.SandboxID), "", defaultVolumeSizeGB, hint, regions)
		if err != nil {
			telemetry.CapacityRecoveryTotal.WithLabelValues(path, "create_failed").Inc()
			return fmt.Errorf("creating replacement volume: %w", err)
		}

		rec.FlyVolumeID = vol.ID
		rec.FlyRegion = vol.Region
		telemetry.CapacityRecoveryTotal.WithLabelValues(path, "ok").Inc()
		return nil
	}

	// Existing instance: fork, and only delete the source after the fork
	// succeeds — user data must never be lost on a failed fork.
	newVol, err := fc.CreateVolumeWithFallback(ctx, volumeName(rec.SandboxID)+"-fork", rec.FlyVolumeID, defaultVolumeSizeGB, hint, regions)
	if err != nil {
		telemetry.CapacityRecoveryTotal.WithLabelValues(path, "fork_failed").Inc()
		return fmt.Errorf("forking volume: %w", err)
	}

	oldVolumeID := rec.FlyVolumeID
	rec.FlyVolumeID = newVol.ID
	rec.FlyRegion = newVol.Region

	if err := fc.DeleteVolume(ctx, oldVolumeID); err != nil {
		c.cfg.Logger.Warn("deleting old volume after successful fork failed", "user_id", userID, "error", err)
	}

	telemetry.CapacityRecoveryTotal.WithLabelValues(path, "ok").Inc()
	return nil
}

func (c *Controller) regionsOrDefault(rec *store.InstanceRecord) []string {
	if rec.FlyRegion != "" {
		return append([]string{rec.FlyRegion}, c.cfg.DefaultRegions...)
	}
	return c.cfg.DefaultRegions
}

// deprioritize moves failedRegion to the end of the list, preserving order
// of everything else (spec §4.3.11: "the region list MUST be deprioritized").
func deprioritize(regions []string, failedRegion string) []string {
	if failedRegion == "" {
		return regions
	}
	out := make([]string, 0, len(regions))
	for _, r := range regions {
		if r != failedRegion {
			out = append(out, r)
		}
	}
	out = append(out, failedRegion)
	return out
}
