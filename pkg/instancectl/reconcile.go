package instancectl

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kiloclaw/sandboxd/internal/alarm"
	"github.com/kiloclaw/sandboxd/internal/store"
	"github.com/kiloclaw/sandboxd/internal/telemetry"
	"github.com/kiloclaw/sandboxd/pkg/flyclient"
	"github.com/kiloclaw/sandboxd/pkg/providererr"
)

// metadataCandidates caches the time of the last metadata-recovery attempt
// per user. recoverMetadata consults it before rec.LastMetadataRecoveryAt:
// the persisted field survives a process restart but only gets checked
// after a Redis round trip that already happened to load rec, while this
// in-memory cache lets a hot reconcile loop skip straight past the
// ListMachines call on every alarm tick within the cooldown window, which
// is the actual source of the "avoid a provider call" guarantee.
var metadataCandidates, _ = lru.New[string, time.Time](metadataCandidateCache)

// HandleAlarm is the reconciler entrypoint (spec §4.3.5), invoked by the
// worker's alarm sweep once userID's alarm is due.
func (c *Controller) HandleAlarm(ctx context.Context, userID string) {
	if err := c.withUserLock(userID, func() error {
		return c.reconcileOnce(ctx, userID)
	}); err != nil {
		c.cfg.Logger.Error("reconcile failed", "user_id", userID, "error", err)
	}
}

func (c *Controller) reconcileOnce(ctx context.Context, userID string) error {
	rec, err := c.cfg.Store.GetInstance(ctx, userID)
	if err != nil {
		return fmt.Errorf("loading instance record: %w", err)
	}
	if rec.Empty() {
		return nil
	}

	if rec.Status == store.StatusDestroying {
		return c.reconcileDestroying(ctx, userID, &rec)
	}

	fc := c.cfg.NewFlyClient(rec.FlyAppName)

	var errs *multierror.Error
	if err := c.reconcileMachine(ctx, userID, fc, &rec); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("reconcile machine: %w", err))
	}
	if err := c.reconcileVolume(ctx, userID, fc, &rec); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("reconcile volume: %w", err))
	}

	if err := c.cfg.Store.PutInstance(ctx, userID, rec); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("persisting reconciled record: %w", err))
	}

	c.armAlarm(ctx, userID, rec.Status)
	return errs.ErrorOrNil()
}

// reconcileMachine implements §4.3.5 "Machine reconciliation".
func (c *Controller) reconcileMachine(ctx context.Context, userID string, fc *flyclient.Client, rec *store.InstanceRecord) error {
	if rec.FlyMachineID == "" {
		return c.recoverMetadata(ctx, userID, fc, rec)
	}

	m, err := fc.GetMachine(ctx, rec.FlyMachineID)
	if err != nil {
		if providererr.NotFound(err) {
			telemetry.ReconcileActionsTotal.WithLabelValues("machine_not_found", "clear_and_stop").Inc()
			rec.FlyMachineID = ""
			rec.Status = store.StatusStopped
			return nil
		}
		return err
	}

	switch m.State {
	case "started":
		rec.Status = store.StatusRunning
		rec.HealthCheckFailCount = 0
	case "stopped", "created":
		if rec.Status == store.StatusRunning {
			rec.HealthCheckFailCount++
			if rec.HealthCheckFailCount >= selfHealThreshold {
				telemetry.SelfHealTotal.WithLabelValues().Inc()
				rec.Status = store.StatusStopped
				rec.HealthCheckFailCount = 0
			}
		}
	}

	return c.reconcileMount(ctx, fc, rec, m)
}

// reconcileMount implements §4.3.7.
func (c *Controller) reconcileMount(ctx context.Context, fc *flyclient.Client, rec *store.InstanceRecord, m *flyclient.Machine) error {
	if rec.FlyVolumeID == "" {
		return nil
	}
	for _, mnt := range m.Config.Mounts {
		if mnt.Volume == rec.FlyVolumeID && mnt.Path == mountPath {
			return nil
		}
	}

	telemetry.ReconcileActionsTotal.WithLabelValues("mount_mismatch", "repair").Inc()

	fixed := m.Config
	fixed.Mounts = []flyclient.Mount{{Volume: rec.FlyVolumeID, Path: mountPath}}

	if err := fc.StopAndWaitMachine(ctx, m.ID, startupTimeout); err != nil {
		return fmt.Errorf("stopping machine for mount repair: %w", err)
	}
	if _, err := fc.UpdateMachine(ctx, m.ID, fixed, ""); err != nil {
		return fmt.Errorf("updating machine mounts: %w", err)
	}
	return fc.WaitMachine(ctx, m.ID, "started", startupTimeout)
}

// reconcileVolume implements §4.3.5 "Volume reconciliation".
func (c *Controller) reconcileVolume(ctx context.Context, userID string, fc *flyclient.Client, rec *store.InstanceRecord) error {
	if rec.FlyVolumeID == "" {
		return c.ensureVolume(ctx, fc, rec)
	}

	_, err := fc.GetVolume(ctx, rec.FlyVolumeID)
	if err != nil {
		if providererr.NotFound(err) {
			c.cfg.Logger.Warn("volume data loss detected, recreating", "user_id", userID, "volume_id", rec.FlyVolumeID)
			telemetry.ReconcileActionsTotal.WithLabelValues("volume_not_found", "recreate").Inc()
			rec.FlyVolumeID = ""
			return c.ensureVolume(ctx, fc, rec)
		}
		return err
	}
	return nil
}

// recoverMetadata implements §4.3.5 "Metadata recovery", gated by a cooldown
// to avoid hammering list_machines every idle tick.
func (c *Controller) recoverMetadata(ctx context.Context, userID string, fc *flyclient.Client, rec *store.InstanceRecord) error {
	if last, ok := metadataCandidates.Get(userID); ok {
		if time.Since(last) < metadataRecoveryCooldown {
			return nil
		}
	} else if rec.LastMetadataRecoveryAt != nil {
		elapsed := time.Since(time.UnixMilli(*rec.LastMetadataRecoveryAt))
		if elapsed < metadataRecoveryCooldown {
			return nil
		}
	}

	rec.LastMetadataRecoveryAt = ptrMillis(nowMillis())
	metadataCandidates.Add(userID, time.Now())

	machines, err := fc.ListMachines(ctx, map[string]string{metadataKeyUserID: userID})
	if err != nil {
		telemetry.MetadataRecoveryTotal.WithLabelValues("list_error").Inc()
		return err
	}

	candidate := selectRecoveryCandidate(machines)
	if candidate == nil {
		telemetry.MetadataRecoveryTotal.WithLabelValues("no_candidate").Inc()
		return nil
	}

	if countLive(machines) > 1 {
		c.cfg.Logger.Warn("multiple live machines found for user during metadata recovery", "user_id", userID, "count", countLive(machines))
	}

	rec.FlyMachineID = candidate.ID
	rec.FlyRegion = candidate.Region

	switch candidate.State {
	case "started":
		rec.Status = store.StatusRunning
	case "stopped", "created":
		rec.Status = store.StatusStopped
	}

	for _, mnt := range candidate.Config.Mounts {
		if mnt.Path != mountPath {
			continue
		}
		if _, err := fc.GetVolume(ctx, mnt.Volume); err != nil {
			if providererr.NotFound(err) {
				c.cfg.Logger.Warn("metadata-recovered mount points at a missing volume, leaving for next cycle", "user_id", userID, "volume_id", mnt.Volume)
				continue
			}
			return err
		}
		rec.FlyVolumeID = mnt.Volume
	}

	telemetry.MetadataRecoveryTotal.WithLabelValues("recovered").Inc()
	return nil
}

// statePriority ranks remote machine states for candidate selection (higher
// is better). Destroyed/destroying machines are never candidates.
var statePriority = map[string]int{
	"started":  4,
	"starting": 3,
	"stopped":  2,
	"created":  1,
}

// selectRecoveryCandidate is total on any list of machines (spec §8
// property 8): returns nil iff every machine is destroyed/destroying,
// otherwise the best machine by state priority, tie-broken by newest
// updated_at.
func selectRecoveryCandidate(machines []flyclient.Machine) *flyclient.Machine {
	var candidates []flyclient.Machine
	for _, m := range machines {
		if m.State == "destroyed" || m.State == "destroying" {
			continue
		}
		candidates = append(candidates, m)
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		pi, pj := statePriority[candidates[i].State], statePriority[candidates[j].State]
		if pi != pj {
			return pi > pj
		}
		return candidates[i].UpdatedAt > candidates[j].UpdatedAt
	})
	return &candidates[0]
}

func countLive(machines []flyclient.Machine) int {
	n := 0
	for _, m := range machines {
		if m.State != "destroyed" && m.State != "destroying" {
			n++
		}
	}
	return n
}

// reconcileDestroying implements the destroying branch of §4.3.5: retry the
// pending deletes, then finalize once both are clear.
func (c *Controller) reconcileDestroying(ctx context.Context, userID string, rec *store.InstanceRecord) error {
	fc := c.cfg.NewFlyClient(rec.FlyAppName)

	if rec.PendingDestroyMachineID != "" {
		if err := fc.DestroyMachine(ctx, rec.PendingDestroyMachineID); err != nil {
			c.cfg.Logger.Warn("retrying pending machine destroy failed", "user_id", userID, "error", err)
		} else {
			rec.PendingDestroyMachineID = ""
		}
	}
	if rec.PendingDestroyVolumeID != "" {
		if err := fc.DeleteVolume(ctx, rec.PendingDestroyVolumeID); err != nil {
			c.cfg.Logger.Warn("retrying pending volume destroy failed", "user_id", userID, "error", err)
		} else {
			rec.PendingDestroyVolumeID = ""
		}
	}

	if rec.PendingDestroyMachineID == "" && rec.PendingDestroyVolumeID == "" {
		if err := c.cfg.Alarms.Disarm(ctx, alarm.KindInstance, userID); err != nil {
			c.cfg.Logger.Warn("disarming alarm on destroy finalize failed", "user_id", userID, "error", err)
		}
		c.publishLifecycleEvent(ctx, userID, "destroyed", nil)
		return c.cfg.Store.DeleteInstance(ctx, userID)
	}

	if err := c.cfg.Store.PutInstance(ctx, userID, *rec); err != nil {
		return fmt.Errorf("persisting destroy retry progress: %w", err)
	}
	c.armAlarm(ctx, userID, store.StatusDestroying)
	return nil
}
