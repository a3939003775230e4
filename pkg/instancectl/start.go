package instancectl

import (
	"context"
	"fmt"

	"github.com/kiloclaw/sandboxd/internal/store"
	"github.com/kiloclaw/sandboxd/pkg/flyclient"
	"github.com/kiloclaw/sandboxd/pkg/providererr"
)

// Start implements 4.3.2: ensure a volume, try the fast path, then either
// update-and-start an existing machine or create a new one.
func (c *Controller) Start(ctx context.Context, userID string, restoreHint string) error {
	return c.withUserLock(userID, func() error {
		rec, err := c.cfg.Store.GetInstance(ctx, userID)
		if err != nil {
			return fmt.Errorf("loading instance record: %w", err)
		}

		if rec.Empty() && restoreHint != "" {
			restored, restoreErr := c.restoreFromRegistry(ctx, restoreHint)
			if restoreErr != nil {
				c.cfg.Logger.Warn("registry restore failed", "user_id", restoreHint, "error", restoreErr)
			} else if !restored.Empty() {
				rec = restored
			}
		}

		if rec.Status == store.StatusDestroying {
			return fmt.Errorf("cannot start: %w", ErrInstanceDestroying)
		}
		if rec.Empty() {
			return fmt.Errorf("no instance record for user %q: provision first", userID)
		}

		fc := c.cfg.NewFlyClient(rec.FlyAppName)

		if err := c.ensureVolumeRegionConsistent(ctx, fc, &rec); err != nil {
			return fmt.Errorf("ensuring volume: %w", err)
		}

		// Fast path: already running and the machine reports started. Env is not rebuilt here, so env/secret changes take effect on the next restart.
		if rec.Status == store.StatusRunning && rec.FlyMachineID != "" {
			m, err := fc.GetMachine(ctx, rec.FlyMachineID)
			if err == nil && m.State == "started" {
				if err := c.reconcileMount(ctx, fc, &rec, m); err != nil {
					c.cfg.Logger.Warn("mount reconciliation on fast path failed", "user_id", userID, "error", err)
				}
				return nil
			}
		}

		envKey, minSecretsVersion, err := c.cfg.AppCtl.EnsureEnvKey(ctx, userID)
		if err != nil {
			return fmt.Errorf("ensure_env_key: %w", err)
		}

		env, err := buildMachineEnv(rec, envKey, c.cfg.GatewaySecret, c.cfg.Decryptor)
		if err != nil {
			return err
		}

		cpus, memMB, cpuKind := guestFromSize(rec.MachineSize)
		machineCfg := flyclient.MachineConfig{
			Image: c.cfg.MachineImage,
			Guest: flyclient.Guest{CPUs: cpus, MemoryMB: memMB, CPUKind: cpuKind},
			Env:   env,
			Mounts: []flyclient.Mount{
				{Volume: rec.FlyVolumeID, Path: mountPath},
			},
			Services: []flyclient.Service{
				{
					Protocol:     "tcp",
					InternalPort: openclawPort,
					Ports:        []flyclient.Port{{Port: openclawPort, Handlers: []string{"tls", "http"}}},
				},
			},
			Metadata: map[string]string{
				metadataKeyUserID:    userID,
				metadataKeySandboxID: rec.SandboxID,
			},
		}

		if rec.FlyMachineID != "" {
			started, startErr := c.startExistingMachine(ctx, fc, rec.FlyMachineID, machineCfg, minSecretsVersion)
			if startErr != nil {
				if providererr.NotFound(startErr) {
					rec.FlyMachineID = ""
					if err := c.cfg.Store.PutInstance(ctx, userID, rec); err != nil {
						return fmt.Errorf("persisting cleared machine_id: %w", err)
					}
				} else if providererr.InsufficientResources(startErr) {
					if err := c.recoverCapacity(ctx, userID, fc, &rec, machineCfg); err != nil {
						return fmt.Errorf("capacity recovery: %w", err)
					}
					machineCfg.Mounts = []flyclient.Mount{{Volume: rec.FlyVolumeID, Path: mountPath}}
				} else {
					return fmt.Errorf("starting existing machine: %w", startErr)
				}
			} else if started {
				return c.finishStart(ctx, userID, &rec)
			}
		}

		if rec.FlyMachineID == "" {
			m, createErr := fc.CreateMachine(ctx, rec.FlyRegion, machineCfg, minSecretsVersion)
			if createErr != nil {
				if providererr.InsufficientResources(createErr) {
					if err := c.recoverCapacity(ctx, userID, fc, &rec, machineCfg); err != nil {
						return fmt.Errorf("capacity recovery: %w", err)
					}
					machineCfg.Mounts = []flyclient.Mount{{Volume: rec.FlyVolumeID, Path: mountPath}}
					m, createErr = fc.CreateMachine(ctx, rec.FlyRegion, machineCfg, minSecretsVersion)
					if createErr != nil {
						return fmt.Errorf("creating machine after capacity recovery: %w", createErr)
					}
				} else {
					return fmt.Errorf("creating machine: %w", createErr)
				}
			}

			// Persist the new ID before waiting so a wait-timeout never
			// orphans the machine (spec §4.3.2 step 5).
			rec.FlyMachineID = m.ID
			if err := c.cfg.Store.PutInstance(ctx, userID, rec); err != nil {
				return fmt.Errorf("persisting new machine_id: %w", err)
			}

			if err := fc.WaitMachine(ctx, m.ID, "started", startupTimeout); err != nil {
				return fmt.Errorf("waiting for machine start: %w", err)
			}
		}

		return c.finishStart(ctx, userID, &rec)
	})
}

func (c *Controller) finishStart(ctx context.Context, userID string, rec *store.InstanceRecord) error {
	rec.Status = store.StatusRunning
	rec.LastStartedAt = ptrMillis(nowMillis())
	rec.HealthCheckFailCount = 0
	if err := c.cfg.Store.PutInstance(ctx, userID, *rec); err != nil {
		return fmt.Errorf("persisting running status: %w", err)
	}
	c.armAlarm(ctx, userID, store.StatusRunning)
	c.publishLifecycleEvent(ctx, userID, "running", nil)
	return nil
}

// ensureVolumeRegionConsistent implements §4.3.8 (volume ensure) plus the
// region-correction step from §4.3.2 step 1.
func (c *Controller) ensureVolumeRegionConsistent(ctx context.Context, fc *flyclient.Client, rec *store.InstanceRecord) error {
	if rec.FlyVolumeID == "" {
		return c.ensureVolume(ctx, fc, rec)
	}

	vol, err := fc.GetVolume(ctx, rec.FlyVolumeID)
	if err != nil {
		if providererr.NotFound(err) {
			rec.FlyVolumeID = ""
			return c.ensureVolume(ctx, fc, rec)
		}
		return err
	}

	if vol.Region != "" && vol.Region != rec.FlyRegion {
		rec.FlyRegion = vol.Region
	}
	return nil
}

func (c *Controller) ensureVolume(ctx context.Context, fc *flyclient.Client, rec *store.InstanceRecord) error {
	region := rec.FlyRegion
	if region == "" && len(c.cfg.DefaultRegions) > 0 {
		region = c.cfg.DefaultRegions[0]
	}
	vol, err := fc.CreateVolume(ctx, volumeName(rec.SandboxID), region, defaultVolumeSizeGB)
	if err != nil {
		return err
	}
	rec.FlyVolumeID = vol.ID
	rec.FlyRegion = vol.Region
	return nil
}

// startExistingMachine implements §4.3.6: fetch current state, update+wait
// if stopped/created, wait if already transitioning, return immediately if
// already started.
func (c *Controller) startExistingMachine(ctx context.Context, fc *flyclient.Client, machineID string, cfg flyclient.MachineConfig, minSecretsVersion string) (started bool, err error) {
	m, err := fc.GetMachine(ctx, machineID)
	if err != nil {
		return false, err
	}

	switch m.State {
	case "started":
		return true, nil
	case "stopped", "created":
		if _, err := fc.UpdateMachine(ctx, machineID, cfg, minSecretsVersion); err != nil {
			return false, err
		}
		if err := fc.StartMachine(ctx, machineID); err != nil {
			return false, err
		}
		if err := fc.WaitMachine(ctx, machineID, "started", startupTimeout); err != nil {
			return false, err
		}
		return true, nil
	default:
		if err := fc.WaitMachine(ctx, machineID, "started", startupTimeout); err != nil {
			return false, err
		}
		return true, nil
	}
}
