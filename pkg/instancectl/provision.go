package instancectl

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/kiloclaw/sandboxd/internal/store"
)

// ProvisionConfig carries the user-supplied instance configuration
// (spec §6 POST /api/platform/provision body).
type ProvisionConfig struct {
	EnvVars          map[string]string
	EncryptedSecrets map[string]string // name -> JSON-encoded secretenvelope.Envelope
	Channels         map[string]string // channel -> JSON-encoded secretenvelope.Envelope
	KilocodeAPIKey       string
	KilocodeDefaultModel string
	KilocodeModels       []string
	MachineSize      *store.MachineSize
	Region           string
}

// deriveSandboxID computes sandbox_id = SHA-256(user_id), truncated and
// URL-safely encoded (spec §3).
func deriveSandboxID(userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return base64.RawURLEncoding.EncodeToString(sum[:])[:20]
}

// Provision implements 4.3.1: idempotent first-or-subsequent provisioning.
func (c *Controller) Provision(ctx context.Context, userID string, cfg ProvisionConfig) (sandboxID string, err error) {
	err = c.withUserLock(userID, func() error {
		rec, loadErr := c.cfg.Store.GetInstance(ctx, userID)
		if loadErr != nil {
			return fmt.Errorf("loading instance record: %w", loadErr)
		}
		if !rec.Empty() && rec.UserID != userID {
			return fmt.Errorf("instance record bound to a different user_id")
		}
		if rec.Status == store.StatusDestroying {
			return fmt.Errorf("cannot provision: %w", ErrInstanceDestroying)
		}

		firstProvision := rec.Empty()

		if firstProvision {
			rec.UserID = userID
			rec.SandboxID = deriveSandboxID(userID)

			appName, ensureErr := c.cfg.AppCtl.EnsureApp(ctx, userID)
			if ensureErr != nil {
				return fmt.Errorf("ensure_app: %w", ensureErr)
			}
			rec.FlyAppName = appName

			region := cfg.Region
			if region == "" && len(c.cfg.DefaultRegions) > 0 {
				region = c.cfg.DefaultRegions[0]
			}

			fc := c.cfg.NewFlyClient(appName)
			vol, volErr := fc.CreateVolume(ctx, volumeName(rec.SandboxID), region, defaultVolumeSizeGB)
			if volErr != nil {
				return fmt.Errorf("creating volume: %w", volErr)
			}
			rec.FlyVolumeID = vol.ID
			rec.FlyRegion = region
		}

		rec.EnvVars = cfg.EnvVars
		rec.EncryptedSecrets = cfg.EncryptedSecrets
		rec.Channels = cfg.Channels
		rec.KilocodeAPIKey = cfg.KilocodeAPIKey
		rec.KilocodeDefaultModel = cfg.KilocodeDefaultModel
		rec.KilocodeModels = cfg.KilocodeModels
		if cfg.MachineSize != nil {
			rec.MachineSize = cfg.MachineSize
		}

		if firstProvision {
			rec.ProvisionedAt = ptrMillis(nowMillis())
			rec.Status = store.StatusProvisioned
			rec.HealthCheckFailCount = 0
			rec.PendingDestroyMachineID = ""
			rec.PendingDestroyVolumeID = ""
		}

		if err := c.cfg.Store.PutInstance(ctx, userID, rec); err != nil {
			return fmt.Errorf("persisting instance record: %w", err)
		}

		if firstProvision {
			c.armAlarm(ctx, userID, rec.Status)
			c.publishLifecycleEvent(ctx, userID, "provisioned", map[string]any{"sandbox_id": rec.SandboxID})
		}

		sandboxID = rec.SandboxID
		return nil
	})
	return sandboxID, err
}

func volumeName(sandboxID string) string {
	return "vol-" + sandboxID
}
