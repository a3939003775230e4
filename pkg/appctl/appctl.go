// Package appctl implements the App Controller (spec §4.2): the per-user
// actor responsible for the Application record — provider app creation, IP
// allocation, and the shared environment-encryption key. Every exported
// method is safe to call concurrently for different users; callers MUST
// serialize calls for the same user themselves (the Instance Controller
// does this via its own per-user mutex, which wraps its narrow calls into
// the App Controller).
package appctl

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiloclaw/sandboxd/internal/alarm"
	"github.com/kiloclaw/sandboxd/internal/store"
	"github.com/kiloclaw/sandboxd/pkg/flyclient"
	"github.com/kiloclaw/sandboxd/pkg/providererr"
)

const (
	envKeyBytes    = 32
	appRetryAlarm  = time.Minute
	metadataUserID = "kiloclaw_user_id"
)

// ClientFactory builds a flyclient bound to a specific app name, reusing a
// single token/transport underneath.
type ClientFactory func(appName string) *flyclient.Client

// Controller is the App Controller. It holds no per-user state itself —
// everything durable lives in Store, so one Controller value serves every
// user.
type Controller struct {
	store         *store.Store
	alarms        *alarm.Scheduler
	newFlyClient  ClientFactory
	orgSlug       string
	appNamePrefix string
	logger        *slog.Logger
}

// New creates an App Controller.
func New(st *store.Store, alarms *alarm.Scheduler, newFlyClient ClientFactory, orgSlug, appNamePrefix string, logger *slog.Logger) *Controller {
	return &Controller{
		store:         st,
		alarms:        alarms,
		newFlyClient:  newFlyClient,
		orgSlug:       orgSlug,
		appNamePrefix: appNamePrefix,
		logger:        logger,
	}
}

// DeriveAppName computes the deterministic app_name for a user
// (spec §3: "prefix-<first 20 hex chars of SHA-256(user_id)>").
func (c *Controller) DeriveAppName(userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return c.appNamePrefix + hex.EncodeToString(sum[:])[:20]
}

// EnsureApp is idempotent: it creates the provider app, allocates both IP
// types, and publishes the env key, persisting each completion flag before
// moving to the next step so a crash mid-sequence resumes exactly where it
// left off (spec §4.2).
func (c *Controller) EnsureApp(ctx context.Context, userID string) (appName string, err error) {
	rec, err := c.store.GetApp(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("loading app record: %w", err)
	}

	if !rec.Empty() && rec.UserID != userID {
		return "", fmt.Errorf("app record bound to a different user_id")
	}

	if rec.Empty() {
		rec = store.AppRecord{
			UserID:  userID,
			AppName: c.DeriveAppName(userID),
		}
		if err := c.store.PutApp(ctx, userID, rec); err != nil {
			return "", fmt.Errorf("persisting initial app record: %w", err)
		}
	}

	if err := c.ensureAppSteps(ctx, userID, &rec); err != nil {
		if armErr := c.alarms.Arm(ctx, alarm.KindApp, userID, time.Now().Add(appRetryAlarm)); armErr != nil {
			c.logger.Error("arming app retry alarm failed", "user_id", userID, "error", armErr)
		}
		return "", err
	}

	return rec.AppName, nil
}

func (c *Controller) ensureAppSteps(ctx context.Context, userID string, rec *store.AppRecord) error {
	fc := c.newFlyClient(rec.AppName)

	if _, err := fc.GetApp(ctx, rec.AppName); err != nil {
		if !providererr.NotFound(err) {
			return fmt.Errorf("checking app existence: %w", err)
		}
		if err := fc.CreateApp(ctx, rec.AppName, c.orgSlug, userID); err != nil {
			return fmt.Errorf("creating app: %w", err)
		}
	}

	if !rec.IPv6Allocated {
		if err := fc.AllocateIPv6(ctx); err != nil {
			return fmt.Errorf("allocating ipv6: %w", err)
		}
		rec.IPv6Allocated = true
		if err := c.store.PutApp(ctx, userID, *rec); err != nil {
			return fmt.Errorf("persisting ipv6_allocated: %w", err)
		}
	}

	if !rec.IPv4Allocated {
		if err := fc.AllocateSharedIPv4(ctx); err != nil {
			return fmt.Errorf("allocating ipv4: %w", err)
		}
		rec.IPv4Allocated = true
		if err := c.store.PutApp(ctx, userID, *rec); err != nil {
			return fmt.Errorf("persisting ipv4_allocated: %w", err)
		}
	}

	if !rec.EnvKeySet {
		if _, _, err := c.ensureEnvKeyLocked(ctx, userID, rec); err != nil {
			return err
		}
	}

	rec.IsSetupComplete = true
	if err := c.store.PutApp(ctx, userID, *rec); err != nil {
		return fmt.Errorf("persisting setup completion: %w", err)
	}
	return nil
}

// EnsureEnvKey returns the app's symmetric env key (generating it on first
// use) and the provider secret version to pass as min_secrets_version on
// subsequent machine create/update calls (spec §4.2).
func (c *Controller) EnsureEnvKey(ctx context.Context, userID string) (key []byte, secretsVersion string, err error) {
	rec, err := c.store.GetApp(ctx, userID)
	if err != nil {
		return nil, "", fmt.Errorf("loading app record: %w", err)
	}
	if rec.Empty() {
		return nil, "", fmt.Errorf("ensure_env_key called before ensure_app for user %q", userID)
	}
	return c.ensureEnvKeyLocked(ctx, userID, &rec)
}

// ensureEnvKeyLocked implements ensure_env_key against an already-loaded
// record. Generating and persisting the key with env_key_set=false BEFORE
// publishing it as a provider secret is the interleaving-safety guarantee
// spec §4.2 calls out: any concurrent caller that loads the record after
// this point sees a non-null key and reuses it instead of generating a
// second one.
func (c *Controller) ensureEnvKeyLocked(ctx context.Context, userID string, rec *store.AppRecord) ([]byte, string, error) {
	if rec.EnvKey == "" {
		raw := make([]byte, envKeyBytes)
		if _, err := rand.Read(raw); err != nil {
			return nil, "", fmt.Errorf("generating env key: %w", err)
		}
		rec.EnvKey = base64.StdEncoding.EncodeToString(raw)
		rec.EnvKeySet = false
		if err := c.store.PutApp(ctx, userID, *rec); err != nil {
			return nil, "", fmt.Errorf("persisting env key: %w", err)
		}
	}

	key, err := base64.StdEncoding.DecodeString(rec.EnvKey)
	if err != nil {
		return nil, "", fmt.Errorf("decoding persisted env key: %w", err)
	}

	fc := c.newFlyClient(rec.AppName)
	version, err := c.publishEnvKeySecret(ctx, fc, rec.EnvKey)
	if err != nil {
		return nil, "", fmt.Errorf("publishing env key secret: %w", err)
	}

	if !rec.EnvKeySet {
		rec.EnvKeySet = true
		if err := c.store.PutApp(ctx, userID, *rec); err != nil {
			return nil, "", fmt.Errorf("persisting env_key_set: %w", err)
		}
	}

	return key, version, nil
}

// publishEnvKeySecret always re-publishes the env key as a provider secret,
// self-healing if it was deleted externally, and returns the resulting
// secret version for use as min_secrets_version.
func (c *Controller) publishEnvKeySecret(ctx context.Context, fc *flyclient.Client, envKeyB64 string) (string, error) {
	return fc.SetSecrets(ctx, map[string]string{"KILOCLAW_APP_ENV_KEY": envKeyB64})
}

// HandleAlarm retries EnsureApp if setup never completed, rescheduling on
// failure (spec §4.2 "Alarm").
func (c *Controller) HandleAlarm(ctx context.Context, userID string) {
	rec, err := c.store.GetApp(ctx, userID)
	if err != nil {
		c.logger.Error("app alarm: loading record failed", "user_id", userID, "error", err)
		return
	}
	if rec.Empty() || rec.AppName == "" || rec.IsSetupComplete {
		return
	}
	if _, err := c.EnsureApp(ctx, userID); err != nil {
		c.logger.Warn("app alarm: ensure_app retry failed", "user_id", userID, "error", err)
	}
}

// DestroyApp deletes the remote app and wipes all persisted application
// fields. Only used at account deletion — never part of instance destroy
// (spec §4.2).
func (c *Controller) DestroyApp(ctx context.Context, userID string) error {
	rec, err := c.store.GetApp(ctx, userID)
	if err != nil {
		return fmt.Errorf("loading app record: %w", err)
	}
	if rec.Empty() {
		return nil
	}

	fc := c.newFlyClient(rec.AppName)
	if err := fc.DeleteApp(ctx, rec.AppName); err != nil {
		return fmt.Errorf("deleting app: %w", err)
	}

	if err := c.alarms.Disarm(ctx, alarm.KindApp, userID); err != nil {
		c.logger.Warn("disarming app alarm during destroy failed", "user_id", userID, "error", err)
	}
	return c.store.DeleteApp(ctx, userID)
}
