// Package instancectl implements the Instance Controller and its
// alarm-driven reconciler (spec §4.3): the per-user actor owning the
// Instance record, the compute machine and volume it points at, and the
// single armed alarm that keeps believed state converging on provider
// truth.
package instancectl

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kiloclaw/sandboxd/internal/alarm"
	"github.com/kiloclaw/sandboxd/internal/registry"
	"github.com/kiloclaw/sandboxd/internal/store"
	"github.com/kiloclaw/sandboxd/internal/telemetry"
	"github.com/kiloclaw/sandboxd/pkg/appctl"
	"github.com/kiloclaw/sandboxd/pkg/flyclient"
	"github.com/kiloclaw/sandboxd/pkg/secretenvelope"
)

const (
	startupTimeout             = 60 * time.Second
	alarmIntervalRunning       = 5 * time.Minute
	alarmIntervalDestroying    = time.Minute
	alarmIntervalIdle          = 30 * time.Minute
	alarmJitter                = 60 * time.Second
	selfHealThreshold          = 5
	liveCheckThrottle          = 30 * time.Second
	metadataRecoveryCooldown   = alarmIntervalIdle
	defaultVolumeSizeGB        = 10
	metadataKeyUserID          = "kiloclaw_user_id"
	metadataKeySandboxID       = "kiloclaw_sandbox_id"
	mountPath                  = "/root"
	openclawPort               = 18789

	lifecyclePubSubChannel = "kiloclaw:lifecycle"
	metadataCandidateCache = 2048
)

// DefaultMachineGuest is the requested guest shape used when a caller
// doesn't override machine_size (spec §6 Constants).
var DefaultMachineGuest = flyclient.Guest{CPUs: 2, MemoryMB: 4096, CPUKind: "shared"}

// ErrInstanceDestroying is returned by Provision/Start when an instance is
// mid-destroy: the caller asked for an operation the controller promises
// never to interrupt a destroy for (spec §5, §4.4/§6's 409 "destroying"
// response).
var ErrInstanceDestroying = errors.New("instance is destroying")

// Config bundles the Instance Controller's external collaborators.
type Config struct {
	Store          *store.Store
	Alarms         *alarm.Scheduler
	Redis          *redis.Client
	Registry       *registry.Registry
	AppCtl         *appctl.Controller
	NewFlyClient   appctl.ClientFactory
	Decryptor      secretenvelope.Decryptor
	GatewaySecret  []byte
	DefaultRegions []string
	MachineImage   string
	Logger         *slog.Logger
}

// Controller is the Instance Controller. A single value serves every user;
// per-user serialization is enforced by an internal keyed mutex, matching
// the single-threaded-actor-per-user model of spec §5.
type Controller struct {
	cfg Config

	locksMu    sync.Mutex
	locks      map[string]*sync.Mutex
	liveChecks map[string]*liveCheckState
}

// New creates an Instance Controller.
func New(cfg Config) *Controller {
	return &Controller{
		cfg:   cfg,
		locks: make(map[string]*sync.Mutex),
	}
}

// withUserLock serializes fn against any other call for the same userID,
// satisfying spec §5's "no two operations for the same user execute
// concurrently" guarantee without blocking unrelated users.
func (c *Controller) withUserLock(userID string, fn func() error) error {
	c.locksMu.Lock()
	lock, ok := c.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[userID] = lock
	}
	c.locksMu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	return fn()
}

// armAlarm schedules the next alarm for status, with the spec's jitter
// (spec §4.3.5, §8 property 4: next scheduled time always in
// (now+base, now+base+jitter]).
func (c *Controller) armAlarm(ctx context.Context, userID string, status store.Status) {
	base := alarmIntervalIdle
	switch status {
	case store.StatusRunning:
		base = alarmIntervalRunning
	case store.StatusDestroying:
		base = alarmIntervalDestroying
	case store.StatusProvisioned, store.StatusStopped:
		base = alarmIntervalIdle
	}

	jitter := time.Duration(rand.Int63n(int64(alarmJitter))) + time.Nanosecond
	due := time.Now().Add(base + jitter)

	outcome := "ok"
	if err := c.cfg.Alarms.Arm(ctx, alarm.KindInstance, userID, due); err != nil {
		c.cfg.Logger.Error("arming instance alarm failed", "user_id", userID, "error", err)
		outcome = "error"
	}
	telemetry.AlarmScheduledTotal.WithLabelValues(outcome).Inc()
}

// publishLifecycleEvent broadcasts a best-effort lifecycle transition for
// observability consumers (SPEC_FULL.md supplemented feature). Failure to
// publish never fails the calling operation — it's purely informational.
func (c *Controller) publishLifecycleEvent(ctx context.Context, userID string, event string, fields map[string]any) {
	if c.cfg.Redis == nil {
		return
	}
	payload := map[string]any{
		"user_id": userID,
		"event":   event,
		"fields":  fields,
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := c.cfg.Redis.Publish(ctx, lifecyclePubSubChannel, buf).Err(); err != nil {
		c.cfg.Logger.Warn("publishing lifecycle event failed", "user_id", userID, "event", event, "error", err)
	}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func ptrMillis(t int64) *int64 { return &t }
