package instancectl

import (
	"context"
	"sync"
	"time"

	"github.com/kiloclaw/sandboxd/internal/store"
	"github.com/kiloclaw/sandboxd/internal/telemetry"
	"github.com/kiloclaw/sandboxd/pkg/providererr"
)

// StatusView mirrors the Platform API's status response shape (spec §6).
type StatusView struct {
	UserID        string
	SandboxID     string
	Status        store.Status
	ProvisionedAt *int64
	LastStartedAt *int64
	LastStoppedAt *int64
	EnvVarCount   int
	SecretCount   int
	ChannelCount  int
	FlyAppName    string
	FlyMachineID  string
	FlyVolumeID   string
	FlyRegion     string
}

// liveCheckState tracks the last time a live check fired and the in-memory
// belief about status, without ever touching durable storage — the
// reconciler owns persistence (spec §4.3.12).
type liveCheckState struct {
	mu           sync.Mutex
	lastCheckAt  time.Time
	memoryStatus store.Status
	hasMemory    bool
}

func (c *Controller) liveCheck(userID string) *liveCheckState {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	if c.liveChecks == nil {
		c.liveChecks = make(map[string]*liveCheckState)
	}
	lc, ok := c.liveChecks[userID]
	if !ok {
		lc = &liveCheckState{}
		c.liveChecks[userID] = lc
	}
	return lc
}

// GetStatus returns the cached record view, dispatching a non-blocking
// background live check when the cached belief is stale and optimistic
// (spec §4.3.12).
func (c *Controller) GetStatus(ctx context.Context, userID string) (StatusView, error) {
	rec, err := c.cfg.Store.GetInstance(ctx, userID)
	if err != nil {
		return StatusView{}, err
	}

	lc := c.liveCheck(userID)

	lc.mu.Lock()
	status := rec.Status
	if lc.hasMemory {
		status = lc.memoryStatus
	}
	shouldCheck := rec.Status == store.StatusRunning &&
		rec.FlyMachineID != "" &&
		time.Since(lc.lastCheckAt) > liveCheckThrottle
	if shouldCheck {
		lc.lastCheckAt = time.Now()
	}
	lc.mu.Unlock()

	if shouldCheck {
		go c.dispatchLiveCheck(userID, rec.FlyAppName, rec.FlyMachineID, lc)
	}

	return StatusView{
		UserID:        rec.UserID,
		SandboxID:     rec.SandboxID,
		Status:        status,
		ProvisionedAt: rec.ProvisionedAt,
		LastStartedAt: rec.LastStartedAt,
		LastStoppedAt: rec.LastStoppedAt,
		EnvVarCount:   rec.EnvVarCount(),
		SecretCount:   rec.SecretCount(),
		ChannelCount:  rec.ChannelCount(),
		FlyAppName:    rec.FlyAppName,
		FlyMachineID:  rec.FlyMachineID,
		FlyVolumeID:   rec.FlyVolumeID,
		FlyRegion:     rec.FlyRegion,
	}, nil
}

// dispatchLiveCheck runs in its own goroutine, detached from the calling
// request's context, and updates only lc's in-memory belief — never
// persisted storage.
func (c *Controller) dispatchLiveCheck(userID, appName, machineID string, lc *liveCheckState) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fc := c.cfg.NewFlyClient(appName)
	m, err := fc.GetMachine(ctx, machineID)

	lc.mu.Lock()
	defer lc.mu.Unlock()

	switch {
	case err == nil && m.State == "started":
		lc.memoryStatus = store.StatusRunning
		lc.hasMemory = true
		telemetry.LiveCheckTotal.WithLabelValues("started").Inc()
	case err == nil:
		lc.memoryStatus = store.StatusStopped
		lc.hasMemory = true
		telemetry.LiveCheckTotal.WithLabelValues("stopped_class").Inc()
	case providererr.NotFound(err):
		lc.memoryStatus = store.StatusStopped
		lc.hasMemory = true
		telemetry.LiveCheckTotal.WithLabelValues("not_found").Inc()
	default:
		telemetry.LiveCheckTotal.WithLabelValues("transient_error").Inc()
		c.cfg.Logger.Warn("live check transient error, keeping cached state", "user_id", userID, "error", err)
	}
}
