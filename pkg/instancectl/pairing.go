package instancectl

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/kiloclaw/sandboxd/internal/store"
)

const pairingCacheTTL = 2 * time.Minute
const correlationTokenSize = 16

var (
	channelPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,63}$`)
	codePattern    = regexp.MustCompile(`^[A-Za-z0-9]{1,32}$`)
)

// PairingListResult is the parsed output of the pairing-list helper command.
type PairingListResult struct {
	Pending []PairingRequest `json:"pending"`
}

// PairingRequest describes one outstanding device-pairing request.
type PairingRequest struct {
	Channel string `json:"channel"`
	Code    string `json:"code"`
}

func pairingCacheKey(appName, machineID string) string {
	return "kiloclaw:pairing:" + appName + ":" + machineID
}

// deriveCorrelationToken produces the id threaded through a pairing exec
// call's --correlation-id flag (spec §3). A random nonce gives each call a
// unique token; running it through HKDF-SHA256 keyed on the controller's
// gateway secret, with the (user, machine) pair as the info string, ties
// every correlation id an operator sees in a machine's exec logs back to a
// specific deployment's secret rather than leaving it a bare random UUID
// that carries no provenance.
func (c *Controller) deriveCorrelationToken(userID, machineID string) (string, error) {
	nonce := make([]byte, correlationTokenSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating correlation nonce: %w", err)
	}

	info := []byte(userID + ":" + machineID)
	kdf := hkdf.New(sha256.New, c.cfg.GatewaySecret, nonce, info)
	derived := make([]byte, correlationTokenSize)
	if _, err := io.ReadFull(kdf, derived); err != nil {
		return "", fmt.Errorf("deriving correlation token: %w", err)
	}

	return hex.EncodeToString(nonce) + hex.EncodeToString(derived), nil
}

// PairingList implements §4.3.13 list: runs the pairing-list helper via
// exec, parses JSON, and caches the result for 2 minutes scoped to
// (app_name, machine_id). Only callable while status == running.
func (c *Controller) PairingList(ctx context.Context, userID string) (PairingListResult, error) {
	rec, err := c.cfg.Store.GetInstance(ctx, userID)
	if err != nil {
		return PairingListResult{}, err
	}
	if rec.Empty() || rec.Status != store.StatusRunning || rec.FlyMachineID == "" {
		return PairingListResult{}, fmt.Errorf("pairing list requires a running instance")
	}

	key := pairingCacheKey(rec.FlyAppName, rec.FlyMachineID)
	if c.cfg.Redis != nil {
		if cached, err := c.cfg.Redis.Get(ctx, key).Result(); err == nil {
			var result PairingListResult
			if jsonErr := json.Unmarshal([]byte(cached), &result); jsonErr == nil {
				return result, nil
			}
		}
	}

	correlationID, err := c.deriveCorrelationToken(userID, rec.FlyMachineID)
	if err != nil {
		return PairingListResult{}, err
	}
	fc := c.cfg.NewFlyClient(rec.FlyAppName)
	execResult, err := fc.Exec(ctx, rec.FlyMachineID, []string{"kiloclaw-pairing-list", "--correlation-id", correlationID}, 15*time.Second)
	if err != nil {
		return PairingListResult{}, fmt.Errorf("exec pairing list: %w", err)
	}
	if execResult.ExitCode != 0 {
		return PairingListResult{}, fmt.Errorf("pairing list helper exited %d: %s", execResult.ExitCode, execResult.Stderr)
	}

	var result PairingListResult
	if err := json.Unmarshal([]byte(execResult.Stdout), &result); err != nil {
		return PairingListResult{}, fmt.Errorf("parsing pairing list output: %w", err)
	}

	if c.cfg.Redis != nil {
		if buf, err := json.Marshal(result); err == nil {
			if err := c.cfg.Redis.Set(ctx, key, buf, pairingCacheTTL).Err(); err != nil {
				c.cfg.Logger.Warn("caching pairing list failed", "user_id", userID, "error", err)
			}
		}
	}

	return result, nil
}

// PairingApprove implements §4.3.13 approve. channel/code are validated
// against strict regexes before ever reaching the exec command line, which
// is the only thing preventing command injection here.
func (c *Controller) PairingApprove(ctx context.Context, userID, channel, code string) error {
	if !channelPattern.MatchString(channel) {
		return fmt.Errorf("invalid channel %q", channel)
	}
	if !codePattern.MatchString(code) {
		return fmt.Errorf("invalid pairing code")
	}

	rec, err := c.cfg.Store.GetInstance(ctx, userID)
	if err != nil {
		return err
	}
	if rec.Empty() || rec.Status != store.StatusRunning || rec.FlyMachineID == "" {
		return fmt.Errorf("pairing approve requires a running instance")
	}

	correlationID, err := c.deriveCorrelationToken(userID, rec.FlyMachineID)
	if err != nil {
		return err
	}
	fc := c.cfg.NewFlyClient(rec.FlyAppName)
	execResult, err := fc.Exec(ctx, rec.FlyMachineID, []string{"kiloclaw-pairing-approve", "--channel", channel, "--code", code, "--correlation-id", correlationID}, 15*time.Second)
	if err != nil {
		return fmt.Errorf("exec pairing approve: %w", err)
	}
	if execResult.ExitCode != 0 {
		return fmt.Errorf("pairing approve helper exited %d: %s", execResult.ExitCode, execResult.Stderr)
	}

	if c.cfg.Redis != nil {
		key := pairingCacheKey(rec.FlyAppName, rec.FlyMachineID)
		if err := c.cfg.Redis.Del(ctx, key).Err(); err != nil {
			c.cfg.Logger.Warn("invalidating pairing cache after approve failed", "user_id", userID, "error", err)
		}
	}

	return nil
}
