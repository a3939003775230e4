package flyclient

import (
	"context"
	"net/url"
	"time"

	"github.com/kiloclaw/sandboxd/pkg/providererr"
)

// CreateMachine creates a machine in the client's bound app with the given
// desired config and region. minSecretsVersion, when non-empty, tells the
// provider to hold the machine at boot until secrets have propagated to at
// least that version (spec §4.2's secret-propagation race guard) — it is a
// dedicated create-machine option, not a metadata tag.
func (c *Client) CreateMachine(ctx context.Context, region string, cfg MachineConfig, minSecretsVersion string) (*Machine, error) {
	in := struct {
		Region            string        `json:"region"`
		Config            MachineConfig `json:"config"`
		MinSecretsVersion string        `json:"min_secrets_version,omitempty"`
	}{Region: region, Config: cfg, MinSecretsVersion: minSecretsVersion}

	var m Machine
	if err := c.request(ctx, "POST", appPath(c.cfg.AppName, "/machines"), in, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMachine fetches a machine by ID. 404 is reported via
// providererr.NotFound.
func (c *Client) GetMachine(ctx context.Context, machineID string) (*Machine, error) {
	var m Machine
	if err := c.request(ctx, "GET", appPath(c.cfg.AppName, "/machines/"+machineID), nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// UpdateMachine replaces a machine's config in place (used when an existing
// machine needs new env/mounts rather than being recreated). minSecretsVersion
// carries the same boot-gating semantics as in CreateMachine.
func (c *Client) UpdateMachine(ctx context.Context, machineID string, cfg MachineConfig, minSecretsVersion string) (*Machine, error) {
	in := struct {
		Config            MachineConfig `json:"config"`
		MinSecretsVersion string        `json:"min_secrets_version,omitempty"`
	}{Config: cfg, MinSecretsVersion: minSecretsVersion}

	var m Machine
	if err := c.request(ctx, "POST", appPath(c.cfg.AppName, "/machines/"+machineID), in, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// StartMachine starts a stopped machine.
func (c *Client) StartMachine(ctx context.Context, machineID string) error {
	return c.request(ctx, "POST", appPath(c.cfg.AppName, "/machines/"+machineID+"/start"), nil, nil)
}

// StopMachine requests a graceful stop without waiting for it to land.
func (c *Client) StopMachine(ctx context.Context, machineID string) error {
	return c.request(ctx, "POST", appPath(c.cfg.AppName, "/machines/"+machineID+"/stop"), nil, nil)
}

// StopAndWaitMachine stops a machine and long-polls until it reports
// "stopped" or the context is done.
func (c *Client) StopAndWaitMachine(ctx context.Context, machineID string, timeout time.Duration) error {
	if err := c.StopMachine(ctx, machineID); err != nil {
		return err
	}
	return c.WaitMachine(ctx, machineID, "stopped", timeout)
}

// DestroyMachine force-destroys a machine regardless of its current state.
// 404 is treated as already-gone (idempotent).
func (c *Client) DestroyMachine(ctx context.Context, machineID string) error {
	v := url.Values{"force": []string{"true"}}
	err := c.request(ctx, "DELETE", appPath(c.cfg.AppName, "/machines/"+machineID)+"?"+v.Encode(), nil, nil)
	if err != nil && providererr.NotFound(err) {
		return nil
	}
	return err
}

// WaitMachine long-polls a machine until it reaches the desired state or
// the context is canceled/times out.
func (c *Client) WaitMachine(ctx context.Context, machineID, desiredState string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	v := url.Values{
		"state":          []string{desiredState},
		"timeout":        []string{"55"}, // seconds; provider caps long-poll at ~60s
	}

	for {
		err := c.request(ctx, "GET", appPath(c.cfg.AppName, "/machines/"+machineID+"/wait")+"?"+v.Encode(), nil, nil)
		if err == nil {
			return nil
		}
		pe, ok := err.(*providererr.Error)
		if !ok || pe.Status != 408 {
			return err
		}
		// 408: long-poll timed out without reaching state, loop again until
		// the outer context expires.
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// ListMachines lists machines in the client's bound app, optionally
// filtered by metadata key/value pairs (used for user_id-tagged metadata
// recovery, spec §4.3.5).
func (c *Client) ListMachines(ctx context.Context, metadataFilter map[string]string) ([]Machine, error) {
	path := appPath(c.cfg.AppName, "/machines")
	if len(metadataFilter) > 0 {
		v := url.Values{}
		for k, val := range metadataFilter {
			v.Set("metadata."+k, val)
		}
		path += "?" + v.Encode()
	}

	var machines []Machine
	if err := c.request(ctx, "GET", path, nil, &machines); err != nil {
		return nil, err
	}
	return machines, nil
}
