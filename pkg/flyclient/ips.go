package flyclient

import (
	"context"

	"github.com/kiloclaw/sandboxd/pkg/providererr"
)

type allocateIPInput struct {
	Type string `json:"type"`
}

// AllocateSharedIPv4 allocates a shared IPv4 address for the client's bound
// app. A 409/422 ("already allocated") is treated as success — allocation
// is idempotent per app (spec §4.2 ensure_app).
func (c *Client) AllocateSharedIPv4(ctx context.Context) error {
	return c.allocateIP(ctx, "shared_v4")
}

// AllocateIPv6 allocates a dedicated IPv6 address for the client's bound
// app, with the same idempotent semantics as AllocateSharedIPv4.
func (c *Client) AllocateIPv6(ctx context.Context) error {
	return c.allocateIP(ctx, "v6")
}

func (c *Client) allocateIP(ctx context.Context, ipType string) error {
	err := c.request(ctx, "POST", appPath(c.cfg.AppName, "/ips"), allocateIPInput{Type: ipType}, nil)
	if err == nil {
		return nil
	}
	if pe, ok := err.(*providererr.Error); ok && (pe.Status == 409 || pe.Status == 422) {
		return nil
	}
	return err
}

// ListIPs lists IP addresses allocated to the client's bound app.
func (c *Client) ListIPs(ctx context.Context) ([]IPAddress, error) {
	var ips []IPAddress
	if err := c.request(ctx, "GET", appPath(c.cfg.AppName, "/ips"), nil, &ips); err != nil {
		return nil, err
	}
	return ips, nil
}
