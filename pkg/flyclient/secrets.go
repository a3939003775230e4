package flyclient

import (
	"context"

	"github.com/kiloclaw/sandboxd/pkg/providererr"
)

type setSecretsInput struct {
	Secrets []secretKV `json:"secrets"`
}

type secretKV struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type setSecretsOutput struct {
	Version string `json:"version"`
}

// SetSecrets uploads one or more secrets to the client's bound app and
// returns the resulting secrets version (used as min_secrets_version on
// subsequent machine create/update so the machine waits for propagation).
// Secret values are never logged or returned by the provider.
func (c *Client) SetSecrets(ctx context.Context, secrets map[string]string) (string, error) {
	if len(secrets) == 0 {
		return "", nil
	}
	in := setSecretsInput{}
	for name, value := range secrets {
		in.Secrets = append(in.Secrets, secretKV{Name: name, Value: value})
	}
	var out setSecretsOutput
	if err := c.request(ctx, "POST", appPath(c.cfg.AppName, "/secrets"), in, &out); err != nil {
		return "", err
	}
	return out.Version, nil
}

// DeleteSecret removes a named secret. 404 is treated as already-absent.
func (c *Client) DeleteSecret(ctx context.Context, name string) error {
	err := c.request(ctx, "DELETE", appPath(c.cfg.AppName, "/secrets/"+name), nil, nil)
	if err != nil && providererr.NotFound(err) {
		return nil
	}
	return err
}

// secretListEntry is what the provider returns for list_secrets — names and
// metadata only, never values.
type secretListEntry struct {
	Name      string `json:"name"`
	Digest    string `json:"digest"`
	CreatedAt string `json:"created_at"`
}

// ListSecrets lists the names of secrets set on the client's bound app.
func (c *Client) ListSecrets(ctx context.Context) ([]string, error) {
	var entries []secretListEntry
	if err := c.request(ctx, "GET", appPath(c.cfg.AppName, "/secrets"), nil, &entries); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	return names, nil
}
