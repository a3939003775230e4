package flyclient

import (
	"context"
	"fmt"

	"github.com/kiloclaw/sandboxd/pkg/providererr"
)

// CreateAppInput is the request body for app creation.
type CreateAppInput struct {
	AppName string `json:"app_name"`
	OrgSlug string `json:"org_slug"`
}

// CreateApp creates an app namespace. If the provider reports the name is
// already taken (409), it lists that app's machines to decide whether this
// is benign idempotent re-creation (machines already tagged to userID) or a
// hash-truncation collision with a different tenant (spec §4.1, §7).
//
// When the machine listing itself fails, CreateApp fails open: it treats the
// 409 as benign rather than block provisioning on an unrelated listing
// error, and lets later reconciliation re-validate ownership.
func (c *Client) CreateApp(ctx context.Context, appName, orgSlug, userID string) error {
	err := c.request(ctx, "POST", "/apps", CreateAppInput{AppName: appName, OrgSlug: orgSlug}, nil)
	if err == nil {
		return nil
	}

	pe, ok := err.(*providererr.Error)
	if !ok || pe.Status != 409 {
		return err
	}

	foreignOwner, listErr := c.foreignOwnerOf(ctx, appName, userID)
	if listErr != nil {
		// fail open: can't enumerate, assume benign re-create.
		return nil
	}
	if foreignOwner == "" {
		return nil
	}
	return &providererr.AppNameCollisionError{
		AppName:          appName,
		RequestingUserID: userID,
		OwningUserID:     foreignOwner,
	}
}

// foreignOwnerOf scans every one of an app's machines for a kiloclaw_user_id
// metadata tag that does not match userID, returning the first mismatch
// found (or "" if the app has no machines, or every tagged machine belongs
// to userID). Checking every machine — not just the first tagged one — is
// what makes the hash-truncation collision check in CreateApp actually
// catch a second tenant's machines mixed in with the requester's own
// (spec §4.1, §7).
func (c *Client) foreignOwnerOf(ctx context.Context, appName, userID string) (string, error) {
	machines, err := c.WithApp(appName).ListMachines(ctx, nil)
	if err != nil {
		return "", err
	}
	for _, m := range machines {
		if uid, ok := m.Config.Metadata["kiloclaw_user_id"]; ok && uid != "" && uid != userID {
			return uid, nil
		}
	}
	return "", nil
}

// GetApp fetches an app by name. Returns a *providererr.Error with Status
// 404 (checkable via providererr.NotFound) if it doesn't exist.
func (c *Client) GetApp(ctx context.Context, appName string) (*App, error) {
	var app App
	if err := c.request(ctx, "GET", "/apps/"+appName, nil, &app); err != nil {
		return nil, err
	}
	return &app, nil
}

// DeleteApp deletes an app and all of its machines/volumes. A 404 is treated
// as already-deleted (idempotent).
func (c *Client) DeleteApp(ctx context.Context, appName string) error {
	err := c.request(ctx, "DELETE", "/apps/"+appName, nil, nil)
	if err != nil && providererr.NotFound(err) {
		return nil
	}
	return err
}

func appPath(appName, suffix string) string {
	return fmt.Sprintf("/apps/%s%s", appName, suffix)
}
