package flyclient

import (
	"context"

	"github.com/kiloclaw/sandboxd/pkg/providererr"
)

// ComputeHint tells the provider what CPU/memory shape will run against a
// volume, so it places the volume on a host that can also fit the machine
// (spec §4.3.11).
type ComputeHint struct {
	CPUs     int `json:"cpus"`
	MemoryMB int `json:"memory_mb"`
}

type createVolumeInput struct {
	Name           string       `json:"name"`
	Region         string       `json:"region"`
	SizeGB         int          `json:"size_gb"`
	SourceVolumeID string       `json:"source_volume_id,omitempty"`
	Compute        *ComputeHint `json:"compute,omitempty"`
}

// CreateVolume creates a fresh, empty volume in the given region.
func (c *Client) CreateVolume(ctx context.Context, name, region string, sizeGB int) (*Volume, error) {
	var v Volume
	in := createVolumeInput{Name: name, Region: region, SizeGB: sizeGB}
	if err := c.request(ctx, "POST", appPath(c.cfg.AppName, "/volumes"), in, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// CreateVolumeWithFallback creates a volume (optionally forking
// sourceVolumeID) carrying the given compute hint, trying regions in order
// until one succeeds or all are exhausted with capacity errors (spec
// §4.3.11 capacity-exhaustion recovery). Non-capacity errors abort
// immediately rather than falling through remaining regions.
func (c *Client) CreateVolumeWithFallback(ctx context.Context, name, sourceVolumeID string, sizeGB int, hint ComputeHint, regions []string) (*Volume, error) {
	var lastErr error
	for _, region := range regions {
		v, err := c.forkVolume(ctx, name, region, sourceVolumeID, sizeGB, hint)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !providererr.InsufficientResources(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) forkVolume(ctx context.Context, name, region, sourceVolumeID string, sizeGB int, hint ComputeHint) (*Volume, error) {
	var v Volume
	in := createVolumeInput{Name: name, Region: region, SizeGB: sizeGB, SourceVolumeID: sourceVolumeID, Compute: &hint}
	if err := c.request(ctx, "POST", appPath(c.cfg.AppName, "/volumes"), in, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// GetVolume fetches a volume by ID. 404 is reported via
// providererr.NotFound.
func (c *Client) GetVolume(ctx context.Context, volumeID string) (*Volume, error) {
	var v Volume
	if err := c.request(ctx, "GET", appPath(c.cfg.AppName, "/volumes/"+volumeID), nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// DeleteVolume deletes a volume by ID. 404 is treated as already-gone.
func (c *Client) DeleteVolume(ctx context.Context, volumeID string) error {
	err := c.request(ctx, "DELETE", appPath(c.cfg.AppName, "/volumes/"+volumeID), nil, nil)
	if err != nil && providererr.NotFound(err) {
		return nil
	}
	return err
}

// ListSnapshots lists the point-in-time snapshots retained for a volume.
func (c *Client) ListSnapshots(ctx context.Context, volumeID string) ([]Snapshot, error) {
	var snaps []Snapshot
	if err := c.request(ctx, "GET", appPath(c.cfg.AppName, "/volumes/"+volumeID+"/snapshots"), nil, &snaps); err != nil {
		return nil, err
	}
	return snaps, nil
}
