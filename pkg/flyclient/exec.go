package flyclient

import (
	"context"
	"time"
)

type execInput struct {
	Command    []string `json:"command"`
	TimeoutSec int      `json:"timeout"`
}

// Exec runs argv inside a machine and blocks until completion or timeout,
// returning the captured stdout/stderr/exit code (used by pairing-request
// passthrough, spec §4.3.11).
func (c *Client) Exec(ctx context.Context, machineID string, argv []string, timeout time.Duration) (*ExecResult, error) {
	in := execInput{
		Command:    argv,
		TimeoutSec: int(timeout.Seconds()),
	}

	var result ExecResult
	if err := c.request(ctx, "POST", appPath(c.cfg.AppName, "/machines/"+machineID+"/exec"), in, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
