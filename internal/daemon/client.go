package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/Aman-CERP/amansync/internal/scheduler"
)

// Client talks to a running daemon over its control socket.
type Client struct {
	socketPath string
	timeout    time.Duration
	requestID  atomic.Uint64
}

// NewClient creates a client for cfg.SocketPath.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{socketPath: cfg.SocketPath, timeout: timeout}
}

// IsRunning reports whether the daemon accepts connections.
func (c *Client) IsRunning() bool {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Ping checks that the daemon is responsive.
func (c *Client) Ping(ctx context.Context) error {
	var res PingResult
	if err := c.call(ctx, MethodPing, nil, &res); err != nil {
		return err
	}
	if !res.Pong {
		return fmt.Errorf("unexpected ping response")
	}
	return nil
}

// Status returns the daemon status.
func (c *Client) Status(ctx context.Context) (*StatusResult, error) {
	var status StatusResult
	if err := c.call(ctx, MethodStatus, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// ListJobs returns the daemon's jobs.
func (c *Client) ListJobs(ctx context.Context) ([]*scheduler.Job, error) {
	var jobs []*scheduler.Job
	if err := c.call(ctx, MethodJobsList, nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// RunJob triggers a job in the daemon without waiting for it.
func (c *Client) RunJob(ctx context.Context, id string) error {
	var res RunJobResult
	return c.call(ctx, MethodJobsRun, JobParams{ID: id}, &res)
}

// JobStats returns one job's statistics.
func (c *Client) JobStats(ctx context.Context, id string) (*JobStatsResult, error) {
	var res JobStatsResult
	if err := c.call(ctx, MethodJobsStats, JobParams{ID: id}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// call performs one request. Protocol errors are returned as *Error.
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	var d net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	conn, err := d.DialContext(dialCtx, "unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set deadline: %w", err)
	}

	req := Request{JSONRPC: "2.0", Method: method, ID: c.nextID()}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to encode params: %w", err)
		}
		req.Params = data
	}

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("failed to receive response: %w", err)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if resp.ID != req.ID {
		return fmt.Errorf("response id %q does not match request %q", resp.ID, req.ID)
	}
	if out != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", method, err)
		}
	}
	return nil
}

func (c *Client) nextID() string {
	return fmt.Sprintf("req-%d", c.requestID.Add(1))
}
