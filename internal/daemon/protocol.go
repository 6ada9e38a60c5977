package daemon

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Aman-CERP/amansync/internal/scheduler"
)

// JSON-RPC 2.0 method names.
const (
	MethodPing      = "ping"
	MethodStatus    = "status"
	MethodJobsList  = "jobs.list"
	MethodJobsRun   = "jobs.run"
	MethodJobsStats = "jobs.stats"
)

// Standard JSON-RPC 2.0 error codes.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// Daemon specific error codes.
const (
	ErrCodeJobNotFound = -32001
	ErrCodeJobRunning  = -32002
	ErrCodeShutdown    = -32003
)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      string          `json:"id"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      string          `json:"id"`
}

// Error represents a JSON-RPC 2.0 error. It is returned by Client calls.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// NewSuccessResponse creates a successful response.
func NewSuccessResponse(id string, result any) Response {
	data, err := json.Marshal(result)
	if err != nil {
		return NewErrorResponse(id, ErrCodeInternalError, "failed to encode result: "+err.Error())
	}
	return Response{JSONRPC: "2.0", Result: data, ID: id}
}

// NewErrorResponse creates an error response.
func NewErrorResponse(id string, code int, message string) Response {
	return Response{
		JSONRPC: "2.0",
		Error:   &Error{Code: code, Message: message},
		ID:      id,
	}
}

// JobParams names a job for jobs.run and jobs.stats.
type JobParams struct {
	ID string `json:"id"`
}

// Validate checks that required fields are present.
func (p JobParams) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	return nil
}

// PingResult is the response to ping.
type PingResult struct {
	Pong bool `json:"pong"`
}

// StatusResult describes the running daemon.
type StatusResult struct {
	Running     bool          `json:"running"`
	PID         int           `json:"pid"`
	Root        string        `json:"root"`
	StartedAt   time.Time     `json:"started_at"`
	Uptime      time.Duration `json:"uptime"`
	Jobs        int           `json:"jobs"`
	RunningJobs []string      `json:"running_jobs,omitempty"`
	// WatchMode is "fsnotify", "polling" or empty when watching is off.
	WatchMode   string `json:"watch_mode,omitempty"`
	Compactions int    `json:"compactions"`
}

// RunJobResult acknowledges jobs.run. The run itself is asynchronous.
type RunJobResult struct {
	ID        string `json:"id"`
	Triggered bool   `json:"triggered"`
}

// JobStatsResult is the response to jobs.stats.
type JobStatsResult struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Stats scheduler.Stats `json:"stats"`
}
