// Package mcp exposes synchronization runs and scheduled jobs as Model
// Context Protocol tools over stdio.
package mcp

import (
	"context"
	"errors"
	"fmt"

	amerrors "github.com/Aman-CERP/amansync/internal/errors"
)

// Tool error codes.
const (
	ErrCodeJobNotFound      = -32001
	ErrCodeJobRunning       = -32002
	ErrCodeIndexUnreachable = -32003
	ErrCodeTimeout          = -32004
	// ErrCodeSyncLocked means another process holds the sync lock.
	ErrCodeSyncLocked = -32005

	// Standard JSON-RPC error codes.
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// ErrJobsUnavailable is returned by job tools when the server has no scheduler.
var ErrJobsUnavailable = errors.New("job scheduler not configured")

// MCPError is a tool failure with a protocol error code.
type MCPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// MapError converts internal errors to MCP errors.
func MapError(err error) *MCPError {
	if err == nil {
		return nil
	}

	var mcpErr *MCPError
	if errors.As(err, &mcpErr) {
		return mcpErr
	}

	var amanErr *amerrors.AmanError
	if errors.As(err, &amanErr) {
		return mapAmanError(amanErr)
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &MCPError{Code: ErrCodeTimeout, Message: "Request timed out."}
	case errors.Is(err, context.Canceled):
		return &MCPError{Code: ErrCodeTimeout, Message: "Request was canceled."}
	case errors.Is(err, ErrJobsUnavailable):
		return &MCPError{Code: ErrCodeMethodNotFound, Message: "Job tools need a job store. Run 'amansync jobs add' first."}
	default:
		return &MCPError{Code: ErrCodeInternalError, Message: err.Error()}
	}
}

// NewInvalidParamsError creates an error for invalid parameters with a custom message.
func NewInvalidParamsError(msg string) *MCPError {
	return &MCPError{Code: ErrCodeInvalidParams, Message: msg}
}

// NewMethodNotFoundError creates an error for unknown tools.
func NewMethodNotFoundError(name string) *MCPError {
	return &MCPError{
		Code:    ErrCodeMethodNotFound,
		Message: fmt.Sprintf("Tool '%s' not found.", name),
	}
}

func mapAmanError(ae *amerrors.AmanError) *MCPError {
	message := ae.Message
	if ae.Suggestion != "" {
		message = fmt.Sprintf("%s %s", ae.Message, ae.Suggestion)
	}

	switch ae.Code {
	case amerrors.ErrCodeJobNotFound:
		return &MCPError{Code: ErrCodeJobNotFound, Message: message}
	case amerrors.ErrCodeJobRunning:
		return &MCPError{Code: ErrCodeJobRunning, Message: message}
	case amerrors.ErrCodeIndexUnreachable:
		return &MCPError{Code: ErrCodeIndexUnreachable, Message: message}
	case amerrors.ErrCodeLockHeld:
		return &MCPError{Code: ErrCodeSyncLocked, Message: message}
	}

	switch ae.Category {
	case amerrors.CategoryConfig:
		return &MCPError{Code: ErrCodeInvalidParams, Message: message}
	case amerrors.CategoryIndex:
		return &MCPError{Code: ErrCodeIndexUnreachable, Message: message}
	default:
		return &MCPError{Code: ErrCodeInternalError, Message: message}
	}
}
