package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	amerrors "github.com/Aman-CERP/amansync/internal/errors"
	"github.com/Aman-CERP/amansync/internal/scheduler"
)

const connDeadline = 30 * time.Second

// Handler serves the control methods.
type Handler interface {
	Status() StatusResult
	ListJobs() []*scheduler.Job
	RunJob(id string) error
	Job(id string) (*scheduler.Job, error)
}

// Server listens on a Unix socket and answers one request per connection.
type Server struct {
	socketPath string
	handler    Handler
	listener   net.Listener

	mu       sync.Mutex
	shutdown bool
	wg       sync.WaitGroup
	ready    chan struct{}
}

// NewServer creates a server for socketPath backed by h.
func NewServer(socketPath string, h Handler) *Server {
	return &Server{
		socketPath: socketPath,
		handler:    h,
		ready:      make(chan struct{}),
	}
}

// Ready is closed once the socket accepts connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// ListenAndServe serves until ctx is cancelled, then waits for open
// connections and removes the socket.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.handler == nil {
		return fmt.Errorf("daemon server requires a handler")
	}
	// Stale socket from a crashed daemon.
	_ = os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("failed to restrict socket permissions: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	close(s.ready)

	defer func() {
		_ = listener.Close()
		_ = os.Remove(s.socketPath)
	}()

	slog.Info("control_socket_listening", slog.String("socket", s.socketPath))

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.closed() {
				break
			}
			slog.Error("control_socket_accept_failed", slog.String("error", err.Error()))
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.wg.Wait()
	return nil
}

func (s *Server) closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(connDeadline)); err != nil {
		slog.Warn("control_socket_deadline_failed", slog.String("error", err.Error()))
	}

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		_ = json.NewEncoder(conn).Encode(NewErrorResponse("", ErrCodeParseError, "failed to parse request"))
		return
	}

	resp := s.handleRequest(ctx, req)
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		slog.Debug("control_socket_write_failed", slog.String("method", req.Method), slog.String("error", err.Error()))
	}
}

func (s *Server) handleRequest(ctx context.Context, req Request) Response {
	if req.JSONRPC != "2.0" {
		return NewErrorResponse(req.ID, ErrCodeInvalidRequest, "jsonrpc must be \"2.0\"")
	}
	if ctx.Err() != nil {
		return NewErrorResponse(req.ID, ErrCodeShutdown, "daemon is shutting down")
	}

	switch req.Method {
	case MethodPing:
		return NewSuccessResponse(req.ID, PingResult{Pong: true})

	case MethodStatus:
		return NewSuccessResponse(req.ID, s.handler.Status())

	case MethodJobsList:
		jobs := s.handler.ListJobs()
		if jobs == nil {
			jobs = []*scheduler.Job{}
		}
		return NewSuccessResponse(req.ID, jobs)

	case MethodJobsRun:
		params, resp, ok := decodeJobParams(req)
		if !ok {
			return resp
		}
		if err := s.handler.RunJob(params.ID); err != nil {
			return errorResponse(req.ID, err)
		}
		slog.Info("job_triggered", slog.String("job_id", params.ID), slog.String("reason", "control_socket"))
		return NewSuccessResponse(req.ID, RunJobResult{ID: params.ID, Triggered: true})

	case MethodJobsStats:
		params, resp, ok := decodeJobParams(req)
		if !ok {
			return resp
		}
		job, err := s.handler.Job(params.ID)
		if err != nil {
			return errorResponse(req.ID, err)
		}
		return NewSuccessResponse(req.ID, JobStatsResult{ID: job.ID, Name: job.Name, Stats: job.Stats})

	default:
		return NewErrorResponse(req.ID, ErrCodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
	}
}

func decodeJobParams(req Request) (JobParams, Response, bool) {
	var params JobParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return params, NewErrorResponse(req.ID, ErrCodeInvalidParams, "failed to decode params"), false
		}
	}
	if err := params.Validate(); err != nil {
		return params, NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error()), false
	}
	return params, Response{}, true
}

// errorResponse maps scheduler errors to protocol codes.
func errorResponse(id string, err error) Response {
	switch {
	case errors.Is(err, amerrors.ErrJobNotFound):
		return NewErrorResponse(id, ErrCodeJobNotFound, err.Error())
	case errors.Is(err, amerrors.ErrJobRunning):
		return NewErrorResponse(id, ErrCodeJobRunning, err.Error())
	default:
		return NewErrorResponse(id, ErrCodeInternalError, err.Error())
	}
}

// Close stops accepting connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = true
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}
