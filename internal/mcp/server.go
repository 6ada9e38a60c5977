package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Aman-CERP/amansync/internal/index"
	"github.com/Aman-CERP/amansync/internal/scheduler"
	"github.com/Aman-CERP/amansync/pkg/version"
)

// ServerName is reported to clients during initialization.
const ServerName = "amansync"

// Syncer runs synchronizations. *index.Runner implements it.
type Syncer interface {
	Run(ctx context.Context, jc index.JobConfig) (*index.RunReport, error)
	DryRun(ctx context.Context, jc index.JobConfig) (*index.ChangeSet, error)
}

// HealthChecker verifies the index. *index.HealthChecker implements it.
type HealthChecker interface {
	Check(ctx context.Context) (*index.HealthReport, error)
}

// Jobs lists and runs scheduled jobs. *scheduler.Scheduler implements it.
type Jobs interface {
	List() []*scheduler.Job
	Execute(ctx context.Context, id string) (*index.RunReport, error)
}

// Dependencies holds the server's collaborators. Jobs may be nil.
type Dependencies struct {
	Syncer Syncer
	Health HealthChecker
	Jobs   Jobs
}

// ToolInfo contains information about a registered tool.
type ToolInfo struct {
	Name        string
	Description string
}

var tools = []ToolInfo{
	{
		Name:        ToolRunSync,
		Description: "Synchronize the document index now. Only documents whose checksum changed since the last run are re-chunked and upserted; deleted documents are removed. Returns counts, failed ids and the post-run health verdict.",
	},
	{
		Name:        ToolDryRun,
		Description: "Show which documents a sync would add, update or delete without touching the index or the ledger.",
	},
	{
		Name:        ToolHealthCheck,
		Description: "Verify that the ledger and the remote index agree: reachability, chunk counts, orphans, ledger integrity and backup retention.",
	},
	{
		Name:        ToolListJobs,
		Description: "List scheduled sync jobs with their trigger, next run and execution statistics.",
	},
	{
		Name:        ToolRunJob,
		Description: "Run a scheduled job now and wait for its report. Fails if the job is already running.",
	},
}

// Server exposes synchronization as MCP tools.
type Server struct {
	mcp    *mcp.Server
	syncer Syncer
	health HealthChecker
	jobs   Jobs
	logger *slog.Logger
}

// NewServer creates a new MCP server.
func NewServer(deps Dependencies) (*Server, error) {
	if deps.Syncer == nil {
		return nil, errors.New("syncer is required")
	}
	if deps.Health == nil {
		return nil, errors.New("health checker is required")
	}

	s := &Server{
		syncer: deps.Syncer,
		health: deps.Health,
		jobs:   deps.Jobs,
		logger: slog.Default(),
	}
	s.mcp = mcp.NewServer(&mcp.Implementation{Name: ServerName, Version: version.Version}, nil)
	s.registerTools()
	return s, nil
}

// MCPServer returns the underlying MCP server instance.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []ToolInfo {
	return append([]ToolInfo(nil), tools...)
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{Name: ToolRunSync, Description: describe(ToolRunSync)}, s.runSyncHandler)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: ToolDryRun, Description: describe(ToolDryRun)}, s.dryRunHandler)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: ToolHealthCheck, Description: describe(ToolHealthCheck)}, s.healthHandler)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: ToolListJobs, Description: describe(ToolListJobs)}, s.listJobsHandler)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: ToolRunJob, Description: describe(ToolRunJob)}, s.runJobHandler)
	s.logger.Debug("mcp_tools_registered", slog.Int("count", len(tools)))
}

func describe(name string) string {
	for _, t := range tools {
		if t.Name == name {
			return t.Description
		}
	}
	return ""
}

// CallTool invokes a tool by name with JSON-style arguments and returns
// its structured output.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	switch name {
	case ToolRunSync:
		return invoke(ctx, args, s.runSyncHandler)
	case ToolDryRun:
		return invoke(ctx, args, s.dryRunHandler)
	case ToolHealthCheck:
		return invoke(ctx, args, s.healthHandler)
	case ToolListJobs:
		return invoke(ctx, args, s.listJobsHandler)
	case ToolRunJob:
		return invoke(ctx, args, s.runJobHandler)
	default:
		return nil, NewMethodNotFoundError(name)
	}
}

func invoke[In, Out any](
	ctx context.Context,
	args map[string]any,
	h func(context.Context, *mcp.CallToolRequest, In) (*mcp.CallToolResult, Out, error),
) (Out, error) {
	var in In
	var zero Out
	if len(args) > 0 {
		raw, err := json.Marshal(args)
		if err != nil {
			return zero, NewInvalidParamsError(err.Error())
		}
		if err := json.Unmarshal(raw, &in); err != nil {
			return zero, NewInvalidParamsError(fmt.Sprintf("invalid arguments: %v", err))
		}
	}
	_, out, err := h(ctx, nil, in)
	return out, err
}

func (s *Server) runSyncHandler(ctx context.Context, _ *mcp.CallToolRequest, input SyncInput) (
	*mcp.CallToolResult,
	RunOutput,
	error,
) {
	requestID := newRequestID()
	start := time.Now()
	s.logger.Info("mcp_sync_started",
		slog.String("request_id", requestID),
		slog.Bool("full", input.ForceFullRebuild))

	report, err := s.syncer.Run(ctx, input.jobConfig(false))
	if report == nil {
		s.logFailure("mcp_sync_failed", requestID, err)
		return nil, RunOutput{}, MapError(err)
	}

	out := ToRunOutput(report)
	s.logger.Info("mcp_sync_completed",
		slog.String("request_id", requestID),
		slog.String("status", out.Status),
		slog.Duration("elapsed", time.Since(start)))
	return runResult(out, err), out, nil
}

func (s *Server) dryRunHandler(ctx context.Context, _ *mcp.CallToolRequest, input SyncInput) (
	*mcp.CallToolResult,
	DryRunOutput,
	error,
) {
	cs, err := s.syncer.DryRun(ctx, input.jobConfig(true))
	if err != nil {
		s.logFailure("mcp_dry_run_failed", newRequestID(), err)
		return nil, DryRunOutput{}, MapError(err)
	}
	out := ToDryRunOutput(cs)
	return textResult(FormatDryRun(out)), out, nil
}

func (s *Server) healthHandler(ctx context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (
	*mcp.CallToolResult,
	HealthOutput,
	error,
) {
	report, err := s.health.Check(ctx)
	if err != nil {
		s.logFailure("mcp_health_failed", newRequestID(), err)
		return nil, HealthOutput{}, MapError(err)
	}
	out := ToHealthOutput(report)
	return textResult(FormatHealth(out)), out, nil
}

func (s *Server) listJobsHandler(_ context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (
	*mcp.CallToolResult,
	ListJobsOutput,
	error,
) {
	if s.jobs == nil {
		return nil, ListJobsOutput{}, MapError(ErrJobsUnavailable)
	}
	jobs := s.jobs.List()
	out := ListJobsOutput{Jobs: make([]JobOutput, 0, len(jobs))}
	for _, j := range jobs {
		out.Jobs = append(out.Jobs, ToJobOutput(j))
	}
	return textResult(FormatJobs(out.Jobs)), out, nil
}

func (s *Server) runJobHandler(ctx context.Context, _ *mcp.CallToolRequest, input RunJobInput) (
	*mcp.CallToolResult,
	RunOutput,
	error,
) {
	if strings.TrimSpace(input.ID) == "" {
		return nil, RunOutput{}, NewInvalidParamsError("id parameter is required")
	}
	if s.jobs == nil {
		return nil, RunOutput{}, MapError(ErrJobsUnavailable)
	}

	requestID := newRequestID()
	report, err := s.jobs.Execute(ctx, input.ID)
	if report == nil {
		s.logFailure("mcp_job_failed", requestID, err, slog.String("job_id", input.ID))
		return nil, RunOutput{}, MapError(err)
	}
	out := ToRunOutput(report)
	s.logger.Info("mcp_job_completed",
		slog.String("request_id", requestID),
		slog.String("job_id", input.ID),
		slog.String("status", out.Status))
	return runResult(out, err), out, nil
}

func (s *Server) logFailure(event, requestID string, err error, attrs ...any) {
	if err == nil {
		err = errors.New("no report returned")
	}
	args := append([]any{slog.String("request_id", requestID), slog.String("error", err.Error())}, attrs...)
	s.logger.Warn(event, args...)
}

// runResult marks aborted runs as tool errors but still carries the report.
func runResult(out RunOutput, err error) *mcp.CallToolResult {
	res := textResult(FormatRunReport(out))
	res.IsError = err != nil || out.Status == string(index.StatusFailed)
	return res
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

// Serve runs the server on the given transport until ctx is done.
func (s *Server) Serve(ctx context.Context, transport string) error {
	s.logger.Info("mcp_server_starting", slog.String("transport", transport))

	switch transport {
	case "", "stdio":
		err := s.mcp.Run(ctx, &mcp.StdioTransport{})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("mcp_server_stopped", slog.String("error", err.Error()))
			return err
		}
		s.logger.Info("mcp_server_stopped")
		return nil
	default:
		return fmt.Errorf("unknown transport: %s (supported: stdio)", transport)
	}
}

// newRequestID creates a short id for log correlation.
func newRequestID() string {
	return uuid.NewString()[:8]
}
