// Package jobs submits workflow jobs to the backend and reads their
// NDJSON event streams.
package jobs

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/dispatch/internal/api"
	"github.com/fyrsmithlabs/dispatch/internal/logging"
	"github.com/fyrsmithlabs/dispatch/internal/memory"
	"github.com/fyrsmithlabs/dispatch/internal/telemetry"
)

// RunRequest describes one job submission.
type RunRequest struct {
	// Workspace is the working directory the job runs in. Required.
	Workspace string `json:"workspace"`

	// Command is the workflow command to execute. Required.
	Command string `json:"command"`

	// SessionID ties the job to an existing session when set.
	SessionID string `json:"session_id,omitempty"`

	// ConversationContext is the assembled prompt context, already
	// rendered and budget-checked by the caller.
	ConversationContext string `json:"conversation_context,omitempty"`
}

// RunResult is the backend's acknowledgement of a submitted job.
type RunResult struct {
	JobID     string `json:"jobId"`
	SessionID string `json:"sessionId,omitempty"`

	// ContextInfo reports what the backend actually loaded into the
	// job's context, which can differ from what was sent.
	ContextInfo *memory.SessionContextInfo `json:"contextInfo,omitempty"`
}

// Client submits and controls jobs. Submissions are rate limited
// client-side so a runaway caller cannot flood the backend with work.
type Client struct {
	api     *api.Client
	limiter *rate.Limiter
	logger  *logging.Logger
	metrics *telemetry.ClientMetrics
}

// NewClient creates a job client. limiter may be nil to disable
// client-side rate limiting; metrics may be nil.
func NewClient(apiClient *api.Client, limiter *rate.Limiter, logger *logging.Logger, metrics *telemetry.ClientMetrics) (*Client, error) {
	if apiClient == nil {
		return nil, fmt.Errorf("api client cannot be nil")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Client{
		api:     apiClient,
		limiter: limiter,
		logger:  logger.Named("jobs"),
		metrics: metrics,
	}, nil
}

// Execute submits a job and returns its identity. It blocks on the rate
// limiter first, so a cancelled context is honored before any network
// traffic happens.
func (c *Client) Execute(ctx context.Context, req RunRequest) (*RunResult, error) {
	if strings.TrimSpace(req.Workspace) == "" {
		return nil, fmt.Errorf("workspace is required")
	}
	if strings.TrimSpace(req.Command) == "" {
		return nil, fmt.Errorf("command is required")
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	var result RunResult
	if err := c.api.Do(ctx, "POST", "/jobs/run", req, &result); err != nil {
		return nil, err
	}
	if result.JobID == "" {
		return nil, fmt.Errorf("backend accepted job but returned no job ID")
	}

	c.metrics.JobStarted(ctx, req.Command)
	c.logger.Info(ctx, "job submitted",
		zap.String("job_id", result.JobID),
		zap.String("workspace", req.Workspace),
	)
	return &result, nil
}

// Cancel requests cooperative termination of a running job. Cancelling a
// job that already reached a terminal state is not an error on the
// backend; transport failures still surface.
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("job ID is required")
	}
	return c.api.Do(ctx, "POST", "/jobs/"+jobID+"/cancel", nil, nil)
}

// SendInput forwards interactive user input to a running job.
func (c *Client) SendInput(ctx context.Context, jobID, text string) error {
	if jobID == "" {
		return fmt.Errorf("job ID is required")
	}
	body := struct {
		Text string `json:"text"`
	}{Text: text}
	return c.api.Do(ctx, "POST", "/jobs/"+jobID+"/input", body, nil)
}

// RecordResponse reports the assistant's final response for a job so the
// backend can fold it into session memory. It is best-effort bookkeeping:
// failures are logged and swallowed, because losing a memory write must
// never fail a workflow that already completed.
func (c *Client) RecordResponse(ctx context.Context, jobID, response string) {
	if jobID == "" || response == "" {
		return
	}
	body := struct {
		Response string `json:"response"`
	}{Response: response}
	if err := c.api.Do(ctx, "POST", "/jobs/"+jobID+"/response", body, nil); err != nil {
		c.logger.Warn(ctx, "recording job response failed",
			zap.String("job_id", jobID),
			zap.Error(err),
		)
	}
}
