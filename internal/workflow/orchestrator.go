package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dispatch/internal/assembler"
	"github.com/fyrsmithlabs/dispatch/internal/intent"
	"github.com/fyrsmithlabs/dispatch/internal/jobs"
	"github.com/fyrsmithlabs/dispatch/internal/logging"
	"github.com/fyrsmithlabs/dispatch/internal/memory"
	"github.com/fyrsmithlabs/dispatch/internal/telemetry"
)

// ErrUnknownJob is returned when a control operation names a job this
// orchestrator is not tracking.
var ErrUnknownJob = errors.New("workflow: unknown job")

// streamRetries bounds reconnect attempts after a dropped stream. Each
// reconnect resumes from the machine's watermark, so retries never
// double-apply events.
const (
	streamRetries      = 3
	streamRetryBackoff = 500 * time.Millisecond
)

// Orchestrator coordinates one workspace's workflows: it routes incoming
// messages through intent detection, assembles memory context, submits
// jobs and drives each job's Machine from its event stream.
//
// Each workspace gets its own Orchestrator instance. Nothing here is
// process-global, so two workspaces never share workflow state.
type Orchestrator struct {
	workspace string
	router    *intent.Router
	builder   *assembler.Builder
	jobs      *jobs.Client
	memory    *memory.Client
	logger    *logging.Logger
	metrics   *telemetry.ClientMetrics

	mu        sync.Mutex
	sessionID string
	machines  map[string]*Machine
	cancels   map[string]context.CancelFunc

	wg sync.WaitGroup
}

// NewOrchestrator creates an orchestrator for one workspace. memoryClient
// may be nil, which disables the post-completion memory write-back.
func NewOrchestrator(
	workspace string,
	router *intent.Router,
	builder *assembler.Builder,
	jobClient *jobs.Client,
	memoryClient *memory.Client,
	logger *logging.Logger,
	metrics *telemetry.ClientMetrics,
) (*Orchestrator, error) {
	if workspace == "" {
		return nil, fmt.Errorf("workspace is required")
	}
	if router == nil {
		return nil, fmt.Errorf("intent router cannot be nil")
	}
	if builder == nil {
		return nil, fmt.Errorf("context builder cannot be nil")
	}
	if jobClient == nil {
		return nil, fmt.Errorf("job client cannot be nil")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Orchestrator{
		workspace: workspace,
		router:    router,
		builder:   builder,
		jobs:      jobClient,
		memory:    memoryClient,
		logger:    logger.Named("orchestrator"),
		metrics:   metrics,
		machines:  make(map[string]*Machine),
		cancels:   make(map[string]context.CancelFunc),
	}, nil
}

// SetSessionID pins the session new jobs attach to. The orchestrator
// also adopts the session the backend assigns on the first submission.
func (o *Orchestrator) SetSessionID(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sessionID = id
}

// HandleMessage routes one user message. When no workflow triggers, it
// returns (nil, nil) and the message stays ordinary chat. When one does,
// it assembles context, submits the job and returns the live Machine;
// the event stream is consumed in the background.
func (o *Orchestrator) HandleMessage(ctx context.Context, message string) (*Machine, error) {
	res, trigger := o.router.ShouldTrigger(ctx, message)
	if !trigger {
		return nil, nil
	}

	o.mu.Lock()
	sessionID := o.sessionID
	o.mu.Unlock()

	built := o.builder.Build(ctx, sessionID, message)
	if built.Degraded {
		o.logger.Warn(ctx, "starting workflow with degraded context",
			zap.String("workflow", res.Workflow),
		)
	}

	result, err := o.jobs.Execute(ctx, jobs.RunRequest{
		Workspace:           o.workspace,
		Command:             res.Workflow,
		SessionID:           sessionID,
		ConversationContext: built.Render(),
	})
	if err != nil {
		return nil, fmt.Errorf("submitting workflow %s: %w", res.Workflow, err)
	}

	machine := NewMachine(o.workspace, o.logger)
	if err := machine.Start(result.JobID, res.Workflow); err != nil {
		return nil, err
	}

	o.mu.Lock()
	if result.SessionID != "" {
		o.sessionID = result.SessionID
	}
	sessionID = o.sessionID
	o.track(machine, result.JobID)
	o.mu.Unlock()

	o.recordUserTurn(ctx, sessionID, message)

	return machine, nil
}

// recordUserTurn writes the triggering message into session short-term
// memory, best-effort.
func (o *Orchestrator) recordUserTurn(ctx context.Context, sessionID, message string) {
	if o.memory == nil || sessionID == "" {
		return
	}
	if _, err := o.memory.AddShortTerm(ctx, &memory.ShortTermMemory{
		SessionID: sessionID,
		Role:      memory.RoleUser,
		Content:   message,
	}); err != nil {
		o.logger.Warn(ctx, "recording user turn failed", zap.Error(err))
	}
}

// Approve continues a workflow that is waiting at an approval gate. The
// pending next command is submitted as a new job and the machine rebinds
// to it. A submission failure fails the workflow loudly rather than
// leaving it stuck half-approved.
func (o *Orchestrator) Approve(ctx context.Context, jobID string) error {
	machine, err := o.machine(jobID)
	if err != nil {
		return err
	}

	approved, err := machine.Approve()
	if err != nil {
		return err
	}

	o.mu.Lock()
	sessionID := o.sessionID
	o.mu.Unlock()

	result, err := o.jobs.Execute(ctx, jobs.RunRequest{
		Workspace: o.workspace,
		Command:   approved.NextCommand,
		SessionID: sessionID,
	})
	if err != nil {
		machine.MarkFailed("resubmitting approved command: " + err.Error())
		return fmt.Errorf("resubmitting approved command: %w", err)
	}

	machine.RebindJob(result.JobID)

	o.mu.Lock()
	o.untrack(jobID)
	o.track(machine, result.JobID)
	o.mu.Unlock()

	return nil
}

// Reject declines a pending approval. The machine returns to idle and
// the originating job is cancelled best-effort, since its process may
// still be alive server-side.
func (o *Orchestrator) Reject(ctx context.Context, jobID, reason string) error {
	machine, err := o.machine(jobID)
	if err != nil {
		return err
	}
	if err := machine.Reject(reason); err != nil {
		return err
	}

	o.stopConsumer(jobID)
	if err := o.jobs.Cancel(ctx, jobID); err != nil {
		o.logger.Warn(ctx, "cancelling rejected job failed",
			zap.String("job_id", jobID),
			zap.Error(err),
		)
	}
	return nil
}

// Cancel cooperatively stops a running workflow. Repeat calls and calls
// against already-terminal workflows are no-ops apart from the backend
// round trip.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	machine, err := o.machine(jobID)
	if err != nil {
		return err
	}

	o.stopConsumer(jobID)
	if err := o.jobs.Cancel(ctx, jobID); err != nil {
		return err
	}
	machine.MarkCancelled()
	return nil
}

// SendInput forwards user input to a running job.
func (o *Orchestrator) SendInput(ctx context.Context, jobID, text string) error {
	if _, err := o.machine(jobID); err != nil {
		return err
	}
	return o.jobs.SendInput(ctx, jobID, text)
}

// Machine returns the machine currently bound to jobID.
func (o *Orchestrator) Machine(jobID string) (*Machine, error) {
	return o.machine(jobID)
}

// Close stops all stream consumers and waits for them to drain.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	for jobID, cancel := range o.cancels {
		cancel()
		delete(o.cancels, jobID)
	}
	o.mu.Unlock()
	o.wg.Wait()
}

func (o *Orchestrator) machine(jobID string) (*Machine, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	machine, ok := o.machines[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	return machine, nil
}

// track registers the machine under jobID and starts its stream
// consumer. Caller holds o.mu.
func (o *Orchestrator) track(machine *Machine, jobID string) {
	o.machines[jobID] = machine

	// The consumer outlives the call that submitted the job, so it runs
	// under its own context rather than the caller's.
	ctx, cancel := context.WithCancel(context.Background())
	o.cancels[jobID] = cancel

	o.wg.Add(1)
	go o.consume(ctx, machine, jobID)
}

// untrack drops bookkeeping for jobID. Caller holds o.mu.
func (o *Orchestrator) untrack(jobID string) {
	if cancel, ok := o.cancels[jobID]; ok {
		cancel()
		delete(o.cancels, jobID)
	}
	delete(o.machines, jobID)
}

func (o *Orchestrator) stopConsumer(jobID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cancel, ok := o.cancels[jobID]; ok {
		cancel()
		delete(o.cancels, jobID)
	}
}

// consume reads the job's event stream into the machine until a terminal
// event, stream end or cancellation. Dropped connections reopen from the
// machine's watermark.
func (o *Orchestrator) consume(ctx context.Context, machine *Machine, jobID string) {
	defer o.wg.Done()

	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}

		stream, err := o.jobs.OpenStream(ctx, jobID, machine.LastSeq())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempts++
			if attempts > streamRetries {
				machine.MarkFailed("event stream unavailable: " + err.Error())
				return
			}
			o.logger.Warn(ctx, "opening event stream failed, retrying",
				zap.String("job_id", jobID),
				zap.Int("attempt", attempts),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(streamRetryBackoff):
			}
			continue
		}

		done, err := o.pump(ctx, stream, machine, jobID)
		stream.Close()
		if done || ctx.Err() != nil {
			return
		}
		// Only a still-running workflow needs its stream back. Waiting
		// at an approval gate or already terminal means the stream has
		// served its purpose.
		if machine.Status() != StatusRunning {
			return
		}
		if err != nil {
			o.logger.Warn(ctx, "event stream interrupted, resuming",
				zap.String("job_id", jobID),
				zap.Int64("from", machine.LastSeq()),
				zap.Error(err),
			)
		}
		// A clean EOF without a terminal frame also falls through to a
		// resume: the backend closed the connection mid-job.
		attempts++
		if attempts > streamRetries {
			machine.MarkFailed("event stream ended before the job finished")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(streamRetryBackoff):
		}
	}
}

// pump applies events until the stream ends. It returns done=true when a
// terminal event was applied and the workflow needs no further reads.
func (o *Orchestrator) pump(ctx context.Context, stream *jobs.Stream, machine *Machine, jobID string) (bool, error) {
	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return false, nil
			}
			return false, err
		}

		machine.Apply(ev)

		// A done frame ends this job's stream either way, but it only
		// ends the workflow when the machine actually went terminal; at
		// an approval gate the frame is ignored and the next stage gets
		// its own stream.
		switch e := ev.(type) {
		case jobs.Completed:
			if machine.Status() == StatusCompleted {
				o.metrics.JobCompleted(ctx)
				o.finishCompleted(ctx, jobID, e.Result)
			}
			return true, nil
		case jobs.Failed:
			if machine.Status() == StatusFailed {
				o.metrics.JobFailed(ctx)
			}
			return true, nil
		}
	}
}

// finishCompleted records the job's final result with the backend and
// writes it back into session short-term memory. Both are best-effort:
// the workflow already succeeded.
func (o *Orchestrator) finishCompleted(ctx context.Context, jobID, result string) {
	o.jobs.RecordResponse(ctx, jobID, result)

	if o.memory == nil || result == "" {
		return
	}
	o.mu.Lock()
	sessionID := o.sessionID
	o.mu.Unlock()
	if sessionID == "" {
		return
	}

	if _, err := o.memory.AddShortTerm(ctx, &memory.ShortTermMemory{
		SessionID: sessionID,
		Role:      memory.RoleAssistant,
		Content:   result,
	}); err != nil {
		o.logger.Warn(ctx, "memory write-back failed",
			zap.String("job_id", jobID),
			zap.Error(err),
		)
	}
}
