// Package workflow tracks the lifecycle of agent workflows driven by job
// event streams, including the human approval gate between stages.
package workflow

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/dispatch/internal/jobs"
	"github.com/fyrsmithlabs/dispatch/internal/logging"
)

// Status is a workflow lifecycle state.
type Status string

const (
	StatusIdle            Status = "idle"
	StatusRunning         Status = "running"
	StatusWaitingApproval Status = "waiting_approval"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var (
	ErrNotIdle           = errors.New("workflow: machine already started")
	ErrNoPendingApproval = errors.New("workflow: no pending approval")
)

// LogEntry is one line of workflow history, whether it came from the job
// stream or from a local decision.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// PendingApproval captures an approval gate: the artifact the job
// produced and the command that runs if a human approves it.
type PendingApproval struct {
	JobID        string `json:"job_id"`
	ArtifactType string `json:"artifact_type"`
	ArtifactPath string `json:"artifact_path"`
	Preview      string `json:"preview"`
	NextCommand  string `json:"next_command"`
}

// Snapshot is an immutable copy of machine state handed to subscribers.
type Snapshot struct {
	Workspace   string
	Workflow    string
	JobID       string
	Status      Status
	Logs        []LogEntry
	Output      string
	CurrentStep string
	Progress    float64
	Pending     *PendingApproval
	Result      string
	Error       string
	LastSeq     int64
}

// Subscriber receives a snapshot after every state change.
type Subscriber func(Snapshot)

// Machine is the state machine for one workflow run. It is driven by
// Apply from the stream consumer goroutine and by Approve/Reject/Start
// from callers, so every mutation holds the lock and every subscriber
// sees a consistent snapshot.
//
// Terminal states freeze the machine: events arriving after completed or
// failed are recorded nowhere and change nothing.
type Machine struct {
	mu sync.Mutex

	workspace   string
	workflow    string
	jobID       string
	status      Status
	logs        []LogEntry
	output      []byte
	currentStep string
	progress    float64
	pending     *PendingApproval
	result      string
	errMsg      string
	lastSeq     int64

	subscribers []Subscriber
	logger      *logging.Logger
}

// NewMachine creates an idle machine for a workspace.
func NewMachine(workspace string, logger *logging.Logger) *Machine {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Machine{
		workspace: workspace,
		status:    StatusIdle,
		logger:    logger.Named("workflow"),
	}
}

// Subscribe registers a callback invoked with a snapshot after every
// transition. Callbacks run outside the machine lock.
func (m *Machine) Subscribe(fn Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// Start moves idle to running, binding the machine to a job.
func (m *Machine) Start(jobID, workflow string) error {
	m.mu.Lock()
	if m.status != StatusIdle {
		status := m.status
		m.mu.Unlock()
		return fmt.Errorf("%w: status %s", ErrNotIdle, status)
	}
	m.jobID = jobID
	m.workflow = workflow
	m.status = StatusRunning
	m.appendLog("info", "workflow started: "+workflow)
	m.notifyLocked()
	return nil
}

// Apply feeds one decoded stream event into the machine. Events for a
// different job, events in a terminal state and approval requests
// outside running are all ignored.
func (m *Machine) Apply(ev jobs.Event) {
	m.mu.Lock()
	if m.status.Terminal() {
		m.mu.Unlock()
		return
	}
	if ev.EventJobID() != "" && ev.EventJobID() != m.jobID {
		m.mu.Unlock()
		return
	}
	if seq := ev.EventSeq(); seq > m.lastSeq {
		m.lastSeq = seq
	}

	switch e := ev.(type) {
	case jobs.Started:
		m.appendLog("info", "job running: "+e.Name)

	case jobs.Log:
		m.appendLog(e.Level, e.Message)

	case jobs.Progress:
		m.currentStep = e.Step
		m.progress = e.Percent
		m.appendLog("info", fmt.Sprintf("%s (%.0f%%)", e.Step, e.Percent))

	case jobs.Output:
		m.output = append(m.output, e.Content...)

	case jobs.ApprovalRequest:
		if m.status != StatusRunning {
			m.mu.Unlock()
			return
		}
		m.pending = &PendingApproval{
			JobID:        m.jobID,
			ArtifactType: e.ArtifactType,
			ArtifactPath: e.ArtifactPath,
			Preview:      e.Preview,
			NextCommand:  e.NextCommand,
		}
		m.status = StatusWaitingApproval
		m.appendLog("info", "approval required: "+e.ArtifactPath)

	case jobs.Completed:
		// A done frame arriving while waiting for approval belongs to
		// the stage that raised the gate; the human decision, not the
		// job exit, advances the workflow.
		if m.status != StatusRunning {
			m.mu.Unlock()
			return
		}
		m.status = StatusCompleted
		m.result = e.Result
		m.appendLog("info", "workflow completed")

	case jobs.Failed:
		if m.status != StatusRunning {
			m.mu.Unlock()
			return
		}
		m.status = StatusFailed
		m.errMsg = e.Error
		m.appendLog("error", "workflow failed: "+e.Error)

	default:
		m.mu.Unlock()
		return
	}

	m.notifyLocked()
}

// Approve consumes the pending approval and moves back to running. The
// returned PendingApproval tells the caller which command to resubmit.
func (m *Machine) Approve() (*PendingApproval, error) {
	m.mu.Lock()
	if m.status != StatusWaitingApproval || m.pending == nil {
		status := m.status
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: status %s", ErrNoPendingApproval, status)
	}
	approved := m.pending
	m.pending = nil
	m.status = StatusRunning
	m.appendLog("info", "approved, continuing with: "+approved.NextCommand)
	m.notifyLocked()
	return approved, nil
}

// Reject discards the pending approval and returns the machine to idle.
func (m *Machine) Reject(reason string) error {
	m.mu.Lock()
	if m.status != StatusWaitingApproval || m.pending == nil {
		status := m.status
		m.mu.Unlock()
		return fmt.Errorf("%w: status %s", ErrNoPendingApproval, status)
	}
	m.pending = nil
	m.status = StatusIdle
	if reason == "" {
		reason = "no reason given"
	}
	m.appendLog("info", "rejected: "+reason)
	m.notifyLocked()
	return nil
}

// RebindJob points the machine at a new job after an approval resubmits
// the next stage. The sequence watermark resets because the new job has
// its own stream.
func (m *Machine) RebindJob(jobID string) {
	m.mu.Lock()
	m.jobID = jobID
	m.lastSeq = 0
	m.notifyLocked()
}

// MarkCancelled returns a non-terminal machine to idle after a user
// cancel. Cancelling a terminal machine is a no-op.
func (m *Machine) MarkCancelled() {
	m.mu.Lock()
	if m.status.Terminal() || m.status == StatusIdle {
		m.mu.Unlock()
		return
	}
	m.pending = nil
	m.status = StatusIdle
	m.appendLog("info", "cancelled")
	m.notifyLocked()
}

// MarkFailed records a client-side failure, such as a resubmission that
// never reached the backend.
func (m *Machine) MarkFailed(msg string) {
	m.mu.Lock()
	if m.status.Terminal() {
		m.mu.Unlock()
		return
	}
	m.status = StatusFailed
	m.errMsg = msg
	m.appendLog("error", "workflow failed: "+msg)
	m.notifyLocked()
}

// Status returns the current lifecycle state.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// JobID returns the currently bound job.
func (m *Machine) JobID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobID
}

// LastSeq returns the resume watermark for the bound job's stream.
func (m *Machine) LastSeq() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSeq
}

// Snapshot returns a copy of the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	snap := Snapshot{
		Workspace:   m.workspace,
		Workflow:    m.workflow,
		JobID:       m.jobID,
		Status:      m.status,
		Logs:        append([]LogEntry(nil), m.logs...),
		Output:      string(m.output),
		CurrentStep: m.currentStep,
		Progress:    m.progress,
		Result:      m.result,
		Error:       m.errMsg,
		LastSeq:     m.lastSeq,
	}
	if m.pending != nil {
		pending := *m.pending
		snap.Pending = &pending
	}
	return snap
}

func (m *Machine) appendLog(level, message string) {
	if level == "" {
		level = "info"
	}
	m.logs = append(m.logs, LogEntry{Time: time.Now().UTC(), Level: level, Message: message})
}

// notifyLocked snapshots state, releases the lock and invokes the
// subscribers. Callers must hold the lock and must not touch state
// afterwards.
func (m *Machine) notifyLocked() {
	snap := m.snapshotLocked()
	subs := append([]Subscriber(nil), m.subscribers...)
	m.mu.Unlock()
	for _, fn := range subs {
		fn(snap)
	}
}
