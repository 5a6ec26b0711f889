package jobs

import (
	"encoding/json"
	"strings"
)

// Kind discriminates workflow event variants.
type Kind string

const (
	KindStarted         Kind = "started"
	KindLog             Kind = "log"
	KindProgress        Kind = "progress"
	KindOutput          Kind = "output"
	KindApprovalRequest Kind = "approval_request"
	KindCompleted       Kind = "completed"
	KindFailed          Kind = "failed"

	// KindIgnored marks frames that are malformed or of an unknown type.
	// They exist so dropping happens in exactly one place, not as a side
	// effect of scattered parse failures.
	KindIgnored Kind = "ignored"
)

// Frame carries the fields every event shares. The backend stamps each
// frame with a per-stream sequence number that strictly increases and is
// never reused.
type Frame struct {
	JobID string `json:"job_id"`
	Seq   int64  `json:"seq"`
}

// EventSeq returns the frame's sequence number.
func (f Frame) EventSeq() int64 { return f.Seq }

// EventJobID returns the frame's job ID.
func (f Frame) EventJobID() string { return f.JobID }

// Event is one decoded frame from a job's event stream.
type Event interface {
	Kind() Kind
	EventSeq() int64
	EventJobID() string
}

// Started announces the job beginning execution.
type Started struct {
	Frame
	Name string `json:"name"`
}

func (Started) Kind() Kind { return KindStarted }

// Log is one log line emitted by the job.
type Log struct {
	Frame
	Level   string `json:"level"`
	Message string `json:"message"`
}

func (Log) Kind() Kind { return KindLog }

// Progress reports step completion.
type Progress struct {
	Frame
	Step    string  `json:"step"`
	Percent float64 `json:"percent"`
	Message string  `json:"message"`
}

func (Progress) Kind() Kind { return KindProgress }

// Output carries job output content.
type Output struct {
	Frame
	Content string `json:"content"`
}

func (Output) Kind() Kind { return KindOutput }

// ApprovalRequest suspends the workflow until a human decides whether
// the next command may run.
type ApprovalRequest struct {
	Frame
	ArtifactType string `json:"artifact_type"`
	ArtifactPath string `json:"artifact_path"`
	Preview      string `json:"preview"`
	NextCommand  string `json:"next_command"`
}

func (ApprovalRequest) Kind() Kind { return KindApprovalRequest }

// Completed is the terminal success event. No further events are ever
// delivered for the job.
type Completed struct {
	Frame
	Result string `json:"result"`
}

func (Completed) Kind() Kind { return KindCompleted }

// Failed is the terminal failure event.
type Failed struct {
	Frame
	Error string `json:"error"`
}

func (Failed) Kind() Kind { return KindFailed }

// Ignored is the designated variant for malformed or unknown frames.
type Ignored struct {
	Frame
	Raw string
}

func (Ignored) Kind() Kind { return KindIgnored }

// rawFrame is the superset wire shape of one NDJSON line.
type rawFrame struct {
	Type  string `json:"type"`
	Seq   int64  `json:"seq"`
	JobID string `json:"job_id"`

	Name string `json:"name"`

	Level   string `json:"level"`
	Message string `json:"message"`

	Step    string  `json:"step"`
	Percent float64 `json:"percent"`

	Content string `json:"content"`

	ArtifactType string `json:"artifact_type"`
	ArtifactPath string `json:"artifact_path"`
	Preview      string `json:"preview"`
	NextCommand  string `json:"next_command"`

	Status     string `json:"status"`
	Returncode int    `json:"returncode"`
	Result     string `json:"result"`
	Error      string `json:"error"`
}

// Decode parses one NDJSON line into an Event. It never fails: anything
// unparseable or unrecognized becomes Ignored, which tolerates partial
// frames split across network chunks and forward-compatible frame
// shapes.
func Decode(line []byte) Event {
	var raw rawFrame
	if err := json.Unmarshal(line, &raw); err != nil {
		return Ignored{Raw: string(line)}
	}

	frame := Frame{JobID: raw.JobID, Seq: raw.Seq}

	switch raw.Type {
	case "started":
		return Started{Frame: frame, Name: raw.Name}
	case "log":
		return Log{Frame: frame, Level: raw.Level, Message: raw.Message}
	case "progress":
		return Progress{Frame: frame, Step: raw.Step, Percent: raw.Percent, Message: raw.Message}
	case "output":
		return Output{Frame: frame, Content: raw.Content}
	case "approval_request":
		return ApprovalRequest{
			Frame:        frame,
			ArtifactType: raw.ArtifactType,
			ArtifactPath: raw.ArtifactPath,
			Preview:      raw.Preview,
			NextCommand:  raw.NextCommand,
		}
	case "done":
		// The terminal frame folds success and failure into one wire
		// type; the variant split happens here.
		if isSuccessStatus(raw.Status) && raw.Returncode == 0 {
			return Completed{Frame: frame, Result: raw.Result}
		}
		errMsg := raw.Error
		if errMsg == "" {
			errMsg = "job exited with status " + raw.Status
		}
		return Failed{Frame: frame, Error: errMsg}
	default:
		return Ignored{Frame: frame, Raw: string(line)}
	}
}

// isSuccessStatus recognizes the backend's success spellings.
func isSuccessStatus(status string) bool {
	switch strings.ToLower(status) {
	case "ok", "success", "completed":
		return true
	default:
		return false
	}
}
