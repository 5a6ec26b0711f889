// Package intent classifies a raw user message into an optional workflow
// invocation before any job machinery runs.
package intent

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dispatch/internal/logging"
)

// TriggerThreshold is the minimum confidence at which a detected intent
// actually triggers a workflow. This is policy, not tuning: 0.69 stays a
// chat message, 0.70 starts a job.
const TriggerThreshold = 0.70

// Result is a detection outcome.
type Result struct {
	// Detected is true when the message matched a workflow at all.
	Detected bool `json:"detected"`

	// Workflow names the matched workflow; empty when not detected.
	Workflow string `json:"workflow,omitempty"`

	// Params are workflow arguments extracted from the message.
	Params map[string]string `json:"params,omitempty"`

	// Confidence is in [0,1].
	Confidence float64 `json:"confidence"`
}

// ShouldTrigger applies the trigger policy to a detection result.
func (r Result) ShouldTrigger() bool {
	return r.Detected && r.Confidence >= TriggerThreshold
}

// Detector classifies messages. Implementations may be local heuristics
// or remote classifiers.
type Detector interface {
	Detect(ctx context.Context, message string) (Result, error)
}

// Router wraps a Detector with the fail-safe trigger policy.
type Router struct {
	detector Detector
	logger   *logging.Logger
}

// NewRouter creates an intent router.
func NewRouter(detector Detector, logger *logging.Logger) (*Router, error) {
	if detector == nil {
		return nil, fmt.Errorf("detector cannot be nil")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Router{detector: detector, logger: logger.Named("intent")}, nil
}

// DetectIntent classifies a message. A detector failure degrades to "not
// detected": the message falls through to ordinary chat rather than
// silently executing a workflow.
func (r *Router) DetectIntent(ctx context.Context, message string) Result {
	res, err := r.detector.Detect(ctx, message)
	if err != nil {
		r.logger.Warn(ctx, "intent detection failed, treating as chat", zap.Error(err))
		return Result{}
	}
	return res
}

// ShouldTrigger classifies and applies the threshold in one call.
func (r *Router) ShouldTrigger(ctx context.Context, message string) (Result, bool) {
	res := r.DetectIntent(ctx, message)
	return res, res.ShouldTrigger()
}
