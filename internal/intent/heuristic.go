package intent

import (
	"context"
	"regexp"
	"strings"
)

// workflowRule pairs a compiled regex with the workflow it detects and a
// base confidence. Rules are evaluated in order; the highest-confidence
// match wins. More specific patterns carry higher confidence so they are
// not shadowed by broad ones.
type workflowRule struct {
	regex      *regexp.Regexp
	workflow   string
	confidence float64
}

// PatternDetector is a local, regex-based Detector. It needs no network
// and is the default detector when no external classifier is configured.
type PatternDetector struct {
	rules []*workflowRule
}

// NewPatternDetector creates a detector with the built-in rules.
func NewPatternDetector() *PatternDetector {
	return &PatternDetector{rules: buildWorkflowRules()}
}

// buildWorkflowRules returns the built-in workflow rules.
// All patterns use (?i) for case-insensitive matching.
func buildWorkflowRules() []*workflowRule {
	return []*workflowRule{
		{
			regex:      regexp.MustCompile(`(?i)\b(?:generate|create|write|draft)\b.*\bspec(?:ification)?\b`),
			workflow:   "generate_spec",
			confidence: 0.9,
		},
		{
			regex:      regexp.MustCompile(`(?i)\b(?:implement|build)\b.*\b(?:feature|endpoint|module|from\s+(?:the\s+)?spec)\b`),
			workflow:   "implement_feature",
			confidence: 0.85,
		},
		{
			regex:      regexp.MustCompile(`(?i)\b(?:run|execute|rerun)\b.*\btests?\b`),
			workflow:   "run_tests",
			confidence: 0.85,
		},
		{
			regex:      regexp.MustCompile(`(?i)\breview\b.*\b(?:code|diff|pr|pull\s+request|changes)\b`),
			workflow:   "review_code",
			confidence: 0.8,
		},
		{
			regex:      regexp.MustCompile(`(?i)\b(?:fix|debug|investigate)\b.*\b(?:bug|failure|error|regression|flaky)\b`),
			workflow:   "fix_bug",
			confidence: 0.75,
		},
		{
			regex:      regexp.MustCompile(`(?i)\brefactor\b`),
			workflow:   "refactor",
			confidence: 0.7,
		},
	}
}

// Detect implements Detector. It never returns an error: an unmatched
// message is simply not a workflow.
func (d *PatternDetector) Detect(ctx context.Context, message string) (Result, error) {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return Result{}, nil
	}

	var best *workflowRule
	for _, rule := range d.rules {
		if rule.regex.MatchString(trimmed) {
			if best == nil || rule.confidence > best.confidence {
				best = rule
			}
		}
	}
	if best == nil {
		return Result{}, nil
	}

	return Result{
		Detected:   true,
		Workflow:   best.workflow,
		Params:     map[string]string{"prompt": trimmed},
		Confidence: best.confidence,
	}, nil
}
