// Package assembler builds the token-budgeted conversational context
// passed into a job. Candidates come from the three memory tiers; the
// budget reserves a fixed slice of the model window for output and fills
// the rest greedily in priority order: pinned working memory first, then
// long-term results by relevance, then short-term turns by recency. An
// item is included whole or not at all.
package assembler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/dispatch/internal/memory"
)

// Budget is the model token budget for one job invocation.
type Budget struct {
	// ModelContextLength is the model's total context window in tokens.
	ModelContextLength int

	// ReservedForOutput is held back for the model's response.
	ReservedForOutput int
}

// EffectiveLimit is the number of tokens available for assembled context.
func (b Budget) EffectiveLimit() int {
	return b.ModelContextLength - b.ReservedForOutput
}

// Validate checks the budget is usable.
func (b Budget) Validate() error {
	if b.ModelContextLength <= 0 {
		return fmt.Errorf("model context length must be > 0, got %d", b.ModelContextLength)
	}
	if b.ReservedForOutput < 0 {
		return fmt.Errorf("reserved for output must be >= 0, got %d", b.ReservedForOutput)
	}
	if b.EffectiveLimit() <= 0 {
		return fmt.Errorf("reserved for output (%d) consumes the whole window (%d)",
			b.ReservedForOutput, b.ModelContextLength)
	}
	return nil
}

// EstimateTokens approximates the token count of a string. Four
// characters per token is the usual rule of thumb for English prose and
// code; the budget only needs to be conservative, not exact.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}

// Assembled is the outcome of one context assembly.
type Assembled struct {
	// Items are the included candidates in final priority order.
	Items []memory.RetrievedContext

	// TotalTokens counts only the included subset.
	TotalTokens int

	// EffectiveLimit is the budget the assembly ran under.
	EffectiveLimit int

	// UsagePercent is TotalTokens / EffectiveLimit.
	UsagePercent float64

	// WasTruncated is true when at least one candidate was dropped for
	// budget reasons (not for relevance).
	WasTruncated bool

	// Degraded is true when retrieval failed and the context was
	// assembled from whatever sources remained (possibly none).
	Degraded bool
}

// Empty returns true when nothing was included.
func (a *Assembled) Empty() bool {
	return len(a.Items) == 0
}

// Render produces the context block submitted with the job.
func (a *Assembled) Render() string {
	if a.Empty() {
		return ""
	}
	var sb strings.Builder
	for _, item := range a.Items {
		sb.WriteString("[")
		sb.WriteString(string(item.MemoryType))
		sb.WriteString("] ")
		if item.Title != "" {
			sb.WriteString(item.Title)
			sb.WriteString(": ")
		}
		sb.WriteString(item.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

// Info projects the assembly into session context accounting.
func (a *Assembled) Info(sessionID string, budget Budget) memory.SessionContextInfo {
	return memory.SessionContextInfo{
		SessionID:         sessionID,
		MessageCount:      len(a.Items),
		TotalTokens:       a.TotalTokens,
		EffectiveLimit:    a.EffectiveLimit,
		UsagePercent:      a.UsagePercent,
		ReservedForOutput: budget.ReservedForOutput,
	}
}

// Assemble fills the budget from the three candidate sources.
//
// Pinned items are always eligible regardless of score because they are
// explicit user intent; long-term candidates below minRelevance are
// excluded before budgeting. Filling stops at the first candidate that
// would exceed the budget; everything after it counts as truncated.
func Assemble(
	budget Budget,
	pinned []memory.WorkingMemory,
	longTerm []memory.RetrievedContext,
	shortTerm []memory.ShortTermMemory,
	minRelevance float64,
) *Assembled {
	limit := budget.EffectiveLimit()
	out := &Assembled{EffectiveLimit: limit}

	candidates := make([]memory.RetrievedContext, 0, len(pinned)+len(longTerm)+len(shortTerm))

	// Pinned first, in pin order, bypassing the relevance filter.
	ordered := make([]memory.WorkingMemory, len(pinned))
	copy(ordered, pinned)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].PinOrder < ordered[j].PinOrder })
	for _, w := range ordered {
		candidates = append(candidates, memory.RetrievedContext{
			MemoryType: memory.TierWorking,
			ID:         w.ID,
			Title:      w.Title,
			Content:    w.Content,
			Source:     w.Source,
		})
	}

	// Long-term next, highest relevance first, filtered by minRelevance.
	ranked := make([]memory.RetrievedContext, 0, len(longTerm))
	for _, lt := range longTerm {
		if lt.RelevanceScore >= minRelevance {
			ranked = append(ranked, lt)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].RelevanceScore > ranked[j].RelevanceScore })
	candidates = append(candidates, ranked...)

	// Short-term last, most recent first.
	recent := make([]memory.ShortTermMemory, len(shortTerm))
	copy(recent, shortTerm)
	sort.SliceStable(recent, func(i, j int) bool { return recent[i].CreatedAt.After(recent[j].CreatedAt) })
	for _, st := range recent {
		candidates = append(candidates, memory.RetrievedContext{
			MemoryType: memory.TierShortTerm,
			ID:         st.ID,
			Content:    st.Content,
			Source:     string(st.Role),
		})
	}

	for _, cand := range candidates {
		tokens := EstimateTokens(cand.Content)
		if out.TotalTokens+tokens > limit {
			// Whole-item inclusion only: the first overflow ends the fill
			// and everything behind it is dropped.
			out.WasTruncated = true
			break
		}
		out.Items = append(out.Items, cand)
		out.TotalTokens += tokens
	}

	if limit > 0 {
		out.UsagePercent = float64(out.TotalTokens) / float64(limit)
	}
	return out
}
