package assembler

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/dispatch/internal/memory"
)

// tokens builds a string estimating to exactly n tokens.
func tokens(n int) string {
	return strings.Repeat("a", n*4)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("a"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
	assert.Equal(t, 500, EstimateTokens(tokens(500)))
}

func TestBudget_Validate(t *testing.T) {
	require.NoError(t, Budget{ModelContextLength: 8000, ReservedForOutput: 1000}.Validate())
	require.Error(t, Budget{ModelContextLength: 0}.Validate())
	require.Error(t, Budget{ModelContextLength: 100, ReservedForOutput: 100}.Validate())
	require.Error(t, Budget{ModelContextLength: 100, ReservedForOutput: -1}.Validate())
}

// TestAssemble_WorkedExample is the reference scenario: window 8000 with
// 1000 reserved leaves 7000; three pinned notes totalling 500 tokens plus
// five 2000-token long-term results yield pinned + three results (6500),
// truncation, and ~92.9% usage.
func TestAssemble_WorkedExample(t *testing.T) {
	budget := Budget{ModelContextLength: 8000, ReservedForOutput: 1000}
	require.Equal(t, 7000, budget.EffectiveLimit())

	pinned := []memory.WorkingMemory{
		{ID: "p1", Title: "conventions", Content: tokens(200), PinOrder: 1, IsPinned: true},
		{ID: "p2", Title: "glossary", Content: tokens(100), PinOrder: 2, IsPinned: true},
		{ID: "p3", Title: "endpoints", Content: tokens(200), PinOrder: 3, IsPinned: true},
	}
	longTerm := []memory.RetrievedContext{
		{MemoryType: memory.TierLongTerm, ID: "lt1", Content: tokens(2000), RelevanceScore: 0.95},
		{MemoryType: memory.TierLongTerm, ID: "lt2", Content: tokens(2000), RelevanceScore: 0.90},
		{MemoryType: memory.TierLongTerm, ID: "lt3", Content: tokens(2000), RelevanceScore: 0.85},
		{MemoryType: memory.TierLongTerm, ID: "lt4", Content: tokens(2000), RelevanceScore: 0.80},
		{MemoryType: memory.TierLongTerm, ID: "lt5", Content: tokens(2000), RelevanceScore: 0.75},
	}

	got := Assemble(budget, pinned, longTerm, nil, 0.3)

	require.Len(t, got.Items, 6) // 3 pinned + 3 long-term
	assert.Equal(t, 6500, got.TotalTokens)
	assert.True(t, got.WasTruncated)
	assert.InDelta(t, 0.929, got.UsagePercent, 0.001)

	ids := make([]string, 0, len(got.Items))
	for _, item := range got.Items {
		ids = append(ids, item.ID)
	}
	assert.Equal(t, []string{"p1", "p2", "p3", "lt1", "lt2", "lt3"}, ids)
}

func TestAssemble_NeverExceedsEffectiveLimit(t *testing.T) {
	budget := Budget{ModelContextLength: 1000, ReservedForOutput: 200}

	longTerm := []memory.RetrievedContext{
		{MemoryType: memory.TierLongTerm, ID: "a", Content: tokens(500), RelevanceScore: 0.9},
		{MemoryType: memory.TierLongTerm, ID: "b", Content: tokens(500), RelevanceScore: 0.8},
	}

	got := Assemble(budget, nil, longTerm, nil, 0)
	assert.LessOrEqual(t, got.TotalTokens, budget.EffectiveLimit())
	assert.True(t, got.WasTruncated)
	require.Len(t, got.Items, 1)
	assert.Equal(t, "a", got.Items[0].ID)
}

func TestAssemble_PinnedAlwaysIncludedRegardlessOfScore(t *testing.T) {
	budget := Budget{ModelContextLength: 8000, ReservedForOutput: 1000}

	pinned := []memory.WorkingMemory{
		{ID: "p1", Title: "note", Content: tokens(50), PinOrder: 1, IsPinned: true},
	}
	// High min relevance would exclude everything score-ranked.
	longTerm := []memory.RetrievedContext{
		{MemoryType: memory.TierLongTerm, ID: "lt1", Content: tokens(100), RelevanceScore: 0.2},
	}

	got := Assemble(budget, pinned, longTerm, nil, 0.9)
	require.Len(t, got.Items, 1)
	assert.Equal(t, "p1", got.Items[0].ID)
	// Relevance exclusion is not truncation.
	assert.False(t, got.WasTruncated)
}

func TestAssemble_MinRelevanceFiltersLongTerm(t *testing.T) {
	budget := Budget{ModelContextLength: 8000, ReservedForOutput: 1000}

	longTerm := []memory.RetrievedContext{
		{MemoryType: memory.TierLongTerm, ID: "keep", Content: tokens(10), RelevanceScore: 0.5},
		{MemoryType: memory.TierLongTerm, ID: "drop", Content: tokens(10), RelevanceScore: 0.29},
	}

	got := Assemble(budget, nil, longTerm, nil, 0.3)
	require.Len(t, got.Items, 1)
	assert.Equal(t, "keep", got.Items[0].ID)
}

func TestAssemble_ShortTermMostRecentFirst(t *testing.T) {
	budget := Budget{ModelContextLength: 8000, ReservedForOutput: 1000}
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	shortTerm := []memory.ShortTermMemory{
		{ID: "old", SessionID: "s", Role: memory.RoleUser, Content: tokens(10), CreatedAt: base.Add(-2 * time.Hour)},
		{ID: "new", SessionID: "s", Role: memory.RoleAssistant, Content: tokens(10), CreatedAt: base},
		{ID: "mid", SessionID: "s", Role: memory.RoleUser, Content: tokens(10), CreatedAt: base.Add(-1 * time.Hour)},
	}

	got := Assemble(budget, nil, nil, shortTerm, 0)
	require.Len(t, got.Items, 3)
	assert.Equal(t, "new", got.Items[0].ID)
	assert.Equal(t, "mid", got.Items[1].ID)
	assert.Equal(t, "old", got.Items[2].ID)
}

func TestAssemble_EmptyInputs(t *testing.T) {
	budget := Budget{ModelContextLength: 8000, ReservedForOutput: 1000}
	got := Assemble(budget, nil, nil, nil, 0.3)

	assert.True(t, got.Empty())
	assert.Equal(t, "", got.Render())
	assert.Zero(t, got.TotalTokens)
	assert.False(t, got.WasTruncated)
	assert.Zero(t, got.UsagePercent)
}

func TestRender_IncludesTierAndTitle(t *testing.T) {
	budget := Budget{ModelContextLength: 8000, ReservedForOutput: 1000}
	pinned := []memory.WorkingMemory{
		{ID: "p1", Title: "API conventions", Content: "use snake_case", PinOrder: 1},
	}

	got := Assemble(budget, pinned, nil, nil, 0)
	text := got.Render()
	assert.Contains(t, text, "[working]")
	assert.Contains(t, text, "API conventions: use snake_case")
}

func TestInfo_ProjectsAccounting(t *testing.T) {
	budget := Budget{ModelContextLength: 8000, ReservedForOutput: 1000}
	pinned := []memory.WorkingMemory{
		{ID: "p1", Title: "t", Content: tokens(700), PinOrder: 1},
	}

	got := Assemble(budget, pinned, nil, nil, 0)
	info := got.Info("sess-1", budget)

	assert.Equal(t, "sess-1", info.SessionID)
	assert.Equal(t, 700, info.TotalTokens)
	assert.Equal(t, 7000, info.EffectiveLimit)
	assert.Equal(t, 1000, info.ReservedForOutput)
	assert.InDelta(t, 0.1, info.UsagePercent, 0.0001)
}
