// Package memory provides the typed client for the external memory store.
//
// The store holds three tiers: short-term (session-scoped turns with a
// TTL), working (user-curated pinned notes) and long-term (persistent,
// confidence- and access-tracked knowledge). Hybrid lexical+semantic
// relevance is computed by the store; this client consumes the score as
// an opaque number.
package memory

import (
	"errors"
	"time"
)

// Common memory errors.
var (
	ErrEmptyContent      = errors.New("memory content cannot be empty")
	ErrEmptyTitle        = errors.New("memory title cannot be empty")
	ErrEmptySessionID    = errors.New("session ID cannot be empty")
	ErrInvalidConfidence = errors.New("confidence must be between 0.0 and 1.0")
	ErrNotFound          = errors.New("memory not found")
)

// DefaultConfidence is the initial confidence for long-term memories
// recorded without an explicit score (mid-scale).
const DefaultConfidence = 0.5

// Tier identifies a memory tier.
type Tier string

const (
	TierShortTerm Tier = "short_term"
	TierWorking   Tier = "working"
	TierLongTerm  Tier = "long_term"
)

// Role is the speaker of a short-term turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ShortTermMemory is one session-scoped conversation turn. The store
// purges turns after ExpiresAt; an expired turn is never referenced again.
type ShortTermMemory struct {
	ID         string     `json:"id,omitempty"`
	SessionID  string     `json:"session_id"`
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	TokensUsed int        `json:"tokens_used,omitempty"`
	ModelID    string     `json:"model_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// WorkingMemory is a user-curated note. Pin state is user-controlled;
// PinOrder defines a strict total order among pinned items within a
// workspace.
type WorkingMemory struct {
	ID        string    `json:"id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Category  string    `json:"category,omitempty"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	IsPinned  bool      `json:"is_pinned"`
	PinOrder  int       `json:"pin_order,omitempty"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// LongTermMemory is persistent cross-session knowledge. AccessCount
// increments on every retrieval that surfaces the item and is never
// decremented.
type LongTermMemory struct {
	ID             string     `json:"id,omitempty"`
	Category       string     `json:"category,omitempty"`
	Title          string     `json:"title"`
	Content        string     `json:"content"`
	Tags           []string   `json:"tags,omitempty"`
	Source         string     `json:"source,omitempty"`
	Confidence     float64    `json:"confidence"`
	AccessCount    int        `json:"access_count,omitempty"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at,omitempty"`
}

// RetrievedContext is an ephemeral retrieval projection. It is produced
// by search/relevance calls and never persisted.
type RetrievedContext struct {
	MemoryType     Tier    `json:"memory_type"`
	ID             string  `json:"id"`
	Title          string  `json:"title,omitempty"`
	Content        string  `json:"content"`
	RelevanceScore float64 `json:"relevance_score"`
	Source         string  `json:"source,omitempty"`
}

// SessionContextInfo is the store's view of a session's token usage
// against a model budget. Recomputed on demand, never persisted.
type SessionContextInfo struct {
	SessionID         string  `json:"session_id"`
	MessageCount      int     `json:"message_count"`
	TotalTokens       int     `json:"total_tokens"`
	EffectiveLimit    int     `json:"effective_limit"`
	UsagePercent      float64 `json:"usage_percent"`
	HasSummary        bool    `json:"has_summary"`
	ReservedForOutput int     `json:"reserved_for_output"`
}

// Record is the envelope returned by GET /memory/{id}. Exactly one tier
// pointer is non-nil, matching Tier.
type Record struct {
	Tier      Tier             `json:"tier"`
	ShortTerm *ShortTermMemory `json:"short_term,omitempty"`
	Working   *WorkingMemory   `json:"working,omitempty"`
	LongTerm  *LongTermMemory  `json:"long_term,omitempty"`
}

// SearchRequest filters a memory search.
type SearchRequest struct {
	Query     string `json:"query,omitempty"`
	Tier      Tier   `json:"tier,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Category  string `json:"category,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// ExtractRequest asks the store to distill memories from an exchange.
type ExtractRequest struct {
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
}

// RelevantRequest asks the store for relevance-ranked candidates.
type RelevantRequest struct {
	Query        string  `json:"query"`
	MinRelevance float64 `json:"min_relevance,omitempty"`
	Limit        int     `json:"limit,omitempty"`
}

// RelevantResult is the response of POST /memory/relevant.
type RelevantResult struct {
	Memories []RetrievedContext `json:"memories"`
	Context  string             `json:"context,omitempty"`
}
