package assembler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dispatch/internal/logging"
	"github.com/fyrsmithlabs/dispatch/internal/memory"
	"github.com/fyrsmithlabs/dispatch/internal/telemetry"
)

// Store is the slice of the memory client the builder consumes.
type Store interface {
	GetPinned(ctx context.Context) ([]memory.WorkingMemory, error)
	GetSessionMemory(ctx context.Context, sessionID string, limit int) ([]memory.ShortTermMemory, error)
	Relevant(ctx context.Context, req memory.RelevantRequest) (*memory.RelevantResult, error)
}

// Options tune retrieval for the builder.
type Options struct {
	// MinRelevance excludes long-term candidates below it.
	MinRelevance float64

	// LongTermLimit caps ranked candidates requested from the store.
	LongTermLimit int

	// ShortTermLimit caps recent turns requested from the store.
	ShortTermLimit int
}

// Builder retrieves memory and assembles job context under a budget.
//
// Retrieval failures degrade: the job still runs, just without that
// memory source, and the degradation is logged and counted rather than
// returned as an error. Memory is an enhancement, not a correctness
// requirement of command execution.
type Builder struct {
	store   Store
	budget  Budget
	opts    Options
	logger  *logging.Logger
	metrics *telemetry.ClientMetrics
}

// NewBuilder creates a context builder.
func NewBuilder(store Store, budget Budget, opts Options, logger *logging.Logger, metrics *telemetry.ClientMetrics) (*Builder, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if err := budget.Validate(); err != nil {
		return nil, fmt.Errorf("invalid budget: %w", err)
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Builder{
		store:   store,
		budget:  budget,
		opts:    opts,
		logger:  logger.Named("assembler"),
		metrics: metrics,
	}, nil
}

// Budget exposes the builder's budget for accounting callers.
func (b *Builder) Budget() Budget {
	return b.budget
}

// Build assembles context for one job invocation. Never returns an
// error: each failed source is skipped and the result marked Degraded.
func (b *Builder) Build(ctx context.Context, sessionID, query string) *Assembled {
	degraded := false

	pinned, err := b.store.GetPinned(ctx)
	if err != nil {
		b.logger.Warn(ctx, "pinned retrieval failed, continuing without working memory", zap.Error(err))
		b.metrics.RetrievalFailed(ctx)
		degraded = true
		pinned = nil
	}

	var longTerm []memory.RetrievedContext
	if query != "" {
		res, err := b.store.Relevant(ctx, memory.RelevantRequest{
			Query:        query,
			MinRelevance: b.opts.MinRelevance,
			Limit:        b.opts.LongTermLimit,
		})
		if err != nil {
			b.logger.Warn(ctx, "relevance retrieval failed, continuing without long-term memory", zap.Error(err))
			b.metrics.RetrievalFailed(ctx)
			degraded = true
		} else {
			longTerm = res.Memories
		}
	}

	var shortTerm []memory.ShortTermMemory
	if sessionID != "" {
		shortTerm, err = b.store.GetSessionMemory(ctx, sessionID, b.opts.ShortTermLimit)
		if err != nil {
			b.logger.Warn(ctx, "session retrieval failed, continuing without short-term memory", zap.Error(err))
			b.metrics.RetrievalFailed(ctx)
			degraded = true
			shortTerm = nil
		}
	}

	assembled := Assemble(b.budget, pinned, longTerm, shortTerm, b.opts.MinRelevance)
	assembled.Degraded = degraded

	b.logger.Debug(ctx, "context assembled",
		zap.Int("items", len(assembled.Items)),
		zap.Int("tokens", assembled.TotalTokens),
		zap.Int("effective_limit", assembled.EffectiveLimit),
		zap.Bool("truncated", assembled.WasTruncated),
		zap.Bool("degraded", assembled.Degraded),
	)
	return assembled
}
