package memory

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dispatch/internal/api"
	"github.com/fyrsmithlabs/dispatch/internal/logging"
)

// Client is the typed client for the memory store HTTP API.
type Client struct {
	api    *api.Client
	logger *logging.Logger
}

// NewClient creates a memory store client.
func NewClient(apiClient *api.Client, logger *logging.Logger) (*Client, error) {
	if apiClient == nil {
		return nil, fmt.Errorf("api client cannot be nil")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Client{api: apiClient, logger: logger.Named("memory")}, nil
}

// saveRequest is the wire shape of POST /memory/save.
type saveRequest struct {
	Tier      Tier             `json:"tier"`
	ShortTerm *ShortTermMemory `json:"short_term,omitempty"`
	Working   *WorkingMemory   `json:"working,omitempty"`
	LongTerm  *LongTermMemory  `json:"long_term,omitempty"`
}

// saveResponse carries the assigned ID.
type saveResponse struct {
	ID string `json:"id"`
}

// AddShortTerm records one conversation turn. Returns the stored ID.
func (c *Client) AddShortTerm(ctx context.Context, m *ShortTermMemory) (string, error) {
	if m.SessionID == "" {
		return "", ErrEmptySessionID
	}
	if m.Content == "" {
		return "", ErrEmptyContent
	}

	var resp saveResponse
	err := c.api.Do(ctx, http.MethodPost, "/memory/save", saveRequest{Tier: TierShortTerm, ShortTerm: m}, &resp)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// AddWorking records a working-memory note, pinned when m.IsPinned.
func (c *Client) AddWorking(ctx context.Context, m *WorkingMemory) (string, error) {
	if m.Title == "" {
		return "", ErrEmptyTitle
	}
	if m.Content == "" {
		return "", ErrEmptyContent
	}

	var resp saveResponse
	err := c.api.Do(ctx, http.MethodPost, "/memory/save", saveRequest{Tier: TierWorking, Working: m}, &resp)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// AddLongTerm records persistent knowledge. A zero confidence defaults
// to DefaultConfidence; out-of-range values are rejected.
func (c *Client) AddLongTerm(ctx context.Context, m *LongTermMemory) (string, error) {
	if m.Title == "" {
		return "", ErrEmptyTitle
	}
	if m.Content == "" {
		return "", ErrEmptyContent
	}
	if m.Confidence < 0 || m.Confidence > 1 {
		return "", ErrInvalidConfidence
	}
	if m.Confidence == 0 {
		m.Confidence = DefaultConfidence
	}

	var resp saveResponse
	err := c.api.Do(ctx, http.MethodPost, "/memory/save", saveRequest{Tier: TierLongTerm, LongTerm: m}, &resp)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Get fetches one memory by ID.
func (c *Client) Get(ctx context.Context, id string) (*Record, error) {
	var rec Record
	err := c.api.Do(ctx, http.MethodGet, "/memory/"+url.PathEscape(id), nil, &rec)
	if err != nil {
		if api.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &rec, nil
}

// Delete removes a memory. With soft=true the store tombstones it
// instead of erasing.
func (c *Client) Delete(ctx context.Context, id string, soft bool) error {
	path := "/memory/" + url.PathEscape(id) + "?soft=" + strconv.FormatBool(soft)
	return c.api.Do(ctx, http.MethodDelete, path, nil, nil)
}

// Pin marks a working memory as pinned.
func (c *Client) Pin(ctx context.Context, id string) error {
	return c.api.Do(ctx, http.MethodPost, "/memory/"+url.PathEscape(id)+"/pin", nil, nil)
}

// Unpin clears a working memory's pin.
func (c *Client) Unpin(ctx context.Context, id string) error {
	return c.api.Do(ctx, http.MethodPost, "/memory/"+url.PathEscape(id)+"/unpin", nil, nil)
}

// ReorderPinned replaces the pin order atomically. The caller supplies
// the complete order; partial reorders are not supported.
func (c *Client) ReorderPinned(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return fmt.Errorf("reorder requires the full pinned ID list")
	}
	body := struct {
		IDs []string `json:"ids"`
	}{IDs: ids}
	return c.api.Do(ctx, http.MethodPost, "/memory/pinned/reorder", body, nil)
}

// GetSessionMemory returns the session's short-term turns, most recent
// first. limit <= 0 means the store default.
func (c *Client) GetSessionMemory(ctx context.Context, sessionID string, limit int) ([]ShortTermMemory, error) {
	if sessionID == "" {
		return nil, ErrEmptySessionID
	}
	var resp struct {
		Memories []ShortTermMemory `json:"memories"`
	}
	req := SearchRequest{Tier: TierShortTerm, SessionID: sessionID, Limit: limit}
	if err := c.api.Do(ctx, http.MethodPost, "/memory/search", req, &resp); err != nil {
		return nil, err
	}
	return resp.Memories, nil
}

// GetPinned returns all pinned working memories ordered by PinOrder.
func (c *Client) GetPinned(ctx context.Context) ([]WorkingMemory, error) {
	var resp struct {
		Memories []WorkingMemory `json:"memories"`
	}
	if err := c.api.Do(ctx, http.MethodGet, "/memory/pinned", nil, &resp); err != nil {
		return nil, err
	}
	// The store should return pin order; sort defensively so callers can
	// rely on the strict total order either way.
	sort.SliceStable(resp.Memories, func(i, j int) bool {
		return resp.Memories[i].PinOrder < resp.Memories[j].PinOrder
	})
	return resp.Memories, nil
}

// GetLongTerm returns long-term memories, optionally filtered by
// category. limit <= 0 means the store default.
func (c *Client) GetLongTerm(ctx context.Context, category string, limit int) ([]LongTermMemory, error) {
	var resp struct {
		Memories []LongTermMemory `json:"memories"`
	}
	req := SearchRequest{Tier: TierLongTerm, Category: category, Limit: limit}
	if err := c.api.Do(ctx, http.MethodPost, "/memory/search", req, &resp); err != nil {
		return nil, err
	}
	return resp.Memories, nil
}

// Search runs a free-form search across tiers.
func (c *Client) Search(ctx context.Context, req SearchRequest) ([]RetrievedContext, error) {
	var resp struct {
		Memories []RetrievedContext `json:"memories"`
	}
	if err := c.api.Do(ctx, http.MethodPost, "/memory/search", req, &resp); err != nil {
		return nil, err
	}
	return resp.Memories, nil
}

// Extract asks the store to distill memories from a completed exchange.
// Returns the IDs of anything the store recorded.
func (c *Client) Extract(ctx context.Context, req ExtractRequest) ([]string, error) {
	if req.SessionID == "" {
		return nil, ErrEmptySessionID
	}
	if req.Content == "" {
		return nil, ErrEmptyContent
	}
	var resp struct {
		IDs []string `json:"ids"`
	}
	if err := c.api.Do(ctx, http.MethodPost, "/memory/extract", req, &resp); err != nil {
		return nil, err
	}
	return resp.IDs, nil
}

// Relevant returns relevance-ranked candidates for a query. The score is
// the store's hybrid lexical+semantic ranking, consumed here as opaque.
func (c *Client) Relevant(ctx context.Context, req RelevantRequest) (*RelevantResult, error) {
	if req.Query == "" {
		return nil, fmt.Errorf("relevance query cannot be empty")
	}
	var resp RelevantResult
	if err := c.api.Do(ctx, http.MethodPost, "/memory/relevant", req, &resp); err != nil {
		return nil, err
	}
	c.logger.Debug(ctx, "relevance retrieval",
		zap.Int("candidates", len(resp.Memories)),
		zap.Float64("min_relevance", req.MinRelevance),
	)
	return &resp, nil
}

// SessionContext returns the store's token accounting for a session.
func (c *Client) SessionContext(ctx context.Context, sessionID string) (*SessionContextInfo, error) {
	if sessionID == "" {
		return nil, ErrEmptySessionID
	}
	var info SessionContextInfo
	err := c.api.Do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(sessionID)+"/context", nil, &info)
	if err != nil {
		return nil, err
	}
	return &info, nil
}
