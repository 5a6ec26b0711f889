// Package credentials supplies the bearer token used to authenticate
// every backend call. The token lives in a secure external store and is
// cached in memory after the first load; a 401/403 from the backend
// invalidates the cache so the next call re-reads the store.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
)

// Common credential errors.
var (
	ErrEmptyToken = errors.New("credential store returned an empty token")
	ErrNoToken    = errors.New("no credential available")
)

// Source loads a bearer token from a secure external store.
type Source interface {
	Load(ctx context.Context) (string, error)
}

// Provider supplies tokens to outbound calls and accepts invalidation
// when the backend rejects one.
type Provider interface {
	// Token returns the current bearer token, loading it from the
	// backing store on first use.
	Token(ctx context.Context) (string, error)

	// Invalidate discards the cached token. The next Token call loads a
	// fresh one.
	Invalidate()
}

// Cache is a Provider that lazily loads from a Source exactly once per
// invalidation. Reads of an already-cached token never block: the token
// is held in an atomic pointer and only refreshes serialize on a mutex.
type Cache struct {
	source Source

	token      atomic.Pointer[string]
	refreshMu  sync.Mutex
	loadCount  atomic.Int64 // observable in tests
}

// NewCache creates a credential cache over the given source.
func NewCache(source Source) (*Cache, error) {
	if source == nil {
		return nil, fmt.Errorf("source cannot be nil")
	}
	return &Cache{source: source}, nil
}

// Token implements Provider.
func (c *Cache) Token(ctx context.Context) (string, error) {
	if tok := c.token.Load(); tok != nil {
		return *tok, nil
	}

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	// Another caller may have refreshed while we waited.
	if tok := c.token.Load(); tok != nil {
		return *tok, nil
	}

	tok, err := c.source.Load(ctx)
	if err != nil {
		return "", fmt.Errorf("loading credential: %w", err)
	}
	if tok == "" {
		return "", ErrEmptyToken
	}

	c.loadCount.Add(1)
	c.token.Store(&tok)
	return tok, nil
}

// Invalidate implements Provider. Safe to call concurrently and more
// than once.
func (c *Cache) Invalidate() {
	c.token.Store(nil)
}

// LoadCount reports how many times the source has been consulted.
func (c *Cache) LoadCount() int64 {
	return c.loadCount.Load()
}

// FileSource reads a token from a file. The file must be owner-only
// (0600 or 0400), mirroring the config loader's policy for secret
// material on disk.
type FileSource struct {
	path string
}

// NewFileSource creates a file-backed token source.
func NewFileSource(path string) (*FileSource, error) {
	if path == "" {
		return nil, fmt.Errorf("token path cannot be empty")
	}
	return &FileSource{path: path}, nil
}

// Load implements Source.
func (s *FileSource) Load(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	f, err := os.Open(s.path)
	if err != nil {
		return "", fmt.Errorf("opening token file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat token file: %w", err)
	}
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return "", fmt.Errorf("insecure token file permissions: %v (expected 0600 or 0400)", perm)
		}
	}

	buf := make([]byte, 4096)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return "", fmt.Errorf("reading token file: %w", err)
	}

	token := strings.TrimSpace(string(buf[:n]))
	if token == "" {
		return "", ErrEmptyToken
	}
	return token, nil
}

// Static is a Provider with a fixed token. Intended for tests and for
// embedding dispatch where token management happens elsewhere.
type Static string

// Token implements Provider.
func (s Static) Token(ctx context.Context) (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}

// Invalidate implements Provider. A static token cannot be refreshed, so
// this is a no-op.
func (s Static) Invalidate() {}
