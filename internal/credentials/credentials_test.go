package credentials

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingSource counts loads and can be programmed to fail.
type countingSource struct {
	mu    sync.Mutex
	calls int
	token string
	err   error
}

func (s *countingSource) Load(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.token, s.err
}

func TestCache_LoadsOnce(t *testing.T) {
	src := &countingSource{token: "tok-1"}
	cache, err := NewCache(src)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		tok, err := cache.Token(ctx)
		require.NoError(t, err)
		assert.Equal(t, "tok-1", tok)
	}
	assert.Equal(t, 1, src.calls)
}

func TestCache_ConcurrentReadersSingleLoad(t *testing.T) {
	src := &countingSource{token: "tok-1"}
	cache, err := NewCache(src)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := cache.Token(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "tok-1", tok)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, src.calls)
}

func TestCache_InvalidateTriggersReload(t *testing.T) {
	src := &countingSource{token: "tok-1"}
	cache, err := NewCache(src)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = cache.Token(ctx)
	require.NoError(t, err)

	src.mu.Lock()
	src.token = "tok-2"
	src.mu.Unlock()

	cache.Invalidate()
	cache.Invalidate() // idempotent

	tok, err := cache.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
	assert.Equal(t, 2, src.calls)
}

func TestCache_SourceErrorNotCached(t *testing.T) {
	src := &countingSource{err: errors.New("store unavailable")}
	cache, err := NewCache(src)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = cache.Token(ctx)
	require.Error(t, err)

	src.mu.Lock()
	src.err = nil
	src.token = "tok-1"
	src.mu.Unlock()

	tok, err := cache.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
}

func TestCache_EmptyTokenRejected(t *testing.T) {
	cache, err := NewCache(&countingSource{token: ""})
	require.NoError(t, err)

	_, err = cache.Token(context.Background())
	require.ErrorIs(t, err, ErrEmptyToken)
}

func TestFileSource_ReadsToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("  secret-token\n"), 0600))

	src, err := NewFileSource(path)
	require.NoError(t, err)

	tok, err := src.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "secret-token", tok)
}

func TestFileSource_RejectsInsecurePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("secret"), 0644))

	src, err := NewFileSource(path)
	require.NoError(t, err)

	_, err = src.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permissions")
}

func TestFileSource_MissingFile(t *testing.T) {
	src, err := NewFileSource(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)

	_, err = src.Load(context.Background())
	require.Error(t, err)
}

func TestStatic(t *testing.T) {
	tok, err := Static("abc").Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	_, err = Static("").Token(context.Background())
	require.ErrorIs(t, err, ErrNoToken)
}
