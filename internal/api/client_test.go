package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/dispatch/internal/credentials"
	"github.com/fyrsmithlabs/dispatch/internal/logging"
)

// invalidatingProvider records Invalidate calls.
type invalidatingProvider struct {
	token       string
	invalidated atomic.Int64
}

func (p *invalidatingProvider) Token(ctx context.Context) (string, error) {
	return p.token, nil
}

func (p *invalidatingProvider) Invalidate() {
	p.invalidated.Add(1)
}

func TestDo_SendsAuthHeaders(t *testing.T) {
	var gotAuth, gotMirror, gotRequestID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotMirror = r.Header.Get("X-Dispatch-Token")
		gotRequestID = r.Header.Get("X-Request-ID")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client, err := New(srv.URL, credentials.Static("tok-1"), nil)
	require.NoError(t, err)

	var out struct {
		OK bool `json:"ok"`
	}
	require.NoError(t, client.Do(context.Background(), http.MethodPost, "/jobs/run", map[string]string{"workspace": "w"}, &out))

	assert.Equal(t, "Bearer tok-1", gotAuth)
	assert.Equal(t, "tok-1", gotMirror)
	assert.NotEmpty(t, gotRequestID)
	assert.True(t, out.OK)
}

func TestDo_NonTwoHundredCarriesStatusAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte("job already terminal"))
	}))
	defer srv.Close()

	client, err := New(srv.URL, credentials.Static("tok"), nil)
	require.NoError(t, err)

	err = client.Do(context.Background(), http.MethodPost, "/jobs/j1/cancel", nil, nil)
	require.Error(t, err)

	assert.Equal(t, http.StatusConflict, StatusOf(err))
	assert.Contains(t, err.Error(), "job already terminal")
	assert.Contains(t, err.Error(), "POST /jobs/j1/cancel")
}

func TestDo_UnauthorizedInvalidatesCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	provider := &invalidatingProvider{token: "stale"}
	client, err := New(srv.URL, provider, logging.NewTestLogger().Logger)
	require.NoError(t, err)

	err = client.Do(context.Background(), http.MethodGet, "/memory/abc", nil, nil)
	require.Error(t, err)
	assert.True(t, IsAuth(err))
	assert.Equal(t, int64(1), provider.invalidated.Load())
}

func TestDo_ForbiddenInvalidatesCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	provider := &invalidatingProvider{token: "stale"}
	client, err := New(srv.URL, provider, nil)
	require.NoError(t, err)

	err = client.Do(context.Background(), http.MethodPost, "/memory/search", map[string]string{"query": "x"}, nil)
	require.Error(t, err)
	assert.Equal(t, int64(1), provider.invalidated.Load())
}

func TestDo_OtherErrorsDoNotInvalidate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	provider := &invalidatingProvider{token: "tok"}
	client, err := New(srv.URL, provider, nil)
	require.NoError(t, err)

	err = client.Do(context.Background(), http.MethodGet, "/memory/abc", nil, nil)
	require.Error(t, err)
	assert.Equal(t, int64(0), provider.invalidated.Load())
}

func TestStream_HardErrorOnNonTwoHundred(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("unknown job"))
	}))
	defer srv.Close()

	client, err := New(srv.URL, credentials.Static("tok"), nil)
	require.NoError(t, err)

	_, err = client.Stream(context.Background(), "/jobs/j9/events?from=0")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "unknown job")
}

func TestStream_ReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"type":"log","seq":1}` + "\n"))
	}))
	defer srv.Close()

	client, err := New(srv.URL, credentials.Static("tok"), nil)
	require.NoError(t, err)

	body, err := client.Stream(context.Background(), "/jobs/j1/events?from=0")
	require.NoError(t, err)
	defer body.Close()

	buf := make([]byte, 64)
	n, _ := body.Read(buf)
	assert.Contains(t, string(buf[:n]), `"seq":1`)
}

func TestNew_Validation(t *testing.T) {
	_, err := New("not-a-url", credentials.Static("t"), nil)
	require.Error(t, err)

	_, err = New("http://ok.test", nil, nil)
	require.Error(t, err)
}
