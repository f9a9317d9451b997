package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mesh-assistant/internal/integrations/paramstore"
	"mesh-assistant/internal/provider"
)

func TestMessagesURL(t *testing.T) {
	cases := []struct {
		base string
		want string
	}{
		{"https://api.anthropic.com", "https://api.anthropic.com/v1/messages"},
		{"https://api.anthropic.com/v1/", "https://api.anthropic.com/v1/messages"},
		{"http://localhost:8080", "http://localhost:8080/v1/messages"},
		{"", "https://api.anthropic.com/v1/messages"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, messagesURL(tc.base), "base=%q", tc.base)
	}
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(
		paramstore.StaticToken("sk-ant-test"),
		WithBaseURL(srv.URL),
		WithHTTPClient(&http.Client{Timeout: 2 * time.Second}),
		WithModel("claude-mock"),
	)
	require.NoError(t, err)
	return c
}

func TestNewClient_NilTokens(t *testing.T) {
	_, err := NewClient(nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "nil")
}

func TestClient_Generate_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/messages", r.URL.Path)
		require.Equal(t, "sk-ant-test", r.Header.Get("x-api-key"))
		require.Equal(t, defaultAPIVersion, r.Header.Get("anthropic-version"))

		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var body messagesRequest
		require.NoError(t, json.Unmarshal(raw, &body))
		require.Equal(t, "claude-mock", body.Model)
		require.Equal(t, "be brief", body.System)
		require.Equal(t, defaultMaxTokens, body.MaxTokens)
		require.Len(t, body.Messages, 1)
		require.Equal(t, "hello", body.Messages[0].Content)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_01",
			"type": "message",
			"content": [{"type": "text", "text": "Hi "}, {"type": "text", "text": "there"}],
			"usage": {"input_tokens": 4, "output_tokens": 2}
		}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	ans, err := c.Generate(context.Background(), provider.Request{System: "be brief", Prompt: "hello"})
	require.NoError(t, err)
	require.Equal(t, "Hi there", ans.Text)
	require.Equal(t, "msg_01", ans.ResponseID)
	require.Equal(t, 6, ans.Usage.TotalTokens)
}

func TestClient_Generate_EmptyContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"msg_02","content":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Generate(context.Background(), provider.Request{Prompt: "hello"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "no text content")
}

func TestClient_Generate_InvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not-a-json`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Generate(context.Background(), provider.Request{Prompt: "hello"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "decode response")
}

func TestClient_Generate_Non200(t *testing.T) {
	cases := []struct {
		status int
		want   provider.Kind
	}{
		{http.StatusTooManyRequests, provider.KindRateLimited},
		{529, provider.KindTransport},
		{http.StatusBadRequest, provider.KindUnknown},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"type":"error"}`))
		}))
		c := newTestClient(t, srv)
		_, err := c.Generate(context.Background(), provider.Request{Prompt: "hello"})
		srv.Close()

		require.Error(t, err)
		require.Contains(t, err.Error(), "unexpected status")
		require.Equal(t, tc.want, provider.Classify(err), "status=%d", tc.status)
		require.True(t, c.Available())
	}
}

func TestClient_Generate_Forbidden(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Generate(context.Background(), provider.Request{Prompt: "hello"})
	require.Error(t, err)
	require.Equal(t, provider.KindAuth, provider.Classify(err))
	require.False(t, c.Available())
}

func TestClient_Generate_NetworkError(t *testing.T) {
	c, err := NewClient(paramstore.StaticToken("k"),
		WithBaseURL("http://127.0.0.1:1"),
		WithHTTPClient(&http.Client{Timeout: 100 * time.Millisecond}),
	)
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), provider.Request{Prompt: "hello"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "request failed")
	require.Contains(t, []provider.Kind{provider.KindTransport, provider.KindTimeout}, provider.Classify(err))
}

func TestClient_Embed_NotSupported(t *testing.T) {
	c, err := NewClient(paramstore.StaticToken("k"))
	require.NoError(t, err)
	_, err = c.Embed(context.Background(), "text")
	require.ErrorIs(t, err, ErrNoEmbeddings)
	require.Equal(t, provider.KindNotFound, provider.KindOf(err))
}

func TestClient_TokenFailure(t *testing.T) {
	c, err := NewClient(paramstore.StaticToken(""))
	require.NoError(t, err)
	_, err = c.Generate(context.Background(), provider.Request{Prompt: "hello"})
	require.Error(t, err)
	var pe *provider.Error
	require.True(t, errors.As(err, &pe))
	require.Equal(t, provider.KindAuth, pe.Kind)
	require.False(t, c.Available())
}
