package vault

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeVault(t *testing.T, responses map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-token", r.Header.Get("X-Vault-Token"))
		body, ok := responses[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errors":[]}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		assert.NoError(t, json.NewEncoder(w).Encode(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestReadString_KVv2(t *testing.T) {
	srv := fakeVault(t, map[string]any{
		"/v1/secret/data/driveback": map[string]any{
			"data": map[string]any{
				"data":     map[string]any{"webhook_url": "https://hooks.example.com/abc"},
				"metadata": map[string]any{"version": 3},
			},
		},
	})

	c, err := NewClient(context.Background(), WithAddress(srv.URL), WithToken("test-token"))
	require.NoError(t, err)

	got, err := c.ReadString(context.Background(), "secret/data/driveback", "webhook_url")
	require.NoError(t, err)
	assert.Equal(t, "https://hooks.example.com/abc", got)
}

func TestReadString_KVv1(t *testing.T) {
	srv := fakeVault(t, map[string]any{
		"/v1/kv/driveback": map[string]any{
			"data": map[string]any{"webhook_url": "https://hooks.example.com/v1"},
		},
	})

	c, err := NewClient(context.Background(), WithAddress(srv.URL), WithToken("test-token"))
	require.NoError(t, err)

	got, err := c.ReadString(context.Background(), "kv/driveback", "webhook_url")
	require.NoError(t, err)
	assert.Equal(t, "https://hooks.example.com/v1", got)
}

func TestReadString_MissingKey(t *testing.T) {
	srv := fakeVault(t, map[string]any{
		"/v1/kv/driveback": map[string]any{"data": map[string]any{"other": "x"}},
	})

	c, err := NewClient(context.Background(), WithAddress(srv.URL), WithToken("test-token"))
	require.NoError(t, err)

	_, err = c.ReadString(context.Background(), "kv/driveback", "webhook_url")
	require.ErrorIs(t, err, ErrSecretNotFound)
}

func TestReadString_MissingPath(t *testing.T) {
	srv := fakeVault(t, map[string]any{})

	c, err := NewClient(context.Background(), WithAddress(srv.URL), WithToken("test-token"))
	require.NoError(t, err)

	_, err = c.ReadString(context.Background(), "kv/absent", "webhook_url")
	require.ErrorIs(t, err, ErrSecretNotFound)
}
