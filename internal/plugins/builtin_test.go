package plugins

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhanush-chevuri/julep/pkg/schema"
)

func builtinManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager("test", nil)
	require.NoError(t, m.ConnectBuiltin(context.Background()))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestBuiltin_Tools(t *testing.T) {
	m := builtinManager(t)
	assert.Equal(t, []string{"builtin.hash", "builtin.hmac", "builtin.http_request", "builtin.uuid"}, m.Tools())
}

func TestBuiltin_Hash(t *testing.T) {
	m := builtinManager(t)

	out, err := m.CallTool(context.Background(), "hash", map[string]any{"data": "abc"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"hash":      "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		"algorithm": "sha256",
	}, out)

	out, err = m.CallTool(context.Background(), "builtin.hash", map[string]any{"data": "abc", "algorithm": "md5"})
	require.NoError(t, err)
	assert.Equal(t, "900150983cd24fb0d6963f7d28e17f72", out.(map[string]any)["hash"])

	_, err = m.CallTool(context.Background(), "hash", map[string]any{"data": "abc", "algorithm": "crc32"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeStepFailed))
}

func TestBuiltin_HMAC(t *testing.T) {
	m := builtinManager(t)
	out, err := m.CallTool(context.Background(), "hmac", map[string]any{"data": "The quick brown fox jumps over the lazy dog", "key": "key"})
	require.NoError(t, err)
	assert.Equal(t, "f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8", out.(map[string]any)["hmac"])

	_, err = m.CallTool(context.Background(), "hmac", map[string]any{"data": "x"})
	assert.Error(t, err)
}

func TestBuiltin_UUID(t *testing.T) {
	m := builtinManager(t)
	out, err := m.CallTool(context.Background(), "uuid", nil)
	require.NoError(t, err)
	_, err = uuid.Parse(out.(map[string]any)["uuid"].(string))
	assert.NoError(t, err)
}

func TestBuiltin_HTTPRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		switch r.URL.Path {
		case "/echo":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"method": "` + r.Method + `", "token": "` + r.Header.Get("X-Token") + `", "got": ` + string(body) + `}`))
		default:
			http.Error(w, "nope", http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	m := builtinManager(t)

	out, err := m.CallTool(context.Background(), "http_request", map[string]any{
		"url":     srv.URL + "/echo",
		"method":  "post",
		"headers": map[string]any{"X-Token": "t1"},
		"body":    map[string]any{"n": 1},
	})
	require.NoError(t, err)
	res := out.(map[string]any)
	assert.Equal(t, 200.0, res["status_code"])
	assert.Equal(t, map[string]any{"method": "POST", "token": "t1", "got": map[string]any{"n": 1.0}}, res["body"])

	out, err = m.CallTool(context.Background(), "http_request", map[string]any{"url": srv.URL + "/missing"})
	require.NoError(t, err)
	assert.Equal(t, 404.0, out.(map[string]any)["status_code"])

	_, err = m.CallTool(context.Background(), "http_request", map[string]any{"url": srv.URL + "/missing", "fail_on_error_status": true})
	assert.ErrorContains(t, err, "server returned 404")

	_, err = m.CallTool(context.Background(), "http_request", map[string]any{"url": "ftp://example.com"})
	assert.ErrorContains(t, err, "invalid url")
}
