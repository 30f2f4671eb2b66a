package plugins

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// BuiltinProvider is the provider name of the in-process tools.
const BuiltinProvider = "builtin"

const (
	maxResponseBody    = 10 << 20
	defaultHTTPTimeout = 30 * time.Second
)

// ConnectBuiltin serves the built-in tools in process and connects them
// as the "builtin" provider.
func (m *Manager) ConnectBuiltin(ctx context.Context) error {
	c, err := client.NewInProcessClient(BuiltinServer(m.version))
	if err != nil {
		return err
	}
	return m.Connect(ctx, BuiltinProvider, c)
}

// BuiltinServer returns an MCP server offering http_request, hash, hmac
// and uuid.
func BuiltinServer(version string) *server.MCPServer {
	s := server.NewMCPServer("julep-builtin", version, server.WithToolCapabilities(false))
	s.AddTool(mcp.NewTool("http_request",
		mcp.WithDescription("Send an HTTP request and return its status, headers and body"),
		mcp.WithString("url", mcp.Required()),
		mcp.WithString("method", mcp.Description("defaults to GET")),
		mcp.WithObject("headers"),
		mcp.WithAny("body", mcp.Description("strings are sent as is, anything else as JSON")),
		mcp.WithString("timeout", mcp.Description("Go duration, defaults to 30s")),
		mcp.WithBoolean("fail_on_error_status"),
	), handleHTTPRequest)
	s.AddTool(mcp.NewTool("hash",
		mcp.WithDescription("Hex digest of data"),
		mcp.WithString("data", mcp.Required()),
		mcp.WithString("algorithm", mcp.Enum("sha256", "sha512", "sha384", "sha1", "md5")),
	), handleHash)
	s.AddTool(mcp.NewTool("hmac",
		mcp.WithDescription("Hex HMAC of data under key"),
		mcp.WithString("data", mcp.Required()),
		mcp.WithString("key", mcp.Required()),
		mcp.WithString("algorithm", mcp.Enum("sha256", "sha512", "sha384", "sha1", "md5")),
	), handleHMAC)
	s.AddTool(mcp.NewTool("uuid",
		mcp.WithDescription("Generate a random v4 UUID"),
	), func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return jsonResult(map[string]any{"uuid": uuid.NewString()})
	})
	return s
}

func handleHTTPRequest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rawURL, err := req.RequireString("url")
	if err != nil {
		return mcp.NewToolResultError("url is required"), nil
	}
	if u, err := url.ParseRequestURI(rawURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return mcp.NewToolResultError(fmt.Sprintf("invalid url %q", rawURL)), nil
	}
	timeout := defaultHTTPTimeout
	if ts := req.GetString("timeout", ""); ts != "" {
		d, err := time.ParseDuration(ts)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid timeout %q", ts)), nil
		}
		timeout = d
	}

	args := req.GetArguments()
	var body io.Reader
	contentType := ""
	switch b := args["body"].(type) {
	case nil:
	case string:
		body = strings.NewReader(b)
		contentType = "text/plain"
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return mcp.NewToolResultError("body is not JSON encodable"), nil
		}
		body = strings.NewReader(string(data))
		contentType = "application/json"
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	method := strings.ToUpper(req.GetString("method", http.MethodGet))
	httpReq, err := http.NewRequestWithContext(reqCtx, method, rawURL, body)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if headers, ok := args["headers"].(map[string]any); ok {
		for k, v := range headers {
			httpReq.Header.Set(k, fmt.Sprint(v))
		}
	}

	start := time.Now()
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("request failed: %v", err)), nil
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("read response: %v", err)), nil
	}

	respType := resp.Header.Get("Content-Type")
	var parsed any
	if len(data) > 0 {
		parsed = string(data)
		if strings.Contains(respType, "application/json") {
			var v any
			if json.Unmarshal(data, &v) == nil {
				parsed = v
			}
		}
	}
	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	result := map[string]any{
		"status_code":  resp.StatusCode,
		"headers":      headers,
		"body":         parsed,
		"content_type": respType,
		"duration_ms":  time.Since(start).Milliseconds(),
	}
	if resp.StatusCode >= 400 && req.GetBool("fail_on_error_status", false) {
		return mcp.NewToolResultError(fmt.Sprintf("server returned %d", resp.StatusCode)), nil
	}
	return jsonResult(result)
}

func hashFunc(algorithm string) (func() hash.Hash, bool) {
	switch algorithm {
	case "", "sha256":
		return sha256.New, true
	case "sha512":
		return sha512.New, true
	case "sha384":
		return sha512.New384, true
	case "sha1":
		return sha1.New, true
	case "md5":
		return md5.New, true
	}
	return nil, false
}

func handleHash(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	data, err := req.RequireString("data")
	if err != nil {
		return mcp.NewToolResultError("data is required"), nil
	}
	algorithm := req.GetString("algorithm", "sha256")
	newHash, ok := hashFunc(algorithm)
	if !ok {
		return mcp.NewToolResultError("unsupported hash algorithm: " + algorithm), nil
	}
	h := newHash()
	h.Write([]byte(data))
	return jsonResult(map[string]any{"hash": hex.EncodeToString(h.Sum(nil)), "algorithm": algorithm})
}

func handleHMAC(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	data, err := req.RequireString("data")
	if err != nil {
		return mcp.NewToolResultError("data is required"), nil
	}
	key, err := req.RequireString("key")
	if err != nil {
		return mcp.NewToolResultError("key is required"), nil
	}
	algorithm := req.GetString("algorithm", "sha256")
	newHash, ok := hashFunc(algorithm)
	if !ok {
		return mcp.NewToolResultError("unsupported hash algorithm: " + algorithm), nil
	}
	mac := hmac.New(newHash, []byte(key))
	mac.Write([]byte(data))
	return jsonResult(map[string]any{"hmac": hex.EncodeToString(mac.Sum(nil)), "algorithm": algorithm})
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}
