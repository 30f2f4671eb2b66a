// Package plugins connects to external MCP servers and exposes their tools
// to tool_call steps.
package plugins

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dhanush-chevuri/julep/pkg/schema"
)

// Provider statuses.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

const initTimeout = 30 * time.Second

// ProviderConfig describes an MCP server launched as a subprocess.
type ProviderConfig struct {
	Name    string            `json:"name"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Manager owns connections to tool providers and routes tool calls. A tool
// is addressed as "provider.tool", or by its bare name when exactly one
// provider offers it.
type Manager struct {
	mu        sync.RWMutex
	providers map[string]*provider
	tools     map[string]toolRef
	owners    map[string][]string // bare tool name -> providers offering it
	version   string
	logger    *slog.Logger
}

type provider struct {
	name   string
	client *client.Client
	tools  []mcp.Tool
	status string
	err    string
}

type toolRef struct {
	provider string
	tool     string
}

// NewManager creates a Manager. version is reported to providers during
// the handshake.
func NewManager(version string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		providers: make(map[string]*provider),
		tools:     make(map[string]toolRef),
		owners:    make(map[string][]string),
		version:   version,
		logger:    logger,
	}
}

// Launch starts the provider's command and connects to it over stdio.
func (m *Manager) Launch(ctx context.Context, cfg ProviderConfig) error {
	if cfg.Name == "" || cfg.Command == "" {
		return schema.NewError(schema.ErrCodeValidation, "tool provider needs a name and a command")
	}
	env := os.Environ()
	for k, v := range cfg.Env {
		env = append(env, k+"="+os.ExpandEnv(v))
	}
	args := make([]string, len(cfg.Args))
	for i, a := range cfg.Args {
		args[i] = os.ExpandEnv(a)
	}

	c, err := client.NewStdioMCPClient(cfg.Command, env, args...)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStepFailed, "launch tool provider %q", cfg.Name).WithCause(err)
	}
	if err := m.Connect(ctx, cfg.Name, c); err != nil {
		_ = c.Close()
		return err
	}
	return nil
}

// Connect performs the MCP handshake on c, lists its tools and registers
// them under name.
func (m *Manager) Connect(ctx context.Context, name string, c *client.Client) error {
	m.mu.RLock()
	_, exists := m.providers[name]
	m.mu.RUnlock()
	if exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "tool provider %q already connected", name)
	}

	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	if err := c.Start(initCtx); err != nil {
		return schema.NewErrorf(schema.ErrCodeStepFailed, "start tool provider %q", name).WithCause(err)
	}
	if _, err := c.Initialize(initCtx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo:      mcp.Implementation{Name: "julep", Version: m.version},
		},
	}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStepFailed, "initialize tool provider %q", name).WithCause(err)
	}
	listed, err := c.ListTools(initCtx, mcp.ListToolsRequest{})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStepFailed, "list tools of %q", name).WithCause(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.providers[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "tool provider %q already connected", name)
	}
	m.providers[name] = &provider{name: name, client: c, tools: listed.Tools, status: StatusHealthy}
	for _, t := range listed.Tools {
		m.tools[name+"."+t.Name] = toolRef{provider: name, tool: t.Name}
		m.owners[t.Name] = append(m.owners[t.Name], name)
	}

	m.logger.Info("tool provider connected",
		slog.String("provider", name),
		slog.Int("tools", len(listed.Tools)),
	)
	return nil
}

// resolve maps a tool address to its provider.
func (m *Manager) resolve(name string) (*provider, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if ref, ok := m.tools[name]; ok {
		return m.providers[ref.provider], ref.tool, nil
	}
	switch owners := m.owners[name]; len(owners) {
	case 0:
		return nil, "", schema.NewErrorf(schema.ErrCodeNotFound, "tool %q not found", name)
	case 1:
		return m.providers[owners[0]], name, nil
	default:
		return nil, "", schema.NewErrorf(schema.ErrCodeConflict,
			"tool %q is offered by %s; qualify it as provider.tool", name, strings.Join(owners, ", "))
	}
}

// CallTool invokes a tool and decodes its result. Structured content is
// returned as is; otherwise the text content is parsed as JSON when it can
// be and returned as a string when it cannot.
func (m *Manager) CallTool(ctx context.Context, name string, arguments map[string]any) (any, error) {
	p, tool, err := m.resolve(name)
	if err != nil {
		return nil, err
	}

	res, err := p.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: tool, Arguments: arguments},
	})
	if err != nil {
		m.markUnhealthy(p.name, err)
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "call %s.%s", p.name, tool).WithCause(err)
	}
	text := resultText(res)
	if res.IsError {
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "tool %s.%s failed: %s", p.name, tool, text)
	}
	if res.StructuredContent != nil {
		return normalize(res.StructuredContent), nil
	}
	var decoded any
	if err := json.Unmarshal([]byte(text), &decoded); err == nil {
		return decoded, nil
	}
	return text, nil
}

func resultText(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if tc, ok := mcp.AsTextContent(c); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// normalize round-trips v through JSON so callers only see plain values.
func normalize(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

// HealthCheck pings every provider and records the result.
func (m *Manager) HealthCheck(ctx context.Context) map[string]string {
	m.mu.RLock()
	providers := make([]*provider, 0, len(m.providers))
	for _, p := range m.providers {
		providers = append(providers, p)
	}
	m.mu.RUnlock()

	for _, p := range providers {
		if err := p.client.Ping(ctx); err != nil {
			m.markUnhealthy(p.name, err)
			continue
		}
		m.mu.Lock()
		p.status, p.err = StatusHealthy, ""
		m.mu.Unlock()
	}
	return m.Status()
}

func (m *Manager) markUnhealthy(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.providers[name]; ok {
		p.status, p.err = StatusUnhealthy, err.Error()
		m.logger.Warn("tool provider unhealthy", slog.String("provider", name), slog.String("error", p.err))
	}
}

// Status returns each provider's last known status.
func (m *Manager) Status() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.providers))
	for name, p := range m.providers {
		out[name] = p.status
	}
	return out
}

// Tools lists every qualified tool name in sorted order.
func (m *Manager) Tools() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.tools))
	for name := range m.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Close disconnects every provider.
func (m *Manager) Close() error {
	m.mu.Lock()
	providers := m.providers
	m.providers = make(map[string]*provider)
	m.tools = make(map[string]toolRef)
	m.owners = make(map[string][]string)
	m.mu.Unlock()

	var firstErr error
	for name, p := range providers {
		if err := p.client.Close(); err != nil {
			m.logger.Error("close tool provider", slog.String("provider", name), slog.String("error", err.Error()))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
