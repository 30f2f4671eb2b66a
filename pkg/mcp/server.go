// Package mcp exposes the task engine as MCP tools.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/dhanush-chevuri/julep/internal/engine"
	"github.com/dhanush-chevuri/julep/internal/store"
	"github.com/dhanush-chevuri/julep/internal/streaming"
	"github.com/dhanush-chevuri/julep/pkg/schema"
)

// Engine is the part of the executor the tools drive.
// Satisfied by *engine.Executor.
type Engine interface {
	Start(ctx context.Context, in schema.ExecutionInput) (string, error)
	StartTask(ctx context.Context, taskID string, args map[string]any) (string, error)
	Wait(ctx context.Context, executionID string) (*engine.ExecutionResult, error)
	Status(ctx context.Context, executionID string) (*store.Execution, error)
	Transitions(ctx context.Context, executionID string) ([]*schema.Transition, error)
	Cancel(ctx context.Context, executionID string) error
	GetUserState(ctx context.Context, executionID string) (map[string]any, error)
	GetUserStateKey(ctx context.Context, executionID, key string) (any, bool, error)
	SetUserState(ctx context.Context, executionID, key string, value any) error
	UpdateUserState(ctx context.Context, executionID string, values map[string]any) error
	ProvideInput(ctx context.Context, executionID string, value any) error
}

// TaskValidator checks a definition before it is stored.
type TaskValidator interface {
	ValidateTask(task *schema.Task) error
}

// ServerDeps holds the dependencies of a Server. Validator and Hub are
// optional.
type ServerDeps struct {
	Engine    Engine
	Store     store.Store
	Validator TaskValidator
	Hub       streaming.EventHub
	Logger    *slog.Logger
	Version   string
}

// Server wraps an MCP server with the task tools.
type Server struct {
	engine    Engine
	store     store.Store
	validator TaskValidator
	hub       streaming.EventHub
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  *Notifier
	mcpServer *server.MCPServer
}

// NewServer creates a Server with every tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		engine:    deps.Engine,
		store:     deps.Store,
		validator: deps.Validator,
		hub:       deps.Hub,
		logger:    logger.With(slog.String("component", "mcp")),
		sessions:  NewSessionRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(ctx context.Context, session server.ClientSession) {
		if dropped := s.sessions.Remove(session.SessionID()); len(dropped) > 0 {
			s.logger.DebugContext(ctx, "session closed with executions still running",
				slog.String("session_id", session.SessionID()), slog.Any("executions", dropped))
		}
	})

	s.mcpServer = server.NewMCPServer(
		"julep",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Julep runs multi-step tasks. Register a task with task.define, start it with task.run, "+
			"follow it with execution.status and execution.transitions, deliver input to a waiting execution with "+
			"execution.input, and stop it with execution.cancel."),
	)
	s.mcpServer.AddTools(s.tools()...)
	s.notifier = NewNotifier(s.mcpServer, s.sessions, s.logger)
	return s
}

// Serve runs the stdio transport until ctx is cancelled or stdin closes.
// Execution status changes are pushed to the session that started them.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.watch(ctx)

	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// ServeHTTP runs the streamable HTTP transport on addr until ctx is done.
func (s *Server) ServeHTTP(ctx context.Context, addr string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.watch(ctx)

	httpSrv := server.NewStreamableHTTPServer(s.mcpServer)
	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.Start(addr) }()
	s.logger.Info("mcp http transport listening", slog.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return httpSrv.Shutdown(context.WithoutCancel(ctx))
	}
}

func (s *Server) watch(ctx context.Context) {
	if s.hub == nil {
		return
	}
	if err := s.notifier.Watch(ctx, s.hub); err != nil {
		s.logger.Warn("execution notifications disabled", slog.String("error", err.Error()))
	}
}

// MCPServer returns the underlying MCPServer for tests or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: diagramTool(), Handler: s.handleDiagram},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: transitionsTool(), Handler: s.handleTransitions},
		{Tool: stateTool(), Handler: s.handleState},
		{Tool: setStateTool(), Handler: s.handleSetState},
		{Tool: updateStateTool(), Handler: s.handleUpdateState},
		{Tool: inputTool(), Handler: s.handleInput},
		{Tool: cancelTool(), Handler: s.handleCancel},
	}
}
