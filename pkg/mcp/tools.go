package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/dhanush-chevuri/julep/internal/diagram"
	"github.com/dhanush-chevuri/julep/internal/loader"
	"github.com/dhanush-chevuri/julep/pkg/schema"
)

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("task.define",
		mcp.WithDescription("Validate and store a task definition"),
		mcp.WithObject("definition", mcp.Description("Task definition object (name, workflows, input_schema)")),
		mcp.WithString("yaml", mcp.Description("Task definition as a YAML document, instead of definition")),
		mcp.WithString("task_id", mcp.Description("Stable id; an existing task with this id is replaced")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("task.list",
		mcp.WithDescription("List stored tasks"),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("task.run",
		mcp.WithDescription("Start an execution of a stored or inline task"),
		mcp.WithString("task_id", mcp.Description("ID of a stored task")),
		mcp.WithObject("definition", mcp.Description("Inline task definition, instead of task_id")),
		mcp.WithString("yaml", mcp.Description("Inline task definition as YAML, instead of task_id")),
		mcp.WithObject("arguments", mcp.Description("Execution arguments")),
		mcp.WithBoolean("wait", mcp.Description("Block until the execution finishes (default false)")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("task.diagram",
		mcp.WithDescription("Draw a task's workflows, optionally with an execution's progress"),
		mcp.WithString("task_id", mcp.Description("ID of a stored task")),
		mcp.WithString("execution_id", mcp.Description("Draw the task of this execution with its progress, instead of task_id")),
		mcp.WithString("format", mcp.Description("mermaid (default) or ascii"), mcp.Enum("mermaid", "ascii")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("execution.status",
		mcp.WithDescription("Get an execution's status, output and error"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func transitionsTool() mcp.Tool {
	return mcp.NewTool("execution.transitions",
		mcp.WithDescription("List the recorded transitions of an execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func stateTool() mcp.Tool {
	return mcp.NewTool("execution.state",
		mcp.WithDescription("Read an execution's user state, or one key of it"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
		mcp.WithString("key", mcp.Description("Single key to read")),
	)
}

func setStateTool() mcp.Tool {
	return mcp.NewTool("execution.set_state",
		mcp.WithDescription("Set one user state key of a running execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
		mcp.WithString("key", mcp.Required(), mcp.Description("Key to set")),
		mcp.WithAny("value", mcp.Required(), mcp.Description("JSON value")),
	)
}

func updateStateTool() mcp.Tool {
	return mcp.NewTool("execution.update_state",
		mcp.WithDescription("Merge values into the user state of a running execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
		mcp.WithObject("values", mcp.Required(), mcp.Description("Keys and values to merge")),
	)
}

func inputTool() mcp.Tool {
	return mcp.NewTool("execution.input",
		mcp.WithDescription("Deliver input to an execution waiting for it"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
		mcp.WithAny("value", mcp.Required(), mcp.Description("JSON value handed to the waiting step")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("execution.cancel",
		mcp.WithDescription("Cancel a root execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the root execution")),
	)
}

// --- Handlers ---

// handleDefine validates a definition and stores it.
func (s *Server) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, err := parseDefinition(req)
	if err != nil {
		return toolError("invalid definition", err), nil
	}
	if id := req.GetString("task_id", ""); id != "" {
		task.ID = id
	}
	if s.validator != nil {
		if err := s.validator.ValidateTask(task); err != nil {
			return toolError("validation failed", err), nil
		}
	}
	if err := s.store.PutTask(ctx, task); err != nil {
		return toolError("store task", err), nil
	}
	return marshalResult(map[string]any{
		"task_id":   task.ID,
		"name":      task.Name,
		"workflows": task.WorkflowNames(),
	})
}

// handleList lists stored tasks by id and name.
func (s *Server) handleList(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		return toolError("list tasks", err), nil
	}
	out := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, map[string]any{
			"task_id":     t.ID,
			"name":        t.Name,
			"description": t.Description,
		})
	}
	return marshalResult(map[string]any{"tasks": out, "total": len(out)})
}

// handleRun starts an execution and optionally waits for its result.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := mcp.ParseStringMap(req, "arguments", nil)
	taskID := req.GetString("task_id", "")

	var (
		execID string
		err    error
	)
	switch {
	case taskID != "":
		execID, err = s.engine.StartTask(ctx, taskID, args)
	case req.GetString("yaml", "") != "" || req.GetArguments()["definition"] != nil:
		task, perr := parseDefinition(req)
		if perr != nil {
			return toolError("invalid definition", perr), nil
		}
		execID, err = s.engine.Start(ctx, schema.ExecutionInput{Task: task, Arguments: args})
	default:
		return mcp.NewToolResultError("one of task_id, definition or yaml is required"), nil
	}
	if err != nil {
		return toolError("start failed", err), nil
	}
	s.captureSession(ctx, execID)

	if !req.GetBool("wait", false) {
		return marshalResult(map[string]any{"execution_id": execID, "status": schema.ExecutionQueued})
	}
	result, err := s.engine.Wait(ctx, execID)
	if err != nil {
		return toolError("wait failed", err), nil
	}
	return marshalResult(result)
}

// handleDiagram renders a stored task, or an execution's task overlaid
// with its transitions, as text.
func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var (
		task        *schema.Task
		transitions []*schema.Transition
		err         error
	)
	if execID := req.GetString("execution_id", ""); execID != "" {
		exec, serr := s.engine.Status(ctx, execID)
		if serr != nil {
			return toolError("status query failed", serr), nil
		}
		if transitions, err = s.engine.Transitions(ctx, execID); err != nil {
			return toolError("transitions query failed", err), nil
		}
		task = exec.Input.Task
	} else if taskID := req.GetString("task_id", ""); taskID != "" {
		if task, err = s.store.GetTask(ctx, taskID); err != nil {
			return toolError("task lookup failed", err), nil
		}
	} else {
		return mcp.NewToolResultError("one of task_id or execution_id is required"), nil
	}

	model, err := diagram.Build(task, transitions)
	if err != nil {
		return toolError("diagram failed", err), nil
	}
	if req.GetString("format", "mermaid") == "ascii" {
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	}
	return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
}

func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	exec, err := s.engine.Status(ctx, id)
	if err != nil {
		return toolError("status query failed", err), nil
	}
	return marshalResult(map[string]any{
		"execution_id": exec.ID,
		"parent_id":    exec.ParentID,
		"lineage_id":   exec.LineageID,
		"task_id":      exec.TaskID,
		"status":       exec.Status,
		"output":       exec.Output,
		"error":        exec.Error,
		"created_at":   exec.CreatedAt,
		"started_at":   exec.StartedAt,
		"completed_at": exec.CompletedAt,
	})
}

func (s *Server) handleTransitions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	ts, err := s.engine.Transitions(ctx, id)
	if err != nil {
		return toolError("transitions query failed", err), nil
	}
	return marshalResult(map[string]any{"transitions": ts, "total": len(ts)})
}

func (s *Server) handleState(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	if key := req.GetString("key", ""); key != "" {
		value, found, err := s.engine.GetUserStateKey(ctx, id, key)
		if err != nil {
			return toolError("state query failed", err), nil
		}
		return marshalResult(map[string]any{"key": key, "value": value, "found": found})
	}
	state, err := s.engine.GetUserState(ctx, id)
	if err != nil {
		return toolError("state query failed", err), nil
	}
	return marshalResult(map[string]any{"state": state})
}

func (s *Server) handleSetState(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	key, err := req.RequireString("key")
	if err != nil {
		return mcp.NewToolResultError("key is required"), nil
	}
	value, ok := req.GetArguments()["value"]
	if !ok {
		return mcp.NewToolResultError("value is required"), nil
	}
	if err := s.engine.SetUserState(ctx, id, key, value); err != nil {
		return toolError("set state failed", err), nil
	}
	return marshalResult(map[string]any{"ok": true, "execution_id": id, "key": key})
}

func (s *Server) handleUpdateState(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	values := mcp.ParseStringMap(req, "values", nil)
	if values == nil {
		return mcp.NewToolResultError("values is required"), nil
	}
	if err := s.engine.UpdateUserState(ctx, id, values); err != nil {
		return toolError("update state failed", err), nil
	}
	return marshalResult(map[string]any{"ok": true, "execution_id": id, "keys": len(values)})
}

func (s *Server) handleInput(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	value, ok := req.GetArguments()["value"]
	if !ok {
		return mcp.NewToolResultError("value is required"), nil
	}
	if err := s.engine.ProvideInput(ctx, id, value); err != nil {
		return toolError("input rejected", err), nil
	}
	return marshalResult(map[string]any{"ok": true, "execution_id": id})
}

func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	if err := s.engine.Cancel(ctx, id); err != nil {
		return toolError("cancel failed", err), nil
	}
	return marshalResult(map[string]any{"ok": true, "execution_id": id})
}

// --- Helpers ---

// parseDefinition reads a task from the "definition" object or the "yaml"
// string argument. Both pass through the JSON step codec.
func parseDefinition(req mcp.CallToolRequest) (*schema.Task, error) {
	var (
		task *schema.Task
		err  error
	)
	if doc := req.GetString("yaml", ""); doc != "" {
		task, err = loader.ParseYAML([]byte(doc))
	} else {
		def := mcp.ParseStringMap(req, "definition", nil)
		if def == nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "definition or yaml is required")
		}
		var data []byte
		if data, err = json.Marshal(def); err == nil {
			task, err = loader.ParseJSON(data)
		}
	}
	if err != nil {
		var te *schema.TaskError
		if errors.As(err, &te) {
			return nil, err
		}
		return nil, schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	return task, nil
}

// captureSession routes status notifications for the execution to the
// calling session, when there is one.
func (s *Server) captureSession(ctx context.Context, executionID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(executionID, session.SessionID())
	}
}

// toolError renders err as a tool error. Task errors keep their code.
func toolError(prefix string, err error) *mcp.CallToolResult {
	te := schema.AsTaskError(err, "")
	data, merr := json.Marshal(map[string]any{"error": prefix, "code": te.Code, "message": te.Message, "details": te.Details})
	if merr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
	}
	return mcp.NewToolResultError(string(data))
}

// marshalResult converts a value to a JSON tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
