package tool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/afero"

	"github.com/ridgetop/ridgeline/backend/model"
)

// Executor runs gated tool calls. Every call gets its own filesystem view,
// read-only for tools whose policy declares them read-only, so concurrent
// executions share no mutable state.
type Executor struct {
	gate       *Gate
	workingDir string
	log        *slog.Logger
}

func NewExecutor(gate *Gate, workingDir string, log *slog.Logger) *Executor {
	return &Executor{gate: gate, workingDir: workingDir, log: log}
}

func (e *Executor) Gate() *Gate {
	return e.gate
}

// Definitions lists the JSON schema definitions of every built-in tool,
// in the order they are offered to the provider.
func (e *Executor) Definitions() []model.ToolDefinition {
	fsys := afero.NewMemMapFs()
	resolve := e.gate.resolvePath
	tools := []Tool{
		fileReadTool(fsys, resolve),
		fileWriteTool(fsys, resolve),
		fileDeleteTool(fsys, resolve),
		listDirectoryTool(fsys, resolve),
		grepTool(fsys, resolve),
		globTool(fsys, resolve),
		bashTool(e.workingDir),
	}
	defs := make([]model.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, t.Definition())
	}
	return defs
}

// build constructs the tool instance for one call over a fresh filesystem.
func (e *Executor) build(name string, policy Policy) (Tool, bool) {
	var fsys afero.Fs = afero.NewOsFs()
	if policy.ReadOnly {
		fsys = afero.NewReadOnlyFs(fsys)
	}
	resolve := func(path string) string {
		if path == "" {
			return e.workingDir
		}
		return e.gate.resolvePath(path)
	}

	switch name {
	case "file_read":
		return fileReadTool(fsys, resolve), true
	case "file_write":
		return fileWriteTool(fsys, resolve), true
	case "file_delete":
		return fileDeleteTool(fsys, resolve), true
	case "list_directory":
		return listDirectoryTool(fsys, resolve), true
	case "grep":
		return grepTool(fsys, resolve), true
	case "glob":
		return globTool(fsys, resolve), true
	case "bash_execute":
		return bashTool(e.workingDir), true
	default:
		return Tool{}, false
	}
}

// Execute runs one tool call to completion. Failures never propagate as
// errors; they become is_error results so the conversation can continue.
func (e *Executor) Execute(ctx context.Context, use model.ToolUse) model.ToolResult {
	policy, ok := e.gate.Policy(use.Name)
	if !ok {
		return errorResult(use.ID, fmt.Sprintf("tool not found: %s", use.Name))
	}
	t, ok := e.build(use.Name, policy)
	if !ok {
		return errorResult(use.ID, fmt.Sprintf("tool not found: %s", use.Name))
	}

	if policy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, policy.Timeout)
		defer cancel()
	}

	start := time.Now()
	output, err := t.Handler(ctx, use.Input)
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("timeout after %s", policy.Timeout)
		}
		e.log.Warn("tool execution failed", "tool", use.Name, "id", use.ID, "elapsed", elapsed, "error", err)
		return errorResult(use.ID, err.Error())
	}

	if policy.MaxOutputBytes > 0 && len(output) > policy.MaxOutputBytes {
		output = fmt.Sprintf("%s...\n\n[TRUNCATED: Output exceeds %d bytes]",
			output[:policy.MaxOutputBytes], policy.MaxOutputBytes)
	}

	e.log.Debug("tool executed", "tool", use.Name, "id", use.ID, "elapsed", elapsed, "bytes", len(output))
	return model.ToolResult{
		ToolUseID: use.ID,
		Content:   model.TextResult(output),
	}
}

// Dispatch runs the call as an independent unit of work and delivers its
// result on a per-call channel. The unit keeps running after the caller
// loses interest; late results are the caller's to discard.
func (e *Executor) Dispatch(ctx context.Context, use model.ToolUse) <-chan model.ToolResult {
	out := make(chan model.ToolResult, 1)
	go func() {
		defer close(out)
		out <- e.Execute(ctx, use)
	}()
	return out
}

func errorResult(toolUseID, message string) model.ToolResult {
	return model.ToolResult{
		ToolUseID: toolUseID,
		Content:   model.TextResult(message),
		IsError:   true,
	}
}
