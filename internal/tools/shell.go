package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

// ShellTool runs a shell command inside the workspace directory.
type ShellTool struct {
	dir     string
	timeout time.Duration
}

var _ tool.InvokableTool = (*ShellTool)(nil)

// NewShellTool creates a ShellTool. A non-positive timeout means two minutes.
func NewShellTool(dir string, timeout time.Duration) *ShellTool {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &ShellTool{dir: dir, timeout: timeout}
}

// Info returns tool metadata for model planning.
func (t *ShellTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name: "shell",
		Desc: "Run a shell command in the workspace directory and return its output.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"command": {Type: schema.String, Desc: "Command line passed to sh -c", Required: true},
		}),
	}, nil
}

// InvokableRun executes the command. Stdout is returned as is; stderr, when
// present, follows in a "[stderr]" section.
func (t *ShellTool) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	var args struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal([]byte(argumentsInJSON), &args); err != nil {
		return "Error: parse arguments: " + err.Error(), nil
	}
	if strings.TrimSpace(args.Command) == "" {
		return "Error: command is required", nil
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", args.Command)
	cmd.Dir = t.dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := stdout.String()
	if stderr.Len() > 0 {
		out = strings.TrimRight(out, "\n") + "\n[stderr]\n" + stderr.String()
	}

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Sprintf("Error: command timed out after %s", t.timeout), nil
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Sprintf("Error: exit status %d\n%s", exitErr.ExitCode(), out), nil
		}
		return "Error: " + err.Error(), nil
	}
	return out, nil
}

// Build returns every local tool rooted at dir.
func Build(dir string, shellTimeout time.Duration) []tool.InvokableTool {
	files := BuildFileTools(dir)
	out := make([]tool.InvokableTool, 0, len(files)+1)
	for _, f := range files {
		out = append(out, f)
	}
	return append(out, NewShellTool(dir, shellTimeout))
}
