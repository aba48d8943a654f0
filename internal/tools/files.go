// Package tools provides the local tools the engine can call: file access
// rooted at a workspace directory, and a shell.
package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

const defaultReadLimit = 500

// FileTool exposes a single file operation sandboxed to a workspace directory.
type FileTool struct {
	name    string
	desc    string
	params  map[string]*schema.ParameterInfo
	handler func(baseDir string, args json.RawMessage) (string, error)
	baseDir string
}

var _ tool.InvokableTool = (*FileTool)(nil)

// Info returns tool metadata for model planning.
func (t *FileTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name:        t.name,
		Desc:        t.desc,
		ParamsOneOf: schema.NewParamsOneOfByParams(t.params),
	}, nil
}

// InvokableRun executes the file operation. Failures are reported to the
// model as an "Error: ..." result rather than a Go error.
func (t *FileTool) InvokableRun(_ context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	out, err := t.handler(t.baseDir, json.RawMessage(argumentsInJSON))
	if err != nil {
		return "Error: " + err.Error(), nil
	}
	return out, nil
}

// sanitizePath resolves p inside baseDir. Absolute paths are taken as
// rooted at the workspace, so "/skills/x.md" and "skills/x.md" are the same file.
func sanitizePath(baseDir, p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("path is required")
	}
	root := filepath.Clean(baseDir)
	cleaned := filepath.Join(root, strings.TrimPrefix(filepath.Clean("/"+p), "/"))
	if strings.HasPrefix(filepath.Clean(p), "..") || !strings.HasPrefix(cleaned, root) {
		return "", fmt.Errorf("path escapes workspace directory")
	}
	return cleaned, nil
}

// BuildFileTools returns the file tools sandboxed to baseDir.
func BuildFileTools(baseDir string) []*FileTool {
	pathParam := &schema.ParameterInfo{Type: schema.String, Desc: "File path within the workspace", Required: true}
	tools := []*FileTool{
		{
			name: "read_file",
			desc: "Read a file from the workspace. Lines are returned numbered.",
			params: map[string]*schema.ParameterInfo{
				"file_path": pathParam,
				"offset":    {Type: schema.Integer, Desc: "Line to start from (0-based, default 0)"},
				"limit":     {Type: schema.Integer, Desc: "Maximum lines to return (default 500)"},
			},
			handler: handleRead,
		},
		{
			name: "write_file",
			desc: "Create or overwrite a file in the workspace. Creates parent directories as needed.",
			params: map[string]*schema.ParameterInfo{
				"file_path": pathParam,
				"content":   {Type: schema.String, Desc: "File content to write", Required: true},
			},
			handler: handleWrite,
		},
		{
			name: "edit_file",
			desc: "Replace an exact string in a workspace file. old_string must be unique unless replace_all is set.",
			params: map[string]*schema.ParameterInfo{
				"file_path":   pathParam,
				"old_string":  {Type: schema.String, Desc: "Text to replace", Required: true},
				"new_string":  {Type: schema.String, Desc: "Replacement text", Required: true},
				"replace_all": {Type: schema.Boolean, Desc: "Replace every occurrence"},
			},
			handler: handleEdit,
		},
		{
			name: "ls",
			desc: "List entries in a workspace directory.",
			params: map[string]*schema.ParameterInfo{
				"path": {Type: schema.String, Desc: "Directory path (default '/')"},
			},
			handler: handleList,
		},
	}
	for _, t := range tools {
		t.baseDir = baseDir
	}
	return tools
}

func handleRead(baseDir string, args json.RawMessage) (string, error) {
	var p struct {
		FilePath string `json:"file_path"`
		Offset   int    `json:"offset"`
		Limit    int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("parse arguments: %w", err)
	}
	if p.Limit <= 0 {
		p.Limit = defaultReadLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	abs, err := sanitizePath(baseDir, p.FilePath)
	if err != nil {
		return "", err
	}
	f, err := os.Open(abs)
	if err != nil {
		return "", fmt.Errorf("file %s not found", p.FilePath)
	}
	defer f.Close()

	var b strings.Builder
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line, written := 0, 0
	for scanner.Scan() {
		line++
		if line <= p.Offset {
			continue
		}
		if written >= p.Limit {
			break
		}
		fmt.Fprintf(&b, "%6d\t%s\n", line, scanner.Text())
		written++
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	if line == 0 {
		return "(empty file)", nil
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func handleWrite(baseDir string, args json.RawMessage) (string, error) {
	var p struct {
		FilePath string `json:"file_path"`
		Content  string `json:"content"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("parse arguments: %w", err)
	}
	abs, err := sanitizePath(baseDir, p.FilePath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("create parent dirs: %w", err)
	}
	if err := os.WriteFile(abs, []byte(p.Content), 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(p.Content), p.FilePath), nil
}

func handleEdit(baseDir string, args json.RawMessage) (string, error) {
	var p struct {
		FilePath   string `json:"file_path"`
		OldString  string `json:"old_string"`
		NewString  string `json:"new_string"`
		ReplaceAll bool   `json:"replace_all"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("parse arguments: %w", err)
	}
	if p.OldString == "" {
		return "", fmt.Errorf("old_string is required")
	}
	abs, err := sanitizePath(baseDir, p.FilePath)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("file %s not found", p.FilePath)
	}
	content := string(data)

	n := strings.Count(content, p.OldString)
	switch {
	case n == 0:
		return "", fmt.Errorf("old_string not found in %s", p.FilePath)
	case n > 1 && !p.ReplaceAll:
		return "", fmt.Errorf("old_string appears %d times in %s; set replace_all or add context", n, p.FilePath)
	}

	if p.ReplaceAll {
		content = strings.ReplaceAll(content, p.OldString, p.NewString)
	} else {
		content = strings.Replace(content, p.OldString, p.NewString, 1)
		n = 1
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return fmt.Sprintf("Replaced %d occurrence(s) in %s", n, p.FilePath), nil
}

func handleList(baseDir string, args json.RawMessage) (string, error) {
	var p struct {
		Path string `json:"path"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &p); err != nil {
			return "", fmt.Errorf("parse arguments: %w", err)
		}
	}
	if p.Path == "" {
		p.Path = "/"
	}
	abs, err := sanitizePath(baseDir, p.Path)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return "", fmt.Errorf("read directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return "(empty directory)", nil
	}
	return strings.Join(names, "\n"), nil
}
