package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizePath(t *testing.T) {
	base := t.TempDir()

	tests := []struct {
		name    string
		rel     string
		want    string
		wantErr bool
	}{
		{"simple file", "foo.txt", filepath.Join(base, "foo.txt"), false},
		{"nested", "a/b/c.txt", filepath.Join(base, "a/b/c.txt"), false},
		{"workspace rooted", "/skills/triage.md", filepath.Join(base, "skills/triage.md"), false},
		{"root", "/", base, false},
		{"empty", "", "", true},
		{"escape", "../outside", "", true},
		{"sneaky escape", "a/../../outside", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := sanitizePath(base, tt.rel)
			if tt.wantErr {
				assert.Error(t, err, "got path %q", got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWriteReadEditRoundTrip(t *testing.T) {
	base := t.TempDir()
	tools := byName(BuildFileTools(base))
	ctx := context.Background()

	out := run(t, tools["write_file"], map[string]any{"file_path": "/notes/a.txt", "content": "hello\nworld"})
	assert.Equal(t, "Wrote 11 bytes to /notes/a.txt", out)

	out = run(t, tools["read_file"], map[string]any{"file_path": "notes/a.txt"})
	assert.Contains(t, out, "1\thello")
	assert.Contains(t, out, "2\tworld")

	out = run(t, tools["edit_file"], map[string]any{"file_path": "notes/a.txt", "old_string": "world", "new_string": "there"})
	assert.True(t, strings.HasPrefix(out, "Replaced 1"), out)
	data, err := os.ReadFile(filepath.Join(base, "notes/a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello\nthere", string(data))

	_, err = tools["read_file"].InvokableRun(ctx, `not json`)
	assert.NoError(t, err, "invalid args are reported in the output, not as an error")
}

func TestReadOffsetAndLimit(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, "big.txt"), []byte("l1\nl2\nl3\nl4\nl5"), 0o644))
	tools := byName(BuildFileTools(base))

	out := run(t, tools["read_file"], map[string]any{"file_path": "big.txt", "offset": 1, "limit": 2})
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 2, out)
	assert.True(t, strings.HasSuffix(lines[0], "\tl2"), lines[0])
	assert.True(t, strings.HasSuffix(lines[1], "\tl3"), lines[1])
}

func TestEditRejectsAmbiguousMatch(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, "dup.txt"), []byte("x x"), 0o644))
	tools := byName(BuildFileTools(base))

	out := run(t, tools["edit_file"], map[string]any{"file_path": "dup.txt", "old_string": "x", "new_string": "y"})
	assert.True(t, strings.HasPrefix(out, "Error:"), out)

	out = run(t, tools["edit_file"], map[string]any{"file_path": "dup.txt", "old_string": "x", "new_string": "y", "replace_all": true})
	assert.True(t, strings.HasPrefix(out, "Replaced 2"), out)
}

func TestListAndMissingFile(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "skills"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "a.txt"), []byte("hi"), 0o644))
	tools := byName(BuildFileTools(base))

	assert.Equal(t, "a.txt\nskills/", run(t, tools["ls"], map[string]any{}))

	out := run(t, tools["read_file"], map[string]any{"file_path": "missing.txt"})
	assert.True(t, strings.HasPrefix(out, "Error: file missing.txt not found"), out)
}

func TestShellToolOutputs(t *testing.T) {
	sh := NewShellTool(t.TempDir(), 5*time.Second)

	assert.Equal(t, "hi\n", runTool(t, sh, map[string]any{"command": "echo hi"}))
	assert.Contains(t, runTool(t, sh, map[string]any{"command": "echo warn 1>&2"}), "[stderr]\nwarn")

	out := runTool(t, sh, map[string]any{"command": "exit 3"})
	assert.True(t, strings.HasPrefix(out, "Error: exit status 3"), out)
}

func TestShellToolTimeout(t *testing.T) {
	sh := NewShellTool(t.TempDir(), 50*time.Millisecond)
	assert.Contains(t, runTool(t, sh, map[string]any{"command": "sleep 2"}), "timed out")
}

func TestBuildIncludesEveryTool(t *testing.T) {
	ctx := context.Background()
	var seen []string
	for _, tl := range Build(t.TempDir(), time.Second) {
		info, err := tl.Info(ctx)
		require.NoError(t, err)
		seen = append(seen, info.Name)
	}
	assert.ElementsMatch(t, []string{"read_file", "write_file", "edit_file", "ls", "shell"}, seen)
}

func byName(tools []*FileTool) map[string]*FileTool {
	out := make(map[string]*FileTool, len(tools))
	for _, t := range tools {
		out[t.name] = t
	}
	return out
}

func run(t *testing.T, ft *FileTool, args map[string]any) string {
	t.Helper()
	require.NotNil(t, ft, "tool not found")
	b, _ := json.Marshal(args)
	out, err := ft.InvokableRun(context.Background(), string(b))
	require.NoError(t, err, ft.name)
	return out
}

func runTool(t *testing.T, st *ShellTool, args map[string]any) string {
	t.Helper()
	b, _ := json.Marshal(args)
	out, err := st.InvokableRun(context.Background(), string(b))
	require.NoError(t, err)
	return out
}
