package stream

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	followupScript = "followup_plan.py"
	unknownTool    = "unknown"
)

var followupName = regexp.MustCompile(`--name="([^"]+)"`)

// invocationNotice renders the line shown to clients when the model calls a tool.
func invocationNotice(inv ToolInvocation) string {
	switch inv.Name {
	case "read_file":
		return fmt.Sprintf("\n📖 loading file `%s`\n", skillDisplayPath(inv.Arg("file_path")))
	case "write_file":
		return fmt.Sprintf("\n📝 writing file `%s`\n", baseName(inv.Arg("file_path")))
	case "edit_file":
		return fmt.Sprintf("\n✏️ writing file `%s`\n", baseName(inv.Arg("file_path")))
	case "shell":
		command := inv.Arg("command")
		if m := followupName.FindStringSubmatch(command); m != nil && strings.Contains(command, followupScript) {
			command = fmt.Sprintf("sending follow-up notice: %s %s", m[1], command)
		}
		return fmt.Sprintf("\n🔧 running command `%s`\n", command)
	default:
		return fmt.Sprintf("\n🔧 running tool `%s`\n", inv.Name)
	}
}

// skillDisplayPath shortens a path to the part after /skills/, or to its
// base name when it is not under a skills directory.
func skillDisplayPath(p string) string {
	if i := strings.LastIndex(p, "/skills/"); i >= 0 {
		return p[i+len("/skills/"):]
	}
	return baseName(p)
}

func baseName(p string) string {
	return p[strings.LastIndex(p, "/")+1:]
}

// isToolError reports whether a tool result signals failure.
func isToolError(result string) bool {
	lower := strings.ToLower(result)
	return strings.Contains(lower, "error") || strings.Contains(lower, "stderr")
}

func errorNotice(result string, limit int) string {
	return fmt.Sprintf("\n⚠️ tool error: %s\n\n", truncateRunes(result, limit))
}

func orphanNotice() string {
	return fmt.Sprintf("\n🔧 result from tool `%s`\n", unknownTool)
}

// followupSent reports whether a shell call ran the follow-up script and
// the script answered with errno 0.
func followupSent(inv ToolInvocation, result string) bool {
	if inv.Name != "shell" || !strings.Contains(inv.RawArguments, followupScript) {
		return false
	}
	parsed := gjson.Parse(result)
	if !gjson.Valid(result) || !parsed.IsObject() {
		return false
	}
	errno := parsed.Get("errno")
	return errno.Type == gjson.Number && errno.Num == 0
}

const followupNotice = "✅ follow-up notification sent\n"

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}
