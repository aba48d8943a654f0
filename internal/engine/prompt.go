package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadSystemPrompt concatenates the given prompt files in order, separated
// by blank lines. Relative paths are resolved against baseDir.
func LoadSystemPrompt(baseDir string, files []string) (string, error) {
	parts := make([]string, 0, len(files))
	for _, path := range files {
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read prompt file: %w", err)
		}
		text := strings.TrimSpace(string(data))
		if text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}
