package tools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const defaultReadMax = 64 * 1024

// fsRoot resolves tool supplied paths. With a non-empty root, relative
// paths are taken from it and nothing outside it is reachable.
type fsRoot string

func (r fsRoot) resolve(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, p[1:])
		}
	}
	if r == "" {
		return filepath.Abs(p)
	}
	root, err := filepath.Abs(string(r))
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	p = filepath.Clean(p)
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside the workspace", p)
	}
	return p, nil
}

func describeFSError(op, path string, err error) string {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Sprintf("Error: %s not found: %s", op, path)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Sprintf("Error: permission denied: %s", path)
	}
	return fmt.Sprintf("Error: %v", err)
}

// ReadFileTool returns a file's contents, cut at MaxBytes.
type ReadFileTool struct {
	MaxBytes int
	root     fsRoot
}

// NewReadFileTool limits reads to maxBytes (64 KiB when <= 0) and, when root
// is set, to files below root.
func NewReadFileTool(maxBytes int, root string) *ReadFileTool {
	if maxBytes <= 0 {
		maxBytes = defaultReadMax
	}
	return &ReadFileTool{MaxBytes: maxBytes, root: fsRoot(root)}
}

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return "Read a text file. Long files are truncated."
}

func (t *ReadFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "File path, absolute or relative to the working directory"},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	raw := GetString(params, "path", "")
	if strings.TrimSpace(raw) == "" {
		return "Error: path is required", nil
	}
	path, err := t.root.resolve(raw)
	if err != nil {
		return "Error: " + err.Error(), nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return describeFSError("file", path, err), nil
	}
	if info.IsDir() {
		return fmt.Sprintf("Error: %s is a directory, use list_dir", path), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return describeFSError("file", path, err), nil
	}
	return truncate(string(data), t.MaxBytes), nil
}

// ListDirTool prints a directory, folders first.
type ListDirTool struct {
	root fsRoot
}

func NewListDirTool(root string) *ListDirTool { return &ListDirTool{root: fsRoot(root)} }

func (t *ListDirTool) Name() string { return "list_dir" }

func (t *ListDirTool) Description() string {
	return "List the files and folders in a directory."
}

func (t *ListDirTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "Directory path, defaults to the working directory"},
		},
	}
}

func (t *ListDirTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	path, err := t.root.resolve(GetString(params, "path", "."))
	if err != nil {
		return "Error: " + err.Error(), nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return describeFSError("directory", path, err), nil
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].IsDir() && !entries[j].IsDir()
	})

	var sb strings.Builder
	fmt.Fprintf(&sb, "Contents of %s:\n", path)
	if len(entries) == 0 {
		sb.WriteString("  (empty)\n")
	}
	for _, e := range entries {
		if e.IsDir() {
			fmt.Fprintf(&sb, "  [DIR]  %s/\n", e.Name())
			continue
		}
		if info, err := e.Info(); err == nil {
			fmt.Fprintf(&sb, "  [FILE] %s (%d bytes)\n", e.Name(), info.Size())
		} else {
			fmt.Fprintf(&sb, "  [FILE] %s\n", e.Name())
		}
	}
	return sb.String(), nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
