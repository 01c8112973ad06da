package tool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kilnhq/kiln/internal/permission"
)

const maxReadBytes = 256 * 1024

// ReadTool reads file contents from the workspace.
type ReadTool struct {
	workdir string
}

func NewReadTool(workdir string) *ReadTool { return &ReadTool{workdir: workdir} }

func (t *ReadTool) Name() string        { return "read" }
func (t *ReadTool) Description() string { return "Read the contents of a file" }

func (t *ReadTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file to read",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadTool) Execute(ctx context.Context, call Call, input map[string]any) (Result, error) {
	path, _ := input["path"].(string)
	resolved, outside, err := resolvePath(path, t.workdir)
	if err != nil {
		return Result{}, err
	}
	if outside {
		if err := call.Ask(ctx, permission.TypeExternalDirectory, []string{resolved}, "read "+resolved, map[string]any{
			"filePath": resolved,
		}); err != nil {
			return Result{}, err
		}
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return Result{}, fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) > maxReadBytes {
		data = data[:maxReadBytes]
	}
	return Result{
		Title:    path,
		Output:   string(data),
		Metadata: map[string]any{"filePath": resolved},
	}, nil
}

// WriteTool creates or overwrites a file, gated by the edit permission.
type WriteTool struct {
	workdir string
}

func NewWriteTool(workdir string) *WriteTool { return &WriteTool{workdir: workdir} }

func (t *WriteTool) Name() string        { return "write" }
func (t *WriteTool) Description() string { return "Write content to a file, creating it if needed" }

func (t *WriteTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file to write",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Full file content",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteTool) Execute(ctx context.Context, call Call, input map[string]any) (Result, error) {
	path, _ := input["path"].(string)
	content, _ := input["content"].(string)
	resolved, outside, err := resolvePath(path, t.workdir)
	if err != nil {
		return Result{}, err
	}

	permType := permission.TypeEdit
	if outside {
		permType = permission.TypeExternalDirectory
	}
	if err := call.Ask(ctx, permType, []string{resolved}, "write "+resolved, map[string]any{
		"filePath": resolved,
		"content":  content,
	}); err != nil {
		return Result{}, err
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return Result{}, fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return Result{}, fmt.Errorf("write %s: %w", path, err)
	}
	return Result{
		Title:  path,
		Output: fmt.Sprintf("wrote %d bytes to %s", len(content), path),
		Metadata: map[string]any{
			"filePath": resolved,
			"files":    []string{resolved},
		},
	}, nil
}

// EditTool replaces an exact substring in a file, gated by the edit
// permission. The old string must occur exactly once.
type EditTool struct {
	workdir string
}

func NewEditTool(workdir string) *EditTool { return &EditTool{workdir: workdir} }

func (t *EditTool) Name() string        { return "edit" }
func (t *EditTool) Description() string { return "Replace an exact string in a file" }

func (t *EditTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file to edit",
			},
			"old": map[string]any{
				"type":        "string",
				"description": "Exact text to replace (must occur once)",
			},
			"new": map[string]any{
				"type":        "string",
				"description": "Replacement text",
			},
		},
		"required": []string{"path", "old", "new"},
	}
}

func (t *EditTool) Execute(ctx context.Context, call Call, input map[string]any) (Result, error) {
	path, _ := input["path"].(string)
	oldStr, _ := input["old"].(string)
	newStr, _ := input["new"].(string)
	if oldStr == "" {
		return Result{}, fmt.Errorf("old is required")
	}
	resolved, outside, err := resolvePath(path, t.workdir)
	if err != nil {
		return Result{}, err
	}

	permType := permission.TypeEdit
	if outside {
		permType = permission.TypeExternalDirectory
	}
	if err := call.Ask(ctx, permType, []string{resolved}, "edit "+resolved, map[string]any{
		"filePath": resolved,
		"diff":     fmt.Sprintf("- %s\n+ %s", oldStr, newStr),
	}); err != nil {
		return Result{}, err
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return Result{}, fmt.Errorf("edit %s: %w", path, err)
	}
	content := string(data)
	switch strings.Count(content, oldStr) {
	case 0:
		return Result{}, fmt.Errorf("edit %s: old string not found", path)
	case 1:
	default:
		return Result{}, fmt.Errorf("edit %s: old string is not unique", path)
	}
	if err := os.WriteFile(resolved, []byte(strings.Replace(content, oldStr, newStr, 1)), 0o644); err != nil {
		return Result{}, fmt.Errorf("edit %s: %w", path, err)
	}
	return Result{
		Title:  path,
		Output: "edited " + path,
		Metadata: map[string]any{
			"filePath": resolved,
			"files":    []string{resolved},
		},
	}, nil
}

// resolvePath joins path with the workspace and reports whether the result
// escapes it.
func resolvePath(path, workdir string) (resolved string, outside bool, err error) {
	if path == "" {
		return "", false, fmt.Errorf("path is required")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(workdir, path)
	}
	resolved = filepath.Clean(path)
	rel, err := filepath.Rel(workdir, resolved)
	if err != nil {
		return resolved, true, nil
	}
	outside = rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
	return resolved, outside, nil
}
