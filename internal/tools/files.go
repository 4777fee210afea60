package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// File tools operate strictly inside the workspace; every path goes through
// ResolveWorkspacePath.

type ReadFileTool struct{}

func NewReadFileTool() *ReadFileTool { return &ReadFileTool{} }

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return "Read a file from the workspace and return its contents."
}

func (t *ReadFileTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "File path relative to the workspace"}
		},
		"required": ["path"]
	}`)
}

func (t *ReadFileTool) Execute(ctx context.Context, call Call) (string, error) {
	path, err := ResolveWorkspacePath(call.Workspace, call.String("path"))
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}
	return string(data), nil
}

type WriteFileTool struct{}

func NewWriteFileTool() *WriteFileTool { return &WriteFileTool{} }

func (t *WriteFileTool) Name() string { return "write_file" }

func (t *WriteFileTool) Description() string {
	return "Write content to a workspace file, creating parent directories as needed."
}

func (t *WriteFileTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "File path relative to the workspace"},
			"content": {"type": "string"}
		},
		"required": ["path", "content"]
	}`)
}

func (t *WriteFileTool) Execute(ctx context.Context, call Call) (string, error) {
	path, err := ResolveWorkspacePath(call.Workspace, call.String("path"))
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}
	content := call.String("content")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(content), call.String("path")), nil
}

type EditFileTool struct{}

func NewEditFileTool() *EditFileTool { return &EditFileTool{} }

func (t *EditFileTool) Name() string { return "edit_file" }

func (t *EditFileTool) Description() string {
	return "Replace an exact text occurrence in a workspace file. The old text must appear exactly once."
}

func (t *EditFileTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "File path relative to the workspace"},
			"old_text": {"type": "string"},
			"new_text": {"type": "string"}
		},
		"required": ["path", "old_text", "new_text"]
	}`)
}

func (t *EditFileTool) Execute(ctx context.Context, call Call) (string, error) {
	path, err := ResolveWorkspacePath(call.Workspace, call.String("path"))
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}
	content := string(data)
	oldText := call.String("old_text")
	switch strings.Count(content, oldText) {
	case 0:
		return "Error: old_text not found in file", nil
	case 1:
	default:
		return "Error: old_text matches more than once, add more context", nil
	}
	content = strings.Replace(content, oldText, call.String("new_text"), 1)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}
	return fmt.Sprintf("Edited %s", call.String("path")), nil
}

type ListDirTool struct{}

func NewListDirTool() *ListDirTool { return &ListDirTool{} }

func (t *ListDirTool) Name() string { return "list_dir" }

func (t *ListDirTool) Description() string {
	return "List the entries of a workspace directory."
}

func (t *ListDirTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Directory relative to the workspace, defaults to the workspace root"}
		}
	}`)
}

func (t *ListDirTool) Execute(ctx context.Context, call Call) (string, error) {
	rel := call.String("path")
	if rel == "" {
		rel = "."
	}
	path, err := ResolveWorkspacePath(call.Workspace, rel)
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}
	if len(entries) == 0 {
		return "(empty directory)", nil
	}
	var b strings.Builder
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		b.WriteString(name + "\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
