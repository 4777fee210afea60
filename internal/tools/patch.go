package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Patch envelope markers.
const (
	patchBegin     = "*** Begin Patch"
	patchEnd       = "*** End Patch"
	patchAdd       = "*** Add File: "
	patchDelete    = "*** Delete File: "
	patchUpdate    = "*** Update File: "
	patchMove      = "*** Move to: "
	patchEOF       = "*** End of File"
	patchHunkStart = "@@"
)

type patchOpKind int

const (
	opAdd patchOpKind = iota
	opDelete
	opUpdate
)

type patchHunk struct {
	oldLines []string
	newLines []string
	changed  bool
}

type patchOp struct {
	kind    patchOpKind
	path    string
	moveTo  string
	content []string
	hunks   []patchHunk
}

// ApplyPatchTool applies a structured text patch to workspace files:
// additions, deletions, and context-anchored updates with optional renames.
type ApplyPatchTool struct{}

func NewApplyPatchTool() *ApplyPatchTool { return &ApplyPatchTool{} }

func (t *ApplyPatchTool) Name() string { return "apply_patch" }

func (t *ApplyPatchTool) Description() string {
	return "Apply a patch to workspace files. The patch must be wrapped in '*** Begin Patch' / '*** End Patch' and may add, delete, update, and move files."
}

func (t *ApplyPatchTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"patch": {"type": "string", "description": "Patch text including the Begin/End envelope"}
		},
		"required": ["patch"]
	}`)
}

func (t *ApplyPatchTool) Execute(ctx context.Context, call Call) (string, error) {
	result, err := ApplyPatch(call.Workspace, call.String("patch"))
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}
	return result, nil
}

// ApplyPatch parses and applies the patch text against the workspace,
// returning one action line per file.
func ApplyPatch(workspace, text string) (string, error) {
	ops, err := parsePatch(text)
	if err != nil {
		return "", err
	}

	var actions []string
	for _, op := range ops {
		path, err := ResolveWorkspacePath(workspace, op.path)
		if err != nil {
			return "", err
		}
		switch op.kind {
		case opAdd:
			if _, statErr := os.Stat(path); statErr == nil {
				return "", fmt.Errorf("cannot add %s: file already exists", op.path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return "", fmt.Errorf("add %s: %w", op.path, err)
			}
			if err := os.WriteFile(path, []byte(strings.Join(op.content, "\n")), 0o644); err != nil {
				return "", fmt.Errorf("add %s: %w", op.path, err)
			}
			actions = append(actions, "Added "+op.path)

		case opDelete:
			info, statErr := os.Stat(path)
			if statErr != nil {
				return "", fmt.Errorf("cannot delete %s: %w", op.path, statErr)
			}
			if !info.Mode().IsRegular() {
				return "", fmt.Errorf("cannot delete %s: not a regular file", op.path)
			}
			if err := os.Remove(path); err != nil {
				return "", fmt.Errorf("delete %s: %w", op.path, err)
			}
			actions = append(actions, "Deleted "+op.path)

		case opUpdate:
			if err := applyUpdate(workspace, path, op); err != nil {
				return "", err
			}
			if op.moveTo != "" {
				actions = append(actions, fmt.Sprintf("Updated %s (moved to %s)", op.path, op.moveTo))
			} else {
				actions = append(actions, "Updated "+op.path)
			}
		}
	}
	return strings.Join(actions, "\n"), nil
}

func applyUpdate(workspace, path string, op patchOp) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("update %s: %w", op.path, err)
	}
	content := strings.ReplaceAll(string(data), "\r\n", "\n")
	trailingNewline := strings.HasSuffix(content, "\n")
	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")

	for i, h := range op.hunks {
		lines, err = spliceHunk(lines, h)
		if err != nil {
			return fmt.Errorf("update %s hunk %d: %w", op.path, i+1, err)
		}
	}

	out := strings.Join(lines, "\n")
	if trailingNewline {
		out += "\n"
	}

	target := path
	if op.moveTo != "" {
		target, err = ResolveWorkspacePath(workspace, op.moveTo)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("move %s: %w", op.moveTo, err)
		}
	}
	if err := os.WriteFile(target, []byte(out), 0o644); err != nil {
		return fmt.Errorf("update %s: %w", op.path, err)
	}
	if target != path {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("move %s: %w", op.path, err)
		}
	}
	return nil
}

// spliceHunk finds the unique occurrence of the hunk's old lines and
// replaces them with the new lines.
func spliceHunk(lines []string, h patchHunk) ([]string, error) {
	matches := findSubsequence(lines, h.oldLines)
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("context not found in file")
	case 1:
	default:
		return nil, fmt.Errorf("context matches %d locations, add more context", len(matches))
	}
	at := matches[0]
	out := make([]string, 0, len(lines)-len(h.oldLines)+len(h.newLines))
	out = append(out, lines[:at]...)
	out = append(out, h.newLines...)
	out = append(out, lines[at+len(h.oldLines):]...)
	return out, nil
}

func findSubsequence(lines, want []string) []int {
	if len(want) == 0 {
		return nil
	}
	var matches []int
	for i := 0; i+len(want) <= len(lines); i++ {
		found := true
		for j := range want {
			if lines[i+j] != want[j] {
				found = false
				break
			}
		}
		if found {
			matches = append(matches, i)
		}
	}
	return matches
}

func parsePatch(text string) ([]patchOp, error) {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")

	// locate the envelope, tolerating surrounding prose
	begin, end := -1, -1
	for i, line := range lines {
		switch strings.TrimSpace(line) {
		case patchBegin:
			if begin == -1 {
				begin = i
			}
		case patchEnd:
			end = i
		}
	}
	if begin == -1 || end == -1 || end < begin {
		return nil, fmt.Errorf("patch must be wrapped in %q / %q", patchBegin, patchEnd)
	}
	body := lines[begin+1 : end]

	var ops []patchOp
	i := 0
	for i < len(body) {
		line := body[i]
		switch {
		case strings.HasPrefix(line, patchAdd):
			op := patchOp{kind: opAdd, path: strings.TrimSpace(strings.TrimPrefix(line, patchAdd))}
			i++
			for i < len(body) && strings.HasPrefix(body[i], "+") {
				op.content = append(op.content, body[i][1:])
				i++
			}
			ops = append(ops, op)

		case strings.HasPrefix(line, patchDelete):
			ops = append(ops, patchOp{kind: opDelete, path: strings.TrimSpace(strings.TrimPrefix(line, patchDelete))})
			i++

		case strings.HasPrefix(line, patchUpdate):
			op := patchOp{kind: opUpdate, path: strings.TrimSpace(strings.TrimPrefix(line, patchUpdate))}
			i++
			if i < len(body) && strings.HasPrefix(body[i], patchMove) {
				op.moveTo = strings.TrimSpace(strings.TrimPrefix(body[i], patchMove))
				i++
			}
			for i < len(body) && strings.HasPrefix(body[i], patchHunkStart) {
				hunk, next, err := parseHunk(body, i+1)
				if err != nil {
					return nil, fmt.Errorf("update %s: %w", op.path, err)
				}
				op.hunks = append(op.hunks, hunk)
				i = next
			}
			if len(op.hunks) == 0 {
				return nil, fmt.Errorf("update %s: no hunks", op.path)
			}
			ops = append(ops, op)

		case strings.TrimSpace(line) == "":
			i++

		default:
			return nil, fmt.Errorf("unexpected patch line: %q", line)
		}
	}
	if len(ops) == 0 {
		return nil, fmt.Errorf("patch contains no operations")
	}
	return ops, nil
}

// parseHunk consumes hunk body lines starting at index start and returns the
// hunk plus the index of the first unconsumed line.
func parseHunk(body []string, start int) (patchHunk, int, error) {
	var h patchHunk
	i := start
	for i < len(body) {
		line := body[i]
		if line == patchEOF {
			i++
			break
		}
		if strings.HasPrefix(line, "*** ") || strings.HasPrefix(line, patchHunkStart) {
			break
		}
		switch {
		case strings.HasPrefix(line, "+"):
			h.newLines = append(h.newLines, line[1:])
			h.changed = true
		case strings.HasPrefix(line, "-"):
			h.oldLines = append(h.oldLines, line[1:])
			h.changed = true
		case strings.HasPrefix(line, " "):
			h.oldLines = append(h.oldLines, line[1:])
			h.newLines = append(h.newLines, line[1:])
		case line == "":
			h.oldLines = append(h.oldLines, "")
			h.newLines = append(h.newLines, "")
		default:
			return h, i, fmt.Errorf("bad hunk line: %q", line)
		}
		i++
	}
	if !h.changed {
		return h, i, fmt.Errorf("hunk has no additions or removals")
	}
	return h, i, nil
}
