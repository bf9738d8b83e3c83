package tooling

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Workdir is the session-scoped current working directory the filesystem
// tools resolve relative paths against. It is shared by a session's turns,
// which never run concurrently, but the accessor is still guarded since
// external readers (status endpoints) may race a turn.
type Workdir struct {
	mu   sync.Mutex
	path string
}

// NewWorkdir creates a workdir rooted at the given path, defaulting to the
// process working directory.
func NewWorkdir(path string) *Workdir {
	if strings.TrimSpace(path) == "" {
		if wd, err := os.Getwd(); err == nil {
			path = wd
		} else {
			path = "."
		}
	}
	return &Workdir{path: path}
}

// Get returns the current directory.
func (w *Workdir) Get() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.path
}

// Set replaces the current directory.
func (w *Workdir) Set(path string) {
	w.mu.Lock()
	w.path = path
	w.mu.Unlock()
}

// Resolve returns an absolute cleaned path, joining relative paths onto the
// current directory.
func (w *Workdir) Resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}
	if filepath.IsAbs(clean) {
		return filepath.Clean(clean), nil
	}
	abs, err := filepath.Abs(filepath.Join(w.Get(), clean))
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	return abs, nil
}

// maxReadBytes caps file reads so a single tool result cannot swamp the
// context window.
const maxReadBytes = 200000

// ReadFileTool reads a file relative to the session workdir.
type ReadFileTool struct {
	workdir *Workdir
}

// NewReadFileTool creates a read tool bound to the session workdir.
func NewReadFileTool(w *Workdir) *ReadFileTool { return &ReadFileTool{workdir: w} }

func (*ReadFileTool) Name() string { return "read_file" }
func (*ReadFileTool) Description() string {
	return "Read a file. Relative paths resolve against the session working directory."
}
func (*ReadFileTool) Dangerous() bool { return false }

func (*ReadFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Path to the file"}},"required":["path"],"additionalProperties":false}`)
}

func (t *ReadFileTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var input struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return Errorf("invalid arguments: %v", err), nil
	}
	path, err := t.workdir.Resolve(input.Path)
	if err != nil {
		return Errorf("%v", err), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Errorf("read %s: %v", input.Path, err), nil
	}
	if len(data) > maxReadBytes {
		return &Result{Output: string(data[:maxReadBytes]) + fmt.Sprintf("\n[truncated %d bytes]", len(data)-maxReadBytes)}, nil
	}
	return &Result{Output: string(data)}, nil
}

// WriteFileTool writes a file relative to the session workdir.
type WriteFileTool struct {
	workdir *Workdir
}

// NewWriteFileTool creates a write tool bound to the session workdir.
func NewWriteFileTool(w *Workdir) *WriteFileTool { return &WriteFileTool{workdir: w} }

func (*WriteFileTool) Name() string { return "write_file" }
func (*WriteFileTool) Description() string {
	return "Write content to a file, creating parent directories as needed."
}
func (*WriteFileTool) Dangerous() bool { return true }

func (*WriteFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"}},"required":["path","content"],"additionalProperties":false}`)
}

func (t *WriteFileTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var input struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return Errorf("invalid arguments: %v", err), nil
	}
	path, err := t.workdir.Resolve(input.Path)
	if err != nil {
		return Errorf("%v", err), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Errorf("create directories for %s: %v", input.Path, err), nil
	}
	if err := os.WriteFile(path, []byte(input.Content), 0o644); err != nil {
		return Errorf("write %s: %v", input.Path, err), nil
	}
	return &Result{Output: fmt.Sprintf("wrote %d bytes to %s", len(input.Content), input.Path)}, nil
}

// ListDirTool lists a directory relative to the session workdir.
type ListDirTool struct {
	workdir *Workdir
}

// NewListDirTool creates a listing tool bound to the session workdir.
func NewListDirTool(w *Workdir) *ListDirTool { return &ListDirTool{workdir: w} }

func (*ListDirTool) Name() string { return "list_dir" }
func (*ListDirTool) Description() string {
	return "List directory entries. Defaults to the session working directory."
}
func (*ListDirTool) Dangerous() bool { return false }

func (*ListDirTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Directory to list (default: current)"}},"additionalProperties":false}`)
}

func (t *ListDirTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var input struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return Errorf("invalid arguments: %v", err), nil
	}
	if input.Path == "" {
		input.Path = "."
	}
	path, err := t.workdir.Resolve(input.Path)
	if err != nil {
		return Errorf("%v", err), nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return Errorf("list %s: %v", input.Path, err), nil
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return &Result{Output: strings.Join(names, "\n")}, nil
}

// ChangeDirTool updates the session workdir for subsequent filesystem tools.
type ChangeDirTool struct {
	workdir *Workdir
}

// NewChangeDirTool creates a tool that mutates the session workdir.
func NewChangeDirTool(w *Workdir) *ChangeDirTool { return &ChangeDirTool{workdir: w} }

func (*ChangeDirTool) Name() string { return "change_dir" }
func (*ChangeDirTool) Description() string {
	return "Change the session working directory that relative paths resolve against."
}
func (*ChangeDirTool) Dangerous() bool { return false }

func (*ChangeDirTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"],"additionalProperties":false}`)
}

func (t *ChangeDirTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var input struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return Errorf("invalid arguments: %v", err), nil
	}
	path, err := t.workdir.Resolve(input.Path)
	if err != nil {
		return Errorf("%v", err), nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return Errorf("stat %s: %v", input.Path, err), nil
	}
	if !info.IsDir() {
		return Errorf("%s is not a directory", input.Path), nil
	}
	t.workdir.Set(path)
	return &Result{Output: "working directory is now " + path}, nil
}

// commandTimeout bounds a single shell invocation.
const commandTimeout = 2 * time.Minute

// RunCommandTool executes a shell command in the session workdir.
type RunCommandTool struct {
	workdir *Workdir
}

// NewRunCommandTool creates a command tool bound to the session workdir.
func NewRunCommandTool(w *Workdir) *RunCommandTool { return &RunCommandTool{workdir: w} }

func (*RunCommandTool) Name() string { return "run_command" }
func (*RunCommandTool) Description() string {
	return "Run a shell command in the session working directory and return combined output."
}
func (*RunCommandTool) Dangerous() bool { return true }

func (*RunCommandTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"command":{"type":"string"}},"required":["command"],"additionalProperties":false}`)
}

func (t *RunCommandTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var input struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return Errorf("invalid arguments: %v", err), nil
	}
	if strings.TrimSpace(input.Command) == "" {
		return Errorf("command is required"), nil
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", input.Command)
	cmd.Dir = t.workdir.Get()
	output, err := cmd.CombinedOutput()
	if err != nil {
		return &Result{Output: fmt.Sprintf("%s\ncommand failed: %v", string(output), err), IsError: true}, nil
	}
	return &Result{Output: string(output)}, nil
}

// RegisterFilesystemTools registers the workdir-scoped tools on a registry.
func RegisterFilesystemTools(r *Registry, w *Workdir) {
	r.Register(NewReadFileTool(w))
	r.Register(NewWriteFileTool(w))
	r.Register(NewListDirTool(w))
	r.Register(NewChangeDirTool(w))
	r.Register(NewRunCommandTool(w))
}
