package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/convene-ai/convene/internal/types"
)

// FileSystem implements the file_system tool. Private scope resolves under
// the calling agent's sandbox, shared scope under the session workspace.
// Every path is confined to its scope root after normalisation.
type FileSystem struct{}

func NewFileSystem() *FileSystem { return &FileSystem{} }

func (f *FileSystem) Name() string { return "file_system" }

func (f *FileSystem) Description() string {
	return "Read, write, append, list, delete and find/replace files in your private sandbox or the shared session workspace."
}

func (f *FileSystem) Params() []Param {
	return []Param{
		{Name: "action", Description: "one of read, write, append, list, delete, find_replace", Required: true},
		{Name: "scope", Description: "private (your sandbox) or shared (session workspace); default private"},
		{Name: "filename", Description: "target file path relative to the scope root"},
		{Name: "path", Description: "directory path for list; defaults to the scope root"},
		{Name: "content", Description: "content for write/append"},
		{Name: "find", Description: "text to find for find_replace"},
		{Name: "replace", Description: "replacement text for find_replace"},
		{Name: "count", Description: "max replacements for find_replace; default all"},
	}
}

func (f *FileSystem) Execute(ctx context.Context, call types.ToolCall, env Env) Result {
	if err := ctx.Err(); err != nil {
		return Errorf("file_system cancelled: %v", err)
	}

	args := call.Arguments
	action := args["action"]
	root, err := f.scopeRoot(args["scope"], env)
	if err != nil {
		return Errorf("%v", err)
	}

	switch action {
	case "read":
		return f.read(root, args["filename"])
	case "write":
		return f.write(root, args["filename"], args["content"], false)
	case "append":
		return f.write(root, args["filename"], args["content"], true)
	case "list":
		dir := args["path"]
		if dir == "" {
			dir = "."
		}
		return f.list(root, dir)
	case "delete":
		return f.delete(root, args["filename"])
	case "find_replace":
		return f.findReplace(root, args)
	case "":
		return Errorf("file_system requires an action parameter")
	default:
		return Errorf("file_system: unknown action %q", action)
	}
}

func (f *FileSystem) scopeRoot(scope string, env Env) (string, error) {
	switch scope {
	case "", "private":
		if env.SandboxRoot == "" {
			return "", fmt.Errorf("no sandbox configured for agent %s", env.AgentID)
		}
		return env.SandboxRoot, nil
	case "shared":
		if env.SharedRoot == "" {
			return "", fmt.Errorf("no shared workspace configured")
		}
		return env.SharedRoot, nil
	default:
		return "", fmt.Errorf("file_system: unknown scope %q", scope)
	}
}

// resolve joins rel onto root and rejects any path that escapes the root
// after normalisation.
func (f *FileSystem) resolve(root, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("filename is required")
	}
	abs := filepath.Clean(filepath.Join(root, filepath.FromSlash(rel)))
	rootClean := filepath.Clean(root)
	if abs != rootClean && !strings.HasPrefix(abs, rootClean+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the %s scope", rel, filepath.Base(root))
	}
	return abs, nil
}

func (f *FileSystem) read(root, name string) Result {
	path, err := f.resolve(root, name)
	if err != nil {
		return Errorf("%v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Errorf("read %s: %v", name, err)
	}
	return Result{Message: string(data)}
}

// write replaces (or appends to) a file. Plain writes go through a temp file
// and rename so concurrent readers of the shared workspace never see a torn
// file.
func (f *FileSystem) write(root, name, content string, appendMode bool) Result {
	path, err := f.resolve(root, name)
	if err != nil {
		return Errorf("%v", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return Errorf("create parent dir: %v", err)
	}

	if appendMode {
		fh, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return Errorf("append %s: %v", name, err)
		}
		defer fh.Close()
		if _, err := fh.WriteString(content); err != nil {
			return Errorf("append %s: %v", name, err)
		}
		return Result{Message: fmt.Sprintf("Appended %d bytes to %s", len(content), name)}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0640); err != nil {
		return Errorf("write %s: %v", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return Errorf("write %s: %v", name, err)
	}
	return Result{Message: fmt.Sprintf("Wrote %d bytes to %s", len(content), name)}
}

func (f *FileSystem) list(root, dir string) Result {
	path, err := f.resolve(root, dir)
	if err != nil {
		return Errorf("%v", err)
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return Errorf("list %s: %v", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() {
			n += "/"
		}
		names = append(names, n)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return Result{Message: "(empty)"}
	}
	return Result{Message: strings.Join(names, "\n")}
}

func (f *FileSystem) delete(root, name string) Result {
	path, err := f.resolve(root, name)
	if err != nil {
		return Errorf("%v", err)
	}
	if err := os.Remove(path); err != nil {
		return Errorf("delete %s: %v", name, err)
	}
	return Result{Message: fmt.Sprintf("Deleted %s", name)}
}

// findReplace performs at most count replacements (default all) and reports
// how many were made.
func (f *FileSystem) findReplace(root string, args map[string]string) Result {
	name := args["filename"]
	find := args["find"]
	if find == "" {
		return Errorf("find_replace requires a non-empty find parameter")
	}
	count := -1
	if c := args["count"]; c != "" {
		n, err := strconv.Atoi(c)
		if err != nil || n < 0 {
			return Errorf("find_replace: invalid count %q", c)
		}
		count = n
	}

	path, err := f.resolve(root, name)
	if err != nil {
		return Errorf("%v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Errorf("read %s: %v", name, err)
	}

	content := string(data)
	total := strings.Count(content, find)
	replaced := total
	if count >= 0 && count < total {
		replaced = count
	}
	if replaced > 0 {
		content = strings.Replace(content, find, args["replace"], replaced)
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, []byte(content), 0640); err != nil {
			return Errorf("write %s: %v", name, err)
		}
		if err := os.Rename(tmp, path); err != nil {
			return Errorf("write %s: %v", name, err)
		}
	}
	return Result{Message: fmt.Sprintf("replaced=%d", replaced)}
}

var _ Tool = (*FileSystem)(nil)
