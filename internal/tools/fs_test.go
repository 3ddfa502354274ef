package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/convene-ai/convene/internal/types"
)

func fsEnv(t *testing.T) Env {
	t.Helper()
	return Env{
		AgentID:     "worker_1",
		SandboxRoot: t.TempDir(),
		SharedRoot:  t.TempDir(),
	}
}

func fsCall(args map[string]string) types.ToolCall {
	return types.ToolCall{ID: "c-1", Name: "file_system", Arguments: args}
}

func TestFSWriteThenRead(t *testing.T) {
	fs := NewFileSystem()
	env := fsEnv(t)

	res := fs.Execute(context.Background(), fsCall(map[string]string{
		"action": "write", "filename": "notes/a.txt", "content": "hello",
	}), env)
	if res.IsError {
		t.Fatalf("write failed: %s", res.Message)
	}

	res = fs.Execute(context.Background(), fsCall(map[string]string{
		"action": "read", "filename": "notes/a.txt",
	}), env)
	if res.IsError || res.Message != "hello" {
		t.Errorf("read = %+v", res)
	}
}

func TestFSAppend(t *testing.T) {
	fs := NewFileSystem()
	env := fsEnv(t)
	ctx := context.Background()

	fs.Execute(ctx, fsCall(map[string]string{"action": "write", "filename": "a.txt", "content": "one"}), env)
	fs.Execute(ctx, fsCall(map[string]string{"action": "append", "filename": "a.txt", "content": " two"}), env)

	res := fs.Execute(ctx, fsCall(map[string]string{"action": "read", "filename": "a.txt"}), env)
	if res.Message != "one two" {
		t.Errorf("content = %q", res.Message)
	}
}

func TestFSSharedScope(t *testing.T) {
	fs := NewFileSystem()
	env := fsEnv(t)
	ctx := context.Background()

	fs.Execute(ctx, fsCall(map[string]string{
		"action": "write", "scope": "shared", "filename": "report.md", "content": "x",
	}), env)

	if _, err := os.Stat(filepath.Join(env.SharedRoot, "report.md")); err != nil {
		t.Error("shared write must land in the shared root")
	}
	if _, err := os.Stat(filepath.Join(env.SandboxRoot, "report.md")); err == nil {
		t.Error("shared write must not land in the sandbox")
	}
}

func TestFSPathConfinement(t *testing.T) {
	fs := NewFileSystem()
	env := fsEnv(t)
	ctx := context.Background()

	escapes := []string{
		"../outside.txt",
		"../../etc/passwd",
		"a/../../outside.txt",
	}
	for _, p := range escapes {
		res := fs.Execute(ctx, fsCall(map[string]string{
			"action": "write", "filename": p, "content": "x",
		}), env)
		if !res.IsError {
			t.Errorf("path %q must be rejected, got %q", p, res.Message)
		}
	}

	// Dotted paths that stay inside the root are fine.
	res := fs.Execute(ctx, fsCall(map[string]string{
		"action": "write", "filename": "sub/../inside.txt", "content": "x",
	}), env)
	if res.IsError {
		t.Errorf("in-root path rejected: %s", res.Message)
	}
}

func TestFSList(t *testing.T) {
	fs := NewFileSystem()
	env := fsEnv(t)
	ctx := context.Background()

	fs.Execute(ctx, fsCall(map[string]string{"action": "write", "filename": "b.txt", "content": "x"}), env)
	fs.Execute(ctx, fsCall(map[string]string{"action": "write", "filename": "sub/a.txt", "content": "x"}), env)

	res := fs.Execute(ctx, fsCall(map[string]string{"action": "list"}), env)
	if res.IsError {
		t.Fatal(res.Message)
	}
	if !strings.Contains(res.Message, "b.txt") || !strings.Contains(res.Message, "sub/") {
		t.Errorf("list = %q", res.Message)
	}
}

func TestFSDelete(t *testing.T) {
	fs := NewFileSystem()
	env := fsEnv(t)
	ctx := context.Background()

	fs.Execute(ctx, fsCall(map[string]string{"action": "write", "filename": "a.txt", "content": "x"}), env)
	res := fs.Execute(ctx, fsCall(map[string]string{"action": "delete", "filename": "a.txt"}), env)
	if res.IsError {
		t.Fatal(res.Message)
	}
	if _, err := os.Stat(filepath.Join(env.SandboxRoot, "a.txt")); !os.IsNotExist(err) {
		t.Error("file should be gone")
	}
}

// Bounded find_replace consumes one match per call until none remain.
func TestFSFindReplaceCounted(t *testing.T) {
	fs := NewFileSystem()
	env := fsEnv(t)
	ctx := context.Background()

	fs.Execute(ctx, fsCall(map[string]string{"action": "write", "filename": "a.txt", "content": "foo foo"}), env)

	call := map[string]string{
		"action": "find_replace", "filename": "a.txt",
		"find": "foo", "replace": "bar", "count": "1",
	}
	for i, want := range []string{"replaced=1", "replaced=1", "replaced=0"} {
		res := fs.Execute(ctx, fsCall(call), env)
		if res.Message != want {
			t.Errorf("call %d: got %q, want %q", i+1, res.Message, want)
		}
	}

	res := fs.Execute(ctx, fsCall(map[string]string{"action": "read", "filename": "a.txt"}), env)
	if res.Message != "bar bar" {
		t.Errorf("final content = %q", res.Message)
	}
}

func TestFSFindReplaceDefaultAll(t *testing.T) {
	fs := NewFileSystem()
	env := fsEnv(t)
	ctx := context.Background()

	fs.Execute(ctx, fsCall(map[string]string{"action": "write", "filename": "a.txt", "content": "x x x"}), env)
	res := fs.Execute(ctx, fsCall(map[string]string{
		"action": "find_replace", "filename": "a.txt", "find": "x", "replace": "y",
	}), env)
	if res.Message != "replaced=3" {
		t.Errorf("got %q", res.Message)
	}
}

func TestFSUnknownAction(t *testing.T) {
	fs := NewFileSystem()
	res := fs.Execute(context.Background(), fsCall(map[string]string{"action": "chmod"}), fsEnv(t))
	if !res.IsError {
		t.Error("unknown action must error")
	}
}
