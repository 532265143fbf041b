package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteThenReadFile(t *testing.T) {
	dir := t.TempDir()
	write := NewWriteFileTool(dir, true)
	read := NewReadFileTool(dir, true)

	res := write.Execute(context.Background(), map[string]interface{}{
		"path":    "notes/today.md",
		"content": "remember the milk",
	})
	if res.IsError {
		t.Fatalf("write failed: %q", res.ForLLM)
	}

	res = read.Execute(context.Background(), map[string]interface{}{
		"path": "notes/today.md",
	})
	if res.IsError {
		t.Fatalf("read failed: %q", res.ForLLM)
	}
	if res.ForLLM != "remember the milk" {
		t.Errorf("content = %q", res.ForLLM)
	}
}

func TestReadFileMissing(t *testing.T) {
	read := NewReadFileTool(t.TempDir(), true)
	res := read.Execute(context.Background(), map[string]interface{}{
		"path": "does-not-exist.txt",
	})
	if !res.IsError {
		t.Fatal("expected error for missing file")
	}
}

func TestReadFileEscapeDenied(t *testing.T) {
	read := NewReadFileTool(t.TempDir(), true)

	for _, path := range []string{"../../etc/passwd", "/etc/passwd"} {
		t.Run(path, func(t *testing.T) {
			res := read.Execute(context.Background(), map[string]interface{}{"path": path})
			if !res.IsError {
				t.Fatalf("path %q should be denied", path)
			}
			if !strings.Contains(res.ForLLM, "access denied") {
				t.Errorf("ForLLM = %q", res.ForLLM)
			}
		})
	}
}

func TestReadFileSymlinkEscapeDenied(t *testing.T) {
	dir := t.TempDir()
	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.txt")
	if err := os.WriteFile(secret, []byte("hidden"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(secret, filepath.Join(dir, "link.txt")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	read := NewReadFileTool(dir, true)
	res := read.Execute(context.Background(), map[string]interface{}{"path": "link.txt"})
	if !res.IsError {
		t.Fatal("symlink escaping the workspace should be denied")
	}
}

func TestUnrestrictedReadFollowsAbsolutePaths(t *testing.T) {
	outside := t.TempDir()
	target := filepath.Join(outside, "data.txt")
	if err := os.WriteFile(target, []byte("free range"), 0o644); err != nil {
		t.Fatal(err)
	}

	read := NewReadFileTool(t.TempDir(), false)
	res := read.Execute(context.Background(), map[string]interface{}{"path": target})
	if res.IsError {
		t.Fatalf("unrestricted read failed: %q", res.ForLLM)
	}
	if res.ForLLM != "free range" {
		t.Errorf("content = %q", res.ForLLM)
	}
}

func TestWriteFileRequiresPath(t *testing.T) {
	write := NewWriteFileTool(t.TempDir(), true)
	res := write.Execute(context.Background(), map[string]interface{}{"content": "x"})
	if !res.IsError || res.ForLLM != "path is required" {
		t.Errorf("result = %+v", res)
	}
}
