package security

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func mustWorkspace(t *testing.T) *Workspace {
	t.Helper()
	ws, err := NewWorkspace(t.TempDir())
	if err != nil {
		t.Fatalf("NewWorkspace: %v", err)
	}
	return ws
}

func TestResolveRejectsParentEscape(t *testing.T) {
	ws := mustWorkspace(t)
	if _, err := ws.Resolve("../outside.txt"); !errors.Is(err, ErrPathOutsideWorkspace) {
		t.Fatalf("Resolve error = %v, want ErrPathOutsideWorkspace", err)
	}
}

func TestResolveRejectsSymlinkEscape(t *testing.T) {
	ws := mustWorkspace(t)
	outside := t.TempDir()
	link := filepath.Join(ws.Root(), "escape")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlink unsupported: %v", err)
	}
	if _, err := ws.Resolve("escape/file.txt"); !errors.Is(err, ErrPathOutsideWorkspace) {
		t.Fatalf("Resolve error = %v, want ErrPathOutsideWorkspace", err)
	}
}

func TestResolveAllowsPathsInsideRoot(t *testing.T) {
	ws := mustWorkspace(t)
	got, err := ws.Resolve("a/b/c.txt")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if want := filepath.Join(ws.Root(), "a", "b", "c.txt"); got != want {
		t.Fatalf("Resolve = %q, want %q", got, want)
	}
}

func TestDescribeRendersPromptPaths(t *testing.T) {
	ws := mustWorkspace(t)

	display, outside := ws.Describe(filepath.Join(ws.Root(), "src", "main.go"))
	if outside || display != filepath.Join("src", "main.go") {
		t.Fatalf("Describe inside root = (%q, %v), want relative path", display, outside)
	}

	display, outside = ws.Describe("../secrets.env")
	if !outside || display != "../secrets.env" {
		t.Fatalf("Describe escape = (%q, %v), want original spelling and outside=true", display, outside)
	}
}
