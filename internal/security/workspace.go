package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathOutsideWorkspace marks a path that resolves beyond the workspace
// root, through parent traversal or a symlink.
var ErrPathOutsideWorkspace = errors.New("path outside workspace")

// Workspace 交给代理子进程的目录边界 / Workspace is the directory boundary
// handed to a spawned agent as its working directory. Paths named in
// file-change approvals are checked against it so the prompt can show
// workspace-relative paths and call out anything that escapes the root.
type Workspace struct {
	root string
}

// NewWorkspace anchors a workspace at root. The root is made absolute and
// symlink-resolved once, so later containment checks compare real paths.
func NewWorkspace(root string) (*Workspace, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("workspace root is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("abs workspace root: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return &Workspace{root: abs}, nil
}

// Root returns the resolved workspace root.
func (w *Workspace) Root() string {
	return w.root
}

// Resolve 解析路径并校验不越界 / Resolve makes path absolute against the
// root, follows symlinks and verifies the result stays inside the
// workspace. Links are followed before the containment check, so a link
// whose name is inside the root but whose target is not still fails with
// ErrPathOutsideWorkspace.
func (w *Workspace) Resolve(path string) (string, error) {
	target := strings.TrimSpace(path)
	if target == "" {
		return w.root, nil
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(w.root, target)
	}

	resolved, err := followSymlinks(filepath.Clean(target))
	if err != nil {
		return "", err
	}

	rel, err := filepath.Rel(w.root, resolved)
	if err != nil {
		return "", fmt.Errorf("relative path check: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", ErrPathOutsideWorkspace
	}
	return resolved, nil
}

// Describe returns the form of path shown in approval prompts:
// workspace-relative when the path stays inside the root, the original
// spelling otherwise. outside reports a path that escapes the root, so the
// prompt can flag it while still showing exactly what the agent asked for.
func (w *Workspace) Describe(path string) (display string, outside bool) {
	resolved, err := w.Resolve(path)
	if err != nil {
		return path, errors.Is(err, ErrPathOutsideWorkspace)
	}
	rel, err := filepath.Rel(w.root, resolved)
	if err != nil || rel == "." {
		return path, false
	}
	return rel, false
}

// followSymlinks resolves path, tolerating a not-yet-created leaf: agents
// routinely ask to create files, so only the parent needs to exist.
func followSymlinks(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err == nil {
		return resolved, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("resolve symlink: %w", err)
	}

	parent, err := filepath.EvalSymlinks(filepath.Dir(path))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("resolve parent symlink: %w", err)
		}
		parent = filepath.Dir(path)
	}
	return filepath.Join(parent, filepath.Base(path)), nil
}
