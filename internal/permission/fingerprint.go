package permission

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"sort"
	"strings"
)

// Fingerprints are derived from the semantically relevant fields of a
// requested action, never from volatile fields like request ids, so two
// structurally identical requests collide regardless of arrival order.
// Composite inputs are sorted before hashing to make the key
// order-independent.

// CommandFingerprint 对命令执行请求取指纹 / CommandFingerprint keys an
// execution request by its command line and working directory.
func CommandFingerprint(command, cwd string) string {
	return digest("exec", strings.TrimSpace(command), normalizePath(cwd))
}

// PatchFingerprint 对补丁请求取指纹 / PatchFingerprint keys a file-change
// request by the sorted set of touched paths.
func PatchFingerprint(paths []string) string {
	normalized := make([]string, 0, len(paths))
	for _, p := range paths {
		if p = normalizePath(p); p != "" {
			normalized = append(normalized, p)
		}
	}
	sort.Strings(normalized)
	return digest("patch", normalized...)
}

// ToolFingerprint 对一般工具请求取指纹 / ToolFingerprint keys a generic
// tool request by tool name and its semantic fields, sorted by field name.
func ToolFingerprint(tool string, fields map[string]string) string {
	parts := make([]string, 0, len(fields))
	for k, v := range fields {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return digest("tool:"+strings.ToLower(strings.TrimSpace(tool)), parts...)
}

func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	return filepath.ToSlash(filepath.Clean(p))
}

func digest(kind string, parts ...string) string {
	h := sha256.New()
	h.Write([]byte(kind))
	for _, part := range parts {
		h.Write([]byte{0})
		h.Write([]byte(part))
	}
	return kind + ":" + hex.EncodeToString(h.Sum(nil))[:32]
}
